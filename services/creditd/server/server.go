package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	nativecommon "credx/native/common"
	"credx/native/lending"
	"credx/observability/metrics"
	telemetry "credx/observability/otel"
	"credx/services/creditd/journal"
)

// Config captures the dependencies required to construct the server.
type Config struct {
	Engine         *lending.Engine
	Journal        *journal.Journal
	Hub            *Hub
	Auth           *Authenticator
	ExportDir      string
	RequestTimeout time.Duration
	OriginPatterns []string
	Logger         *slog.Logger
	Now            func() time.Time
}

// Server exposes the credit engine over HTTP.
type Server struct {
	engine         *lending.Engine
	journal        *journal.Journal
	hub            *Hub
	auth           *Authenticator
	exportDir      string
	timeout        time.Duration
	originPatterns []string
	logger         *slog.Logger
	tracer         trace.Tracer
	now            func() time.Time

	router http.Handler
}

// New constructs the router. Engine and Auth are required.
func New(cfg Config) (*Server, error) {
	if cfg.Engine == nil {
		return nil, fmt.Errorf("server: engine required")
	}
	if cfg.Auth == nil {
		return nil, fmt.Errorf("server: authenticator required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Hub == nil {
		cfg.Hub = NewHub(cfg.Logger)
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if len(cfg.OriginPatterns) == 0 {
		cfg.OriginPatterns = []string{"*"}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	s := &Server{
		engine:         cfg.Engine,
		journal:        cfg.Journal,
		hub:            cfg.Hub,
		auth:           cfg.Auth,
		exportDir:      strings.TrimSpace(cfg.ExportDir),
		timeout:        cfg.RequestTimeout,
		originPatterns: cfg.OriginPatterns,
		logger:         cfg.Logger,
		tracer:         telemetry.Tracer("credx/creditd"),
		now:            cfg.Now,
	}
	s.router = s.buildRouter()
	return s, nil
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Hub returns the event hub fed by the engine.
func (s *Server) Hub() *Hub {
	return s.hub
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(chimw.RealIP)
	r.Use(s.accessLog)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(api chi.Router) {
		api.Use(s.auth.Middleware())
		api.Get("/events/ws", s.handleEventsWS)

		api.Group(func(rest chi.Router) {
			rest.Use(chimw.Timeout(s.timeout))

			rest.Get("/protocol", s.handleGetProtocol)
			rest.With(RequireScopes(ScopeAdmin)).Post("/protocol", s.handleInitializeProtocol)
			rest.With(RequireScopes(ScopeAdmin)).Post("/protocol/lock", s.handleSetLocked)

			rest.With(RequireScopes(ScopeAdmin)).Post("/assets", s.handleCreateAsset)
			rest.With(RequireScopes(ScopeAdmin)).Post("/assets/{asset}/mint", s.handleMintCollateral)
			rest.Get("/assets/{asset}/balances/{holder}", s.handleBalance)

			rest.Post("/loans", s.handleInitializeLoan)
			rest.Get("/loans/{owner}", s.handleGetPosition)
			rest.Post("/loans/deposit", s.handleDeposit)
			rest.Post("/loans/borrow", s.handleBorrow)
			rest.Post("/loans/withdraw", s.handleWithdraw)
			rest.Delete("/loans/delegation", s.handleRevokeDelegation)
			rest.With(RequireScopes(ScopeKeeper)).Post("/loans/{owner}/repay", s.handleAutoRepay)

			rest.With(RequireScopes(ScopeOracle)).Post("/oracles/simple", s.handleCreateSimpleFeed)
			rest.With(RequireScopes(ScopeOracle)).Put("/oracles/simple/{ref}", s.handleUpdateSimpleFeed)
			rest.With(RequireScopes(ScopeOracle)).Post("/oracles/external", s.handlePublishExternalFeed)
			rest.Get("/oracles/{ref}", s.handleGetFeed)

			rest.With(RequireScopes(ScopeAdmin)).Post("/admin/export", s.handleExport)
			rest.Get("/events", s.handleListEvents)
		})
	})
	return r
}

// traced runs fn inside a span named after the engine operation.
func (s *Server) traced(r *http.Request, operation string, fn func() error) error {
	_, span := s.tracer.Start(r.Context(), operation)
	defer span.End()
	err := fn()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, nativecommon.CodeOf(err))
	}
	return err
}

func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(chimw.RequestIDHeader))
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(chimw.RequestIDHeader, id)
		ctx := context.WithValue(r.Context(), chimw.RequestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.Credit().ObserveHTTPRequest(route, fmt.Sprintf("%dxx", status/100))
		s.logger.Info("request served",
			slog.String("request_id", chimw.GetReqID(r.Context())),
			slog.String("method", r.Method),
			slog.String("route", route),
			slog.Int("status", status),
			slog.Duration("duration", time.Since(start)))
	})
}

// Instrument wraps the router for OpenTelemetry HTTP tracing.
func (s *Server) Instrument() http.Handler {
	return otelhttp.NewHandler(s.router, "creditd.http")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"subscribers": s.hub.Subscribers(),
	})
}
