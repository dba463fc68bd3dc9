package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	nodeconfig "credx/config"
	"credx/core/events"
	"credx/core/state"
	"credx/native/lending"
	"credx/observability/logging"
	telemetry "credx/observability/otel"
	"credx/services/creditd/config"
	"credx/services/creditd/journal"
	"credx/services/creditd/keeper"
	"credx/services/creditd/server"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/creditd/config.yaml", "path to creditd config")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	env := strings.TrimSpace(os.Getenv("CREDX_ENV"))
	logger := logging.Setup("creditd", env,
		logging.WithLevel(logging.ParseLevel(cfg.Log.Level)),
		logging.WithFile(cfg.Log.File),
	)
	logger.LogAttrs(context.Background(), slog.LevelInfo, "creditd configuration", cfg.LogAttrs()...)
	nodeCfg, err := nodeconfig.Load(cfg.NodeConfig)
	if err != nil {
		log.Fatalf("load node config: %v", err)
	}

	telemetryCfg := telemetry.ConfigFromEnv("creditd", env)
	telemetryCfg.CreditSymbol = nodeCfg.Credit.CreditSymbol
	telemetryCfg.SampleRatio = cfg.Telemetry.SampleRatio
	telemetryCfg.Attributes = map[string]string{string(telemetry.AttrNodeConfig): cfg.NodeConfig}
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetryCfg)
	if err != nil {
		log.Fatalf("init telemetry: %v", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	db, err := nodeCfg.OpenDatabase()
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()

	engine, err := lending.NewEngine(nodeCfg.Credit)
	if err != nil {
		log.Fatalf("configure engine: %v", err)
	}
	engine.SetState(state.NewManager(db))

	journalDB, err := journal.Open(cfg.Journal.Driver, cfg.Journal.DSN)
	if err != nil {
		log.Fatalf("open journal: %v", err)
	}
	if err := journal.AutoMigrate(journalDB); err != nil {
		log.Fatalf("migrate journal: %v", err)
	}
	eventLog := journal.New(journalDB, logger)
	eventLog.SetAppendTimeout(cfg.Journal.AppendTimeout.Duration)
	hub := server.NewHub(logger)
	engine.SetEmitter(events.MultiEmitter{eventLog, hub})

	secret := cfg.Auth.ResolveSecret()
	if secret == "" {
		log.Fatalf("auth secret missing: set auth.secret or %s", cfg.Auth.SecretEnv)
	}
	api, err := server.New(server.Config{
		Engine:  engine,
		Journal: eventLog,
		Hub:     hub,
		Auth: server.NewAuthenticator(server.AuthConfig{
			HMACSecret: secret,
			Issuer:     cfg.Auth.Issuer,
			Audience:   cfg.Auth.Audience,
			ClockSkew:  cfg.Auth.ClockSkew.Duration,
		}, logger),
		ExportDir:      cfg.Export.Directory,
		RequestTimeout: cfg.RequestTimeout.Duration,
		Logger:         logger,
	})
	if err != nil {
		log.Fatalf("build server: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	grpcServer := grpc.NewServer(
		grpc.ChainUnaryInterceptor(otelgrpc.UnaryServerInterceptor()),
		grpc.ChainStreamInterceptor(otelgrpc.StreamServerInterceptor()),
	)
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("creditd", healthpb.HealthCheckResponse_SERVING)

	healthListener, err := net.Listen("tcp", cfg.HealthListen)
	if err != nil {
		log.Fatalf("listen on %s: %v", cfg.HealthListen, err)
	}
	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           api.Instrument(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serverErr := make(chan error, 2)
	go func() {
		logger.Info("creditd health listening", slog.String("addr", cfg.HealthListen))
		serverErr <- grpcServer.Serve(healthListener)
	}()
	go func() {
		logger.Info("creditd listening", slog.String("addr", cfg.ListenAddress))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	if cfg.Keeper.Enabled {
		relayer, err := cfg.Keeper.RelayerAddress()
		if err != nil {
			log.Fatalf("keeper relayer: %v", err)
		}
		k := keeper.New(engine, keeper.Config{
			Relayer:       relayer,
			Interval:      cfg.Keeper.Interval.Duration,
			RatePerSecond: cfg.Keeper.RatePerSecond,
			Burst:         cfg.Keeper.Burst,
		}, logger)
		go func() {
			if err := k.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("keeper stopped", slog.Any("error", err))
			}
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			logger.Error("server failed", slog.Any("error", err))
		}
	}

	healthServer.Shutdown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", slog.Any("error", err))
	}
	done := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		logger.Warn("forcing health server stop")
		grpcServer.Stop()
	}
}
