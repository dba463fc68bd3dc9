package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"credx/core/events"
)

const (
	wsWriteTimeout    = 10 * time.Second
	subscriberBacklog = 64
)

// Hub fans committed engine events out to websocket subscribers. Slow
// subscribers lose events rather than stall the engine.
type Hub struct {
	mu     sync.RWMutex
	subs   map[*subscription]struct{}
	logger *slog.Logger
}

type subscription struct {
	owner string
	ch    chan events.Record
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{subs: make(map[*subscription]struct{}), logger: logger}
}

// Emit implements events.Emitter.
func (h *Hub) Emit(evt events.Event) {
	if h == nil || evt == nil {
		return
	}
	record := evt.Record()
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs {
		if sub.owner != "" && record.Attribute("owner") != sub.owner {
			continue
		}
		select {
		case sub.ch <- record:
		default:
			h.logger.Warn("event subscriber lagging, dropping event", slog.String("type", record.Type))
		}
	}
}

// Subscribe registers a listener. An empty owner receives every event.
func (h *Hub) Subscribe(owner string) (<-chan events.Record, func()) {
	sub := &subscription{owner: owner, ch: make(chan events.Record, subscriberBacklog)}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, sub)
			h.mu.Unlock()
		})
	}
}

// Subscribers reports the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	owner := strings.TrimSpace(r.URL.Query().Get("owner"))
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.originPatterns})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")
	ctx := conn.CloseRead(r.Context())
	if err := s.streamEvents(ctx, conn, owner); err != nil {
		if status := websocket.CloseStatus(err); status == -1 && ctx.Err() == nil {
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func (s *Server) streamEvents(ctx context.Context, conn *websocket.Conn, owner string) error {
	records, cancel := s.hub.Subscribe(owner)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case record := <-records:
			if err := writeRecord(ctx, conn, record); err != nil {
				return err
			}
		}
	}
}

func writeRecord(ctx context.Context, conn *websocket.Conn, record events.Record) error {
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
