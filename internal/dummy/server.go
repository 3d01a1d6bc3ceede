// Package dummy is a small reference chat target: a broadcast hub behind a
// raw WebSocket endpoint and a channel-join endpoint, plus health and stats.
package dummy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type ServerConfig struct {
	Port int
	// TopicPrefix is the only topic family the join endpoint accepts.
	TopicPrefix string
}

type Server struct {
	cfg      ServerConfig
	hub      *Hub
	log      *zap.Logger
	upgrader websocket.Upgrader
	started  time.Time
}

func New(cfg ServerConfig, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "chat:"
	}
	return &Server{
		cfg: cfg,
		hub: newHub(),
		log: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:   2048,
			WriteBufferSize:  2048,
			HandshakeTimeout: 5 * time.Second,
			CheckOrigin:      func(r *http.Request) bool { return true },
		},
		started: time.Now(),
	}
}

// Handler wires the routes. The hub must be running (see Run) for broadcasts
// to flow; connects and health checks work either way.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/stats", s.handleStats)
	r.Get("/ws", s.handleRaw)
	r.Get("/ws/{id}", s.handleRaw)
	r.Get("/socket/websocket", s.handleChannel)
	return r
}

// Run drives the broadcast hub until ctx is done.
func (s *Server) Run(ctx context.Context) {
	s.hub.run(ctx)
}

// ListenAndServe runs the hub and the HTTP server until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go s.Run(ctx)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.log.Info("dummy chat target listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Connections() int64 { return s.hub.connections.Load() }
func (s *Server) Messages() int64 { return s.hub.messages.Load() }

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"status":      "healthy",
		"connections": s.Connections(),
		"messages":    s.Messages(),
		"goroutines":  runtime.NumGoroutine(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	writeJSON(w, map[string]any{
		"connections": s.Connections(),
		"messages":    s.Messages(),
		"goroutines":  runtime.NumGoroutine(),
		"memory_mb":   m.Alloc / 1024 / 1024,
		"gc_cycles":   m.NumGC,
		"uptime_s":    int64(time.Since(s.started).Seconds()),
	})
}

func (s *Server) handleRaw(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		id = r.URL.Query().Get("id")
	}
	if id == "" {
		id = fmt.Sprintf("u%d", time.Now().UnixNano()%1000000)
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("upgrade failed", zap.Error(err))
		return
	}
	s.serve(newClient(s.hub, ws, id, ""))
}

// handleChannel expects a join event as the first frame and replies with
// phx_reply before the client joins the hub.
func (s *Server) handleChannel(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("upgrade failed", zap.Error(err))
		return
	}

	_ = ws.SetReadDeadline(time.Now().Add(10 * time.Second))
	var join channelEvent
	if err := ws.ReadJSON(&join); err != nil {
		ws.Close()
		return
	}

	status := "ok"
	if join.Event != "phx_join" || !strings.HasPrefix(join.Topic, s.cfg.TopicPrefix) {
		status = "error"
	}
	reply := channelEvent{
		Topic:   join.Topic,
		Event:   "phx_reply",
		Payload: map[string]any{"status": status, "response": map[string]any{}},
		Ref:     join.Ref,
	}
	_ = ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := ws.WriteJSON(reply); err != nil || status != "ok" {
		ws.Close()
		return
	}
	_ = ws.SetWriteDeadline(time.Time{})

	id, _ := join.Payload["id"].(string)
	s.serve(newClient(s.hub, ws, id, join.Topic))
}

func (s *Server) serve(c *client) {
	s.hub.register(c)
	go c.writePump()
	go c.readPump()
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
