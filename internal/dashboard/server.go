package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"hip3-taker/internal/config"
)

// Server runs the read-only dashboard's HTTP/WebSocket surface.
type Server struct {
	cfg      config.DashboardConfig
	provider Provider
	fullCfg  config.Config
	hub      *Hub
	server   *http.Server
	logger   *zap.Logger
}

// NewServer wires routes, the hub, and the HTTP server. It does not
// start listening until Start is called.
func NewServer(cfg config.DashboardConfig, provider Provider, fullCfg config.Config, logger *zap.Logger) *Server {
	hub := NewHub(logger)

	mux := http.NewServeMux()
	s := &Server{cfg: cfg, provider: provider, fullCfg: fullCfg, hub: hub, logger: logger}
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/snapshot", s.handleSnapshot)
	mux.HandleFunc("/ws", s.handleWebSocket)

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start runs the hub's loop, the event consumer, and ListenAndServe.
// Blocks until the server stops; call in its own goroutine.
func (s *Server) Start() error {
	go s.hub.Run()
	go s.consumeEvents()

	if s.logger != nil {
		s.logger.Info("dashboard server starting", zap.String("addr", s.server.Addr))
	}
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("dashboard server: %w", err)
	}
	return nil
}

// Stop gracefully shuts the HTTP server down.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) consumeEvents() {
	events := s.provider.Events()
	if events == nil {
		return
	}
	for evt := range events {
		s.hub.BroadcastEvent(evt)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap := BuildSnapshot(s.provider, s.fullCfg)
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(snap); err != nil {
		if s.logger != nil {
			s.logger.Error("encode dashboard snapshot failed", zap.Error(err))
		}
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.cfg.MaxConnections > 0 && s.hub.ClientCount() >= s.cfg.MaxConnections {
		http.Error(w, "too many dashboard connections", http.StatusServiceUnavailable)
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(req *http.Request) bool {
			return isOriginAllowed(req.Header.Get("Origin"), s.cfg, req.Host)
		},
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		if s.logger != nil {
			s.logger.Error("dashboard websocket upgrade failed", zap.Error(err))
		}
		return
	}

	client := NewClient(s.hub, conn)

	snap := BuildSnapshot(s.provider, s.fullCfg)
	data, err := json.Marshal(Event{Type: EventSnapshot, Timestamp: time.Now(), Data: snap})
	if err != nil {
		if s.logger != nil {
			s.logger.Error("marshal initial dashboard snapshot failed", zap.Error(err))
		}
		return
	}
	select {
	case client.send <- data:
	default:
		if s.logger != nil {
			s.logger.Warn("failed to send initial snapshot to dashboard client")
		}
	}
}

func isOriginAllowed(origin string, cfg config.DashboardConfig, reqHost string) bool {
	if origin == "" {
		return true
	}
	originURL, err := url.Parse(origin)
	if err != nil {
		return false
	}
	normalized := normalizeOrigin(originURL.Scheme, originURL.Host)
	if normalized == "" {
		return false
	}

	if len(cfg.AllowedOrigins) > 0 {
		for _, allowed := range cfg.AllowedOrigins {
			u, err := url.Parse(allowed)
			if err != nil {
				continue
			}
			if normalized == normalizeOrigin(u.Scheme, u.Host) {
				return true
			}
		}
		return false
	}

	host := strings.ToLower(originURL.Hostname())
	if host == "localhost" || host == "127.0.0.1" || host == "::1" {
		return true
	}
	reqHostname := normalizeHost(reqHost)
	return reqHostname != "" && host == reqHostname
}

func normalizeOrigin(scheme, host string) string {
	if scheme == "" || host == "" {
		return ""
	}
	return strings.ToLower(scheme) + "://" + strings.ToLower(host)
}

func normalizeHost(hostport string) string {
	hostport = strings.TrimSpace(hostport)
	if hostport == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(hostport); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(hostport)
}
