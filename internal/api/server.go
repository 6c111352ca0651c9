// Package api provides the HTTP API for managing MCP servers.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/net/netutil"

	"github.com/nugget/toolhost/internal/buildinfo"
	"github.com/nugget/toolhost/internal/events"
	"github.com/nugget/toolhost/internal/mcp"
	"github.com/nugget/toolhost/internal/registry"
)

// maxBodyBytes caps request bodies (server configs and tool arguments).
const maxBodyBytes = 4 << 20

// Event stream timing.
const (
	eventWriteWait = 10 * time.Second
	eventPongWait  = 60 * time.Second
	eventPingEvery = 30 * time.Second
)

// Registry is the subset of *registry.Registry the API drives.
type Registry interface {
	Connect(ctx context.Context, id string, cfg mcp.ServerConfig) (registry.Record, error)
	Disconnect(id string)
	Forget(id string) error
	CallTool(ctx context.Context, id, tool string, args json.RawMessage) (json.RawMessage, error)
	HealthCheck(id string) bool
	Get(id string) (registry.Record, bool)
	List() []registry.Record
	Tools() []registry.ServerTools
}

// writeJSON encodes v as JSON to w, logging any encoding error.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("failed to encode JSON response", "error", err)
	}
}

// Server is the HTTP API server.
type Server struct {
	address  string
	port     int
	registry Registry
	bus      *events.Bus
	logger   *slog.Logger
	server   *http.Server
	upgrader websocket.Upgrader
	maxConns int
}

// NewServer creates a new API server.
func NewServer(address string, port int, reg Registry, bus *events.Bus, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address:  address,
		port:     port,
		registry: reg,
		bus:      bus,
		logger:   logger,
		upgrader: websocket.Upgrader{
			// Event consumers are local dashboards and scripts.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// SetMaxConns caps simultaneous client connections. Zero or less means
// no cap.
func (s *Server) SetMaxConns(n int) {
	s.maxConns = n
}

// Handler returns the routed handler with request logging applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/version", s.handleVersion)

	mux.HandleFunc("GET /v1/servers", s.handleListServers)
	mux.HandleFunc("GET /v1/servers/{id}", s.handleGetServer)
	mux.HandleFunc("DELETE /v1/servers/{id}", s.handleForget)
	mux.HandleFunc("GET /v1/servers/{id}/health", s.handleServerHealth)
	mux.HandleFunc("POST /v1/servers/{id}/connect", s.handleConnect)
	mux.HandleFunc("POST /v1/servers/{id}/disconnect", s.handleDisconnect)
	mux.HandleFunc("POST /v1/servers/{id}/tools/{tool}", s.handleCallTool)

	mux.HandleFunc("GET /v1/tools", s.handleTools)
	mux.HandleFunc("GET /v1/events", s.handleEvents)

	return s.withRequestID(s.withLogging(mux))
}

// Start starts the HTTP server. It blocks until the server stops.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
		// No write timeout: tool calls are bounded by the registry and
		// the event stream is long-lived.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", s.address, s.port))
	if err != nil {
		return err
	}
	if s.maxConns > 0 {
		ln = netutil.LimitListener(ln, s.maxConns)
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port, "max_conns", s.maxConns)
	return s.server.Serve(ln)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

type requestIDKey struct{}

// RequestID returns the request ID assigned by the API middleware.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// withRequestID honors an incoming X-Request-ID or assigns a UUIDv7.
func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			if u, err := uuid.NewV7(); err == nil {
				id = u.String()
			} else {
				id = uuid.NewString()
			}
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", RequestID(r.Context()),
			"duration", time.Since(start),
		)
	})
}

func (s *Server) requestLogger(r *http.Request) *slog.Logger {
	return s.logger.With("request_id", RequestID(r.Context()))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "healthy"}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

func (s *Server) handleListServers(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, s.registry.List(), s.logger)
}

func (s *Server) handleGetServer(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rec, ok := s.registry.Get(id)
	if !ok {
		s.errorResponse(w, http.StatusNotFound, (&registry.NotFoundError{ID: id}).Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, rec, s.logger)
}

func (s *Server) handleServerHealth(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := s.registry.Get(id); !ok {
		s.errorResponse(w, http.StatusNotFound, (&registry.NotFoundError{ID: id}).Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]bool{"alive": s.registry.HealthCheck(id)}, s.logger)
}

// connectFailure is the body returned when a connect attempt fails. The
// record carries the error status the registry stored.
type connectFailure struct {
	Error  string          `json:"error"`
	Record registry.Record `json:"record"`
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var cfg mcp.ServerConfig
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&cfg); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid server config: "+err.Error())
		return
	}
	if cfg.Command == "" {
		s.errorResponse(w, http.StatusBadRequest, "command is required")
		return
	}

	rec, err := s.registry.Connect(r.Context(), id, cfg)
	w.Header().Set("Content-Type", "application/json")
	if err != nil {
		s.requestLogger(r).Warn("connect failed", "mcp_server", id, "error", err)
		w.WriteHeader(http.StatusBadGateway)
		writeJSON(w, connectFailure{Error: err.Error(), Record: rec}, s.logger)
		return
	}
	writeJSON(w, rec, s.logger)
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	s.registry.Disconnect(r.PathValue("id"))
	w.WriteHeader(http.StatusNoContent)
}

// handleForget disconnects the server and drops its record and saved
// config.
func (s *Server) handleForget(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.registry.Forget(id); err != nil {
		s.requestLogger(r).Error("forget failed", "mcp_server", id, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCallTool(w http.ResponseWriter, r *http.Request) {
	id, tool := r.PathValue("id"), r.PathValue("tool")

	args, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}
	if len(args) > 0 && !json.Valid(args) {
		s.errorResponse(w, http.StatusBadRequest, "arguments must be valid JSON")
		return
	}

	result, err := s.registry.CallTool(r.Context(), id, tool, args)
	if err != nil {
		s.requestLogger(r).Warn("tool call failed", "mcp_server", id, "tool", tool, "error", err)
		s.errorResponse(w, statusFor(err), err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(append(result, '\n')); err != nil {
		s.logger.Debug("failed to write tool result", "error", err)
	}
}

func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, s.registry.Tools(), s.logger)
}

// handleEvents upgrades to a WebSocket and streams bus events as JSON
// text frames until the client goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}
	defer conn.Close()

	log := s.requestLogger(r)
	log.Info("event stream opened", "remote", r.RemoteAddr)

	sub := s.bus.Subscribe(64)
	defer sub.Close()

	// The read side only services control frames; a read error means
	// the client is gone.
	gone := make(chan struct{})
	conn.SetReadDeadline(time.Now().Add(eventPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(eventPongWait))
	})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Debug("event stream read error", "error", err)
				}
				return
			}
		}
	}()

	ping := time.NewTicker(eventPingEvery)
	defer ping.Stop()

	for {
		select {
		case <-gone:
			log.Info("event stream closed", "dropped", sub.Dropped())
			return
		case <-r.Context().Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
				time.Now().Add(eventWriteWait))
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(eventWriteWait)); err != nil {
				log.Debug("event stream ping failed", "error", err)
				return
			}
		case e := <-sub.C:
			conn.SetWriteDeadline(time.Now().Add(eventWriteWait))
			if err := conn.WriteJSON(e); err != nil {
				log.Debug("event stream write failed", "error", err)
				return
			}
		}
	}
}

// statusFor maps registry and protocol errors to HTTP status codes.
func statusFor(err error) int {
	var notFound *registry.NotFoundError
	var invalid *registry.InvalidStateError
	switch {
	case errors.As(err, &notFound):
		return http.StatusNotFound
	case errors.As(err, &invalid):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func (s *Server) errorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    status,
		},
	}, s.logger)
}
