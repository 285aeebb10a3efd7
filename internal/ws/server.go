package ws

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"parley/internal/models"

	"github.com/gorilla/websocket"
)

// SessionResolver maps a connection token to the authenticated identity.
type SessionResolver interface {
	Resolve(token string) (models.Session, error)
}

type Server struct {
	hub      *Hub
	sessions SessionResolver
	config   ConnectionConfig
	upgrader *websocket.Upgrader
	logger   *slog.Logger

	// ctx bounds connection lifetimes; http.Server.Shutdown does not close
	// hijacked connections.
	ctx context.Context

	// handlers counts running connections so Wait can outlast them.
	handlers sync.WaitGroup
	mu       sync.Mutex
	draining bool
}

func NewServer(ctx context.Context, hub *Hub, sessions SessionResolver, config ConnectionConfig, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		hub:      hub,
		sessions: sessions,
		config:   config,
		upgrader: &websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins for now
			},
		},
		logger: logger,
		ctx:    ctx,
	}
}

// HandleConnections upgrades an authenticated request to a websocket and
// serves it until it closes.
func (s *Server) HandleConnections(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	session, err := s.sessions.Resolve(TokenFromRequest(r))
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	if !s.track() {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}
	defer s.handlers.Done()

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("error upgrading to websocket", "user_id", session.UserID, "error", err)
		return
	}
	ws.SetReadLimit(int64(64 * 1024))

	conn := NewConnection(s.hub, ws, session, s.config)
	s.logger.Info("connection opened", "conn_id", conn.ID(), "user_id", session.UserID)
	if err := conn.Handle(s.ctx); err != nil && !isCloseError(err) {
		s.logger.Warn("connection failed", "conn_id", conn.ID(), "user_id", session.UserID, "error", err)
	}
	s.logger.Info("connection closed", "conn_id", conn.ID(), "user_id", session.UserID)
}

func (s *Server) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.draining {
		return false
	}
	s.handlers.Add(1)
	return true
}

// Wait refuses new connections and blocks until every running connection
// handler has returned. Connections end when the server context is done.
func (s *Server) Wait() {
	s.mu.Lock()
	s.draining = true
	s.mu.Unlock()
	s.handlers.Wait()
}

// TokenFromRequest reads the session token from the "token" header, cookie
// or query parameter. Browsers cannot set headers on websocket requests.
func TokenFromRequest(r *http.Request) string {
	token := r.Header.Get("token")
	if token == "" {
		if c, err := r.Cookie("token"); err == nil {
			token = c.Value
		}
	}
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	return token
}

func isCloseError(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived)
}
