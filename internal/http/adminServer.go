package http

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"parley/internal/api"
)

// AdminServer exposes session and conversation management. It has no
// authentication and must listen on a private address.
type AdminServer struct {
	server *http.Server
	logger *slog.Logger
	wg     sync.WaitGroup
}

func NewAdminServer(adminHandler *api.AdminHandler, addr string, logger *slog.Logger) *AdminServer {
	if logger == nil {
		logger = slog.Default()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /admin/sessions", adminHandler.IssueSessionHandler)
	mux.HandleFunc("DELETE /admin/sessions", adminHandler.RevokeSessionHandler)
	mux.HandleFunc("POST /admin/conversations", adminHandler.CreateConversationHandler)
	mux.HandleFunc("GET /admin/conversations", adminHandler.ListConversationsHandler)

	if addr == "" {
		addr = "localhost:8081"
	}

	return &AdminServer{
		server: &http.Server{
			Addr:     addr,
			Handler:  mux,
			ErrorLog: slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
		},
		logger: logger,
	}
}

func (s *AdminServer) Handler() http.Handler {
	return s.server.Handler
}

func (s *AdminServer) Start() error {
	s.logger.Info("admin API started", "addr", s.server.Addr)
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *AdminServer) Shutdown(ctx context.Context) error {
	defer s.wg.Wait()
	return s.server.Shutdown(ctx)
}
