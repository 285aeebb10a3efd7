package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"parley/internal/api"
	"parley/internal/auth"
	"parley/internal/commands"
	"parley/internal/config"
	"parley/internal/http"
	"parley/internal/push"
	"parley/internal/storage"
	"parley/internal/ws"

	"golang.org/x/sync/errgroup"
)

func run(ctx context.Context, args []string) error {
	flags := flag.NewFlagSet("parley", flag.ContinueOnError)
	issueSession := flags.String("issue-session", "", "Issue a session token for userId[:username] on the running server")
	createConversation := flags.String("create-conversation", "", "Create conversation id[:user1,user2,...] on the running server")
	if err := flags.Parse(args); err != nil {
		return err
	}
	cliMode := *issueSession != "" || *createConversation != ""

	cfg, err := config.Load(cliMode)
	if err != nil {
		return err
	}

	if *issueSession != "" {
		return commands.IssueSession(*issueSession, cfg)
	}
	if *createConversation != "" {
		return commands.CreateConversation(*createConversation, cfg)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	bbStorage, err := storage.NewBboltStorage(cfg.DBFile)
	if err != nil {
		return err
	}
	defer func() { _ = bbStorage.Close() }()

	sessions, err := auth.NewSessionService(ctx, auth.Config{TokenExpiry: cfg.SessionTTL}, bbStorage)
	if err != nil {
		return err
	}
	if err := sessions.Load(); err != nil {
		return err
	}

	// The notifier asks the hub about presence and the hub notifies on
	// publish, so the hub is bound after construction.
	var hub *ws.Hub
	notifier := push.New(push.Config{
		VAPIDPublicKey:  cfg.VAPIDPublicKey,
		VAPIDPrivateKey: cfg.VAPIDPrivateKey,
		Subscriber:      cfg.VAPIDSubscriber,
		Logger:          logger,
	}, bbStorage, bbStorage, push.PresenceFunc(func(userID string) bool {
		return hub.IsOnline(userID)
	}))
	defer notifier.Wait()
	if !notifier.Enabled() {
		logger.Info("push notifications disabled, VAPID keys are not configured")
	}

	hub = ws.NewHub(ws.HubConfig{
		Store:            bbStorage,
		Notifier:         notifier,
		PersistTimeout:   cfg.PersistTimeout,
		TypingTimeout:    cfg.TypingTimeout,
		MaxContentLength: cfg.MaxContent,
		Logger:           logger,
	})
	defer hub.Close()

	g, gCtx := errgroup.WithContext(ctx)

	wsServer := ws.NewServer(gCtx, hub, sessions, ws.ConnectionConfig{
		SendBuffer:   cfg.SendBuffer,
		PingInterval: cfg.PingInterval,
		PongWait:     cfg.PongWait,
		WriteWait:    cfg.WriteWait,
		MessageRate:  cfg.MessageRate,
		TypingRate:   cfg.TypingRate,
	}, logger)

	apiServer := http.NewAPIServer(api.New(sessions, bbStorage, hub, cfg.VAPIDPublicKey, logger), wsServer, cfg.APIAddr, logger)
	adminServer := http.NewAdminServer(api.NewAdminHandler(sessions, bbStorage, hub, logger), cfg.AdminAddr, logger)

	g.Go(adminServer.Start)
	g.Go(apiServer.Start)

	// Wait for context cancellation (signal)
	g.Go(func() error {
		<-gCtx.Done()
		logger.Info("shutting down servers")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("admin server shutdown error", "error", err)
		}
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("API server shutdown error", "error", err)
		}
		return nil
	})

	err = g.Wait()
	// Hijacked connections outlive http.Server.Shutdown; they still use the store.
	wsServer.Wait()
	return err
}

func newLogger(cfg *config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:]); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, flag.ErrHelp) {
		slog.Error("application error", "error", err)
		os.Exit(1)
	}
}
