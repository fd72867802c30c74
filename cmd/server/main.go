package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/Tyrowin/roomrelay/internal/backplane"
	"github.com/Tyrowin/roomrelay/internal/bridge"
	"github.com/Tyrowin/roomrelay/internal/logging"
	"github.com/Tyrowin/roomrelay/internal/presence"
	"github.com/Tyrowin/roomrelay/internal/server"
	"github.com/Tyrowin/roomrelay/internal/session"
)

func main() {
	envErr := godotenv.Load()

	cfg, err := server.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading config: %v\n", err)
		os.Exit(1)
	}

	log, err := logging.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "building logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if envErr != nil {
		log.Debug("no .env file loaded, using environment variables", zap.Error(envErr))
	}

	if err := run(cfg, log); err != nil {
		log.Error("relay stopped with error", zap.Error(err))
		_ = log.Sync()
		os.Exit(1)
	}
}

func run(cfg *server.Config, log *zap.Logger) error {
	log.Info("starting room relay",
		zap.String("instance", cfg.InstanceID),
		zap.String("backplane", string(cfg.Backplane)),
		zap.String("presence", string(cfg.PresenceScope)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bp, counter, err := backplane.Open(ctx, cfg.BackplaneOptions(), log.Named("backplane"))
	if err != nil {
		return fmt.Errorf("open backplane: %w", err)
	}

	dir := presence.NewDirectory()
	br := bridge.New(bp, dir, cfg.BridgeOptions(), log.Named("bridge"))
	bridgeDone := make(chan struct{})
	go func() {
		defer close(bridgeDone)
		if err := br.Run(ctx); err != nil {
			log.Error("bridge stopped", zap.Error(err))
		}
	}()

	sessions := session.NewHandler(dir, br, cfg.SessionOptions(counter), log.Named("session"))
	refreshCtx, stopRefresh := context.WithCancel(ctx)
	defer stopRefresh()
	refreshDone := make(chan struct{})
	go func() {
		defer close(refreshDone)
		refreshPresence(refreshCtx, sessions, cfg.PresenceRefreshInterval())
	}()
	srv := server.New(*cfg, sessions, br, log)
	srv.StartHub()

	httpServer := server.CreateServer(cfg.Port, srv.Routes())
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.StartServer(httpServer, log)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-quit:
		log.Info("shutdown signal received", zap.String("signal", sig.String()))
	case runErr = <-serveErr:
		log.Error("http server failed", zap.Error(runErr))
	}

	if err := server.ShutdownServer(httpServer, cfg.ShutdownTimeout, log); err != nil {
		log.Warn("http shutdown incomplete", zap.Error(err))
	}
	if err := srv.Shutdown(cfg.ShutdownTimeout); err != nil {
		log.Warn("hub shutdown incomplete", zap.Error(err))
	}

	stopRefresh()
	<-refreshDone

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()
	if err := sessions.Shutdown(shutdownCtx); err != nil {
		log.Warn("removing fleet presence entry", zap.Error(err))
	}

	cancel()
	<-bridgeDone
	if err := bp.Close(); err != nil {
		log.Warn("closing backplane", zap.Error(err))
	}

	log.Info("room relay stopped")
	return runErr
}

// refreshPresence keeps this instance's fleet count entry alive until ctx ends.
func refreshPresence(ctx context.Context, sessions *session.Handler, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sessions.Refresh(ctx)
		}
	}
}
