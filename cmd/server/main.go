package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prismy/collab-server/internal/auth"
	"github.com/prismy/collab-server/internal/config"
	"github.com/prismy/collab-server/internal/logging"
	"github.com/prismy/collab-server/internal/security"
	"github.com/prismy/collab-server/internal/server"
	"github.com/prismy/collab-server/internal/session"
	"github.com/prismy/collab-server/internal/storage"
	"github.com/prismy/collab-server/internal/websocket"
)

func main() {
	if err := run(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Load()
	log := logging.NewLogger(logging.Options{
		Service:     "collab-server",
		Environment: cfg.Environment,
		Level:       cfg.LogLevel,
		Format:      cfg.LogFormat,
	})
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := storage.NewAdapter(storageConfig(cfg))
	if err != nil {
		return err
	}
	connectCtx, connectCancel := context.WithTimeout(ctx, 10*time.Second)
	err = store.Connect(connectCtx)
	connectCancel()
	if err != nil {
		return err
	}
	log.Info("storage connected", slog.String("driver", cfg.StorageDriver))

	var opts []session.Option
	var events *storage.RedisEvents
	if cfg.EventsEnabled {
		events, err = storage.NewRedisEvents(&storage.RedisEventsConfig{
			URL:           cfg.RedisURL,
			ChannelPrefix: cfg.RedisChannelPrefix,
			MaxRetries:    3,
		}, log)
		if err != nil {
			return err
		}
		if err := events.Connect(ctx); err != nil {
			return err
		}
		opts = append(opts, session.WithEvents(events))
		log.Info("document events enabled", slog.String("prefix", cfg.RedisChannelPrefix))
	}

	registry := session.NewRegistry(session.Config{
		GracePeriod:       cfg.SessionGracePeriod,
		PresenceTimeout:   cfg.PresenceTimeout,
		SweepInterval:     cfg.PresenceSweepInterval,
		SaveDebounce:      cfg.SaveDebounce,
		LockTimeout:       cfg.LockTimeout,
		HistoryLimit:      cfg.HistoryLimit,
		PersistMaxElapsed: cfg.PersistMaxElapsed,
	}, store, log, opts...)
	registry.Start()

	sec := security.NewManager(security.DefaultLimits())
	defer sec.Dispose()

	authn := auth.NewAuthenticator(cfg.JWTSecret, cfg.AllowAnonymous)
	hub := websocket.NewHub(websocket.Config{SendQueueSize: cfg.SendQueueSize}, registry, authn, sec, log)
	srv := server.New(cfg, hub, registry, store, sec, authn, log)

	wg := new(sync.WaitGroup)
	wg.Add(1)
	go func() {
		defer wg.Done()
		cleanupLoop(ctx, store, cfg, log)
	}()

	errCh := make(chan error, 1)
	go func() {
		log.Info("server starting", slog.String("addr", cfg.Addr()))
		if err := srv.Start(cfg.Addr()); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		log.Info("shutting down", slog.String("signal", sig.String()))
	case err := <-errCh:
		return err
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.PersistMaxElapsed+10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", logging.Err(err))
	}
	if err := registry.Drain(shutdownCtx); err != nil {
		log.Error("sessions not fully persisted", logging.Err(err))
	}
	hub.CloseAll("server_shutdown")

	cancel()
	wg.Wait()

	if events != nil {
		if err := events.Disconnect(shutdownCtx); err != nil {
			log.Warn("events disconnect", logging.Err(err))
		}
	}
	if err := store.Disconnect(shutdownCtx); err != nil {
		log.Warn("storage disconnect", logging.Err(err))
	}
	log.Info("server shut down")
	return nil
}

func storageConfig(cfg *config.Config) *storage.StorageConfig {
	sc := storage.DefaultStorageConfig()
	sc.Driver = cfg.StorageDriver
	sc.Path = cfg.BoltPath
	sc.KeyPrefix = cfg.RedisChannelPrefix
	sc.HistoryLimit = cfg.MaxSnapshotsPerDocument
	switch cfg.StorageDriver {
	case storage.DriverPostgres:
		sc.ConnectionString = cfg.DatabaseURL
	case storage.DriverRedis:
		sc.ConnectionString = cfg.RedisURL
	}
	return sc
}

// cleanupLoop prunes snapshot history on an interval
func cleanupLoop(ctx context.Context, store storage.Adapter, cfg *config.Config, log *slog.Logger) {
	if cfg.CleanupInterval <= 0 {
		return
	}
	t := time.NewTicker(cfg.CleanupInterval)
	defer t.Stop()

	opts := &storage.CleanupOptions{
		OldSnapshotsDays:        cfg.SnapshotRetentionDays,
		MaxSnapshotsPerDocument: cfg.MaxSnapshotsPerDocument,
	}
	for {
		select {
		case <-t.C:
			res, err := store.Cleanup(ctx, opts)
			if err != nil {
				log.Error("snapshot cleanup failed", logging.Err(err))
				continue
			}
			if res.SnapshotsDeleted > 0 {
				log.Info("snapshot cleanup", slog.Int("deleted", res.SnapshotsDeleted))
			}
		case <-ctx.Done():
			return
		}
	}
}
