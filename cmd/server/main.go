package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/p-n-ai/pai-learn/internal/curriculum"
	"github.com/p-n-ai/pai-learn/internal/notify"
	"github.com/p-n-ai/pai-learn/internal/platform/cache"
	"github.com/p-n-ai/pai-learn/internal/platform/config"
	"github.com/p-n-ai/pai-learn/internal/platform/database"
	"github.com/p-n-ai/pai-learn/internal/platform/metrics"
	"github.com/p-n-ai/pai-learn/internal/progress"
	"github.com/p-n-ai/pai-learn/internal/quiz"
	"github.com/p-n-ai/pai-learn/internal/server"
	"github.com/p-n-ai/pai-learn/internal/syncer"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(newLogger(cfg.Log, os.Stdout))

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	// Graceful shutdown on SIGTERM/SIGINT.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

func newLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// app holds the wired dependencies of one server process.
type app struct {
	handler http.Handler
	sync    *syncer.Synchronizer
	hub     *notify.Hub
	closers []func()
}

func (a *app) close() {
	a.hub.CloseAll()
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// build connects the configured backends and assembles the HTTP API.
func build(ctx context.Context, cfg *config.Config) (*app, error) {
	metrics.Register()

	a := &app{hub: notify.NewHub()}
	checks := map[string]server.HealthChecker{}

	var db *database.DB
	if cfg.Database.URL != "" {
		var err error
		db, err = database.New(ctx, cfg.Database.URL, cfg.Database.MaxConns, cfg.Database.MinConns)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, db.Close)
		if err := db.Migrate(ctx); err != nil {
			a.close()
			return nil, err
		}
		checks["database"] = db
	}

	var rc *cache.Cache
	if cfg.Cache.URL != "" {
		var err error
		rc, err = cache.New(ctx, cfg.Cache.URL, cfg.Cache.TTL)
		if err != nil {
			a.close()
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = rc.Close() })
		checks["cache"] = rc
	}

	gw, err := newGateway(cfg, db, rc)
	if err != nil {
		a.close()
		return nil, err
	}
	a.sync = syncer.New(gw, syncer.Config{
		MaxAttempts:       cfg.Sync.MaxAttempts,
		BaseDelay:         cfg.Sync.BaseDelay,
		MaxDelay:          cfg.Sync.MaxDelay,
		RollbackOnFailure: cfg.Sync.RollbackOnFailure,
	})

	catalog, events, err := newCatalog(ctx, cfg, db)
	if err != nil {
		a.close()
		return nil, err
	}

	a.handler = server.New(server.Config{
		Catalog: catalog,
		Sync:    a.sync,
		Policy: quiz.Policy{
			PassThreshold:                 cfg.Progress.PassThreshold,
			RequirePassingScoreToComplete: cfg.Progress.RequirePassingScore,
			OverwriteScoreOnReattempt:     cfg.Progress.OverwriteQuizScore,
		},
		Events:         events,
		Hub:            a.hub,
		Checks:         checks,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	}).Handler()

	slog.Info("sync gateway ready", "gateway", cfg.Sync.Gateway, "rollback_on_failure", cfg.Sync.RollbackOnFailure)
	return a, nil
}

func newGateway(cfg *config.Config, db *database.DB, rc *cache.Cache) (syncer.Gateway, error) {
	switch cfg.Sync.Gateway {
	case config.GatewayPostgres:
		if db == nil {
			return nil, errors.New("postgres gateway needs a database")
		}
		return syncer.NewPostgresGateway(db.Pool)
	case config.GatewayRedis:
		return syncer.NewRedisGateway(rc)
	case config.GatewayHTTP:
		return syncer.NewHTTPGateway(cfg.Sync.RemoteURL), nil
	case config.GatewayMemory:
		return syncer.NewMemoryGateway(), nil
	default:
		return nil, fmt.Errorf("unknown sync gateway %q", cfg.Sync.Gateway)
	}
}

// newCatalog loads stored courses and seeds any course files not yet stored.
func newCatalog(ctx context.Context, cfg *config.Config, db *database.DB) (*curriculum.Catalog, progress.EventLogger, error) {
	var repo curriculum.Repository
	var events progress.EventLogger = progress.NopEventLogger{}
	if db != nil {
		pr, err := curriculum.NewPostgresRepository(db.Pool)
		if err != nil {
			return nil, nil, err
		}
		repo = pr
		events = progress.NewPostgresEventLogger(db.Pool)
	}

	catalog := curriculum.NewCatalog(repo)
	if err := catalog.Load(ctx); err != nil {
		return nil, nil, err
	}

	loader, err := curriculum.NewLoader(cfg.CurriculumPath)
	if err != nil {
		return nil, nil, err
	}
	seeded := catalog.Seed(loader.AllCourses())
	slog.Info("catalog ready", "courses", len(catalog.All()), "seeded", seeded)
	return catalog, events, nil
}

// flushLoop retries queued completion writes until ctx is done.
func flushLoop(ctx context.Context, s *syncer.Synchronizer, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.PendingCount() == 0 {
				continue
			}
			n, err := s.Flush(ctx)
			if err != nil {
				slog.Warn("flush left writes queued", "flushed", n, "pending", s.PendingCount(), "error", err)
				continue
			}
			slog.Info("flushed queued completions", "flushed", n)
		}
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	a, err := build(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	go flushLoop(ctx, a.sync, cfg.Sync.FlushInterval)

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      a.handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Websocket connections are hijacked and not closed by Shutdown.
	a.hub.CloseAll()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
	if n := a.sync.PendingCount(); n > 0 {
		slog.Warn("exiting with unsynced completions", "pending", n)
	}
	return nil
}
