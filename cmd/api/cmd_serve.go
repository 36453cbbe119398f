package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"secondbrain/api/internal/app"
	"secondbrain/api/internal/config"
	"secondbrain/api/internal/history"
	"secondbrain/api/internal/log"
	"secondbrain/api/internal/realtime"
	"secondbrain/api/internal/store"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the collaboration API",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := log.New("secondbrain")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := app.Options{Logger: logger}

	if cfg.DatabaseURL != "" {
		db, err := store.OpenWithRetry(ctx, cfg.DatabaseURL, store.RetryOptions{
			Attempts: cfg.DBConnectAttempts,
			Logger:   log.SubLogger(logger, "db"),
		})
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		defer db.Close()

		if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
			return fmt.Errorf("migrations failed: %w", err)
		}
		opts.Store = store.NewPostgresStore(db)
	} else {
		logger.Warn("DATABASE_URL not set, edits and chat will not be persisted")
	}

	if cfg.RedisURL != "" {
		client, err := newRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		defer client.Close()

		opts.Transport = realtime.NewRedisTransport(client, realtime.RedisOptions{
			Prefix:      cfg.Realtime.Prefix,
			PresenceTTL: cfg.Realtime.PresenceTTL,
			Logger:      log.SubLogger(logger, "realtime"),
		})
		opts.Caches = history.NewRedisCache(client, history.RedisOptions{
			Prefix: cfg.Realtime.Prefix,
			Limits: history.Limits{Chat: cfg.History.ChatLimit, Edit: cfg.History.EditLimit},
			TTL:    cfg.History.TTL,
			Logger: log.SubLogger(logger, "history"),
		}).OwnerFunc()
		opts.Checks = map[string]app.Check{
			"redis": func(ctx context.Context) error { return client.Ping(ctx).Err() },
		}
		logger.Info("using redis transport", "prefix", cfg.Realtime.Prefix)
	} else {
		logger.Info("using in-process hub; rooms are not shared between instances")
	}

	return serveHTTP(ctx, cfg, app.New(cfg, opts), logger)
}

func newRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	redisOpts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	client := redis.NewClient(redisOpts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return client, nil
}

func serveHTTP(ctx context.Context, cfg config.Config, service *app.Service, logger *slog.Logger) error {
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           app.NewHTTPServer(service, cfg.CORSOrigin).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("secondbrain API listening", "addr", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
