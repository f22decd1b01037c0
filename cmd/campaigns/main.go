package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/example/verify-campaigns/internal/api"
	"github.com/example/verify-campaigns/internal/cache"
	"github.com/example/verify-campaigns/internal/client"
	"github.com/example/verify-campaigns/internal/config"
	"github.com/example/verify-campaigns/internal/repo"
	"github.com/example/verify-campaigns/internal/scheduler"
	"github.com/example/verify-campaigns/internal/service"
)

func main() {
	_ = godotenv.Load()

	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadAll()
	if err != nil {
		return err
	}

	log := slog.Default()

	db, err := sql.Open("pgx", cfg.Database.PostgresURL)
	if err != nil {
		return err
	}
	defer db.Close()

	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelPing()
	if err := db.PingContext(pingCtx); err != nil {
		return err
	}

	store := repo.NewPostgresStore(db)

	var statsCache cache.StatsCache = cache.Noop{}
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		statsCache = cache.NewRedisCache(rdb, cfg.Redis.TTL)
	}

	sendClient := client.NewTwilioClient(
		cfg.Gateway.AccountSID,
		cfg.Gateway.AuthToken,
		cfg.Gateway.WhatsAppNumber,
		cfg.Gateway.TemplateSID,
		cfg.Gateway.DryRun,
	)

	dispatcher := service.NewDispatcher(store, sendClient, service.DispatcherOptions{
		TemplateSID:    cfg.Gateway.TemplateSID,
		CreatedBy:      "api",
		ChunkSize:      cfg.Dispatch.ChunkSize,
		SendDelay:      cfg.Dispatch.SendDelay,
		ResendMessaged: cfg.Dispatch.ResendMessaged,
	})
	reconciler := service.NewReconciler(store, service.ReconcilerOptions{
		LookupAttempts: cfg.Webhook.LookupAttempts,
		LookupDelay:    cfg.Webhook.LookupDelay,
	})
	stats := service.NewStatsService(store, statsCache)

	sched, err := scheduler.New("stats-refresh", cfg.Stats.RefreshInterval, func(ctx context.Context) {
		if err := stats.RefreshToday(ctx); err != nil {
			log.Error("stats refresh failed", "error", err)
		}
	})
	if err != nil {
		return err
	}
	// Warming the cache is only useful when there is one.
	if cfg.Redis.Enabled {
		sched.Start()
	}
	defer sched.Stop()

	handler := api.NewHandler(dispatcher, reconciler, stats, store, sched)
	srv := &http.Server{
		Addr:    cfg.Server.Address,
		Handler: loggingMiddleware(api.Router(handler)),
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("server starting", "addr", cfg.Server.Address, "dry_run", cfg.Gateway.DryRun, "redis", cfg.Redis.Enabled)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(rec, r)

		slog.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}
