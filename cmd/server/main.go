package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/org/partnerlock/internal/api"
	"github.com/org/partnerlock/internal/clock"
	"github.com/org/partnerlock/internal/config"
	"github.com/org/partnerlock/internal/core"
	"github.com/org/partnerlock/internal/jobs"
	"github.com/org/partnerlock/internal/lifecycle"
	"github.com/org/partnerlock/internal/notify"
	"github.com/org/partnerlock/internal/storage"
	"github.com/org/partnerlock/pkg/models"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	cfg.SetupLogging()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("server failed")
	}
	log.Info().Msg("server stopped")
}

func openStore(ctx context.Context, cfg config.Config) (storage.StorageBackend, error) {
	if cfg.Storage == "memory" {
		log.Warn().Msg("using in-memory storage, state is lost on restart")
		return storage.NewMemoryBackend(), nil
	}
	store, err := storage.NewPostgresBackend(ctx, cfg.DBUrl)
	if err != nil {
		return nil, err
	}
	if err := storage.RunMigrations(cfg.DBUrl, cfg.MigrationsDir); err != nil {
		store.Close()
		return nil, err
	}
	log.Info().Msg("migrations applied")
	return store, nil
}

func run(ctx context.Context, cfg config.Config) error {
	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}

	c := core.New(store, clock.Real(), core.Options{
		Lifecycle: lifecycle.Options{
			AnswerWindow:    cfg.AnswerWindow,
			DefaultDuration: cfg.DefaultDurationMinutes,
			MaxDuration:     cfg.MaxDurationMinutes,
			HistoryLimit:    cfg.HistoryLimit,
			NotifyOnExpiry:  cfg.NotifyOnExpiry,
		},
		Notify: notify.Options{
			MaxAttempts: cfg.NotifyMaxAttempts,
			RetryDelay:  cfg.NotifyRetryDelay,
		},
		SweepInterval: cfg.SweepInterval,
	})
	defer c.Close()

	c.Dispatcher.Register(models.ChannelWebhook, notify.NewWebhookTransport(cfg.WebhookTimeout, cfg.WebhookSecret))
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return err
		}
		c.Dispatcher.Register(models.ChannelRedis, notify.NewRedisTransport(rdb, cfg.RedisChannelPrefix))
	}

	var worker *jobs.Worker
	if cfg.Scheduler == "asynq" {
		redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
		client := jobs.NewClient(redisOpts)
		defer client.Close()
		c.Grants.UseScheduler(client)
		c.Dispatcher.SetOutbox(client)

		worker, err = jobs.NewWorker(jobs.WorkerConfig{
			RedisOpts:     redisOpts,
			Grants:        c.Grants,
			Sweeper:       c.Sweeper,
			Deliverer:     c.Dispatcher,
			SweepInterval: cfg.SweepInterval,
		})
		if err != nil {
			return err
		}
		log.Info().Str("redis", cfg.RedisAddr).Msg("using asynq for grant timers and notifications")
	}

	if cfg.BootstrapToken != "" {
		if err := c.Tokens.EnsureToken(ctx, cfg.BootstrapToken, "bootstrap", true); err != nil {
			return err
		}
		log.Info().Msg("bootstrap admin token registered")
	}

	if err := c.Start(ctx); err != nil {
		return err
	}

	srv := api.NewServer(c, api.Config{
		ListenAddr:   cfg.ListenAddr,
		TLSCertFile:  cfg.TLSCertFile,
		TLSKeyFile:   cfg.TLSKeyFile,
		RateLimitRPS: cfg.RateLimitRPS,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if worker != nil {
		g.Go(func() error { return worker.Run(gctx) })
	} else {
		g.Go(func() error { return c.Sweeper.Run(gctx) })
	}
	return g.Wait()
}
