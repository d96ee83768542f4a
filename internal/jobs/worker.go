package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog/log"
)

// WorkerConfig collects dependencies required to bootstrap the worker.
type WorkerConfig struct {
	RedisOpts     asynq.RedisClientOpt
	Grants        GrantExpirer
	Sweeper       Sweeper
	Deliverer     Deliverer
	SweepInterval time.Duration
	Concurrency   int
}

// Worker wraps the asynq server and the sweep scheduler.
type Worker struct {
	server    *asynq.Server
	mux       *asynq.ServeMux
	scheduler *asynq.Scheduler
}

// NewWorker constructs a Worker with every partnerlock handler registered.
func NewWorker(cfg WorkerConfig) (*Worker, error) {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 5
	}
	srv := asynq.NewServer(cfg.RedisOpts, asynq.Config{
		Concurrency: cfg.Concurrency,
		Queues:      map[string]int{QueueDefault: 1},
		Logger:      zerologAdapter{},
	})
	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskGrantRevoke, RevokeHandler(cfg.Grants))
	mux.HandleFunc(TaskRequestsSweep, SweepHandler(cfg.Sweeper))
	mux.HandleFunc(TaskNotifyDeliver, DeliverHandler(cfg.Deliverer))

	scheduler := asynq.NewScheduler(cfg.RedisOpts, &asynq.SchedulerOpts{
		Location: time.UTC,
		Logger:   zerologAdapter{},
	})
	if cfg.SweepInterval > 0 {
		spec := fmt.Sprintf("@every %s", cfg.SweepInterval)
		if _, err := scheduler.Register(spec, NewSweepTask(), asynq.Queue(QueueDefault), asynq.MaxRetry(0)); err != nil {
			return nil, err
		}
	}
	return &Worker{server: srv, mux: mux, scheduler: scheduler}, nil
}

// Run processes tasks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	if w == nil {
		return errors.New("worker: not configured")
	}
	if err := w.scheduler.Start(); err != nil {
		return err
	}
	if err := w.server.Start(w.mux); err != nil {
		w.scheduler.Shutdown()
		return err
	}
	<-ctx.Done()
	w.scheduler.Shutdown()
	w.server.Shutdown()
	return nil
}

// zerologAdapter routes asynq's logs through the global zerolog logger.
type zerologAdapter struct{}

func (zerologAdapter) Debug(args ...interface{}) { log.Debug().Msg(fmt.Sprint(args...)) }
func (zerologAdapter) Info(args ...interface{})  { log.Info().Msg(fmt.Sprint(args...)) }
func (zerologAdapter) Warn(args ...interface{})  { log.Warn().Msg(fmt.Sprint(args...)) }
func (zerologAdapter) Error(args ...interface{}) { log.Error().Msg(fmt.Sprint(args...)) }
func (zerologAdapter) Fatal(args ...interface{}) { log.Fatal().Msg(fmt.Sprint(args...)) }
