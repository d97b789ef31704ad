package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"RateFusion/pkg/config"
	"RateFusion/pkg/logger"
)

// Scheduler is the task loop driven by the app.
type Scheduler interface {
	Start(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// HTTPServer serves the API in the background.
type HTTPServer interface {
	Start() error
	Stop(ctx context.Context) error
}

// Worker is a background component such as a Kafka consumer.
type Worker interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// App encapsulates the entire application lifecycle.
type App struct {
	cfg        *config.Config
	log        *logger.Logger
	scheduler  Scheduler
	httpServer HTTPServer
	workers    []Worker
}

// New creates a new App instance with all dependencies.
func New(cfg *config.Config, l *logger.Logger, sched Scheduler, httpServer HTTPServer, workers ...Worker) *App {
	return &App{
		cfg:        cfg,
		log:        l,
		scheduler:  sched,
		httpServer: httpServer,
		workers:    workers,
	}
}

// Run starts the application and blocks until SIGINT or SIGTERM.
func (a *App) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return a.RunContext(ctx)
}

// RunContext starts every component and shuts them down once ctx is done.
func (a *App) RunContext(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := a.scheduler.Start(runCtx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	started := 0
	for _, w := range a.workers {
		if err := w.Start(runCtx); err != nil {
			a.log.Error("worker start error", logger.Error(err))
			a.stop(started)
			return fmt.Errorf("start worker: %w", err)
		}
		started++
	}

	if err := a.httpServer.Start(); err != nil {
		a.stop(started)
		return fmt.Errorf("start http server: %w", err)
	}

	a.log.Info("application started",
		logger.String("env", a.cfg.Environment),
		logger.String("backend", a.cfg.Backend.Type),
		logger.Int("port", a.cfg.Server.Port),
	)

	<-ctx.Done()
	a.log.Info("shutdown signal received")
	return a.shutdown(len(a.workers))
}

// shutdown stops the scheduler first so no new cycle starts, then the HTTP server, then the
// workers. Each step gets its own shutdown timeout.
func (a *App) shutdown(workers int) error {
	var errs []error

	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	if err := a.scheduler.Shutdown(ctx); err != nil {
		a.log.Warn("scheduler did not drain in time", logger.Error(err))
		errs = append(errs, err)
	}
	cancel()

	ctx, cancel = context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	if err := a.httpServer.Stop(ctx); err != nil {
		a.log.Error("http shutdown error", logger.Error(err))
		errs = append(errs, err)
	}
	cancel()

	if err := a.stopWorkers(workers); err != nil {
		errs = append(errs, err)
	}

	a.log.Info("shutdown complete")
	return errors.Join(errs...)
}

func (a *App) stop(workers int) {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	_ = a.scheduler.Shutdown(ctx)
	_ = a.stopWorkers(workers)
}

func (a *App) stopWorkers(n int) error {
	var errs []error
	for i := n - 1; i >= 0; i-- {
		ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
		if err := a.workers[i].Stop(ctx); err != nil {
			a.log.Warn("worker stop error", logger.Error(err))
			errs = append(errs, err)
		}
		cancel()
	}
	return errors.Join(errs...)
}
