package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/bryanwahyu/automaton-dashboard/internal/application"
	appruns "github.com/bryanwahyu/automaton-dashboard/internal/application/runs"
	domain "github.com/bryanwahyu/automaton-dashboard/internal/domain/runs"
	"github.com/bryanwahyu/automaton-dashboard/internal/infra/drivers"
	"github.com/bryanwahyu/automaton-dashboard/internal/infra/httpserver"
	mw "github.com/bryanwahyu/automaton-dashboard/internal/middleware"
)

var autoMigrate bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the background job workers",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().BoolVar(&autoMigrate, "migrate", false, "apply the database schema before serving")
}

func serve(parent context.Context) error {
	log := newLogger()
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("config load error: %w", err)
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	in, err := buildInfra(ctx, cfg, log, autoMigrate)
	if err != nil {
		return err
	}
	defer func() {
		if err := in.Close(); err != nil {
			log.Warn("close infra", "err", err)
		}
	}()

	registry := drivers.FromConfig(cfg)
	log.Info("tool drivers registered", "tools", registry.Kinds())

	var callback func(domain.TaskID) string
	if cfg.CallbackBaseURL != "" {
		callback = func(id domain.TaskID) string { return cfg.CallbackURL(string(id)) }
	}

	clock := application.SystemClock{}
	svc := appruns.NewService(appruns.Deps{
		Repo:      in.repo,
		Errors:    in.errs,
		Artifacts: in.store,
		Drivers:   registry,
		Queue:     in.queue,
		Clock:     clock,
		Log:       log,
		Metrics:   mw.RunMetrics{},
		Jobs: appruns.JobPolicy{
			MaxStartAttempts: cfg.Jobs.MaxStartAttempts,
			StartBackoff:     cfg.Jobs.StartBackoff,
			PollInterval:     cfg.Jobs.PollInterval,
			MaxPollAttempts:  cfg.Jobs.MaxPollAttempts,
		},
		CallbackURL: callback,
	})
	streamer := &appruns.Streamer{
		Repo:      in.repo,
		Artifacts: in.store,
		Clock:     clock,
		Log:       log,
		Config: appruns.StreamConfig{
			PollInterval:      cfg.Stream.PollInterval,
			HeartbeatInterval: cfg.Stream.HeartbeatInterval,
			MaxDuration:       cfg.Stream.MaxDuration,
		},
	}

	handler := httpserver.NewRouter(svc, streamer, httpserver.Options{
		CORSOrigins:  cfg.Server.CORSOrigins,
		APIKeys:      cfg.Server.APIKeys,
		RateCapacity: cfg.Server.RateLimit.Capacity,
		RateRefill:   cfg.Server.RateLimit.Refill,
		Health:       in.health,
		Ready:        in.ready,
		Log:          log,
	})

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second, // stream handler lifts this per request
		IdleTimeout:  60 * time.Second,
	}

	// job workers
	workCtx, stopWorkers := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := in.queue.Consume(workCtx, svc.HandleJob); err != nil {
			log.Error("job consumer stopped", "err", err)
			stop()
		}
	}()

	errc := make(chan error, 1)
	go func() {
		log.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case <-ctx.Done():
	case err := <-errc:
		if err != nil {
			stopWorkers()
			wg.Wait()
			return fmt.Errorf("server error: %w", err)
		}
	}

	// graceful shutdown
	log.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("shutdown error", "err", err)
	}
	stopWorkers()
	wg.Wait()
	return nil
}
