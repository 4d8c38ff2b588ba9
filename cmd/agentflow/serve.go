package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/agentflow/internal/bus"
	"github.com/fyrsmithlabs/agentflow/internal/config"
	"github.com/fyrsmithlabs/agentflow/internal/history"
	httpserver "github.com/fyrsmithlabs/agentflow/internal/http"
	"github.com/fyrsmithlabs/agentflow/internal/logging"
	"github.com/fyrsmithlabs/agentflow/internal/pipeline"
	"github.com/fyrsmithlabs/agentflow/internal/progress"
	"github.com/fyrsmithlabs/agentflow/internal/relay"
	"github.com/fyrsmithlabs/agentflow/internal/scheduler"
	"github.com/fyrsmithlabs/agentflow/internal/telemetry"
)

type serveOptions struct {
	configPath    string
	simulate      bool
	simulateDelay time.Duration
}

func newServeCmd() *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the agentflow daemon",
		Long: `Start the agentflow daemon with the HTTP status API.

Stages are answered by responders registered on the in-process bus under
"stage.<name>". Use --simulate to register built-in responders that succeed
after a fixed delay.

Examples:
  # Start with ~/.config/agentflow/config.yaml
  agentflow serve

  # Use another config file
  agentflow serve --config /etc/agentflow/config.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadWithFile(opts.configPath)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, opts)
		},
	}
	cmd.Flags().StringVar(&opts.configPath, "config", "", "config file path (default ~/.config/agentflow/config.yaml)")
	cmd.Flags().BoolVar(&opts.simulate, "simulate", false, "answer every stage in-process")
	cmd.Flags().DurationVar(&opts.simulateDelay, "simulate-delay", 200*time.Millisecond, "time each simulated stage takes")
	return cmd
}

// run starts the daemon and blocks until ctx is cancelled.
//
// Startup order:
//  1. Logger and telemetry
//  2. Bus, engine, progress aggregator and scheduler
//  3. Optional NATS relay and history recorder
//  4. HTTP server
//
// Shutdown runs in reverse, bounded by server.shutdown_timeout.
func run(ctx context.Context, cfg *config.Config, opts *serveOptions) error {
	if opts == nil {
		opts = &serveOptions{}
	}

	tel, err := telemetry.New(ctx, telemetry.FromAppConfig(cfg.Observability, version))
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	logCfg, err := logging.FromAppConfig(cfg.Logging)
	if err != nil {
		return fmt.Errorf("invalid logging config: %w", err)
	}
	var logProvider otellog.LoggerProvider
	if tel.IsEnabled() {
		// Entries reach whichever log provider is registered globally.
		logCfg.OTEL = true
		logProvider = global.GetLoggerProvider()
	}
	logger, err := logging.NewLogger(logCfg, logProvider)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info(ctx, "starting agentflow",
		zap.String("version", version),
		zap.Bool("telemetry", tel.IsEnabled()),
		zap.Bool("nats", cfg.NATS.Enabled),
		zap.Bool("history", cfg.History.Enabled),
	)
	if err := tel.Err(); err != nil {
		logger.Warn(ctx, "telemetry degraded", zap.Error(err))
	}

	b := bus.New(logger, bus.WithRequestTimeout(cfg.Bus.RequestTimeout))
	defer b.Close()

	if opts.simulate {
		subs, err := registerSimulatedStages(b, opts.simulateDelay, logger)
		if err != nil {
			return err
		}
		defer func() {
			for _, sub := range subs {
				sub.Unsubscribe()
			}
		}()
	}

	engine := pipeline.NewEngine(b,
		pipeline.WithLogger(logger),
		pipeline.WithTracer(tel.Tracer(pipeline.InstrumentationName)),
		pipeline.WithDefaultPipeline(pipeline.DefaultPipeline(b, cfg.Bus.RequestTimeout)),
	)

	agg := progress.NewAggregator(b,
		progress.WithLogger(logger),
		progress.WithInterval(cfg.Progress.Interval),
		progress.WithActionCapacity(cfg.Progress.ActionCapacity),
		progress.WithRetention(cfg.Progress.Retention),
	)
	defer agg.Close()

	sched := scheduler.New(engine, scheduler.Config{
		Concurrency:   cfg.Scheduler.Concurrency,
		MaxQueueDepth: cfg.Scheduler.MaxQueueDepth,
		DispatchRate:  cfg.Scheduler.DispatchRate,
		DispatchBurst: cfg.Scheduler.DispatchBurst,
	}, scheduler.WithLogger(logger))

	if cfg.NATS.Enabled {
		nc, err := relay.Connect(cfg.NATS, logger)
		if err != nil {
			return err
		}
		defer nc.Close()
		r := relay.New(b, nc, relay.WithPrefix(cfg.NATS.SubjectPrefix), relay.WithLogger(logger))
		defer r.Close()
	}

	var store *history.Store
	if cfg.History.Enabled {
		store, err = history.Open(cfg.History.Path)
		if err != nil {
			return fmt.Errorf("failed to open history store: %w", err)
		}
		defer store.Close()
		rec := history.NewRecorder(b, store, logger)
		defer rec.Close()
	}

	deps := httpserver.Deps{Engine: engine, Scheduler: sched, Progress: agg}
	if store != nil {
		deps.History = store
	}
	server, err := httpserver.NewServer(deps, logger, &httpserver.Config{
		Host: cfg.Server.Host,
		Port: cfg.Server.Port,
	})
	if err != nil {
		return fmt.Errorf("failed to create http server: %w", err)
	}

	agg.Start(ctx)
	// Executions outlive ctx; Stop interrupts them only once the shutdown timeout expires.
	sched.Start(context.WithoutCancel(ctx))
	go pruneLoop(ctx, engine, cfg.Progress.Retention, logger)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case <-ctx.Done():
		logger.Info(context.Background(), "shutdown requested")
	case err := <-errCh:
		if err != nil {
			logger.Error(context.Background(), "http server failed", zap.Error(err))
		}
		return shutdown(cfg, logger, server, sched, agg, tel, err)
	}
	return shutdown(cfg, logger, server, sched, agg, tel, nil)
}

func shutdown(
	cfg *config.Config,
	logger *logging.Logger,
	server *httpserver.Server,
	sched *scheduler.Scheduler,
	agg *progress.Aggregator,
	tel *telemetry.Telemetry,
	cause error,
) error {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	errs := []error{cause}
	if err := server.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := sched.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("scheduler stop: %w", err))
	}
	agg.Stop()
	if err := tel.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("telemetry shutdown: %w", err))
	}

	err := errors.Join(errs...)
	if err != nil {
		logger.Error(ctx, "shutdown completed with errors", zap.Error(err))
		return err
	}
	logger.Info(ctx, "shutdown complete")
	return nil
}

// pruneLoop drops terminal tasks from the engine once they are older than
// retention.
func pruneLoop(ctx context.Context, engine *pipeline.Engine, retention time.Duration, logger *logging.Logger) {
	if retention <= 0 {
		retention = progress.DefaultRetention
	}
	ticker := time.NewTicker(retention / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := engine.Prune(now.Add(-retention)); n > 0 {
				logger.Debug(ctx, "pruned finished tasks", zap.Int("count", n))
			}
		}
	}
}
