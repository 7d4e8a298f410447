package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/codepipeline"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/chainguard-dev/clog"
	charmlog "github.com/charmbracelet/log"
	slogmulti "github.com/samber/slog-multi"
	"github.com/snapship/snapship/internal/artifact"
	"github.com/snapship/snapship/internal/config"
	"github.com/snapship/snapship/internal/dispatch"
	"github.com/snapship/snapship/internal/history"
	"github.com/snapship/snapship/internal/keypolicy"
	"github.com/snapship/snapship/internal/metrics"
	"github.com/snapship/snapship/internal/o11y"
	"github.com/snapship/snapship/internal/pipeline"
	"github.com/snapship/snapship/internal/replicate"
	"github.com/snapship/snapship/internal/snapcopy"
)

// version is set by the release build.
var version = "dev"

func main() {
	var (
		configPath string
		debug      bool
	)
	flag.StringVar(&configPath, "config", "snapship.yaml", "path to the worker config file")
	flag.BoolVar(&debug, "debug", false, "enable debug logging")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	ctx = setupLog(ctx, debug)

	if err := run(ctx, configPath); err != nil && !errors.Is(err, context.Canceled) {
		clog.FromContext(ctx).Error("worker exited", "error", err.Error())
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string) error {
	log := clog.FromContext(ctx)

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	shutdownTracing, err := o11y.SetupTracing(ctx)
	if err != nil {
		return fmt.Errorf("setting up tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			log.Warn("failed to flush traces", "error", err.Error())
		}
	}()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return fmt.Errorf("loading aws config: %w", err)
	}

	// The shared key must admit every destination account before any
	// copy can encrypt against it.
	if len(cfg.Encryption.TargetAccounts) > 0 {
		builder := keypolicy.NewBuilder(cfg.Encryption.KeyAlias)
		for _, account := range cfg.Encryption.TargetAccounts {
			builder.Allow(account)
		}
		if err := builder.Apply(ctx, kms.NewFromConfig(awsCfg)); err != nil {
			return fmt.Errorf("applying key policy: %w", err)
		}
	}

	store := history.NewDiscard()
	if cfg.HistoryPath != "" {
		store, err = history.NewBolt(cfg.HistoryPath)
		if err != nil {
			return fmt.Errorf("opening history store: %w", err)
		}
	}

	m := metrics.Init(nil)
	if cfg.MetricsListen != "" {
		stopMetrics := serveMetrics(ctx, cfg.MetricsListen)
		defer stopMetrics()
	}

	cp := codepipeline.NewFromConfig(awsCfg)
	tracker := dispatch.NewTracker(pipeline.NewNotifier(cp))

	runner, err := replicate.NewRunner(replicate.RunnerOptions{
		NewOperations: func(ctx context.Context, req replicate.Request) (replicate.OperationClient, error) {
			return snapcopy.New(ctx, req)
		},
		Notifier:        tracker,
		Policy:          cfg.RetryPolicy(),
		WaitInterval:    time.Duration(cfg.WaitInterval),
		MaxPollDuration: time.Duration(cfg.MaxPollDuration),
		History:         store,
		LogsDirectory:   cfg.LogsDir,
		OnLaunch:        m.Launched,
		OnOutcome:       m.Finished,
	})
	if err != nil {
		return err
	}

	dispatcher, err := dispatch.NewDispatcher(artifact.NewResolver(s3.NewFromConfig(awsCfg)), runner, tracker)
	if err != nil {
		return err
	}

	poller, err := pipeline.NewPoller(cp, pipeline.PollerOptions{
		ActionType: pipeline.ActionType{
			Category: cfg.Action.Category,
			Provider: cfg.Action.Provider,
			Version:  cfg.Action.Version,
		},
		Interval: time.Duration(cfg.PollInterval),
		Handler:  dispatcher,
		Notifier: tracker,
	})
	if err != nil {
		return err
	}

	log.Info("snapship worker starting", "version", version, "region", cfg.Region)

	pollErr := poller.Run(ctx)

	// The poll loop only ends on shutdown; give in-flight copies a
	// bounded window to reach a terminal state and report.
	drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Duration(cfg.DrainGrace))
	defer cancel()
	log.Info("draining in-flight executions", "grace", time.Duration(cfg.DrainGrace).String())
	if err := runner.Drain(drainCtx); err != nil {
		log.Warn("drain ended before all executions finished", "error", err.Error())
	}

	return pollErr
}

// serveMetrics starts the Prometheus listener in the background and
// returns a func that shuts it down.
func serveMetrics(ctx context.Context, addr string) func() {
	log := clog.FromContext(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("serving metrics", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn("metrics listener stopped", "error", err.Error())
		}
	}()

	return func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(closeCtx); err != nil {
			log.Warn("failed to stop metrics listener", "error", err.Error())
		}
	}
}

// setupLog sets up the default logging configuration.
func setupLog(ctx context.Context, debug bool) context.Context {
	level := charmlog.InfoLevel
	if debug {
		level = charmlog.DebugLevel
	}
	console := charmlog.NewWithOptions(os.Stderr, charmlog.Options{
		ReportTimestamp: true,
		Level:           level,
	})

	logger := clog.New(slogmulti.Fanout(console))
	ctx = clog.WithLogger(ctx, logger)
	slog.SetDefault(&logger.Logger)
	return ctx
}
