package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/buildgov/governor/internal/govclient"
	"github.com/buildgov/governor/internal/logging"
	"github.com/buildgov/governor/internal/memory"
	"github.com/buildgov/governor/internal/metrics"
	"github.com/buildgov/governor/internal/pool"
	"github.com/buildgov/governor/internal/protocol"
	"github.com/buildgov/governor/internal/server"
	"github.com/buildgov/governor/internal/setup"
	"github.com/buildgov/governor/internal/singleton"
)

const defaultLogLevel = "info"

func main() {
	var levelVar slog.LevelVar
	levelVar.Set(slog.LevelInfo)

	logger := logging.NewConsole(os.Stderr, &levelVar)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCommand(&levelVar)
	if err := root.ExecuteContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Warn("interrupted", "error", err)
			os.Exit(130)
		}
		logger.Error("governor failed", "error", err)
		os.Exit(1)
	}
}

func newRootCommand(levelVar *slog.LevelVar) *cobra.Command {
	var (
		background  bool
		service     bool
		logLevel    = defaultLogLevel
		metricsAddr string
	)

	root := &cobra.Command{
		Use:           "governor",
		Short:         "Build admission controller: leases memory tokens to compiler and linker shims",
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGovernor(cmd.Context(), background, service, metricsAddr, levelVar)
		},
	}

	root.PersistentFlags().StringVar(&logLevel, "log-level", defaultLogLevel,
		"Set log verbosity (debug, info, warning, error)")
	root.Flags().BoolVar(&background, "background", false,
		"Quiet mode with idle auto-shutdown; used by shim auto-start")
	root.Flags().BoolVar(&service, "service", false,
		"Quiet mode without idle shutdown, for a host-managed lifetime")
	root.Flags().StringVar(&metricsAddr, "metrics-addr", "",
		"Expose Prometheus metrics on this localhost address (e.g. 127.0.0.1:9190)")

	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		level, err := logging.ParseLevel(logLevel)
		if err != nil {
			return err
		}
		levelVar.Set(level)
		return nil
	}

	root.AddCommand(
		newStatusCommand(),
		newConfigCommand(),
	)
	return root
}

func runGovernor(ctx context.Context, background, service bool, metricsAddr string, levelVar *slog.LevelVar) error {
	quiet := background || service

	logger := slog.Default()
	if quiet {
		// Quiet modes keep the console silent and write JSON to a log
		// file beside the endpoint.
		logPath := filepath.Join(os.TempDir(), protocol.EndpointName+".log")
		logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open log file %s: %w", logPath, err)
		}
		defer logFile.Close()
		logger = logging.NewJSON(logFile, levelVar)
		slog.SetDefault(logger)
	}
	setup.SetLogger(logger.With("component", "setup"))

	cfg, err := setup.Load(setup.ConfigPath())
	if err != nil {
		return err
	}

	// Exactly one governor per host. Losing the race is a clean exit:
	// the other instance is authoritative.
	instance, held, err := singleton.TryAcquire(singleton.InstanceMutexName)
	if err != nil {
		return fmt.Errorf("instance mutex: %w", err)
	}
	if !held {
		logger.Info("another governor instance is running; exiting")
		return nil
	}
	defer instance.Release()

	var observer pool.Observer
	collector := metrics.NewCollector()
	if metricsAddr != "" {
		observer = collector
	}

	p := pool.New(memory.NewProbe(), pool.Options{
		Budget:        cfg.Budget,
		Weights:       cfg.Classifier,
		LeaseTTL:      cfg.LeaseTTL(),
		WarnAfter:     cfg.WarnAfter(),
		SweepInterval: cfg.SweepInterval(),
		Logger:        logger,
		Observer:      observer,
	})

	idle := time.Duration(0)
	if background {
		idle = cfg.IdleShutdown()
	}
	srv := server.New(p, server.Options{
		Logger:       logger,
		IdleShutdown: idle,
	})

	status := p.StatusNow()
	logger.Info("governor starting",
		"endpoint", srv.SocketPath(),
		"total_tokens", status.TotalTokens,
		"commit_ratio", fmt.Sprintf("%.2f", status.CommitRatio),
		"throttle", string(status.Throttle),
		"background", background,
		"service", service)

	group, groupCtx := errgroup.WithContext(ctx)
	// The server returning, idle shutdown included, stops the other tasks.
	runCtx, stopRun := context.WithCancel(groupCtx)
	defer stopRun()
	group.Go(func() error {
		p.Run(runCtx)
		return nil
	})
	group.Go(func() error {
		defer stopRun()
		return srv.Serve(runCtx)
	})
	if metricsAddr != "" {
		group.Go(func() error {
			collector.Serve(runCtx, metricsAddr, logger)
			return nil
		})
	}

	err = group.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("governor stopped")
	return nil
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Query the running governor and print the pool state",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := govclient.Dial("")
			if err != nil {
				return fmt.Errorf("no governor reachable at %s: %w", protocol.SocketPath(), err)
			}
			defer client.Close()

			status, err := client.Status()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "tokens:      %d / %d available\n",
				status.AvailableTokens, status.TotalTokens)
			fmt.Fprintf(out, "leases:      %d active, %d expired\n",
				status.ActiveLeases, status.ExpiredLeases)
			fmt.Fprintf(out, "commit:      %.1f / %.1f GB (ratio %.2f, %s)\n",
				float64(status.CommitChargeBytes)/float64(1<<30),
				float64(status.CommitLimitBytes)/float64(1<<30),
				status.CommitRatio, status.ThrottleLevel)
			fmt.Fprintf(out, "parallelism: %d recommended\n", status.RecommendedParallelism)
			for _, lease := range status.RecentLeases {
				fmt.Fprintf(out, "  %s  %-5s %2d tokens  running %.0fs, expires in %.0fs\n",
					lease.LeaseID, lease.Tool, lease.Tokens,
					lease.DurationSeconds, lease.ExpiresInSeconds)
			}
			return nil
		},
	}
}

func newConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as yaml",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup.Load(setup.ConfigPath())
			if err != nil {
				return err
			}
			text, err := setup.Dump(cfg)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), text)
			return nil
		},
	}
}
