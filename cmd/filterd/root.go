package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/justin4957/logflow-filterd/internal/config"
	"github.com/justin4957/logflow-filterd/internal/dashboard"
	"github.com/justin4957/logflow-filterd/internal/engine"
	"github.com/justin4957/logflow-filterd/internal/filter"
	"github.com/justin4957/logflow-filterd/internal/logger"
	"github.com/justin4957/logflow-filterd/internal/outlier"
	"github.com/justin4957/logflow-filterd/internal/sink"
	"github.com/justin4957/logflow-filterd/internal/stream"
	"github.com/justin4957/logflow-filterd/internal/supervisor"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

var (
	cfgFile  string
	logLevel string
	grep     string
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "filterd",
		Short: "Streaming log filter and outlier detection daemon",
		Long: `filterd matches a stream of log lines against the filters served by a
supervisor, aggregates per-filter counts into time buckets, classifies
error-like lines and scans the stored history for outliers.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "config.yaml", "config file")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "override logging level (debug, info, warn, error)")
	root.CompletionOptions.DisableDefaultCmd = true

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Consume the configured source until it ends or a signal arrives",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}
	runCmd.Flags().StringVar(&grep, "grep", "", "match a single local regex instead of the supervisor filters")

	filtersCmd := &cobra.Command{
		Use:   "filters",
		Short: "Fetch the supervisor filter list and print the compiled filters",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return printFilters(cmd.Context(), cfg, cmd.OutOrStdout())
		},
	}

	root.AddCommand(runCmd, filtersCmd, &cobra.Command{
		Use:   "version",
		Short: "Display version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "filterd %s\n", version)
		},
	})
	return root
}

// loadConfig reads the config file, applies flag overrides and initializes logging
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if grep != "" {
		cfg.Match.LocalRegex = grep
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := logger.Initialize(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.File); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, nil
}

func run(ctx context.Context, cfg *config.Config) error {
	log := logger.WithComponent("main")

	var client *supervisor.Client
	if cfg.Supervisor.Host != "" {
		c, err := supervisor.NewClient(cfg.Supervisor)
		if err != nil {
			return fmt.Errorf("failed to create supervisor client: %w", err)
		}
		client = c
	}

	var registry *filter.Registry
	if cfg.LocalMode() {
		r, err := filter.NewStaticRegistry(cfg.Match.LocalRegex)
		if err != nil {
			return err
		}
		registry = r
		log.WithField("regex", cfg.Match.LocalRegex).Info("Running with a local filter")
	} else {
		registry = filter.NewRegistry(client)
	}

	stores := engine.Stores{}
	var outliers sink.OutlierStore
	if client != nil {
		stores.Stats, stores.Results, outliers = client, client, client
	} else {
		local := sink.NewLogStore()
		stores.Stats, stores.Results, outliers = local, local, local
	}

	var server *dashboard.Server
	publisher := sink.NopPublisher
	if cfg.Dashboard.Enabled {
		server = dashboard.NewServer(cfg.Dashboard)
		if client != nil {
			server.WithStats(client)
		}
		publisher = server
	}

	var scheduler *outlier.Scheduler
	if cfg.Outlier.Enabled && client != nil {
		state, err := newStateStore(ctx, cfg.Outlier)
		if err != nil {
			return err
		}
		defer state.Close()

		scheduler, err = outlier.NewScheduler(cfg.Outlier, client, state, sink.NewOutlierWriter(outliers, publisher))
		if err != nil {
			return fmt.Errorf("failed to create outlier scheduler: %w", err)
		}
	}

	eng, err := engine.New(cfg, registry, stores, scheduler, publisher)
	if err != nil {
		return err
	}
	src, err := stream.New(cfg.Source)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	dashCtx, stopDashboard := context.WithCancel(gctx)
	defer stopDashboard()
	if server != nil {
		g.Go(func() error {
			return server.Start(dashCtx, eng)
		})
	}
	g.Go(func() error {
		// the dashboard has nothing left to show once the source is done
		defer stopDashboard()
		return eng.Run(gctx, src)
	})
	return g.Wait()
}

func newStateStore(ctx context.Context, cfg config.OutlierConfig) (outlier.StateStore, error) {
	switch cfg.StateStore {
	case "redis":
		// keep state past one full lookback so a restart does not re-emit
		store, err := outlier.NewRedisStateStore(ctx, cfg.RedisAddr, cfg.RedisPrefix, 2*cfg.Lookback)
		if err != nil {
			return nil, fmt.Errorf("failed to connect outlier state store: %w", err)
		}
		return store, nil
	default:
		return outlier.NewMemoryStateStore(), nil
	}
}

func printFilters(ctx context.Context, cfg *config.Config, out io.Writer) error {
	var registry *filter.Registry
	if cfg.LocalMode() {
		r, err := filter.NewStaticRegistry(cfg.Match.LocalRegex)
		if err != nil {
			return err
		}
		registry = r
	} else {
		client, err := supervisor.NewClient(cfg.Supervisor)
		if err != nil {
			return fmt.Errorf("failed to create supervisor client: %w", err)
		}
		registry = filter.NewRegistry(client)
		if _, err := registry.Refresh(ctx); err != nil {
			return fmt.Errorf("failed to fetch filters: %w", err)
		}
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(registry.Snapshot().Filters())
}
