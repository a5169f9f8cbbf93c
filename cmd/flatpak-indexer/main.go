package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/flatpak/flatpak-indexer/config"
	"github.com/flatpak/flatpak-indexer/datasource"
	"github.com/flatpak/flatpak-indexer/deltas"
	"github.com/flatpak/flatpak-indexer/redisstore"
	"github.com/flatpak/flatpak-indexer/scheduler"
)

// These should be set via `go build` during a release.
var (
	GitCommit = "undefined"
	Version   = "local"
)

func main() {
	var (
		configPath string
		logLevel   string
	)

	root := cobra.Command{
		Use:           "flatpak-indexer",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the YAML configuration")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(
		newDaemonCommand(&configPath, &logLevel),
		newDifferCommand(&configPath, &logLevel),
		newIndexCommand(&configPath, &logLevel),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newDaemonCommand(configPath, logLevel *string) *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run the periodic index aggregation loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			log, cfg, rdb, err := setup(*configPath, *logLevel)
			if err != nil {
				return err
			}
			log.Infof("flatpak-indexer daemon, version=%s, commit=%s", Version, GitCommit)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if cfg.Daemon.MetricsPort != 0 {
				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.Handler())
				srv := &http.Server{
					Addr:    fmt.Sprintf(":%d", cfg.Daemon.MetricsPort),
					Handler: mux,
				}
				go func() {
					if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						log.Errorf("metrics server failed: %v", err)
					}
				}()
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = srv.Shutdown(shutdownCtx)
				}()
			}

			updaters, err := datasource.NewUpdaters(log, cfg)
			if err != nil {
				return err
			}
			return scheduler.New(log, cfg, rdb, updaters).Run(ctx)
		},
	}
}

func newDifferCommand(configPath, logLevel *string) *cobra.Command {
	var maxTasks int
	cmd := &cobra.Command{
		Use:   "differ",
		Short: "Run a delta computation worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			log, cfg, rdb, err := setup(*configPath, *logLevel)
			if err != nil {
				return err
			}
			if cfg.DeltasDir == "" {
				return fmt.Errorf("deltas_dir must be configured to run a differ")
			}
			log.Infof("flatpak-indexer differ, version=%s, commit=%s", Version, GitCommit)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			differ := deltas.NewDiffer(log, rdb, deltas.DifferConfig{
				DeltasDir: cfg.DeltasDir,
				MaxTasks:  maxTasks,
			})
			return differ.Run(ctx)
		},
	}
	cmd.Flags().IntVar(&maxTasks, "max-tasks", -1, "exit after this many tasks (negative means run forever)")
	return cmd
}

func newIndexCommand(configPath, logLevel *string) *cobra.Command {
	return &cobra.Command{
		Use:   "index",
		Short: "Run a single aggregation cycle and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			log, cfg, rdb, err := setup(*configPath, *logLevel)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			updaters, err := datasource.NewUpdaters(log, cfg)
			if err != nil {
				return err
			}
			return scheduler.New(log, cfg, rdb, updaters).Tick(ctx)
		},
	}
}

func setup(configPath, logLevel string) (logrus.FieldLogger, *config.Config, *redis.Client, error) {
	logger := logrus.New()
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("parsing log level: %w", err)
	}
	logger.SetLevel(level)

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, err
	}

	rdb, err := redisstore.NewClient(redisstore.Config{
		URL:      cfg.RedisURL,
		Password: cfg.RedisPassword,
	})
	if err != nil {
		return nil, nil, nil, err
	}
	return logger, cfg, rdb, nil
}
