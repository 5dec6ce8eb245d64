package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/developingchet/admission-guard/internal/audit"
	"github.com/developingchet/admission-guard/internal/blocklist"
	"github.com/developingchet/admission-guard/internal/config"
	"github.com/developingchet/admission-guard/internal/decision"
	"github.com/developingchet/admission-guard/internal/logger"
	"github.com/developingchet/admission-guard/internal/pool"
	"github.com/developingchet/admission-guard/internal/server"
	"github.com/developingchet/admission-guard/internal/storage"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// Version is set by the build system via -ldflags.
var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "admission-guard",
		Short:         "Request admission control for the booking platform",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		runCmd(),
		healthcheckCmd(),
		versionCmd(),
		blockCmd(),
		sweepCmd(),
	)
	return root
}

// runCmd is the main daemon command.
func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the admission daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon()
		},
	}
}

func runDaemon() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := buildLogger(cfg)
	log.Info().Str("version", Version).Str("store", cfg.StoreBackend).Msg("admission-guard starting")

	store, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	server.BinaryVersion = Version
	srv, err := server.New(cfg, store, log)
	if err != nil {
		return fmt.Errorf("build server: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := srv.Run(ctx); err != nil {
		return err
	}
	log.Info().Msg("admission-guard stopped")
	return nil
}

// healthcheckCmd exits 0 if the health endpoint answers.
func healthcheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "healthcheck",
		Short: "Check health endpoint and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			client := &http.Client{Timeout: 3 * time.Second}
			resp, err := client.Get("http://" + localAddr(cfg.HealthAddr) + "/healthz") //nolint:noctx
			if err != nil {
				return fmt.Errorf("healthcheck failed: %w", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("healthcheck returned %d", resp.StatusCode)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "healthy")
			return nil
		},
	}
}

// versionCmd prints the version and exits.
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and exit",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "admission-guard %s\n", Version)
		},
	}
}

// blockCmd bans one identifier from the command line.
func blockCmd() *cobra.Command {
	var (
		reason   string
		duration time.Duration
	)
	cmd := &cobra.Command{
		Use:   "block <identifier>",
		Short: "Block an identifier and exit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if duration < 0 {
				return fmt.Errorf("--duration must be positive; got %s", duration)
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			log := buildLogger(cfg)

			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			sink, err := audit.NewAsyncSink(store, pool.Config{Workers: 1, QueueDepth: 16, MaxRetries: cfg.AuditMaxRetries, RetryBase: cfg.AuditRetryBase}, time.Second, log)
			if err != nil {
				return err
			}
			ctx := context.Background()
			sink.Start(ctx)
			defer sink.Stop()

			if duration == 0 {
				duration = cfg.DefaultBlockDuration
			}
			bl := blocklist.New(store, audit.Multi{sink, audit.NewLogSink(log)}, blocklist.Options{
				DefaultDuration: cfg.DefaultBlockDuration,
				StoreTimeout:    cfg.StoreTimeout,
			}, log)
			identifier := args[0]
			if ip, err := decision.HostIP(identifier); err == nil {
				identifier = ip
			}
			if err := bl.Block(ctx, identifier, reason, duration, blocklist.SourceCLI); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "blocked %s for %s\n", identifier, duration)
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "manual block", "reason recorded with the block")
	cmd.Flags().DurationVar(&duration, "duration", 0, "block length (default DEFAULT_BLOCK_DURATION)")
	return cmd
}

// sweepCmd runs one janitor pass and exits.
func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Remove expired counters and blocks and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			log := buildLogger(cfg)

			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			j := server.NewJanitor(store, nil, cfg.JanitorInterval, cfg.CounterRetention, log)
			res, err := j.Sweep(context.Background())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sweep complete: counters=%d blocks=%d active=%d\n",
				res.Counters, res.Blocks, res.Active)
			return nil
		},
	}
}

// openStore builds the configured backend.
func openStore(cfg *config.Config) (storage.Store, error) {
	switch cfg.StoreBackend {
	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		return storage.NewRedisStore(rdb, storage.RedisOptions{
			Prefix:      cfg.RedisPrefix,
			Retention:   cfg.CounterRetention,
			AuditMaxLen: cfg.AuditMaxLen,
		})
	case "bbolt":
		return storage.NewBboltStore(cfg.DataDir)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}

// localAddr turns a listen address like ":8081" into a dialable one.
func localAddr(listen string) string {
	if len(listen) > 0 && listen[0] == ':' {
		return "127.0.0.1" + listen
	}
	return listen
}

// buildLogger constructs a zerolog.Logger based on config.
func buildLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}

	if cfg.LogFormat == "text" {
		cw := zerolog.NewConsoleWriter()
		cw.Out = logger.NewRedactWriter(os.Stderr)
		return zerolog.New(cw).Level(level).With().Timestamp().Logger()
	}
	return zerolog.New(logger.NewRedactWriter(os.Stderr)).Level(level).With().Timestamp().Logger()
}
