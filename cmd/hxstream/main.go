package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pthm/hxstream/lib/config"
)

const version = "0.1.0"

// shutdownTimeout bounds how long in-flight streams get to finish.
const shutdownTimeout = 15 * time.Second

var (
	verbose bool
	cfg     config.Config
	logger  *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "hxstream",
	Short: "Progressive hydration over a single streamed HTML response",
	Long: `hxstream serves an HTML shell immediately, waits on an upstream API and
streams the result as a trailer chunk that the page hydrates from.

Settings come from HXSTREAM_* environment variables; flags override them.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zc := zap.NewProductionConfig()
		if verbose {
			zc.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zc.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		if err := config.ParseEnv(&cfg); err != nil {
			return err
		}
		applyFlags(cmd)
		return cfg.Validate()
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return nil
	},
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "hxstream version %s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.AddCommand(serveCmd, mockCmd, fetchCmd, versionCmd)
}

// applyFlags copies explicitly set flags over the environment values.
func applyFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	str := func(name string, dst *string) {
		if flags.Changed(name) {
			*dst, _ = flags.GetString(name)
		}
	}
	dur := func(name string, dst *time.Duration) {
		if flags.Changed(name) {
			*dst, _ = flags.GetDuration(name)
		}
	}
	str("addr", &cfg.Addr)
	str("upstream", &cfg.UpstreamURL)
	dur("upstream-timeout", &cfg.UpstreamTimeout)
	str("strategy", &cfg.Strategy)
	dur("hydrate-timeout", &cfg.HydrateTimeout)
	dur("poll-interval", &cfg.PollInterval)
	str("metrics-addr", &cfg.MetricsAddr)
	str("mock-addr", &cfg.MockAddr)
	str("fixtures", &cfg.MockFixtures)
}

// listenAndServe runs srv until ctx ends, then shuts it down gracefully.
func listenAndServe(ctx context.Context, name string, srv *http.Server) error {
	serveErr := make(chan error, 1)
	logger.Info("listening", zap.String("server", name), zap.String("addr", srv.Addr))
	go func() {
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown %s server: %w", name, err)
		}
		logger.Info("stopped", zap.String("server", name))
		return nil
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve %s: %w", name, err)
	}
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
