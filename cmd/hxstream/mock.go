package main

import (
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pthm/hxstream/lib/mockapi"
)

var mockCmd = &cobra.Command{
	Use:   "mock",
	Short: "Serve the mock upstream API",
	Long: `Serve fixture routes as a stand-in for the upstream API. The embedded
fixtures serve GET /api/colors; --fixtures loads a YAML file instead.
--status and --delay change every route, to try the failure and slow paths.`,
	RunE: runMock,
}

func init() {
	f := mockCmd.Flags()
	f.String("mock-addr", ":2345", "listen address")
	f.String("fixtures", "", "YAML fixture file (default: embedded colors)")
	f.Int("status", 0, "override the status of every route")
	f.Duration("delay", 0, "override the delay of every route")
}

func runMock(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fixtures := mockapi.DefaultFixtures()
	if cfg.MockFixtures != "" {
		var err error
		fixtures, err = mockapi.LoadFile(cfg.MockFixtures)
		if err != nil {
			return err
		}
	}
	srv, err := mockapi.New(fixtures, mockapi.WithLogger(logger.Named("mock")))
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("status") || flags.Changed("delay") {
		status, _ := flags.GetInt("status")
		delay, _ := flags.GetDuration("delay")
		for _, r := range srv.Routes() {
			s, d := r.Status, r.Delay
			if flags.Changed("status") {
				s = status
			}
			if flags.Changed("delay") {
				d = delay
			}
			if err := srv.Override(r.Method, r.Path, s, d); err != nil {
				return err
			}
		}
	}

	for _, r := range srv.Routes() {
		logger.Info("mock route",
			zap.String("method", r.Method),
			zap.String("path", r.Path),
			zap.String("variant", r.Variant),
			zap.Int("status", r.Status),
			zap.Duration("delay", r.Delay),
		)
	}

	return listenAndServe(ctx, "mock", &http.Server{
		Addr:              cfg.MockAddr,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	})
}
