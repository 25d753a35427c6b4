package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/pthm/hxstream/lib/hydrate"
)

var fetchAPI string

var fetchCmd = &cobra.Command{
	Use:   "fetch [page-url]",
	Short: "Load a streamed page and hydrate it like a browser would",
	Long: `Fetch the page, follow its preload hints, start the runtime when the
runtime script is parsed and print what it renders. The page's own
strategy and timings are used unless overridden with flags.

Defaults to the page served by "hxstream serve" at HXSTREAM_ADDR.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runFetch,
}

func init() {
	f := fetchCmd.Flags()
	f.String("strategy", "", "override the page's hydration strategy (event|poll)")
	f.Duration("hydrate-timeout", 0, "override the page's hydration timeout")
	f.Duration("poll-interval", 0, "override the page's polling interval")
	f.StringVar(&fetchAPI, "api", "", "render from this API path instead of the streamed data, using the page's preload")
}

func runFetch(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	page := args
	if len(page) == 0 {
		page = []string{defaultPageURL(cfg.Addr)}
	}

	opts := []hydrate.ClientOption{
		hydrate.WithClientRenderer(hydrate.TextRenderer(cmd.OutOrStdout())),
		hydrate.WithClientLogger(logger.Named("hydrate")),
	}
	flags := cmd.Flags()
	if flags.Changed("strategy") {
		opts = append(opts, hydrate.WithStrategy(cfg.Strategy))
	}
	if flags.Changed("hydrate-timeout") {
		opts = append(opts, hydrate.WithTimeout(cfg.HydrateTimeout))
	}
	if flags.Changed("poll-interval") {
		opts = append(opts, hydrate.WithPollInterval(cfg.PollInterval))
	}
	if fetchAPI != "" {
		opts = append(opts, hydrate.WithAPIFetch(fetchAPI))
	}

	views, err := hydrate.NewClient(opts...).Load(ctx, page[0])
	if err != nil {
		return err
	}
	if len(views) == 0 {
		return fmt.Errorf("no runtime script found in %s", page[0])
	}
	return nil
}

func defaultPageURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://localhost:8080/"
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	u, err := hydrate.ParseURL("http://"+net.JoinHostPort(host, port), "/")
	if err != nil {
		return "http://localhost:8080/"
	}
	return u
}
