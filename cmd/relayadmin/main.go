// Command relayadmin runs the aggregator: a stateless fleet-wide view
// that discovers broker nodes via one or more registries (or a static
// list), merges their stats, and fans control commands out to all of
// them. Structured after cmd/relayd and cmd/relaylookupd's cobra root
// commands for consistency across the three daemons.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/relay/pkg/aggregator"
	"github.com/cuemby/relay/pkg/config"
	"github.com/cuemby/relay/pkg/log"
	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "relayadmin",
	Short:   "relayadmin runs the relay fleet aggregator",
	Version: Version,
	RunE:    run,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("relayadmin version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime))

	flags := rootCmd.Flags()
	flags.StringVar(&configPath, "config", "", "path to a YAML config file")
	flags.String("http-addr", "", "HTTP listen address")
	flags.StringSlice("registry-addr", nil, "registry HTTP address(es) to discover brokers through (http://host:port)")
	flags.StringSlice("static-node", nil, "broker HTTP address(es) not behind a registry (http://host:port)")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	flags.Bool("log-json", false, "emit JSON logs")
}

func run(cmd *cobra.Command, args []string) error {
	cfg := config.DefaultAggregatorConfig()
	if err := config.LoadYAML(configPath, &cfg); err != nil {
		return err
	}
	overrideAggregatorFlags(cmd, &cfg)
	cfg.Logging.Apply()

	agg := aggregator.New(aggregator.Config{
		RegistryAddrs:  cfg.RegistryAddrs,
		StaticNodes:    cfg.StaticNodes,
		NodeCacheTTL:   cfg.NodeCacheTTL.Duration(),
		RequestTimeout: cfg.RequestTimeout.Duration(),
	})

	aggregator.Version = Version
	httpSrv := aggregator.NewHTTPServer(agg)
	srv := httpSrv.Start(cfg.HTTPAddr)

	healthCtx, stopHealthChecks := context.WithCancel(context.Background())
	defer stopHealthChecks()
	agg.StartHealthChecks(healthCtx)

	errCh := make(chan error, 1)
	go func() {
		log.Logger.Info().Str("addr", cfg.HTTPAddr).Msg("aggregator HTTP listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("aggregator HTTP server: %w", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Logger.Info().Msg("shutting down")
	case err := <-errCh:
		log.Logger.Error().Err(err).Msg("daemon error")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("aggregator HTTP shutdown: %w", err)
	}
	log.Logger.Info().Msg("shutdown complete")
	return nil
}

func overrideAggregatorFlags(cmd *cobra.Command, cfg *config.AggregatorConfig) {
	flags := cmd.Flags()
	if v, _ := flags.GetString("http-addr"); v != "" {
		cfg.HTTPAddr = v
	}
	if v, _ := flags.GetStringSlice("registry-addr"); len(v) > 0 {
		cfg.RegistryAddrs = v
	}
	if v, _ := flags.GetStringSlice("static-node"); len(v) > 0 {
		cfg.StaticNodes = v
	}
	if v, _ := flags.GetString("log-level"); v != "" {
		cfg.Logging.Level = v
	}
	if v, _ := flags.GetBool("log-json"); v {
		cfg.Logging.JSON = true
	}
}
