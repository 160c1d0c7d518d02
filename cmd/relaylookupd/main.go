// Command relaylookupd runs the discovery daemon: the TCP registration
// protocol brokers heartbeat to, and the HTTP lookup/control surface
// consumed by brokers, operators, and the aggregator. Structured after
// cmd/relayd's cobra root command for consistency across the three
// daemons.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/relay/pkg/config"
	"github.com/cuemby/relay/pkg/log"
	"github.com/cuemby/relay/pkg/registry"
	"github.com/cuemby/relay/pkg/registryproto"
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
	Use:     "relaylookupd",
	Short:   "relaylookupd runs the relay discovery daemon",
	Version: Version,
	RunE:    run,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("relaylookupd version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime))

	flags := rootCmd.Flags()
	flags.StringVar(&configPath, "config", "", "path to a YAML config file")
	flags.String("tcp-addr", "", "TCP registration listen address")
	flags.String("http-addr", "", "HTTP lookup/control listen address")
	flags.String("data-dir", "", "directory for the optional producer persistence database; empty disables it")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	flags.Bool("log-json", false, "emit JSON logs")
}

func run(cmd *cobra.Command, args []string) error {
	cfg := config.DefaultRegistryConfig()
	if err := config.LoadYAML(configPath, &cfg); err != nil {
		return err
	}
	overrideRegistryFlags(cmd, &cfg)
	cfg.Logging.Apply()

	var store registry.Store
	if cfg.DataDir != "" {
		s, err := registry.NewBoltStore(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("open producer store: %w", err)
		}
		defer s.Close()
		store = s
	}

	reg := registry.New(registry.Config{
		InactiveProducerTimeout: cfg.InactiveProducerTimeout.Duration(),
		TombstoneLifetime:       cfg.TombstoneLifetime.Duration(),
		GCInterval:              cfg.GCInterval.Duration(),
		Store:                   store,
	})
	defer reg.Stop()

	tcpSrv := registryproto.NewTCPServer(reg)

	registryproto.Version = Version
	httpSrv := registryproto.NewHTTPServer(reg)
	srv := httpSrv.Start(cfg.HTTPAddr)

	errCh := make(chan error, 2)
	go func() {
		if err := tcpSrv.ListenAndServe(cfg.TCPAddr); err != nil {
			errCh <- fmt.Errorf("registry TCP server: %w", err)
		}
	}()
	go func() {
		log.Logger.Info().Str("addr", cfg.HTTPAddr).Msg("registry HTTP control plane listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("registry HTTP server: %w", err)
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
		log.Logger.Warn().Err(err).Msg("HTTP shutdown")
	}
	if err := tcpSrv.Shutdown(ctx); err != nil {
		return fmt.Errorf("registry TCP shutdown: %w", err)
	}
	log.Logger.Info().Msg("shutdown complete")
	return nil
}

func overrideRegistryFlags(cmd *cobra.Command, cfg *config.RegistryConfig) {
	flags := cmd.Flags()
	if v, _ := flags.GetString("tcp-addr"); v != "" {
		cfg.TCPAddr = v
	}
	if v, _ := flags.GetString("http-addr"); v != "" {
		cfg.HTTPAddr = v
	}
	if v, _ := flags.GetString("data-dir"); v != "" {
		cfg.DataDir = v
	}
	if v, _ := flags.GetString("log-level"); v != "" {
		cfg.Logging.Level = v
	}
	if v, _ := flags.GetBool("log-json"); v {
		cfg.Logging.JSON = true
	}
}
