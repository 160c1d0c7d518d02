// Command relayd runs a single broker node: the TCP data-plane server and
// its HTTP control plane, grounded on cmd/warren's cobra root command plus
// the cluster-init command's signal/shutdown sequence, generalized from a
// multi-subcommand orchestrator down to a single long-running daemon.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/cuemby/relay/pkg/broker"
	"github.com/cuemby/relay/pkg/brokerhttp"
	"github.com/cuemby/relay/pkg/config"
	"github.com/cuemby/relay/pkg/log"
	"github.com/cuemby/relay/pkg/registryclient"
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
	Use:     "relayd",
	Short:   "relayd runs a relay broker node",
	Version: Version,
	RunE:    run,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("relayd version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime))

	flags := rootCmd.Flags()
	flags.StringVar(&configPath, "config", "", "path to a YAML config file")
	flags.String("node-id", "", "unique node ID, advertised to registries")
	flags.String("tcp-addr", "", "TCP data-plane listen address")
	flags.String("http-addr", "", "HTTP control-plane listen address")
	flags.String("data-dir", "", "base directory for per-topic disk queues; empty for memory-only")
	flags.StringSlice("registry-addr", nil, "registry TCP address(es) to register with (host:port)")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	flags.Bool("log-json", false, "emit JSON logs")
}

func run(cmd *cobra.Command, args []string) error {
	cfg := config.DefaultBrokerConfig()
	if err := config.LoadYAML(configPath, &cfg); err != nil {
		return err
	}
	overrideBrokerFlags(cmd, &cfg)
	cfg.Logging.Apply()

	brk := broker.New(broker.Config{
		NodeID:            cfg.NodeID,
		TCPAddr:           cfg.TCPAddr,
		HTTPAddr:          cfg.HTTPAddr,
		DataDir:           cfg.DataDir,
		MaxMsgSize:        int(cfg.MaxMsgSize),
		MemQueueSize:      int(cfg.MemQueueSize),
		DiskMaxFile:       cfg.DiskMaxFile,
		DefaultMsgTimeout: cfg.DefaultMsgTimeout.Duration(),
		MaxMsgTimeout:     cfg.MaxMsgTimeout.Duration(),
	})

	brokerhttp.Version = Version
	httpSrv := brokerhttp.New(brk)
	srv := httpSrv.Start(cfg.HTTPAddr)

	var regClient *registryclient.Client
	if len(cfg.RegistryAddrs) > 0 {
		broadcastAddr, tcpPort := splitAddr(cfg.TCPAddr)
		_, httpPort := splitAddr(cfg.HTTPAddr)
		hostname, _ := os.Hostname()
		regClient = registryclient.New(registryclient.Config{
			RegistryAddrs:    cfg.RegistryAddrs,
			BroadcastAddress: broadcastAddr,
			TCPPort:          tcpPort,
			HTTPPort:         httpPort,
			Hostname:         hostname,
			Version:          Version,
		}, brk)
		regClient.Start()
	}

	errCh := make(chan error, 2)
	go func() {
		if err := brk.ListenAndServeTCP(); err != nil {
			errCh <- fmt.Errorf("broker TCP server: %w", err)
		}
	}()
	go func() {
		log.Logger.Info().Str("addr", cfg.HTTPAddr).Msg("broker HTTP control plane listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("broker HTTP server: %w", err)
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

	if regClient != nil {
		regClient.Stop()
	}
	if err := srv.Shutdown(ctx); err != nil {
		log.Logger.Warn().Err(err).Msg("HTTP shutdown")
	}
	if err := brk.Shutdown(ctx); err != nil {
		return fmt.Errorf("broker shutdown: %w", err)
	}
	log.Logger.Info().Msg("shutdown complete")
	return nil
}

// splitAddr splits a listen address like ":4150" or "0.0.0.0:4150" into a
// broadcast host (defaulting to the local hostname when unspecified) and
// numeric port.
func splitAddr(addr string) (string, int) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0
	}
	port, _ := strconv.Atoi(portStr)
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		host, _ = os.Hostname()
	}
	return host, port
}

func overrideBrokerFlags(cmd *cobra.Command, cfg *config.BrokerConfig) {
	flags := cmd.Flags()
	if v, _ := flags.GetString("node-id"); v != "" {
		cfg.NodeID = v
	}
	if v, _ := flags.GetString("tcp-addr"); v != "" {
		cfg.TCPAddr = v
	}
	if v, _ := flags.GetString("http-addr"); v != "" {
		cfg.HTTPAddr = v
	}
	if v, _ := flags.GetString("data-dir"); v != "" {
		cfg.DataDir = v
	}
	if v, _ := flags.GetStringSlice("registry-addr"); len(v) > 0 {
		cfg.RegistryAddrs = v
	}
	if v, _ := flags.GetString("log-level"); v != "" {
		cfg.Logging.Level = v
	}
	if v, _ := flags.GetBool("log-json"); v {
		cfg.Logging.JSON = true
	}
}
