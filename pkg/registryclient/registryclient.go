// Package registryclient drives a broker's outbound side of discovery:
// for each configured registry it dials the TCP registration protocol,
// IDENTIFYs once, then loops REGISTERing newly created topics/channels
// and PINGing to keep the producer record alive. Grounded on the
// teacher's pkg/worker.Worker heartbeatLoop (ticker-driven, a stopCh for
// clean shutdown, best-effort reconnect on failure rather than a fatal
// exit) generalized from a single manager connection to N independent
// registry connections running concurrently.
package registryclient

import (
	"sync"
	"time"

	"github.com/cuemby/relay/pkg/broker"
	"github.com/cuemby/relay/pkg/log"
	"github.com/cuemby/relay/pkg/registryproto"
	"github.com/rs/zerolog"
)

// Config describes how this node identifies itself to every registry.
type Config struct {
	RegistryAddrs    []string
	BroadcastAddress string
	TCPPort          int
	HTTPPort         int
	Hostname         string
	Version          string

	PingInterval  time.Duration
	DialTimeout   time.Duration
	RetryInterval time.Duration
}

// DefaultConfig mirrors nsqd's lookupd heartbeat cadence.
func DefaultConfig() Config {
	return Config{
		PingInterval:  15 * time.Second,
		DialTimeout:   5 * time.Second,
		RetryInterval: 5 * time.Second,
	}
}

// Client manages one goroutine per configured registry address.
type Client struct {
	cfg    Config
	broker *broker.Broker
	logger zerolog.Logger
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a Client that will announce brk's topics/channels to every
// registry in cfg.RegistryAddrs once Start is called.
func New(cfg Config, brk *broker.Broker) *Client {
	if cfg.PingInterval == 0 {
		cfg.PingInterval = DefaultConfig().PingInterval
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = DefaultConfig().DialTimeout
	}
	if cfg.RetryInterval == 0 {
		cfg.RetryInterval = DefaultConfig().RetryInterval
	}
	return &Client{
		cfg:    cfg,
		broker: brk,
		logger: log.WithComponent("registry-client"),
		stopCh: make(chan struct{}),
	}
}

// Start launches one connection-management goroutine per registry.
func (c *Client) Start() {
	for _, addr := range c.cfg.RegistryAddrs {
		c.wg.Add(1)
		go c.run(addr)
	}
}

// Stop signals every goroutine to exit and waits for them.
func (c *Client) Stop() {
	close(c.stopCh)
	c.wg.Wait()
}

func (c *Client) run(addr string) {
	defer c.wg.Done()
	for {
		select {
		case <-c.stopCh:
			return
		default:
		}
		if err := c.session(addr); err != nil {
			c.logger.Warn().Err(err).Str("registry", addr).Msg("registry session failed, retrying")
		}
		select {
		case <-c.stopCh:
			return
		case <-time.After(c.cfg.RetryInterval):
		}
	}
}

// session owns one connection: IDENTIFY, then REGISTER known
// topics/channels, then loop registering newly discovered ones and
// pinging until the connection fails or Stop is called.
func (c *Client) session(addr string) error {
	conn, err := registryproto.Dial(addr, c.cfg.DialTimeout)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := conn.Identify(c.cfg.BroadcastAddress, c.cfg.TCPPort, c.cfg.HTTPPort, c.cfg.Hostname, c.cfg.Version); err != nil {
		return err
	}
	c.logger.Info().Str("registry", addr).Msg("identified with registry")

	registered := make(map[string]struct{})
	if err := c.syncRegistrations(conn, registered); err != nil {
		return err
	}

	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return nil
		case <-ticker.C:
			if err := conn.Ping(); err != nil {
				return err
			}
			if err := c.syncRegistrations(conn, registered); err != nil {
				return err
			}
		}
	}
}

// syncRegistrations REGISTERs any topic or channel the broker now knows
// about that this connection has not yet announced. This is a
// one-directional diff against the registered set: a topic or channel
// the broker deletes is not UNREGISTERed and stays in the registered set.
func (c *Client) syncRegistrations(conn *registryproto.Client, registered map[string]struct{}) error {
	for _, t := range c.broker.Topics() {
		if _, ok := registered[t.Name]; !ok {
			if err := conn.Register(t.Name, ""); err != nil {
				return err
			}
			registered[t.Name] = struct{}{}
		}
		for _, ch := range t.Channels() {
			key := t.Name + "/" + ch.Name
			if _, ok := registered[key]; !ok {
				if err := conn.Register(t.Name, ch.Name); err != nil {
					return err
				}
				registered[key] = struct{}{}
			}
		}
	}
	return nil
}
