// Package config loads each daemon's settings from an optional YAML
// file, overridden by command-line flags, grounded on the teacher's
// cmd/warren's cobra.Flags().Get* + gopkg.in/yaml.v3 pairing (apply.go
// unmarshals YAML resources; main.go reads cobra flags into plain Go
// values) generalized into a single load path reused by all three
// relay daemons.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/cuemby/relay/pkg/log"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so config files can write "30s" instead
// of a raw nanosecond integer.
type Duration time.Duration

// UnmarshalYAML accepts either a duration string ("30s") or a bare
// integer of nanoseconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var n int64
	if err := value.Decode(&n); err == nil {
		*d = Duration(n)
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string or integer nanoseconds")
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration { return time.Duration(d) }

// LoggingConfig is shared ambient config across all three daemons.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

func (c LoggingConfig) toLogConfig() log.Config {
	level := log.InfoLevel
	switch c.Level {
	case "debug":
		level = log.DebugLevel
	case "warn":
		level = log.WarnLevel
	case "error":
		level = log.ErrorLevel
	}
	return log.Config{Level: level, JSONOutput: c.JSON}
}

// Apply initializes the global logger from this config.
func (c LoggingConfig) Apply() {
	log.Init(c.toLogConfig())
}

// BrokerConfig is relayd's YAML configuration shape.
type BrokerConfig struct {
	NodeID            string        `yaml:"node_id"`
	TCPAddr           string        `yaml:"tcp_addr"`
	HTTPAddr          string        `yaml:"http_addr"`
	DataDir           string        `yaml:"data_dir"`
	MaxMsgSize        int64         `yaml:"max_msg_size"`
	MemQueueSize      int64         `yaml:"mem_queue_size"`
	DiskMaxFile       int64         `yaml:"disk_max_file_size"`
	DefaultMsgTimeout Duration      `yaml:"default_msg_timeout"`
	MaxMsgTimeout     Duration      `yaml:"max_msg_timeout"`
	RegistryAddrs     []string      `yaml:"registry_tcp_addrs"`
	Logging           LoggingConfig `yaml:"logging"`
}

// DefaultBrokerConfig mirrors broker.DefaultConfig's values in YAML form.
func DefaultBrokerConfig() BrokerConfig {
	return BrokerConfig{
		TCPAddr:           ":4150",
		HTTPAddr:          ":4151",
		MaxMsgSize:        1 << 20,
		MemQueueSize:      10000,
		DiskMaxFile:       100 << 20,
		DefaultMsgTimeout: Duration(60 * time.Second),
		MaxMsgTimeout:     Duration(15 * time.Minute),
		Logging:           LoggingConfig{Level: "info"},
	}
}

// RegistryConfig is relaylookupd's YAML configuration shape.
type RegistryConfig struct {
	TCPAddr                 string        `yaml:"tcp_addr"`
	HTTPAddr                string        `yaml:"http_addr"`
	DataDir                 string        `yaml:"data_dir"`
	InactiveProducerTimeout Duration      `yaml:"inactive_producer_timeout"`
	TombstoneLifetime       Duration      `yaml:"tombstone_lifetime"`
	GCInterval              Duration      `yaml:"gc_interval"`
	Logging                 LoggingConfig `yaml:"logging"`
}

// DefaultRegistryConfig mirrors registry.DefaultConfig's values in YAML
// form.
func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		TCPAddr:                 ":4160",
		HTTPAddr:                ":4161",
		InactiveProducerTimeout: Duration(60 * time.Second),
		TombstoneLifetime:       Duration(45 * time.Second),
		GCInterval:              Duration(30 * time.Second),
		Logging:                 LoggingConfig{Level: "info"},
	}
}

// AggregatorConfig is relayadmin's YAML configuration shape.
type AggregatorConfig struct {
	HTTPAddr       string        `yaml:"http_addr"`
	RegistryAddrs  []string      `yaml:"registry_http_addrs"`
	StaticNodes    []string      `yaml:"static_nodes"`
	NodeCacheTTL   Duration      `yaml:"node_cache_ttl"`
	RequestTimeout Duration      `yaml:"request_timeout"`
	Logging        LoggingConfig `yaml:"logging"`
}

// DefaultAggregatorConfig mirrors aggregator.DefaultConfig's values in
// YAML form.
func DefaultAggregatorConfig() AggregatorConfig {
	return AggregatorConfig{
		HTTPAddr:       ":4171",
		NodeCacheTTL:   Duration(3 * time.Second),
		RequestTimeout: Duration(5 * time.Second),
		Logging:        LoggingConfig{Level: "info"},
	}
}

// LoadYAML reads path (if non-empty and present) and unmarshals it into
// out, otherwise leaves out at its zero/default value.
func LoadYAML(path string, out interface{}) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}
