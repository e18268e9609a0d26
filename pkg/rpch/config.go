// Package rpch provides an RPC-over-HTTP proxy server for Go.
package rpch

import (
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the proxy server configuration options.
type Config struct {
	Addr           string        `yaml:"addr"`             // Server address to bind to
	Multicore      bool          `yaml:"multicore"`        // Enable multicore mode for better performance
	NumEventLoop   int           `yaml:"num_event_loop"`   // Number of event loops (0 for auto-detect)
	ReusePort      bool          `yaml:"reuse_port"`       // Enable SO_REUSEPORT for load balancing
	MaxConnections int           `yaml:"max_connections"`  // Maximum concurrent client connections
	Timeout        time.Duration `yaml:"timeout"`          // Per-connection inactivity deadline
	MaxAuthTimes   int           `yaml:"max_auth_times"`   // Failed logins tolerated per connection
	BlockAuthFail  time.Duration `yaml:"block_auth_fail"`  // Block duration after too many failed logins
	SupportTLS     bool          `yaml:"support_tls"`      // Whether clients arrive over TLS; termination runs ahead of the event loop
	CertPath       string        `yaml:"cert_path"`        // TLS certificate path, consumed by the terminating frontend
	KeyPath        string        `yaml:"key_path"`         // TLS private key path, consumed by the terminating frontend
	KeyPassword    string        `yaml:"key_password"`     // TLS private key passphrase, consumed by the terminating frontend
	PoolChunks     int           `yaml:"pool_chunks"`      // Shared buffer pool size, in 4 KiB chunks
	MetricsAddr    string        `yaml:"metrics_addr"`     // Prometheus endpoint, empty to disable
	Logger         *log.Logger   `yaml:"-"`                // Logger for server events
}

// newSilentLogger creates a silent logger that discards all output
func newSilentLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() Config {
	return Config{
		Addr:           ":8080",
		Multicore:      true,
		NumEventLoop:   0, // Auto-detect
		ReusePort:      true,
		MaxConnections: 4096,
		Timeout:        3 * time.Minute,
		MaxAuthTimes:   10,
		BlockAuthFail:  time.Minute,
		SupportTLS:     false,
		PoolChunks:     0, // Derived from MaxConnections
		MetricsAddr:    "",
		Logger:         newSilentLogger(),
	}
}

// Validate checks and normalizes the configuration values.
func (c *Config) Validate() error {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.MaxConnections <= 0 {
		c.MaxConnections = 4096
	}
	if c.Timeout <= 0 {
		c.Timeout = 3 * time.Minute
	}
	if c.MaxAuthTimes <= 0 {
		c.MaxAuthTimes = 10
	}
	if c.BlockAuthFail <= 0 {
		c.BlockAuthFail = time.Minute
	}
	if c.Logger == nil {
		c.Logger = log.Default()
	}
	if c.SupportTLS && (c.CertPath == "" || c.KeyPath == "") {
		return fmt.Errorf("rpch: TLS enabled without certificate or key path")
	}
	return nil
}

// UnmarshalYAML decodes a config mapping, accepting durations in Go's
// "90s"/"3m" notation.
func (c *Config) UnmarshalYAML(value *yaml.Node) error {
	type rawConfig struct {
		Addr           *string `yaml:"addr"`
		Multicore      *bool   `yaml:"multicore"`
		NumEventLoop   *int    `yaml:"num_event_loop"`
		ReusePort      *bool   `yaml:"reuse_port"`
		MaxConnections *int    `yaml:"max_connections"`
		Timeout        *string `yaml:"timeout"`
		MaxAuthTimes   *int    `yaml:"max_auth_times"`
		BlockAuthFail  *string `yaml:"block_auth_fail"`
		SupportTLS     *bool   `yaml:"support_tls"`
		CertPath       *string `yaml:"cert_path"`
		KeyPath        *string `yaml:"key_path"`
		KeyPassword    *string `yaml:"key_password"`
		PoolChunks     *int    `yaml:"pool_chunks"`
		MetricsAddr    *string `yaml:"metrics_addr"`
	}
	var raw rawConfig
	if err := value.Decode(&raw); err != nil {
		return err
	}
	if raw.Addr != nil {
		c.Addr = *raw.Addr
	}
	if raw.Multicore != nil {
		c.Multicore = *raw.Multicore
	}
	if raw.NumEventLoop != nil {
		c.NumEventLoop = *raw.NumEventLoop
	}
	if raw.ReusePort != nil {
		c.ReusePort = *raw.ReusePort
	}
	if raw.MaxConnections != nil {
		c.MaxConnections = *raw.MaxConnections
	}
	if raw.Timeout != nil {
		d, err := time.ParseDuration(*raw.Timeout)
		if err != nil {
			return fmt.Errorf("rpch: timeout: %w", err)
		}
		c.Timeout = d
	}
	if raw.MaxAuthTimes != nil {
		c.MaxAuthTimes = *raw.MaxAuthTimes
	}
	if raw.BlockAuthFail != nil {
		d, err := time.ParseDuration(*raw.BlockAuthFail)
		if err != nil {
			return fmt.Errorf("rpch: block_auth_fail: %w", err)
		}
		c.BlockAuthFail = d
	}
	if raw.SupportTLS != nil {
		c.SupportTLS = *raw.SupportTLS
	}
	if raw.CertPath != nil {
		c.CertPath = *raw.CertPath
	}
	if raw.KeyPath != nil {
		c.KeyPath = *raw.KeyPath
	}
	if raw.KeyPassword != nil {
		c.KeyPassword = *raw.KeyPassword
	}
	if raw.PoolChunks != nil {
		c.PoolChunks = *raw.PoolChunks
	}
	if raw.MetricsAddr != nil {
		c.MetricsAddr = *raw.MetricsAddr
	}
	return nil
}

// LoadConfig reads a YAML configuration file, layered over the defaults.
func LoadConfig(path string) (Config, error) {
	config := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return config, fmt.Errorf("rpch: read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return config, fmt.Errorf("rpch: parse config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return config, err
	}
	return config, nil
}
