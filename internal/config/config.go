// Package config holds the previewd configuration: defaults, the KDL config
// file, environment overrides and command-line flag overrides.
package config

import (
	"fmt"
	"time"

	"github.com/standardbeagle/previewd/internal/ports"
)

// Default values.
const (
	DefaultHost                  = "127.0.0.1"
	DefaultUpstreamHost          = "localhost"
	DefaultMaxBodySize           = 50 << 20
	DefaultMaxHTMLSize           = 32 << 20
	DefaultUpstreamTimeout       = 120 * time.Second
	DefaultDrainTimeout          = 5 * time.Second
	DefaultWebSocketCloseTimeout = 2 * time.Second
)

// Config holds the complete server configuration.
type Config struct {
	// Host is the bind host for both listeners.
	Host string `json:"host"`
	// MainPort is the main application port (0 = auto-assign).
	MainPort int `json:"main_port"`
	// PreviewProxyPort is the preferred proxy port (0 = auto-assign).
	PreviewProxyPort int `json:"preview_proxy_port"`
	// UpstreamHost is the host dev servers are reached on.
	UpstreamHost string `json:"upstream_host"`
	// MaxBodySize is the largest request body forwarded upstream.
	MaxBodySize int64 `json:"max_body_size"`
	// MaxHTMLSize bounds how much of an HTML response is buffered for injection.
	MaxHTMLSize int64 `json:"max_html_size"`
	// UpstreamTimeout is how long to wait for upstream response headers.
	UpstreamTimeout time.Duration `json:"upstream_timeout"`
	// DrainTimeout bounds graceful shutdown.
	DrainTimeout time.Duration `json:"drain_timeout"`
	// WebSocketCloseTimeout is how long a tunnel waits for the close handshake.
	WebSocketCloseTimeout time.Duration `json:"ws_close_timeout"`
	// PortFile is where the port assignment is published.
	PortFile string `json:"port_file"`
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `json:"log_level"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Host:                  DefaultHost,
		MainPort:              0,
		PreviewProxyPort:      0,
		UpstreamHost:          DefaultUpstreamHost,
		MaxBodySize:           DefaultMaxBodySize,
		MaxHTMLSize:           DefaultMaxHTMLSize,
		UpstreamTimeout:       DefaultUpstreamTimeout,
		DrainTimeout:          DefaultDrainTimeout,
		WebSocketCloseTimeout: DefaultWebSocketCloseTimeout,
		PortFile:              ports.DefaultFilePath(),
		LogLevel:              "info",
	}
}

// Validate checks the configuration for errors and fills in defaults for
// unset sizes and timeouts.
func (c *Config) Validate() error {
	if err := validPort("main port", c.MainPort); err != nil {
		return err
	}
	if err := validPort("preview proxy port", c.PreviewProxyPort); err != nil {
		return err
	}
	if c.MainPort != 0 && c.MainPort == c.PreviewProxyPort {
		return fmt.Errorf("preview proxy port %d must differ from main port", c.PreviewProxyPort)
	}

	if c.Host == "" {
		c.Host = DefaultHost
	}
	if c.UpstreamHost == "" {
		c.UpstreamHost = DefaultUpstreamHost
	}
	if c.MaxBodySize <= 0 {
		c.MaxBodySize = DefaultMaxBodySize
	}
	if c.MaxHTMLSize <= 0 {
		c.MaxHTMLSize = DefaultMaxHTMLSize
	}
	if c.UpstreamTimeout <= 0 {
		c.UpstreamTimeout = DefaultUpstreamTimeout
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = DefaultDrainTimeout
	}
	if c.WebSocketCloseTimeout <= 0 {
		c.WebSocketCloseTimeout = DefaultWebSocketCloseTimeout
	}
	if c.PortFile == "" {
		c.PortFile = ports.DefaultFilePath()
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	case "":
		c.LogLevel = "info"
	default:
		return fmt.Errorf("invalid log level %q", c.LogLevel)
	}
	return nil
}

func validPort(name string, port int) error {
	if port < 0 || port > 65535 {
		return fmt.Errorf("%s %d out of range", name, port)
	}
	return nil
}

// Load builds the configuration from defaults, the KDL file at path (skipped
// when it does not exist) and the environment. Flags are applied separately
// with ApplyFlags.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		if err := mergeConfigFile(cfg, path); err != nil {
			return nil, fmt.Errorf("failed to load config %s: %w", path, err)
		}
	}
	if err := ApplyEnv(cfg, osLookup); err != nil {
		return nil, err
	}
	return cfg, nil
}
