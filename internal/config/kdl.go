package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	kdl "github.com/sblinch/kdl-go"
)

// GlobalConfigFile is the config file name under the previewd config dir.
const GlobalConfigFile = "config.kdl"

// KDLConfig represents the KDL configuration structure.
type KDLConfig struct {
	Server    KDLServer    `kdl:"server"`
	Proxy     KDLProxy     `kdl:"proxy"`
	Discovery KDLDiscovery `kdl:"discovery"`
	LogLevel  string       `kdl:"log-level"`
}

// KDLServer holds listener settings.
type KDLServer struct {
	Host             string `kdl:"host"`
	MainPort         int    `kdl:"main-port"`
	PreviewProxyPort int    `kdl:"preview-proxy-port"`
	DrainTimeout     int    `kdl:"drain-timeout"`
}

// KDLProxy holds forwarding settings. Timeouts are in seconds.
type KDLProxy struct {
	UpstreamHost     string `kdl:"upstream-host"`
	MaxBodySize      int64  `kdl:"max-body-size"`
	MaxHTMLSize      int64  `kdl:"max-html-size"`
	UpstreamTimeout  int    `kdl:"upstream-timeout"`
	WebSocketTimeout int    `kdl:"ws-close-timeout"`
}

// KDLDiscovery holds port discovery settings.
type KDLDiscovery struct {
	PortFile string `kdl:"port-file"`
}

// GlobalConfigPath returns the path to the global config file.
func GlobalConfigPath() string {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		configDir = filepath.Join(home, ".config")
	}
	return filepath.Join(configDir, "previewd", GlobalConfigFile)
}

// mergeConfigFile merges the KDL file at path into cfg. A missing file is not
// an error.
func mergeConfigFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	return mergeKDL(cfg, data)
}

// ParseKDLConfig parses KDL configuration data on top of the defaults.
func ParseKDLConfig(data string) (*Config, error) {
	cfg := DefaultConfig()
	if err := mergeKDL(cfg, []byte(data)); err != nil {
		return nil, err
	}
	return cfg, nil
}

func mergeKDL(cfg *Config, data []byte) error {
	var kdlCfg KDLConfig
	if err := kdl.Unmarshal(data, &kdlCfg); err != nil {
		return err
	}

	if kdlCfg.Server.Host != "" {
		cfg.Host = kdlCfg.Server.Host
	}
	if kdlCfg.Server.MainPort > 0 {
		cfg.MainPort = kdlCfg.Server.MainPort
	}
	if kdlCfg.Server.PreviewProxyPort > 0 {
		cfg.PreviewProxyPort = kdlCfg.Server.PreviewProxyPort
	}
	if kdlCfg.Server.DrainTimeout > 0 {
		cfg.DrainTimeout = time.Duration(kdlCfg.Server.DrainTimeout) * time.Second
	}

	if kdlCfg.Proxy.UpstreamHost != "" {
		cfg.UpstreamHost = kdlCfg.Proxy.UpstreamHost
	}
	if kdlCfg.Proxy.MaxBodySize > 0 {
		cfg.MaxBodySize = kdlCfg.Proxy.MaxBodySize
	}
	if kdlCfg.Proxy.MaxHTMLSize > 0 {
		cfg.MaxHTMLSize = kdlCfg.Proxy.MaxHTMLSize
	}
	if kdlCfg.Proxy.UpstreamTimeout > 0 {
		cfg.UpstreamTimeout = time.Duration(kdlCfg.Proxy.UpstreamTimeout) * time.Second
	}
	if kdlCfg.Proxy.WebSocketTimeout > 0 {
		cfg.WebSocketCloseTimeout = time.Duration(kdlCfg.Proxy.WebSocketTimeout) * time.Second
	}

	if kdlCfg.Discovery.PortFile != "" {
		cfg.PortFile = kdlCfg.Discovery.PortFile
	}
	if kdlCfg.LogLevel != "" {
		cfg.LogLevel = kdlCfg.LogLevel
	}
	return nil
}

// WriteDefaultConfig writes a default config file with documentation.
func WriteDefaultConfig(path string) error {
	defaultKDL := `// previewd configuration

server {
    // Bind host for both listeners
    host "127.0.0.1"
    // Main application port (0 = auto-assign)
    main-port 0
    // Preview proxy port (0 = auto-assign). PREVIEW_PROXY_PORT overrides this.
    preview-proxy-port 0
    // Graceful shutdown timeout in seconds
    drain-timeout 5
}

proxy {
    // Host the dev servers listen on
    upstream-host "localhost"
    // Largest forwarded request body in bytes (50MB default)
    max-body-size 52428800
    // Largest HTML response buffered for script injection (32MB default)
    max-html-size 33554432
    // Seconds to wait for a dev server to respond (compiles can be slow)
    upstream-timeout 120
    // Seconds to wait for a WebSocket close handshake
    ws-close-timeout 2
}

discovery {
    // Port discovery file (defaults to $TMPDIR/previewd/previewd.port)
    // port-file "/tmp/previewd/previewd.port"
}

log-level "info"
`
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, []byte(strings.TrimSpace(defaultKDL)+"\n"), 0644)
}
