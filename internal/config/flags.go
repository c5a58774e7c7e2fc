package config

import (
	"time"

	"github.com/spf13/pflag"
)

// Flag names shared by the serve command.
const (
	FlagHost            = "host"
	FlagPort            = "port"
	FlagProxyPort       = "proxy-port"
	FlagUpstreamHost    = "upstream-host"
	FlagMaxBodySize     = "max-body-size"
	FlagUpstreamTimeout = "upstream-timeout"
	FlagDrainTimeout    = "drain-timeout"
	FlagPortFile        = "port-file"
	FlagLogLevel        = "log-level"
)

// RegisterFlags adds the configuration flags to fs. Defaults shown in help
// are the built-in defaults; only flags set explicitly override the loaded
// configuration.
func RegisterFlags(fs *pflag.FlagSet) {
	d := DefaultConfig()
	fs.String(FlagHost, d.Host, "Bind host for both listeners")
	fs.Int(FlagPort, d.MainPort, "Main application port (0 = auto-assign)")
	fs.Int(FlagProxyPort, d.PreviewProxyPort, "Preview proxy port (0 = auto-assign)")
	fs.String(FlagUpstreamHost, d.UpstreamHost, "Host the dev servers listen on")
	fs.Int64(FlagMaxBodySize, d.MaxBodySize, "Largest forwarded request body in bytes")
	fs.Duration(FlagUpstreamTimeout, d.UpstreamTimeout, "How long to wait for a dev server response")
	fs.Duration(FlagDrainTimeout, d.DrainTimeout, "Graceful shutdown deadline")
	fs.String(FlagPortFile, d.PortFile, "Port discovery file path")
	fs.String(FlagLogLevel, d.LogLevel, "Log level (debug, info, warn, error)")
}

// ApplyFlags copies explicitly set flags from fs into cfg.
func ApplyFlags(fs *pflag.FlagSet, cfg *Config) error {
	var err error
	setString := func(name string, dst *string) {
		if err == nil && fs.Changed(name) {
			*dst, err = fs.GetString(name)
		}
	}
	setInt := func(name string, dst *int) {
		if err == nil && fs.Changed(name) {
			*dst, err = fs.GetInt(name)
		}
	}
	setDuration := func(name string, dst *time.Duration) {
		if err == nil && fs.Changed(name) {
			*dst, err = fs.GetDuration(name)
		}
	}

	setString(FlagHost, &cfg.Host)
	setInt(FlagPort, &cfg.MainPort)
	setInt(FlagProxyPort, &cfg.PreviewProxyPort)
	setString(FlagUpstreamHost, &cfg.UpstreamHost)
	if err == nil && fs.Changed(FlagMaxBodySize) {
		cfg.MaxBodySize, err = fs.GetInt64(FlagMaxBodySize)
	}
	setDuration(FlagUpstreamTimeout, &cfg.UpstreamTimeout)
	setDuration(FlagDrainTimeout, &cfg.DrainTimeout)
	setString(FlagPortFile, &cfg.PortFile)
	setString(FlagLogLevel, &cfg.LogLevel)
	return err
}
