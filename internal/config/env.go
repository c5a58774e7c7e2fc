package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Environment variables read at startup.
const (
	EnvPreviewProxyPort = "PREVIEW_PROXY_PORT"
	EnvBackendPort      = "BACKEND_PORT"
	EnvPort             = "PORT"
	EnvHost             = "HOST"
)

// LookupFunc looks up an environment variable.
type LookupFunc func(key string) (string, bool)

func osLookup(key string) (string, bool) {
	return os.LookupEnv(key)
}

// ApplyEnv overrides cfg with values from the environment. Empty variables
// are ignored. PREVIEW_PROXY_PORT=0 explicitly requests an ephemeral port.
func ApplyEnv(cfg *Config, lookup LookupFunc) error {
	if v, ok := nonEmpty(lookup, EnvHost); ok {
		cfg.Host = v
	}

	// BACKEND_PORT wins over PORT.
	for _, key := range []string{EnvPort, EnvBackendPort} {
		if v, ok := nonEmpty(lookup, key); ok {
			port, err := parsePortEnv(key, v)
			if err != nil {
				return err
			}
			cfg.MainPort = port
		}
	}

	if v, ok := nonEmpty(lookup, EnvPreviewProxyPort); ok {
		port, err := parsePortEnv(EnvPreviewProxyPort, v)
		if err != nil {
			return err
		}
		cfg.PreviewProxyPort = port
	}
	return nil
}

func nonEmpty(lookup LookupFunc, key string) (string, bool) {
	v, ok := lookup(key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

func parsePortEnv(key, value string) (int, error) {
	port, err := strconv.ParseUint(value, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: must be a port number between 0 and 65535", key, value)
	}
	return int(port), nil
}
