package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/standardbeagle/previewd/internal/config"
	"github.com/standardbeagle/previewd/internal/ports"
	"github.com/standardbeagle/previewd/internal/proxy"
	"github.com/standardbeagle/previewd/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the main and preview proxy listeners",
	Long: `Start the main application listener and the preview proxy listener.

Both listeners start together or not at all. The assigned ports are written to
the port file and served from /api/info on the main listener. SIGINT or
SIGTERM drains both listeners and exits.

Configuration precedence: defaults, config file, environment, flags.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	config.RegisterFlags(serveCmd.Flags())
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := config.ApplyFlags(cmd.Flags(), cfg); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger := newLogger(cmd.ErrOrStderr(), cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer cancel()

	registry := ports.NewRegistry()
	previewProxy := proxy.NewServer(proxy.Config{
		UpstreamHost:          cfg.UpstreamHost,
		MaxBodySize:           cfg.MaxBodySize,
		MaxHTMLSize:           cfg.MaxHTMLSize,
		UpstreamTimeout:       cfg.UpstreamTimeout,
		WebSocketCloseTimeout: cfg.WebSocketCloseTimeout,
		Logger:                logger,
	})

	pair, err := server.Start(ctx, server.Config{
		MainHost:     cfg.Host,
		MainPort:     cfg.MainPort,
		MainHandler:  server.InfoHandler(registry, appVersion),
		ProxyHost:    cfg.Host,
		ProxyPort:    cfg.PreviewProxyPort,
		Proxy:        previewProxy,
		Registry:     registry,
		PortFile:     cfg.PortFile,
		DrainTimeout: cfg.DrainTimeout,
		Logger:       logger,
	})
	if err != nil {
		if errors.Is(err, server.ErrPortUnavailable) {
			return fmt.Errorf("%w (set %s=0 or --%s 0 to pick a free port)", err, config.EnvPreviewProxyPort, config.FlagProxyPort)
		}
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "main:          http://%s\n", hostPort(cfg.Host, pair.MainPort()))
	fmt.Fprintf(out, "preview proxy: http://%s\n", hostPort(cfg.Host, pair.ProxyPort()))
	fmt.Fprintf(out, "port file:     %s\n", cfg.PortFile)

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case <-pair.Done():
	}

	// Allow the drain deadline plus time for forced closes.
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.DrainTimeout+2*time.Second)
	defer cancelShutdown()
	err = pair.Shutdown(shutdownCtx)

	stats := previewProxy.Stats()
	logger.Info("previewd stopped",
		"uptime", stats.Uptime.Round(time.Second),
		"requests", stats.TotalRequests,
		"tunnels", stats.TotalTunnels,
	)
	return err
}

func hostPort(host string, port uint16) string {
	return net.JoinHostPort(host, strconv.Itoa(int(port)))
}

// newLogger returns a text logger at the named level.
func newLogger(w io.Writer, level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl}))
}

// loadConfig loads the config file named by --config, or the global one.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		path = config.GlobalConfigPath()
	} else if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("config file: %w", err)
	}
	return config.Load(path)
}
