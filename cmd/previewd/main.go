package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const (
	appName    = "previewd"
	appVersion = "0.1.0"
)

var rootCmd = &cobra.Command{
	Use:   appName,
	Short: "Sandboxed preview proxy for local dev servers",
	Long: `Previewd runs the main application listener next to a preview proxy
listener on a separate port, so a local dev server can be embedded in the
application UI without its scripts reaching the application's origin.

The proxy serves:
  - /proxy              the relay page that frames the dev server
  - /dev-server-entry/  HTTP and WebSocket forwarding to localhost:{target}`,
	Version:       appVersion,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Config file path (default $XDG_CONFIG_HOME/previewd/config.kdl)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(portsCmd)
	rootCmd.AddCommand(configCmd)

	rootCmd.SetVersionTemplate(fmt.Sprintf("%s v%s\n", appName, appVersion))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", appName, err)
		os.Exit(1)
	}
}
