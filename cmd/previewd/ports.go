package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/standardbeagle/previewd/internal/config"
	"github.com/standardbeagle/previewd/internal/ports"
)

var portsCmd = &cobra.Command{
	Use:   "ports",
	Short: "Show the ports of the running previewd",
	Long: `Read the port discovery file and print the assigned ports.

Output is human readable on a terminal and JSON otherwise; --json forces JSON.`,
	Args: cobra.NoArgs,
	RunE: runPorts,
}

var (
	portsJSON bool
	portsFile string
)

func init() {
	portsCmd.Flags().BoolVar(&portsJSON, "json", false, "Print JSON even on a terminal")
	portsCmd.Flags().StringVar(&portsFile, config.FlagPortFile, "", "Port discovery file path (default from config)")
}

func runPorts(cmd *cobra.Command, args []string) error {
	path := portsFile
	if path == "" {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		path = cfg.PortFile
	}

	a, err := ports.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("no port file at %s (is previewd serve running?)", path)
		}
		return fmt.Errorf("failed to read port file %s: %w", path, err)
	}

	out := cmd.OutOrStdout()
	if portsJSON || !isTerminal(out) {
		return json.NewEncoder(out).Encode(a)
	}
	printPorts(out, a)
	return nil
}

func printPorts(w io.Writer, a ports.Assignment) {
	fmt.Fprintf(w, "main port:          %d\n", a.MainPort)
	if a.PreviewProxyPort != nil {
		fmt.Fprintf(w, "preview proxy port: %d\n", *a.PreviewProxyPort)
	} else {
		fmt.Fprintln(w, "preview proxy port: (not running)")
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
