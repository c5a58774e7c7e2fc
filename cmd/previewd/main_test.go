package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/standardbeagle/previewd/internal/ports"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		level string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
	}

	for _, tt := range tests {
		logger := newLogger(&bytes.Buffer{}, tt.level)
		assert.True(t, logger.Enabled(context.Background(), tt.want), tt.level)
		if tt.want > slog.LevelDebug {
			assert.False(t, logger.Enabled(context.Background(), tt.want-1), tt.level)
		}
	}
}

func TestPrintPorts(t *testing.T) {
	var buf bytes.Buffer
	printPorts(&buf, ports.NewAssignment(8080, 45123))
	assert.Contains(t, buf.String(), "main port:          8080")
	assert.Contains(t, buf.String(), "preview proxy port: 45123")

	buf.Reset()
	printPorts(&buf, ports.Assignment{MainPort: 8080})
	assert.Contains(t, buf.String(), "(not running)")
}

func TestPortsCommand_JSONWhenNotTerminal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "previewd.port")
	require.NoError(t, ports.WriteFile(path, ports.NewAssignment(8080, 45123)))

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"ports", "--port-file", path})
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
		portsFile = ""
	})
	require.NoError(t, rootCmd.Execute())

	var got map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &got))
	assert.Equal(t, float64(8080), got["main_port"])
	assert.Equal(t, float64(45123), got["preview_proxy_port"])
}

func TestPortsCommand_MissingFile(t *testing.T) {
	rootCmd.SetOut(&bytes.Buffer{})
	rootCmd.SetArgs([]string{"ports", "--port-file", filepath.Join(t.TempDir(), "missing.port")})
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
		portsFile = ""
	})

	err := rootCmd.Execute()
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "no port file"), err.Error())
}

func TestConfigCommands(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.kdl")

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	})

	rootCmd.SetArgs([]string{"config", "path", "--config", path})
	require.NoError(t, rootCmd.Execute())
	assert.Equal(t, path+"\n", out.String())

	out.Reset()
	rootCmd.SetArgs([]string{"config", "init", "--config", path})
	require.NoError(t, rootCmd.Execute())
	assert.FileExists(t, path)

	rootCmd.SetArgs([]string{"config", "init", "--config", path})
	assert.Error(t, rootCmd.Execute(), "init must not overwrite without --force")
}
