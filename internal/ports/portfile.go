package ports

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// Port file location defaults.
const (
	DefaultDirName  = "previewd"
	DefaultFileName = "previewd.port"
)

// DefaultFilePath returns the port file path under the system temp dir.
func DefaultFilePath() string {
	return filepath.Join(os.TempDir(), DefaultDirName, DefaultFileName)
}

// WriteFile writes the assignment as JSON. The file is replaced atomically so
// readers never observe a partial write.
func WriteFile(path string, a Assignment) error {
	if err := a.Validate(); err != nil {
		return err
	}

	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to encode port file: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create port file directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp port file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write port file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to write port file: %w", err)
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to chmod port file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace port file: %w", err)
	}
	return nil
}

// ReadFile reads and parses a port file.
func ReadFile(path string) (Assignment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Assignment{}, err
	}
	return ParseFile(data)
}

// ParseFile parses port file contents. Besides the JSON object it accepts the
// legacy format: a single integer holding the main port.
func ParseFile(data []byte) (Assignment, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return Assignment{}, fmt.Errorf("port file is empty")
	}

	if data[0] != '{' {
		port, err := strconv.ParseUint(string(data), 10, 16)
		if err != nil || port == 0 {
			return Assignment{}, fmt.Errorf("invalid legacy port file contents %q", data)
		}
		return Assignment{MainPort: uint16(port)}, nil
	}

	var a Assignment
	if err := json.Unmarshal(data, &a); err != nil {
		return Assignment{}, fmt.Errorf("invalid port file: %w", err)
	}
	if err := a.Validate(); err != nil {
		return Assignment{}, fmt.Errorf("invalid port file: %w", err)
	}
	return a, nil
}

// RemoveFile deletes the port file if it still describes a. A file rewritten
// by another process is left alone.
func RemoveFile(path string, a Assignment) error {
	current, err := ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if current.MainPort != a.MainPort || !samePort(current.PreviewProxyPort, a.PreviewProxyPort) {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove port file: %w", err)
	}
	return nil
}

func samePort(a, b *uint16) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
