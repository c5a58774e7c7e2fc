package ports

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteFile_ReadBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "previewd.port")

	require.NoError(t, WriteFile(path, NewAssignment(8080, 45123)))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"main_port":8080,"preview_proxy_port":45123}`, string(data))

	a, err := ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, uint16(8080), a.MainPort)
	require.NotNil(t, a.PreviewProxyPort)
	assert.Equal(t, uint16(45123), *a.PreviewProxyPort)
}

func TestWriteFile_Overwrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "previewd.port")

	require.NoError(t, WriteFile(path, NewAssignment(1000, 2000)))
	require.NoError(t, WriteFile(path, NewAssignment(1001, 2001)))

	a, err := ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, uint16(1001), a.MainPort)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files should not be left behind")
}

func TestWriteFile_RejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "previewd.port")
	err := WriteFile(path, NewAssignment(3000, 3000))
	assert.ErrorIs(t, err, ErrPortConflict)

	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}

func TestParseFile(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		wantMain  uint16
		wantProxy *uint16
		wantErr   bool
	}{
		{name: "json with proxy", input: `{"main_port": 3000, "preview_proxy_port": 4000}`, wantMain: 3000, wantProxy: u16(4000)},
		{name: "json with null proxy", input: `{"main_port": 3000, "preview_proxy_port": null}`, wantMain: 3000},
		{name: "json without proxy field", input: `{"main_port": 3000}`, wantMain: 3000},
		{name: "legacy integer", input: "3000", wantMain: 3000},
		{name: "legacy integer with newline", input: "  3000\n", wantMain: 3000},
		{name: "empty", input: "", wantErr: true},
		{name: "garbage", input: "not-a-port", wantErr: true},
		{name: "legacy out of range", input: "70000", wantErr: true},
		{name: "legacy zero", input: "0", wantErr: true},
		{name: "json equal ports", input: `{"main_port": 3000, "preview_proxy_port": 3000}`, wantErr: true},
		{name: "json out of range", input: `{"main_port": 70000}`, wantErr: true},
		{name: "truncated json", input: `{"main_port": 30`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := ParseFile([]byte(tt.input))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantMain, a.MainPort)
			if tt.wantProxy == nil {
				assert.Nil(t, a.PreviewProxyPort)
			} else {
				require.NotNil(t, a.PreviewProxyPort)
				assert.Equal(t, *tt.wantProxy, *a.PreviewProxyPort)
			}
		})
	}
}

func TestDefaultFilePath(t *testing.T) {
	path := DefaultFilePath()
	assert.Equal(t, DefaultFileName, filepath.Base(path))
	assert.Equal(t, DefaultDirName, filepath.Base(filepath.Dir(path)))
}

func u16(v uint16) *uint16 { return &v }

func TestRemoveFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "previewd.port")
	ours := NewAssignment(8080, 45123)

	require.NoError(t, WriteFile(path, ours))
	require.NoError(t, RemoveFile(path, ours))
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	// Missing files are fine.
	assert.NoError(t, RemoveFile(path, ours))

	// A file rewritten by another process stays.
	require.NoError(t, WriteFile(path, NewAssignment(9090, 45124)))
	require.NoError(t, RemoveFile(path, ours))
	_, err = os.Stat(path)
	assert.NoError(t, err)
}
