package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

func TestFormatUnmarshalText(t *testing.T) {
	t.Parallel()

	var f Format
	require.NoError(t, f.UnmarshalText([]byte("TEXT")))
	require.Equal(t, FormatText, f)
	require.NoError(t, f.UnmarshalText([]byte("json")))
	require.Equal(t, FormatJSON, f)
	require.Error(t, f.UnmarshalText([]byte("xml")))
}

func TestNewWithWriterJSON(t *testing.T) {
	t.Parallel()

	buf := &bytes.Buffer{}
	guard := NewWithWriter(buf, nil, FormatJSON, slog.LevelInfo)
	guard.Logger.Info("hello", "key", "value")
	guard.Logger.V(4).Info("hidden")
	require.NoError(t, guard.Close())

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 1)
	record := map[string]any{}
	require.NoError(t, json.Unmarshal(lines[0], &record))
	require.Equal(t, "hello", record["msg"])
	require.Equal(t, "value", record["key"])
}

func TestNewWithWriterText(t *testing.T) {
	t.Parallel()

	buf := &bytes.Buffer{}
	guard := NewWithWriter(buf, nil, FormatText, slog.LevelInfo)
	guard.Logger.Info("hello")
	require.Contains(t, buf.String(), "msg=hello")
}

func TestNewFileOutput(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "logs", "gateway.log")
	guard, err := New(afero.NewOsFs(), path, FormatJSON, slog.LevelInfo)
	require.NoError(t, err)
	guard.Logger.Info("written to file")
	require.NoError(t, guard.Close())
	require.NoError(t, guard.Close())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(b), "written to file")
}

func TestNewStdStreams(t *testing.T) {
	t.Parallel()

	for _, output := range []string{"", OutputStderr, OutputStdout} {
		guard, err := New(afero.NewMemMapFs(), output, FormatJSON, slog.LevelError)
		require.NoError(t, err)
		require.NoError(t, guard.Close())
	}
}

func TestNewAppendsToFile(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/var/log/awgateway/gateway.log", []byte("previous run\n"), 0o644))

	guard, err := New(fs, "/var/log/awgateway/gateway.log", FormatText, slog.LevelInfo)
	require.NoError(t, err)
	guard.Logger.Info("current run")
	require.NoError(t, guard.Close())

	b, err := afero.ReadFile(fs, "/var/log/awgateway/gateway.log")
	require.NoError(t, err)
	require.Contains(t, string(b), "previous run\n")
	require.Contains(t, string(b), "msg=\"current run\"")
}
