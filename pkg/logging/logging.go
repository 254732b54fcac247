// Package logging owns the process log sink. The Guard is created once by the
// entry point and closed at shutdown.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-logr/logr"
	"github.com/spf13/afero"
)

type Format string

const (
	FormatJSON Format = "json"
	FormatText Format = "text"
)

func (f *Format) UnmarshalText(b []byte) error {
	switch Format(strings.ToLower(string(b))) {
	case FormatJSON:
		*f = FormatJSON
	case FormatText:
		*f = FormatText
	default:
		return fmt.Errorf("unknown log format %q, expected json or text", string(b))
	}
	return nil
}

const (
	OutputStderr = "stderr"
	OutputStdout = "stdout"
)

type Guard struct {
	Logger logr.Logger
	closer io.Closer
}

// New opens output, which is stderr, stdout or a file path on fs, and builds a
// logger writing records in format at level and above.
func New(fs afero.Fs, output string, format Format, level slog.Level) (*Guard, error) {
	var w io.Writer
	var closer io.Closer
	switch output {
	case "", OutputStderr:
		w = os.Stderr
	case OutputStdout:
		w = os.Stdout
	default:
		if err := fs.MkdirAll(filepath.Dir(output), 0o755); err != nil {
			return nil, err
		}
		f, err := fs.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("could not open log output: %w", err)
		}
		w = f
		closer = f
	}
	return NewWithWriter(w, closer, format, level), nil
}

// NewWithWriter builds a Guard writing to w. The closer may be nil.
func NewWithWriter(w io.Writer, closer io.Closer, format Format, level slog.Level) *Guard {
	opts := slog.HandlerOptions{
		AddSource: true,
		Level:     level,
	}
	var handler slog.Handler
	switch format {
	case FormatText:
		handler = slog.NewTextHandler(w, &opts)
	default:
		handler = slog.NewJSONHandler(w, &opts)
	}
	return &Guard{
		Logger: logr.FromSlogHandler(handler),
		closer: closer,
	}
}

// Close releases the log sink. The logger must not be used afterwards.
func (g *Guard) Close() error {
	if g.closer == nil {
		return nil
	}
	err := g.closer.Close()
	g.closer = nil
	return err
}
