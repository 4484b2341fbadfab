// Package logging builds the slog handlers used by the gateway and chat binaries.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"golang.org/x/term"
)

// Format selects the log line encoding.
type Format string

const (
	// FormatJSON writes one JSON object per line.
	FormatJSON Format = "json"
	// FormatPretty writes colorized human-readable lines:
	//
	//	15:04:05 INF msg key=value key=value
	FormatPretty Format = "pretty"
	// FormatAuto picks pretty on a terminal and JSON otherwise.
	FormatAuto Format = "auto"
)

// ParseLevel maps debug/info/warn/error to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q", s)
	}
	return level, nil
}

// NewHandler returns a handler writing to out in the given format.
func NewHandler(out io.Writer, format Format, level slog.Level) slog.Handler {
	if format == FormatAuto {
		format = FormatJSON
		if f, ok := out.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
			format = FormatPretty
		}
	}

	if format == FormatPretty {
		return tint.NewHandler(out, &tint.Options{
			Level:      level,
			TimeFormat: time.TimeOnly,
		})
	}
	return slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})
}

// Setup installs a default logger built from format and level names.
func Setup(out io.Writer, format, level string) (*slog.Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}

	f := Format(strings.ToLower(format))
	switch f {
	case "":
		f = FormatAuto
	case FormatJSON, FormatPretty, FormatAuto:
	default:
		return nil, fmt.Errorf("invalid log format %q (must be json, pretty, or auto)", format)
	}

	logger := slog.New(NewHandler(out, f, lvl))
	slog.SetDefault(logger)
	return logger, nil
}
