// Package logging builds the process-wide structured logger and derives
// per-component child loggers from it. Nothing in the engine reads a global
// logger directly; loggers are constructed here and threaded into
// component constructors alongside *config.Config.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// New builds the root logger for the process. In development mode (or when
// stdout is a TTY) it writes human-readable console output; otherwise it
// writes newline-delimited JSON suitable for log aggregation.
func New(levelName, mode string) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(levelName))
	if err != nil {
		level = zerolog.InfoLevel
	}

	console := mode != "production"
	if fi, statErr := os.Stdout.Stat(); statErr == nil && fi.Mode()&os.ModeCharDevice != 0 {
		console = true
	}

	var out io.Writer = os.Stdout
	if console {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05"}
	}

	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

// Component returns a child logger tagged with the given component name,
// e.g. logging.Component(root, "extractor").
func Component(root zerolog.Logger, name string) zerolog.Logger {
	return root.With().Str("component", name).Logger()
}
