// Package log provides structured, colored logging for klingspv.
package log

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Logger is the global logger instance.
var Logger zerolog.Logger

var (
	mu      sync.Mutex
	logFile *os.File
)

func init() {
	// Default to colored console output
	Logger = NewConsoleLogger(os.Stdout, "info")
}

// Init initializes the logger with the given configuration.
// When file is non-empty, logs are written to both the console (colored or
// JSON depending on jsonOutput) and the file (always JSON for machine parsing).
// A file opened by an earlier Init is closed.
func Init(level string, jsonOutput bool, file string) error {
	mu.Lock()
	defer mu.Unlock()

	lvl := parseLevel(level)

	var console io.Writer = os.Stdout
	if !jsonOutput {
		console = consoleWriter(os.Stdout)
	}

	var f *os.File
	out := console
	if file != "" {
		var err error
		f, err = os.OpenFile(file, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return err
		}
		// File writer: always JSON (no ANSI codes, structured for parsing).
		out = zerolog.MultiLevelWriter(console, f)
	}

	Logger = zerolog.New(out).Level(lvl).With().Timestamp().Logger()

	if logFile != nil {
		logFile.Close()
	}
	logFile = f
	return nil
}

func consoleWriter(w io.Writer) zerolog.ConsoleWriter {
	return zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05"}
}

// NewConsoleLogger creates a colored console logger.
func NewConsoleLogger(w io.Writer, level string) zerolog.Logger {
	return zerolog.New(consoleWriter(w)).
		Level(parseLevel(level)).
		With().
		Timestamp().
		Logger()
}

// NewJSONLogger creates a structured JSON logger.
func NewJSONLogger(w io.Writer, level string) zerolog.Logger {
	return zerolog.New(w).
		Level(parseLevel(level)).
		With().
		Timestamp().
		Logger()
}

// parseLevel converts a config level name to zerolog.Level. Unknown names
// fall back to info.
func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "disabled", "off", "none":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}

// WithComponent returns a logger with a component field. Component loggers
// capture the global logger at call time, so packages create theirs after
// Init.
func WithComponent(name string) zerolog.Logger {
	return Logger.With().Str("component", name).Logger()
}
