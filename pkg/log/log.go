package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the global logger. It discards output until Init is called,
// so packages can log freely in tests.
var Logger = zerolog.Nop()

// Level represents log level
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config holds logging configuration
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init initializes the global logger. Unknown levels fall back to info.
func Init(cfg Config) {
	level, err := zerolog.ParseLevel(string(cfg.Level))
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}
	if !cfg.JSONOutput {
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}
	}
	Logger = zerolog.New(output).With().Timestamp().Logger()
}

// WithComponent creates a child logger with component field
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithController creates a child logger for a reconciliation controller
func WithController(name string) zerolog.Logger {
	return Logger.With().Str("component", "controller").Str("controller", name).Logger()
}

// WithKind creates a child logger scoped to one resource kind
func WithKind(l zerolog.Logger, kind string) zerolog.Logger {
	return l.With().Str("kind", kind).Logger()
}

// WithResource creates a child logger carrying a resource identity
func WithResource(l zerolog.Logger, kind, namespace, name string) zerolog.Logger {
	return l.With().Str("kind", kind).Str("namespace", namespace).Str("name", name).Logger()
}

// WithSession creates a child logger for a port-forward session
func WithSession(namespace, pod string) zerolog.Logger {
	return Logger.With().Str("component", "portforward").Str("namespace", namespace).Str("pod", pod).Logger()
}
