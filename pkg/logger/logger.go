// Package logger wraps the process-wide zerolog logger used by every
// orchestrator component.
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/term"
)

// LogConfig mirrors the log section of the config file.
type LogConfig struct {
	Level  string `json:"level" mapstructure:"level"`   // debug, info, warn, error
	Format string `json:"format" mapstructure:"format"` // console, json, auto
	File   string `json:"file" mapstructure:"file"`     // extra JSON sink, empty for none
}

var (
	mu       sync.RWMutex
	root     = zerolog.New(os.Stderr).With().Timestamp().Logger()
	rootFile *os.File
)

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
	case "fatal":
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}

// Init replaces the global logger. stderr gets the console writer when
// Format asks for it (or is auto and stderr is a terminal); File, when set,
// always receives JSON so it can be shipped as is.
func Init(cfg LogConfig) error {
	var sinks []io.Writer
	if useConsole(cfg.Format) {
		sinks = append(sinks, zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		sinks = append(sinks, os.Stderr)
	}

	var f *os.File
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
			return fmt.Errorf("log dir: %w", err)
		}
		var err error
		f, err = os.OpenFile(cfg.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return fmt.Errorf("open log file %s: %w", cfg.File, err)
		}
		sinks = append(sinks, f)
	}

	zerolog.SetGlobalLevel(parseLevel(cfg.Level))
	zerolog.TimeFieldFormat = time.RFC3339Nano

	mu.Lock()
	defer mu.Unlock()
	if rootFile != nil {
		_ = rootFile.Close()
	}
	rootFile = f
	root = zerolog.New(zerolog.MultiLevelWriter(sinks...)).With().Timestamp().Caller().Logger()
	return nil
}

func useConsole(format string) bool {
	switch strings.ToLower(format) {
	case "console":
		return true
	case "", "auto":
		return term.IsTerminal(int(os.Stderr.Fd()))
	}
	return false
}

// Get returns the global logger. Before Init it writes JSON to stderr.
func Get() *zerolog.Logger {
	mu.RLock()
	l := root
	mu.RUnlock()
	return &l
}

// Component tags a child logger with the component name.
func Component(name string) zerolog.Logger {
	return Get().With().Str("component", name).Logger()
}

// ForSession tags a child logger with the ids every orchestration log line carries.
func ForSession(sessionID, traceID string) zerolog.Logger {
	return Get().With().Str("session_id", sessionID).Str("trace_id", traceID).Logger()
}

// Close flushes and closes the log file, if any. The logger keeps writing to stderr.
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if rootFile == nil {
		return nil
	}
	err := rootFile.Close()
	rootFile = nil
	root = zerolog.New(os.Stderr).With().Timestamp().Logger()
	return err
}

func Debug() *zerolog.Event { return Get().Debug() }
func Info() *zerolog.Event  { return Get().Info() }
func Warn() *zerolog.Event  { return Get().Warn() }
func Error() *zerolog.Event { return Get().Error() }
