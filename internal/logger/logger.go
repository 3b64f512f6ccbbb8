package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures the process logger
type Options struct {
	Level string
	// File enables a rotating JSON log next to the console output
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	// Console is where human-readable output goes, os.Stderr when nil
	Console io.Writer
}

// New builds a logger writing to the console and, when configured, to a
// rotating file. Unknown levels fall back to info.
func New(opts Options) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(opts.Level))
	if err != nil || opts.Level == "" {
		level = zerolog.InfoLevel
	}

	console := opts.Console
	if console == nil {
		console = os.Stderr
	}
	writers := []io.Writer{zerolog.ConsoleWriter{Out: console, TimeFormat: time.RFC3339}}

	if opts.File != "" {
		writers = append(writers, &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    withDefault(opts.MaxSizeMB, 50),
			MaxBackups: withDefault(opts.MaxBackups, 5),
			MaxAge:     withDefault(opts.MaxAgeDays, 14),
			Compress:   true,
		})
	}

	return zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(level).
		With().
		Timestamp().
		Logger()
}

// Setup installs the logger as the global zerolog logger used by component loggers
func Setup(opts Options) zerolog.Logger {
	l := New(opts)
	log.Logger = l
	zerolog.SetGlobalLevel(l.GetLevel())
	return l
}

func withDefault(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}
