package logger

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"trailstopbot/internal/ports"
)

// LogrusLogger implements the ports.Logger interface using logrus, writing to
// stdout and to a size-rotated log file.
type LogrusLogger struct {
	log *logrus.Logger
}

// Config holds configuration for the logrus adapter.
type Config struct {
	Level      string // debug, info, warn, error
	FilePath   string // Rotated log file; empty disables file output
	MaxSizeMB  int    // Rotate after this many megabytes (default 50)
	MaxBackups int    // Rotated files to keep (default 5)
	MaxAgeDays int    // Days to retain rotated files (default 30)
}

// New creates a logger writing to stdout and, when FilePath is set, to a
// lumberjack-rotated file.
func New(cfg Config) (*LogrusLogger, error) {
	log := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})

	out := io.Writer(os.Stdout)
	if cfg.FilePath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		maxSize := cfg.MaxSizeMB
		if maxSize <= 0 {
			maxSize = 50
		}
		maxBackups := cfg.MaxBackups
		if maxBackups <= 0 {
			maxBackups = 5
		}
		maxAge := cfg.MaxAgeDays
		if maxAge <= 0 {
			maxAge = 30
		}
		rotated := &lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    maxSize,
			MaxBackups: maxBackups,
			MaxAge:     maxAge,
			Compress:   true,
		}
		out = io.MultiWriter(os.Stdout, rotated)
	}
	log.SetOutput(out)

	return &LogrusLogger{log: log}, nil
}

func (l *LogrusLogger) withFields(fields ...map[string]interface{}) *logrus.Entry {
	if len(fields) > 0 && fields[0] != nil {
		return l.log.WithFields(logrus.Fields(fields[0]))
	}
	return logrus.NewEntry(l.log)
}

// Debug logs a message at Debug level.
func (l *LogrusLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {
	l.withFields(fields...).Debug(msg)
}

// Info logs a message at Info level.
func (l *LogrusLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{}) {
	l.withFields(fields...).Info(msg)
}

// Warn logs a message at Warning level.
func (l *LogrusLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{}) {
	l.withFields(fields...).Warn(msg)
}

// Error logs an error message at Error level.
func (l *LogrusLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
	entry := l.withFields(fields...)
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.Error(msg)
}

var _ ports.Logger = (*LogrusLogger)(nil)
