// Copyright (C) 2025 Vergraph Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package logging provides structured logging for vergraph components.
//
// Built on the standard library slog package with two destinations:
//
//   - stderr (default), text or JSON
//   - an optional log file, always JSON, named {service}_{date}.log
//
// # Basic Usage
//
//	logger := logging.Default()
//	logger.Info("bump applied", "entity", entityID, "scope", scope)
//
// # File Logging
//
//	logger, err := logging.New(logging.Config{
//	    Level:   logging.LevelInfo,
//	    LogDir:  "~/.vergraph/logs", // Supports ~ expansion
//	    Service: "vergraphd",
//	    JSON:    true,
//	})
//	defer logger.Close()
//
// # Log Levels
//
// Four levels are supported, matching slog conventions:
//
//   - Debug: Development troubleshooting, verbose output
//   - Info: Normal operations (request start/end, state changes)
//   - Warn: Recoverable issues (fallback key resolution, degraded mode)
//   - Error: Operation failures (but system continues)
//
// # Security Considerations
//
// This package does NOT automatically redact sensitive data. Callers
// must ensure signing key material and raw CSRF tokens are not logged:
//
//	// BAD: logs sensitive data
//	logger.Info("handshake", "token", csrfToken)
//
//	// GOOD: log metadata only
//	logger.Info("handshake", "token_present", csrfToken != "")
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Level represents log severity, ordered Debug < Info < Warn < Error.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// String returns the lowercase name of the level.
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "info"
	}
}

func (l Level) toSlog() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ParseLevel maps a config string onto a Level. Unknown strings
// default to Info.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Config configures the Logger. The zero value writes Info+ text to
// stderr only.
type Config struct {
	// Level is the minimum severity written to any destination.
	Level Level

	// LogDir enables file logging when set. Supports ~ expansion. The
	// directory is created with 0750 permissions if missing.
	LogDir string

	// Service is attached to every entry as the "service" attribute
	// and names the log file.
	Service string

	// JSON switches stderr output to JSON. File output is always JSON.
	JSON bool

	// Quiet disables stderr output entirely.
	Quiet bool
}

// Logger wraps slog.Logger with optional file output.
type Logger struct {
	*slog.Logger
	file *os.File
}

// Default returns a stderr-only Info-level text logger.
func Default() *Logger {
	l, _ := New(Config{})
	return l
}

// New builds a Logger from cfg.
//
// # Inputs
//
//   - cfg: logger configuration; see Config field docs.
//
// # Outputs
//
//   - *Logger: ready to use; call Close when file logging is enabled.
//   - error: non-nil if the log directory or file cannot be created.
func New(cfg Config) (*Logger, error) {
	opts := &slog.HandlerOptions{Level: cfg.Level.toSlog()}

	var writers []io.Writer
	if !cfg.Quiet {
		writers = append(writers, os.Stderr)
	}

	var file *os.File
	if cfg.LogDir != "" {
		dir, err := expandHome(cfg.LogDir)
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("create log directory %s: %w", dir, err)
		}
		service := cfg.Service
		if service == "" {
			service = "vergraph"
		}
		name := fmt.Sprintf("%s_%s.log", service, time.Now().Format("2006-01-02"))
		file, err = os.OpenFile(filepath.Join(dir, name),
			os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0640)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		writers = append(writers, file)
	}

	if len(writers) == 0 {
		writers = append(writers, io.Discard)
	}
	out := io.MultiWriter(writers...)

	var handler slog.Handler
	if cfg.JSON || file != nil {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}

	base := slog.New(handler)
	if cfg.Service != "" {
		base = base.With(slog.String("service", cfg.Service))
	}
	return &Logger{Logger: base, file: file}, nil
}

// SetAsDefault installs the logger as the process-wide slog default,
// so packages that log through slog.Default pick it up.
func (l *Logger) SetAsDefault() {
	slog.SetDefault(l.Logger)
}

// Close flushes and closes the log file, if one is open. Safe to call
// on a stderr-only logger.
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}

func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("expand %s: %w", path, err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}
