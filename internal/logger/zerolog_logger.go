// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/noldarim/buildgate/internal/config"
	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Manager hands out per-package loggers that share one set of writers.
type Manager struct {
	config         *config.LogConfig
	root           zerolog.Logger
	packageLoggers map[string]zerolog.Logger
	mu             sync.RWMutex
	closers        []io.Closer
}

// NewManager builds the writers described by cfg and the root logger on top of them.
func NewManager(cfg *config.LogConfig) (*Manager, error) {
	m := &Manager{
		config:         cfg,
		packageLoggers: make(map[string]zerolog.Logger),
	}

	level := parseLevel(cfg.Level)
	zerolog.SetGlobalLevel(zerolog.TraceLevel)
	zerolog.TimeFieldFormat = time.RFC3339Nano

	writers, err := m.createWriters(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create log writers: %w", err)
	}

	var out io.Writer
	switch len(writers) {
	case 0:
		out = io.Discard
	case 1:
		out = writers[0]
	default:
		out = io.MultiWriter(writers...)
	}

	m.root = m.createLogger(out, level)
	return m, nil
}

func (m *Manager) createWriters(cfg *config.LogConfig) ([]io.Writer, error) {
	var writers []io.Writer

	for _, output := range cfg.Output {
		if !output.Enabled {
			continue
		}

		switch output.Type {
		case "console":
			if cfg.Format == "console" {
				writers = append(writers, zerolog.ConsoleWriter{
					Out:        os.Stderr,
					TimeFormat: "15:04:05.000",
					FormatLevel: func(i interface{}) string {
						return strings.ToUpper(fmt.Sprintf("| %-6s|", i))
					},
				})
			} else {
				writers = append(writers, os.Stderr)
			}

		case "file":
			if err := os.MkdirAll(filepath.Dir(output.Path), 0o755); err != nil {
				return nil, fmt.Errorf("failed to create log directory: %w", err)
			}

			var w io.WriteCloser
			if output.Rotate.MaxSizeMB > 0 {
				w = &lumberjack.Logger{
					Filename:   output.Path,
					MaxSize:    output.Rotate.MaxSizeMB,
					MaxBackups: output.Rotate.MaxBackups,
					MaxAge:     output.Rotate.MaxAgeDays,
					Compress:   output.Rotate.Compress,
				}
			} else {
				file, err := os.OpenFile(output.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
				if err != nil {
					return nil, fmt.Errorf("failed to open log file %s: %w", output.Path, err)
				}
				w = file
			}
			m.closers = append(m.closers, w)
			// Files always get JSON lines so they stay machine readable.
			writers = append(writers, w)

		default:
			return nil, fmt.Errorf("unsupported output type: %s", output.Type)
		}
	}

	return writers, nil
}

func (m *Manager) createLogger(w io.Writer, level zerolog.Level) zerolog.Logger {
	l := zerolog.New(w).Level(level)

	if m.config.Context.IncludeTimestamp {
		l = l.With().Timestamp().Logger()
	}
	if m.config.Context.IncludeCaller {
		l = l.With().Caller().Logger()
	}
	if m.config.Context.IncludeStackTrace != "" {
		l = l.With().Stack().Logger()
	}

	if m.config.Sampling.Enabled {
		l = l.Sample(&zerolog.BurstSampler{
			Burst:       m.config.Sampling.Initial,
			Period:      m.config.Sampling.Tick,
			NextSampler: &zerolog.BasicSampler{N: m.config.Sampling.Thereafter},
		})
	}

	return l
}

// GetLogger returns the logger for pkg, creating it on first use.
func (m *Manager) GetLogger(pkg string) zerolog.Logger {
	m.mu.RLock()
	if l, ok := m.packageLoggers[pkg]; ok {
		m.mu.RUnlock()
		return l
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	if l, ok := m.packageLoggers[pkg]; ok {
		return l
	}

	level := parseLevel(m.config.Level)
	if pkgLevel, ok := m.config.Levels[pkg]; ok {
		level = parseLevel(pkgLevel)
	}

	l := m.root.With().Str("pkg", pkg).Logger().Level(level)
	m.packageLoggers[pkg] = l
	return l
}

// SetPackageLevel changes the level of one package logger at runtime.
func (m *Manager) SetPackageLevel(pkg string, level string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.config.Levels == nil {
		m.config.Levels = make(map[string]string)
	}
	m.config.Levels[pkg] = level

	if l, ok := m.packageLoggers[pkg]; ok {
		m.packageLoggers[pkg] = l.Level(parseLevel(level))
	}
}

// Close closes all file writers
func (m *Manager) Close() error {
	for _, c := range m.closers {
		if err := c.Close(); err != nil {
			return err
		}
	}
	return nil
}

func parseLevel(level string) zerolog.Level {
	switch strings.ToUpper(level) {
	case "TRACE":
		return zerolog.TraceLevel
	case "DEBUG":
		return zerolog.DebugLevel
	case "INFO":
		return zerolog.InfoLevel
	case "WARN", "WARNING":
		return zerolog.WarnLevel
	case "ERROR":
		return zerolog.ErrorLevel
	case "FATAL":
		return zerolog.FatalLevel
	case "PANIC":
		return zerolog.PanicLevel
	default:
		return zerolog.InfoLevel
	}
}

var (
	globalManager *Manager
	globalMu      sync.RWMutex
)

// Initialize installs the global logger manager. Later calls are no-ops.
func Initialize(cfg *config.LogConfig) error {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalManager != nil {
		return nil
	}
	m, err := NewManager(cfg)
	if err != nil {
		return err
	}
	globalManager = m
	return nil
}

// GetLogger returns a logger for the specified package. Before Initialize it
// returns a discard logger so library use stays silent.
func GetLogger(pkg string) zerolog.Logger {
	globalMu.RLock()
	m := globalManager
	globalMu.RUnlock()
	if m == nil {
		return zerolog.Nop()
	}
	return m.GetLogger(pkg)
}

// CloseGlobal closes the global logger manager
func CloseGlobal() error {
	globalMu.RLock()
	defer globalMu.RUnlock()
	if globalManager != nil {
		return globalManager.Close()
	}
	return nil
}
