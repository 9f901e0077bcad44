// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package logger

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.temporal.io/sdk/log"
)

// TemporalLogAdapter lets the Temporal SDK log through zerolog.
type TemporalLogAdapter struct {
	logger zerolog.Logger
}

var _ log.Logger = (*TemporalLogAdapter)(nil)

// NewTemporalLogAdapter wraps l as a Temporal logger.
func NewTemporalLogAdapter(l zerolog.Logger) log.Logger {
	return &TemporalLogAdapter{logger: l}
}

func (t *TemporalLogAdapter) Debug(msg string, keyvals ...interface{}) {
	withFields(t.logger.Debug(), keyvals).Msg(msg)
}

func (t *TemporalLogAdapter) Info(msg string, keyvals ...interface{}) {
	withFields(t.logger.Info(), keyvals).Msg(msg)
}

func (t *TemporalLogAdapter) Warn(msg string, keyvals ...interface{}) {
	withFields(t.logger.Warn(), keyvals).Msg(msg)
}

func (t *TemporalLogAdapter) Error(msg string, keyvals ...interface{}) {
	withFields(t.logger.Error(), keyvals).Msg(msg)
}

// With returns a child adapter carrying keyvals on every entry.
func (t *TemporalLogAdapter) With(keyvals ...interface{}) log.Logger {
	ctx := t.logger.With()
	for i := 0; i+1 < len(keyvals); i += 2 {
		ctx = ctx.Interface(fmt.Sprint(keyvals[i]), keyvals[i+1])
	}
	return &TemporalLogAdapter{logger: ctx.Logger()}
}

// withFields appends alternating key/value pairs; a trailing key without a
// value is dropped.
func withFields(event *zerolog.Event, keyvals []interface{}) *zerolog.Event {
	for i := 0; i+1 < len(keyvals); i += 2 {
		key := fmt.Sprint(keyvals[i])
		switch v := keyvals[i+1].(type) {
		case string:
			event = event.Str(key, v)
		case int:
			event = event.Int(key, v)
		case int64:
			event = event.Int64(key, v)
		case bool:
			event = event.Bool(key, v)
		case time.Duration:
			event = event.Dur(key, v)
		case error:
			event = event.AnErr(key, v)
		case fmt.Stringer:
			event = event.Stringer(key, v)
		default:
			event = event.Interface(key, v)
		}
	}
	return event
}

// GetTemporalLogAdapter returns a Temporal logger for the given package.
func GetTemporalLogAdapter(pkg string) log.Logger {
	return NewTemporalLogAdapter(GetLogger(pkg))
}
