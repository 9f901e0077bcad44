// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package server provides the webhook receiver and the REST + WebSocket API.
// Handlers submit events to the RunService and every lifecycle event the
// runner publishes is fanned out to connected WebSocket clients.
package server

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/noldarim/buildgate/internal/logger"
	"github.com/noldarim/buildgate/internal/protocol"
)

var (
	log     *zerolog.Logger
	logOnce sync.Once
)

func getLog() *zerolog.Logger {
	logOnce.Do(func() {
		l := logger.GetAPILogger()
		log = &l
	})
	return log
}

// Sink receives lifecycle events from the broadcaster.
type Sink interface {
	Broadcast(event protocol.Event)
}

// EventBroadcaster drains the runner's event channel into a set of sinks.
// A sink that panics loses that one event; the others still receive it.
type EventBroadcaster struct {
	events <-chan protocol.Event
	sinks  []Sink

	dispatched atomic.Int64
}

func NewEventBroadcaster(events <-chan protocol.Event, sinks ...Sink) *EventBroadcaster {
	return &EventBroadcaster{events: events, sinks: sinks}
}

// Dispatched is the number of events read from the channel so far.
func (b *EventBroadcaster) Dispatched() int64 {
	return b.dispatched.Load()
}

// Run blocks until the channel is closed or ctx is done.
func (b *EventBroadcaster) Run(ctx context.Context) {
	for {
		select {
		case event, ok := <-b.events:
			if !ok {
				getLog().Info().Int64("dispatched", b.Dispatched()).Msg("Event channel closed, broadcaster stopped")
				return
			}
			b.dispatched.Add(1)
			for _, sink := range b.sinks {
				b.deliver(sink, event)
			}
		case <-ctx.Done():
			getLog().Info().Int64("dispatched", b.Dispatched()).Msg("Broadcaster stopped")
			return
		}
	}
}

func (b *EventBroadcaster) deliver(sink Sink, event protocol.Event) {
	defer func() {
		if r := recover(); r != nil {
			getLog().Error().
				Interface("panic", r).
				Str("event_type", protocol.TypeOf(event)).
				Str("run_id", event.GetMetadata().RunID).
				Msg("Event sink panicked")
		}
	}()
	sink.Broadcast(event)
}
