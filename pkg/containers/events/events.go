// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// EventType defines the type of container event
type EventType string

const (
	ContainerCreated EventType = "container.created"
	ContainerStarted EventType = "container.started"
	ContainerDeleted EventType = "container.deleted"
	ContainerFailed  EventType = "container.failed"
)

// Event is a container lifecycle event.
type Event struct {
	Type        EventType         `json:"type"`
	ContainerID string            `json:"container_id,omitempty"`
	Name        string            `json:"name"`
	Image       string            `json:"image,omitempty"`
	Operation   string            `json:"operation,omitempty"`
	Error       string            `json:"error,omitempty"`
	Labels      map[string]string `json:"labels,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
}

// Publisher receives container events. Implementations must not block.
type Publisher interface {
	Publish(event Event)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(Event)

func (f PublisherFunc) Publish(e Event) { f(e) }

// LogPublisher writes every event to a zerolog logger.
type LogPublisher struct {
	Logger zerolog.Logger
}

func (p LogPublisher) Publish(e Event) {
	ev := p.Logger.Debug()
	if e.Type == ContainerFailed {
		ev = p.Logger.Warn().Str("operation", e.Operation).Str("error", e.Error)
	}
	ev.Str("event", string(e.Type)).
		Str("container_id", e.ContainerID).
		Str("name", e.Name).
		Msg("Container event")
}

// Fanout publishes to several publishers in order.
type Fanout []Publisher

func (f Fanout) Publish(e Event) {
	for _, p := range f {
		if p != nil {
			p.Publish(e)
		}
	}
}

// Recorder keeps every published event; used by tests and diagnostics.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Types returns the recorded event types in order.
func (r *Recorder) Types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventType, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}
