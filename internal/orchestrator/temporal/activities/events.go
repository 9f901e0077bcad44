// Copyright (C) 2025-2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package activities

import (
	"context"
	"fmt"
	"time"

	"go.temporal.io/sdk/activity"

	"github.com/noldarim/buildgate/internal/orchestrator/temporal/types"
	"github.com/noldarim/buildgate/internal/protocol"
)

const publishTimeout = 5 * time.Second

// EventActivities forwards job and cell lifecycle events raised inside the
// pipeline workflow to the process-local event channel.
type EventActivities struct {
	eventChan chan<- protocol.Event
}

// NewEventActivities creates a new instance
func NewEventActivities(eventChan chan<- protocol.Event) *EventActivities {
	return &EventActivities{
		eventChan: eventChan,
	}
}

// PublishJobEventActivity publishes a job lifecycle event
func (a *EventActivities) PublishJobEventActivity(ctx context.Context, input types.PublishJobEventInput) error {
	return a.publish(ctx, input.Event, string(input.Event.Type))
}

// PublishCellEventActivity publishes a cell lifecycle event
func (a *EventActivities) PublishCellEventActivity(ctx context.Context, input types.PublishCellEventInput) error {
	return a.publish(ctx, input.Event, string(input.Event.Type))
}

// publish is the shared implementation for all event publishing
func (a *EventActivities) publish(ctx context.Context, event protocol.Event, eventType string) error {
	if a.eventChan == nil {
		return nil
	}
	logger := activity.GetLogger(ctx)

	select {
	case a.eventChan <- event:
		logger.Debug("Published event", "type", eventType, "idempotencyKey", event.GetMetadata().IdempotencyKey)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(publishTimeout):
		logger.Warn("Event publish timeout - channel may be full", "type", eventType)
		return fmt.Errorf("timeout publishing %s event after %s", eventType, publishTimeout)
	}
}
