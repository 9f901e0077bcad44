// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package protocol

// CurrentProtocolVersion is bumped on breaking changes to event payloads.
const CurrentProtocolVersion = "v1.0.0"

// Metadata is carried by every lifecycle event.
type Metadata struct {
	RunID string `json:"run_id"`
	// IdempotencyKey is stable across re-emission, e.g. when a workflow
	// task is replayed, so consumers can drop duplicates.
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	Version        string `json:"version"`
}

// Event is anything a runner publishes on its event channel.
type Event interface {
	GetMetadata() Metadata
}

// NewMetadata stamps an event of a run with the current protocol version.
// The idempotency key is the run ID joined with keyParts.
func NewMetadata(runID string, keyParts ...string) Metadata {
	key := runID
	for _, p := range keyParts {
		key += ":" + p
	}
	return Metadata{RunID: runID, IdempotencyKey: key, Version: CurrentProtocolVersion}
}
