// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package models

import (
	"strings"
	"time"
)

// EventKind identifies what happened at the forge.
type EventKind string

const (
	EventKindPush          EventKind = "push"
	EventKindChangeRequest EventKind = "change_request"
)

// Action is the change-request lifecycle transition carried by a
// change_request event. Push events have no action.
type Action string

const (
	ActionOpened       Action = "opened"
	ActionSynchronized Action = "synchronized"
	ActionReopened     Action = "reopened"
	ActionMarkedReady  Action = "marked_ready"
	ActionClosed       Action = "closed"
	ActionEdited       Action = "edited"
)

// Event is a trigger received from the forge. It is never modified after
// construction; the engine only reads it.
type Event struct {
	Kind       EventKind `json:"kind" yaml:"kind"`
	Ref        string    `json:"ref" yaml:"ref"`
	Action     Action    `json:"action,omitempty" yaml:"action,omitempty"`
	Draft      bool      `json:"draft" yaml:"draft"`
	Number     int       `json:"number,omitempty" yaml:"number,omitempty"`
	HeadSHA    string    `json:"head_sha,omitempty" yaml:"head_sha,omitempty"`
	Repository string    `json:"repository,omitempty" yaml:"repository,omitempty"`
	DeliveryID string    `json:"delivery_id,omitempty" yaml:"delivery_id,omitempty"`
	ReceivedAt time.Time `json:"received_at" yaml:"received_at"`
}

// Branch returns the short branch name of Ref ("refs/heads/main" -> "main").
func (e Event) Branch() string {
	return strings.TrimPrefix(e.Ref, "refs/heads/")
}

// CheckoutRef is the revision a cell should fetch: the head commit when
// known, otherwise the ref itself.
func (e Event) CheckoutRef() string {
	if e.HeadSHA != "" {
		return e.HeadSHA
	}
	return e.Ref
}
