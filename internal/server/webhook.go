// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/noldarim/buildgate/internal/orchestrator/models"
)

const (
	EventHeader    = "X-GitHub-Event"
	DeliveryHeader = "X-GitHub-Delivery"
)

// errIgnoredEvent marks deliveries that carry nothing to evaluate, e.g. a
// ping or a branch deletion.
var errIgnoredEvent = errors.New("event ignored")

type repositoryPayload struct {
	CloneURL string `json:"clone_url"`
	FullName string `json:"full_name"`
}

type pushPayload struct {
	Ref        string            `json:"ref"`
	After      string            `json:"after"`
	Deleted    bool              `json:"deleted"`
	Repository repositoryPayload `json:"repository"`
}

type pullRequestPayload struct {
	Action      string `json:"action"`
	Number      int    `json:"number"`
	PullRequest struct {
		Draft bool `json:"draft"`
		Head  struct {
			Ref  string             `json:"ref"`
			SHA  string             `json:"sha"`
			Repo *repositoryPayload `json:"repo"`
		} `json:"head"`
	} `json:"pull_request"`
	Repository repositoryPayload `json:"repository"`
}

// pullRequestActions maps forge action names onto change-request actions.
// Anything else passes through unchanged and the trigger evaluator decides.
var pullRequestActions = map[string]models.Action{
	"opened":           models.ActionOpened,
	"synchronize":      models.ActionSynchronized,
	"reopened":         models.ActionReopened,
	"ready_for_review": models.ActionMarkedReady,
	"closed":           models.ActionClosed,
	"edited":           models.ActionEdited,
}

// TranslateWebhook turns a forge delivery into an Event. eventType is the
// X-GitHub-Event header and delivery the X-GitHub-Delivery header.
func TranslateWebhook(eventType, delivery string, body []byte, receivedAt time.Time) (models.Event, error) {
	switch eventType {
	case "push":
		var p pushPayload
		if err := json.Unmarshal(body, &p); err != nil {
			return models.Event{}, fmt.Errorf("invalid push payload: %w", err)
		}
		if p.Deleted {
			return models.Event{}, fmt.Errorf("%w: deletion of %s", errIgnoredEvent, p.Ref)
		}
		if !strings.HasPrefix(p.Ref, "refs/heads/") {
			return models.Event{}, fmt.Errorf("%w: push to %s is not a branch", errIgnoredEvent, p.Ref)
		}
		return models.Event{
			Kind:       models.EventKindPush,
			Ref:        p.Ref,
			HeadSHA:    p.After,
			Repository: p.Repository.CloneURL,
			DeliveryID: delivery,
			ReceivedAt: receivedAt,
		}, nil

	case "pull_request":
		var p pullRequestPayload
		if err := json.Unmarshal(body, &p); err != nil {
			return models.Event{}, fmt.Errorf("invalid pull_request payload: %w", err)
		}
		action, ok := pullRequestActions[p.Action]
		if !ok {
			action = models.Action(p.Action)
		}
		repo := p.Repository.CloneURL
		if p.PullRequest.Head.Repo != nil && p.PullRequest.Head.Repo.CloneURL != "" {
			repo = p.PullRequest.Head.Repo.CloneURL
		}
		return models.Event{
			Kind:       models.EventKindChangeRequest,
			Ref:        p.PullRequest.Head.Ref,
			Action:     action,
			Draft:      p.PullRequest.Draft,
			Number:     p.Number,
			HeadSHA:    p.PullRequest.Head.SHA,
			Repository: repo,
			DeliveryID: delivery,
			ReceivedAt: receivedAt,
		}, nil

	case "ping":
		return models.Event{}, fmt.Errorf("%w: ping", errIgnoredEvent)

	default:
		return models.Event{}, fmt.Errorf("%w: unsupported event type %q", errIgnoredEvent, eventType)
	}
}
