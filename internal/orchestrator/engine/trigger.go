// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package engine

import (
	"fmt"

	"github.com/noldarim/buildgate/internal/orchestrator/models"
	"github.com/samber/lo"
)

// TriggerPolicy holds the branches whose pushes start a run.
type TriggerPolicy struct {
	WatchedBranches []string
}

// Decision is the trigger evaluator's answer for one event.
type Decision struct {
	Eligible bool
	Reason   string
}

// Err returns nil for an eligible decision and an ErrTriggerIneligible
// wrapping the reason otherwise.
func (d Decision) Err() error {
	if d.Eligible {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrTriggerIneligible, d.Reason)
}

var changeRequestActions = []models.Action{
	models.ActionOpened,
	models.ActionSynchronized,
	models.ActionReopened,
	models.ActionMarkedReady,
}

// EvaluateTrigger decides whether an event starts a run. It has no side
// effects and reads nothing but its arguments.
func EvaluateTrigger(event models.Event, policy TriggerPolicy) (Decision, error) {
	switch event.Kind {
	case models.EventKindPush:
		branch := event.Branch()
		if lo.Contains(policy.WatchedBranches, branch) {
			return Decision{Eligible: true, Reason: fmt.Sprintf("push to watched branch %s", branch)}, nil
		}
		return Decision{Reason: fmt.Sprintf("push to unwatched branch %s", branch)}, nil

	case models.EventKindChangeRequest:
		if !lo.Contains(changeRequestActions, event.Action) {
			return Decision{Reason: fmt.Sprintf("change request action %q does not trigger a run", event.Action)}, nil
		}
		// marked_ready is the draft-to-ready transition itself, so the
		// recorded draft flag may still be stale.
		if event.Action == models.ActionMarkedReady {
			return Decision{Eligible: true, Reason: "change request marked ready for review"}, nil
		}
		if event.Draft {
			return Decision{Reason: fmt.Sprintf("change request %s while in draft", event.Action)}, nil
		}
		return Decision{Eligible: true, Reason: fmt.Sprintf("change request %s", event.Action)}, nil

	default:
		return Decision{}, fmt.Errorf("%w: %q", ErrUnknownEventKind, event.Kind)
	}
}
