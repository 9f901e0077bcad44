// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package engine

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnknownEventKind is returned for events the trigger evaluator cannot classify.
	ErrUnknownEventKind = errors.New("unknown event kind")
	// ErrTriggerIneligible marks an event that does not start a run.
	ErrTriggerIneligible = errors.New("trigger not eligible")
	// ErrInvalidTransition is returned when the scheduler is told about a job
	// completion it did not dispatch.
	ErrInvalidTransition = errors.New("invalid job state transition")
)

// ConfigurationError reports a malformed pipeline: an unknown dependency, a
// cycle, an empty matrix dimension and so on. It is fatal before dispatch.
type ConfigurationError struct {
	Pipeline string
	Issues   []string
}

func (e *ConfigurationError) Error() string {
	prefix := "invalid pipeline configuration"
	if e.Pipeline != "" {
		prefix = fmt.Sprintf("invalid pipeline configuration %q", e.Pipeline)
	}
	if len(e.Issues) == 1 {
		return prefix + ": " + e.Issues[0]
	}
	return prefix + ":\n  - " + strings.Join(e.Issues, "\n  - ")
}

// IsConfigurationError reports whether err is, or wraps, a ConfigurationError.
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}
