// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package validation

import (
	"fmt"
	"regexp"
	"strings"
)

// Docker label keys follow reverse-DNS notation.
var validLabelKeyRegex = regexp.MustCompile(`^[a-z0-9]([a-z0-9\-\.]*[a-z0-9])?$`)

var validEnvVarNameRegex = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Container names: docker allows [a-zA-Z0-9][a-zA-Z0-9_.-]+
var validContainerNameRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]+$`)

// ValidationError represents a validation error
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for %s: %s", e.Field, e.Message)
}

// ValidationErrors represents multiple validation errors
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	switch len(e) {
	case 0:
		return "no validation errors"
	case 1:
		return e[0].Error()
	}
	messages := make([]string, len(e))
	for i, err := range e {
		messages[i] = err.Error()
	}
	return fmt.Sprintf("multiple validation errors: %s", strings.Join(messages, "; "))
}

// ValidateContainerLabels checks label keys and values.
func ValidateContainerLabels(labels map[string]string) error {
	var errs ValidationErrors
	for key, value := range labels {
		if !validLabelKeyRegex.MatchString(key) {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("label key '%s'", key),
				Message: "must be lowercase letters, digits, dots and hyphens",
			})
			continue
		}
		if err := validateStringValue(value, fmt.Sprintf("label value for key '%s'", key)); err != nil {
			errs = append(errs, *err)
		}
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}

// ValidateEnvironment checks environment variable names and values.
func ValidateEnvironment(env map[string]string) error {
	var errs ValidationErrors
	for key, value := range env {
		if !validEnvVarNameRegex.MatchString(key) {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("environment variable '%s'", key),
				Message: "name must start with a letter or underscore and contain only letters, digits and underscores",
			})
			continue
		}
		if err := validateStringValue(value, fmt.Sprintf("environment variable '%s'", key)); err != nil {
			errs = append(errs, *err)
		}
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}

// SanitizeContainerName maps an arbitrary string onto docker's container
// name alphabet.
func SanitizeContainerName(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '.', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	out := strings.Trim(b.String(), "-.")
	if !validContainerNameRegex.MatchString(out) {
		out = "c-" + out
	}
	return out
}

func validateStringValue(value, field string) *ValidationError {
	if strings.ContainsAny(value, "\x00\n\r") {
		return &ValidationError{Field: field, Message: "must not contain NUL or newline characters"}
	}
	if len(value) > 4096 {
		return &ValidationError{Field: field, Message: "exceeds 4096 characters"}
	}
	return nil
}
