// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateContainerLabels(t *testing.T) {
	assert.NoError(t, ValidateContainerLabels(map[string]string{
		"io.buildgate.run":  "0b7d",
		"io.buildgate.cell": "platform=platform-A,toolchain=stable",
	}))

	err := ValidateContainerLabels(map[string]string{"Bad Key": "x"})
	assert.ErrorContains(t, err, "label key 'Bad Key'")

	err = ValidateContainerLabels(map[string]string{"io.buildgate.job": "a\nb"})
	assert.ErrorContains(t, err, "newline")
}

func TestValidateEnvironment(t *testing.T) {
	assert.NoError(t, ValidateEnvironment(map[string]string{"OPENSSL_NO_VENDOR": "1", "_x": ""}))
	assert.ErrorContains(t, ValidateEnvironment(map[string]string{"1BAD": "x"}), "environment variable '1BAD'")

	err := ValidateEnvironment(map[string]string{"A-B": "x", "C D": "y"})
	var errs ValidationErrors
	assert.ErrorAs(t, err, &errs)
	assert.Len(t, errs, 2)
}

func TestSanitizeContainerName(t *testing.T) {
	assert.Equal(t, "bg-run1-build_and_test-platform-platform-A-toolchain-stable",
		SanitizeContainerName("bg-run1-build_and_test-platform=platform-A,toolchain=stable"))
	assert.Equal(t, "c-x", SanitizeContainerName("x"))
}
