// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package pipelines

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/noldarim/buildgate/internal/config"
	"github.com/noldarim/buildgate/internal/orchestrator/engine"
	"github.com/noldarim/buildgate/internal/orchestrator/models"
)

// Parse decodes a YAML pipeline definition and validates it as a job graph.
// Unknown fields are rejected.
func Parse(data []byte) (models.Pipeline, error) {
	var p models.Pipeline
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		return models.Pipeline{}, fmt.Errorf("decode pipeline: %w", err)
	}
	if _, err := engine.NewGraph(p); err != nil {
		return p, err
	}
	return p, nil
}

// LoadFile reads and validates a pipeline file.
func LoadFile(path string) (models.Pipeline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return models.Pipeline{}, fmt.Errorf("read pipeline file: %w", err)
	}
	p, err := Parse(data)
	if err != nil {
		return p, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

// Resolve returns the configured pipeline file, or the canonical pipeline
// when none is configured.
func Resolve(cfg config.PipelineConfig) (models.Pipeline, error) {
	if cfg.File == "" {
		return Canonical(cfg), nil
	}
	return LoadFile(cfg.File)
}

// Marshal renders a pipeline as YAML.
func Marshal(p models.Pipeline) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(p); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
