// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/noldarim/buildgate/internal/orchestrator/models"
)

// eventFlags describes the triggering event on the command line.
type eventFlags struct {
	file       string
	kind       string
	ref        string
	action     string
	draft      bool
	sha        string
	repository string
	number     int
}

func (f *eventFlags) register(fs *pflag.FlagSet) {
	fs.StringVarP(&f.file, "event", "e", "", "Read the event from a JSON or YAML file")
	fs.StringVar(&f.kind, "kind", string(models.EventKindPush), "Event kind: push or change_request")
	fs.StringVar(&f.ref, "ref", "", "Branch ref, e.g. refs/heads/main (short names are expanded for pushes)")
	fs.StringVar(&f.action, "action", "", "Change-request action: opened, synchronized, reopened, marked_ready, ...")
	fs.BoolVar(&f.draft, "draft", false, "Mark the change request as a draft")
	fs.StringVar(&f.sha, "sha", "", "Head commit to check out")
	fs.StringVar(&f.repository, "repo", "", "Repository to check out (defaults to pipeline.source_dir)")
	fs.IntVar(&f.number, "number", 0, "Change-request number")
}

// event builds the Event the flags describe. An event file wins over the
// individual flags.
func (f *eventFlags) event(now time.Time) (models.Event, error) {
	if f.file != "" {
		return loadEventFile(f.file)
	}
	if f.ref == "" {
		return models.Event{}, fmt.Errorf("--ref or --event is required")
	}

	ev := models.Event{
		Kind:       models.EventKind(f.kind),
		Ref:        f.ref,
		Action:     models.Action(f.action),
		Draft:      f.draft,
		Number:     f.number,
		HeadSHA:    f.sha,
		Repository: f.repository,
		ReceivedAt: now,
	}
	if ev.Kind == models.EventKindPush && !strings.HasPrefix(ev.Ref, "refs/") {
		ev.Ref = "refs/heads/" + ev.Ref
	}
	return ev, nil
}

// loadEventFile reads an Event from path. Files ending in .yaml or .yml are
// decoded as YAML, everything else as JSON.
func loadEventFile(path string) (models.Event, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return models.Event{}, fmt.Errorf("failed to read event file: %w", err)
	}

	var ev models.Event
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &ev)
	default:
		err = json.Unmarshal(data, &ev)
	}
	if err != nil {
		return models.Event{}, fmt.Errorf("failed to parse event file %s: %w", path, err)
	}
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = time.Now()
	}
	return ev, nil
}
