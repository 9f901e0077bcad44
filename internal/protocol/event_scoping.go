// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package protocol

// GetRunID, GetJob and GetCell let subscribers match events without an
// exhaustive type switch.

func (e RunLifecycleEvent) GetRunID() string  { return e.RunID }
func (e JobLifecycleEvent) GetRunID() string  { return e.RunID }
func (e JobLifecycleEvent) GetJob() string    { return e.Job }
func (e CellLifecycleEvent) GetRunID() string { return e.RunID }
func (e CellLifecycleEvent) GetJob() string   { return e.Job }
func (e CellLifecycleEvent) GetCell() string  { return e.Cell }
func (e ErrorEvent) GetRunID() string         { return e.RunID }
