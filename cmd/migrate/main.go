// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/noldarim/buildgate/internal/config"
	"github.com/noldarim/buildgate/internal/orchestrator/database"
)

func main() {
	var (
		configPath string
		retain     time.Duration
	)
	fs := pflag.NewFlagSet("migrate", pflag.ContinueOnError)
	fs.StringVarP(&configPath, "config", "c", "", "Path to config file (default: search buildgate.yaml)")
	fs.DurationVar(&retain, "prune-older-than", 0, "After migrating, delete runs that started longer ago than this (e.g. 720h)")
	if err := fs.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return
		}
		os.Exit(2)
	}
	if configPath == "" && fs.NArg() > 0 {
		configPath = fs.Arg(0)
	}

	if err := migrate(configPath, retain); err != nil {
		fmt.Printf("✗ %v\n", err)
		os.Exit(1)
	}
}

func migrate(configPath string, retain time.Duration) error {
	cfg, err := config.NewConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	db, err := database.NewGormDB(&cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	fmt.Printf("▸ Migrating run archive %s (%s)\n", cfg.Database.Database, cfg.Database.Driver)
	if err := db.AutoMigrate(); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	if err := db.ValidateSchema(); err != nil {
		return fmt.Errorf("schema validation failed after migration: %w", err)
	}
	fmt.Println("✓ Schema is current")

	if retain <= 0 {
		return nil
	}
	cutoff := time.Now().Add(-retain)
	pruned, err := db.PruneRuns(context.Background(), cutoff)
	if err != nil {
		return err
	}
	fmt.Printf("✓ Pruned %d run(s) started before %s\n", pruned, cutoff.Format(time.RFC3339))
	return nil
}
