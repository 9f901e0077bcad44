// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cache is the best-effort dependency cache shared by all cells.
// Nothing in a run's outcome depends on it: a failed restore is a miss and a
// failed save is only logged.
package cache

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/noldarim/buildgate/internal/config"
	"github.com/noldarim/buildgate/internal/logger"
	"github.com/rs/zerolog"
	"github.com/zeebo/blake3"
)

var (
	log     *zerolog.Logger
	logOnce sync.Once
)

func getLog() *zerolog.Logger {
	logOnce.Do(func() {
		l := logger.GetCacheLogger()
		log = &l
	})
	return log
}

// ErrUnavailable wraps every store failure surfaced by the Facade.
var ErrUnavailable = errors.New("cache unavailable")

// Store is a key/value blob store. Concurrent Puts to the same key may race;
// the last writer wins.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, payload []byte) error
}

// Facade is the cache as seen by the step executor.
type Facade struct {
	store Store
}

// NewFacade wraps a store.
func NewFacade(store Store) *Facade {
	return &Facade{store: store}
}

// New builds the facade for the configured backend.
func New(cfg config.CacheConfig) (*Facade, error) {
	switch cfg.Backend {
	case "memory":
		return NewFacade(NewMemoryStore()), nil
	case "file":
		fs, err := NewFileStore(cfg.Dir)
		if err != nil {
			return nil, err
		}
		return NewFacade(fs), nil
	case "none", "":
		return NewFacade(NopStore{}), nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
	}
}

// Restore looks a key up. A store error is logged and reported as a miss
// together with an ErrUnavailable so the caller can record a warning.
func (f *Facade) Restore(ctx context.Context, key string) ([]byte, bool, error) {
	payload, hit, err := f.store.Get(ctx, key)
	if err != nil {
		getLog().Warn().Err(err).Str("key", key).Msg("Cache restore failed, treating as miss")
		return nil, false, fmt.Errorf("%w: restore %s: %v", ErrUnavailable, key, err)
	}
	getLog().Debug().Str("key", key).Bool("hit", hit).Int("bytes", len(payload)).Msg("Cache restore")
	return payload, hit, nil
}

// Save stores a payload under key. Failures are logged and returned wrapped
// in ErrUnavailable; they never fail a cell.
func (f *Facade) Save(ctx context.Context, key string, payload []byte) error {
	if err := f.store.Put(ctx, key, payload); err != nil {
		getLog().Warn().Err(err).Str("key", key).Msg("Cache save failed")
		return fmt.Errorf("%w: save %s: %v", ErrUnavailable, key, err)
	}
	getLog().Debug().Str("key", key).Int("bytes", len(payload)).Msg("Cache saved")
	return nil
}

// DeriveKey builds the cache key for a toolchain and a dependency manifest.
// Any manifest change produces a new key.
func DeriveKey(prefix, toolchain string, manifest []byte) string {
	sum := blake3.Sum256(manifest)
	return fmt.Sprintf("%s-%s-%s", prefix, toolchain, hex.EncodeToString(sum[:8]))
}

// NopStore never hits and discards every save.
type NopStore struct{}

func (NopStore) Get(context.Context, string) ([]byte, bool, error) { return nil, false, nil }

func (NopStore) Put(context.Context, string, []byte) error { return nil }
