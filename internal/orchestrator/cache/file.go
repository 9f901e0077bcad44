// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package cache

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"
)

// entry is the on-disk envelope of one cached payload.
type entry struct {
	Key       string    `cbor:"1,keyasint"`
	Size      int       `cbor:"2,keyasint"`
	CreatedAt time.Time `cbor:"3,keyasint"`
	Data      []byte    `cbor:"4,keyasint"` // zstd frame
}

// maxEntrySize caps the decompressed size of one cached payload.
const maxEntrySize = 1 << 30

// Encoder and decoder are safe for concurrent use and expensive to build.
var (
	encMode     cbor.EncMode
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("cache: CBOR encoder initialization failed: " + err.Error())
	}
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("cache: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxEntrySize))
	if err != nil {
		panic("cache: zstd decoder initialization failed: " + err.Error())
	}
}

// FileStore keeps one compressed file per key under a directory. Writes go
// to a temporary file that is renamed into place, so readers never see a
// partial entry and concurrent writers simply race to the last rename.
type FileStore struct {
	dir string
	now func() time.Time
}

// NewFileStore creates dir if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	return &FileStore{dir: dir, now: time.Now}, nil
}

func (f *FileStore) path(key string) string {
	sum := blake3.Sum256([]byte(key))
	return filepath.Join(f.dir, hex.EncodeToString(sum[:16])+".entry")
}

func (f *FileStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	raw, err := os.ReadFile(f.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var e entry
	if err := cbor.Unmarshal(raw, &e); err != nil {
		return nil, false, fmt.Errorf("corrupt cache entry: %w", err)
	}
	// Hash collisions on the file name are treated as a miss.
	if e.Key != key {
		return nil, false, nil
	}

	if e.Size < 0 || e.Size > maxEntrySize {
		return nil, false, fmt.Errorf("corrupt cache entry: size %d out of range", e.Size)
	}

	payload, err := zstdDecoder.DecodeAll(e.Data, nil)
	if err != nil {
		return nil, false, fmt.Errorf("zstd decompress: %w", err)
	}
	if len(payload) != e.Size {
		return nil, false, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(payload), e.Size)
	}
	return payload, true, nil
}

func (f *FileStore) Put(ctx context.Context, key string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := encMode.Marshal(entry{
		Key:       key,
		Size:      len(payload),
		CreatedAt: f.now().UTC(),
		Data:      zstdEncoder.EncodeAll(payload, nil),
	})
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}

	tmp, err := os.CreateTemp(f.dir, ".put-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), f.path(key))
}
