// Copyright (C) 2026 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package manifest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/syncthing/unsync/lib/protocol"
)

const (
	DefaultBlockSize = 128 << protocol.KiB
	// MaxBlockSize keeps every block response within the wire limits.
	MaxBlockSize = 16 << protocol.MiB
)

type BuildOptions struct {
	Algorithm protocol.HashAlgorithm
	BlockSize int
	// MacroBlockSize, when non zero, packs consecutive blocks into macro
	// blocks of up to this many bytes. It is rounded down to a multiple of
	// BlockSize.
	MacroBlockSize int
}

// Build splits r into fixed size blocks. It exists for tooling and tests;
// production manifests come from the content defined chunker upstream.
func Build(ctx context.Context, path string, r io.Reader, opts BuildOptions) (*FileManifest, error) {
	if !opts.Algorithm.Valid() {
		return nil, fmt.Errorf("unknown hash algorithm %d", opts.Algorithm)
	}
	if opts.BlockSize <= 0 {
		opts.BlockSize = DefaultBlockSize
	}
	if opts.BlockSize > MaxBlockSize {
		return nil, fmt.Errorf("block size %d exceeds maximum %d", opts.BlockSize, MaxBlockSize)
	}

	m := &FileManifest{
		Path:      path,
		Algorithm: opts.Algorithm,
	}

	var macroBuf []byte
	blocksPerMacro := 0
	if opts.MacroBlockSize >= opts.BlockSize {
		blocksPerMacro = opts.MacroBlockSize / opts.BlockSize
		macroBuf = make([]byte, 0, blocksPerMacro*opts.BlockSize)
	}
	flushMacro := func() {
		if len(macroBuf) == 0 {
			return
		}
		m.MacroBlocks = append(m.MacroBlocks, MacroBlock{
			Hash:   opts.Algorithm.Sum(macroBuf),
			Offset: m.Size - uint64(len(macroBuf)),
			Size:   uint64(len(macroBuf)),
		})
		macroBuf = macroBuf[:0]
	}

	buf := make([]byte, opts.BlockSize)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			m.Blocks = append(m.Blocks, Block{
				Hash:   opts.Algorithm.Sum(buf[:n]),
				Offset: m.Size,
				Size:   uint64(n),
			})
			m.Size += uint64(n)
			if blocksPerMacro > 0 {
				macroBuf = append(macroBuf, buf[:n]...)
				if len(macroBuf) == cap(macroBuf) {
					flushMacro()
				}
			}
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
	}
	flushMacro()

	l.Debugf("built manifest for %s: %d blocks, %d macro blocks, %d bytes", path, len(m.Blocks), len(m.MacroBlocks), m.Size)
	return m, nil
}

// BuildFile builds the manifest of a file on disk, recording name as its
// path.
func BuildFile(ctx context.Context, name, fsPath string, opts BuildOptions) (*FileManifest, error) {
	fd, err := os.Open(fsPath)
	if err != nil {
		return nil, err
	}
	defer fd.Close()
	return Build(ctx, name, fd, opts)
}

func Load(path string) (*FileManifest, error) {
	bs, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m FileManifest
	if err := json.Unmarshal(bs, &m); err != nil {
		return nil, fmt.Errorf("parsing manifest %s: %w", path, err)
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("manifest %s: %w", path, err)
	}
	return &m, nil
}

func (m *FileManifest) Save(path string) error {
	bs, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, bs, 0o644)
}
