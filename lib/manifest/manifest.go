// Copyright (C) 2026 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package manifest describes files as ordered sequences of content
// addressed blocks, optionally packed into larger macro blocks.
package manifest

import (
	"errors"
	"fmt"
	"sort"

	"github.com/syncthing/unsync/lib/protocol"
)

var (
	ErrUnsortedMacroBlocks = errors.New("macro blocks not sorted by offset")
	ErrOverlappingMacro    = errors.New("macro blocks overlap")
	ErrBlockOutsideMacro   = errors.New("block not contained in any macro block")
	ErrBlockOutOfRange     = errors.New("block extends past end of file")
	ErrBlockTooLarge       = errors.New("block exceeds maximum block size")
)

type Block struct {
	Hash   protocol.Hash128 `json:"hash"`
	Offset uint64           `json:"offset"`
	Size   uint64           `json:"size"`
}

func (b Block) End() uint64 {
	return b.Offset + b.Size
}

func (b Block) String() string {
	return fmt.Sprintf("Block{%d/%d/%s}", b.Offset, b.Size, b.Hash.Short())
}

// A MacroBlock is a larger container holding one or more blocks
// contiguously. Offset and Size are the base offset and total size of the
// container within the file.
type MacroBlock struct {
	Hash   protocol.Hash128 `json:"hash"`
	Offset uint64           `json:"offset"`
	Size   uint64           `json:"size"`
}

func (m MacroBlock) End() uint64 {
	return m.Offset + m.Size
}

func (m MacroBlock) Contains(b Block) bool {
	return b.Offset >= m.Offset && b.End() <= m.End()
}

// FileManifest is the block list of one file. MacroBlocks, when present,
// are sorted by ascending offset and do not overlap.
type FileManifest struct {
	Path        string                 `json:"path"`
	Size        uint64                 `json:"size"`
	Algorithm   protocol.HashAlgorithm `json:"algorithm"`
	Blocks      []Block                `json:"blocks"`
	MacroBlocks []MacroBlock           `json:"macroBlocks,omitempty"`
}

func (m *FileManifest) HasMacroBlocks() bool {
	return len(m.MacroBlocks) > 0
}

// FindMacroBlock returns the index of the macro block covering offset. The
// search runs over macro block end offsets and relies on MacroBlocks being
// sorted.
func (m *FileManifest) FindMacroBlock(offset uint64) (int, bool) {
	i := sort.Search(len(m.MacroBlocks), func(i int) bool {
		return m.MacroBlocks[i].End() > offset
	})
	if i == len(m.MacroBlocks) || m.MacroBlocks[i].Offset > offset {
		return -1, false
	}
	return i, true
}

// ValidateMacroBlocks checks the ordering invariant of the macro block list.
func (m *FileManifest) ValidateMacroBlocks() error {
	for i := 1; i < len(m.MacroBlocks); i++ {
		prev, cur := m.MacroBlocks[i-1], m.MacroBlocks[i]
		if cur.Offset < prev.Offset {
			return fmt.Errorf("%w: %s: macro block %d at %d follows %d", ErrUnsortedMacroBlocks, m.Path, i, cur.Offset, prev.Offset)
		}
		if cur.Offset < prev.End() {
			return fmt.Errorf("%w: %s: macro block %d at %d starts before %d", ErrOverlappingMacro, m.Path, i, cur.Offset, prev.End())
		}
	}
	return nil
}

// Validate checks the complete manifest: block ranges within the file
// size, macro block ordering, and containment of every block in exactly
// one macro block.
func (m *FileManifest) Validate() error {
	if !m.Algorithm.Valid() {
		return fmt.Errorf("%s: unknown hash algorithm %d", m.Path, m.Algorithm)
	}
	for _, b := range m.Blocks {
		if b.Size > MaxBlockSize {
			return fmt.Errorf("%w: %s: %v", ErrBlockTooLarge, m.Path, b)
		}
		if !inRange(b.Offset, b.Size, m.Size) {
			return fmt.Errorf("%w: %s: %v, file size %d", ErrBlockOutOfRange, m.Path, b, m.Size)
		}
	}
	if !m.HasMacroBlocks() {
		return nil
	}
	for i, mb := range m.MacroBlocks {
		if !inRange(mb.Offset, mb.Size, m.Size) {
			return fmt.Errorf("%w: %s: macro block %d at %d size %d, file size %d", ErrBlockOutOfRange, m.Path, i, mb.Offset, mb.Size, m.Size)
		}
	}
	if err := m.ValidateMacroBlocks(); err != nil {
		return err
	}
	for _, b := range m.Blocks {
		i, ok := m.FindMacroBlock(b.Offset)
		if !ok || !m.MacroBlocks[i].Contains(b) {
			return fmt.Errorf("%w: %s: %v", ErrBlockOutsideMacro, m.Path, b)
		}
	}
	return nil
}

// inRange reports whether [offset, offset+size) lies within a file of the
// given size, without overflowing.
func inRange(offset, size, fileSize uint64) bool {
	return size <= fileSize && offset <= fileSize-size
}
