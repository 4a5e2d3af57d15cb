// Copyright (C) 2026 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package blockindex resolves content hashes to the wire requests that
// fetch them.
//
// An Index performs no locking. It is built and read under a lock owned
// by its user; see unsync.Pool.
package blockindex

import (
	"fmt"

	"github.com/syncthing/unsync/lib/manifest"
	"github.com/syncthing/unsync/lib/protocol"
)

type Index struct {
	algo     protocol.HashAlgorithm
	requests map[protocol.Hash128]protocol.BlockRequest
	macros   map[protocol.Hash128]protocol.MacroBlockRequest
	fileIdx  map[protocol.Hash128]int // file name hash => position in files
	files    []string
}

func New(algo protocol.HashAlgorithm) *Index {
	return &Index{
		algo:     algo,
		requests: make(map[protocol.Hash128]protocol.BlockRequest),
		macros:   make(map[protocol.Hash128]protocol.MacroBlockRequest),
		fileIdx:  make(map[protocol.Hash128]int),
	}
}

// Algorithm is the strong hash algorithm of the indexed blocks.
func (idx *Index) Algorithm() protocol.HashAlgorithm {
	return idx.algo
}

// AddFileBlocks registers every block of m as available from the file at
// originalPath. The resolved path, when it differs, is registered as an
// alias of the same file name entry. Blocks already known are overwritten.
//
// A manifest whose macro blocks are unsorted, overlap, or fail to cover a
// block is corrupt; AddFileBlocks panics on it.
func (idx *Index) AddFileBlocks(originalPath, resolvedPath string, m *manifest.FileManifest) {
	if m.Algorithm != idx.algo {
		panic(fmt.Sprintf("bug: manifest %s uses %v, index uses %v", m.Path, m.Algorithm, idx.algo))
	}

	fileHash := protocol.HashString(originalPath)
	if _, ok := idx.fileIdx[fileHash]; !ok {
		idx.fileIdx[fileHash] = len(idx.files)
		idx.files = append(idx.files, originalPath)
	}
	if resolvedPath != "" && resolvedPath != originalPath {
		idx.fileIdx[protocol.HashString(resolvedPath)] = idx.fileIdx[fileHash]
	}

	for _, b := range m.Blocks {
		idx.requests[b.Hash] = protocol.BlockRequest{
			FileNameHash: fileHash,
			BlockHash:    b.Hash,
			Offset:       b.Offset,
			Size:         b.Size,
		}
	}

	if !m.HasMacroBlocks() {
		return
	}
	if err := m.ValidateMacroBlocks(); err != nil {
		panic(fmt.Sprintf("bug: corrupt manifest: %v", err))
	}
	for _, b := range m.Blocks {
		i, ok := m.FindMacroBlock(b.Offset)
		if !ok || !m.MacroBlocks[i].Contains(b) {
			panic(fmt.Sprintf("bug: corrupt manifest: %s: %v is not contained in any macro block", m.Path, b))
		}
		if _, exists := idx.macros[b.Hash]; exists {
			continue
		}
		mb := m.MacroBlocks[i]
		idx.macros[b.Hash] = protocol.MacroBlockRequest{
			MacroHash:         mb.Hash,
			OffsetWithinMacro: b.Offset - mb.Offset,
			Size:              b.Size,
			MacroBaseOffset:   mb.Offset,
			MacroTotalSize:    mb.Size,
		}
	}
}

// FindRequest returns the request that fetches the block with the given
// hash.
func (idx *Index) FindRequest(blockHash protocol.Hash128) (protocol.BlockRequest, bool) {
	req, ok := idx.requests[blockHash]
	return req, ok
}

// FindFile returns the file name registered under the given hash, which
// may be the hash of either the original or the resolved path.
func (idx *Index) FindFile(fileNameHash protocol.Hash128) (string, bool) {
	i, ok := idx.fileIdx[fileNameHash]
	if !ok {
		return "", false
	}
	return idx.files[i], true
}

// MacroBlockRequest returns the macro block indirection for a block. The
// zero value is returned when none is known.
func (idx *Index) MacroBlockRequest(blockHash protocol.Hash128) protocol.MacroBlockRequest {
	return idx.macros[blockHash]
}

// Files returns the unique file names in the order they were added.
func (idx *Index) Files() []string {
	return append([]string(nil), idx.files...)
}

// Len returns the number of distinct blocks known.
func (idx *Index) Len() int {
	return len(idx.requests)
}
