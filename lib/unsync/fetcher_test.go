// Copyright (C) 2026 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package unsync

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/syncthing/unsync/lib/config"
	"github.com/syncthing/unsync/lib/manifest"
	"github.com/syncthing/unsync/lib/protocol"
)

func buildManifest(t *testing.T, name string, content []byte, blockSize int) *manifest.FileManifest {
	t.Helper()
	m, err := manifest.Build(context.Background(), name, bytes.NewReader(content), manifest.BuildOptions{
		Algorithm: protocol.BLAKE3,
		BlockSize: blockSize,
	})
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func hashes(m *manifest.FileManifest) []protocol.Hash128 {
	hs := make([]protocol.Hash128, len(m.Blocks))
	for i, b := range m.Blocks {
		hs[i] = b.Hash
	}
	return hs
}

type blockSet struct {
	mut    sync.Mutex
	blocks map[protocol.Hash128][]byte
	calls  int
}

func (s *blockSet) add(t *testing.T) func(DownloadedBlock) error {
	return func(b DownloadedBlock) error {
		data, err := b.Decompress()
		if err != nil {
			t.Error(err)
			return err
		}
		s.mut.Lock()
		defer s.mut.Unlock()
		if s.blocks == nil {
			s.blocks = make(map[protocol.Hash128][]byte)
		}
		s.blocks[b.Hash] = data
		s.calls++
		return nil
	}
}

func TestFetchAll(t *testing.T) {
	content := testContent(256<<protocol.KiB, 40)
	root := writeRoot(t, map[string][]byte{"data.bin": content})
	ep := startServer(t, root, protocol.BLAKE3, nil)
	ep.MaxConnections = 3

	p := NewPool(ep, protocol.BLAKE3, nil)
	defer p.Close()
	m := buildManifest(t, "data.bin", content, 4<<protocol.KiB)
	p.InitRequestMap([]FileEntry{{OriginalPath: "data.bin", ResolvedPath: "data.bin", Manifest: m}})

	f := NewFetcher(p)
	f.BatchSize = 7

	var got blockSet
	missing, err := f.Fetch(context.Background(), hashes(m), got.add(t))
	if err != nil {
		t.Fatal(err)
	}
	if len(missing) != 0 {
		t.Fatalf("expected nothing missing, got %d", len(missing))
	}
	for _, b := range m.Blocks {
		if !bytes.Equal(got.blocks[b.Hash], content[b.Offset:b.End()]) {
			t.Errorf("block %v differs", b)
		}
	}
	if got.calls != len(m.Blocks) {
		t.Errorf("expected %d callbacks, got %d", len(m.Blocks), got.calls)
	}
	if p.IdleCount() > ep.MaxConnections {
		t.Errorf("pool holds %d sessions, more than the admission limit", p.IdleCount())
	}
}

func TestFetchReportsUnknownAndUnavailable(t *testing.T) {
	content := testContent(350, 41)
	m := scenarioManifest(protocol.BLAKE3, content)
	changed := append([]byte(nil), content...)
	changed[0] ^= 0xff
	root := writeRoot(t, map[string][]byte{"x.bin": changed})
	ep := startServer(t, root, protocol.BLAKE3, nil)

	p := NewPool(ep, protocol.BLAKE3, nil)
	defer p.Close()
	p.BuildFileBlockRequests("x.bin", "x.bin", m)

	unknown := protocol.HashString("unknown")
	var got blockSet
	missing, err := NewFetcher(p).Fetch(context.Background(), []protocol.Hash128{m.Blocks[0].Hash, unknown, m.Blocks[1].Hash, unknown}, got.add(t))
	if !errors.Is(err, ErrIncomplete) {
		t.Fatalf("expected ErrIncomplete, got %v", err)
	}
	if len(missing) != 2 {
		t.Fatalf("expected two missing blocks, got %v", missing)
	}
	seen := map[protocol.Hash128]bool{missing[0]: true, missing[1]: true}
	if !seen[unknown] || !seen[m.Blocks[0].Hash] {
		t.Errorf("unexpected missing set %v", missing)
	}
	if !bytes.Equal(got.blocks[m.Blocks[1].Hash], content[100:150]) {
		t.Error("the intact block should be delivered")
	}
}

func TestFetchRetriesOnFreshSession(t *testing.T) {
	content := testContent(350, 42)
	m := scenarioManifest(protocol.BLAKE3, content)
	byHash := map[protocol.Hash128][]byte{
		m.Blocks[0].Hash: content[0:100],
		m.Blocks[1].Hash: content[100:150],
		m.Blocks[2].Hash: content[150:350],
	}

	var connsMut sync.Mutex
	conns := 0
	_, ep := startMock(t, func(conn int, br *bufio.Reader, bw *bufio.Writer) {
		connsMut.Lock()
		conns++
		connsMut.Unlock()
		for {
			_, _, reqs, err := readGetBlocks(br)
			if err != nil {
				return
			}
			if conn == 0 {
				// The first connection delivers one block and dies.
				b := byHash[reqs[0].BlockHash]
				_ = protocol.WriteBlockResponse(bw, reqs[0].BlockHash, len(b), protocol.Compress(b))
				_ = bw.Flush()
				return
			}
			var blocks [][]byte
			for _, r := range reqs {
				blocks = append(blocks, byHash[r.BlockHash])
			}
			if err := sendBlocks(bw, protocol.BLAKE3, blocks...); err != nil {
				return
			}
		}
	})
	ep.MaxConnections = 1

	p := NewPool(ep, protocol.BLAKE3, nil)
	defer p.Close()
	p.BuildFileBlockRequests("x.bin", "x.bin", m)

	var got blockSet
	missing, err := NewFetcher(p).Fetch(context.Background(), hashes(m), got.add(t))
	if err != nil {
		t.Fatal(err)
	}
	if len(missing) != 0 {
		t.Errorf("expected nothing missing, got %v", missing)
	}
	if got.calls != 3 {
		t.Errorf("expected each block exactly once, got %d callbacks", got.calls)
	}
	connsMut.Lock()
	defer connsMut.Unlock()
	if conns != 2 {
		t.Errorf("expected a second connection after the failure, got %d", conns)
	}
}

func TestFetchGivesUpAfterAttempts(t *testing.T) {
	content := testContent(350, 43)
	m := scenarioManifest(protocol.BLAKE3, content)

	var connsMut sync.Mutex
	conns := 0
	_, ep := startMock(t, func(_ int, br *bufio.Reader, _ *bufio.Writer) {
		connsMut.Lock()
		conns++
		connsMut.Unlock()
		_, _, _, _ = readGetBlocks(br)
	})

	p := NewPool(ep, protocol.BLAKE3, nil)
	defer p.Close()
	p.BuildFileBlockRequests("x.bin", "x.bin", m)

	f := NewFetcher(p)
	f.Attempts = 2
	missing, err := f.Fetch(context.Background(), hashes(m), func(DownloadedBlock) error {
		t.Error("no block should be delivered")
		return nil
	})
	if !errors.Is(err, ErrIncomplete) {
		t.Fatalf("expected ErrIncomplete, got %v", err)
	}
	if len(missing) != 3 {
		t.Errorf("expected three missing blocks, got %d", len(missing))
	}
	connsMut.Lock()
	defer connsMut.Unlock()
	if conns != 2 {
		t.Errorf("expected one connection per attempt, got %d", conns)
	}
}

func TestFetchInvalidPool(t *testing.T) {
	content := testContent(350, 44)
	m := scenarioManifest(protocol.BLAKE3, content)
	p := NewPool(config.NewEndpoint("127.0.0.1", 1), protocol.BLAKE3, nil)
	p.BuildFileBlockRequests("x.bin", "x.bin", m)
	p.Invalidate()

	missing, err := NewFetcher(p).Fetch(context.Background(), hashes(m), func(DownloadedBlock) error { return nil })
	if !errors.Is(err, ErrPoolInvalid) {
		t.Fatalf("expected ErrPoolInvalid, got %v", err)
	}
	if len(missing) != 3 {
		t.Errorf("expected all blocks missing, got %d", len(missing))
	}
}

func TestFetchNothingNeeded(t *testing.T) {
	p := NewPool(config.NewEndpoint("127.0.0.1", 1), protocol.BLAKE3, nil)
	missing, err := NewFetcher(p).Fetch(context.Background(), nil, func(DownloadedBlock) error { return nil })
	if err != nil || len(missing) != 0 {
		t.Errorf("expected no work, got %v, %v", missing, err)
	}
}

func TestFetchRetriesRejectedBlocks(t *testing.T) {
	content := testContent(350, 45)
	root := writeRoot(t, map[string][]byte{"x.bin": content})
	ep := startServer(t, root, protocol.BLAKE3, nil)

	p := NewPool(ep, protocol.BLAKE3, nil)
	defer p.Close()
	m := scenarioManifest(protocol.BLAKE3, content)
	p.BuildFileBlockRequests("x.bin", "x.bin", m)

	var mut sync.Mutex
	seen := make(map[protocol.Hash128]int)
	missing, err := NewFetcher(p).Fetch(context.Background(), hashes(m), func(b DownloadedBlock) error {
		mut.Lock()
		defer mut.Unlock()
		seen[b.Hash]++
		if b.Hash == m.Blocks[1].Hash && seen[b.Hash] == 1 {
			return errors.New("rejected")
		}
		return nil
	})
	if err != nil || len(missing) != 0 {
		t.Fatalf("expected everything fetched, got %v, %v", missing, err)
	}
	if seen[m.Blocks[1].Hash] != 2 {
		t.Errorf("rejected block should be fetched again, seen %d times", seen[m.Blocks[1].Hash])
	}
	if seen[m.Blocks[0].Hash] != 1 || seen[m.Blocks[2].Hash] != 1 {
		t.Errorf("accepted blocks should be fetched once, got %v", seen)
	}
}
