// Copyright (C) 2026 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package unsync

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/syncthing/unsync/lib/config"
	"github.com/syncthing/unsync/lib/manifest"
	"github.com/syncthing/unsync/lib/protocol"
)

func TestInvalidEndpointPool(t *testing.T) {
	cases := []config.Endpoint{
		{},
		{Host: "127.0.0.1", Port: 0, MaxConnections: 1},
		{Host: "127.0.0.1", Port: 22024, MaxConnections: 0},
		{Host: "127.0.0.1", Port: 22024, MaxConnections: 1, Protocol: config.ProtocolJupiter},
	}
	for _, ep := range cases {
		p := NewPool(ep, protocol.BLAKE3, nil)
		if p.IsValid() {
			t.Errorf("pool for %+v should be invalid", ep)
		}
		if _, err := p.Alloc(context.Background()); !errors.Is(err, ErrPoolInvalid) {
			t.Errorf("expected ErrPoolInvalid for %+v, got %v", ep, err)
		}
	}
}

func TestInvalidPoolMakesNoConnections(t *testing.T) {
	connected := make(chan struct{}, 1)
	lst := listen(t)
	defer lst.Close()
	go func() {
		conn, err := lst.Accept()
		if err != nil {
			return
		}
		conn.Close()
		connected <- struct{}{}
	}()

	p := NewPool(endpointFor(t, lst.Addr()), protocol.BLAKE3, nil)
	p.Invalidate()
	if _, err := p.Alloc(context.Background()); !errors.Is(err, ErrPoolInvalid) {
		t.Fatalf("expected ErrPoolInvalid, got %v", err)
	}
	select {
	case <-connected:
		t.Fatal("an invalid pool must not connect")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPoolReusesSessions(t *testing.T) {
	ep := startServer(t, t.TempDir(), protocol.BLAKE3, nil)
	p := NewPool(ep, protocol.BLAKE3, nil)
	defer p.Close()

	s1, err := p.Alloc(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	p.Dealloc(s1)
	if p.IdleCount() != 1 {
		t.Fatalf("expected one idle session, got %d", p.IdleCount())
	}

	s2, err := p.Alloc(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if s1 != s2 {
		t.Error("expected the idle session to be reused")
	}
	if p.IdleCount() != 0 {
		t.Errorf("expected no idle sessions, got %d", p.IdleCount())
	}
	p.Dealloc(s2)
}

func TestPoolDiscardsInvalidSessions(t *testing.T) {
	ep := startServer(t, t.TempDir(), protocol.BLAKE3, nil)
	p := NewPool(ep, protocol.BLAKE3, nil)
	defer p.Close()

	s1, err := p.Alloc(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	s1.Close()
	p.Dealloc(s1)
	if p.IdleCount() != 0 {
		t.Fatalf("invalid session should not be kept, got %d idle", p.IdleCount())
	}

	// A session that goes bad while idle is replaced on the next Alloc.
	s2, err := p.Alloc(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	p.Dealloc(s2)
	s2.Close()
	s3, err := p.Alloc(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if s3 == s2 {
		t.Error("an invalid idle session must not be handed out")
	}
	if !s3.IsValid() {
		t.Error("allocated session should be valid")
	}
	p.Dealloc(s3)
}

func TestPoolInvalidate(t *testing.T) {
	ep := startServer(t, t.TempDir(), protocol.BLAKE3, nil)
	p := NewPool(ep, protocol.BLAKE3, nil)

	idle, err := p.Alloc(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	busy, err := p.Alloc(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	p.Dealloc(idle)

	p.Invalidate()
	if p.IsValid() {
		t.Fatal("pool should be invalid")
	}
	if idle.IsValid() {
		t.Error("idle sessions should be closed on invalidation")
	}
	if _, err := p.Alloc(context.Background()); !errors.Is(err, ErrPoolInvalid) {
		t.Errorf("expected ErrPoolInvalid, got %v", err)
	}

	p.Dealloc(busy)
	if busy.IsValid() {
		t.Error("sessions returned to an invalid pool should be closed")
	}
	if p.IdleCount() != 0 {
		t.Errorf("expected no idle sessions, got %d", p.IdleCount())
	}
}

func TestPoolRequestMap(t *testing.T) {
	a := testContent(350, 10)
	b := testContent(350, 11)
	p := NewPool(config.NewEndpoint("127.0.0.1", 1), protocol.BLAKE3, nil)

	ma := scenarioManifest(protocol.BLAKE3, a)
	p.BuildFileBlockRequests("a.bin", "a.bin", ma)
	if _, ok := p.FindRequest(ma.Blocks[0].Hash); !ok {
		t.Fatal("block of a.bin should be known")
	}

	mb := scenarioManifest(protocol.BLAKE3, b)
	p.InitRequestMap([]FileEntry{{OriginalPath: "b.bin", ResolvedPath: "b.bin", Manifest: mb}})
	if _, ok := p.FindRequest(ma.Blocks[0].Hash); ok {
		t.Error("InitRequestMap should replace the previous index")
	}
	req, ok := p.FindRequest(mb.Blocks[2].Hash)
	if !ok {
		t.Fatal("block of b.bin should be known")
	}
	if req.FileNameHash != protocol.HashString("b.bin") || req.Offset != 150 || req.Size != 200 {
		t.Errorf("unexpected request %+v", req)
	}
	if !p.MacroBlockRequest(mb.Blocks[2].Hash).IsZero() {
		t.Error("manifest without macro blocks should have no indirection")
	}

	res := p.Resolve([]protocol.Hash128{mb.Blocks[1].Hash, mb.Blocks[1].Hash, ma.Blocks[0].Hash})
	if len(res.Requests) != 1 || len(res.Files) != 1 || res.Files[0] != "b.bin" {
		t.Errorf("unexpected resolution %+v", res)
	}
}

func TestPoolIndexConcurrentWithDownloads(t *testing.T) {
	content := testContent(1<<20, 12)
	root := writeRoot(t, map[string][]byte{"big.bin": content})
	ep := startServer(t, root, protocol.BLAKE3, nil)
	p := NewPool(ep, protocol.BLAKE3, nil)
	defer p.Close()

	m, err := manifest.Build(context.Background(), "big.bin", bytes.NewReader(content), manifest.BuildOptions{
		Algorithm: protocol.BLAKE3,
		BlockSize: 16 << protocol.KiB,
	})
	if err != nil {
		t.Fatal(err)
	}
	p.BuildFileBlockRequests("big.bin", "big.bin", m)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			other := testContent(350, int64(100+i))
			p.BuildFileBlockRequests("other.bin", "other.bin", scenarioManifest(protocol.BLAKE3, other))
		}
	}()

	needed := make([]protocol.Hash128, len(m.Blocks))
	for i, b := range m.Blocks {
		needed[i] = b.Hash
	}
	var received int
	err = p.WithSession(context.Background(), func(s *Session) error {
		return s.Download(context.Background(), needed, func(DownloadedBlock) {
			received++
		})
	})
	wg.Wait()
	if err != nil {
		t.Fatal(err)
	}
	if received != len(needed) {
		t.Errorf("expected %d blocks, got %d", len(needed), received)
	}
}

func TestWithSessionAdmission(t *testing.T) {
	srvEp := startServer(t, t.TempDir(), protocol.BLAKE3, nil)
	ep := srvEp
	ep.MaxConnections = 2
	p := NewPool(ep, protocol.BLAKE3, nil)
	defer p.Close()

	if p.Admission().Capacity() != 2 {
		t.Fatalf("expected capacity 2, got %d", p.Admission().Capacity())
	}

	release := make(chan struct{})
	inside := make(chan struct{}, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := p.WithSession(context.Background(), func(s *Session) error {
				inside <- struct{}{}
				<-release
				return nil
			})
			if err != nil {
				t.Error(err)
			}
		}()
	}
	<-inside
	<-inside

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := p.WithSession(ctx, func(*Session) error {
		t.Error("admission should be exhausted")
		return nil
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}

	close(release)
	wg.Wait()
	if p.Admission().Available() != 2 {
		t.Errorf("expected all admission returned, got %d", p.Admission().Available())
	}
	if p.IdleCount() != 2 {
		t.Errorf("expected two idle sessions, got %d", p.IdleCount())
	}
}
