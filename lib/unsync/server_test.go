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
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/syncthing/unsync/lib/config"
	"github.com/syncthing/unsync/lib/protocol"
	"github.com/syncthing/unsync/lib/tlsutil"
)

// collect downloads needed through a fresh pool and returns the
// decompressed blocks by hash.
func collect(t *testing.T, p *Pool, needed []protocol.Hash128) map[protocol.Hash128][]byte {
	t.Helper()
	var mut sync.Mutex
	got := make(map[protocol.Hash128][]byte)
	err := p.WithSession(context.Background(), func(s *Session) error {
		return s.Download(context.Background(), needed, func(b DownloadedBlock) {
			data, err := b.Decompress()
			if err != nil {
				t.Error(err)
				return
			}
			mut.Lock()
			got[b.Hash] = data
			mut.Unlock()
		})
	})
	if err != nil {
		t.Fatal(err)
	}
	return got
}

func TestServerEndToEnd(t *testing.T) {
	content := testContent(350, 20)
	root := writeRoot(t, map[string][]byte{"x.bin": content})
	ep := startServer(t, root, protocol.BLAKE3, nil)

	p := NewPool(ep, protocol.BLAKE3, nil)
	defer p.Close()
	m := scenarioManifest(protocol.BLAKE3, content)
	p.BuildFileBlockRequests("x.bin", "x.bin", m)

	h1, h3 := m.Blocks[0].Hash, m.Blocks[2].Hash
	got := collect(t, p, []protocol.Hash128{h1, h3, protocol.HashString("unknown")})
	if len(got) != 2 {
		t.Fatalf("expected 2 blocks, got %d", len(got))
	}
	if !bytes.Equal(got[h1], content[0:100]) {
		t.Error("block 1 differs")
	}
	if !bytes.Equal(got[h3], content[150:350]) {
		t.Error("block 3 differs")
	}
}

func TestServerSubdirectoryAndSHA256(t *testing.T) {
	content := testContent(350, 21)
	root := writeRoot(t, map[string][]byte{"sub/dir/y.bin": content})
	ep := startServer(t, root, protocol.SHA256, nil)

	p := NewPool(ep, protocol.SHA256, nil)
	defer p.Close()
	m := scenarioManifest(protocol.SHA256, content)
	m.Path = "sub/dir/y.bin"
	p.BuildFileBlockRequests("sub/dir/y.bin", "", m)

	got := collect(t, p, []protocol.Hash128{m.Blocks[1].Hash})
	if !bytes.Equal(got[m.Blocks[1].Hash], content[100:150]) {
		t.Error("block differs")
	}
}

func TestServerPartialFulfillment(t *testing.T) {
	content := testContent(350, 22)
	m := scenarioManifest(protocol.BLAKE3, content)

	// The second block changes on disk after the manifest was made.
	changed := append([]byte(nil), content...)
	changed[120] ^= 0xff
	root := writeRoot(t, map[string][]byte{"x.bin": changed})
	ep := startServer(t, root, protocol.BLAKE3, nil)

	p := NewPool(ep, protocol.BLAKE3, nil)
	defer p.Close()
	p.BuildFileBlockRequests("x.bin", "x.bin", m)

	needed := []protocol.Hash128{m.Blocks[0].Hash, m.Blocks[1].Hash, m.Blocks[2].Hash}
	got := collect(t, p, needed)
	if len(got) != 2 {
		t.Fatalf("expected 2 blocks, got %d", len(got))
	}
	if _, ok := got[m.Blocks[1].Hash]; ok {
		t.Error("modified block must not be served")
	}

	// The session survives a partial answer.
	if p.IdleCount() != 1 {
		t.Errorf("expected the session back in the pool, got %d idle", p.IdleCount())
	}
}

func TestServerMissingFile(t *testing.T) {
	content := testContent(350, 23)
	root := writeRoot(t, map[string][]byte{"x.bin": content})
	ep := startServer(t, root, protocol.BLAKE3, nil)

	p := NewPool(ep, protocol.BLAKE3, nil)
	defer p.Close()
	gone := scenarioManifest(protocol.BLAKE3, testContent(350, 24))
	gone.Path = "gone.bin"
	p.BuildFileBlockRequests("gone.bin", "gone.bin", gone)
	present := scenarioManifest(protocol.BLAKE3, content)
	p.BuildFileBlockRequests("x.bin", "x.bin", present)

	got := collect(t, p, []protocol.Hash128{gone.Blocks[0].Hash, present.Blocks[0].Hash})
	if len(got) != 1 || !bytes.Equal(got[present.Blocks[0].Hash], content[0:100]) {
		t.Errorf("expected only the block of x.bin, got %d blocks", len(got))
	}
}

func TestServerLocalPath(t *testing.T) {
	root := t.TempDir()
	var cfg config.ServerConfiguration
	config.SetDefaults(&cfg)
	cfg.Root = root
	srv, err := NewServer(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}

	good := map[string]string{
		"x.bin":        "x.bin",
		"/x.bin":       "x.bin",
		"a/b/c.bin":    filepath.Join("a", "b", "c.bin"),
		"a/../b/c.bin": filepath.Join("b", "c.bin"),
		"//double.bin": "double.bin",
	}
	for name, rel := range good {
		path, err := srv.localPath(name)
		if err != nil {
			t.Errorf("%q: unexpected error %v", name, err)
			continue
		}
		if exp := filepath.Join(srv.root, rel); path != exp {
			t.Errorf("%q: got %q, expected %q", name, path, exp)
		}
	}

	for _, name := range []string{"../etc/passwd", "a/../../b", "..", ""} {
		if _, err := srv.localPath(name); !errors.Is(err, errPathNotLocal) {
			t.Errorf("%q: expected errPathNotLocal, got %v", name, err)
		}
	}
}

func TestNewServerValidation(t *testing.T) {
	var cfg config.ServerConfiguration
	config.SetDefaults(&cfg)
	if _, err := NewServer(cfg, nil); !errors.Is(err, config.ErrNoRoot) {
		t.Errorf("expected ErrNoRoot, got %v", err)
	}

	cfg.Root = filepath.Join(t.TempDir(), "missing")
	if _, err := NewServer(cfg, nil); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected not exist, got %v", err)
	}

	cfg.Root = t.TempDir()
	cfg.Algorithm = protocol.HashUnknown
	if _, err := NewServer(cfg, nil); err == nil {
		t.Error("unknown algorithm should be rejected")
	}
}

func TestServerRejectsBadHandshake(t *testing.T) {
	ep := startServer(t, t.TempDir(), protocol.BLAKE3, nil)
	conn, err := net.Dial("tcp", ep.Address())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))

	hs := protocol.NewHandshake()
	hs.Magic = 0x12345678
	if err := protocol.WriteHandshake(conn, hs); err != nil {
		t.Fatal(err)
	}
	br := bufio.NewReader(conn)
	reply, err := protocol.ReadHandshake(br)
	if err != nil {
		t.Fatal(err)
	}
	if reply != protocol.NewHandshake() {
		t.Errorf("server should answer with its own handshake, got %+v", reply)
	}
	if _, err := br.ReadByte(); !errors.Is(err, io.EOF) {
		t.Errorf("expected the server to hang up, got %v", err)
	}
}

func TestServerAlgorithmMismatch(t *testing.T) {
	content := testContent(350, 25)
	root := writeRoot(t, map[string][]byte{"x.bin": content})
	ep := startServer(t, root, protocol.BLAKE3, nil)

	p := NewPool(ep, protocol.SHA256, nil)
	defer p.Close()
	m := scenarioManifest(protocol.SHA256, content)
	p.BuildFileBlockRequests("x.bin", "x.bin", m)

	s, err := p.Alloc(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer p.Dealloc(s)
	if err := s.Download(context.Background(), []protocol.Hash128{m.Blocks[0].Hash}, func(DownloadedBlock) {}); err == nil {
		t.Fatal("expected the server to drop the connection")
	}
	if s.IsValid() {
		t.Error("session should be invalid")
	}
}

func TestServerTLS(t *testing.T) {
	cert, certPEM, err := tlsutil.NewInMemoryCertificate("unsync")
	if err != nil {
		t.Fatal(err)
	}
	content := testContent(350, 26)
	root := writeRoot(t, map[string][]byte{"x.bin": content})
	ep := startServer(t, root, protocol.BLAKE3, tlsutil.ServerConfig(cert))
	m := scenarioManifest(protocol.BLAKE3, content)

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(certPEM) {
		t.Fatal("bad certificate PEM")
	}
	tlsEp := ep
	tlsEp.TLS.Enabled = true
	tp := NewPool(tlsEp, protocol.BLAKE3, &tls.Config{
		RootCAs:    pool,
		ServerName: "unsync",
		MinVersion: tls.VersionTLS12,
	})
	defer tp.Close()
	tp.BuildFileBlockRequests("x.bin", "x.bin", m)
	got := collect(t, tp, []protocol.Hash128{m.Blocks[2].Hash})
	if !bytes.Equal(got[m.Blocks[2].Hash], content[150:350]) {
		t.Error("block differs over TLS")
	}

	// The same port still speaks plain TCP.
	pp := NewPool(ep, protocol.BLAKE3, nil)
	defer pp.Close()
	pp.BuildFileBlockRequests("x.bin", "x.bin", m)
	got = collect(t, pp, []protocol.Hash128{m.Blocks[0].Hash})
	if !bytes.Equal(got[m.Blocks[0].Hash], content[0:100]) {
		t.Error("block differs over plain TCP")
	}
}

func TestServerFileCacheEviction(t *testing.T) {
	files := make(map[string][]byte)
	for i, name := range []string{"a.bin", "b.bin", "c.bin"} {
		files[name] = testContent(350, int64(30+i))
	}
	root := writeRoot(t, files)

	var cfg config.ServerConfiguration
	config.SetDefaults(&cfg)
	cfg.Root = root
	cfg.OpenFiles = 1
	srv, err := NewServer(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer srv.files.Purge()

	for round := 0; round < 2; round++ {
		for name, content := range files {
			buf := make([]byte, 50)
			if err := srv.readAt(name, buf, 100); err != nil {
				t.Fatalf("%s: %v", name, err)
			}
			if !bytes.Equal(buf, content[100:150]) {
				t.Errorf("%s: read wrong data", name)
			}
		}
	}
	if srv.files.Len() != 1 {
		t.Errorf("expected one cached file, got %d", srv.files.Len())
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	var cfg config.ServerConfiguration
	config.SetDefaults(&cfg)
	cfg.Root = t.TempDir()
	srv, err := NewServer(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	lst := listen(t)
	ep := endpointFor(t, lst.Addr())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- srv.Serve(ctx, lst)
	}()

	// An idle client connection must not keep the server alive.
	s, err := Dial(context.Background(), ep, nil, IndexResolver(nil), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
}
