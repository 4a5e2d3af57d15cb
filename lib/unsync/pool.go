// Copyright (C) 2026 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package unsync

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"

	"golang.org/x/time/rate"

	"github.com/syncthing/unsync/lib/blockindex"
	"github.com/syncthing/unsync/lib/config"
	"github.com/syncthing/unsync/lib/manifest"
	"github.com/syncthing/unsync/lib/protocol"
	"github.com/syncthing/unsync/lib/semaphore"
	"github.com/syncthing/unsync/lib/tlsutil"
)

// FileEntry is one manifest to register in the request index.
type FileEntry struct {
	OriginalPath string
	ResolvedPath string
	Manifest     *manifest.FileManifest
}

// Pool owns the sessions to one remote endpoint together with the request
// index they resolve against. Concurrency is bounded by the admission
// semaphore; see WithSession.
type Pool struct {
	endpoint  config.Endpoint
	tlsCfg    *tls.Config
	limiter   *rate.Limiter
	admission *semaphore.Semaphore

	mut     sync.Mutex // protects idle and invalid
	idle    []*Session
	invalid bool

	indexMut sync.RWMutex // protects index
	index    *blockindex.Index
}

// NewPool returns a pool for the given endpoint. A pool for an endpoint
// that does not validate is returned already invalid. tlsCfg may be nil to
// derive it from the endpoint.
func NewPool(ep config.Endpoint, algo protocol.HashAlgorithm, tlsCfg *tls.Config) *Pool {
	p := &Pool{
		endpoint: ep,
		limiter:  newLimiter(ep.MaxRecvKbps),
		index:    blockindex.New(algo),
	}

	capacity := ep.MaxConnections
	if capacity <= 0 {
		capacity = 1
	}
	p.admission = semaphore.New(capacity)

	if err := ep.Validate(); err != nil {
		l.Warnf("Remote endpoint %v is unusable: %v", ep, err)
		p.invalid = true
		return p
	}

	if ep.TLS.Enabled && tlsCfg == nil {
		var err error
		tlsCfg, err = tlsutil.ClientConfig(ep.TLS, ep.Host)
		if err != nil {
			l.Warnf("Remote endpoint %v is unusable: %v", ep, err)
			p.invalid = true
			return p
		}
	}
	p.tlsCfg = tlsCfg
	return p
}

func (p *Pool) String() string {
	return fmt.Sprintf("Pool@%p{%v}", p, p.endpoint)
}

// Endpoint returns the remote endpoint descriptor.
func (p *Pool) Endpoint() config.Endpoint {
	return p.endpoint
}

// Admission returns the semaphore bounding concurrent sessions. Callers
// managing sessions by hand take one unit before Alloc and give it back
// after Dealloc.
func (p *Pool) Admission() *semaphore.Semaphore {
	return p.admission
}

// Alloc returns a connected session, reusing an idle one when possible.
// Idle sessions that have become invalid are discarded. An invalid pool
// returns ErrPoolInvalid without touching the network.
func (p *Pool) Alloc(ctx context.Context) (*Session, error) {
	for {
		p.mut.Lock()
		if p.invalid {
			p.mut.Unlock()
			return nil, ErrPoolInvalid
		}
		if len(p.idle) == 0 {
			p.mut.Unlock()
			break
		}
		s := p.idle[len(p.idle)-1]
		p.idle[len(p.idle)-1] = nil
		p.idle = p.idle[:len(p.idle)-1]
		metricIdleSessions.WithLabelValues(p.endpoint.String()).Set(float64(len(p.idle)))
		p.mut.Unlock()

		if s.IsValid() {
			l.Debugln("reusing", s)
			return s, nil
		}
		p.discard(s)
	}

	// Dial without holding the lock; other allocations may proceed.
	return Dial(ctx, p.endpoint, p.tlsCfg, p, p.limiter)
}

// Dealloc returns a session to the pool. Valid sessions are kept for
// reuse, invalid ones are closed and dropped.
func (p *Pool) Dealloc(s *Session) {
	if s == nil {
		return
	}
	if !s.IsValid() {
		p.discard(s)
		return
	}

	p.mut.Lock()
	if p.invalid {
		p.mut.Unlock()
		s.Close()
		return
	}
	p.idle = append(p.idle, s)
	metricIdleSessions.WithLabelValues(p.endpoint.String()).Set(float64(len(p.idle)))
	p.mut.Unlock()
}

func (p *Pool) discard(s *Session) {
	l.Debugln("discarding", s)
	metricSessionsDiscarded.WithLabelValues(p.endpoint.String()).Inc()
	s.Close()
}

// WithSession takes an admission slot, allocates a session, runs fn and
// returns the session to the pool.
func (p *Pool) WithSession(ctx context.Context, fn func(*Session) error) error {
	if err := p.admission.TakeWithContext(ctx, 1); err != nil {
		return err
	}
	defer p.admission.Give(1)

	s, err := p.Alloc(ctx)
	if err != nil {
		return err
	}
	defer p.Dealloc(s)
	return fn(s)
}

// Invalidate marks the pool unusable. This is permanent. Idle sessions are
// closed; sessions currently allocated are closed when handed back.
func (p *Pool) Invalidate() {
	p.mut.Lock()
	p.invalid = true
	idle := p.idle
	p.idle = nil
	metricIdleSessions.WithLabelValues(p.endpoint.String()).Set(0)
	p.mut.Unlock()

	for _, s := range idle {
		s.Close()
	}
}

// IsValid returns false once the pool has been invalidated.
func (p *Pool) IsValid() bool {
	p.mut.Lock()
	defer p.mut.Unlock()
	return !p.invalid
}

// IdleCount returns the number of sessions waiting for reuse.
func (p *Pool) IdleCount() int {
	p.mut.Lock()
	defer p.mut.Unlock()
	return len(p.idle)
}

// Close closes all idle sessions. The pool remains usable.
func (p *Pool) Close() error {
	p.mut.Lock()
	idle := p.idle
	p.idle = nil
	metricIdleSessions.WithLabelValues(p.endpoint.String()).Set(0)
	p.mut.Unlock()

	for _, s := range idle {
		s.Close()
	}
	return nil
}

// BuildFileBlockRequests registers the blocks of one manifest in the
// request index.
func (p *Pool) BuildFileBlockRequests(originalPath, resolvedPath string, m *manifest.FileManifest) {
	p.indexMut.Lock()
	defer p.indexMut.Unlock()
	p.index.AddFileBlocks(originalPath, resolvedPath, m)
}

// InitRequestMap replaces the request index with one built from entries.
func (p *Pool) InitRequestMap(entries []FileEntry) {
	idx := blockindex.New(p.Algorithm())
	for _, e := range entries {
		idx.AddFileBlocks(e.OriginalPath, e.ResolvedPath, e.Manifest)
	}

	p.indexMut.Lock()
	p.index = idx
	p.indexMut.Unlock()
	l.Debugf("%v: request index holds %d blocks in %d files", p, idx.Len(), len(entries))
}

// Algorithm returns the strong hash algorithm of the request index.
func (p *Pool) Algorithm() protocol.HashAlgorithm {
	p.indexMut.RLock()
	defer p.indexMut.RUnlock()
	return p.index.Algorithm()
}

// FindRequest looks up the request for one block.
func (p *Pool) FindRequest(h protocol.Hash128) (protocol.BlockRequest, bool) {
	p.indexMut.RLock()
	defer p.indexMut.RUnlock()
	return p.index.FindRequest(h)
}

// MacroBlockRequest returns the macro block indirection for one block.
func (p *Pool) MacroBlockRequest(h protocol.Hash128) protocol.MacroBlockRequest {
	p.indexMut.RLock()
	defer p.indexMut.RUnlock()
	return p.index.MacroBlockRequest(h)
}

// Resolve implements Resolver against the pool's request index.
func (p *Pool) Resolve(needed []protocol.Hash128) Resolution {
	p.indexMut.RLock()
	defer p.indexMut.RUnlock()
	return resolve(p.index, needed)
}
