// Copyright (C) 2026 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package unsync

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/syncthing/unsync/lib/protocol"
)

const (
	DefaultBatchSize = 256
	DefaultAttempts  = 3
)

// Fetcher downloads a set of blocks through a pool, splitting the work in
// batches that run concurrently on separate sessions. Blocks the remote
// did not deliver are requested again on fresh sessions.
type Fetcher struct {
	Pool *Pool
	// BatchSize is the number of blocks per Download call.
	BatchSize int
	// Attempts is the number of rounds to run before giving up.
	Attempts int
}

func NewFetcher(p *Pool) *Fetcher {
	return &Fetcher{
		Pool:      p,
		BatchSize: DefaultBatchSize,
		Attempts:  DefaultAttempts,
	}
}

// Fetch downloads the needed blocks, calling fn for each one received. fn
// is called concurrently from several sessions and must be safe for that.
// A block for which fn returns an error is requested again in the next
// round.
//
// The returned slice holds the hashes that were not received, which
// includes hashes absent from the request index. When it is non-empty the
// error is ErrIncomplete, unless something more serious happened.
func (f *Fetcher) Fetch(ctx context.Context, needed []protocol.Hash128, fn func(DownloadedBlock) error) ([]protocol.Hash128, error) {
	batchSize := f.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	attempts := f.Attempts
	if attempts <= 0 {
		attempts = DefaultAttempts
	}

	var missing, pending []protocol.Hash128
	seen := make(map[protocol.Hash128]struct{}, len(needed))
	for _, h := range needed {
		if _, ok := seen[h]; ok {
			continue
		}
		seen[h] = struct{}{}
		if _, ok := f.Pool.FindRequest(h); ok {
			pending = append(pending, h)
		} else {
			missing = append(missing, h)
		}
	}
	if len(missing) > 0 {
		l.Debugf("%d of %d needed blocks are unknown to the request index", len(missing), len(seen))
	}

	for attempt := 1; attempt <= attempts && len(pending) > 0; attempt++ {
		got, failures, err := f.round(ctx, pending, batchSize, fn)
		remaining := pending[:0:0]
		for _, h := range pending {
			if _, ok := got[h]; !ok {
				remaining = append(remaining, h)
			}
		}
		if err != nil {
			return append(missing, remaining...), err
		}
		l.Debugf("fetch round %d: received %d of %d blocks, %d failed batches", attempt, len(pending)-len(remaining), len(pending), failures)
		progress := len(remaining) < len(pending)
		pending = remaining
		if failures == 0 && !progress {
			// The remote answered every batch without these blocks; asking
			// again won't help.
			break
		}
	}

	missing = append(missing, pending...)
	if len(missing) > 0 {
		return missing, ErrIncomplete
	}
	return nil, nil
}

// round runs one pass over the pending blocks and returns the set of
// blocks received along with the number of batches that failed.
func (f *Fetcher) round(ctx context.Context, pending []protocol.Hash128, batchSize int, fn func(DownloadedBlock) error) (map[protocol.Hash128]struct{}, int, error) {
	var gotMut sync.Mutex
	got := make(map[protocol.Hash128]struct{}, len(pending))
	var failures atomic.Int32

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.Pool.Admission().Capacity())

	for start := 0; start < len(pending); start += batchSize {
		end := start + batchSize
		if end > len(pending) {
			end = len(pending)
		}
		batch := pending[start:end]

		g.Go(func() error {
			err := f.Pool.WithSession(gctx, func(s *Session) error {
				return s.Download(gctx, batch, func(b DownloadedBlock) {
					if err := fn(b); err != nil {
						l.Infof("Block %v from %v: %v", b.Hash.Short(), f.Pool.Endpoint(), err)
						return
					}
					gotMut.Lock()
					got[b.Hash] = struct{}{}
					gotMut.Unlock()
				})
			})
			switch {
			case err == nil:
				return nil
			case errors.Is(err, ErrPoolInvalid):
				return err
			case gctx.Err() != nil:
				return gctx.Err()
			default:
				l.Infof("Fetching %d blocks from %v: %v", len(batch), f.Pool.Endpoint(), err)
				failures.Add(1)
				return nil
			}
		})
	}

	if err := g.Wait(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return got, 0, ctxErr
		}
		return got, 0, err
	}
	return got, int(failures.Load()), nil
}
