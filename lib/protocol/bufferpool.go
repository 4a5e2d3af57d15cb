// Copyright (C) 2026 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package protocol

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// BufferSizes are the capacities of pooled buffers, smallest first.
var BufferSizes []int

const (
	minPooledSize = 64 << KiB
	maxPooledSize = 16 << MiB
)

func init() {
	for sz := minPooledSize; sz <= maxPooledSize; sz <<= 1 {
		BufferSizes = append(BufferSizes, sz)
	}
	BufferPool.init()
}

// BufferPool holds receive and read buffers shared by all sessions.
var BufferPool bufferPool

type bufferPool struct {
	puts   atomic.Int64
	skips  atomic.Int64
	misses atomic.Int64
	pools  []sync.Pool
	hits   []atomic.Int64
}

func (p *bufferPool) init() {
	p.pools = make([]sync.Pool, len(BufferSizes))
	p.hits = make([]atomic.Int64, len(BufferSizes))
}

func (p *bufferPool) Get(size int) []byte {
	// Too big, isn't pooled
	if size > maxPooledSize {
		p.skips.Add(1)
		return make([]byte, size)
	}

	// Try the fitting and all bigger pools
	bkt := getBucketForLen(size)
	for j := bkt; j < len(BufferSizes); j++ {
		if intf := p.pools[j].Get(); intf != nil {
			p.hits[j].Add(1)
			bs := *intf.(*[]byte)
			return bs[:size]
		}
	}

	p.misses.Add(1)

	// For very small slices where we had nothing to reuse, just allocate a
	// small slice. It won't be pooled on return.
	if size < minPooledSize/64 {
		return make([]byte, size)
	}
	return make([]byte, BufferSizes[bkt])[:size]
}

// Put makes the given byte slice available again in the global pool.
// You must only Put() slices that were returned by Get() or Upgrade().
func (p *bufferPool) Put(bs []byte) {
	if cap(bs) > maxPooledSize || cap(bs) < minPooledSize {
		p.skips.Add(1)
		return
	}

	p.puts.Add(1)
	bkt := putBucketForCap(cap(bs))
	if bkt < 0 {
		p.skips.Add(1)
		return
	}
	p.pools[bkt].Put(&bs)
}

// Upgrade grows the buffer to the requested size, reusing it if possible.
func (p *bufferPool) Upgrade(bs []byte, size int) []byte {
	if cap(bs) >= size {
		return bs[:size]
	}
	p.Put(bs)
	return p.Get(size)
}

// getBucketForLen returns the bucket where we should get a slice of a
// certain length.
func getBucketForLen(len int) int {
	for i, size := range BufferSizes {
		if len <= size {
			return i
		}
	}

	panic(fmt.Sprintf("bug: tried to get impossible buffer len %d", len))
}

// putBucketForCap returns the bucket holding slices of exactly the given
// capacity, or -1 for capacities that did not come from the pool.
func putBucketForCap(cap int) int {
	for i, size := range BufferSizes {
		if cap == size {
			return i
		}
	}
	return -1
}
