// Copyright (C) 2026 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package protocol

import "testing"

func TestGetBucketNumbers(t *testing.T) {
	cases := []struct {
		size   int
		bkt    int
		panics bool
	}{
		{size: 1024, bkt: 0},
		{size: minPooledSize, bkt: 0},
		{size: minPooledSize + 1, bkt: 1},
		{size: 2 * minPooledSize, bkt: 1},
		{size: 2*minPooledSize + 1, bkt: 2},
		{size: maxPooledSize, bkt: len(BufferSizes) - 1},
		{size: maxPooledSize + 1, panics: true},
	}

	for _, tc := range cases {
		if tc.panics {
			shouldPanic(t, func() { getBucketForLen(tc.size) })
		} else {
			res := getBucketForLen(tc.size)
			if res != tc.bkt {
				t.Errorf("buffer of size %d should get from bucket %d, not %d", tc.size, tc.bkt, res)
			}
		}
	}
}

func TestPutBucketNumbers(t *testing.T) {
	if bkt := putBucketForCap(minPooledSize); bkt != 0 {
		t.Errorf("expected bucket 0, got %d", bkt)
	}
	if bkt := putBucketForCap(minPooledSize + 1); bkt != -1 {
		t.Errorf("odd capacity should not map to a bucket, got %d", bkt)
	}
}

func TestGetPutRoundTrip(t *testing.T) {
	bs := BufferPool.Get(minPooledSize + 10)
	if len(bs) != minPooledSize+10 {
		t.Fatalf("unexpected len %d", len(bs))
	}
	if cap(bs) != 2*minPooledSize {
		t.Fatalf("unexpected cap %d", cap(bs))
	}
	BufferPool.Put(bs)

	bs = BufferPool.Upgrade(bs[:0], 100)
	if len(bs) != 100 {
		t.Fatalf("unexpected len after upgrade %d", len(bs))
	}
}

func TestHugeBuffersAreNotPooled(t *testing.T) {
	before := BufferPool.skips.Load()
	bs := BufferPool.Get(maxPooledSize + 1)
	BufferPool.Put(bs)
	if got := BufferPool.skips.Load() - before; got != 2 {
		t.Errorf("expected two skips, got %d", got)
	}
}

func shouldPanic(t *testing.T, fn func()) {
	t.Helper()
	defer func() {
		if r := recover(); r == nil {
			t.Errorf("did not panic")
		}
	}()
	fn()
}
