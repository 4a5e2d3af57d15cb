// Copyright (C) 2017 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package unsync

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

const limiterBurstSize = 4 * 128 << 10

// newLimiter returns a limiter for the given rate in KiB/s. A rate of zero
// or less means unlimited.
func newLimiter(kbps int) *rate.Limiter {
	if kbps <= 0 {
		return rate.NewLimiter(rate.Inf, limiterBurstSize)
	}
	return rate.NewLimiter(1024*rate.Limit(kbps), limiterBurstSize)
}

// limitedReader is a rate limited io.Reader
type limitedReader struct {
	reader  io.Reader
	limiter *rate.Limiter
}

func (r *limitedReader) Read(buf []byte) (int, error) {
	n, err := r.reader.Read(buf)
	take(r.limiter, n)
	return n, err
}

// limitedWriter is a rate limited io.Writer
type limitedWriter struct {
	writer  io.Writer
	limiter *rate.Limiter
}

func (w *limitedWriter) Write(buf []byte) (int, error) {
	take(w.limiter, len(buf))
	return w.writer.Write(buf)
}

// take consumes tokens from the limiter. No call to WaitN can be larger
// than the burst size so we split it up into several calls when necessary.
func take(l *rate.Limiter, tokens int) {
	if l == nil || l.Limit() == rate.Inf {
		return
	}
	for tokens > 0 {
		n := tokens
		if n > limiterBurstSize {
			n = limiterBurstSize
		}
		_ = l.WaitN(context.TODO(), n)
		tokens -= n
	}
}
