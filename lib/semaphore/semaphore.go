// Copyright (C) 2018 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package semaphore implements a counting semaphore used for admission
// control.
package semaphore

import (
	"context"
	"sync"
)

type Semaphore struct {
	max       int
	available int
	mut       sync.Mutex
	cond      *sync.Cond
}

func New(max int) *Semaphore {
	if max < 0 {
		max = 0
	}
	s := Semaphore{
		max:       max,
		available: max,
	}
	s.cond = sync.NewCond(&s.mut)
	return &s
}

// TakeWithContext blocks until size units are available or the context
// is done. Requests larger than the capacity are clamped to it.
func (s *Semaphore) TakeWithContext(ctx context.Context, size int) error {
	done := make(chan struct{})
	var err error
	go func() {
		err = s.takeInner(ctx, size)
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		// Wake the waiter so it observes the cancellation.
		s.mut.Lock()
		s.cond.Broadcast()
		s.mut.Unlock()
		<-done
	}
	return err
}

func (s *Semaphore) Take(size int) {
	_ = s.takeInner(context.Background(), size)
}

// TryTake takes size units if they are available right now.
func (s *Semaphore) TryTake(size int) bool {
	s.mut.Lock()
	defer s.mut.Unlock()
	if size > s.max {
		size = s.max
	}
	if size > s.available {
		return false
	}
	s.available -= size
	return true
}

func (s *Semaphore) takeInner(ctx context.Context, size int) error {
	s.mut.Lock()
	defer s.mut.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	if size > s.max {
		size = s.max
	}
	for size > s.available {
		s.cond.Wait()
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	s.available -= size
	return nil
}

func (s *Semaphore) Give(size int) {
	s.mut.Lock()
	if size > s.max {
		size = s.max
	}
	if s.available+size > s.max {
		s.available = s.max
	} else {
		s.available += size
	}
	s.cond.Broadcast()
	s.mut.Unlock()
}

func (s *Semaphore) Available() int {
	s.mut.Lock()
	defer s.mut.Unlock()
	return s.available
}

func (s *Semaphore) Capacity() int {
	s.mut.Lock()
	defer s.mut.Unlock()
	return s.max
}
