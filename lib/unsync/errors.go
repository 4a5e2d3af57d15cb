// Copyright (C) 2026 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package unsync

import "errors"

var (
	// ErrPoolInvalid is returned by Alloc on a pool that has been
	// invalidated. No connection attempt is made.
	ErrPoolInvalid = errors.New("connection pool is invalid")
	// ErrSessionInvalid is returned when using a session that is not
	// connected. The session must be discarded.
	ErrSessionInvalid = errors.New("session is not connected")
	// ErrIncomplete is returned by Fetch when some blocks could not be
	// fetched.
	ErrIncomplete = errors.New("not all blocks fetched")
)
