// Copyright (C) 2026 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package unsync

import "github.com/syncthing/unsync/lib/logger"

var l = logger.DefaultLogger.NewFacility("unsync", "Block fetch sessions and connection pooling")
