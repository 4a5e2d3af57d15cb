// Copyright (C) 2026 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package protocol

import (
	"fmt"

	"github.com/minio/sha256-simd"
	"lukechampine.com/blake3"
)

// HashAlgorithm identifies the strong hash a manifest was built with. The
// numeric value is sent in the request blocks header.
type HashAlgorithm uint64

const (
	HashUnknown HashAlgorithm = iota
	SHA256
	BLAKE3
)

func (h HashAlgorithm) String() string {
	switch h {
	case SHA256:
		return "sha256"
	case BLAKE3:
		return "blake3"
	default:
		return "unknown"
	}
}

func (h HashAlgorithm) Valid() bool {
	return h == SHA256 || h == BLAKE3
}

// Sum returns the strong hash of data, truncated to the wire width.
func (h HashAlgorithm) Sum(data []byte) Hash128 {
	var full [32]byte
	switch h {
	case SHA256:
		full = sha256.Sum256(data)
	case BLAKE3:
		full = blake3.Sum256(data)
	default:
		panic(fmt.Sprintf("bug: hashing with unknown algorithm %d", h))
	}
	var res Hash128
	copy(res[:], full[:])
	return res
}

func (h HashAlgorithm) MarshalText() ([]byte, error) {
	if !h.Valid() {
		return nil, fmt.Errorf("unknown hash algorithm %d", h)
	}
	return []byte(h.String()), nil
}

func (h *HashAlgorithm) UnmarshalText(bs []byte) error {
	switch string(bs) {
	case "sha256":
		*h = SHA256
		return nil
	case "blake3":
		*h = BLAKE3
		return nil
	}
	return fmt.Errorf("unknown hash algorithm %q", string(bs))
}

// HashAlgorithmFromID returns the algorithm for a numeric identifier
// received on the wire.
func HashAlgorithmFromID(id uint64) (HashAlgorithm, error) {
	h := HashAlgorithm(id)
	if !h.Valid() {
		return HashUnknown, fmt.Errorf("unknown hash algorithm %d", id)
	}
	return h, nil
}
