// Copyright (C) 2026 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package protocol

import (
	"encoding/hex"
	"fmt"

	"lukechampine.com/blake3"
)

// Hash128 is the fixed width content hash used on the wire, both for block
// hashes and for file name hashes.
type Hash128 [16]byte

// ZeroHash is the all-zero hash. It never identifies real content and
// marks the end of a block response stream.
var ZeroHash Hash128

// HashString returns the stable hash of a string, used to identify file
// names on the wire.
func HashString(s string) Hash128 {
	sum := blake3.Sum256([]byte(s))
	var h Hash128
	copy(h[:], sum[:])
	return h
}

func HashFromBytes(bs []byte) (Hash128, error) {
	var h Hash128
	if len(bs) != len(h) {
		return h, fmt.Errorf("hash: incorrect length %d", len(bs))
	}
	copy(h[:], bs)
	return h, nil
}

func ParseHash(s string) (Hash128, error) {
	var h Hash128
	err := h.UnmarshalText([]byte(s))
	return h, err
}

func (h Hash128) IsZero() bool {
	return h == ZeroHash
}

func (h Hash128) String() string {
	return hex.EncodeToString(h[:])
}

// Short returns the first eight hex digits, for log messages.
func (h Hash128) Short() string {
	return hex.EncodeToString(h[:4])
}

func (h Hash128) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

func (h *Hash128) UnmarshalText(bs []byte) error {
	if len(bs) != 2*len(h) {
		return fmt.Errorf("hash: incorrect length %d", len(bs))
	}
	var n Hash128
	if _, err := hex.Decode(n[:], bs); err != nil {
		return fmt.Errorf("hash: %w", err)
	}
	*h = n
	return nil
}
