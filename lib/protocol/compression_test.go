// Copyright (C) 2026 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package protocol

import (
	"bytes"
	"crypto/rand"
	"testing"
)

func TestCompressCompressible(t *testing.T) {
	data := bytes.Repeat([]byte{0x42}, 64<<KiB)
	comp := Compress(data)
	if len(comp) >= len(data) {
		t.Fatalf("expected compression, got %d bytes", len(comp))
	}
	res, err := Decompress(comp, len(data))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(res, data) {
		t.Error("data mismatch after decompression")
	}
}

func TestCompressIncompressibleIsRaw(t *testing.T) {
	data := make([]byte, 4096)
	_, _ = rand.Read(data)

	comp := Compress(data)
	if !bytes.Equal(comp, data) {
		t.Fatal("incompressible data should be stored raw")
	}
	res, err := Decompress(comp, len(data))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(res, data) {
		t.Error("data mismatch")
	}
}

func TestDecompressWrongSize(t *testing.T) {
	data := bytes.Repeat([]byte("abc"), 1000)
	comp := Compress(data)
	if _, err := Decompress(comp, len(data)+5); err == nil {
		t.Error("expected size mismatch to fail")
	}
}

func TestEmptyBlock(t *testing.T) {
	comp := Compress(nil)
	if len(comp) != 0 {
		t.Fatalf("expected empty payload, got %d bytes", len(comp))
	}
	res, err := Decompress(comp, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(res) != 0 {
		t.Error("expected empty result")
	}
}
