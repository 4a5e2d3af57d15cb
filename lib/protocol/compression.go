// Copyright (C) 2026 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package protocol

import (
	"errors"
	"fmt"

	lz4 "github.com/pierrec/lz4/v4"
)

var errNotCompressible = errors.New("not compressible")

// Compress returns the lz4 block encoding of src. When lz4 cannot make the
// data smaller the result is a plain copy of src; receivers recognise this
// by the compressed size being equal to the decompressed size.
func Compress(src []byte) []byte {
	buf := make([]byte, lz4.CompressBlockBound(len(src)))
	n, err := lz4Compress(src, buf)
	if err != nil {
		return append([]byte(nil), src...)
	}
	return buf[:n]
}

func lz4Compress(src, buf []byte) (int, error) {
	n, err := lz4.CompressBlock(src, buf, nil)
	if err != nil {
		return -1, err
	} else if n == 0 || n >= len(src) {
		return -1, errNotCompressible
	}
	return n, nil
}

// Decompress expands src into a buffer of exactly size bytes.
func Decompress(src []byte, size int) ([]byte, error) {
	dst := make([]byte, size)
	if err := DecompressInto(dst, src); err != nil {
		return nil, err
	}
	return dst, nil
}

// DecompressInto expands src into dst, which must have the length of the
// decompressed data.
func DecompressInto(dst, src []byte) error {
	if len(src) == len(dst) {
		copy(dst, src)
		return nil
	}
	n, err := lz4.UncompressBlock(src, dst)
	if err != nil {
		return fmt.Errorf("decompress: %w", err)
	}
	if n != len(dst) {
		return fmt.Errorf("decompress: got %d bytes, expected %d", n, len(dst))
	}
	return nil
}
