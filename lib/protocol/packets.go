// Copyright (C) 2026 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package protocol

import (
	"encoding/binary"
	"fmt"
)

const (
	// Shifts
	KiB = 10
	MiB = 20
)

const (
	// Magic is "UNSY" read as a little endian integer.
	Magic           uint32 = 0x59534e55
	ProtocolVersion uint32 = 1

	// MaxMessageLen is the largest size field accepted from the wire.
	MaxMessageLen = 64 << MiB
)

// Encoded sizes of the fixed layout packets.
const (
	HandshakeSize           = 12
	CommandSize             = 4
	FileListHeaderSize      = 8
	RequestBlocksHeaderSize = 20
	BlockRequestSize        = 48
	BlockResponseHeaderSize = 32
)

var byteOrder = binary.LittleEndian

type Command uint32

const (
	CommandGetBlocks  Command = 1
	CommandDisconnect Command = 2
)

func (c Command) String() string {
	switch c {
	case CommandGetBlocks:
		return "GET_BLOCKS"
	case CommandDisconnect:
		return "DISCONNECT"
	default:
		return fmt.Sprintf("Command(%d)", uint32(c))
	}
}

type Handshake struct {
	Magic   uint32
	Version uint32
	Size    uint32
}

// NewHandshake returns the handshake this implementation sends.
func NewHandshake() Handshake {
	return Handshake{
		Magic:   Magic,
		Version: ProtocolVersion,
		Size:    HandshakeSize,
	}
}

func (h Handshake) MarshalTo(bs []byte) {
	byteOrder.PutUint32(bs[0:], h.Magic)
	byteOrder.PutUint32(bs[4:], h.Version)
	byteOrder.PutUint32(bs[8:], h.Size)
}

func (h *Handshake) Unmarshal(bs []byte) error {
	if len(bs) < HandshakeSize {
		return errShortPacket
	}
	h.Magic = byteOrder.Uint32(bs[0:])
	h.Version = byteOrder.Uint32(bs[4:])
	h.Size = byteOrder.Uint32(bs[8:])
	return nil
}

type FileListHeader struct {
	DataSize uint32
	NumFiles uint32
}

func (h FileListHeader) MarshalTo(bs []byte) {
	byteOrder.PutUint32(bs[0:], h.DataSize)
	byteOrder.PutUint32(bs[4:], h.NumFiles)
}

func (h *FileListHeader) Unmarshal(bs []byte) error {
	if len(bs) < FileListHeaderSize {
		return errShortPacket
	}
	h.DataSize = byteOrder.Uint32(bs[0:])
	h.NumFiles = byteOrder.Uint32(bs[4:])
	return nil
}

type RequestBlocksHeader struct {
	CompressedSize   uint32
	DecompressedSize uint32
	NumRequests      uint32
	Algorithm        HashAlgorithm
}

func (h RequestBlocksHeader) MarshalTo(bs []byte) {
	byteOrder.PutUint32(bs[0:], h.CompressedSize)
	byteOrder.PutUint32(bs[4:], h.DecompressedSize)
	byteOrder.PutUint32(bs[8:], h.NumRequests)
	byteOrder.PutUint64(bs[12:], uint64(h.Algorithm))
}

func (h *RequestBlocksHeader) Unmarshal(bs []byte) error {
	if len(bs) < RequestBlocksHeaderSize {
		return errShortPacket
	}
	h.CompressedSize = byteOrder.Uint32(bs[0:])
	h.DecompressedSize = byteOrder.Uint32(bs[4:])
	h.NumRequests = byteOrder.Uint32(bs[8:])
	h.Algorithm = HashAlgorithm(byteOrder.Uint64(bs[12:]))
	return nil
}

// BlockRequest maps a requested block to the file and byte range that
// holds it.
type BlockRequest struct {
	FileNameHash Hash128
	BlockHash    Hash128
	Offset       uint64
	Size         uint64
}

func (r BlockRequest) MarshalTo(bs []byte) {
	copy(bs[0:16], r.FileNameHash[:])
	copy(bs[16:32], r.BlockHash[:])
	byteOrder.PutUint64(bs[32:], r.Offset)
	byteOrder.PutUint64(bs[40:], r.Size)
}

func (r *BlockRequest) Unmarshal(bs []byte) error {
	if len(bs) < BlockRequestSize {
		return errShortPacket
	}
	copy(r.FileNameHash[:], bs[0:16])
	copy(r.BlockHash[:], bs[16:32])
	r.Offset = byteOrder.Uint64(bs[32:])
	r.Size = byteOrder.Uint64(bs[40:])
	return nil
}

// MacroBlockRequest locates a block inside the larger container that holds
// it. The zero value means no such container is known.
type MacroBlockRequest struct {
	MacroHash         Hash128
	OffsetWithinMacro uint64
	Size              uint64
	MacroBaseOffset   uint64
	MacroTotalSize    uint64
}

func (r MacroBlockRequest) IsZero() bool {
	return r.MacroHash.IsZero()
}

// BlockResponseHeader precedes the compressed payload of every block
// response. PacketSize covers the header and the payload.
type BlockResponseHeader struct {
	PacketSize       uint32
	Hash             Hash128
	DecompressedSize uint32
	CompressedSize   uint64
}

// IsTerminator returns true for the record that ends a response stream.
func (h BlockResponseHeader) IsTerminator() bool {
	return h.Hash.IsZero()
}

func (h BlockResponseHeader) MarshalTo(bs []byte) {
	byteOrder.PutUint32(bs[0:], h.PacketSize)
	copy(bs[4:20], h.Hash[:])
	byteOrder.PutUint32(bs[20:], h.DecompressedSize)
	byteOrder.PutUint64(bs[24:], h.CompressedSize)
}

func (h *BlockResponseHeader) Unmarshal(bs []byte) error {
	if len(bs) < BlockResponseHeaderSize {
		return errShortPacket
	}
	h.PacketSize = byteOrder.Uint32(bs[0:])
	copy(h.Hash[:], bs[4:20])
	h.DecompressedSize = byteOrder.Uint32(bs[20:])
	h.CompressedSize = byteOrder.Uint64(bs[24:])
	return nil
}

func (h BlockResponseHeader) validate() error {
	if h.CompressedSize > MaxMessageLen || h.DecompressedSize > MaxMessageLen {
		return fmt.Errorf("%w: block response of %d/%d bytes", ErrMessageTooLarge, h.CompressedSize, h.DecompressedSize)
	}
	if uint64(h.PacketSize) != BlockResponseHeaderSize+h.CompressedSize {
		return fmt.Errorf("%w: packet size %d does not match payload size %d", ErrMalformed, h.PacketSize, h.CompressedSize)
	}
	if h.IsTerminator() && h.CompressedSize != 0 {
		return fmt.Errorf("%w: terminator carries payload", ErrMalformed)
	}
	return nil
}

// MarshalBlockRequests serializes requests into one contiguous buffer.
func MarshalBlockRequests(reqs []BlockRequest) []byte {
	bs := make([]byte, len(reqs)*BlockRequestSize)
	for i, r := range reqs {
		r.MarshalTo(bs[i*BlockRequestSize:])
	}
	return bs
}

func UnmarshalBlockRequests(bs []byte, count int) ([]BlockRequest, error) {
	if len(bs) != count*BlockRequestSize {
		return nil, fmt.Errorf("%w: %d bytes for %d block requests", ErrMalformed, len(bs), count)
	}
	reqs := make([]BlockRequest, count)
	for i := range reqs {
		_ = reqs[i].Unmarshal(bs[i*BlockRequestSize:])
	}
	return reqs, nil
}

// MarshalFileList encodes each name as a 64 bit length followed by the
// bytes of the name.
func MarshalFileList(names []string) []byte {
	size := 0
	for _, n := range names {
		size += 8 + len(n)
	}
	bs := make([]byte, 0, size)
	for _, n := range names {
		bs = byteOrder.AppendUint64(bs, uint64(len(n)))
		bs = append(bs, n...)
	}
	return bs
}

func UnmarshalFileList(bs []byte, count int) ([]string, error) {
	names := make([]string, 0, count)
	for i := 0; i < count; i++ {
		if len(bs) < 8 {
			return nil, fmt.Errorf("%w: file list truncated at entry %d", ErrMalformed, i)
		}
		n := byteOrder.Uint64(bs)
		bs = bs[8:]
		if n > uint64(len(bs)) {
			return nil, fmt.Errorf("%w: file name length %d exceeds remaining %d bytes", ErrMalformed, n, len(bs))
		}
		names = append(names, string(bs[:n]))
		bs = bs[n:]
	}
	if len(bs) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes after file list", ErrMalformed, len(bs))
	}
	return names, nil
}
