// Copyright (C) 2026 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package protocol

import (
	"fmt"
	"io"
)

// The functions in this file frame the protocol messages onto a stream.
// Every error they return is a *ProtocolError; the stream is unusable
// afterwards.

func WriteHandshake(w io.Writer, h Handshake) error {
	var bs [HandshakeSize]byte
	h.MarshalTo(bs[:])
	if _, err := w.Write(bs[:]); err != nil {
		return newProtocolError(err, "handshake")
	}
	return nil
}

func ReadHandshake(r io.Reader) (Handshake, error) {
	var bs [HandshakeSize]byte
	var h Handshake
	if _, err := io.ReadFull(r, bs[:]); err != nil {
		return h, newProtocolError(err, "handshake")
	}
	_ = h.Unmarshal(bs[:])
	return h, nil
}

func WriteCommand(w io.Writer, c Command) error {
	var bs [CommandSize]byte
	byteOrder.PutUint32(bs[:], uint32(c))
	if _, err := w.Write(bs[:]); err != nil {
		return newProtocolError(err, "command "+c.String())
	}
	return nil
}

func ReadCommand(r io.Reader) (Command, error) {
	var bs [CommandSize]byte
	if _, err := io.ReadFull(r, bs[:]); err != nil {
		return 0, newProtocolError(err, "command")
	}
	c := Command(byteOrder.Uint32(bs[:]))
	switch c {
	case CommandGetBlocks, CommandDisconnect:
		return c, nil
	default:
		return c, newProtocolError(fmt.Errorf("%w %d", ErrUnknownCommand, uint32(c)), "command")
	}
}

// WriteFileList sends the header and the uncompressed list of file names.
func WriteFileList(w io.Writer, names []string) error {
	payload := MarshalFileList(names)
	if len(payload) > MaxMessageLen {
		return newProtocolError(fmt.Errorf("%w: file list of %d bytes", ErrMessageTooLarge, len(payload)), "file list")
	}

	bs := make([]byte, FileListHeaderSize+len(payload))
	FileListHeader{
		DataSize: uint32(len(payload)),
		NumFiles: uint32(len(names)),
	}.MarshalTo(bs)
	copy(bs[FileListHeaderSize:], payload)

	if _, err := w.Write(bs); err != nil {
		return newProtocolError(err, "file list")
	}
	l.Debugf("wrote file list: %d files, %d bytes", len(names), len(payload))
	return nil
}

func ReadFileList(r io.Reader) ([]string, error) {
	var hdrBuf [FileListHeaderSize]byte
	if _, err := io.ReadFull(r, hdrBuf[:]); err != nil {
		return nil, newProtocolError(err, "file list header")
	}
	var hdr FileListHeader
	_ = hdr.Unmarshal(hdrBuf[:])
	if hdr.DataSize > MaxMessageLen {
		return nil, newProtocolError(fmt.Errorf("%w: file list of %d bytes", ErrMessageTooLarge, hdr.DataSize), "file list header")
	}

	payload := make([]byte, hdr.DataSize)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, newProtocolError(err, "file list")
	}
	names, err := UnmarshalFileList(payload, int(hdr.NumFiles))
	if err != nil {
		return nil, newProtocolError(err, "file list")
	}
	return names, nil
}

// WriteRequestBlocks serializes and compresses the requests and sends them
// after their header.
func WriteRequestBlocks(w io.Writer, algo HashAlgorithm, reqs []BlockRequest) error {
	raw := MarshalBlockRequests(reqs)
	if len(raw) > MaxMessageLen {
		return newProtocolError(fmt.Errorf("%w: %d block requests", ErrMessageTooLarge, len(reqs)), "request blocks")
	}
	compressed := Compress(raw)

	bs := make([]byte, RequestBlocksHeaderSize+len(compressed))
	RequestBlocksHeader{
		CompressedSize:   uint32(len(compressed)),
		DecompressedSize: uint32(len(raw)),
		NumRequests:      uint32(len(reqs)),
		Algorithm:        algo,
	}.MarshalTo(bs)
	copy(bs[RequestBlocksHeaderSize:], compressed)

	if _, err := w.Write(bs); err != nil {
		return newProtocolError(err, "request blocks")
	}
	l.Debugf("wrote %d block requests (%d bytes, %d compressed)", len(reqs), len(raw), len(compressed))
	return nil
}

func ReadRequestBlocks(r io.Reader) (RequestBlocksHeader, []BlockRequest, error) {
	var hdrBuf [RequestBlocksHeaderSize]byte
	var hdr RequestBlocksHeader
	if _, err := io.ReadFull(r, hdrBuf[:]); err != nil {
		return hdr, nil, newProtocolError(err, "request blocks header")
	}
	_ = hdr.Unmarshal(hdrBuf[:])
	if hdr.CompressedSize > MaxMessageLen || hdr.DecompressedSize > MaxMessageLen {
		return hdr, nil, newProtocolError(fmt.Errorf("%w: request blocks of %d/%d bytes", ErrMessageTooLarge, hdr.CompressedSize, hdr.DecompressedSize), "request blocks header")
	}
	if uint64(hdr.NumRequests)*BlockRequestSize != uint64(hdr.DecompressedSize) {
		return hdr, nil, newProtocolError(fmt.Errorf("%w: %d bytes for %d requests", ErrMalformed, hdr.DecompressedSize, hdr.NumRequests), "request blocks header")
	}

	compressed := make([]byte, hdr.CompressedSize)
	if _, err := io.ReadFull(r, compressed); err != nil {
		return hdr, nil, newProtocolError(err, "request blocks")
	}
	raw, err := Decompress(compressed, int(hdr.DecompressedSize))
	if err != nil {
		return hdr, nil, newProtocolError(err, "request blocks")
	}
	reqs, err := UnmarshalBlockRequests(raw, int(hdr.NumRequests))
	if err != nil {
		return hdr, nil, newProtocolError(err, "request blocks")
	}
	return hdr, reqs, nil
}

// WriteBlockResponse sends one block. The payload is the output of
// Compress for a block of decompressedSize bytes.
func WriteBlockResponse(w io.Writer, hash Hash128, decompressedSize int, payload []byte) error {
	bs := make([]byte, BlockResponseHeaderSize+len(payload))
	BlockResponseHeader{
		PacketSize:       uint32(len(bs)),
		Hash:             hash,
		DecompressedSize: uint32(decompressedSize),
		CompressedSize:   uint64(len(payload)),
	}.MarshalTo(bs)
	copy(bs[BlockResponseHeaderSize:], payload)

	if _, err := w.Write(bs); err != nil {
		return newProtocolError(err, "block response")
	}
	return nil
}

// WriteTerminator ends a block response stream.
func WriteTerminator(w io.Writer) error {
	var bs [BlockResponseHeaderSize]byte
	BlockResponseHeader{PacketSize: BlockResponseHeaderSize}.MarshalTo(bs[:])
	if _, err := w.Write(bs[:]); err != nil {
		return newProtocolError(err, "terminator")
	}
	return nil
}

// ResponseReader reads a stream of block responses, reusing one payload
// buffer from BufferPool across records.
type ResponseReader struct {
	r   io.Reader
	buf []byte
}

func NewResponseReader(r io.Reader) *ResponseReader {
	return &ResponseReader{r: r}
}

// Next reads one response record. The returned payload is only valid until
// the next call to Next or Release. A terminator is returned with a nil
// payload.
func (rr *ResponseReader) Next() (BlockResponseHeader, []byte, error) {
	var hdrBuf [BlockResponseHeaderSize]byte
	var hdr BlockResponseHeader
	if _, err := io.ReadFull(rr.r, hdrBuf[:]); err != nil {
		return hdr, nil, newProtocolError(err, "block response header")
	}
	_ = hdr.Unmarshal(hdrBuf[:])
	if err := hdr.validate(); err != nil {
		return hdr, nil, newProtocolError(err, "block response header")
	}
	if hdr.IsTerminator() {
		return hdr, nil, nil
	}

	if rr.buf == nil {
		rr.buf = BufferPool.Get(int(hdr.CompressedSize))
	} else {
		rr.buf = BufferPool.Upgrade(rr.buf, int(hdr.CompressedSize))
	}
	if _, err := io.ReadFull(rr.r, rr.buf); err != nil {
		return hdr, nil, newProtocolError(err, "block response")
	}
	return hdr, rr.buf, nil
}

// Release returns the payload buffer to the pool.
func (rr *ResponseReader) Release() {
	if rr.buf != nil {
		BufferPool.Put(rr.buf)
		rr.buf = nil
	}
}
