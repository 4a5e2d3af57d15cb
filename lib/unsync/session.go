// Copyright (C) 2026 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package unsync

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/syncthing/unsync/lib/blockindex"
	"github.com/syncthing/unsync/lib/config"
	"github.com/syncthing/unsync/lib/dialer"
	"github.com/syncthing/unsync/lib/protocol"
	"github.com/syncthing/unsync/lib/tlsutil"
)

const (
	sendBufferSize = 64 << protocol.KiB
	recvBufferSize = 64 << protocol.KiB

	disconnectTimeout = 2 * time.Second
)

type sessionState int

const (
	stateDisconnected sessionState = iota
	stateConnected
	stateInvalid
)

func (s sessionState) String() string {
	switch s {
	case stateDisconnected:
		return "disconnected"
	case stateConnected:
		return "connected"
	case stateInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// DownloadedBlock is handed to the download callback for every block
// received. Data holds the compressed bytes and is only valid for the
// duration of the callback; it must not be retained.
type DownloadedBlock struct {
	Hash             protocol.Hash128
	DecompressedSize int
	CompressedSize   int
	Data             []byte
}

// Decompress returns a copy of the block contents.
func (b DownloadedBlock) Decompress() ([]byte, error) {
	return protocol.Decompress(b.Data, b.DecompressedSize)
}

// Resolution is the set of wire requests covering a list of needed blocks.
type Resolution struct {
	Requests  []protocol.BlockRequest
	Files     []string
	Algorithm protocol.HashAlgorithm
}

// A Resolver translates needed block hashes into wire requests. Hashes it
// doesn't know are left out.
type Resolver interface {
	Resolve(needed []protocol.Hash128) Resolution
}

// IndexResolver resolves directly against idx without locking. The index
// must not be modified while downloads are in flight.
func IndexResolver(idx *blockindex.Index) Resolver {
	return indexResolver{idx}
}

type indexResolver struct {
	idx *blockindex.Index
}

func (r indexResolver) Resolve(needed []protocol.Hash128) Resolution {
	return resolve(r.idx, needed)
}

func resolve(idx *blockindex.Index, needed []protocol.Hash128) Resolution {
	res := Resolution{Algorithm: idx.Algorithm()}
	seenBlocks := make(map[protocol.Hash128]struct{}, len(needed))
	seenFiles := make(map[protocol.Hash128]bool)

	for _, h := range needed {
		if _, ok := seenBlocks[h]; ok {
			continue
		}
		seenBlocks[h] = struct{}{}

		req, ok := idx.FindRequest(h)
		if !ok {
			continue
		}
		known, seen := seenFiles[req.FileNameHash]
		if !seen {
			name, ok := idx.FindFile(req.FileNameHash)
			if ok {
				res.Files = append(res.Files, name)
			}
			seenFiles[req.FileNameHash] = ok
			known = ok
		}
		if !known {
			continue
		}
		res.Requests = append(res.Requests, req)
	}
	return res
}

// Session is one connection speaking the block fetch protocol. A session
// is used by one caller at a time. Once invalid it stays invalid and must
// be discarded.
type Session struct {
	endpoint config.Endpoint
	resolver Resolver
	conn     net.Conn
	cr       *protocol.CountingReader
	cw       *protocol.CountingWriter
	br       *bufio.Reader
	bw       *bufio.Writer

	mut   sync.Mutex // protects state
	state sessionState
}

// Dial connects to the endpoint and performs the handshake. tlsCfg may be
// nil, in which case it is derived from the endpoint when TLS is enabled.
// limiter may be nil for unlimited receive rate.
func Dial(ctx context.Context, ep config.Endpoint, tlsCfg *tls.Config, resolver Resolver, limiter *rate.Limiter) (*Session, error) {
	s := &Session{
		endpoint: ep,
		resolver: resolver,
	}
	if err := s.connect(ctx, tlsCfg, limiter); err != nil {
		metricSessionsFailed.WithLabelValues(ep.String()).Inc()
		return nil, fmt.Errorf("connecting to %v: %w", ep, err)
	}
	metricSessionsCreated.WithLabelValues(ep.String()).Inc()
	return s, nil
}

func (s *Session) connect(ctx context.Context, tlsCfg *tls.Config, limiter *rate.Limiter) error {
	conn, err := dialer.DialContext(ctx, "tcp", s.endpoint.Address(), s.endpoint.DialTimeout())
	if err != nil {
		return err
	}
	if err := dialer.SetTCPOptions(conn); err != nil {
		l.Debugln("Dial (unsync/tcp): setting tcp options:", err)
	}

	if s.endpoint.TLS.Enabled {
		if tlsCfg == nil {
			tlsCfg, err = tlsutil.ClientConfig(s.endpoint.TLS, s.endpoint.Host)
			if err != nil {
				conn.Close()
				return err
			}
		}
		tc := tls.Client(conn, tlsCfg)
		hsCtx := ctx
		if t := s.endpoint.DialTimeout(); t > 0 {
			var cancel context.CancelFunc
			hsCtx, cancel = context.WithTimeout(ctx, t)
			defer cancel()
		}
		if err := tc.HandshakeContext(hsCtx); err != nil {
			tc.Close()
			return fmt.Errorf("TLS handshake: %w", err)
		}
		conn = tc
	}

	s.conn = conn
	s.cr = &protocol.CountingReader{Reader: conn, Endpoint: s.endpoint.String()}
	s.cw = &protocol.CountingWriter{Writer: conn, Endpoint: s.endpoint.String()}
	if limiter != nil {
		s.br = bufio.NewReaderSize(&limitedReader{reader: s.cr, limiter: limiter}, recvBufferSize)
	} else {
		s.br = bufio.NewReaderSize(s.cr, recvBufferSize)
	}
	s.bw = bufio.NewWriterSize(s.cw, sendBufferSize)

	if t := s.endpoint.DialTimeout(); t > 0 {
		_ = conn.SetDeadline(time.Now().Add(t))
	}
	if err := s.handshake(); err != nil {
		s.fail(err)
		return err
	}
	_ = conn.SetDeadline(time.Time{})

	s.setState(stateConnected)
	l.Debugf("connected to %v (%v)", s.endpoint, conn.RemoteAddr())
	return nil
}

func (s *Session) handshake() error {
	sent := protocol.NewHandshake()
	if err := protocol.WriteHandshake(s.bw, sent); err != nil {
		return err
	}
	if err := s.bw.Flush(); err != nil {
		return err
	}
	got, err := protocol.ReadHandshake(s.br)
	if err != nil {
		return err
	}
	if got != sent {
		return fmt.Errorf("%w: sent %+v, received %+v", protocol.ErrHandshakeFailed, sent, got)
	}
	return nil
}

// IsValid returns true while the session is connected and usable.
func (s *Session) IsValid() bool {
	s.mut.Lock()
	defer s.mut.Unlock()
	return s.state == stateConnected
}

func (s *Session) String() string {
	s.mut.Lock()
	defer s.mut.Unlock()
	return fmt.Sprintf("Session@%p{%v, %v}", s, s.endpoint, s.state)
}

func (s *Session) setState(st sessionState) {
	s.mut.Lock()
	s.state = st
	s.mut.Unlock()
}

// fail invalidates the session and closes the socket.
func (s *Session) fail(err error) {
	s.mut.Lock()
	wasValid := s.state != stateInvalid
	s.state = stateInvalid
	s.mut.Unlock()
	if wasValid {
		l.Debugf("session to %v failed: %v", s.endpoint, err)
		if s.conn != nil {
			s.conn.Close()
		}
	}
}

// Download requests the needed blocks and calls fn once for every block
// received, in the order the remote sends them. Needed hashes unknown to
// the resolver are not requested. The remote may satisfy fewer blocks than
// requested; that is not an error and the caller should request the
// missing blocks again.
//
// Any I/O error invalidates the session. Blocks already passed to fn stay
// delivered.
func (s *Session) Download(ctx context.Context, needed []protocol.Hash128, fn func(DownloadedBlock)) error {
	if !s.IsValid() {
		return ErrSessionInvalid
	}

	res := s.resolver.Resolve(needed)
	if len(res.Requests) == 0 {
		l.Debugf("nothing to request from %v for %d needed blocks", s.endpoint, len(needed))
		return nil
	}

	received, err := s.download(ctx, res, fn)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = fmt.Errorf("%w (%v)", ctxErr, err)
		}
		s.fail(err)
		metricDownloads.WithLabelValues(s.endpoint.String(), resultFailure).Inc()
		return fmt.Errorf("download from %v: %w", s.endpoint, err)
	}

	metricDownloads.WithLabelValues(s.endpoint.String(), resultSuccess).Inc()
	l.Debugf("downloaded %d of %d requested blocks from %v", received, len(res.Requests), s.endpoint)
	return nil
}

func (s *Session) download(ctx context.Context, res Resolution, fn func(DownloadedBlock)) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if t := s.endpoint.IOTimeout(); t > 0 {
		_ = s.conn.SetDeadline(time.Now().Add(t))
	}
	// The context ending, by cancellation or deadline, unblocks any pending
	// I/O by expiring the socket deadline.
	stop := context.AfterFunc(ctx, func() {
		_ = s.conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	if err := protocol.WriteCommand(s.bw, protocol.CommandGetBlocks); err != nil {
		return 0, err
	}
	if err := protocol.WriteFileList(s.bw, res.Files); err != nil {
		return 0, err
	}
	if err := protocol.WriteRequestBlocks(s.bw, res.Algorithm, res.Requests); err != nil {
		return 0, err
	}
	if err := s.bw.Flush(); err != nil {
		return 0, err
	}

	rr := protocol.NewResponseReader(s.br)
	defer rr.Release()

	endpoint := s.endpoint.String()
	received := 0
	for {
		hdr, payload, err := rr.Next()
		if err != nil {
			return received, err
		}
		if hdr.IsTerminator() {
			break
		}
		received++
		if received > len(res.Requests) {
			return received, protocol.ErrTooManyResponses
		}

		metricBlocksReceived.WithLabelValues(endpoint).Inc()
		metricBlockBytesReceived.WithLabelValues(endpoint).Add(float64(len(payload)))
		fn(DownloadedBlock{
			Hash:             hdr.Hash,
			DecompressedSize: int(hdr.DecompressedSize),
			CompressedSize:   int(hdr.CompressedSize),
			Data:             payload,
		})
	}

	if !stop() {
		// The context was cancelled right as the terminator arrived; the
		// deadline has been poisoned.
		return received, ctx.Err()
	}
	_ = s.conn.SetDeadline(time.Time{})
	return received, nil
}

// Close tears down the session, telling the remote side when still
// connected. Errors while doing so are ignored.
func (s *Session) Close() error {
	s.mut.Lock()
	wasConnected := s.state == stateConnected
	wasInvalid := s.state == stateInvalid
	s.state = stateInvalid
	s.mut.Unlock()

	if wasInvalid || s.conn == nil {
		return nil
	}
	if wasConnected {
		_ = s.conn.SetWriteDeadline(time.Now().Add(disconnectTimeout))
		if err := protocol.WriteCommand(s.bw, protocol.CommandDisconnect); err == nil {
			_ = s.bw.Flush()
		}
	}
	return s.conn.Close()
}
