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
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"github.com/syncthing/unsync/lib/config"
	"github.com/syncthing/unsync/lib/dialer"
	"github.com/syncthing/unsync/lib/manifest"
	"github.com/syncthing/unsync/lib/protocol"
	"github.com/syncthing/unsync/lib/tlsutil"
)

var errAlgorithmMismatch = errors.New("hash algorithm mismatch")

// Server answers block requests from the files below a root directory.
// Blocks are read by byte range and verified against the requested hash
// before being sent; blocks that can't be read or don't match are left
// out of the response.
type Server struct {
	root      string
	algorithm protocol.HashAlgorithm
	tlsCfg    *tls.Config
	limiter   *rate.Limiter
	files     *lru.Cache[string, *os.File]

	mut   sync.Mutex // protects conns
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup
}

// NewServer returns a server for the given configuration. With a non-nil
// tlsCfg the server accepts both TLS and plain connections.
func NewServer(cfg config.ServerConfiguration, tlsCfg *tls.Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if !cfg.Algorithm.Valid() {
		return nil, fmt.Errorf("server: unknown hash algorithm %v", cfg.Algorithm)
	}
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, err
	}
	if info, err := os.Stat(root); err != nil {
		return nil, err
	} else if !info.IsDir() {
		return nil, fmt.Errorf("server root %s is not a directory", root)
	}

	openFiles := cfg.OpenFiles
	if openFiles <= 0 {
		openFiles = 1
	}
	files, err := lru.NewWithEvict(openFiles, func(_ string, fd *os.File) {
		fd.Close()
	})
	if err != nil {
		return nil, err
	}

	return &Server{
		root:      root,
		algorithm: cfg.Algorithm,
		tlsCfg:    tlsCfg,
		limiter:   newLimiter(cfg.MaxSendKbps),
		files:     files,
		conns:     make(map[net.Conn]struct{}),
	}, nil
}

func (s *Server) String() string {
	return fmt.Sprintf("Server@%p{%s}", s, s.root)
}

// Serve accepts connections on lst until ctx is cancelled or the listener
// fails. All connections are closed before it returns.
func (s *Server) Serve(ctx context.Context, lst net.Listener) error {
	if s.tlsCfg != nil {
		lst = &tlsutil.DowngradingListener{Listener: lst, TLSConfig: s.tlsCfg}
	}
	l.Infof("Serving blocks from %s on %v", s.root, lst.Addr())

	stop := context.AfterFunc(ctx, func() {
		lst.Close()
		s.closeConns()
	})
	defer stop()

	var err error
	for {
		var conn net.Conn
		conn, err = lst.Accept()
		if err != nil {
			break
		}
		s.track(conn)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(conn)
			s.handle(ctx, conn)
		}()
	}

	lst.Close()
	s.closeConns()
	s.wg.Wait()
	s.files.Purge()

	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}

func (s *Server) track(conn net.Conn) {
	s.mut.Lock()
	s.conns[conn] = struct{}{}
	metricServerConnections.Inc()
	s.mut.Unlock()
}

func (s *Server) untrack(conn net.Conn) {
	conn.Close()
	s.mut.Lock()
	if _, ok := s.conns[conn]; ok {
		delete(s.conns, conn)
		metricServerConnections.Dec()
	}
	s.mut.Unlock()
}

func (s *Server) closeConns() {
	s.mut.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.mut.Unlock()
}

type serverConn struct {
	remote string
	br     *bufio.Reader
	bw     *bufio.Writer
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	remote := conn.RemoteAddr().String()
	if err := dialer.SetTCPOptions(conn); err != nil {
		l.Debugln("server: setting tcp options:", err)
	}

	cr := &protocol.CountingReader{Reader: conn, Endpoint: "server"}
	cw := &protocol.CountingWriter{Writer: conn, Endpoint: "server"}
	sc := &serverConn{
		remote: remote,
		br:     bufio.NewReaderSize(cr, recvBufferSize),
		bw:     bufio.NewWriterSize(&limitedWriter{writer: cw, limiter: s.limiter}, sendBufferSize),
	}

	if err := s.handshake(sc); err != nil {
		l.Debugf("server: handshake with %s: %v", remote, err)
		return
	}
	l.Debugf("server: %s connected", remote)

	for ctx.Err() == nil {
		cmd, err := protocol.ReadCommand(sc.br)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				l.Debugf("server: reading command from %s: %v", remote, err)
			}
			return
		}
		switch cmd {
		case protocol.CommandDisconnect:
			l.Debugf("server: %s disconnected", remote)
			return
		case protocol.CommandGetBlocks:
			if err := s.serveBlocks(sc); err != nil {
				l.Debugf("server: serving %s: %v", remote, err)
				return
			}
		}
	}
}

func (s *Server) handshake(sc *serverConn) error {
	got, err := protocol.ReadHandshake(sc.br)
	if err != nil {
		return err
	}
	ours := protocol.NewHandshake()
	if err := protocol.WriteHandshake(sc.bw, ours); err != nil {
		return err
	}
	if err := sc.bw.Flush(); err != nil {
		return err
	}
	if got != ours {
		return fmt.Errorf("%w: received %+v", protocol.ErrHandshakeFailed, got)
	}
	return nil
}

func (s *Server) serveBlocks(sc *serverConn) error {
	names, err := protocol.ReadFileList(sc.br)
	if err != nil {
		return err
	}
	hdr, reqs, err := protocol.ReadRequestBlocks(sc.br)
	if err != nil {
		return err
	}
	if hdr.Algorithm != s.algorithm {
		return fmt.Errorf("%w: request uses %v, serving %v", errAlgorithmMismatch, hdr.Algorithm, s.algorithm)
	}

	files := make(map[protocol.Hash128]string, len(names))
	for _, name := range names {
		files[protocol.HashString(name)] = name
	}

	sent := 0
	for _, req := range reqs {
		ok, err := s.serveBlock(sc, files, req)
		if err != nil {
			return err
		}
		if ok {
			sent++
		}
	}
	if err := protocol.WriteTerminator(sc.bw); err != nil {
		return err
	}
	if err := sc.bw.Flush(); err != nil {
		return err
	}
	l.Debugf("server: sent %d of %d requested blocks to %s", sent, len(reqs), sc.remote)
	return nil
}

// serveBlock sends one block. A block that can't be served is skipped and
// reported as not sent; only write errors are returned.
func (s *Server) serveBlock(sc *serverConn, files map[protocol.Hash128]string, req protocol.BlockRequest) (bool, error) {
	name, ok := files[req.FileNameHash]
	if !ok {
		metricServerBlocks.WithLabelValues(blockNoFile).Inc()
		return false, nil
	}
	if req.Size > manifest.MaxBlockSize {
		l.Debugf("server: block %v of %s is too large (%d bytes)", req.BlockHash.Short(), name, req.Size)
		metricServerBlocks.WithLabelValues(blockReadErr).Inc()
		return false, nil
	}

	buf := protocol.BufferPool.Get(int(req.Size))
	defer protocol.BufferPool.Put(buf)

	if err := s.readAt(name, buf, req.Offset); err != nil {
		l.Debugf("server: reading block %v of %s: %v", req.BlockHash.Short(), name, err)
		if errors.Is(err, os.ErrNotExist) || errors.Is(err, errPathNotLocal) {
			metricServerBlocks.WithLabelValues(blockNoFile).Inc()
		} else {
			metricServerBlocks.WithLabelValues(blockReadErr).Inc()
		}
		return false, nil
	}
	if s.algorithm.Sum(buf) != req.BlockHash {
		l.Debugf("server: block %v of %s at %d has changed", req.BlockHash.Short(), name, req.Offset)
		metricServerBlocks.WithLabelValues(blockMismatch).Inc()
		return false, nil
	}

	payload := protocol.Compress(buf)
	if err := protocol.WriteBlockResponse(sc.bw, req.BlockHash, len(buf), payload); err != nil {
		return false, err
	}
	metricServerBlocks.WithLabelValues(blockSent).Inc()
	metricServerBytesSent.Add(float64(len(payload)))
	return true, nil
}

var errPathNotLocal = errors.New("path escapes the served directory")

// localPath maps a file name from the wire to a path below the root.
func (s *Server) localPath(name string) (string, error) {
	rel := filepath.FromSlash(strings.TrimLeft(name, "/"))
	if !filepath.IsLocal(rel) {
		return "", fmt.Errorf("%w: %q", errPathNotLocal, name)
	}
	return filepath.Join(s.root, rel), nil
}

// readAt fills buf from the named file at offset. A file closed by cache
// eviction while in use is opened again once.
func (s *Server) readAt(name string, buf []byte, offset uint64) error {
	for retry := 0; ; retry++ {
		fd, err := s.open(name)
		if err != nil {
			return err
		}
		_, err = fd.ReadAt(buf, int64(offset))
		if errors.Is(err, os.ErrClosed) && retry == 0 {
			continue
		}
		return err
	}
}

func (s *Server) open(name string) (*os.File, error) {
	path, err := s.localPath(name)
	if err != nil {
		return nil, err
	}
	if fd, ok := s.files.Get(path); ok {
		return fd, nil
	}
	fd, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	if prev, ok, _ := s.files.PeekOrAdd(path, fd); ok {
		// Lost a race with another connection opening the same file.
		fd.Close()
		return prev, nil
	}
	return fd, nil
}
