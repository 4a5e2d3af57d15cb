// Copyright (C) 2026 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/syncthing/unsync/lib/config"
	"github.com/syncthing/unsync/lib/manifest"
	"github.com/syncthing/unsync/lib/protocol"
	"github.com/syncthing/unsync/lib/svcutil"
	"github.com/syncthing/unsync/lib/unsync"
)

type fetchCmd struct {
	Manifests []string `arg:"" type:"existingfile" help:"Manifests of the files to fetch"`
	Target    string   `short:"t" default:"." type:"path" help:"Directory the files are written under"`

	Host           string `help:"Remote host (overrides the configuration)"`
	Port           int    `help:"Remote port (overrides the configuration)"`
	TLS            bool   `name:"tls" help:"Connect using TLS"`
	Insecure       bool   `help:"Do not verify the remote certificate"`
	MaxConnections int    `help:"Concurrent connections to the remote (overrides the configuration)"`

	BatchSize int `default:"256" help:"Blocks per request"`
	Attempts  int `default:"3" help:"Download rounds before giving up"`
}

// blockLocation is a place in a target file where a block belongs.
type blockLocation struct {
	fd     *os.File
	offset int64
	size   int
}

type target struct {
	manifest *manifest.FileManifest
	fd       *os.File
}

func (c *fetchCmd) endpoint(cfg config.Configuration) config.Endpoint {
	ep := cfg.Endpoint
	if c.Host != "" {
		ep.Host = c.Host
	}
	if c.Port != 0 {
		ep.Port = c.Port
	}
	if c.TLS {
		ep.TLS.Enabled = true
	}
	if c.Insecure {
		ep.TLS.Verify = false
	}
	if c.MaxConnections != 0 {
		ep.MaxConnections = c.MaxConnections
	}
	return ep
}

func (c *fetchCmd) Run(ctx context.Context, cli *CLI) error {
	cfg, err := cli.loadConfig()
	if err != nil {
		return svcutil.AsFatalErr(err, svcutil.ExitError)
	}
	ep := c.endpoint(cfg)
	if err := ep.Validate(); err != nil {
		return svcutil.AsFatalErr(fmt.Errorf("remote endpoint: %w", err), svcutil.ExitError)
	}

	targets, err := c.openTargets()
	defer func() {
		for _, t := range targets {
			if err := t.fd.Close(); err != nil {
				l.Warnf("Closing %s: %v", t.fd.Name(), err)
			}
		}
	}()
	if err != nil {
		return err
	}
	if len(targets) == 0 {
		return nil
	}
	algo := targets[0].manifest.Algorithm

	locations := make(map[protocol.Hash128][]blockLocation)
	var needed []protocol.Hash128
	entries := make([]unsync.FileEntry, 0, len(targets))
	for _, t := range targets {
		missing, err := missingBlocks(ctx, t)
		if err != nil {
			return err
		}
		for _, b := range missing {
			if _, ok := locations[b.Hash]; !ok {
				needed = append(needed, b.Hash)
			}
			locations[b.Hash] = append(locations[b.Hash], blockLocation{fd: t.fd, offset: int64(b.Offset), size: int(b.Size)})
		}
		l.Debugf("%s: %d of %d blocks needed", t.manifest.Path, len(missing), len(t.manifest.Blocks))
		entries = append(entries, unsync.FileEntry{
			OriginalPath: t.manifest.Path,
			ResolvedPath: t.manifest.Path,
			Manifest:     t.manifest,
		})
	}
	if len(needed) == 0 {
		l.Infoln("All files are up to date")
		return nil
	}

	pool := unsync.NewPool(ep, algo, nil)
	defer pool.Close()
	pool.InitRequestMap(entries)

	f := unsync.NewFetcher(pool)
	f.BatchSize = c.BatchSize
	f.Attempts = c.Attempts

	var (
		writtenMut sync.Mutex
		written    int64
	)
	l.Infof("Fetching %d blocks from %v", len(needed), ep)
	missing, err := f.Fetch(ctx, needed, func(b unsync.DownloadedBlock) error {
		data, err := b.Decompress()
		if err != nil {
			return err
		}
		if got := algo.Sum(data); got != b.Hash {
			return fmt.Errorf("content hashes to %v", got.Short())
		}
		for _, loc := range locations[b.Hash] {
			if len(data) != loc.size {
				return fmt.Errorf("%d bytes, expected %d", len(data), loc.size)
			}
			if _, err := loc.fd.WriteAt(data, loc.offset); err != nil {
				return err
			}
			writtenMut.Lock()
			written += int64(len(data))
			writtenMut.Unlock()
		}
		return nil
	})
	l.Infof("Fetched %d of %d blocks (%d bytes written)", len(needed)-len(missing), len(needed), written)
	if errors.Is(err, unsync.ErrIncomplete) {
		for _, h := range missing {
			l.Debugln("missing block", h.Short())
		}
		return fmt.Errorf("%d blocks could not be fetched: %w", len(missing), err)
	}
	return err
}

// openTargets loads the manifests and opens their target files, sized to
// the manifest. The returned targets must be closed even on error.
func (c *fetchCmd) openTargets() ([]target, error) {
	var targets []target
	for _, path := range c.Manifests {
		m, err := manifest.Load(path)
		if err != nil {
			return targets, svcutil.AsFatalErr(err, svcutil.ExitError)
		}
		if len(targets) > 0 && m.Algorithm != targets[0].manifest.Algorithm {
			return targets, svcutil.AsFatalErr(fmt.Errorf("manifest %s uses %v, expected %v", path, m.Algorithm, targets[0].manifest.Algorithm), svcutil.ExitError)
		}
		local := filepath.FromSlash(m.Path)
		if !filepath.IsLocal(local) {
			return targets, svcutil.AsFatalErr(fmt.Errorf("manifest %s: path %q escapes the target directory", path, m.Path), svcutil.ExitError)
		}
		dst := filepath.Join(c.Target, local)
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return targets, err
		}
		fd, err := os.OpenFile(dst, os.O_RDWR|os.O_CREATE, 0o644)
		if err != nil {
			return targets, err
		}
		targets = append(targets, target{manifest: m, fd: fd})
		if err := fd.Truncate(int64(m.Size)); err != nil {
			return targets, err
		}
	}
	return targets, nil
}

// missingBlocks returns the blocks of the target whose current content
// does not match the manifest.
func missingBlocks(ctx context.Context, t target) ([]manifest.Block, error) {
	var missing []manifest.Block
	var buf []byte
	for _, b := range t.manifest.Blocks {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if cap(buf) < int(b.Size) {
			buf = make([]byte, b.Size)
		}
		buf = buf[:b.Size]
		if _, err := t.fd.ReadAt(buf, int64(b.Offset)); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("reading %s: %w", t.fd.Name(), err)
		}
		if t.manifest.Algorithm.Sum(buf) != b.Hash {
			missing = append(missing, b)
		}
	}
	return missing, nil
}
