// Copyright (C) 2026 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/syncthing/unsync/lib/manifest"
	"github.com/syncthing/unsync/lib/protocol"
)

type manifestCmd struct {
	File           string                 `arg:"" type:"existingfile" help:"File to describe"`
	Name           string                 `help:"Path recorded in the manifest (default base name of FILE)"`
	Output         string                 `short:"o" placeholder:"PATH" help:"Where to write the manifest (default FILE.manifest.json)"`
	Algorithm      protocol.HashAlgorithm `default:"blake3" help:"Block hash algorithm (sha256 or blake3)"`
	BlockSize      int                    `default:"131072" help:"Block size in bytes"`
	MacroBlockSize int                    `help:"Macro block size in bytes, zero for none"`
}

func (c *manifestCmd) Run(ctx context.Context) error {
	name := c.Name
	if name == "" {
		name = filepath.Base(c.File)
	}
	name = filepath.ToSlash(name)
	if !filepath.IsLocal(filepath.FromSlash(name)) {
		return fmt.Errorf("manifest path %q is not a relative local path", name)
	}

	m, err := manifest.BuildFile(ctx, name, c.File, manifest.BuildOptions{
		Algorithm:      c.Algorithm,
		BlockSize:      c.BlockSize,
		MacroBlockSize: c.MacroBlockSize,
	})
	if err != nil {
		return err
	}

	out := c.Output
	if out == "" {
		out = c.File + ".manifest.json"
	}
	if err := m.Save(out); err != nil {
		return fmt.Errorf("writing manifest: %w", err)
	}
	l.Infof("Wrote manifest of %s to %s: %d blocks, %d macro blocks, %d bytes", name, out, len(m.Blocks), len(m.MacroBlocks), m.Size)
	return nil
}
