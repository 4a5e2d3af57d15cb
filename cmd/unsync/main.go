// Copyright (C) 2026 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Command unsync builds block manifests, serves the files they describe
// and fetches missing blocks from a remote store.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/syncthing/unsync/lib/build"
	"github.com/syncthing/unsync/lib/config"
	"github.com/syncthing/unsync/lib/svcutil"
)

type CLI struct {
	Config string `name:"config" short:"c" placeholder:"PATH" env:"UNSYNC_CONFIG" help:"YAML configuration file"`

	Manifest manifestCmd `cmd:"" help:"Build the block manifest of a file"`
	Fetch    fetchCmd    `cmd:"" help:"Fetch the blocks of manifests from a remote store"`
	Serve    serveCmd    `cmd:"" help:"Serve blocks from a directory"`
	Version  versionCmd  `cmd:"" help:"Show version"`
}

// loadConfig returns the configuration file named on the command line, or
// the defaults when there is none.
func (c *CLI) loadConfig() (config.Configuration, error) {
	if c.Config == "" {
		return config.New(), nil
	}
	cfg, err := config.Load(c.Config)
	if err != nil {
		return config.Configuration{}, fmt.Errorf("loading configuration: %w", err)
	}
	return cfg, nil
}

type versionCmd struct{}

func (versionCmd) Run() error {
	fmt.Println(build.LongVersion)
	return nil
}

func main() {
	var cli CLI
	kongCtx := kong.Parse(&cli,
		kong.Name("unsync"),
		kong.Description("Content addressed block synchronization"),
		kong.UsageOnError(),
	)

	if _, err := maxprocs.Set(maxprocs.Logger(l.Debugf)); err != nil {
		l.Debugln("Setting GOMAXPROCS:", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	kongCtx.BindTo(ctx, (*context.Context)(nil))
	err := kongCtx.Run(&cli)
	if err != nil {
		l.Warnln(err)
		cancel()
		os.Exit(svcutil.AsFatalErr(err, svcutil.ExitError).Status.AsInt())
	}
}
