// Copyright (C) 2026 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/thejerf/suture/v4"

	"github.com/syncthing/unsync/lib/config"
	"github.com/syncthing/unsync/lib/svcutil"
	"github.com/syncthing/unsync/lib/tlsutil"
	"github.com/syncthing/unsync/lib/unsync"
)

const tlsCommonName = "unsync"

type serveCmd struct {
	Root          string `arg:"" optional:"" type:"existingdir" help:"Directory to serve (overrides the configuration)"`
	Listen        string `short:"l" help:"Listen address (overrides the configuration)"`
	Algorithm     string `help:"Block hash algorithm, sha256 or blake3 (overrides the configuration)"`
	Cert          string `type:"path" help:"TLS certificate, generated when missing (overrides the configuration)"`
	Key           string `type:"path" help:"TLS key, generated when missing (overrides the configuration)"`
	MetricsListen string `help:"Address to serve Prometheus metrics on (overrides the configuration)"`
}

func (c *serveCmd) serverConfig(cfg config.Configuration) (config.ServerConfiguration, error) {
	srv := cfg.Server
	if c.Root != "" {
		srv.Root = c.Root
	}
	if c.Listen != "" {
		srv.Listen = c.Listen
	}
	if c.Algorithm != "" {
		if err := srv.Algorithm.UnmarshalText([]byte(c.Algorithm)); err != nil {
			return srv, err
		}
	}
	if c.Cert != "" {
		srv.CertFile = c.Cert
	}
	if c.Key != "" {
		srv.KeyFile = c.Key
	}
	if c.MetricsListen != "" {
		srv.MetricsListen = c.MetricsListen
	}
	return srv, nil
}

func (c *serveCmd) Run(ctx context.Context, cli *CLI) error {
	cfg, err := cli.loadConfig()
	if err != nil {
		return svcutil.AsFatalErr(err, svcutil.ExitError)
	}
	srvCfg, err := c.serverConfig(cfg)
	if err != nil {
		return svcutil.AsFatalErr(err, svcutil.ExitError)
	}

	var tlsCfg *tls.Config
	if srvCfg.CertFile != "" && srvCfg.KeyFile != "" {
		cert, err := tlsutil.LoadOrGenerateCertificate(srvCfg.CertFile, srvCfg.KeyFile, tlsCommonName)
		if err != nil {
			return svcutil.AsFatalErr(fmt.Errorf("loading certificate: %w", err), svcutil.ExitError)
		}
		tlsCfg = tlsutil.ServerConfig(cert)
	}

	srv, err := unsync.NewServer(srvCfg, tlsCfg)
	if err != nil {
		return svcutil.AsFatalErr(err, svcutil.ExitError)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sup := suture.New("main", svcutil.SpecWithInfoLogger(l))

	blocks := svcutil.AsService(func(ctx context.Context) error {
		lst, err := net.Listen("tcp", srvCfg.Listen)
		if err != nil {
			// Nothing to serve without a listener.
			cancel()
			return svcutil.NoRestartErr(err)
		}
		defer lst.Close()
		return srv.Serve(ctx, lst)
	}, "block server")
	sup.Add(blocks)

	var metrics svcutil.ServiceWithError
	if srvCfg.MetricsListen != "" {
		metrics = svcutil.AsService(func(ctx context.Context) error {
			return serveMetrics(ctx, srvCfg.MetricsListen)
		}, "metrics server")
		sup.Add(metrics)
	}

	<-sup.ServeBackground(ctx)

	for _, svc := range []svcutil.ServiceWithError{blocks, metrics} {
		if svc == nil {
			continue
		}
		if err := svc.Error(); err != nil && !errors.Is(err, context.Canceled) {
			return svcutil.AsFatalErr(fmt.Errorf("%v: %w", svc, err), svcutil.ExitError)
		}
	}
	l.Infoln("Exiting")
	return nil
}

func serveMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	hs := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 15 * time.Second,
	}
	stop := context.AfterFunc(ctx, func() {
		hs.Close()
	})
	defer stop()

	l.Infof("Serving metrics on %s", addr)
	err := hs.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}
