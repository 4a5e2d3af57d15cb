// Copyright (C) 2026 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package config

import (
	"errors"

	"github.com/syncthing/unsync/lib/protocol"
)

var ErrNoRoot = errors.New("no root directory configured")

// ServerConfiguration configures the serving side of the protocol.
type ServerConfiguration struct {
	Listen    string                 `json:"listen" default:":22024"`
	Root      string                 `json:"root"`
	Algorithm protocol.HashAlgorithm `json:"algorithm" default:"blake3"`
	// CertFile and KeyFile enable TLS for clients that request it. The
	// pair is generated on first start when missing.
	CertFile      string `json:"certFile,omitempty"`
	KeyFile       string `json:"keyFile,omitempty"`
	MaxSendKbps   int    `json:"maxSendKbps" default:"0"`
	OpenFiles     int    `json:"openFiles" default:"128"`
	MetricsListen string `json:"metricsListen,omitempty"`
}

func (s ServerConfiguration) Validate() error {
	if s.Root == "" {
		return ErrNoRoot
	}
	if s.Listen == "" {
		return errors.New("no listen address configured")
	}
	return nil
}
