// Copyright (C) 2026 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"
)

const DefaultPort = 22024

var (
	ErrNoHost              = errors.New("no host configured")
	ErrBadPort             = errors.New("port out of range")
	ErrUnsupportedProtocol = errors.New("unsupported protocol")
	ErrBadMaxConnections   = errors.New("max connections must be positive")
)

// Protocol selects the transport spoken to the remote store.
type Protocol int

const (
	ProtocolUnsync Protocol = iota
	ProtocolJupiter
)

func (p Protocol) String() string {
	switch p {
	case ProtocolUnsync:
		return "unsync"
	case ProtocolJupiter:
		return "jupiter"
	default:
		return "unknown"
	}
}

func (p Protocol) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Protocol) UnmarshalText(bs []byte) error {
	switch string(bs) {
	case "unsync", "":
		*p = ProtocolUnsync
	case "jupiter":
		*p = ProtocolJupiter
	default:
		return fmt.Errorf("%w %q", ErrUnsupportedProtocol, string(bs))
	}
	return nil
}

type TLSConfiguration struct {
	Enabled bool `json:"enabled" default:"false"`
	// Verify enables certificate chain and host name verification.
	Verify     bool   `json:"verify" default:"true"`
	ServerName string `json:"serverName,omitempty"`
	CAFile     string `json:"caFile,omitempty"`
}

// Endpoint describes one remote block store.
type Endpoint struct {
	Host           string           `json:"host"`
	Port           int              `json:"port" default:"22024"`
	Protocol       Protocol         `json:"protocol" default:"unsync"`
	TLS            TLSConfiguration `json:"tls"`
	MaxConnections int              `json:"maxConnections" default:"8"`
	DialTimeoutS   int              `json:"dialTimeoutS" default:"10"`
	// IOTimeoutS bounds each download call on the socket; zero disables it.
	IOTimeoutS  int `json:"ioTimeoutS" default:"300"`
	MaxRecvKbps int `json:"maxRecvKbps" default:"0"`
}

func NewEndpoint(host string, port int) Endpoint {
	var ep Endpoint
	SetDefaults(&ep)
	ep.Host = host
	ep.Port = port
	return ep
}

func (e Endpoint) Address() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

func (e Endpoint) String() string {
	scheme := "tcp"
	if e.TLS.Enabled {
		scheme = "tls"
	}
	return scheme + "://" + e.Address()
}

func (e Endpoint) DialTimeout() time.Duration {
	return time.Duration(e.DialTimeoutS) * time.Second
}

func (e Endpoint) IOTimeout() time.Duration {
	return time.Duration(e.IOTimeoutS) * time.Second
}

// Validate reports whether the descriptor can be used to reach a remote
// store with the block fetch protocol.
func (e Endpoint) Validate() error {
	if e.Host == "" {
		return ErrNoHost
	}
	if e.Port <= 0 || e.Port > 65535 {
		return fmt.Errorf("%w: %d", ErrBadPort, e.Port)
	}
	if e.Protocol != ProtocolUnsync {
		return fmt.Errorf("%w %v", ErrUnsupportedProtocol, e.Protocol)
	}
	if e.MaxConnections <= 0 {
		return fmt.Errorf("%w: %d", ErrBadMaxConnections, e.MaxConnections)
	}
	return nil
}
