// Copyright (C) 2026 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package config implements reading and validating the remote endpoint and
// server configuration.
package config

import (
	"fmt"
	"os"

	"sigs.k8s.io/yaml"
)

type Configuration struct {
	Endpoint Endpoint            `json:"endpoint"`
	Server   ServerConfiguration `json:"server"`
}

func New() Configuration {
	var cfg Configuration
	SetDefaults(&cfg)
	return cfg
}

// Load reads a YAML (or JSON) configuration file. Fields missing from the
// file keep their defaults.
func Load(path string) (Configuration, error) {
	bs, err := os.ReadFile(path)
	if err != nil {
		return Configuration{}, err
	}
	return Parse(bs)
}

func Parse(bs []byte) (Configuration, error) {
	cfg := New()
	if err := yaml.Unmarshal(bs, &cfg); err != nil {
		return Configuration{}, fmt.Errorf("parsing configuration: %w", err)
	}
	l.Debugf("parsed configuration: endpoint %v, server %+v", cfg.Endpoint, cfg.Server)
	return cfg, nil
}

func (c Configuration) Save(path string) error {
	bs, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, bs, 0o644)
}
