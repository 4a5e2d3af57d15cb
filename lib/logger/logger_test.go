// Copyright (C) 2026 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package logger

import (
	"bytes"
	"strings"
	"testing"
)

func TestFacilityDebugging(t *testing.T) {
	var buf bytes.Buffer
	l := newLogger(&buf)

	f := l.NewFacility("pool", "Connection pool")
	f.Debugln("hidden")
	if buf.Len() != 0 {
		t.Fatalf("unexpected output with debug disabled: %q", buf.String())
	}

	l.SetDebug("pool", true)
	f.Debugf("shown %d", 42)
	if !strings.Contains(buf.String(), "DEBUG: shown 42") {
		t.Fatalf("missing debug output, got %q", buf.String())
	}

	if descr := l.Facilities()["pool"]; descr != "Connection pool" {
		t.Errorf("unexpected description %q", descr)
	}
}

func TestHandlers(t *testing.T) {
	l := newLogger(&bytes.Buffer{})

	var got []string
	l.AddHandler(LevelInfo, func(_ LogLevel, msg string) {
		got = append(got, msg)
	})

	l.Debugln("debug")
	l.Infoln("info")
	l.Warnf("warn %s", "here")

	if len(got) != 2 || got[0] != "info" || got[1] != "warn here" {
		t.Fatalf("unexpected handler calls %v", got)
	}
}

func TestTraceAll(t *testing.T) {
	t.Setenv(TraceEnv, "all")
	l := newLogger(&bytes.Buffer{})
	l.NewFacility("anything", "")
	if !l.ShouldDebug("anything") {
		t.Error("facility should be traced with all")
	}
}

func TestTraceList(t *testing.T) {
	t.Setenv(TraceEnv, "unsync, protocol")
	l := newLogger(&bytes.Buffer{})
	l.NewFacility("protocol", "")
	l.NewFacility("config", "")
	if !l.ShouldDebug("protocol") {
		t.Error("protocol should be traced")
	}
	if l.ShouldDebug("config") {
		t.Error("config should not be traced")
	}
}

func TestControlStripper(t *testing.T) {
	var buf bytes.Buffer
	w := controlStripper{&buf}
	_, _ = w.Write([]byte("a\x1bb\nc"))
	if buf.String() != "a b\nc" {
		t.Errorf("unexpected output %q", buf.String())
	}
}
