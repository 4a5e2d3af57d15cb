// Copyright (C) 2026 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package dialer

import (
	"context"
	"net"
	"testing"
	"time"
)

func TestDialDirect(t *testing.T) {
	lst, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer lst.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := lst.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	conn, err := DialContext(context.Background(), "tcp", lst.Addr().String(), 5*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	if err := SetTCPOptions(conn); err != nil {
		t.Error(err)
	}

	select {
	case c := <-accepted:
		c.Close()
	case <-time.After(5 * time.Second):
		t.Fatal("connection was not accepted")
	}
}

func TestSetTCPOptionsUnknownType(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	if err := SetTCPOptions(a); err == nil {
		t.Error("expected error for pipe connection")
	}
}
