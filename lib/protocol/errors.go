// Copyright (C) 2026 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package protocol

import "errors"

var (
	ErrMalformed        = errors.New("malformed message")
	ErrMessageTooLarge  = errors.New("message too large")
	ErrUnknownCommand   = errors.New("unknown command")
	ErrHandshakeFailed  = errors.New("handshake mismatch")
	ErrTooManyResponses = errors.New("more block responses than requests")
	errShortPacket      = errors.New("short packet")
)

func newProtocolError(err error, msgContext string) error {
	return &ProtocolError{Context: msgContext, Err: err}
}

// ProtocolError wraps any failure to read or write a message. The session
// that produced it must be discarded.
type ProtocolError struct {
	Context string
	Err     error
}

func (e *ProtocolError) Error() string {
	return "protocol error on " + e.Context + ": " + e.Err.Error()
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}
