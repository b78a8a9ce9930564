// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package channel implements the secure point-to-point channel between
// the device and its companion app: an authenticated pairing handshake
// over an unreliable, MTU-bounded transport, and an encrypted session
// with strictly increasing per-direction counters.
package channel

import (
	"context"
	"errors"
)

var (
	// ErrAuth is returned when the pairing handshake fails
	// authentication. No session is established; recovery requires a
	// fresh pairing cycle.
	ErrAuth = errors.New("pairing authentication failed")

	// ErrClosed is returned when the session is closed.
	ErrClosed = errors.New("channel closed")

	// ErrChannelFailure is the fatal transport/protocol error: the
	// session is torn down and ledger state is untouched.
	ErrChannelFailure = errors.New("channel failure")
)

// Transport is the BLE collaborator: an unreliable, MTU-bounded byte
// pipe. One Write corresponds to one characteristic write; one value on
// Notifications corresponds to one notification. Writes may be lost,
// duplicated, or reordered in flight - the frame layer recovers.
type Transport interface {
	// Connect establishes the link.
	Connect(ctx context.Context) error

	// Disconnect tears the link down. Notifications is closed.
	Disconnect() error

	// Write sends one datagram of at most MTU bytes.
	Write(ctx context.Context, data []byte) error

	// Notifications returns the inbound datagram stream.
	Notifications() <-chan []byte

	// MTU returns the largest datagram the link carries.
	MTU() int
}

// readDatagram reads one datagram, honoring cancellation.
func readDatagram(ctx context.Context, t Transport) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case data, ok := <-t.Notifications():
		if !ok {
			return nil, ErrClosed
		}
		return data, nil
	}
}
