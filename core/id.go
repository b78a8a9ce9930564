// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package core provides the shared types and hashing utilities for the
// bandwidth node: identifiers, metering epochs, reward entries, and the
// device state machine states.
package core

import (
	"encoding/binary"
	"encoding/hex"

	"github.com/luxfi/crypto/blake2b"
)

// ID is a 32-byte identifier used throughout the node.
// All domain object IDs (epochs, entries, sessions) derive from this.
type ID [32]byte

// Empty returns true if the ID is all zeros.
func (id ID) Empty() bool {
	return id == ID{}
}

// Bytes returns the ID as a byte slice.
func (id ID) Bytes() []byte {
	return id[:]
}

// String returns a hex representation of the ID.
func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// IDFromBytes creates an ID from a byte slice.
func IDFromBytes(b []byte) ID {
	var id ID
	copy(id[:], b)
	return id
}

// IDFromString parses a hex-encoded ID.
func IDFromString(s string) (ID, error) {
	var id ID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, err
	}
	copy(id[:], b)
	return id, nil
}

// Hash computes the Blake2b-256 hash of the input and returns it as an ID.
func Hash(data []byte) ID {
	h, _ := blake2b.New256(nil)
	h.Write(data)
	var id ID
	copy(id[:], h.Sum(nil))
	return id
}

// HashMulti computes a Blake2b-256 hash over multiple byte slices.
func HashMulti(parts ...[]byte) ID {
	h, _ := blake2b.New256(nil)
	for _, p := range parts {
		h.Write(p)
	}
	var id ID
	copy(id[:], h.Sum(nil))
	return id
}

// Hashing and signing domains. Every deterministic ID and every signature
// is domain-separated so material can never be replayed across contexts.
const (
	DomainEpoch     = "BW:Epoch:v1"
	DomainEntry     = "BW:Entry:v1"
	DomainHandshake = "BW:Handshake:v1"
	DomainKey       = "BW:Key:v1"
)

// Uint64ToBytes converts a uint64 to big-endian bytes.
func Uint64ToBytes(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

// Uint32ToBytes converts a uint32 to big-endian bytes.
func Uint32ToBytes(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

// BytesToUint64 converts big-endian bytes to uint64.
func BytesToUint64(b []byte) uint64 {
	if len(b) < 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}
