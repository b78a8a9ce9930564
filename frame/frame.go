// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package frame implements the wire framing for the secure channel:
// MTU-bounded chunking with strictly increasing sequence numbers,
// replay-safe reassembly within a bounded window, and selective
// retransmission of exactly the missing ranges.
package frame

import (
	"encoding/binary"
	"errors"
)

// Type identifies the kind of frame.
type Type uint8

const (
	TypeUnknown Type = iota
	// TypeData - one chunk of a logical message
	TypeData
	// TypeDataEnd - the final chunk of a logical message
	TypeDataEnd
	// TypeRetransmitReq - control: request frames [from, to] again
	TypeRetransmitReq
	// TypeAck - control: cumulative ack, sender may evict <= seq
	TypeAck
)

func (t Type) String() string {
	switch t {
	case TypeData:
		return "data"
	case TypeDataEnd:
		return "data_end"
	case TypeRetransmitReq:
		return "retransmit_req"
	case TypeAck:
		return "ack"
	default:
		return "unknown"
	}
}

// HeaderSize is the encoded size of a frame header:
// type (1) || sequence (8) || payload length (2).
const HeaderSize = 1 + 8 + 2

// MaxPayload is the largest payload a single frame can carry.
const MaxPayload = 1<<16 - 1

var (
	// ErrReplay is returned when a frame's sequence number was already
	// accepted. The frame is never re-processed.
	ErrReplay = errors.New("frame replayed")

	// ErrFrameTooLarge is returned when an in-flight message exceeds the
	// configured maximum reassembly size.
	ErrFrameTooLarge = errors.New("frame too large")

	// ErrMissingFrame is returned alongside the missing ranges when a
	// sequence gap is detected.
	ErrMissingFrame = errors.New("missing frame")

	// ErrWindowExceeded is returned when a frame lands beyond the
	// reordering window. Recovery requires tearing the channel down.
	ErrWindowExceeded = errors.New("reorder window exceeded")

	// ErrRangeEvicted is returned when a retransmit request names frames
	// the sender no longer holds.
	ErrRangeEvicted = errors.New("requested range evicted")

	errShortFrame   = errors.New("frame data too short")
	errPayloadBound = errors.New("payload exceeds frame bound")
)

// Frame is one unit on the wire. Sequence numbers are strictly increasing
// per direction across all messages of a session and are never reused.
type Frame struct {
	Type    Type
	Seq     uint64
	Payload []byte
}

// Header returns the encoded header, used as the AEAD associated data so
// the header cannot be altered without failing authentication.
func (f *Frame) Header() []byte {
	h := make([]byte, HeaderSize)
	h[0] = byte(f.Type)
	binary.BigEndian.PutUint64(h[1:], f.Seq)
	binary.BigEndian.PutUint16(h[9:], uint16(len(f.Payload)))
	return h
}

// Encode encodes the frame as header || payload.
func Encode(f *Frame) ([]byte, error) {
	if len(f.Payload) > MaxPayload {
		return nil, errPayloadBound
	}
	buf := make([]byte, HeaderSize+len(f.Payload))
	copy(buf, f.Header())
	copy(buf[HeaderSize:], f.Payload)
	return buf, nil
}

// Decode decodes header || payload into a frame.
func Decode(data []byte) (*Frame, error) {
	if len(data) < HeaderSize {
		return nil, errShortFrame
	}

	f := &Frame{
		Type: Type(data[0]),
		Seq:  binary.BigEndian.Uint64(data[1:]),
	}

	payloadLen := int(binary.BigEndian.Uint16(data[9:]))
	if len(data) < HeaderSize+payloadLen {
		return nil, errShortFrame
	}

	f.Payload = make([]byte, payloadLen)
	copy(f.Payload, data[HeaderSize:])
	return f, nil
}

// Range is an inclusive range of sequence numbers.
type Range struct {
	From uint64
	To   uint64
}

// EncodeRange encodes a retransmit-request payload.
func EncodeRange(r Range) []byte {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf, r.From)
	binary.BigEndian.PutUint64(buf[8:], r.To)
	return buf
}

// DecodeRange decodes a retransmit-request payload.
func DecodeRange(data []byte) (Range, error) {
	if len(data) < 16 {
		return Range{}, errShortFrame
	}
	return Range{
		From: binary.BigEndian.Uint64(data),
		To:   binary.BigEndian.Uint64(data[8:]),
	}, nil
}

// EncodeAck encodes a cumulative ack payload.
func EncodeAck(seq uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, seq)
	return buf
}

// DecodeAck decodes a cumulative ack payload.
func DecodeAck(data []byte) (uint64, error) {
	if len(data) < 8 {
		return 0, errShortFrame
	}
	return binary.BigEndian.Uint64(data), nil
}
