// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package daemon

import (
	"encoding/binary"
	"errors"
	"math"

	"github.com/FlinnBella/cryptonode/core"
)

// MessageType tags settlement wire messages on the secure channel.
type MessageType byte

const (
	// MessageTypeSettlementRecord carries a signed reward entry from the
	// device to the companion app.
	MessageTypeSettlementRecord MessageType = 0x01

	// MessageTypeSettlementAck carries the companion's acknowledgement
	// back to the device.
	MessageTypeSettlementAck MessageType = 0x02
)

var errShortMessage = errors.New("message too short")

// PeekType returns the type tag of a wire message.
func PeekType(data []byte) (MessageType, error) {
	if len(data) < 1 {
		return 0, errShortMessage
	}
	return MessageType(data[0]), nil
}

// SettlementRecord is the device's settlement claim for one epoch. It
// carries the raw epoch totals so the companion can recompute the amount
// from its own configuration snapshot before acknowledging.
type SettlementRecord struct {
	EpochID          core.ID
	EpochIndex       uint64
	BytesContributed uint64
	QualityScore     float64
	Amount           float64
	Currency         string
	Signature        []byte
}

// EncodeSettlementRecord encodes a settlement record to bytes.
func EncodeSettlementRecord(r *SettlementRecord) []byte {
	size := 1 + 32 + 8 + 8 + 8 + 8 + 4 + len(r.Currency) + 4 + len(r.Signature)
	data := make([]byte, size)
	offset := 0

	data[offset] = byte(MessageTypeSettlementRecord)
	offset++

	copy(data[offset:], r.EpochID[:])
	offset += 32

	binary.BigEndian.PutUint64(data[offset:], r.EpochIndex)
	offset += 8

	binary.BigEndian.PutUint64(data[offset:], r.BytesContributed)
	offset += 8

	binary.BigEndian.PutUint64(data[offset:], math.Float64bits(r.QualityScore))
	offset += 8

	binary.BigEndian.PutUint64(data[offset:], math.Float64bits(r.Amount))
	offset += 8

	binary.BigEndian.PutUint32(data[offset:], uint32(len(r.Currency)))
	offset += 4
	copy(data[offset:], r.Currency)
	offset += len(r.Currency)

	binary.BigEndian.PutUint32(data[offset:], uint32(len(r.Signature)))
	offset += 4
	copy(data[offset:], r.Signature)

	return data
}

// DecodeSettlementRecord decodes a settlement record from bytes.
func DecodeSettlementRecord(data []byte) (*SettlementRecord, error) {
	if len(data) < 1+32+8+8+8+8+4 {
		return nil, errShortMessage
	}
	if MessageType(data[0]) != MessageTypeSettlementRecord {
		return nil, errors.New("not a settlement record")
	}

	r := &SettlementRecord{}
	offset := 1

	copy(r.EpochID[:], data[offset:])
	offset += 32

	r.EpochIndex = binary.BigEndian.Uint64(data[offset:])
	offset += 8

	r.BytesContributed = binary.BigEndian.Uint64(data[offset:])
	offset += 8

	r.QualityScore = math.Float64frombits(binary.BigEndian.Uint64(data[offset:]))
	offset += 8

	r.Amount = math.Float64frombits(binary.BigEndian.Uint64(data[offset:]))
	offset += 8

	currencyLen := int(binary.BigEndian.Uint32(data[offset:]))
	offset += 4
	if offset+currencyLen+4 > len(data) {
		return nil, errShortMessage
	}
	r.Currency = string(data[offset : offset+currencyLen])
	offset += currencyLen

	sigLen := int(binary.BigEndian.Uint32(data[offset:]))
	offset += 4
	if offset+sigLen > len(data) {
		return nil, errShortMessage
	}
	r.Signature = make([]byte, sigLen)
	copy(r.Signature, data[offset:])

	return r, nil
}

// SettlementAck is the companion's response to a settlement record.
type SettlementAck struct {
	EpochID  core.ID
	Accepted bool
}

// EncodeSettlementAck encodes a settlement ack to bytes.
func EncodeSettlementAck(a *SettlementAck) []byte {
	data := make([]byte, 1+32+1)
	data[0] = byte(MessageTypeSettlementAck)
	copy(data[1:], a.EpochID[:])
	if a.Accepted {
		data[33] = 1
	}
	return data
}

// DecodeSettlementAck decodes a settlement ack from bytes.
func DecodeSettlementAck(data []byte) (*SettlementAck, error) {
	if len(data) < 1+32+1 {
		return nil, errShortMessage
	}
	if MessageType(data[0]) != MessageTypeSettlementAck {
		return nil, errors.New("not a settlement ack")
	}

	a := &SettlementAck{}
	copy(a.EpochID[:], data[1:])
	a.Accepted = data[33] == 1
	return a, nil
}
