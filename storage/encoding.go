// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package storage

import (
	"encoding/binary"
	"errors"
	"math"
	"time"

	"github.com/FlinnBella/cryptonode/core"
)

// Codec handles serialization and deserialization.
// Default implementation uses a simple binary format.
type Codec interface {
	// EncodeEpoch encodes a metering epoch to bytes.
	EncodeEpoch(e *core.MeteringEpoch) ([]byte, error)

	// DecodeEpoch decodes bytes to a metering epoch.
	DecodeEpoch(data []byte) (*core.MeteringEpoch, error)

	// EncodeEntry encodes a reward entry to bytes.
	EncodeEntry(e *core.RewardEntry) ([]byte, error)

	// DecodeEntry decodes bytes to a reward entry.
	DecodeEntry(data []byte) (*core.RewardEntry, error)
}

// BinaryCodec is a simple binary encoder/decoder.
type BinaryCodec struct{}

// NewBinaryCodec creates a new binary codec.
func NewBinaryCodec() *BinaryCodec {
	return &BinaryCodec{}
}

// epochSize is the fixed epoch encoding:
// 32+32+8+8+8+8+8+8+1
const epochSize = 113

// EncodeEpoch encodes a metering epoch to bytes.
func (c *BinaryCodec) EncodeEpoch(e *core.MeteringEpoch) ([]byte, error) {
	if e == nil {
		return nil, errors.New("nil epoch")
	}

	buf := make([]byte, epochSize)
	offset := 0

	copy(buf[offset:], e.ID[:])
	offset += 32

	copy(buf[offset:], e.DeviceID[:])
	offset += 32

	binary.BigEndian.PutUint64(buf[offset:], e.Index)
	offset += 8

	binary.BigEndian.PutUint64(buf[offset:], nanosFromTime(e.StartTime))
	offset += 8

	binary.BigEndian.PutUint64(buf[offset:], nanosFromTime(e.EndTime))
	offset += 8

	binary.BigEndian.PutUint64(buf[offset:], e.BytesContributed)
	offset += 8

	binary.BigEndian.PutUint64(buf[offset:], e.SampleCount)
	offset += 8

	binary.BigEndian.PutUint64(buf[offset:], math.Float64bits(e.QualityScore))
	offset += 8

	if e.Sealed {
		buf[offset] = 1
	}

	return buf, nil
}

// DecodeEpoch decodes bytes to a metering epoch.
func (c *BinaryCodec) DecodeEpoch(data []byte) (*core.MeteringEpoch, error) {
	if len(data) < epochSize {
		return nil, errors.New("data too short")
	}

	e := &core.MeteringEpoch{}
	offset := 0

	copy(e.ID[:], data[offset:])
	offset += 32

	copy(e.DeviceID[:], data[offset:])
	offset += 32

	e.Index = binary.BigEndian.Uint64(data[offset:])
	offset += 8

	e.StartTime = timeFromNanos(binary.BigEndian.Uint64(data[offset:]))
	offset += 8

	e.EndTime = timeFromNanos(binary.BigEndian.Uint64(data[offset:]))
	offset += 8

	e.BytesContributed = binary.BigEndian.Uint64(data[offset:])
	offset += 8

	e.SampleCount = binary.BigEndian.Uint64(data[offset:])
	offset += 8

	e.QualityScore = math.Float64frombits(binary.BigEndian.Uint64(data[offset:]))
	offset += 8

	e.Sealed = data[offset] == 1

	return e, nil
}

// entryFixedSize is the fixed prefix of the entry encoding:
// 32+8+8+1+8+8 plus three length-prefixed fields.
const entryFixedSize = 65

// EncodeEntry encodes a reward entry to bytes.
func (c *BinaryCodec) EncodeEntry(e *core.RewardEntry) ([]byte, error) {
	if e == nil {
		return nil, errors.New("nil entry")
	}

	size := entryFixedSize + 4 + len(e.Currency) + 4 + len(e.DeviceSignature) + 4 + len(e.Reason)
	buf := make([]byte, size)
	offset := 0

	copy(buf[offset:], e.EpochID[:])
	offset += 32

	binary.BigEndian.PutUint64(buf[offset:], e.EpochIndex)
	offset += 8

	binary.BigEndian.PutUint64(buf[offset:], math.Float64bits(e.Amount))
	offset += 8

	buf[offset] = byte(e.Status)
	offset++

	binary.BigEndian.PutUint64(buf[offset:], nanosFromTime(e.CreatedAt))
	offset += 8

	binary.BigEndian.PutUint64(buf[offset:], nanosFromTime(e.SettledAt))
	offset += 8

	offset = putBytes(buf, offset, []byte(e.Currency))
	offset = putBytes(buf, offset, e.DeviceSignature)
	putBytes(buf, offset, []byte(e.Reason))

	return buf, nil
}

// DecodeEntry decodes bytes to a reward entry.
func (c *BinaryCodec) DecodeEntry(data []byte) (*core.RewardEntry, error) {
	if len(data) < entryFixedSize+12 {
		return nil, errors.New("data too short")
	}

	e := &core.RewardEntry{}
	offset := 0

	copy(e.EpochID[:], data[offset:])
	offset += 32

	e.EpochIndex = binary.BigEndian.Uint64(data[offset:])
	offset += 8

	e.Amount = math.Float64frombits(binary.BigEndian.Uint64(data[offset:]))
	offset += 8

	e.Status = core.RewardStatus(data[offset])
	offset++

	e.CreatedAt = timeFromNanos(binary.BigEndian.Uint64(data[offset:]))
	offset += 8

	e.SettledAt = timeFromNanos(binary.BigEndian.Uint64(data[offset:]))
	offset += 8

	currency, offset, err := getBytes(data, offset)
	if err != nil {
		return nil, err
	}
	e.Currency = string(currency)

	sig, offset, err := getBytes(data, offset)
	if err != nil {
		return nil, err
	}
	if len(sig) > 0 {
		e.DeviceSignature = sig
	}

	reason, _, err := getBytes(data, offset)
	if err != nil {
		return nil, err
	}
	e.Reason = string(reason)

	return e, nil
}

// Zero times encode as 0 so they survive the round trip as zero times.
func nanosFromTime(t time.Time) uint64 {
	if t.IsZero() {
		return 0
	}
	return uint64(t.UnixNano())
}

func timeFromNanos(n uint64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, int64(n))
}

func putBytes(buf []byte, offset int, b []byte) int {
	binary.BigEndian.PutUint32(buf[offset:], uint32(len(b)))
	offset += 4
	copy(buf[offset:], b)
	return offset + len(b)
}

func getBytes(data []byte, offset int) ([]byte, int, error) {
	if offset+4 > len(data) {
		return nil, 0, errors.New("data too short")
	}
	n := int(binary.BigEndian.Uint32(data[offset:]))
	offset += 4
	if offset+n > len(data) {
		return nil, 0, errors.New("data too short")
	}
	out := make([]byte, n)
	copy(out, data[offset:offset+n])
	return out, offset + n, nil
}
