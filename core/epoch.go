// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package core

import "time"

// MeteringEpoch is one fixed-duration accounting window of bandwidth
// contribution. The meter owns the epoch until it is sealed; a sealed
// epoch is immutable and is handed to the ledger exactly once.
type MeteringEpoch struct {
	// ID is the deterministic epoch identifier:
	// H("BW:Epoch:v1" || device_id || index)
	ID ID `json:"id"`

	// DeviceID is the identity of the metering device
	DeviceID ID `json:"deviceId"`

	// Index is the monotonically increasing epoch counter for the device.
	// The ledger enforces submission in index order.
	Index uint64 `json:"index"`

	// StartTime is when the metering window opened
	StartTime time.Time `json:"startTime"`

	// EndTime is when the window was sealed
	EndTime time.Time `json:"endTime,omitempty"`

	// BytesContributed is the total bandwidth recorded in the window
	BytesContributed uint64 `json:"bytesContributed"`

	// SampleCount is the number of accepted samples
	SampleCount uint64 `json:"sampleCount"`

	// QualityScore in [0,1] measures sampling consistency; the ledger
	// uses it as a reward multiplier
	QualityScore float64 `json:"qualityScore"`

	// Sealed marks the epoch immutable
	Sealed bool `json:"sealed"`
}

// ComputeEpochID computes the deterministic epoch ID.
func ComputeEpochID(deviceID ID, index uint64) ID {
	return HashMulti(
		[]byte(DomainEpoch),
		deviceID[:],
		Uint64ToBytes(index),
	)
}

// NewMeteringEpoch opens a new epoch for the device.
func NewMeteringEpoch(deviceID ID, index uint64, start time.Time) *MeteringEpoch {
	return &MeteringEpoch{
		ID:        ComputeEpochID(deviceID, index),
		DeviceID:  deviceID,
		Index:     index,
		StartTime: start,
	}
}

// Seal closes the epoch, making it immutable.
func (e *MeteringEpoch) Seal(end time.Time, quality float64) {
	if e.Sealed {
		return
	}
	e.EndTime = end
	e.QualityScore = quality
	e.Sealed = true
}
