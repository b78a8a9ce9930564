// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package core

import (
	"encoding/binary"
	"math"
	"time"
)

// RewardStatus is the settlement state of a reward entry.
type RewardStatus uint8

const (
	// RewardStatusPending - entry created from a sealed epoch, unsigned
	RewardStatusPending RewardStatus = iota
	// RewardStatusSigned - device signature attached
	RewardStatusSigned
	// RewardStatusSettled - acknowledged by the companion; immutable
	RewardStatusSettled
	// RewardStatusRejected - terminal failure; never retried automatically
	RewardStatusRejected
)

func (s RewardStatus) String() string {
	switch s {
	case RewardStatusPending:
		return "pending"
	case RewardStatusSigned:
		return "signed"
	case RewardStatusSettled:
		return "settled"
	case RewardStatusRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// RewardEntry is one settlement record produced from a sealed epoch.
// Status moves Pending -> Signed -> Settled; any step may move to
// Rejected, which is terminal.
type RewardEntry struct {
	// EpochID is the epoch this entry settles
	EpochID ID `json:"epochId"`

	// EpochIndex mirrors the epoch counter for chronological audit
	EpochIndex uint64 `json:"epochIndex"`

	// Amount is the computed reward
	Amount float64 `json:"amount"`

	// Currency names the reward currency (configuration-supplied)
	Currency string `json:"currency"`

	// DeviceSignature covers SigningBytes(); required before Settled
	DeviceSignature []byte `json:"deviceSignature,omitempty"`

	// Status is the settlement state
	Status RewardStatus `json:"status"`

	// Reason records why an entry was rejected
	Reason string `json:"reason,omitempty"`

	// CreatedAt is when the entry was created from the sealed epoch
	CreatedAt time.Time `json:"createdAt"`

	// SettledAt is when the entry reached Settled
	SettledAt time.Time `json:"settledAt,omitempty"`
}

// ComputeReward computes the reward amount for a sealed epoch.
// amount = min(bytes * rate * quality, cap)
//
// Pure and deterministic: every party holding the epoch and the epoch's
// configuration snapshot computes the identical amount.
func ComputeReward(bytesContributed uint64, rate, quality, cap float64) float64 {
	amount := float64(bytesContributed) * rate * quality
	return math.Min(amount, cap)
}

// SigningBytes returns the canonical byte encoding the device signature
// covers: domain || epoch_id || epoch_index || amount || currency.
// Any mutation of a settled amount invalidates the signature.
func (r *RewardEntry) SigningBytes() []byte {
	buf := make([]byte, 0, len(DomainEntry)+32+8+8+len(r.Currency))
	buf = append(buf, DomainEntry...)
	buf = append(buf, r.EpochID[:]...)
	buf = append(buf, Uint64ToBytes(r.EpochIndex)...)

	amt := make([]byte, 8)
	binary.BigEndian.PutUint64(amt, math.Float64bits(r.Amount))
	buf = append(buf, amt...)

	buf = append(buf, r.Currency...)
	return buf
}

// NewRewardEntry creates a pending entry for a sealed epoch.
func NewRewardEntry(epoch *MeteringEpoch, amount float64, currency string) *RewardEntry {
	return &RewardEntry{
		EpochID:    epoch.ID,
		EpochIndex: epoch.Index,
		Amount:     amount,
		Currency:   currency,
		Status:     RewardStatusPending,
		CreatedAt:  time.Now(),
	}
}
