// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package daemon

import (
	"time"

	"github.com/FlinnBella/cryptonode/ledger"
)

// Config holds the daemon configuration.
type Config struct {
	// DeviceName is the human-readable device name
	DeviceName string

	// EpochDuration is the length of one metering window
	EpochDuration time.Duration

	// SampleInterval is the spacing between bandwidth samples
	SampleInterval time.Duration

	// RewardRate is the reward per byte contributed
	RewardRate float64

	// RewardCap is the fairness cap per epoch
	RewardCap float64

	// QualityFloor is the minimum quality score the ledger accepts
	QualityFloor float64

	// Currency names the reward currency
	Currency string

	// MaxMessage bounds one reassembled channel message
	MaxMessage int

	// RetransmitLimit bounds retransmit requests per missing range
	RetransmitLimit int

	// SettleTimeout bounds the wait for a settlement ack
	SettleTimeout time.Duration

	// StorageKey encrypts key material at rest. When empty, a key is
	// derived from the device name.
	StorageKey []byte
}

// DefaultConfig returns the default daemon configuration.
func DefaultConfig() *Config {
	return &Config{
		DeviceName:      "bandwidth-node",
		EpochDuration:   10 * time.Minute,
		SampleInterval:  5 * time.Second,
		RewardRate:      0.001 / (1 << 20), // 0.001 per MiB
		RewardCap:       1.0,
		QualityFloor:    0.2,
		Currency:        "NETX",
		MaxMessage:      1 << 20,
		RetransmitLimit: 16,
		SettleTimeout:   30 * time.Second,
	}
}

// Snapshot freezes the reward parameters for one epoch. The daemon takes
// a snapshot at epoch open; configuration changes apply from the next
// epoch only.
func (c *Config) Snapshot() ledger.Params {
	return ledger.Params{
		RewardRate:   c.RewardRate,
		RewardCap:    c.RewardCap,
		QualityFloor: c.QualityFloor,
		Currency:     c.Currency,
	}
}
