// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package core

import "github.com/luxfi/ids"

// DeviceState represents the top-level state of the device.
type DeviceState uint8

const (
	// DeviceStateUnpaired - no companion session, waiting for pairing
	DeviceStateUnpaired DeviceState = iota
	// DeviceStatePairing - handshake with the companion in progress
	DeviceStatePairing
	// DeviceStatePairedIdle - session established, not metering
	DeviceStatePairedIdle
	// DeviceStateMetering - accumulating a bandwidth epoch
	DeviceStateMetering
	// DeviceStateSettling - sealing, signing, and settling an epoch
	DeviceStateSettling
	// DeviceStateDisconnected - channel torn down, cleanup pending
	DeviceStateDisconnected
)

func (s DeviceState) String() string {
	switch s {
	case DeviceStateUnpaired:
		return "unpaired"
	case DeviceStatePairing:
		return "pairing"
	case DeviceStatePairedIdle:
		return "paired_idle"
	case DeviceStateMetering:
		return "metering"
	case DeviceStateSettling:
		return "settling"
	case DeviceStateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// deviceTransitions enumerates the legal state transitions.
// Disconnection is legal from every state: the channel can drop at any time.
var deviceTransitions = map[DeviceState][]DeviceState{
	DeviceStateUnpaired:     {DeviceStatePairing},
	DeviceStatePairing:      {DeviceStatePairedIdle, DeviceStateUnpaired},
	DeviceStatePairedIdle:   {DeviceStateMetering},
	DeviceStateMetering:     {DeviceStateSettling},
	DeviceStateSettling:     {DeviceStatePairedIdle},
	DeviceStateDisconnected: {DeviceStateUnpaired},
}

// CanTransition reports whether moving from -> to is a legal device
// transition.
func CanTransition(from, to DeviceState) bool {
	if to == DeviceStateDisconnected {
		return true
	}
	for _, next := range deviceTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// WalletKey is the public half of the device wallet key. The private key
// never leaves the signing authority.
type WalletKey struct {
	// KeyID identifies the key in secure storage
	KeyID ids.ID `json:"keyId"`

	// PublicKey is the ML-DSA-65 public key
	PublicKey []byte `json:"publicKey"`
}
