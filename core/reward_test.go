// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package core

import (
	"bytes"
	"math"
	"math/rand"
	"testing"
	"time"
)

func TestComputeRewardExact(t *testing.T) {
	// 10 MB over one epoch at quality 1.0, rate 0.001/MB, cap 100.
	const mb = 1024 * 1024
	rate := 0.001 / float64(mb)

	amount := ComputeReward(10*mb, rate, 1.0, 100)
	if math.Abs(amount-0.01) > 1e-12 {
		t.Errorf("expected 0.01, got %v", amount)
	}
}

func TestComputeRewardBoundaries(t *testing.T) {
	tests := []struct {
		name     string
		bytes    uint64
		rate     float64
		quality  float64
		cap      float64
		expected float64
	}{
		{"zero bytes", 0, 0.5, 1.0, 100, 0},
		{"zero quality", 1 << 20, 0.5, 0, 100, 0},
		{"cap exactly reached", 200, 0.5, 1.0, 100, 100},
		{"cap exceeded", 1000, 0.5, 1.0, 100, 100},
		{"under cap", 100, 0.5, 1.0, 100, 50},
		{"zero cap", 1000, 0.5, 1.0, 0, 0},
	}

	for _, tt := range tests {
		got := ComputeReward(tt.bytes, tt.rate, tt.quality, tt.cap)
		if got != tt.expected {
			t.Errorf("%s: expected %v, got %v", tt.name, tt.expected, got)
		}
	}
}

func TestComputeRewardProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(1))

	for i := 0; i < 10000; i++ {
		b := rng.Uint64() % (1 << 40)
		rate := rng.Float64() * 1e-6
		quality := rng.Float64()
		cap := rng.Float64() * 1000

		got := ComputeReward(b, rate, quality, cap)
		want := math.Min(float64(b)*rate*quality, cap)
		if got != want {
			t.Fatalf("amount mismatch: bytes=%d rate=%v quality=%v cap=%v: got %v want %v",
				b, rate, quality, cap, got, want)
		}
		if got > cap {
			t.Fatalf("amount %v exceeds cap %v", got, cap)
		}
	}
}

func TestSigningBytesCoverEntry(t *testing.T) {
	epoch := NewMeteringEpoch(Hash([]byte("device")), 1, time.Now())
	entry := NewRewardEntry(epoch, 0.25, "LUX")

	base := entry.SigningBytes()
	if !bytes.Equal(base, entry.SigningBytes()) {
		t.Error("signing bytes must be deterministic")
	}

	// Tampering with the amount must change the covered bytes.
	entry.Amount = 0.26
	if bytes.Equal(base, entry.SigningBytes()) {
		t.Error("amount change must change signing bytes")
	}
	entry.Amount = 0.25

	entry.Currency = "XUL"
	if bytes.Equal(base, entry.SigningBytes()) {
		t.Error("currency change must change signing bytes")
	}
}

func TestRewardStatusString(t *testing.T) {
	tests := []struct {
		status   RewardStatus
		expected string
	}{
		{RewardStatusPending, "pending"},
		{RewardStatusSigned, "signed"},
		{RewardStatusSettled, "settled"},
		{RewardStatusRejected, "rejected"},
		{RewardStatus(99), "unknown"},
	}

	for _, tt := range tests {
		if got := tt.status.String(); got != tt.expected {
			t.Errorf("expected %q, got %q", tt.expected, got)
		}
	}
}
