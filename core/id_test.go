// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package core

import (
	"testing"
	"time"
)

func TestHashDeterminism(t *testing.T) {
	h1 := Hash([]byte("bandwidth"))
	h2 := Hash([]byte("bandwidth"))
	if h1 != h2 {
		t.Error("same input should produce same hash")
	}

	h3 := Hash([]byte("other"))
	if h1 == h3 {
		t.Error("different input should produce different hash")
	}
}

func TestHashMultiNotConcatenation(t *testing.T) {
	// HashMulti over parts equals the hash of the concatenation, so the
	// domain prefix must make IDs distinct across domains.
	a := HashMulti([]byte(DomainEpoch), []byte("x"))
	b := HashMulti([]byte(DomainEntry), []byte("x"))
	if a == b {
		t.Error("different domains should produce different IDs")
	}
}

func TestComputeEpochID(t *testing.T) {
	deviceID := Hash([]byte("device"))

	id1 := ComputeEpochID(deviceID, 7)
	id2 := ComputeEpochID(deviceID, 7)
	if id1 != id2 {
		t.Error("same inputs should produce same epoch ID")
	}

	if id1 == ComputeEpochID(deviceID, 8) {
		t.Error("different index should produce different epoch ID")
	}
	if id1 == ComputeEpochID(Hash([]byte("other")), 7) {
		t.Error("different device should produce different epoch ID")
	}
}

func TestIDStringRoundtrip(t *testing.T) {
	id := Hash([]byte("roundtrip"))

	parsed, err := IDFromString(id.String())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed != id {
		t.Error("string roundtrip mismatch")
	}

	if (ID{}).Empty() != true {
		t.Error("zero ID should be empty")
	}
	if id.Empty() {
		t.Error("nonzero ID should not be empty")
	}
}

func TestUintConversions(t *testing.T) {
	for _, v := range []uint64{0, 1, 1 << 40, ^uint64(0)} {
		if BytesToUint64(Uint64ToBytes(v)) != v {
			t.Errorf("uint64 roundtrip failed for %d", v)
		}
	}
	if BytesToUint64([]byte{1, 2}) != 0 {
		t.Error("short input should decode to zero")
	}
}

func TestNewMeteringEpoch(t *testing.T) {
	deviceID := Hash([]byte("device"))
	start := time.Now()

	epoch := NewMeteringEpoch(deviceID, 3, start)
	if epoch.ID != ComputeEpochID(deviceID, 3) {
		t.Error("epoch ID mismatch")
	}
	if epoch.Sealed {
		t.Error("new epoch should not be sealed")
	}

	epoch.BytesContributed = 42
	epoch.Seal(start.Add(time.Minute), 0.5)
	if !epoch.Sealed {
		t.Error("epoch should be sealed")
	}
	if epoch.QualityScore != 0.5 {
		t.Error("quality score not recorded")
	}

	// Sealing again is a no-op.
	epoch.Seal(start.Add(2*time.Minute), 0.9)
	if epoch.QualityScore != 0.5 {
		t.Error("sealed epoch must be immutable")
	}
}
