// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package ledger

import (
	"errors"
	"io"
	"testing"
	"time"

	"github.com/luxfi/log"

	"github.com/FlinnBella/cryptonode/core"
	"github.com/FlinnBella/cryptonode/crypto"
	"github.com/FlinnBella/cryptonode/signer"
	"github.com/FlinnBella/cryptonode/storage"
)

var testParams = Params{
	RewardRate:   0.001 / (1 << 20), // 0.001 per MiB
	RewardCap:    1.0,
	QualityFloor: 0.2,
	Currency:     "NETX",
}

func testAuthority(t *testing.T) *signer.Authority {
	t.Helper()
	identity, err := crypto.GenerateIdentity()
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}
	a, err := signer.NewAuthority(identity, log.NewWriter(io.Discard))
	if err != nil {
		t.Fatalf("authority: %v", err)
	}
	return a
}

func sealedEpoch(index uint64, bytes uint64, quality float64) *core.MeteringEpoch {
	start := time.Unix(1700000000, 0).Add(time.Duration(index) * time.Hour)
	epoch := core.NewMeteringEpoch(core.Hash([]byte("device")), index, start)
	epoch.BytesContributed = bytes
	epoch.SampleCount = 100
	epoch.Seal(start.Add(10*time.Minute), quality)
	return epoch
}

func newLedger(t *testing.T) (*Ledger, storage.IterableStore, *signer.Authority) {
	t.Helper()
	store := storage.NewMemoryStore()
	authority := testAuthority(t)
	l := New(store, authority, log.NewWriter(io.Discard))
	if _, err := l.Recover(); err != nil {
		t.Fatalf("recover: %v", err)
	}
	return l, store, authority
}

func TestSubmitComputesReward(t *testing.T) {
	l, _, _ := newLedger(t)

	// 10 MiB at 0.001/MiB with quality 1.0 -> 0.01.
	entry, err := l.SubmitEpoch(sealedEpoch(0, 10<<20, 1.0), testParams)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	if entry.Amount != 0.01 {
		t.Errorf("amount: got %v, want 0.01", entry.Amount)
	}
	if entry.Status != core.RewardStatusPending {
		t.Errorf("status: got %v, want pending", entry.Status)
	}
	if entry.Currency != "NETX" {
		t.Errorf("currency: got %q", entry.Currency)
	}
}

func TestSubmitAppliesCap(t *testing.T) {
	l, _, _ := newLedger(t)

	// Enormous epoch hits the fairness cap.
	entry, err := l.SubmitEpoch(sealedEpoch(0, 1<<40, 1.0), testParams)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if entry.Amount != testParams.RewardCap {
		t.Errorf("amount: got %v, want cap %v", entry.Amount, testParams.RewardCap)
	}
}

func TestSubmitRejectsDuplicate(t *testing.T) {
	l, _, _ := newLedger(t)

	epoch := sealedEpoch(0, 1<<20, 1.0)
	if _, err := l.SubmitEpoch(epoch, testParams); err != nil {
		t.Fatalf("submit: %v", err)
	}

	if _, err := l.SubmitEpoch(epoch, testParams); err != ErrDuplicateEpoch {
		t.Errorf("expected ErrDuplicateEpoch, got %v", err)
	}

	// The original entry is untouched.
	entry, err := l.Entry(epoch.ID)
	if err != nil {
		t.Fatalf("entry: %v", err)
	}
	if entry.Status != core.RewardStatusPending {
		t.Error("duplicate submission must not disturb the original entry")
	}
}

func TestSubmitRejectsOutOfOrder(t *testing.T) {
	l, _, _ := newLedger(t)

	entry, err := l.SubmitEpoch(sealedEpoch(3, 1<<20, 1.0), testParams)
	if err != ErrOutOfOrder {
		t.Fatalf("expected ErrOutOfOrder, got %v", err)
	}
	if entry.Status != core.RewardStatusRejected {
		t.Error("out-of-order epoch must be recorded as rejected")
	}

	// Index 0 is still the expected next.
	if _, err := l.SubmitEpoch(sealedEpoch(0, 1<<20, 1.0), testParams); err != nil {
		t.Errorf("in-order epoch should be accepted: %v", err)
	}
}

func TestSubmitRejectsBelowQualityFloor(t *testing.T) {
	l, _, _ := newLedger(t)

	entry, err := l.SubmitEpoch(sealedEpoch(0, 1<<20, 0.1), testParams)
	if err != ErrQualityBelowFloor {
		t.Fatalf("expected ErrQualityBelowFloor, got %v", err)
	}
	if entry.Status != core.RewardStatusRejected || entry.Reason == "" {
		t.Error("below-floor epoch must be recorded as rejected with a reason")
	}

	// Rejection consumes the index: the next epoch is still accepted.
	if _, err := l.SubmitEpoch(sealedEpoch(1, 1<<20, 1.0), testParams); err != nil {
		t.Errorf("next epoch should be accepted: %v", err)
	}
}

func TestSubmitRequiresSealedEpoch(t *testing.T) {
	l, _, _ := newLedger(t)

	epoch := core.NewMeteringEpoch(core.Hash([]byte("device")), 0, time.Now())
	if _, err := l.SubmitEpoch(epoch, testParams); err != ErrEpochNotSealed {
		t.Errorf("expected ErrEpochNotSealed, got %v", err)
	}
}

func TestSignAndAcknowledge(t *testing.T) {
	l, _, authority := newLedger(t)

	epoch := sealedEpoch(0, 10<<20, 1.0)
	if _, err := l.SubmitEpoch(epoch, testParams); err != nil {
		t.Fatalf("submit: %v", err)
	}

	signed, err := l.Sign(epoch.ID)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if signed.Status != core.RewardStatusSigned {
		t.Errorf("status: got %v, want signed", signed.Status)
	}
	if !authority.Verify(signed.SigningBytes(), signed.DeviceSignature) {
		t.Error("signature must cover SigningBytes")
	}

	settled, err := l.Acknowledge(epoch.ID)
	if err != nil {
		t.Fatalf("acknowledge: %v", err)
	}
	if settled.Status != core.RewardStatusSettled {
		t.Errorf("status: got %v, want settled", settled.Status)
	}
	if settled.SettledAt.IsZero() {
		t.Error("settled entry must carry a settlement time")
	}

	// Settled is immutable: no further transitions.
	if _, err := l.Sign(epoch.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("sign after settle: expected ErrInvalidTransition, got %v", err)
	}
	if _, err := l.Acknowledge(epoch.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("double acknowledge: expected ErrInvalidTransition, got %v", err)
	}

	// Full transition history in the settlement log.
	transitions, err := l.TransitionLog(epoch.ID)
	if err != nil {
		t.Fatalf("transition log: %v", err)
	}
	want := []core.RewardStatus{
		core.RewardStatusPending,
		core.RewardStatusSigned,
		core.RewardStatusSettled,
	}
	if len(transitions) != len(want) {
		t.Fatalf("transitions: got %v", transitions)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Fatalf("transitions: got %v, want %v", transitions, want)
		}
	}
}

func TestAcknowledgeRequiresSignature(t *testing.T) {
	l, _, _ := newLedger(t)

	epoch := sealedEpoch(0, 1<<20, 1.0)
	l.SubmitEpoch(epoch, testParams)

	if _, err := l.Acknowledge(epoch.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition for unsigned entry, got %v", err)
	}
}

func TestAcknowledgeRejectsTamperedAmount(t *testing.T) {
	l, store, _ := newLedger(t)

	epoch := sealedEpoch(0, 10<<20, 1.0)
	l.SubmitEpoch(epoch, testParams)
	signed, err := l.Sign(epoch.ID)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	// Tamper with the persisted amount behind the ledger's back.
	signed.Amount *= 10
	if err := storage.NewEntryStore(store).Put(signed); err != nil {
		t.Fatalf("tamper: %v", err)
	}

	entry, err := l.Acknowledge(epoch.ID)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected rejection of tampered entry, got %v", err)
	}
	if entry.Status != core.RewardStatusRejected {
		t.Error("tampered entry must end Rejected")
	}
}

func TestRecoverRequeuesInflight(t *testing.T) {
	store := storage.NewMemoryStore()
	authority := testAuthority(t)
	logger := log.NewWriter(io.Discard)

	l := New(store, authority, logger)
	l.Recover()

	e0 := sealedEpoch(0, 1<<20, 1.0) // will settle
	e1 := sealedEpoch(1, 1<<20, 1.0) // stays signed
	e2 := sealedEpoch(2, 1<<20, 1.0) // stays pending

	for _, e := range []*core.MeteringEpoch{e0, e1, e2} {
		if _, err := l.SubmitEpoch(e, testParams); err != nil {
			t.Fatalf("submit %d: %v", e.Index, err)
		}
	}
	l.Sign(e0.ID)
	l.Acknowledge(e0.ID)
	l.Sign(e1.ID)

	// Simulate a restart over the same store.
	restarted := New(store, authority, logger)
	inflight, err := restarted.Recover()
	if err != nil {
		t.Fatalf("recover: %v", err)
	}

	if len(inflight) != 2 {
		t.Fatalf("expected 2 in-flight entries, got %d", len(inflight))
	}
	if inflight[0].EpochID != e1.ID || inflight[0].Status != core.RewardStatusSigned {
		t.Error("signed entry must be re-queued first")
	}
	if inflight[1].EpochID != e2.ID || inflight[1].Status != core.RewardStatusPending {
		t.Error("pending entry must be re-queued")
	}

	// Index continuity survives the restart.
	if restarted.NextIndex() != 3 {
		t.Errorf("next index: got %d, want 3", restarted.NextIndex())
	}
	if _, err := restarted.SubmitEpoch(sealedEpoch(3, 1<<20, 1.0), testParams); err != nil {
		t.Errorf("submission after recovery: %v", err)
	}

	// The signed entry can settle after the restart.
	if _, err := restarted.Acknowledge(e1.ID); err != nil {
		t.Errorf("acknowledge after recovery: %v", err)
	}
}

func TestUnknownEpoch(t *testing.T) {
	l, _, _ := newLedger(t)

	if _, err := l.Entry(core.Hash([]byte("nope"))); err != ErrUnknownEpoch {
		t.Errorf("expected ErrUnknownEpoch, got %v", err)
	}
	if _, err := l.Sign(core.Hash([]byte("nope"))); err != ErrUnknownEpoch {
		t.Errorf("expected ErrUnknownEpoch, got %v", err)
	}
}
