// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package ledger maintains the device's reward entries and their
// settlement lifecycle: Pending -> Signed -> Settled, with Rejected as
// the terminal failure state. Every transition is appended to a
// settlement log so restarts never lose an in-flight entry.
package ledger

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/luxfi/log"

	"github.com/FlinnBella/cryptonode/core"
	"github.com/FlinnBella/cryptonode/signer"
	"github.com/FlinnBella/cryptonode/storage"
)

var (
	// ErrDuplicateEpoch is returned when the epoch was already submitted.
	// The existing entry is left untouched.
	ErrDuplicateEpoch = errors.New("duplicate epoch")

	// ErrOutOfOrder is returned when the epoch index is not the next
	// expected index. The entry is recorded as Rejected.
	ErrOutOfOrder = errors.New("epoch out of order")

	// ErrQualityBelowFloor is returned when the epoch's quality score is
	// below the configured floor. The entry is recorded as Rejected.
	ErrQualityBelowFloor = errors.New("quality below floor")

	// ErrEpochNotSealed is returned for an unsealed epoch.
	ErrEpochNotSealed = errors.New("epoch not sealed")

	// ErrUnknownEpoch is returned when no entry exists for the epoch.
	ErrUnknownEpoch = errors.New("unknown epoch")

	// ErrInvalidTransition is returned when the entry is not in the
	// right status for the requested operation.
	ErrInvalidTransition = errors.New("invalid settlement transition")
)

// Params is the reward configuration snapshot applied to one epoch.
// The daemon freezes it at epoch open so mid-epoch config changes only
// apply from the next epoch.
type Params struct {
	RewardRate   float64 // currency units per byte
	RewardCap    float64 // fairness cap per epoch
	QualityFloor float64 // minimum quality score accepted
	Currency     string
}

// Ledger owns reward entries and the settlement log.
type Ledger struct {
	mu        sync.Mutex
	entries   *storage.EntryStore
	epochs    *storage.EpochStore
	logStore  storage.Store
	authority *signer.Authority

	byEpoch   map[core.ID]uint64 // epoch ID -> epoch index
	logSeq    map[core.ID]uint32 // epoch ID -> next log sequence
	nextIndex uint64

	log log.Logger
}

// New creates a ledger over the store. Call Recover before submitting
// epochs after a restart.
func New(store storage.IterableStore, authority *signer.Authority, logger log.Logger) *Ledger {
	return &Ledger{
		entries:   storage.NewEntryStore(store),
		epochs:    storage.NewEpochStore(store),
		logStore:  storage.NewNamespace(store, storage.PrefixLog),
		authority: authority,
		byEpoch:   make(map[core.ID]uint64),
		logSeq:    make(map[core.ID]uint32),
		log:       logger,
	}
}

// Recover replays the persisted entries, rebuilds the in-memory index,
// and returns the entries still awaiting settlement (Pending or Signed)
// in epoch-index order. Rejected and Settled entries are terminal and
// not returned.
func (l *Ledger) Recover() ([]*core.RewardEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	all, err := l.entries.All()
	if err != nil {
		return nil, fmt.Errorf("recover entries: %w", err)
	}

	var inflight []*core.RewardEntry
	for _, entry := range all {
		l.byEpoch[entry.EpochID] = entry.EpochIndex
		l.logSeq[entry.EpochID] = l.recoverLogSeq(entry.EpochID)
		if entry.EpochIndex >= l.nextIndex {
			l.nextIndex = entry.EpochIndex + 1
		}
		switch entry.Status {
		case core.RewardStatusPending, core.RewardStatusSigned:
			inflight = append(inflight, entry)
		}
	}

	l.log.Info("ledger recovered",
		"entries", len(all),
		"inflight", len(inflight),
		"nextIndex", l.nextIndex,
	)
	return inflight, nil
}

// NextIndex returns the next epoch index the ledger will accept.
func (l *Ledger) NextIndex() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nextIndex
}

// SubmitEpoch accepts a sealed epoch and creates its reward entry. The
// amount is computed from the supplied parameter snapshot. Out-of-order
// and below-floor epochs are recorded as Rejected (terminal) and the
// matching sentinel error is returned with the entry.
func (l *Ledger) SubmitEpoch(epoch *core.MeteringEpoch, p Params) (*core.RewardEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !epoch.Sealed {
		return nil, ErrEpochNotSealed
	}
	if _, ok := l.byEpoch[epoch.ID]; ok {
		return nil, ErrDuplicateEpoch
	}
	if has, err := l.entries.Has(epoch.Index); err != nil {
		return nil, err
	} else if has {
		return nil, ErrDuplicateEpoch
	}

	if err := l.epochs.Put(epoch); err != nil {
		return nil, fmt.Errorf("persist epoch: %w", err)
	}

	if epoch.Index != l.nextIndex {
		entry, err := l.rejectLocked(epoch, fmt.Sprintf("index %d, expected %d", epoch.Index, l.nextIndex))
		if err != nil {
			return nil, err
		}
		return entry, ErrOutOfOrder
	}

	if epoch.QualityScore < p.QualityFloor {
		l.nextIndex = epoch.Index + 1
		entry, err := l.rejectLocked(epoch, fmt.Sprintf("quality %.4f below floor %.4f", epoch.QualityScore, p.QualityFloor))
		if err != nil {
			return nil, err
		}
		return entry, ErrQualityBelowFloor
	}

	amount := core.ComputeReward(epoch.BytesContributed, p.RewardRate, epoch.QualityScore, p.RewardCap)
	entry := core.NewRewardEntry(epoch, amount, p.Currency)

	if err := l.putLocked(entry); err != nil {
		return nil, err
	}
	l.nextIndex = epoch.Index + 1

	l.log.Info("epoch submitted",
		"epoch", epoch.ID,
		"index", epoch.Index,
		"amount", amount,
		"currency", p.Currency,
	)
	return entry, nil
}

// Sign attaches the device signature to a pending entry. On a signing
// failure the entry stays Pending and may be retried.
func (l *Ledger) Sign(epochID core.ID) (*core.RewardEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, err := l.entryLocked(epochID)
	if err != nil {
		return nil, err
	}
	if entry.Status != core.RewardStatusPending {
		return nil, fmt.Errorf("%w: %s entry cannot be signed", ErrInvalidTransition, entry.Status)
	}

	sig, err := l.authority.Sign(entry.SigningBytes())
	if err != nil {
		// Entry stays Pending; the caller retries.
		l.log.Warn("entry signing failed", "epoch", epochID, "error", err)
		return nil, err
	}

	entry.DeviceSignature = sig
	entry.Status = core.RewardStatusSigned
	if err := l.putLocked(entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// Acknowledge settles a signed entry after re-verifying the stored
// signature against the device's published key. A bad signature rejects
// the entry instead of settling it.
func (l *Ledger) Acknowledge(epochID core.ID) (*core.RewardEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, err := l.entryLocked(epochID)
	if err != nil {
		return nil, err
	}
	if entry.Status != core.RewardStatusSigned {
		return nil, fmt.Errorf("%w: %s entry cannot settle", ErrInvalidTransition, entry.Status)
	}

	if !l.authority.Verify(entry.SigningBytes(), entry.DeviceSignature) {
		entry.Status = core.RewardStatusRejected
		entry.Reason = "signature verification failed"
		if err := l.putLocked(entry); err != nil {
			return nil, err
		}
		return entry, ErrInvalidTransition
	}

	entry.Status = core.RewardStatusSettled
	entry.SettledAt = time.Now()
	if err := l.putLocked(entry); err != nil {
		return nil, err
	}

	l.log.Info("entry settled", "epoch", epochID, "amount", entry.Amount)
	return entry, nil
}

// Entry returns the entry for an epoch.
func (l *Ledger) Entry(epochID core.ID) (*core.RewardEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.entryLocked(epochID)
}

// Entries returns all entries in epoch-index order.
func (l *Ledger) Entries() ([]*core.RewardEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.entries.All()
}

// Epoch returns a submitted epoch by ID.
func (l *Ledger) Epoch(epochID core.ID) (*core.MeteringEpoch, error) {
	epoch, err := l.epochs.Get(epochID)
	if err == storage.ErrNotFound {
		return nil, ErrUnknownEpoch
	}
	return epoch, err
}

func (l *Ledger) entryLocked(epochID core.ID) (*core.RewardEntry, error) {
	index, ok := l.byEpoch[epochID]
	if !ok {
		return nil, ErrUnknownEpoch
	}
	entry, err := l.entries.Get(index)
	if err == storage.ErrNotFound {
		return nil, ErrUnknownEpoch
	}
	return entry, err
}

// putLocked persists the entry and appends its transition to the
// settlement log.
func (l *Ledger) putLocked(entry *core.RewardEntry) error {
	if err := l.entries.Put(entry); err != nil {
		return fmt.Errorf("persist entry: %w", err)
	}
	l.byEpoch[entry.EpochID] = entry.EpochIndex
	return l.appendLogLocked(entry.EpochID, entry.Status)
}

func (l *Ledger) rejectLocked(epoch *core.MeteringEpoch, reason string) (*core.RewardEntry, error) {
	entry := core.NewRewardEntry(epoch, 0, "")
	entry.Status = core.RewardStatusRejected
	entry.Reason = reason

	if err := l.putLocked(entry); err != nil {
		return nil, err
	}
	l.log.Warn("epoch rejected", "epoch", epoch.ID, "index", epoch.Index, "reason", reason)
	return entry, nil
}

// Settlement log records: key = epoch ID || big-endian sequence,
// value = status byte || big-endian unix nanos.
func (l *Ledger) appendLogLocked(epochID core.ID, status core.RewardStatus) error {
	seq := l.logSeq[epochID]
	l.logSeq[epochID] = seq + 1

	key := append(epochID.Bytes(), core.Uint32ToBytes(seq)...)
	value := make([]byte, 9)
	value[0] = byte(status)
	copy(value[1:], core.Uint64ToBytes(uint64(time.Now().UnixNano())))
	return l.logStore.Put(key, value)
}

func (l *Ledger) recoverLogSeq(epochID core.ID) uint32 {
	var seq uint32
	for {
		key := append(epochID.Bytes(), core.Uint32ToBytes(seq)...)
		has, err := l.logStore.Has(key)
		if err != nil || !has {
			return seq
		}
		seq++
	}
}

// TransitionLog returns the recorded status transitions for an epoch in
// append order.
func (l *Ledger) TransitionLog(epochID core.ID) ([]core.RewardStatus, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var transitions []core.RewardStatus
	for seq := uint32(0); ; seq++ {
		key := append(epochID.Bytes(), core.Uint32ToBytes(seq)...)
		value, err := l.logStore.Get(key)
		if err == storage.ErrNotFound {
			return transitions, nil
		}
		if err != nil {
			return nil, err
		}
		transitions = append(transitions, core.RewardStatus(value[0]))
	}
}
