// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package meter accumulates bandwidth contribution into fixed epochs.
// Sampling is strictly monotonic in time: a sample that does not advance
// the clock is dropped, so counters never move backwards.
package meter

import (
	"errors"
	"math"
	"sync"
	"time"

	"github.com/luxfi/log"

	"github.com/FlinnBella/cryptonode/core"
)

var (
	// ErrClockRegression is returned when a sample's timestamp does not
	// advance past the previous accepted sample. The sample is dropped;
	// accumulated totals are never adjusted downward.
	ErrClockRegression = errors.New("clock regression")

	// ErrNoEpoch is returned when no epoch is open.
	ErrNoEpoch = errors.New("no open epoch")

	// ErrEpochMismatch is returned when the epoch ID does not name the
	// currently open epoch.
	ErrEpochMismatch = errors.New("epoch mismatch")
)

// Meter accumulates bandwidth samples into the currently open epoch.
// One goroutine samples while another rolls epochs over, so all state is
// guarded by one mutex.
type Meter struct {
	mu       sync.Mutex
	deviceID core.ID
	index    uint64
	current  *core.MeteringEpoch
	lastTS   time.Time

	// Welford running statistics over inter-sample gaps, reset per epoch.
	gapCount int
	gapMean  float64
	gapM2    float64

	log log.Logger
}

// New creates a meter for the device. startIndex is the next epoch index
// to assign; the caller restores it across restarts so indexes stay
// monotonic for the ledger.
func New(deviceID core.ID, startIndex uint64, logger log.Logger) *Meter {
	return &Meter{
		deviceID: deviceID,
		index:    startIndex,
		log:      logger,
	}
}

// OpenEpoch opens a new metering window and returns its ID. Any
// previously open epoch must be closed first.
func (m *Meter) OpenEpoch(now time.Time) (core.ID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil {
		return core.ID{}, ErrEpochMismatch
	}

	m.current = core.NewMeteringEpoch(m.deviceID, m.index, now)
	m.lastTS = time.Time{}
	m.gapCount = 0
	m.gapMean = 0
	m.gapM2 = 0

	m.log.Debug("epoch opened", "epoch", m.current.ID, "index", m.index)
	return m.current.ID, nil
}

// Record adds one bandwidth sample to the open epoch. Samples must carry
// strictly increasing timestamps; a stale timestamp drops the sample.
func (m *Meter) Record(bytes uint64, ts time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		return ErrNoEpoch
	}
	if !m.lastTS.IsZero() && !ts.After(m.lastTS) {
		return ErrClockRegression
	}

	if !m.lastTS.IsZero() {
		gap := ts.Sub(m.lastTS).Seconds()
		m.gapCount++
		delta := gap - m.gapMean
		m.gapMean += delta / float64(m.gapCount)
		m.gapM2 += delta * (gap - m.gapMean)
	}

	m.current.BytesContributed += bytes
	m.current.SampleCount++
	m.lastTS = ts
	return nil
}

// CloseEpoch seals the open epoch and returns it. The sealed epoch is
// immutable; the meter is ready for the next OpenEpoch. An epoch with no
// accepted samples still closes, with zero bytes and zero quality.
func (m *Meter) CloseEpoch(id core.ID, now time.Time) (*core.MeteringEpoch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		return nil, ErrNoEpoch
	}
	if m.current.ID != id {
		return nil, ErrEpochMismatch
	}

	epoch := m.current
	epoch.Seal(now, m.qualityLocked())
	m.current = nil
	m.index++

	m.log.Info("epoch sealed",
		"epoch", epoch.ID,
		"index", epoch.Index,
		"bytes", epoch.BytesContributed,
		"samples", epoch.SampleCount,
		"quality", epoch.QualityScore,
	)
	return epoch, nil
}

// Current returns the open epoch's ID, or false when none is open.
func (m *Meter) Current() (core.ID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return core.ID{}, false
	}
	return m.current.ID, true
}

// NextIndex returns the index the next opened epoch will carry.
func (m *Meter) NextIndex() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.index
}

// qualityLocked computes the sampling consistency score in [0,1]:
// 1/(1+cv) where cv is the coefficient of variation of inter-sample
// gaps. No samples scores 0; a single sample has no gap evidence and
// scores 1.
func (m *Meter) qualityLocked() float64 {
	if m.current.SampleCount == 0 {
		return 0
	}
	if m.gapCount < 2 || m.gapMean <= 0 {
		return 1
	}
	variance := m.gapM2 / float64(m.gapCount)
	cv := math.Sqrt(variance) / m.gapMean
	return 1 / (1 + cv)
}
