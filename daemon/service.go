// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package daemon implements the bandwidth node daemon: the device state
// machine that pairs with a companion app over the secure channel,
// meters bandwidth into epochs, and settles reward entries.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/luxfi/log"

	"github.com/FlinnBella/cryptonode/channel"
	"github.com/FlinnBella/cryptonode/core"
	"github.com/FlinnBella/cryptonode/ledger"
	"github.com/FlinnBella/cryptonode/meter"
	"github.com/FlinnBella/cryptonode/signer"
	"github.com/FlinnBella/cryptonode/storage"
)

var (
	// ErrInvalidState is returned when an operation is not legal in the
	// current device state.
	ErrInvalidState = errors.New("invalid device state")

	// ErrNotPaired is returned when no session is established.
	ErrNotPaired = errors.New("not paired")
)

// BandwidthSource is the collaborator the sampling loop reads. Sample
// returns the bytes contributed since the previous call.
type BandwidthSource interface {
	Sample() (uint64, error)
}

// Service is the bandwidth node daemon.
type Service struct {
	config *Config
	log    log.Logger

	store     storage.IterableStore
	authority *signer.Authority
	meter     *meter.Meter
	ledger    *ledger.Ledger
	deviceID  core.ID

	mu       sync.Mutex
	state    core.DeviceState
	session  *channel.Session
	ackWait  map[core.ID]chan bool
	inflight []*core.RewardEntry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates the daemon: provisions the signing authority from secure
// storage, recovers the ledger, and restores epoch index continuity.
func New(config *Config, store storage.IterableStore, logger log.Logger) (*Service, error) {
	if config == nil {
		config = DefaultConfig()
	}

	storageKey := config.StorageKey
	if len(storageKey) == 0 {
		derived := core.HashMulti([]byte(core.DomainKey), []byte(config.DeviceName))
		storageKey = derived[:]
	}
	secure := storage.NewSecureStore(storage.NewNamespace(store, storage.PrefixKey), storageKey)

	authority, err := signer.Provision(secure, logger)
	if err != nil {
		return nil, fmt.Errorf("provision authority: %w", err)
	}

	led := ledger.New(store, authority, logger)
	inflight, err := led.Recover()
	if err != nil {
		return nil, fmt.Errorf("recover ledger: %w", err)
	}

	deviceID := core.Hash(authority.PublicKey().PublicKey)

	return &Service{
		config:    config,
		log:       logger,
		store:     store,
		authority: authority,
		meter:     meter.New(deviceID, led.NextIndex(), logger),
		ledger:    led,
		deviceID:  deviceID,
		state:     core.DeviceStateUnpaired,
		ackWait:   make(map[core.ID]chan bool),
		inflight:  inflight,
	}, nil
}

// Start starts the service.
func (s *Service) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.log.Info("daemon started",
		"device", s.authority.DeviceID(),
		"nextEpoch", s.meter.NextIndex(),
	)
	return nil
}

// Stop stops the service: the session closes and background loops drain.
func (s *Service) Stop() error {
	if s.cancel != nil {
		s.cancel()
	}

	s.mu.Lock()
	sess := s.session
	s.mu.Unlock()
	if sess != nil {
		sess.Close()
	}

	s.wg.Wait()
	return nil
}

// State returns the current device state.
func (s *Service) State() core.DeviceState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// DeviceID returns the device identifier string.
func (s *Service) DeviceID() string {
	return s.authority.DeviceID()
}

// PublicKey returns the device's wallet key.
func (s *Service) PublicKey() core.WalletKey {
	return s.authority.PublicKey()
}

// Ledger exposes the reward ledger for the diagnostic RPC surface.
func (s *Service) Ledger() *ledger.Ledger {
	return s.ledger
}

// setState validates and applies a device state transition.
func (s *Service) setState(to core.DeviceState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setStateLocked(to)
}

func (s *Service) setStateLocked(to core.DeviceState) error {
	if !core.CanTransition(s.state, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidState, s.state, to)
	}
	s.log.Debug("state transition", "from", s.state, "to", to)
	s.state = to
	return nil
}

// Pair runs the responder side of the pairing handshake against the
// pinned companion key. On success the device holds an established
// session and re-sends any settlement entries recovered from a previous
// run.
func (s *Service) Pair(ctx context.Context, t channel.Transport, companionKey []byte) error {
	if err := s.setState(core.DeviceStatePairing); err != nil {
		return err
	}

	if err := t.Connect(ctx); err != nil {
		s.setState(core.DeviceStateUnpaired)
		return fmt.Errorf("connect: %w", err)
	}

	sess, err := channel.Respond(ctx, t, s.authority.PairingIdentity(), companionKey, channel.Options{
		MaxMessage:      s.config.MaxMessage,
		RetransmitLimit: s.config.RetransmitLimit,
	})
	if err != nil {
		t.Disconnect()
		s.setState(core.DeviceStateUnpaired)
		return err
	}

	s.mu.Lock()
	s.session = sess
	s.setStateLocked(core.DeviceStatePairedIdle)
	s.mu.Unlock()

	s.log.Info("paired", "session", core.ID(sess.ID()).String())

	s.wg.Add(1)
	go s.receiveLoop(sess)

	s.resendInflight(ctx, sess)
	return nil
}

// resendInflight re-sends settlement records for entries recovered in
// Pending or Signed state. Acks settle them through the receive loop.
func (s *Service) resendInflight(ctx context.Context, sess *channel.Session) {
	s.mu.Lock()
	pending := s.inflight
	s.inflight = nil
	s.mu.Unlock()

	for _, entry := range pending {
		if entry.Status == core.RewardStatusPending {
			signed, err := s.ledger.Sign(entry.EpochID)
			if err != nil {
				s.log.Warn("in-flight entry signing failed", "epoch", entry.EpochID, "error", err)
				continue
			}
			entry = signed
		}
		if err := s.sendRecord(ctx, sess, entry); err != nil {
			s.log.Warn("in-flight record send failed", "epoch", entry.EpochID, "error", err)
			return
		}
	}
}

// StartMetering begins the sampling loop against the bandwidth source.
func (s *Service) StartMetering(source BandwidthSource) error {
	s.mu.Lock()
	sess := s.session
	if sess == nil {
		s.mu.Unlock()
		return ErrNotPaired
	}
	if err := s.setStateLocked(core.DeviceStateMetering); err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	s.wg.Add(1)
	go s.meteringLoop(sess, source)
	return nil
}

// meteringLoop samples the bandwidth source into epochs and settles each
// epoch at rollover. It exits when the service stops or the session
// tears down; a teardown mid-epoch seals and submits the partial epoch.
func (s *Service) meteringLoop(sess *channel.Session, source BandwidthSource) {
	defer s.wg.Done()

	for {
		snapshot := s.config.Snapshot()
		epochID, err := s.meter.OpenEpoch(time.Now())
		if err != nil {
			s.log.Error("open epoch", "error", err)
			return
		}

		complete := s.sampleEpoch(sess, source, epochID)

		epoch, err := s.meter.CloseEpoch(epochID, time.Now())
		if err != nil {
			s.log.Error("close epoch", "error", err)
			return
		}

		if !complete {
			// Partial epoch: submit so the contribution is not lost; it
			// settles after the next pairing.
			if _, err := s.ledger.SubmitEpoch(epoch, snapshot); err != nil {
				s.log.Warn("partial epoch submission", "epoch", epoch.ID, "error", err)
			}
			s.handleDisconnect(sess)
			return
		}

		if !s.settleEpoch(sess, epoch, snapshot) {
			return
		}

		s.mu.Lock()
		if s.state != core.DeviceStatePairedIdle || s.session != sess {
			s.mu.Unlock()
			return
		}
		s.setStateLocked(core.DeviceStateMetering)
		s.mu.Unlock()
	}
}

// sampleEpoch runs one epoch's sampling window. Returns false when the
// epoch was cut short by shutdown or session teardown.
func (s *Service) sampleEpoch(sess *channel.Session, source BandwidthSource, epochID core.ID) bool {
	ticker := time.NewTicker(s.config.SampleInterval)
	defer ticker.Stop()
	rollover := time.NewTimer(s.config.EpochDuration)
	defer rollover.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return false
		case <-sess.Done():
			return false
		case <-rollover.C:
			return true
		case <-ticker.C:
			bytes, err := source.Sample()
			if err != nil {
				s.log.Warn("bandwidth sample failed", "error", err)
				continue
			}
			if err := s.meter.Record(bytes, time.Now()); err != nil {
				// Stale timestamps are dropped, never subtracted.
				s.log.Debug("sample dropped", "error", err)
			}
		}
	}
}

// settleEpoch drives one epoch through submit, sign, send, and ack.
// Returns false when the session is gone and the loop must stop.
func (s *Service) settleEpoch(sess *channel.Session, epoch *core.MeteringEpoch, snapshot ledger.Params) bool {
	if err := s.setState(core.DeviceStateSettling); err != nil {
		return false
	}

	entry, err := s.ledger.SubmitEpoch(epoch, snapshot)
	switch {
	case errors.Is(err, ledger.ErrOutOfOrder), errors.Is(err, ledger.ErrQualityBelowFloor):
		// Terminal rejection; move on to the next epoch.
		s.setState(core.DeviceStatePairedIdle)
		return true
	case err != nil:
		s.log.Error("epoch submission failed", "epoch", epoch.ID, "error", err)
		s.setState(core.DeviceStatePairedIdle)
		return true
	}

	entry, err = s.ledger.Sign(epoch.ID)
	if err != nil {
		// Entry stays Pending; it is retried after the next pairing.
		s.setState(core.DeviceStatePairedIdle)
		return true
	}

	ackCh := make(chan bool, 1)
	s.mu.Lock()
	s.ackWait[epoch.ID] = ackCh
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.ackWait, epoch.ID)
		s.mu.Unlock()
	}()

	if err := s.sendRecord(s.ctx, sess, entry); err != nil {
		s.log.Warn("settlement record send failed", "epoch", epoch.ID, "error", err)
		s.setState(core.DeviceStatePairedIdle)
		return false
	}

	select {
	case accepted := <-ackCh:
		if accepted {
			if _, err := s.ledger.Acknowledge(epoch.ID); err != nil {
				s.log.Error("settlement failed", "epoch", epoch.ID, "error", err)
			}
		} else {
			s.log.Warn("companion rejected settlement", "epoch", epoch.ID)
		}
	case <-time.After(s.config.SettleTimeout):
		// Entry stays Signed; the ack settles it whenever it arrives.
		s.log.Warn("settlement ack timeout", "epoch", epoch.ID)
	case <-sess.Done():
		s.setState(core.DeviceStatePairedIdle)
		return false
	case <-s.ctx.Done():
		return false
	}

	s.setState(core.DeviceStatePairedIdle)
	return true
}

// sendRecord transmits one settlement record over the session.
func (s *Service) sendRecord(ctx context.Context, sess *channel.Session, entry *core.RewardEntry) error {
	epoch, err := s.ledger.Epoch(entry.EpochID)
	if err != nil {
		return err
	}

	record := &SettlementRecord{
		EpochID:          entry.EpochID,
		EpochIndex:       entry.EpochIndex,
		BytesContributed: epoch.BytesContributed,
		QualityScore:     epoch.QualityScore,
		Amount:           entry.Amount,
		Currency:         entry.Currency,
		Signature:        entry.DeviceSignature,
	}
	return sess.Send(ctx, EncodeSettlementRecord(record))
}

// receiveLoop drives inbound settlement traffic for one session.
func (s *Service) receiveLoop(sess *channel.Session) {
	defer s.wg.Done()

	for {
		msg, err := sess.Receive(s.ctx)
		if err != nil {
			if s.ctx != nil && s.ctx.Err() != nil {
				return
			}
			s.handleDisconnect(sess)
			return
		}

		typ, err := PeekType(msg)
		if err != nil {
			s.log.Warn("malformed message", "error", err)
			continue
		}

		switch typ {
		case MessageTypeSettlementAck:
			ack, err := DecodeSettlementAck(msg)
			if err != nil {
				s.log.Warn("malformed settlement ack", "error", err)
				continue
			}
			s.handleAck(ack)
		default:
			s.log.Warn("unexpected message type", "type", typ)
		}
	}
}

// handleAck routes an ack to a waiting settle, or applies it directly
// for re-sent in-flight entries.
func (s *Service) handleAck(ack *SettlementAck) {
	s.mu.Lock()
	ch, waiting := s.ackWait[ack.EpochID]
	s.mu.Unlock()

	if waiting {
		select {
		case ch <- ack.Accepted:
		default:
		}
		return
	}

	if !ack.Accepted {
		s.log.Warn("companion rejected settlement", "epoch", ack.EpochID)
		return
	}
	if _, err := s.ledger.Acknowledge(ack.EpochID); err != nil {
		s.log.Warn("late ack not applicable", "epoch", ack.EpochID, "error", err)
	}
}

// handleDisconnect tears the session state down and returns the device
// to Unpaired. A new channel requires a fresh pairing handshake.
func (s *Service) handleDisconnect(sess *channel.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session != sess {
		return
	}
	s.session = nil
	sess.Close()

	s.setStateLocked(core.DeviceStateDisconnected)
	s.setStateLocked(core.DeviceStateUnpaired)
	s.log.Info("session disconnected")
}
