// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package cryptonode_test

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/luxfi/log"

	"github.com/FlinnBella/cryptonode/channel"
	"github.com/FlinnBella/cryptonode/core"
	"github.com/FlinnBella/cryptonode/crypto"
	"github.com/FlinnBella/cryptonode/daemon"
	"github.com/FlinnBella/cryptonode/storage"
)

// memPipe is an in-memory stand-in for the BLE link.
type memPipe struct {
	mu     sync.Mutex
	closed bool
	a, b   *memEndpoint
}

type memEndpoint struct {
	p    *memPipe
	peer *memEndpoint
	recv chan []byte
}

func newMemPipe() (*memEndpoint, *memEndpoint) {
	p := &memPipe{}
	p.a = &memEndpoint{p: p, recv: make(chan []byte, 4096)}
	p.b = &memEndpoint{p: p, recv: make(chan []byte, 4096)}
	p.a.peer = p.b
	p.b.peer = p.a
	return p.a, p.b
}

func (e *memEndpoint) Connect(ctx context.Context) error { return nil }

func (e *memEndpoint) Disconnect() error {
	e.p.mu.Lock()
	defer e.p.mu.Unlock()
	if !e.p.closed {
		e.p.closed = true
		close(e.p.a.recv)
		close(e.p.b.recv)
	}
	return nil
}

func (e *memEndpoint) Write(ctx context.Context, data []byte) error {
	e.p.mu.Lock()
	defer e.p.mu.Unlock()
	if e.p.closed {
		return channel.ErrClosed
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	e.peer.recv <- cp
	return nil
}

func (e *memEndpoint) Notifications() <-chan []byte { return e.recv }

func (e *memEndpoint) MTU() int { return 247 } // BLE 4.2 data length extension

type steadySource struct{}

func (steadySource) Sample() (uint64, error) { return 512 << 10, nil }

// TestE2E_DeviceLifecycle drives the full device lifecycle: provision,
// pair, meter, settle, disconnect, re-pair, recover.
func TestE2E_DeviceLifecycle(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	logger := log.NewWriter(io.Discard)
	store := storage.NewMemoryStore()

	config := daemon.DefaultConfig()
	config.EpochDuration = 500 * time.Millisecond
	config.SampleInterval = 50 * time.Millisecond
	config.QualityFloor = 0
	config.SettleTimeout = 5 * time.Second

	service, err := daemon.New(config, store, logger)
	if err != nil {
		t.Fatalf("create service: %v", err)
	}
	if err := service.Start(ctx); err != nil {
		t.Fatalf("start service: %v", err)
	}
	defer service.Stop()

	if service.State() != core.DeviceStateUnpaired {
		t.Fatalf("initial state: %v", service.State())
	}

	// Companion app with its own identity.
	app, err := crypto.GenerateIdentity()
	if err != nil {
		t.Fatalf("app identity: %v", err)
	}

	appEnd, devEnd := newMemPipe()
	sessCh := make(chan *channel.Session, 1)
	go func() {
		sess, err := channel.Initiate(ctx, appEnd, app, service.PublicKey().PublicKey, channel.Options{})
		if err != nil {
			t.Errorf("app initiate: %v", err)
			return
		}
		sessCh <- sess
	}()

	if err := service.Pair(ctx, devEnd, app.DSAPublicKey); err != nil {
		t.Fatalf("pair: %v", err)
	}
	appSess := <-sessCh
	defer appSess.Close()

	// Companion settles every record it can verify.
	settled := make(chan core.ID, 8)
	go func() {
		for {
			msg, err := appSess.Receive(ctx)
			if err != nil {
				return
			}
			typ, err := daemon.PeekType(msg)
			if err != nil || typ != daemon.MessageTypeSettlementRecord {
				continue
			}
			record, err := daemon.DecodeSettlementRecord(msg)
			if err != nil {
				t.Errorf("decode record: %v", err)
				continue
			}

			entry := &core.RewardEntry{
				EpochID:    record.EpochID,
				EpochIndex: record.EpochIndex,
				Amount:     record.Amount,
				Currency:   record.Currency,
			}
			ok := crypto.Verify(service.PublicKey().PublicKey, entry.SigningBytes(), record.Signature)
			if !ok {
				t.Error("record signature must verify against the device key")
			}

			ack := &daemon.SettlementAck{EpochID: record.EpochID, Accepted: ok}
			if err := appSess.Send(ctx, daemon.EncodeSettlementAck(ack)); err != nil {
				return
			}
			if ok {
				settled <- record.EpochID
			}
		}
	}()

	if err := service.StartMetering(steadySource{}); err != nil {
		t.Fatalf("start metering: %v", err)
	}

	// Two consecutive epochs settle end to end.
	var epochs []core.ID
	for len(epochs) < 2 {
		select {
		case id := <-settled:
			epochs = append(epochs, id)
		case <-ctx.Done():
			t.Fatal("timed out waiting for settlements")
		}
	}

	deadline := time.Now().Add(5 * time.Second)
	for _, id := range epochs {
		for {
			entry, err := service.Ledger().Entry(id)
			if err == nil && entry.Status == core.RewardStatusSettled {
				if entry.Amount <= 0 {
					t.Errorf("epoch %s: settled amount %v", id, entry.Amount)
				}
				break
			}
			if time.Now().After(deadline) {
				t.Fatalf("epoch %s never settled", id)
			}
			time.Sleep(10 * time.Millisecond)
		}
	}

	// Drop the link mid-epoch: the partial epoch is preserved.
	appSess.Close()
	deadline = time.Now().Add(5 * time.Second)
	for service.State() != core.DeviceStateUnpaired {
		if time.Now().After(deadline) {
			t.Fatal("device never returned to unpaired")
		}
		time.Sleep(10 * time.Millisecond)
	}

	entries, err := service.Ledger().Entries()
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	if len(entries) < 3 {
		t.Fatalf("expected the partial epoch to be submitted, got %d entries", len(entries))
	}

	service.Stop()

	// Restart over the same store: identity, index continuity, and the
	// in-flight partial epoch all survive.
	revived, err := daemon.New(config, store, logger)
	if err != nil {
		t.Fatalf("revive service: %v", err)
	}
	if revived.DeviceID() != service.DeviceID() {
		t.Error("device identity must survive restart")
	}
	if err := revived.Start(ctx); err != nil {
		t.Fatalf("start revived: %v", err)
	}
	defer revived.Stop()

	if revived.Ledger().NextIndex() != uint64(len(entries)) {
		t.Errorf("next index: got %d, want %d", revived.Ledger().NextIndex(), len(entries))
	}
}
