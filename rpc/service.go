// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package rpc exposes the bandwidth node's read-only diagnostic surface
// as JSON-RPC over HTTP.
package rpc

import (
	"encoding/hex"
	"fmt"
	"net/http"

	"github.com/gorilla/rpc/v2"
	grjson "github.com/gorilla/rpc/v2/json"

	"github.com/FlinnBella/cryptonode/core"
	"github.com/FlinnBella/cryptonode/daemon"
)

// Name is the JSON-RPC service namespace.
const Name = "bandwidth"

// Service provides RPC methods for the bandwidth node.
type Service struct {
	daemon *daemon.Service
}

// NewHandler returns the HTTP handler serving the JSON-RPC surface.
func NewHandler(d *daemon.Service) (http.Handler, error) {
	server := rpc.NewServer()
	server.RegisterCodec(grjson.NewCodec(), "application/json")
	server.RegisterCodec(grjson.NewCodec(), "application/json;charset=UTF-8")

	if err := server.RegisterService(&Service{daemon: d}, Name); err != nil {
		return nil, fmt.Errorf("failed to register service: %w", err)
	}
	return server, nil
}

// StatusArgs are the arguments for Status
type StatusArgs struct{}

// StatusReply is the reply for Status
type StatusReply struct {
	DeviceID  string `json:"deviceId"`
	State     string `json:"state"`
	NextEpoch uint64 `json:"nextEpoch"`
}

// Status returns the device state.
func (s *Service) Status(r *http.Request, args *StatusArgs, reply *StatusReply) error {
	reply.DeviceID = s.daemon.DeviceID()
	reply.State = s.daemon.State().String()
	reply.NextEpoch = s.daemon.Ledger().NextIndex()
	return nil
}

// PublicKeyArgs are the arguments for PublicKey
type PublicKeyArgs struct{}

// PublicKeyReply is the reply for PublicKey
type PublicKeyReply struct {
	KeyID     string `json:"keyId"`
	PublicKey string `json:"publicKey"` // Hex-encoded ML-DSA public key
}

// PublicKey returns the device's wallet key.
func (s *Service) PublicKey(r *http.Request, args *PublicKeyArgs, reply *PublicKeyReply) error {
	key := s.daemon.PublicKey()
	reply.KeyID = key.KeyID.String()
	reply.PublicKey = hex.EncodeToString(key.PublicKey)
	return nil
}

// Entry is the JSON view of a reward entry.
type Entry struct {
	EpochID    string  `json:"epochId"`
	EpochIndex uint64  `json:"epochIndex"`
	Amount     float64 `json:"amount"`
	Currency   string  `json:"currency"`
	Status     string  `json:"status"`
	Reason     string  `json:"reason,omitempty"`
	Signed     bool    `json:"signed"`
}

func entryView(e *core.RewardEntry) *Entry {
	return &Entry{
		EpochID:    e.EpochID.String(),
		EpochIndex: e.EpochIndex,
		Amount:     e.Amount,
		Currency:   e.Currency,
		Status:     e.Status.String(),
		Reason:     e.Reason,
		Signed:     len(e.DeviceSignature) > 0,
	}
}

// GetEntryArgs are the arguments for GetEntry
type GetEntryArgs struct {
	EpochID string `json:"epochId"`
}

// GetEntryReply is the reply for GetEntry
type GetEntryReply struct {
	Entry *Entry `json:"entry"`
}

// GetEntry returns the reward entry for an epoch.
func (s *Service) GetEntry(r *http.Request, args *GetEntryArgs, reply *GetEntryReply) error {
	epochID, err := core.IDFromString(args.EpochID)
	if err != nil {
		return err
	}

	entry, err := s.daemon.Ledger().Entry(epochID)
	if err != nil {
		return err
	}

	reply.Entry = entryView(entry)
	return nil
}

// ListEntriesArgs are the arguments for ListEntries
type ListEntriesArgs struct{}

// ListEntriesReply is the reply for ListEntries
type ListEntriesReply struct {
	Entries []*Entry `json:"entries"`
}

// ListEntries returns all reward entries in epoch order.
func (s *Service) ListEntries(r *http.Request, args *ListEntriesArgs, reply *ListEntriesReply) error {
	entries, err := s.daemon.Ledger().Entries()
	if err != nil {
		return err
	}

	reply.Entries = make([]*Entry, len(entries))
	for i, e := range entries {
		reply.Entries[i] = entryView(e)
	}
	return nil
}
