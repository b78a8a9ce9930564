// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package signer owns the device's long-term signing key. All signing on
// the device funnels through the Authority so key access is serialized
// and the secret key never leaves this package.
package signer

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/luxfi/ids"
	"github.com/luxfi/log"

	"github.com/FlinnBella/cryptonode/core"
	"github.com/FlinnBella/cryptonode/crypto"
	"github.com/FlinnBella/cryptonode/storage"
)

var (
	// ErrKeyUnavailable is returned when the signing key cannot be
	// loaded. The authority fails closed: no signature is ever produced
	// from partial or doubtful key material.
	ErrKeyUnavailable = errors.New("signing key unavailable")

	// ErrSigningFailure is returned when the signing operation itself
	// fails. The caller's entry stays pending and may be retried.
	ErrSigningFailure = errors.New("signing failure")
)

// identityKey is where the sealed identity lives in secure storage.
var identityKey = []byte("identity")

// Authority holds the device identity and produces settlement
// signatures. Sign is serialized: the device has one key and concurrent
// signing of ledger entries must not interleave key access.
type Authority struct {
	mu       sync.Mutex
	identity *crypto.Identity
	keyID    ids.ID
	log      log.Logger
}

// Provision loads the device identity from secure storage, generating
// and persisting a fresh one on first boot.
func Provision(store storage.Store, logger log.Logger) (*Authority, error) {
	data, err := store.Get(identityKey)
	switch {
	case err == nil:
		identity := &crypto.Identity{}
		if err := json.Unmarshal(data, identity); err != nil {
			return nil, fmt.Errorf("%w: corrupt identity: %v", ErrKeyUnavailable, err)
		}
		if len(identity.DSASecretKey) != crypto.DSASecretKeySize {
			return nil, fmt.Errorf("%w: truncated key material", ErrKeyUnavailable)
		}
		logger.Info("loaded device identity", "deviceId", identity.DeviceID)
		return newAuthority(identity, logger), nil

	case err == storage.ErrNotFound:
		identity, err := crypto.GenerateIdentity()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrKeyUnavailable, err)
		}
		data, err := json.Marshal(identity)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrKeyUnavailable, err)
		}
		if err := store.Put(identityKey, data); err != nil {
			return nil, fmt.Errorf("%w: persist: %v", ErrKeyUnavailable, err)
		}
		logger.Info("provisioned new device identity", "deviceId", identity.DeviceID)
		return newAuthority(identity, logger), nil

	default:
		return nil, fmt.Errorf("%w: %v", ErrKeyUnavailable, err)
	}
}

// NewAuthority wraps an already-loaded identity. Used by tests and by
// callers that manage identity persistence themselves.
func NewAuthority(identity *crypto.Identity, logger log.Logger) (*Authority, error) {
	if identity == nil || len(identity.DSASecretKey) != crypto.DSASecretKeySize {
		return nil, ErrKeyUnavailable
	}
	return newAuthority(identity, logger), nil
}

func newAuthority(identity *crypto.Identity, logger log.Logger) *Authority {
	return &Authority{
		identity: identity,
		keyID:    ids.ID(core.Hash(identity.DSAPublicKey)),
		log:      logger,
	}
}

// Sign produces a signature over message with the device key. Concurrent
// callers are serialized.
func (a *Authority) Sign(message []byte) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.identity == nil {
		return nil, ErrKeyUnavailable
	}

	sig, err := crypto.Sign(a.identity.DSASecretKey, message)
	if err != nil {
		a.log.Error("signing failed", "error", err)
		return nil, fmt.Errorf("%w: %v", ErrSigningFailure, err)
	}
	return sig, nil
}

// Verify checks a signature against the device's own public key.
func (a *Authority) Verify(message, signature []byte) bool {
	return crypto.Verify(a.identity.DSAPublicKey, message, signature)
}

// PublicKey returns the wallet-facing view of the signing key. The
// secret key is never exposed.
func (a *Authority) PublicKey() core.WalletKey {
	pk := make([]byte, len(a.identity.DSAPublicKey))
	copy(pk, a.identity.DSAPublicKey)
	return core.WalletKey{
		KeyID:     a.keyID,
		PublicKey: pk,
	}
}

// DeviceID returns the device identifier derived from the public keys.
func (a *Authority) DeviceID() string {
	return a.identity.DeviceID
}

// Identity returns the public half of the device identity for pairing.
func (a *Authority) Identity() *crypto.Identity {
	return a.identity.PublicIdentity()
}

// PairingIdentity returns the full identity for use in the pairing
// handshake, which needs the DSA secret key for proof-of-possession.
func (a *Authority) PairingIdentity() *crypto.Identity {
	return a.identity
}
