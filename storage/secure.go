// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package storage

import (
	"github.com/FlinnBella/cryptonode/crypto"
)

// SecureStore wraps a Store and encrypts every value at rest with
// XChaCha20-Poly1305 under a device-local key. Keys stay in the clear;
// only values are sealed. Used for the signing key material, which must
// never touch persistent storage in plaintext.
type SecureStore struct {
	store Store
	key   []byte
}

// NewSecureStore creates an encrypting view over a store. key must be
// 32 bytes.
func NewSecureStore(store Store, key []byte) *SecureStore {
	return &SecureStore{
		store: store,
		key:   key,
	}
}

// Get retrieves and decrypts a value.
func (s *SecureStore) Get(key []byte) ([]byte, error) {
	sealed, err := s.store.Get(key)
	if err != nil {
		return nil, err
	}
	return crypto.Decrypt(s.key, sealed)
}

// Put encrypts and stores a value.
func (s *SecureStore) Put(key, value []byte) error {
	sealed, err := crypto.Encrypt(s.key, value)
	if err != nil {
		return err
	}
	return s.store.Put(key, sealed)
}

// Delete removes a key.
func (s *SecureStore) Delete(key []byte) error {
	return s.store.Delete(key)
}

// Has checks if a key exists.
func (s *SecureStore) Has(key []byte) (bool, error) {
	return s.store.Has(key)
}

// Close closes the underlying store.
func (s *SecureStore) Close() error {
	return s.store.Close()
}

var _ Store = (*SecureStore)(nil)
