// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package storage provides storage abstractions for the bandwidth node.
// Implementations can use different backends (memory, LevelDB, Pebble, etc.)
package storage

import (
	"errors"

	"github.com/FlinnBella/cryptonode/core"
)

var (
	// ErrNotFound is returned when a key is not found.
	ErrNotFound = errors.New("not found")

	// ErrClosed is returned when the store is closed.
	ErrClosed = errors.New("store closed")
)

// Store is the core key-value storage interface.
// All storage implementations must satisfy this interface.
type Store interface {
	// Get retrieves a value by key.
	Get(key []byte) ([]byte, error)

	// Put stores a value by key.
	Put(key, value []byte) error

	// Delete removes a key.
	Delete(key []byte) error

	// Has checks if a key exists.
	Has(key []byte) (bool, error)

	// Close closes the store.
	Close() error
}

// BatchWriter supports batch writes for efficiency.
type BatchWriter interface {
	Store

	// NewBatch creates a new batch.
	NewBatch() Batch
}

// Batch represents a batch of writes.
type Batch interface {
	// Put adds a put operation to the batch.
	Put(key, value []byte) error

	// Delete adds a delete operation to the batch.
	Delete(key []byte) error

	// Write executes all operations in the batch.
	Write() error

	// Reset clears the batch.
	Reset()

	// Size returns the number of operations in the batch.
	Size() int
}

// Iterator iterates over keys in a range.
type Iterator interface {
	// Next advances the iterator.
	Next() bool

	// Key returns the current key.
	Key() []byte

	// Value returns the current value.
	Value() []byte

	// Error returns any error encountered.
	Error() error

	// Release releases the iterator.
	Release()
}

// IterableStore supports iteration over keys.
type IterableStore interface {
	Store

	// NewIterator creates an iterator over keys in [start, end).
	NewIterator(start, end []byte) Iterator
}

// Namespace prefixes keys for logical separation.
type Namespace struct {
	prefix []byte
	store  Store
}

// NewNamespace creates a namespaced view of a store.
func NewNamespace(store Store, prefix []byte) *Namespace {
	return &Namespace{
		prefix: prefix,
		store:  store,
	}
}

func (n *Namespace) prefixKey(key []byte) []byte {
	prefixed := make([]byte, len(n.prefix)+len(key))
	copy(prefixed, n.prefix)
	copy(prefixed[len(n.prefix):], key)
	return prefixed
}

// Get retrieves a value by key.
func (n *Namespace) Get(key []byte) ([]byte, error) {
	return n.store.Get(n.prefixKey(key))
}

// Put stores a value by key.
func (n *Namespace) Put(key, value []byte) error {
	return n.store.Put(n.prefixKey(key), value)
}

// Delete removes a key.
func (n *Namespace) Delete(key []byte) error {
	return n.store.Delete(n.prefixKey(key))
}

// Has checks if a key exists.
func (n *Namespace) Has(key []byte) (bool, error) {
	return n.store.Has(n.prefixKey(key))
}

// Close closes the underlying store.
func (n *Namespace) Close() error {
	return n.store.Close()
}

// Storage namespaces (prefixes).
var (
	PrefixEpoch = []byte("epoch:")
	PrefixEntry = []byte("entry:")
	PrefixLog   = []byte("log:")
	PrefixKey   = []byte("key:")
	PrefixMeta  = []byte("meta:")
)

// EpochStore provides epoch-specific storage operations.
type EpochStore struct {
	store Store
	codec *BinaryCodec
}

// NewEpochStore creates a new epoch store.
func NewEpochStore(store Store) *EpochStore {
	return &EpochStore{
		store: NewNamespace(store, PrefixEpoch),
		codec: NewBinaryCodec(),
	}
}

// Get retrieves an epoch by ID.
func (s *EpochStore) Get(id core.ID) (*core.MeteringEpoch, error) {
	data, err := s.store.Get(id[:])
	if err != nil {
		return nil, err
	}
	return s.codec.DecodeEpoch(data)
}

// Put stores an epoch.
func (s *EpochStore) Put(epoch *core.MeteringEpoch) error {
	data, err := s.codec.EncodeEpoch(epoch)
	if err != nil {
		return err
	}
	return s.store.Put(epoch.ID[:], data)
}

// Has checks if an epoch exists.
func (s *EpochStore) Has(id core.ID) (bool, error) {
	return s.store.Has(id[:])
}

// EntryStore provides reward-entry storage operations, keyed by epoch
// index so recovery can scan entries in submission order.
type EntryStore struct {
	store IterableStore
	codec *BinaryCodec
}

// NewEntryStore creates a new entry store.
func NewEntryStore(store IterableStore) *EntryStore {
	return &EntryStore{
		store: &iterableNamespace{
			Namespace: NewNamespace(store, PrefixEntry),
			inner:     store,
			prefix:    PrefixEntry,
		},
		codec: NewBinaryCodec(),
	}
}

// Get retrieves an entry by epoch index.
func (s *EntryStore) Get(index uint64) (*core.RewardEntry, error) {
	data, err := s.store.Get(core.Uint64ToBytes(index))
	if err != nil {
		return nil, err
	}
	return s.codec.DecodeEntry(data)
}

// Put stores an entry under its epoch index.
func (s *EntryStore) Put(entry *core.RewardEntry) error {
	data, err := s.codec.EncodeEntry(entry)
	if err != nil {
		return err
	}
	return s.store.Put(core.Uint64ToBytes(entry.EpochIndex), data)
}

// Has checks if an entry exists for the epoch index.
func (s *EntryStore) Has(index uint64) (bool, error) {
	return s.store.Has(core.Uint64ToBytes(index))
}

// All returns every stored entry in epoch-index order.
func (s *EntryStore) All() ([]*core.RewardEntry, error) {
	it := s.store.NewIterator(nil, nil)
	defer it.Release()

	var entries []*core.RewardEntry
	for it.Next() {
		entry, err := s.codec.DecodeEntry(it.Value())
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, it.Error()
}

// iterableNamespace adds prefixed iteration on top of Namespace.
type iterableNamespace struct {
	*Namespace
	inner  IterableStore
	prefix []byte
}

func (n *iterableNamespace) NewIterator(start, end []byte) Iterator {
	lo := n.prefixKey(start)
	var hi []byte
	if end != nil {
		hi = n.prefixKey(end)
	} else {
		// Upper bound: prefix with the last byte incremented.
		hi = make([]byte, len(n.prefix))
		copy(hi, n.prefix)
		hi[len(hi)-1]++
	}
	return n.inner.NewIterator(lo, hi)
}

var _ IterableStore = (*iterableNamespace)(nil)
