// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package crypto

import (
	"encoding/binary"
	"errors"

	"github.com/luxfi/crypto/blake2b"
	"golang.org/x/crypto/chacha20poly1305"
)

// NonceSize is the XChaCha20-Poly1305 nonce size.
const NonceSize = chacha20poly1305.NonceSizeX

// KDF labels. Per-direction keys and nonce bases are all derived from the
// handshake master secret under distinct labels.
const (
	labelMaster      = "bw:kdf:master:v1"
	labelDeviceKey   = "bw:key:device:v1"
	labelAppKey      = "bw:key:app:v1"
	labelDeviceNonce = "bw:nonce:device:v1"
	labelAppNonce    = "bw:nonce:app:v1"
	labelSessionID   = "bw:session-id:v1"
)

var errKeyMaterial = errors.New("empty key material")

// SessionKeys holds the derived symmetric material for one paired session.
// Device and app directions use independent keys and nonce bases so the
// two send counters can never collide.
type SessionKeys struct {
	SessionID [32]byte

	DeviceKey       []byte // device -> app traffic
	AppKey          []byte // app -> device traffic
	DeviceNonceBase []byte
	AppNonceBase    []byte
}

// KDF derives 32 bytes from a label and key material parts using
// Blake2b-256. The label is the blake2b key, giving domain separation
// between derivations from the same secret.
func KDF(label string, parts ...[]byte) []byte {
	h, _ := blake2b.New256([]byte(label))
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}

// DeriveSessionKeys derives the session key schedule from the KEM shared
// secret and the full handshake transcript. Binding the transcript ties
// the keys to both ephemeral values and both handshake nonces, so a
// substituted handshake message yields a different (useless) schedule.
func DeriveSessionKeys(sharedSecret, transcript []byte) (*SessionKeys, error) {
	if len(sharedSecret) == 0 || len(transcript) == 0 {
		return nil, errKeyMaterial
	}

	master := KDF(labelMaster, sharedSecret, transcript)

	keys := &SessionKeys{
		DeviceKey:       KDF(labelDeviceKey, master),
		AppKey:          KDF(labelAppKey, master),
		DeviceNonceBase: KDF(labelDeviceNonce, master)[:NonceSize],
		AppNonceBase:    KDF(labelAppNonce, master)[:NonceSize],
	}
	copy(keys.SessionID[:], KDF(labelSessionID, master))
	return keys, nil
}

// NonceAt derives the nonce for a send counter by XORing the counter into
// the low 8 bytes of the direction's nonce base. Counters are strictly
// increasing per direction, so a nonce is never reused under one key.
func NonceAt(base []byte, counter uint64) ([]byte, error) {
	if len(base) != NonceSize {
		return nil, errors.New("bad nonce base size")
	}
	nonce := make([]byte, NonceSize)
	copy(nonce, base)

	var ctr [8]byte
	binary.BigEndian.PutUint64(ctr[:], counter)
	for i := 0; i < 8; i++ {
		nonce[NonceSize-8+i] ^= ctr[i]
	}
	return nonce, nil
}

// SealFrame encrypts a frame payload under the direction key at the given
// counter, authenticating aad (the frame header).
func SealFrame(key, nonceBase []byte, counter uint64, plaintext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce, err := NonceAt(nonceBase, counter)
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, nonce, plaintext, aad), nil
}

// OpenFrame decrypts a frame payload. Authentication failure returns
// ErrDecryptionFailed; the caller must treat that as fatal to the session.
func OpenFrame(key, nonceBase []byte, counter uint64, ciphertext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce, err := NonceAt(nonceBase, counter)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}
