// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package crypto provides the cryptographic operations for the bandwidth
// node using github.com/luxfi/crypto for ML-KEM-768 and ML-DSA-65 and
// XChaCha20-Poly1305 for authenticated encryption.
package crypto

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/luxfi/crypto/blake2b"
	"github.com/luxfi/crypto/mldsa"
	"github.com/luxfi/crypto/mlkem"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// Device ID prefix ("bw" = bandwidth node)
	DeviceIDPrefix = "bw"

	// ML-KEM-768 sizes (NIST Level 3, FIPS 203)
	KEMPublicKeySize  = mlkem.MLKEM768PublicKeySize
	KEMSecretKeySize  = mlkem.MLKEM768PrivateKeySize
	KEMCiphertextSize = mlkem.MLKEM768CiphertextSize
	KEMSharedKeySize  = mlkem.MLKEM768SharedKeySize

	// ML-DSA-65 sizes (NIST Level 3, FIPS 204)
	DSAPublicKeySize = mldsa.MLDSA65PublicKeySize
	DSASecretKeySize = mldsa.MLDSA65PrivateKeySize
	DSASignatureSize = mldsa.MLDSA65SignatureSize
)

var (
	ErrInvalidPublicKey  = errors.New("invalid public key")
	ErrInvalidSecretKey  = errors.New("invalid secret key")
	ErrInvalidSignature  = errors.New("invalid signature")
	ErrInvalidCiphertext = errors.New("invalid ciphertext")
	ErrDecryptionFailed  = errors.New("decryption failed")
)

// Identity is the long-term cryptographic identity of one endpoint
// (the device or the companion app).
type Identity struct {
	// DeviceID: "bw" + hex(Blake2b-256(KEM_pk || DSA_pk))
	DeviceID string `json:"deviceId"`

	// ML-KEM-768 keypair (pairing key encapsulation)
	KEMPublicKey []byte `json:"kemPublicKey"`
	KEMSecretKey []byte `json:"kemSecretKey,omitempty"`

	// ML-DSA-65 keypair (handshake proof-of-possession and settlement signing)
	DSAPublicKey []byte `json:"dsaPublicKey"`
	DSASecretKey []byte `json:"dsaSecretKey,omitempty"`
}

// PublicIdentity returns only the public parts of the identity.
func (i *Identity) PublicIdentity() *Identity {
	return &Identity{
		DeviceID:     i.DeviceID,
		KEMPublicKey: i.KEMPublicKey,
		DSAPublicKey: i.DSAPublicKey,
	}
}

// GenerateIdentity creates a new identity with fresh ML-KEM-768 and
// ML-DSA-65 keypairs.
func GenerateIdentity() (*Identity, error) {
	kemPub, kemPriv, err := mlkem.GenerateKey(mlkem.MLKEM768)
	if err != nil {
		return nil, fmt.Errorf("failed to generate KEM keypair: %w", err)
	}

	dsaPriv, err := mldsa.GenerateKey(rand.Reader, mldsa.MLDSA65)
	if err != nil {
		return nil, fmt.Errorf("failed to generate DSA keypair: %w", err)
	}

	kemPubBytes := kemPub.Bytes()
	dsaPubBytes := dsaPriv.PublicKey.Bytes()

	return &Identity{
		DeviceID:     DeriveDeviceID(kemPubBytes, dsaPubBytes),
		KEMPublicKey: kemPubBytes,
		KEMSecretKey: kemPriv.Bytes(),
		DSAPublicKey: dsaPubBytes,
		DSASecretKey: dsaPriv.Bytes(),
	}, nil
}

// DeriveDeviceID derives the device ID from the public keys.
func DeriveDeviceID(kemPublicKey, dsaPublicKey []byte) string {
	h, _ := blake2b.New256(nil)
	h.Write(kemPublicKey)
	h.Write(dsaPublicKey)
	return DeviceIDPrefix + hex.EncodeToString(h.Sum(nil))
}

// Encapsulate performs ML-KEM-768 key encapsulation against the
// recipient's public key. Returns the KEM ciphertext and shared secret.
func Encapsulate(recipientPublicKey []byte) (ciphertext, sharedSecret []byte, err error) {
	if len(recipientPublicKey) != KEMPublicKeySize {
		return nil, nil, ErrInvalidPublicKey
	}

	pubKey, err := mlkem.PublicKeyFromBytes(recipientPublicKey, mlkem.MLKEM768)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse public key: %w", err)
	}

	ciphertext, sharedSecret, err = pubKey.Encapsulate()
	if err != nil {
		return nil, nil, fmt.Errorf("encapsulation failed: %w", err)
	}

	return ciphertext, sharedSecret, nil
}

// Decapsulate performs ML-KEM-768 key decapsulation.
func Decapsulate(secretKey, ciphertext []byte) (sharedSecret []byte, err error) {
	if len(secretKey) != KEMSecretKeySize {
		return nil, ErrInvalidSecretKey
	}
	if len(ciphertext) != KEMCiphertextSize {
		return nil, ErrInvalidCiphertext
	}

	privKey, err := mlkem.PrivateKeyFromBytes(secretKey, mlkem.MLKEM768)
	if err != nil {
		return nil, fmt.Errorf("failed to parse secret key: %w", err)
	}

	sharedSecret, err = privKey.Decapsulate(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decapsulation failed: %w", err)
	}

	return sharedSecret, nil
}

// Sign creates an ML-DSA-65 signature over message.
func Sign(secretKey, message []byte) (signature []byte, err error) {
	if len(secretKey) != DSASecretKeySize {
		return nil, ErrInvalidSecretKey
	}

	privKey, err := mldsa.PrivateKeyFromBytes(mldsa.MLDSA65, secretKey)
	if err != nil {
		return nil, fmt.Errorf("failed to parse secret key: %w", err)
	}

	signature, err = privKey.Sign(rand.Reader, message, nil)
	if err != nil {
		return nil, fmt.Errorf("signing failed: %w", err)
	}

	return signature, nil
}

// Verify verifies an ML-DSA-65 signature.
func Verify(publicKey, message, signature []byte) bool {
	if len(publicKey) != DSAPublicKeySize {
		return false
	}
	if len(signature) != DSASignatureSize {
		return false
	}

	pubKey, err := mldsa.PublicKeyFromBytes(publicKey, mldsa.MLDSA65)
	if err != nil {
		return false
	}

	return pubKey.VerifySignature(message, signature)
}

// Encrypt encrypts plaintext with XChaCha20-Poly1305 under a random
// nonce (nonce-prefixed output). Used for at-rest encryption; session
// traffic uses the counter nonce schedule in keys.go.
func Encrypt(key, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt reverses Encrypt.
func Decrypt(key, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	if len(ciphertext) < aead.NonceSize() {
		return nil, ErrInvalidCiphertext
	}

	nonce := ciphertext[:aead.NonceSize()]
	plaintext, err := aead.Open(nil, nonce, ciphertext[aead.NonceSize():], nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}

	return plaintext, nil
}
