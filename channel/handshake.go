// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package channel

import (
	"bytes"
	"context"
	"crypto/rand"
	"fmt"

	"github.com/FlinnBella/cryptonode/core"
	"github.com/FlinnBella/cryptonode/crypto"
	"github.com/FlinnBella/cryptonode/frame"
)

const handshakeNonceSize = 32

// pairRequest is the initiator's (companion app's) opening message:
// a fresh ephemeral KEM public key, a nonce, the initiator's long-term
// DSA key, and a signature proving possession of that key over all of it.
type pairRequest struct {
	KEMPublicKey []byte // ephemeral, one pairing only
	Nonce        []byte
	DSAPublicKey []byte
	Signature    []byte
}

// pairResponse is the responder's (device's) answer: the KEM ciphertext
// encapsulated to the initiator's ephemeral key, a nonce, the responder's
// long-term DSA key, and a signature covering the full request plus the
// response fields.
type pairResponse struct {
	KEMCiphertext []byte
	Nonce         []byte
	DSAPublicKey  []byte
	Signature     []byte
}

const (
	pairRequestSize  = crypto.KEMPublicKeySize + handshakeNonceSize + crypto.DSAPublicKeySize + crypto.DSASignatureSize
	pairResponseSize = crypto.KEMCiphertextSize + handshakeNonceSize + crypto.DSAPublicKeySize + crypto.DSASignatureSize
)

func encodePairRequest(r *pairRequest) []byte {
	buf := make([]byte, 0, pairRequestSize)
	buf = append(buf, r.KEMPublicKey...)
	buf = append(buf, r.Nonce...)
	buf = append(buf, r.DSAPublicKey...)
	buf = append(buf, r.Signature...)
	return buf
}

func decodePairRequest(data []byte) (*pairRequest, error) {
	if len(data) != pairRequestSize {
		return nil, fmt.Errorf("%w: bad pair request size %d", ErrAuth, len(data))
	}
	r := &pairRequest{}
	offset := 0
	r.KEMPublicKey = data[offset : offset+crypto.KEMPublicKeySize]
	offset += crypto.KEMPublicKeySize
	r.Nonce = data[offset : offset+handshakeNonceSize]
	offset += handshakeNonceSize
	r.DSAPublicKey = data[offset : offset+crypto.DSAPublicKeySize]
	offset += crypto.DSAPublicKeySize
	r.Signature = data[offset:]
	return r, nil
}

func encodePairResponse(r *pairResponse) []byte {
	buf := make([]byte, 0, pairResponseSize)
	buf = append(buf, r.KEMCiphertext...)
	buf = append(buf, r.Nonce...)
	buf = append(buf, r.DSAPublicKey...)
	buf = append(buf, r.Signature...)
	return buf
}

func decodePairResponse(data []byte) (*pairResponse, error) {
	if len(data) != pairResponseSize {
		return nil, fmt.Errorf("%w: bad pair response size %d", ErrAuth, len(data))
	}
	r := &pairResponse{}
	offset := 0
	r.KEMCiphertext = data[offset : offset+crypto.KEMCiphertextSize]
	offset += crypto.KEMCiphertextSize
	r.Nonce = data[offset : offset+handshakeNonceSize]
	offset += handshakeNonceSize
	r.DSAPublicKey = data[offset : offset+crypto.DSAPublicKeySize]
	offset += crypto.DSAPublicKeySize
	r.Signature = data[offset:]
	return r, nil
}

// requestSigned is the material the initiator signs.
func requestSigned(kemPub, nonce, dsaPub []byte) []byte {
	buf := make([]byte, 0, len(core.DomainHandshake)+4+len(kemPub)+len(nonce)+len(dsaPub))
	buf = append(buf, core.DomainHandshake...)
	buf = append(buf, "init"...)
	buf = append(buf, kemPub...)
	buf = append(buf, nonce...)
	buf = append(buf, dsaPub...)
	return buf
}

// responseSigned is the material the responder signs: it covers the full
// request, so the responder's proof-of-possession is bound to exactly the
// handshake the initiator sent.
func responseSigned(requestBytes, kemCT, nonce, dsaPub []byte) []byte {
	buf := make([]byte, 0, len(core.DomainHandshake)+4+len(requestBytes)+len(kemCT)+len(nonce)+len(dsaPub))
	buf = append(buf, core.DomainHandshake...)
	buf = append(buf, "resp"...)
	buf = append(buf, requestBytes...)
	buf = append(buf, kemCT...)
	buf = append(buf, nonce...)
	buf = append(buf, dsaPub...)
	return buf
}

// transcript binds both ephemeral values, both nonces, and both long-term
// keys into the key derivation. Substituting any handshake field yields a
// different key schedule on the two sides.
func transcript(requestBytes, kemCT, respNonce, respDSA []byte) []byte {
	buf := make([]byte, 0, len(core.DomainHandshake)+len(requestBytes)+len(kemCT)+len(respNonce)+len(respDSA))
	buf = append(buf, core.DomainHandshake...)
	buf = append(buf, requestBytes...)
	buf = append(buf, kemCT...)
	buf = append(buf, respNonce...)
	buf = append(buf, respDSA...)
	return buf
}

// Initiate runs the initiator (companion app) side of the pairing
// handshake and returns an established session. peerDSAKey is the pinned
// long-term key of the expected responder; any mismatch is ErrAuth.
func Initiate(ctx context.Context, t Transport, self *crypto.Identity, peerDSAKey []byte, opts Options) (*Session, error) {
	opts = opts.withDefaults(t.MTU())

	// Fresh ephemeral KEM keypair: session keys can never repeat across
	// pairings even between the same two identities.
	eph, err := crypto.GenerateIdentity()
	if err != nil {
		return nil, fmt.Errorf("generate ephemeral keys: %w", err)
	}

	nonce := make([]byte, handshakeNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	sig, err := crypto.Sign(self.DSASecretKey, requestSigned(eph.KEMPublicKey, nonce, self.DSAPublicKey))
	if err != nil {
		return nil, fmt.Errorf("sign pair request: %w", err)
	}

	reqBytes := encodePairRequest(&pairRequest{
		KEMPublicKey: eph.KEMPublicKey,
		Nonce:        nonce,
		DSAPublicKey: self.DSAPublicKey,
		Signature:    sig,
	})

	if err := sendPlain(ctx, t, reqBytes); err != nil {
		return nil, err
	}

	respBytes, err := recvPlain(ctx, t, pairResponseSize)
	if err != nil {
		return nil, err
	}

	resp, err := decodePairResponse(respBytes)
	if err != nil {
		return nil, err
	}

	// Mutual proof-of-possession: the responder must be the pinned peer
	// and must have signed over our exact request.
	if !bytes.Equal(resp.DSAPublicKey, peerDSAKey) {
		return nil, fmt.Errorf("%w: responder key mismatch", ErrAuth)
	}
	if !crypto.Verify(resp.DSAPublicKey, responseSigned(reqBytes, resp.KEMCiphertext, resp.Nonce, resp.DSAPublicKey), resp.Signature) {
		return nil, fmt.Errorf("%w: bad responder signature", ErrAuth)
	}

	sharedSecret, err := crypto.Decapsulate(eph.KEMSecretKey, resp.KEMCiphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: decapsulation: %v", ErrAuth, err)
	}

	keys, err := crypto.DeriveSessionKeys(sharedSecret, transcript(reqBytes, resp.KEMCiphertext, resp.Nonce, resp.DSAPublicKey))
	if err != nil {
		return nil, fmt.Errorf("derive session keys: %w", err)
	}

	return newSession(t, keys, roleInitiator, opts), nil
}

// Respond runs the responder (device) side of the pairing handshake.
// peerDSAKey pins the expected initiator's long-term key.
func Respond(ctx context.Context, t Transport, self *crypto.Identity, peerDSAKey []byte, opts Options) (*Session, error) {
	opts = opts.withDefaults(t.MTU())

	reqBytes, err := recvPlain(ctx, t, pairRequestSize)
	if err != nil {
		return nil, err
	}

	req, err := decodePairRequest(reqBytes)
	if err != nil {
		return nil, err
	}

	if !bytes.Equal(req.DSAPublicKey, peerDSAKey) {
		return nil, fmt.Errorf("%w: initiator key mismatch", ErrAuth)
	}
	if !crypto.Verify(req.DSAPublicKey, requestSigned(req.KEMPublicKey, req.Nonce, req.DSAPublicKey), req.Signature) {
		return nil, fmt.Errorf("%w: bad initiator signature", ErrAuth)
	}

	kemCT, sharedSecret, err := crypto.Encapsulate(req.KEMPublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: encapsulation: %v", ErrAuth, err)
	}

	nonce := make([]byte, handshakeNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	sig, err := crypto.Sign(self.DSASecretKey, responseSigned(reqBytes, kemCT, nonce, self.DSAPublicKey))
	if err != nil {
		return nil, fmt.Errorf("sign pair response: %w", err)
	}

	respBytes := encodePairResponse(&pairResponse{
		KEMCiphertext: kemCT,
		Nonce:         nonce,
		DSAPublicKey:  self.DSAPublicKey,
		Signature:     sig,
	})

	keys, err := crypto.DeriveSessionKeys(sharedSecret, transcript(reqBytes, kemCT, nonce, self.DSAPublicKey))
	if err != nil {
		return nil, fmt.Errorf("derive session keys: %w", err)
	}

	if err := sendPlain(ctx, t, respBytes); err != nil {
		return nil, err
	}

	return newSession(t, keys, roleResponder, opts), nil
}

// sendPlain chunks a handshake message into plaintext frames. Handshake
// messages exceed the link MTU; authenticity comes from the signatures
// inside, not from framing.
func sendPlain(ctx context.Context, t Transport, msg []byte) error {
	chunk := t.MTU() - frame.HeaderSize
	if chunk < 1 {
		chunk = 1
	}

	s := frame.NewSplitter(chunk, len(msg)/chunk+2)
	frames, err := s.Split(msg)
	if err != nil {
		return err
	}
	for _, f := range frames {
		data, err := frame.Encode(f)
		if err != nil {
			return err
		}
		if err := t.Write(ctx, data); err != nil {
			return fmt.Errorf("%w: %v", ErrChannelFailure, err)
		}
	}
	return nil
}

// recvPlain reassembles one plaintext handshake message of a known size.
func recvPlain(ctx context.Context, t Transport, size int) ([]byte, error) {
	r := frame.NewReassembler(1024, size+frame.MaxPayload)
	for {
		data, err := readDatagram(ctx, t)
		if err != nil {
			return nil, err
		}
		f, err := frame.Decode(data)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrAuth, err)
		}
		res, err := r.Push(f)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrAuth, err)
		}
		if len(res.Messages) > 0 {
			return res.Messages[0], nil
		}
	}
}
