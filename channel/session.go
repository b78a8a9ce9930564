// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package channel

import (
	"context"
	"fmt"
	"sync"

	"github.com/FlinnBella/cryptonode/crypto"
	"github.com/FlinnBella/cryptonode/frame"
)

// SessionState is the lifecycle state of a secure session.
type SessionState uint8

const (
	SessionHandshaking SessionState = iota
	SessionEstablished
	SessionClosed
)

func (s SessionState) String() string {
	switch s {
	case SessionHandshaking:
		return "handshaking"
	case SessionEstablished:
		return "established"
	case SessionClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type role uint8

const (
	roleInitiator role = iota // companion app
	roleResponder             // device
)

// sealOverhead is the Poly1305 tag appended to every sealed payload.
const sealOverhead = 16

// ctlCounterBit separates the control-frame nonce space from the
// data-frame nonce space within one direction key.
const ctlCounterBit = uint64(1) << 63

// Options bound the session's frame machinery.
type Options struct {
	// MaxMessage bounds one reassembled logical message.
	MaxMessage int

	// Window is the reordering tolerance in sequence numbers.
	Window uint64

	// RetransmitLimit bounds how often one missing range is re-requested
	// before the session escalates to a channel failure.
	RetransmitLimit int

	// InboxDepth bounds the queue of decrypted inbound messages.
	InboxDepth int
}

func (o Options) withDefaults(mtu int) Options {
	if o.MaxMessage <= 0 {
		o.MaxMessage = 1 << 20
	}
	if o.Window == 0 {
		o.Window = 256
	}
	if o.RetransmitLimit <= 0 {
		o.RetransmitLimit = 16
	}
	if o.InboxDepth <= 0 {
		o.InboxDepth = 32
	}
	_ = mtu
	return o
}

// Session is one established secure channel. All traffic is chunked into
// frames, each frame independently encrypted and authenticated with a
// nonce derived from its sequence counter; counters are strictly
// increasing per direction and never reused.
type Session struct {
	transport Transport
	opts      Options

	id       [32]byte
	sendKey  []byte
	sendBase []byte
	recvKey  []byte
	recvBase []byte

	splitter *frame.Splitter
	reasm    *frame.Reassembler

	mu         sync.Mutex
	state      SessionState
	closeErr   error
	ctlSendSeq uint64
	ctlRecvSeq uint64
	ctlRecvSet bool
	requested  map[frame.Range]int

	inbox chan []byte

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

func newSession(t Transport, keys *crypto.SessionKeys, r role, opts Options) *Session {
	chunk := t.MTU() - frame.HeaderSize - sealOverhead
	if chunk < 1 {
		chunk = 1
	}
	retain := int(opts.Window) * 2

	s := &Session{
		transport: t,
		opts:      opts,
		id:        keys.SessionID,
		splitter:  frame.NewSplitter(chunk, retain),
		reasm:     frame.NewReassembler(opts.Window, opts.MaxMessage),
		state:     SessionEstablished,
		requested: make(map[frame.Range]int),
		inbox:     make(chan []byte, opts.InboxDepth),
	}

	switch r {
	case roleResponder:
		s.sendKey, s.sendBase = keys.DeviceKey, keys.DeviceNonceBase
		s.recvKey, s.recvBase = keys.AppKey, keys.AppNonceBase
	default:
		s.sendKey, s.sendBase = keys.AppKey, keys.AppNonceBase
		s.recvKey, s.recvBase = keys.DeviceKey, keys.DeviceNonceBase
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.wg.Add(1)
	go s.run()

	return s
}

// ID returns the session identifier derived from the handshake.
func (s *Session) ID() [32]byte { return s.id }

// State returns the session state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed when the session tears down, whatever the cause.
func (s *Session) Done() <-chan struct{} { return s.ctx.Done() }

// Err returns the error the session closed with, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeErr
}

// Send encrypts and transmits one logical message.
func (s *Session) Send(ctx context.Context, msg []byte) error {
	if s.State() != SessionEstablished {
		return ErrClosed
	}

	frames, err := s.splitter.Split(msg)
	if err != nil {
		return err
	}

	for _, f := range frames {
		data, err := s.seal(f, f.Seq)
		if err != nil {
			s.teardown(err)
			return err
		}
		if err := s.transport.Write(ctx, data); err != nil {
			err = fmt.Errorf("%w: %v", ErrChannelFailure, err)
			s.teardown(err)
			return err
		}
	}
	return nil
}

// Receive returns the next decrypted logical message. It blocks until a
// message arrives, the context is cancelled, or the session closes.
func (s *Session) Receive(ctx context.Context) ([]byte, error) {
	select {
	case msg := <-s.inbox:
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.ctx.Done():
		// Drain anything decrypted before the close.
		select {
		case msg := <-s.inbox:
			return msg, nil
		default:
		}
		if err := s.Err(); err != nil {
			return nil, err
		}
		return nil, ErrClosed
	}
}

// Close tears the session down: in-flight sends and receives are
// cancelled, partially reassembled frames are discarded, and the
// transport is disconnected. Session keys are never reused; a new
// channel requires a fresh pairing handshake.
func (s *Session) Close() error {
	s.teardown(nil)
	return nil
}

func (s *Session) teardown(cause error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.state = SessionClosed
		s.closeErr = cause
		s.mu.Unlock()

		s.cancel()
		s.reasm.Reset()
		s.transport.Disconnect()
	})
}

// seal encrypts a frame under the send key at the given nonce counter.
// The header travels in the clear as AEAD associated data.
func (s *Session) seal(f *frame.Frame, counter uint64) ([]byte, error) {
	header := f.Header()
	ct, err := crypto.SealFrame(s.sendKey, s.sendBase, counter, f.Payload, header)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(header)+len(ct))
	out = append(out, header...)
	return append(out, ct...), nil
}

// open authenticates and decrypts one wire datagram. Any authentication
// failure is fatal to the session.
func (s *Session) open(data []byte) (*frame.Frame, bool, error) {
	if len(data) < frame.HeaderSize {
		return nil, false, fmt.Errorf("%w: short datagram", ErrChannelFailure)
	}

	header := data[:frame.HeaderSize]
	f := &frame.Frame{
		Type: frame.Type(header[0]),
		Seq:  uint64(header[1])<<56 | uint64(header[2])<<48 | uint64(header[3])<<40 | uint64(header[4])<<32 |
			uint64(header[5])<<24 | uint64(header[6])<<16 | uint64(header[7])<<8 | uint64(header[8]),
	}

	ctl := f.Type == frame.TypeRetransmitReq || f.Type == frame.TypeAck
	counter := f.Seq
	if ctl {
		counter |= ctlCounterBit
	}

	payload, err := crypto.OpenFrame(s.recvKey, s.recvBase, counter, data[frame.HeaderSize:], header)
	if err != nil {
		return nil, false, fmt.Errorf("%w: frame authentication failed", ErrChannelFailure)
	}

	f.Payload = payload
	return f, ctl, nil
}

// sendControl transmits a control frame in the control nonce space.
func (s *Session) sendControl(typ frame.Type, payload []byte) error {
	s.mu.Lock()
	seq := s.ctlSendSeq
	s.ctlSendSeq++
	s.mu.Unlock()

	f := &frame.Frame{Type: typ, Seq: seq, Payload: payload}
	data, err := s.seal(f, f.Seq|ctlCounterBit)
	if err != nil {
		return err
	}
	if err := s.transport.Write(s.ctx, data); err != nil {
		return fmt.Errorf("%w: %v", ErrChannelFailure, err)
	}
	return nil
}

// run is the receive loop: one task drives all inbound traffic.
func (s *Session) run() {
	defer s.wg.Done()

	for {
		data, err := readDatagram(s.ctx, s.transport)
		if err != nil {
			if err != context.Canceled {
				s.teardown(fmt.Errorf("%w: %v", ErrChannelFailure, err))
			}
			return
		}

		f, ctl, err := s.open(data)
		if err != nil {
			// Authentication failure is fatal: tear down, never retry
			// silently.
			s.teardown(err)
			return
		}

		if ctl {
			if !s.handleControl(f) {
				return
			}
			continue
		}

		if !s.handleData(f) {
			return
		}
	}
}

// handleControl processes an ack or retransmit request. Returns false
// when the session was torn down.
func (s *Session) handleControl(f *frame.Frame) bool {
	// Control sequences are strictly increasing; stale or duplicated
	// control frames are dropped, never re-processed.
	s.mu.Lock()
	if s.ctlRecvSet && f.Seq <= s.ctlRecvSeq {
		s.mu.Unlock()
		return true
	}
	s.ctlRecvSeq = f.Seq
	s.ctlRecvSet = true
	s.mu.Unlock()

	switch f.Type {
	case frame.TypeAck:
		seq, err := frame.DecodeAck(f.Payload)
		if err != nil {
			s.teardown(fmt.Errorf("%w: malformed ack", ErrChannelFailure))
			return false
		}
		s.splitter.Ack(seq)

	case frame.TypeRetransmitReq:
		rng, err := frame.DecodeRange(f.Payload)
		if err != nil {
			s.teardown(fmt.Errorf("%w: malformed retransmit request", ErrChannelFailure))
			return false
		}
		frames, err := s.splitter.Retransmit(rng)
		if err != nil {
			// The peer needs frames we no longer hold: unrecoverable.
			s.teardown(fmt.Errorf("%w: %v", ErrChannelFailure, err))
			return false
		}
		for _, rf := range frames {
			// Same counter, same plaintext: retransmission reproduces
			// the identical ciphertext, so the nonce is not reused for
			// new material.
			data, err := s.seal(rf, rf.Seq)
			if err != nil {
				s.teardown(err)
				return false
			}
			if err := s.transport.Write(s.ctx, data); err != nil {
				s.teardown(fmt.Errorf("%w: %v", ErrChannelFailure, err))
				return false
			}
		}
	}
	return true
}

// handleData pushes a data frame into the reassembler, delivers completed
// messages, acks progress, and requests exactly the missing ranges.
// Returns false when the session was torn down.
func (s *Session) handleData(f *frame.Frame) bool {
	res, err := s.reasm.Push(f)
	if err == frame.ErrReplay {
		// Replayed frame: rejected, never re-processed. The session
		// stays established.
		return true
	}
	if err != nil {
		s.teardown(fmt.Errorf("%w: %v", ErrChannelFailure, err))
		return false
	}

	for _, msg := range res.Messages {
		select {
		case s.inbox <- msg:
		case <-s.ctx.Done():
			return false
		}
	}

	if len(res.Messages) > 0 {
		if seq, ok := s.reasm.Delivered(); ok {
			if err := s.sendControl(frame.TypeAck, frame.EncodeAck(seq)); err != nil {
				s.teardown(err)
				return false
			}
		}
	}

	for _, rng := range res.Missing {
		s.mu.Lock()
		s.requested[rng]++
		attempts := s.requested[rng]
		s.mu.Unlock()

		if attempts > s.opts.RetransmitLimit {
			s.teardown(fmt.Errorf("%w: %v %d-%d after %d requests",
				ErrChannelFailure, frame.ErrMissingFrame, rng.From, rng.To, attempts-1))
			return false
		}
		if err := s.sendControl(frame.TypeRetransmitReq, frame.EncodeRange(rng)); err != nil {
			s.teardown(err)
			return false
		}
	}
	return true
}
