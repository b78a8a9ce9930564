// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package frame

import "sync"

// Splitter chunks logical messages into data frames and retains sent
// frames for selective retransmission until they are acked. One Splitter
// serves one direction of one session; sequence numbers it assigns are
// strictly increasing and never reused.
type Splitter struct {
	chunkSize int
	maxRetain int

	mu       sync.Mutex
	nextSeq  uint64
	retained map[uint64]*Frame
	lowest   uint64 // smallest retained sequence
}

// NewSplitter creates a splitter producing chunks of at most chunkSize
// payload bytes, retaining at most maxRetain frames for retransmission.
func NewSplitter(chunkSize, maxRetain int) *Splitter {
	if chunkSize <= 0 || chunkSize > MaxPayload {
		chunkSize = MaxPayload
	}
	return &Splitter{
		chunkSize: chunkSize,
		maxRetain: maxRetain,
		retained:  make(map[uint64]*Frame),
	}
}

// Split chunks a message into sequenced data frames. The final chunk is
// marked TypeDataEnd so the receiver knows the message is complete. An
// empty message still produces one (empty) end frame to keep cadence.
func (s *Splitter) Split(msg []byte) ([]*Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := (len(msg) + s.chunkSize - 1) / s.chunkSize
	if count == 0 {
		count = 1
	}
	if count > s.maxRetain {
		return nil, ErrFrameTooLarge
	}

	frames := make([]*Frame, 0, count)
	for i := 0; i < count; i++ {
		start := i * s.chunkSize
		end := start + s.chunkSize
		if end > len(msg) {
			end = len(msg)
		}

		typ := TypeData
		if i == count-1 {
			typ = TypeDataEnd
		}

		payload := make([]byte, end-start)
		copy(payload, msg[start:end])

		f := &Frame{Type: typ, Seq: s.nextSeq, Payload: payload}
		s.nextSeq++

		frames = append(frames, f)
		s.retain(f)
	}

	return frames, nil
}

// retain stores a sent frame, evicting the oldest when full. Eviction
// bounds memory; an evicted frame can no longer be retransmitted.
func (s *Splitter) retain(f *Frame) {
	s.retained[f.Seq] = f
	for len(s.retained) > s.maxRetain {
		delete(s.retained, s.lowest)
		s.lowest++
	}
}

// Retransmit returns copies of the retained frames in [from, to]. It
// fails with ErrRangeEvicted if any requested frame is gone or was never
// sent; the caller escalates that to a channel error.
func (s *Splitter) Retransmit(r Range) ([]*Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r.To < r.From || r.To >= s.nextSeq {
		return nil, ErrRangeEvicted
	}

	frames := make([]*Frame, 0, r.To-r.From+1)
	for seq := r.From; seq <= r.To; seq++ {
		f, ok := s.retained[seq]
		if !ok {
			return nil, ErrRangeEvicted
		}
		frames = append(frames, f)
	}
	return frames, nil
}

// Ack releases all retained frames with sequence <= seq. Acks beyond the
// last assigned sequence are clamped rather than trusted.
func (s *Splitter) Ack(seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.nextSeq == 0 {
		return
	}
	if seq >= s.nextSeq {
		seq = s.nextSeq - 1
	}
	for ; s.lowest <= seq; s.lowest++ {
		delete(s.retained, s.lowest)
	}
}

// NextSeq returns the next sequence number to be assigned.
func (s *Splitter) NextSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextSeq
}

// Retained returns the number of frames held for retransmission.
func (s *Splitter) Retained() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.retained)
}
