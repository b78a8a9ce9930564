// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package frame

import "sync"

// Result is the outcome of pushing one frame into a Reassembler.
type Result struct {
	// Messages holds any logical messages completed by this push, in
	// order. Draining buffered frames can complete more than one.
	Messages [][]byte

	// Missing lists the exact sequence ranges still absent between the
	// next expected frame and the highest buffered frame. Non-empty
	// Missing is the MissingFrame condition: the session requests
	// retransmission of exactly these ranges, nothing more.
	Missing []Range
}

// Reassembler rebuilds logical messages from one direction's data frames.
// Frames may arrive out of order within a bounded window; anything at or
// below the last accepted sequence is a replay and is rejected without
// being processed.
type Reassembler struct {
	windowSize uint64
	maxMessage int

	mu       sync.Mutex
	nextSeq  uint64            // everything below is delivered
	window   map[uint64]*Frame // buffered frames with seq > nextSeq
	buffered int               // payload bytes held in window
	chunks   [][]byte          // in-order chunks of the current message
	pending  int               // payload bytes held in chunks
}

// NewReassembler creates a reassembler tolerating reordering within
// windowSize sequence numbers and bounding any in-flight message to
// maxMessage bytes.
func NewReassembler(windowSize uint64, maxMessage int) *Reassembler {
	return &Reassembler{
		windowSize: windowSize,
		maxMessage: maxMessage,
		window:     make(map[uint64]*Frame),
	}
}

// Push accepts one data frame.
//
// Errors: ErrReplay for a sequence already accepted, ErrWindowExceeded
// for a frame beyond the reordering window, ErrFrameTooLarge when the
// in-flight message would exceed the bound. All other outcomes are
// reported through the Result.
func (r *Reassembler) Push(f *Frame) (*Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if f.Seq < r.nextSeq {
		return nil, ErrReplay
	}
	if _, dup := r.window[f.Seq]; dup {
		return nil, ErrReplay
	}
	if f.Seq >= r.nextSeq+r.windowSize {
		return nil, ErrWindowExceeded
	}
	if r.pending+r.buffered+len(f.Payload) > r.maxMessage {
		return nil, ErrFrameTooLarge
	}

	r.window[f.Seq] = f
	r.buffered += len(f.Payload)

	res := &Result{}

	// Drain every frame that is now in order.
	for {
		next, ok := r.window[r.nextSeq]
		if !ok {
			break
		}
		delete(r.window, r.nextSeq)
		r.buffered -= len(next.Payload)
		r.nextSeq++

		r.chunks = append(r.chunks, next.Payload)
		r.pending += len(next.Payload)

		if next.Type == TypeDataEnd {
			msg := make([]byte, 0, r.pending)
			for _, c := range r.chunks {
				msg = append(msg, c...)
			}
			res.Messages = append(res.Messages, msg)
			r.chunks = nil
			r.pending = 0
		}
	}

	res.Missing = r.missingLocked()
	return res, nil
}

// missingLocked computes the contiguous absent ranges between nextSeq and
// the highest buffered sequence.
func (r *Reassembler) missingLocked() []Range {
	if len(r.window) == 0 {
		return nil
	}

	var max uint64
	for seq := range r.window {
		if seq > max {
			max = seq
		}
	}

	// The scan always terminates on a buffered frame, so every open
	// range closes before max.
	var missing []Range
	var open bool
	var from uint64
	for seq := r.nextSeq; seq <= max; seq++ {
		_, have := r.window[seq]
		switch {
		case !have && !open:
			from, open = seq, true
		case have && open:
			missing = append(missing, Range{From: from, To: seq - 1})
			open = false
		}
	}
	return missing
}

// Delivered returns the highest delivered sequence number and whether any
// frame has been delivered yet. Used for cumulative acks.
func (r *Reassembler) Delivered() (uint64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.nextSeq == 0 {
		return 0, false
	}
	return r.nextSeq - 1, true
}

// Reset discards all partially reassembled state. Called when the session
// closes; partial messages are dropped, not recovered.
func (r *Reassembler) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.window = make(map[uint64]*Frame)
	r.buffered = 0
	r.chunks = nil
	r.pending = 0
}
