// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package frame

import (
	"bytes"
	"math/rand"
	"testing"
)

func push(t *testing.T, r *Reassembler, f *Frame) *Result {
	t.Helper()
	res, err := r.Push(f)
	if err != nil {
		t.Fatalf("push seq %d: %v", f.Seq, err)
	}
	return res
}

func TestReassembleInOrder(t *testing.T) {
	s := NewSplitter(4, 64)
	r := NewReassembler(32, 1<<16)

	msg := []byte("the quick brown fox jumps over")
	frames, _ := s.Split(msg)

	var got []byte
	for _, f := range frames {
		res := push(t, r, f)
		if len(res.Missing) != 0 {
			t.Errorf("no gaps expected, got %v", res.Missing)
		}
		for _, m := range res.Messages {
			got = m
		}
	}

	if !bytes.Equal(got, msg) {
		t.Errorf("reassembled message mismatch: %q", got)
	}
}

func TestReassembleAllPermutations(t *testing.T) {
	// Every delivery order within the window must reassemble the
	// original message byte-identically.
	msg := []byte("abcdefghij")

	perms := [][]int{}
	var permute func(rest, cur []int)
	permute = func(rest, cur []int) {
		if len(rest) == 0 {
			perm := make([]int, len(cur))
			copy(perm, cur)
			perms = append(perms, perm)
			return
		}
		for i := range rest {
			next := make([]int, 0, len(rest)-1)
			next = append(next, rest[:i]...)
			next = append(next, rest[i+1:]...)
			permute(next, append(cur, rest[i]))
		}
	}
	permute([]int{0, 1, 2, 3, 4}, nil)

	for _, perm := range perms {
		s := NewSplitter(2, 64)
		r := NewReassembler(32, 1<<16)
		frames, _ := s.Split(msg)

		var got []byte
		for _, idx := range perm {
			res := push(t, r, frames[idx])
			for _, m := range res.Messages {
				got = m
			}
		}

		if !bytes.Equal(got, msg) {
			t.Fatalf("permutation %v: got %q, want %q", perm, got, msg)
		}
	}
}

func TestReassembleRandomizedOrder(t *testing.T) {
	rng := rand.New(rand.NewSource(7))

	for trial := 0; trial < 200; trial++ {
		msg := make([]byte, 1+rng.Intn(500))
		rng.Read(msg)

		s := NewSplitter(16, 256)
		r := NewReassembler(256, 1<<20)
		frames, _ := s.Split(msg)

		order := rng.Perm(len(frames))
		var got []byte
		for _, idx := range order {
			res := push(t, r, frames[idx])
			for _, m := range res.Messages {
				got = m
			}
		}

		if !bytes.Equal(got, msg) {
			t.Fatalf("trial %d: reassembled message differs", trial)
		}
	}
}

func TestReplayRejected(t *testing.T) {
	s := NewSplitter(2, 64)
	r := NewReassembler(32, 1<<16)
	frames, _ := s.Split([]byte("aabbcc"))

	push(t, r, frames[0])
	push(t, r, frames[1])

	// Replaying a delivered frame is rejected.
	if _, err := r.Push(frames[0]); err != ErrReplay {
		t.Errorf("expected ErrReplay for delivered frame, got %v", err)
	}

	// A duplicate of a buffered (not yet delivered) frame is rejected too.
	s2 := NewSplitter(2, 64)
	r2 := NewReassembler(32, 1<<16)
	frames2, _ := s2.Split([]byte("aabbcc"))

	push(t, r2, frames2[2]) // buffered, waiting on 0,1
	if _, err := r2.Push(frames2[2]); err != ErrReplay {
		t.Errorf("expected ErrReplay for buffered duplicate, got %v", err)
	}

	// The replay did not corrupt state: filling the gap completes the message.
	push(t, r2, frames2[0])
	res := push(t, r2, frames2[1])
	if len(res.Messages) != 1 || !bytes.Equal(res.Messages[0], []byte("aabbcc")) {
		t.Error("message should complete after replay rejection")
	}
}

func TestMissingRangesExact(t *testing.T) {
	s := NewSplitter(2, 64)
	r := NewReassembler(32, 1<<16)
	frames, _ := s.Split(bytes.Repeat([]byte("ab"), 8)) // seqs 0..7

	// Deliver 2 and 5: missing should be exactly [0,1] and [3,4].
	push(t, r, frames[2])
	res := push(t, r, frames[5])

	want := []Range{{From: 0, To: 1}, {From: 3, To: 4}}
	if len(res.Missing) != len(want) {
		t.Fatalf("missing ranges: got %v, want %v", res.Missing, want)
	}
	for i, m := range res.Missing {
		if m != want[i] {
			t.Fatalf("missing ranges: got %v, want %v", res.Missing, want)
		}
	}

	// Filling [0,1] leaves only [3,4].
	push(t, r, frames[0])
	res = push(t, r, frames[1])
	if len(res.Missing) != 1 || res.Missing[0] != (Range{From: 3, To: 4}) {
		t.Fatalf("after fill: got %v", res.Missing)
	}
}

func TestWindowExceeded(t *testing.T) {
	r := NewReassembler(8, 1<<16)

	if _, err := r.Push(&Frame{Type: TypeData, Seq: 8, Payload: []byte("x")}); err != ErrWindowExceeded {
		t.Errorf("expected ErrWindowExceeded, got %v", err)
	}
	if _, err := r.Push(&Frame{Type: TypeData, Seq: 7, Payload: []byte("x")}); err != nil {
		t.Errorf("frame inside window should be accepted: %v", err)
	}
}

func TestFrameTooLarge(t *testing.T) {
	r := NewReassembler(64, 10)

	// First frame fits, second pushes the in-flight message over the bound.
	if _, err := r.Push(&Frame{Type: TypeData, Seq: 0, Payload: bytes.Repeat([]byte("x"), 8)}); err != nil {
		t.Fatalf("push: %v", err)
	}
	if _, err := r.Push(&Frame{Type: TypeData, Seq: 1, Payload: bytes.Repeat([]byte("x"), 8)}); err != ErrFrameTooLarge {
		t.Errorf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestMultipleMessagesOneDrain(t *testing.T) {
	s := NewSplitter(2, 64)
	r := NewReassembler(32, 1<<16)

	f1, _ := s.Split([]byte("aa")) // seq 0, end
	f2, _ := s.Split([]byte("bb")) // seq 1, end

	// Deliver the second message's frame first.
	push(t, r, f2[0])
	res := push(t, r, f1[0])

	if len(res.Messages) != 2 {
		t.Fatalf("expected 2 completed messages, got %d", len(res.Messages))
	}
	if !bytes.Equal(res.Messages[0], []byte("aa")) || !bytes.Equal(res.Messages[1], []byte("bb")) {
		t.Error("messages must complete in order")
	}

	seq, ok := r.Delivered()
	if !ok || seq != 1 {
		t.Errorf("delivered: got %d/%v", seq, ok)
	}
}

func TestResetDiscardsPartialState(t *testing.T) {
	s := NewSplitter(2, 64)
	r := NewReassembler(32, 1<<16)
	frames, _ := s.Split([]byte("aabbcc"))

	push(t, r, frames[0])
	r.Reset()

	// Partial chunks are gone: replaying the stream from the gap onward
	// never resurrects the half-built message.
	res := push(t, r, frames[1])
	res2 := push(t, r, frames[2])
	if len(res.Messages) != 0 {
		t.Error("no message should complete from discarded state")
	}
	if len(res2.Messages) != 1 || bytes.Equal(res2.Messages[0], []byte("aabbcc")) {
		t.Error("message completed from discarded state")
	}
}
