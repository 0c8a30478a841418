// Copyright 2015 Aleksandr Demakin. All rights reserved.

package ring

import (
	"math"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRing[T any](t *testing.T, capacity uint64) *Ring[T] {
	t.Helper()
	region := make([]byte, RequiredSize[T](capacity))
	r, err := New[T](region, capacity)
	require.NoError(t, err)
	return r
}

func TestEchoSequence(t *testing.T) {
	r := newTestRing[uint64](t, 4)
	sender, receiver := r.Halves()

	for i := uint64(1); i <= 100; i++ {
		item := i
		n, err := sender.Send(1, func(s1, s2 []uint64) int {
			s1[0] = item
			return 1
		})
		require.NoError(t, err)
		require.Equal(t, 1, n)

		var got uint64
		n, err = receiver.Receive(1, func(s1, s2 []uint64) int {
			got = s1[0]
			return 1
		})
		require.NoError(t, err)
		require.Equal(t, 1, n)
		assert.Equal(t, item, got)
	}
}

func TestWrapPhysicalSlotSequence(t *testing.T) {
	r := newTestRing[byte](t, 3)
	sender, receiver := r.Halves()

	send := func(items ...byte) {
		i := 0
		n, err := sender.Send(len(items), func(s1, s2 []byte) int {
			k := copy(s1, items[i:])
			k += copy(s2, items[i+k:])
			return k
		})
		require.NoError(t, err)
		require.Equal(t, len(items), n)
	}
	recv := func(want ...byte) {
		got := make([]byte, 0, len(want))
		n, err := receiver.Receive(len(want), func(s1, s2 []byte) int {
			got = append(got, s1...)
			got = append(got, s2...)
			return len(s1) + len(s2)
		})
		require.NoError(t, err)
		require.Equal(t, len(want), n)
		assert.Equal(t, want, got)
	}

	// capacity=3, batch of 3 then 2: physical slots touched are [0,1,2,0,1].
	send(10, 20, 30)
	recv(10, 20, 30)
	send(40, 50)
	recv(40, 50)
}

func TestBackpressureSplitsAcrossCalls(t *testing.T) {
	r := newTestRing[int](t, 2)
	sender, receiver := r.Halves()

	items := []int{1, 2, 3, 4, 5}
	var sent, counts []int
	for len(sent) < len(items) {
		remaining := items[len(sent):]
		n, err := sender.Send(len(remaining), func(s1, s2 []int) int {
			k := copy(s1, remaining)
			k += copy(s2, remaining[k:])
			return k
		})
		require.NoError(t, err)
		if n == 0 {
			t.Fatalf("sender made no progress after the receiver drained the ring")
		}
		counts = append(counts, n)
		sent = append(sent, remaining[:n]...)

		// Drain what was accepted so the next call has room again.
		_, err = receiver.Receive(n, func(s1, s2 []int) int {
			return len(s1) + len(s2)
		})
		require.NoError(t, err)
	}
	assert.Equal(t, []int{2, 2, 1}, counts)
	assert.Equal(t, items, sent)
}

func TestMaliciousPeerCorruptedReadIndex(t *testing.T) {
	r := newTestRing[uint64](t, 4)
	sender, _ := r.Halves()

	// A correct peer never publishes a read_index that makes
	// write_index-read_index exceed capacity. Simulate one that does.
	atomic.StoreUint64(&r.hdr.readIndex, ^uint64(0)-uint64(r.capacity)) // write_index(0) - readIndex wraps past capacity

	_, err := sender.WriteCount()
	assert.ErrorIs(t, err, ErrProtocolError)

	// The ring is now poisoned: further calls keep failing without
	// touching memory again, they don't panic or go out of bounds.
	_, err = sender.Send(1, func(s1, s2 []uint64) int {
		t.Fatalf("fill must not be called on a poisoned ring")
		return 0
	})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestFillCallbackCannotOverclaim(t *testing.T) {
	r := newTestRing[byte](t, 4)
	sender, _ := r.Halves()

	_, err := sender.Send(2, func(s1, s2 []byte) int {
		return len(s1) + len(s2) + 1 // claims more than it was given
	})
	assert.ErrorIs(t, err, ErrProtocolError)
}

func TestEmptyReceiveDoesNotCallConsume(t *testing.T) {
	r := newTestRing[byte](t, 4)
	_, receiver := r.Halves()

	n, err := receiver.Receive(4, func(s1, s2 []byte) int {
		t.Fatalf("consume must not be called on an empty ring")
		return 0
	})
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestRequiredSizeAccountsForHeader(t *testing.T) {
	assert.Equal(t, int64(HeaderSize), RequiredSize[byte](0))
	assert.Equal(t, int64(HeaderSize+40), RequiredSize[uint64](5))
}

func TestRequiredSizeRejectsOverflow(t *testing.T) {
	assert.Equal(t, int64(-1), RequiredSize[uint64](1<<61))
	assert.Equal(t, int64(-1), RequiredSize[uint64](math.MaxUint64))
}

func TestCheckedOccupancyAdversarialInputs(t *testing.T) {
	// A correct peer only ever publishes w,r such that w-r (mod 2^64)
	// lands in [0, capacity]. Anything else is a forged or corrupted
	// index and must be rejected rather than used to compute a slice
	// bound.
	occ, err := checkedOccupancy(0, 0, 4)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), occ)

	occ, err = checkedOccupancy(4, 0, 4)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), occ)

	// w < r by a small, wrapping-looking amount: genuinely over capacity.
	_, err = checkedOccupancy(0, 1, 4)
	assert.ErrorIs(t, err, ErrProtocolError)

	// Large monotonic counters wrapped past 2^64: still must validate
	// via unsigned wraparound subtraction, not signed comparison.
	occ, err = checkedOccupancy(2, ^uint64(0)-1, 4) // w - r = 2 - (2^64-2) = 4 mod 2^64
	require.NoError(t, err)
	assert.Equal(t, uint64(4), occ)

	// A peer claiming occupancy one past capacity.
	_, err = checkedOccupancy(5, 0, 4)
	assert.ErrorIs(t, err, ErrProtocolError)

	// A peer claiming an enormous, clearly-impossible occupancy.
	_, err = checkedOccupancy(^uint64(0)/2, 0, 4)
	assert.ErrorIs(t, err, ErrProtocolError)
}
