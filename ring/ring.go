// Copyright 2015 Aleksandr Demakin. All rights reserved.

// Package ring implements a lock-free, single-producer/single-consumer
// ring buffer protocol over a raw byte region such as the one produced by
// package memfd. It is generic over the element type T and safe to run
// against a malicious peer: every index read from shared memory is
// validated before it is used to compute a slice bound, and a peer that
// writes a bogus index is reported as a protocol error rather than
// followed off the end of the mapping.
//
// The wire layout (see HeaderSize and the header type) is fixed and is
// the contract two processes on either side of the mapping agree to:
// write_index lives at offset 0, read_index at offset 64 on its own
// cache line, and the first slot begins at HeaderSize.
package ring

import (
	"math"
	"sync/atomic"
	"unsafe"

	"github.com/pkg/errors"

	"github.com/diwic/shmem-ipc/internal/allocator"
)

// cacheLineSize is the stride between write_index and read_index; keeping
// them on separate cache lines avoids false sharing between the producer
// and consumer, who each only ever write their own index.
const cacheLineSize = 64

// HeaderSize is the number of bytes at the start of the region reserved
// for the write/read index pair, before the first slot begins.
const HeaderSize = 2 * cacheLineSize

// Sentinel errors. ErrProtocolError is the one spec'd trust boundary: it
// is returned instead of panicking or indexing out of bounds whenever a
// peer-supplied index fails validation.
var (
	// ErrProtocolError indicates the peer's published index could not
	// have been produced by a correct implementation of this protocol
	// (e.g. it claims more items are in flight than the ring can hold).
	// Once returned, the Ring that produced it is poisoned: every later
	// Sender/Receiver call returns ErrClosed without touching the mapping
	// again.
	ErrProtocolError = errors.New("ring: peer sent an invalid index")
	// ErrTooLarge is returned by New when header+capacity*sizeof(T)
	// does not fit in the supplied region.
	ErrTooLarge = errors.New("ring: capacity does not fit in region")
	// ErrClosed is returned by a Sender/Receiver call made after the
	// Ring has been poisoned by a prior ErrProtocolError.
	ErrClosed = errors.New("ring: ring is closed")
)

// header is the first HeaderSize bytes of the region, as seen through an
// unsafe pointer. Both fields are accessed exclusively through the
// sync/atomic package: the producer only ever stores writeIndex and loads
// readIndex; the consumer is the mirror image.
type header struct {
	writeIndex uint64
	_          [cacheLineSize - 8]byte
	readIndex  uint64
	_          [cacheLineSize - 8]byte
}

// Ring is a view over a shared byte region implementing the ring index
// protocol for elements of type T. It carries no mutable state of its own
// beyond a poison flag; the actual write/read indices live in the region
// so that both processes mapping it see the same values.
type Ring[T any] struct {
	hdr      *header
	slots    []T
	capacity uint64
	poisoned atomic.Bool
}

// RequiredSize returns the number of bytes New needs to lay out a ring of
// the given capacity for element type T: HeaderSize plus capacity slots.
// It returns -1 if capacity*sizeof(T) would overflow an int64 (and so
// could never fit in any region anyway); callers must treat that as a
// size error rather than pass it on to a slice or mmap length.
func RequiredSize[T any](capacity uint64) int64 {
	var zero T
	itemSize := uint64(unsafe.Sizeof(zero))
	if itemSize != 0 && capacity > (uint64(math.MaxInt64)-uint64(HeaderSize))/itemSize {
		return -1
	}
	return int64(HeaderSize) + int64(capacity)*int64(itemSize)
}

// New builds a Ring[T] over region, which must be at least
// RequiredSize[T](capacity) bytes long. It does not initialize the
// indices: the owning side is expected to have started from a
// freshly-zeroed region (memfd.Create always returns zero-filled
// memory), and a peer opening an existing ring must not reset indices
// another process may already be advancing.
func New[T any](region []byte, capacity uint64) (*Ring[T], error) {
	if capacity == 0 {
		return nil, errors.New("ring: capacity must be positive")
	}
	if err := allocator.CheckObjectReferences[T](); err != nil {
		return nil, errors.Wrap(err, "ring: element type is not safe to share across processes")
	}
	need := RequiredSize[T](capacity)
	if need < 0 || int64(len(region)) < need {
		return nil, errors.Wrapf(ErrTooLarge, "have %d bytes, need %d", len(region), need)
	}
	base := allocator.ByteSliceData(region)
	hdr := (*header)(base)
	slotBase := allocator.AdvancePointer(base, HeaderSize)
	slots := unsafe.Slice((*T)(slotBase), capacity)
	// region's backing array is reachable through hdr and slots from here
	// on; Use documents that and keeps it alive across the pointer
	// arithmetic above even if an optimization pass ever reorders it.
	allocator.Use(slotBase)
	return &Ring[T]{hdr: hdr, slots: slots, capacity: capacity}, nil
}

// Capacity returns the number of elements the ring can hold.
func (r *Ring[T]) Capacity() uint64 { return r.capacity }

func (r *Ring[T]) loadWriteIndex() uint64 {
	return atomic.LoadUint64(&r.hdr.writeIndex)
}

func (r *Ring[T]) loadReadIndex() uint64 {
	return atomic.LoadUint64(&r.hdr.readIndex)
}

func (r *Ring[T]) storeWriteIndex(v uint64) {
	atomic.StoreUint64(&r.hdr.writeIndex, v)
}

func (r *Ring[T]) storeReadIndex(v uint64) {
	atomic.StoreUint64(&r.hdr.readIndex, v)
}

// checkedOccupancy computes w-r as the number of items currently in the
// ring, rejecting any pair of indices a correct peer could never have
// produced. w and r are monotonic counters that only ever increase, so
// the subtraction is done in wrapping uint64 arithmetic and the result
// must land in [0, capacity]; anything else means the peer corrupted its
// index (by construction only a peer, never this side, can produce a
// bad value, since a correct implementation never advances its own index
// past what checkedOccupancy already validated).
func checkedOccupancy(w, r, capacity uint64) (uint64, error) {
	occ := w - r // uint64 wraparound is intentional here
	if occ > capacity {
		return 0, errors.Wrapf(ErrProtocolError, "write_index=%d read_index=%d capacity=%d", w, r, capacity)
	}
	return occ, nil
}

func (r *Ring[T]) poison(err error) error {
	r.poisoned.Store(true)
	return err
}

func (r *Ring[T]) checkPoisoned() error {
	if r.poisoned.Load() {
		return ErrClosed
	}
	return nil
}

// Halves splits the ring into its producer and consumer sides. Either
// half may be kept in this process and the other handed to a peer, or
// both may be used here against a peer's own Ring built from the shared
// region.
func (r *Ring[T]) Halves() (*Sender[T], *Receiver[T]) {
	return &Sender[T]{ring: r}, &Receiver[T]{ring: r}
}

// Sender is the producer half of a Ring.
type Sender[T any] struct {
	ring *Ring[T]
}

// Receiver is the consumer half of a Ring.
type Receiver[T any] struct {
	ring *Ring[T]
}

// Capacity returns the ring's capacity.
func (s *Sender[T]) Capacity() uint64 { return s.ring.capacity }

// Capacity returns the ring's capacity.
func (rc *Receiver[T]) Capacity() uint64 { return rc.ring.capacity }

// WriteCount returns the number of elements that can currently be sent
// without blocking, validating the peer's read_index in the process.
func (s *Sender[T]) WriteCount() (uint64, error) {
	if err := s.ring.checkPoisoned(); err != nil {
		return 0, err
	}
	w := s.ring.loadWriteIndex()
	readIdx := s.ring.loadReadIndex()
	occ, err := checkedOccupancy(w, readIdx, s.ring.capacity)
	if err != nil {
		return 0, s.ring.poison(err)
	}
	return s.ring.capacity - occ, nil
}

// IsEmpty reports whether the ring currently has nothing for a receiver
// to consume.
func (s *Sender[T]) IsEmpty() (bool, error) {
	n, err := s.WriteCount()
	return n == s.ring.capacity, err
}

// Send offers up to n items to the ring via fill, which receives one or
// two contiguous slices (s1 always non-empty when called, s2 non-empty
// only when the free region wraps past the end of the backing array) and
// returns how many leading elements across s1 then s2 it actually wrote.
// fill is not called at all if the ring is currently full. Send returns
// the number of elements accepted.
//
// Because the ring may be shared with an untrusted peer, the contract is
// one-shot and closure-driven rather than handing out a live slice: the
// caller writes into the slices they're given and nothing else.
func (s *Sender[T]) Send(n int, fill func(s1, s2 []T) int) (int, error) {
	if err := s.ring.checkPoisoned(); err != nil {
		return 0, err
	}
	w := s.ring.loadWriteIndex()
	readIdx := s.ring.loadReadIndex()
	occ, err := checkedOccupancy(w, readIdx, s.ring.capacity)
	if err != nil {
		return 0, s.ring.poison(err)
	}
	capacity := s.ring.capacity
	free := capacity - occ
	if uint64(n) < free {
		free = uint64(n)
	}
	if free == 0 {
		return 0, nil
	}
	start := w % capacity
	s1Len := free
	if tail := capacity - start; tail < s1Len {
		s1Len = tail
	}
	s2Len := free - s1Len
	s1 := s.ring.slots[start : start+s1Len]
	var s2 []T
	if s2Len > 0 {
		s2 = s.ring.slots[0:s2Len]
	}
	written := fill(s1, s2)
	if written < 0 || uint64(written) > free {
		return 0, s.ring.poison(errors.Wrap(ErrProtocolError, "fill callback returned out-of-range count"))
	}
	if written == 0 {
		return 0, nil
	}
	s.ring.storeWriteIndex(w + uint64(written))
	return written, nil
}

// ReadCount returns the number of elements currently available to
// receive, validating the peer's write_index in the process.
func (rc *Receiver[T]) ReadCount() (uint64, error) {
	if err := rc.ring.checkPoisoned(); err != nil {
		return 0, err
	}
	writeIdx := rc.ring.loadWriteIndex()
	r := rc.ring.loadReadIndex()
	occ, err := checkedOccupancy(writeIdx, r, rc.ring.capacity)
	if err != nil {
		return 0, rc.ring.poison(err)
	}
	return occ, nil
}

// IsFull reports whether the ring currently has no free slots for a
// sender to write into.
func (rc *Receiver[T]) IsFull() (bool, error) {
	n, err := rc.ReadCount()
	return n == rc.ring.capacity, err
}

// Receive offers up to n items from the ring to consume, which like
// Send's fill receives one or two contiguous slices of available data and
// returns how many leading elements it consumed. consume is not called
// at all if the ring is currently empty.
func (rc *Receiver[T]) Receive(n int, consume func(s1, s2 []T) int) (int, error) {
	if err := rc.ring.checkPoisoned(); err != nil {
		return 0, err
	}
	writeIdx := rc.ring.loadWriteIndex()
	r := rc.ring.loadReadIndex()
	occ, err := checkedOccupancy(writeIdx, r, rc.ring.capacity)
	if err != nil {
		return 0, rc.ring.poison(err)
	}
	avail := occ
	if uint64(n) < avail {
		avail = uint64(n)
	}
	if avail == 0 {
		return 0, nil
	}
	capacity := rc.ring.capacity
	start := r % capacity
	s1Len := avail
	if tail := capacity - start; tail < s1Len {
		s1Len = tail
	}
	s2Len := avail - s1Len
	s1 := rc.ring.slots[start : start+s1Len]
	var s2 []T
	if s2Len > 0 {
		s2 = rc.ring.slots[0:s2Len]
	}
	read := consume(s1, s2)
	if read < 0 || uint64(read) > avail {
		return 0, rc.ring.poison(errors.Wrap(ErrProtocolError, "consume callback returned out-of-range count"))
	}
	if read == 0 {
		return 0, nil
	}
	rc.ring.storeReadIndex(r + uint64(read))
	return read, nil
}
