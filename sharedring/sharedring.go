// Copyright 2015 Aleksandr Demakin. All rights reserved.

// Package sharedring composes package memfd's sealed regions and package
// ring's lock-free index protocol with a pair of eventfd-backed wakeup
// counters into blockable Sender/Receiver endpoints. It is the top layer
// of this module: everything a process needs to set up its side of a
// channel, hand descriptors to a peer, and then send or block-receive
// typed items, lives here.
//
// Bootstrapping the three descriptors (the memfd, the data-available
// eventfd, and the space-available eventfd) to a peer process -- over a
// Unix domain socket with SCM_RIGHTS, D-Bus, or any other side channel --
// is deliberately left to the caller; this package only produces and
// consumes a Descriptors value.
package sharedring

import (
	"context"
	"unsafe"

	"github.com/pkg/errors"

	"github.com/diwic/shmem-ipc/eventfd"
	"github.com/diwic/shmem-ipc/memfd"
	"github.com/diwic/shmem-ipc/ring"
)

// Sentinel errors specific to this layer. memfd and ring errors
// (ErrSealFailed, ErrUnsealedMemory, ErrMmapFailed, ErrMemfdFailed,
// ErrProtocolError) propagate unwrapped from those packages.
var (
	// ErrPeerClosed is returned once the ring has been fully drained and
	// the peer's side of the channel has gone away. It is never
	// returned while there is still data to deliver: a Receiver drains
	// everything the peer wrote before it closed, in line with the
	// module's "peer closes mid-operation" design decision.
	ErrPeerClosed = errors.New("sharedring: peer closed the channel")
)

// Descriptors is the out-of-band payload that must be transmitted to a
// peer (and, symmetrically, received from one) to establish a shared
// ring: the data region's file descriptor, the two eventfd counters in a
// fixed order, and the scalars needed to recompute the ring's layout.
// Nothing else is negotiated in-band.
type Descriptors struct {
	Data       int
	DataAvail  int
	SpaceAvail int
	ItemSize   uint64
	Capacity   uint64
}

// SharedRing owns one side of a shared memory channel: the sealed region,
// the ring built on top of it, and the two signaling counters. Use
// NewOwned to create one from scratch or Open to attach to an existing
// one via Descriptors received from a peer.
type SharedRing[T any] struct {
	region     *memfd.Region
	dataAvail  *eventfd.Counter
	spaceAvail *eventfd.Counter
	r          *ring.Ring[T]
	closed     bool
}

// NewOwned allocates a fresh sealed region sized for capacity items of
// type T, builds a ring over it, and opens the two wakeup counters. It
// returns the SharedRing for local use plus the Descriptors to hand to a
// peer so it can call Open.
func NewOwned[T any](name string, capacity uint64) (*SharedRing[T], Descriptors, error) {
	size := ring.RequiredSize[T](capacity)
	region, err := memfd.Create(name, size)
	if err != nil {
		return nil, Descriptors{}, err
	}
	rb, err := ring.New[T](region.Data(), capacity)
	if err != nil {
		region.Close()
		return nil, Descriptors{}, err
	}
	dataAvail, err := eventfd.New()
	if err != nil {
		region.Close()
		return nil, Descriptors{}, err
	}
	spaceAvail, err := eventfd.New()
	if err != nil {
		dataAvail.Close()
		region.Close()
		return nil, Descriptors{}, err
	}
	var zero T
	sr := &SharedRing[T]{region: region, dataAvail: dataAvail, spaceAvail: spaceAvail, r: rb}
	d := Descriptors{
		Data:       region.Fd(),
		DataAvail:  dataAvail.Fd(),
		SpaceAvail: spaceAvail.Fd(),
		ItemSize:   uint64(unsafe.Sizeof(zero)),
		Capacity:   capacity,
	}
	return sr, d, nil
}

// Open attaches to a channel set up by a peer's NewOwned call, given the
// Descriptors it transmitted. It never trusts an in-band length: the
// region's size is recomputed from d.ItemSize and d.Capacity exactly as
// the owner computed it, and memfd.Open cross-checks that against fstat.
// d.ItemSize must match sizeof(T) as this side sees it -- a peer that
// lies about its element layout is rejected here rather than allowed to
// desynchronize the two sides' slot math.
func Open[T any](d Descriptors) (*SharedRing[T], error) {
	var zero T
	if d.ItemSize != uint64(unsafe.Sizeof(zero)) {
		return nil, errors.Errorf("sharedring: peer item size %d does not match local size %d", d.ItemSize, unsafe.Sizeof(zero))
	}
	size := ring.RequiredSize[T](d.Capacity)
	region, err := memfd.Open(d.Data, size)
	if err != nil {
		return nil, err
	}
	rb, err := ring.New[T](region.Data(), d.Capacity)
	if err != nil {
		region.Close()
		return nil, err
	}
	return &SharedRing[T]{
		region:     region,
		dataAvail:  eventfd.Adopt(d.DataAvail),
		spaceAvail: eventfd.Adopt(d.SpaceAvail),
		r:          rb,
	}, nil
}

// Halves splits the channel into a blocking Sender and Receiver. As with
// package ring, only one side is normally kept per process; the other is
// implied by the peer holding the matching Descriptors.
func (sr *SharedRing[T]) Halves() (*Sender[T], *Receiver[T]) {
	s, r := sr.r.Halves()
	return &Sender[T]{sr: sr, inner: s}, &Receiver[T]{sr: sr, inner: r}
}

// Close notifies the peer that this side is gone by signaling both
// counters closed, then unmaps the region and closes both eventfds. It is
// safe to call more than once; a second call skips the (now invalid)
// close signal and only releases resources.
func (sr *SharedRing[T]) Close() error {
	if !sr.closed {
		sr.closed = true
		sr.dataAvail.SignalClose()
		sr.spaceAvail.SignalClose()
	}
	err := sr.dataAvail.Close()
	if serr := sr.spaceAvail.Close(); err == nil {
		err = serr
	}
	if rerr := sr.region.Close(); err == nil {
		err = rerr
	}
	return err
}

// Sender is the blocking producer endpoint of a SharedRing.
type Sender[T any] struct {
	sr    *SharedRing[T]
	inner *ring.Sender[T]
}

// Receiver is the blocking consumer endpoint of a SharedRing.
type Receiver[T any] struct {
	sr    *SharedRing[T]
	inner *ring.Receiver[T]
}

// TrySend offers items without blocking, signaling the receiver's
// data-available counter only on the empty->non-empty transition (edge
// triggered, matching the module's signaling design: a reader that is
// already awake need not be woken again).
func (s *Sender[T]) TrySend(items []T) (int, error) {
	wasEmpty, err := s.inner.IsEmpty()
	if err != nil {
		return 0, err
	}
	n, err := s.inner.Send(len(items), func(s1, s2 []T) int {
		k := copy(s1, items)
		k += copy(s2, items[k:])
		return k
	})
	if err != nil {
		return n, err
	}
	if n > 0 && wasEmpty {
		if serr := s.sr.dataAvail.Signal(); serr != nil {
			return n, serr
		}
	}
	return n, nil
}

// Send blocks until at least one item can be written, then writes as
// many of items as currently fit, signaling the receiver as described by
// TrySend. It returns the number of items written.
func (s *Sender[T]) Send(ctx context.Context, items []T) (int, error) {
	for {
		n, err := s.TrySend(items)
		if err != nil {
			return n, err
		}
		if n > 0 {
			return n, nil
		}
		if err := s.sr.spaceAvail.WaitContext(ctx); err != nil {
			return 0, translatePeerClose(err)
		}
	}
}

// TryReceive consumes items without blocking, signaling the sender's
// space-available counter only on the full->non-full transition.
func (r *Receiver[T]) TryReceive(items []T) (int, error) {
	wasFull, err := r.inner.IsFull()
	if err != nil {
		return 0, err
	}
	n, err := r.inner.Receive(len(items), func(s1, s2 []T) int {
		k := copy(items, s1)
		k += copy(items[k:], s2)
		return k
	})
	if err != nil {
		return n, err
	}
	if n > 0 && wasFull {
		if serr := r.sr.spaceAvail.Signal(); serr != nil {
			return n, serr
		}
	}
	return n, nil
}

// Receive blocks until at least one item is available, then reads as
// many of items' capacity as currently available, signaling the sender
// as described by TryReceive. If the ring is empty and the peer has
// signaled close on the data-available counter, Receive drains whatever is
// still in the ring first and only returns ErrPeerClosed once nothing is
// left -- see the module's peer-close design decision.
func (r *Receiver[T]) Receive(ctx context.Context, items []T) (int, error) {
	for {
		n, err := r.TryReceive(items)
		if err != nil {
			return n, err
		}
		if n > 0 {
			return n, nil
		}
		if err := r.sr.dataAvail.WaitContext(ctx); err != nil {
			if isPeerClose(err) {
				n, rerr := r.TryReceive(items)
				if rerr != nil {
					return n, rerr
				}
				if n > 0 {
					// The wait consumed the close signal; put it back so
					// the call that finds the ring empty still sees it.
					if serr := r.sr.dataAvail.SignalClose(); serr != nil {
						return n, serr
					}
					return n, nil
				}
				return 0, ErrPeerClosed
			}
			return 0, err
		}
	}
}

func isPeerClose(err error) bool {
	return errors.Is(err, eventfd.ErrCounterClosed)
}

func translatePeerClose(err error) error {
	if isPeerClose(err) {
		return ErrPeerClosed
	}
	return err
}
