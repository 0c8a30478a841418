// Copyright 2015 Aleksandr Demakin. All rights reserved.

// Package eventfd wraps Linux's eventfd(2) as a monotonic 64-bit counter
// used by package sharedring as a wakeup/backpressure signal between two
// untrusted peers. A write adds to the counter; a read drains it to zero
// and returns the value it held, blocking while the counter is zero
// unless the non-blocking flag is set.
//
// A closing peer cannot rely on fd closure alone to notify the other
// side: an eventfd descriptor duplicated into another process stays open
// there after the peer exits. Instead, SignalClose writes a reserved
// sentinel value that a normal Signal call can never produce, and
// Wait/WaitContext recognize it and report ErrCounterClosed.
package eventfd

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// ErrEventfdFailed wraps any failure from the underlying eventfd(2) or its
// read/write/poll syscalls.
var ErrEventfdFailed = errors.New("eventfd: syscall failed")

// ErrCounterClosed is returned by Wait/WaitContext once the peer has
// called SignalClose on this counter.
var ErrCounterClosed = errors.New("eventfd: counter closed by peer")

// closeValue is a sentinel written by SignalClose. It is chosen so that
// no sequence of ordinary Signal calls (each adding 1) could plausibly
// reach it, while staying far enough below the eventfd(2) maximum
// (0xfffffffffffffffe) that it can be added on top of pending signals,
// and more than once, without the write blocking.
const closeValue uint64 = 1 << 62

// one is the fixed 8-byte value every Signal call writes; eventfd
// counters only ever need to distinguish zero from non-zero transitions
// here, so a constant increment of one is all package sharedring needs.
var one = encode(1)

var closeBytes = encode(closeValue)

func encode(v uint64) [8]byte {
	var b [8]byte
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
	return b
}

func decode(b [8]byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}

// Counter is one eventfd-backed counter.
type Counter struct {
	fd int
}

// New creates a fresh, blocking, close-on-exec eventfd counter starting at
// zero.
func New() (*Counter, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC)
	if err != nil {
		return nil, errors.Wrap(ErrEventfdFailed, "eventfd: "+err.Error())
	}
	return &Counter{fd: fd}, nil
}

// Adopt wraps an existing eventfd descriptor, typically one received from
// a peer alongside a memfd.Region over some out-of-band channel.
func Adopt(fd int) *Counter {
	return &Counter{fd: fd}
}

// Fd returns the underlying file descriptor. Ownership stays with the
// Counter; dup it before sending elsewhere if the Counter may be closed
// first.
func (c *Counter) Fd() int { return c.fd }

// Signal adds one to the counter, waking any blocked reader exactly once.
// Called on every empty->non-empty or full->non-full transition by
// package sharedring; it is not meant to be called on every send/receive.
func (c *Counter) Signal() error {
	return c.write(one)
}

// SignalClose tells any blocked or future waiter that this side is gone.
// It adds closeValue to the counter, so it does not block while ordinary
// signals are still pending, and up to three calls may land on one
// counter (for example one from each side of a channel) before a reader
// drains it.
func (c *Counter) SignalClose() error {
	return c.write(closeBytes)
}

func (c *Counter) write(b [8]byte) error {
	n, err := unix.Write(c.fd, b[:])
	if err != nil {
		return errors.Wrap(ErrEventfdFailed, "write: "+err.Error())
	}
	if n != len(b) {
		return errors.Wrap(ErrEventfdFailed, "short write")
	}
	return nil
}

// Wait blocks until the counter is non-zero, then drains it back to
// zero. It returns ErrCounterClosed if the drained value was the one
// SignalClose writes.
func (c *Counter) Wait() error {
	for {
		var buf [8]byte
		n, err := unix.Read(c.fd, buf[:])
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return errors.Wrap(ErrEventfdFailed, "read: "+err.Error())
		}
		if n != len(buf) {
			return errors.Wrap(ErrEventfdFailed, "short read")
		}
		if decode(buf) >= closeValue {
			return ErrCounterClosed
		}
		return nil
	}
}

// WaitContext blocks until the counter is non-zero or ctx is done,
// whichever comes first, using Ppoll so the wait is interruptible without
// a spin loop. It mirrors the teacher's WriteBlockingContext /
// ReadBlockingContext pattern of interleaving a context check with a
// timed wait, substituting Ppoll for eventfd since eventfd has no native
// context-aware wait primitive.
func (c *Counter) WaitContext(ctx context.Context) error {
	pfd := []unix.PollFd{{Fd: int32(c.fd), Events: unix.POLLIN}}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		const pollInterval = 100 * time.Millisecond
		ts := unix.NsecToTimespec(pollInterval.Nanoseconds())
		n, err := unix.Ppoll(pfd, &ts, nil)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return errors.Wrap(ErrEventfdFailed, "ppoll: "+err.Error())
		}
		if n == 0 {
			continue
		}
		return c.drainNonBlocking()
	}
}

func (c *Counter) drainNonBlocking() error {
	var buf [8]byte
	n, err := unix.Read(c.fd, buf[:])
	if err == unix.EAGAIN {
		// another waiter drained it first; treat as spurious wakeup.
		return nil
	}
	if err != nil {
		return errors.Wrap(ErrEventfdFailed, "read: "+err.Error())
	}
	if n != len(buf) {
		return errors.Wrap(ErrEventfdFailed, "short read")
	}
	if decode(buf) >= closeValue {
		return ErrCounterClosed
	}
	return nil
}

// Close closes the underlying descriptor. It is safe to call more than
// once.
func (c *Counter) Close() error {
	if c.fd < 0 {
		return nil
	}
	fd := c.fd
	c.fd = -1
	return unix.Close(fd)
}
