// Copyright 2015 Aleksandr Demakin. All rights reserved.

// Package memfd provides sealed anonymous shared memory regions built on
// Linux's memfd_create(2) and file seals. A region created by Create
// is sized once and sealed against further resizing before its file
// descriptor is ever handed to another process, so a peer that only holds
// the descriptor can map it and trust that its length cannot change under
// it, without trusting the peer process itself.
//
// The data region is deliberately left writable on both ends: sealing with
// F_SEAL_WRITE is reserved for Oneshot, the separate write-once/read-many
// helper below, which is unrelated to the mutable ring protocol built on
// top of Region elsewhere in this module.
package memfd

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Sentinel errors returned by this package. They are wrapped with
// additional context via github.com/pkg/errors before being returned, so
// callers should use errors.Is / errors.Cause rather than direct equality.
var (
	ErrMemfdFailed    = errors.New("memfd: memfd_create failed")
	ErrSealFailed     = errors.New("memfd: failed to apply seals")
	ErrUnsealedMemory = errors.New("memfd: peer region is missing required seals")
	ErrMmapFailed     = errors.New("memfd: mmap failed")
)

// requiredSeals is the seal set every Region must carry before it is handed
// to a peer: the size can neither shrink nor grow, and no further seals can
// be added or removed. Write access is intentionally not sealed away here;
// Region is the mutable primitive the ring protocol is built on.
const requiredSeals = unix.F_SEAL_SHRINK | unix.F_SEAL_GROW | unix.F_SEAL_SEAL

// oneshotSeals additionally seals off writes, for Oneshot's publish step.
const oneshotSeals = requiredSeals | unix.F_SEAL_WRITE

// Region is an owning handle over one memfd-backed shared memory segment:
// a file descriptor and the mapping built on top of it. The zero value is
// not usable; obtain one via Create or Open.
type Region struct {
	fd   int
	data []byte
}

// Create allocates a new sealed anonymous memory region of at least size
// bytes (rounded up to a whole number of pages) and maps it read-write.
// The returned Region owns both the descriptor and the mapping; Close
// releases both.
func Create(name string, size int64) (*Region, error) {
	if size <= 0 {
		return nil, errors.New("memfd: size must be positive")
	}
	pageSize := int64(unix.Getpagesize())
	size = (size + pageSize - 1) / pageSize * pageSize
	fd, err := unix.MemfdCreate(name, unix.MFD_CLOEXEC|unix.MFD_ALLOW_SEALING)
	if err != nil {
		return nil, errors.Wrap(ErrMemfdFailed, err.Error())
	}
	if err := unix.Ftruncate(fd, size); err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(ErrMemfdFailed, "ftruncate: "+err.Error())
	}
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_ADD_SEALS, requiredSeals); err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(ErrSealFailed, err.Error())
	}
	return mapFd(fd, size, true)
}

// Open maps an existing sealed region referred to by fd, which was
// produced by Create (directly or in a peer process and transferred over
// some out-of-band channel such as SCM_RIGHTS). size is the length the
// caller expects the region to have, agreed out of band alongside fd; it
// is never inferred solely from fstat, only cross-checked against it.
// On success the returned Region owns fd and closes it on Close; on
// failure Open leaves fd open and the caller keeps ownership of it.
func Open(fd int, size int64) (*Region, error) {
	if size <= 0 {
		return nil, errors.New("memfd: size must be positive")
	}
	seals, err := unix.FcntlInt(uintptr(fd), unix.F_GET_SEALS, 0)
	if err != nil {
		return nil, errors.Wrap(ErrSealFailed, "F_GET_SEALS: "+err.Error())
	}
	if seals&requiredSeals != requiredSeals {
		return nil, errors.Wrapf(ErrUnsealedMemory, "got seals %#x, need %#x", seals, requiredSeals)
	}
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return nil, errors.Wrap(ErrMmapFailed, "fstat: "+err.Error())
	}
	if st.Size < size {
		return nil, errors.Errorf("memfd: region too small: have %d, need %d", st.Size, size)
	}
	return mapFd(fd, size, false)
}

func mapFd(fd int, size int64, ownsFd bool) (*Region, error) {
	data, err := unix.Mmap(fd, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		if ownsFd {
			unix.Close(fd)
		}
		return nil, errors.Wrap(ErrMmapFailed, err.Error())
	}
	r := &Region{fd: fd, data: data}
	return r, nil
}

// Fd returns the region's underlying file descriptor. Ownership stays with
// the Region; the caller must dup it before sending it elsewhere if the
// Region may be closed first.
func (r *Region) Fd() int { return r.fd }

// Data returns the mapped bytes backing this region. The slice is valid
// until Close.
func (r *Region) Data() []byte { return r.data }

// Len returns the length of the mapping in bytes.
func (r *Region) Len() int { return len(r.data) }

// Close unmaps the region and closes its descriptor. It is safe to call
// more than once.
func (r *Region) Close() error {
	if r.data == nil {
		return nil
	}
	data := r.data
	r.data = nil
	err := unix.Munmap(data)
	if cerr := unix.Close(r.fd); err == nil {
		err = cerr
	}
	return err
}

// Oneshot creates a memfd, lets fill populate it while still writable, and
// then seals writes away in addition to the usual shrink/grow/reseal
// triple, producing a region meant to be published once and read many
// times by peers via OpenReadOnly. It shares Region's sealing primitive
// but is not used by, and has no bearing on, the mutable ring protocol.
func Oneshot(name string, size int64, fill func([]byte)) (*Region, error) {
	r, err := Create(name, size)
	if err != nil {
		return nil, err
	}
	fill(r.data)
	if _, err := unix.FcntlInt(uintptr(r.fd), unix.F_ADD_SEALS, unix.F_SEAL_WRITE); err != nil {
		r.Close()
		return nil, errors.Wrap(ErrSealFailed, "sealing write: "+err.Error())
	}
	return r, nil
}

// OpenReadOnly maps a region produced by Oneshot, verifying the write seal
// is present in addition to the usual shrink/grow/reseal triple, then maps
// it read-only.
func OpenReadOnly(fd int, size int64) (*Region, error) {
	seals, err := unix.FcntlInt(uintptr(fd), unix.F_GET_SEALS, 0)
	if err != nil {
		return nil, errors.Wrap(ErrSealFailed, "F_GET_SEALS: "+err.Error())
	}
	if seals&oneshotSeals != oneshotSeals {
		return nil, errors.Wrapf(ErrUnsealedMemory, "got seals %#x, need %#x", seals, oneshotSeals)
	}
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return nil, errors.Wrap(ErrMmapFailed, "fstat: "+err.Error())
	}
	if st.Size < size {
		return nil, errors.Errorf("memfd: region too small: have %d, need %d", st.Size, size)
	}
	data, err := unix.Mmap(fd, 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(ErrMmapFailed, err.Error())
	}
	return &Region{fd: fd, data: data}, nil
}
