// Copyright 2015 Aleksandr Demakin. All rights reserved.

// Package shmemipc provides high-throughput, low-latency inter-process
// communication on Linux between mutually untrusted processes, built on
// shared memory backed by sealed anonymous memory file descriptors.
//
// Three packages build on each other:
//	memfd       sealed anonymous memfd + mmap shared memory regions
//	ring        a generic, lock-free SPSC ring buffer protocol
//	sharedring  memfd + ring + eventfd wakeup counters, as blocking Sender/Receiver endpoints
//
// Bootstrapping the three descriptors a sharedring.SharedRing produces
// (the memfd, and the two eventfd counters) to a peer process -- over a
// Unix domain socket with SCM_RIGHTS, D-Bus, or any other side channel --
// is left to the caller. So is any higher-level message framing on top
// of the fixed-size items this package moves.
package shmemipc
