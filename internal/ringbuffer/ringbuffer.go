// Package ringbuffer implements the byte ring buffer of spec §4.B: a
// single-producer/single-consumer pool over a fixed byte arena offering
// reserve/commit on the write side and read-lock/read-unlock on the read
// side. Two independent instances back, respectively, the raw-audio
// source pool (avoiding a per-frame PCM allocation) and the muxer-output
// byte stream (container bytes with a 4-byte PTS prefix per record) —
// kept as two distinct instances with the same contract, per the design
// note in spec §9 ("do not unify").
package ringbuffer

import (
	"fmt"
	"sync"
)

// region describes one record in the arena: the bytes the consumer may
// read are [offset, offset+publishedLen); reservedLen is how far
// ReadUnlock must advance to reclaim the full reservation, which may
// exceed publishedLen when Commit published fewer bytes than reserved
// (a discarded tail, per spec §4.B) or when a later reservation wrapped
// and left padding after this region.
type region struct {
	offset       int
	publishedLen int
	reservedLen  int
}

// Ring is a byte ring buffer over a fixed-size arena.
type Ring struct {
	mu      sync.Mutex
	notFull *sync.Cond
	buf     []byte
	cap     int

	used     int // bytes currently occupied: committed regions + the outstanding reservation + any wrap padding
	writeOff int // next reservation start offset
	readOff  int // unused directly; tracked implicitly via committed[0].offset

	pending   bool
	pendOff   int
	pendLen   int
	committed []region

	locked bool
	closed bool
}

// New allocates a ring buffer with the given arena size in bytes.
func New(size int) *Ring {
	if size <= 0 {
		size = 1
	}
	r := &Ring{buf: make([]byte, size), cap: size}
	r.notFull = sync.NewCond(&r.mu)
	return r
}

// Reserve returns a writable region of exactly n bytes, blocking until
// enough contiguous space (accounting for wrap padding) is available, or
// until the ring is closed.
func (r *Ring) Reserve(n int) ([]byte, error) {
	if n <= 0 {
		return nil, fmt.Errorf("ringbuffer: reserve size must be positive, got %d", n)
	}
	if n > r.cap {
		return nil, fmt.Errorf("ringbuffer: reserve size %d exceeds arena capacity %d", n, r.cap)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.pending {
		return nil, fmt.Errorf("ringbuffer: reserve called with an uncommitted reservation outstanding")
	}

	for {
		if r.closed {
			return nil, fmt.Errorf("ringbuffer: closed")
		}
		if r.used == 0 {
			r.writeOff = 0
		}
		avail := r.cap - r.used
		wraps := r.writeOff+n > r.cap
		need := n
		if wraps {
			need = (r.cap - r.writeOff) + n
		}
		if need <= avail {
			break
		}
		r.notFull.Wait()
	}

	var off int
	if r.writeOff+n > r.cap {
		padding := r.cap - r.writeOff
		r.used += padding
		r.writeOff = 0
		// The padding sits right after the newest committed region; charge
		// it to that region so its ReadUnlock (or Drain) reclaims it.
		if last := len(r.committed) - 1; last >= 0 {
			r.committed[last].reservedLen += padding
		}
	}
	off = r.writeOff
	r.used += n
	r.writeOff += n
	if r.writeOff == r.cap {
		r.writeOff = 0
	}
	r.pending = true
	r.pendOff = off
	r.pendLen = n
	return r.buf[off : off+n : off+n], nil
}

// Commit publishes n bytes of the outstanding reservation (n may be less
// than the reserved length, marking the remainder as a discarded tail
// that is still reclaimed, in full, on the matching ReadUnlock).
func (r *Ring) Commit(n int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.pending {
		return fmt.Errorf("ringbuffer: commit with no outstanding reservation")
	}
	if n < 0 || n > r.pendLen {
		return fmt.Errorf("ringbuffer: commit size %d out of range [0,%d]", n, r.pendLen)
	}
	r.committed = append(r.committed, region{offset: r.pendOff, publishedLen: n, reservedLen: r.pendLen})
	r.pending = false
	r.pendOff, r.pendLen = 0, 0
	return nil
}

// ReadLock returns a reference to the next committed region without
// removing it. ok is false if nothing is committed.
func (r *Ring) ReadLock() (data []byte, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.locked {
		return nil, false
	}
	if len(r.committed) == 0 {
		return nil, false
	}
	reg := r.committed[0]
	r.locked = true
	return r.buf[reg.offset : reg.offset+reg.publishedLen], true
}

// ReadUnlock advances past the region returned by the last ReadLock,
// reclaiming its full reservation (including any discarded tail).
func (r *Ring) ReadUnlock() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.locked {
		return fmt.Errorf("ringbuffer: read_unlock without a matching read_lock")
	}
	reg := r.committed[0]
	r.committed = r.committed[1:]
	r.used -= reg.reservedLen
	r.locked = false
	r.notFull.Broadcast()
	return nil
}

// Drain discards all committed regions, reclaiming their space. It does
// not affect an outstanding (uncommitted) reservation.
func (r *Ring) Drain() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, reg := range r.committed {
		r.used -= reg.reservedLen
	}
	r.committed = r.committed[:0]
	r.locked = false
	r.notFull.Broadcast()
}

// Close unblocks any pending Reserve call with an error. Safe to call
// more than once.
func (r *Ring) Close() {
	r.mu.Lock()
	r.closed = true
	r.notFull.Broadcast()
	r.mu.Unlock()
}

// Pending reports whether a committed record is waiting to be read.
func (r *Ring) Pending() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.committed) > 0
}

// Cap returns the arena's total capacity in bytes.
func (r *Ring) Cap() int { return r.cap }
