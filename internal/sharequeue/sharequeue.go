// Package sharequeue implements the correctness keystone of the capture
// pipeline (spec §4.C): a single-producer, many-consumer fan-out that
// duplicates a frame handle into K outlet queues and releases the
// underlying source buffer back to its owner exactly once, when the
// last enabled outlet has returned its copy.
//
// The fan-out-with-backpressure shape is grounded in the teacher's
// media.Stream.BroadcastMessage / server.Stream.BroadcastMessage
// (snapshot subscribers, try a non-blocking send, drop or block on a
// slow one) generalized from "N independent subscribers, no shared
// buffer lifetime" to "K outlets sharing one ref-counted slot that must
// be released exactly once."
//
// Two corrections from spec §9's design notes are built in rather than
// inherited as known issues:
//   - Add stages outlet sends and rolls the slot back (invoking Release)
//     if any outlet send fails, instead of leaking a reference.
//   - Add returns a Token that Release (via ReleaseToken) can redeem in
//     O(1), removing the linear "frame not found in ring" scan as the
//     normal path; ReleaseByData keeps the pointer-identity scan for
//     callers that only have the frame handle.
package sharequeue

import (
	"fmt"
	"sync"

	"github.com/alxayo/go-capture/internal/queue"
)

// Token identifies a specific slot allocation, returned by Add and
// redeemable by ReleaseToken in O(1).
type Token struct {
	idx   int
	gen   uint64
	valid bool
}

type outlet[T any] struct {
	enabled bool
	q       *queue.Queue[T]
	owned   bool
}

// Queue is the ref-counted fan-out primitive over item type T.
type Queue[T any] struct {
	mu      sync.Mutex
	notFull *sync.Cond

	depth int
	slots []slotT[T]
	gens  []uint64
	read  int
	write int
	count int

	outlets      []outlet[T]
	validCount   int
	external     bool
	getFrameData func(T) uintptr
	release      func(T)
}

type slotT[T any] struct {
	item      T
	frameData uintptr
	refCount  int
	inUse     bool
}

// Config configures a new share queue.
type Config[T any] struct {
	Outlets      int
	Depth        int
	GetFrameData func(T) uintptr
	Release      func(T)
	// External, when true, requires SetOutletQueue to attach each
	// outlet's queue explicitly rather than allocating one internally.
	External bool
	// OutletDepth sizes internally-allocated outlet queues (ignored in
	// External mode). Defaults to Depth.
	OutletDepth int
}

// New creates a share queue per Config.
func New[T any](cfg Config[T]) *Queue[T] {
	if cfg.Outlets <= 0 {
		cfg.Outlets = 1
	}
	if cfg.Depth <= 0 {
		cfg.Depth = 1
	}
	if cfg.OutletDepth <= 0 {
		cfg.OutletDepth = cfg.Depth
	}
	q := &Queue[T]{
		depth:        cfg.Depth,
		slots:        make([]slotT[T], cfg.Depth),
		gens:         make([]uint64, cfg.Depth),
		outlets:      make([]outlet[T], cfg.Outlets),
		external:     cfg.External,
		getFrameData: cfg.GetFrameData,
		release:      cfg.Release,
	}
	q.notFull = sync.NewCond(&q.mu)
	if !cfg.External {
		for i := range q.outlets {
			q.outlets[i].q = queue.New[T](cfg.OutletDepth)
			q.outlets[i].owned = true
		}
	}
	return q
}

// SetOutletQueue attaches an externally-owned queue for outlet i. Only
// permitted when the share queue was created with Config.External.
func (q *Queue[T]) SetOutletQueue(i int, oq *queue.Queue[T]) error {
	if !q.external {
		return fmt.Errorf("sharequeue: set_outlet_queue only permitted in external-queues mode")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if i < 0 || i >= len(q.outlets) {
		return fmt.Errorf("sharequeue: outlet index %d out of range", i)
	}
	q.outlets[i].q = oq
	q.outlets[i].owned = false
	return nil
}

// OutletQueue returns outlet i's queue (nil if unattached), for callers
// that need to wire it elsewhere (e.g. the muxer worker's input).
func (q *Queue[T]) OutletQueue(i int) *queue.Queue[T] {
	q.mu.Lock()
	defer q.mu.Unlock()
	if i < 0 || i >= len(q.outlets) {
		return nil
	}
	return q.outlets[i].q
}

// Enable turns outlet i on or off. Disabling an outlet drains it,
// invoking Release for every in-flight item so refcounts stay
// consistent (spec §4.C, §8 "disabled outlet quiesces").
func (q *Queue[T]) Enable(i int, on bool) error {
	q.mu.Lock()
	if i < 0 || i >= len(q.outlets) {
		q.mu.Unlock()
		return fmt.Errorf("sharequeue: outlet index %d out of range", i)
	}
	o := &q.outlets[i]
	if o.enabled == on {
		q.mu.Unlock()
		return nil
	}
	o.enabled = on
	if on {
		q.validCount++
		q.mu.Unlock()
		return nil
	}
	q.validCount--
	oq := o.q
	q.mu.Unlock()

	if oq != nil {
		queue.DrainFunc(oq, func(item T) { q.ReleaseByData(item) })
	}
	return nil
}

// ValidCount returns the number of currently enabled outlets.
func (q *Queue[T]) ValidCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.validCount
}

// Add is the producer entry point. If no outlet is enabled, the item is
// released back to its source immediately. Otherwise Add blocks while
// the ring is full, allocates a slot with ref_count = valid_count, and
// fans the item out to every enabled outlet. If any outlet send fails,
// the slot is rolled back (its release callback invoked) and an error
// returned, rather than leaking a reference.
func (q *Queue[T]) Add(item T) (Token, error) {
	q.mu.Lock()

	if q.validCount == 0 {
		q.mu.Unlock()
		if q.release != nil {
			q.release(item)
		}
		return Token{}, nil
	}

	for q.count == q.depth {
		q.notFull.Wait()
	}
	// Every outlet may have been disabled while Add waited for a free slot.
	if q.validCount == 0 {
		q.mu.Unlock()
		if q.release != nil {
			q.release(item)
		}
		return Token{}, nil
	}

	idx := q.write % q.depth
	fd := q.getFrameData(item)
	q.slots[idx] = slotT[T]{item: item, frameData: fd, refCount: q.validCount, inUse: true}
	q.gens[idx]++
	tok := Token{idx: idx, gen: q.gens[idx], valid: true}
	q.write++
	q.count++

	var failed bool
	for i := range q.outlets {
		o := &q.outlets[i]
		if !o.enabled || o.q == nil {
			continue
		}
		if !o.q.TrySend(item) {
			failed = true
			break
		}
	}

	if failed {
		// Roll back: undo the deliveries that did succeed by removing
		// them from their outlet queues is not generally possible once
		// sent, so instead we treat the slot as fully released right
		// away — matching "do not silently inherit the source
		// behavior" from spec §9: the slot never survives a partial
		// Add failure.
		q.slots[idx] = slotT[T]{}
		q.write--
		q.count--
		q.mu.Unlock()
		if q.release != nil {
			q.release(item)
		}
		return Token{}, fmt.Errorf("sharequeue: add failed to deliver to all enabled outlets")
	}

	q.mu.Unlock()
	return tok, nil
}

// RecvFromOutlet performs a non-blocking pop from outlet i.
func (q *Queue[T]) RecvFromOutlet(i int) (item T, ok bool) {
	q.mu.Lock()
	if i < 0 || i >= len(q.outlets) || q.outlets[i].q == nil {
		q.mu.Unlock()
		var zero T
		return zero, false
	}
	oq := q.outlets[i].q
	q.mu.Unlock()
	return oq.Recv(false)
}

// DrainAll pops everything from every enabled outlet and releases it,
// used to unblock readers during stop.
func (q *Queue[T]) DrainAll() {
	q.mu.Lock()
	var outs []*queue.Queue[T]
	for i := range q.outlets {
		if q.outlets[i].enabled && q.outlets[i].q != nil {
			outs = append(outs, q.outlets[i].q)
		}
	}
	q.mu.Unlock()

	for _, oq := range outs {
		queue.DrainFunc(oq, func(item T) { q.ReleaseByData(item) })
	}
}

// ReleaseToken releases the slot identified by tok in O(1). Returns an
// error if tok is stale (already fully released) or unknown.
func (q *Queue[T]) ReleaseToken(tok Token) error {
	if !tok.valid {
		return fmt.Errorf("sharequeue: release of zero-value token")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if tok.idx < 0 || tok.idx >= q.depth || q.gens[tok.idx] != tok.gen || !q.slots[tok.idx].inUse {
		return fmt.Errorf("sharequeue: release: stale or unknown token")
	}
	return q.releaseSlotLocked(tok.idx)
}

// ReleaseByData releases by scanning slots from read to write for the
// one whose stored frame-data pointer matches getFrameData(item) — the
// pointer-identity path described in spec §4.C/§9, kept for callers that
// only have the frame handle and not the Token Add returned.
func (q *Queue[T]) ReleaseByData(item T) error {
	fd := q.getFrameData(item)
	q.mu.Lock()
	defer q.mu.Unlock()
	for n := 0; n < q.count; n++ {
		idx := (q.read + n) % q.depth
		if q.slots[idx].inUse && q.slots[idx].frameData == fd {
			return q.releaseSlotLocked(idx)
		}
	}
	return fmt.Errorf("sharequeue: release: frame not found in ring")
}

// releaseSlotLocked decrements the slot's ref_count; when it reaches
// zero it is marked complete. If it is (or becomes, via lazy
// collection) the head slot, the release callback fires and read
// advances, collecting any subsequent already-zero slots.
func (q *Queue[T]) releaseSlotLocked(idx int) error {
	s := &q.slots[idx]
	if s.refCount <= 0 {
		return fmt.Errorf("sharequeue: release: ref_count already zero for slot %d", idx)
	}
	s.refCount--
	if s.refCount > 0 {
		return nil
	}
	if idx != q.read%q.depth {
		// Not the head: stays marked complete, collected lazily once
		// read reaches it (spec §9 "out-of-order slot completion").
		return nil
	}
	q.collectHeadLocked()
	return nil
}

func (q *Queue[T]) collectHeadLocked() {
	for q.count > 0 {
		idx := q.read % q.depth
		s := &q.slots[idx]
		if !s.inUse || s.refCount > 0 {
			break
		}
		item := s.item
		*s = slotT[T]{}
		q.read++
		q.count--
		q.notFull.Broadcast()
		if q.release != nil {
			q.release(item)
		}
	}
}

// Depth returns the configured ring depth.
func (q *Queue[T]) Depth() int { return q.depth }

// OutletCount returns the configured number of outlets.
func (q *Queue[T]) OutletCount() int { return len(q.outlets) }
