package sharequeue

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alxayo/go-capture/internal/queue"
)

type testItem struct {
	id  uintptr
	pts int
}

func getData(i testItem) uintptr { return i.id }

func TestRefcountClosure(t *testing.T) {
	var released int32
	q := New(Config[testItem]{
		Outlets:      2,
		Depth:        4,
		GetFrameData: getData,
		Release:      func(testItem) { atomic.AddInt32(&released, 1) },
	})
	q.Enable(0, true)
	q.Enable(1, true)

	if _, err := q.Add(testItem{id: 1}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if atomic.LoadInt32(&released) != 0 {
		t.Fatalf("should not release before any outlet consumes")
	}

	v0, ok := q.RecvFromOutlet(0)
	if !ok || v0.id != 1 {
		t.Fatalf("expected item from outlet 0")
	}
	if err := q.ReleaseByData(v0); err != nil {
		t.Fatalf("release: %v", err)
	}
	if atomic.LoadInt32(&released) != 0 {
		t.Fatalf("should not release until all outlets have released")
	}

	v1, ok := q.RecvFromOutlet(1)
	if !ok || v1.id != 1 {
		t.Fatalf("expected item from outlet 1")
	}
	if err := q.ReleaseByData(v1); err != nil {
		t.Fatalf("release: %v", err)
	}
	if atomic.LoadInt32(&released) != 1 {
		t.Fatalf("expected exactly 1 release, got %d", released)
	}
}

func TestValidCountZeroReleasesImmediately(t *testing.T) {
	var released int32
	q := New(Config[testItem]{
		Outlets:      2,
		Depth:        4,
		GetFrameData: getData,
		Release:      func(testItem) { atomic.AddInt32(&released, 1) },
	})
	if _, err := q.Add(testItem{id: 1}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if atomic.LoadInt32(&released) != 1 {
		t.Fatalf("expected immediate release with no enabled outlets")
	}
}

func TestOrderPreservation(t *testing.T) {
	q := New(Config[testItem]{
		Outlets:      1,
		Depth:        8,
		GetFrameData: getData,
		Release:      func(testItem) {},
	})
	q.Enable(0, true)
	for i := 1; i <= 5; i++ {
		if _, err := q.Add(testItem{id: uintptr(i)}); err != nil {
			t.Fatalf("add %d: %v", i, err)
		}
	}
	for i := 1; i <= 5; i++ {
		v, ok := q.RecvFromOutlet(0)
		if !ok || v.id != uintptr(i) {
			t.Fatalf("expected id %d, got %v ok=%v", i, v, ok)
		}
		q.ReleaseByData(v)
	}
}

func TestDisabledOutletQuiesces(t *testing.T) {
	var released int32
	q := New(Config[testItem]{
		Outlets:      2,
		Depth:        4,
		GetFrameData: getData,
		Release:      func(testItem) { atomic.AddInt32(&released, 1) },
	})
	q.Enable(0, true)
	q.Enable(1, true)

	if _, err := q.Add(testItem{id: 1}); err != nil {
		t.Fatalf("add: %v", err)
	}

	// Disable outlet 1 without reading it: its in-flight copy must be
	// auto-released, and no further items reach it.
	if err := q.Enable(1, false); err != nil {
		t.Fatalf("enable(false): %v", err)
	}

	if _, err := q.Add(testItem{id: 2}); err != nil {
		t.Fatalf("add 2: %v", err)
	}
	if _, ok := q.RecvFromOutlet(1); ok {
		t.Fatalf("disabled outlet should not receive new items")
	}

	v0, ok := q.RecvFromOutlet(0)
	if !ok || v0.id != 1 {
		t.Fatalf("expected id 1 on outlet 0")
	}
	q.ReleaseByData(v0)
	if atomic.LoadInt32(&released) != 1 {
		t.Fatalf("expected slot 1 fully released (only remaining outlet), got %d", released)
	}
}

func TestBackpressureBlocksAdd(t *testing.T) {
	q := New(Config[testItem]{
		Outlets:      1,
		Depth:        2,
		OutletDepth:  2,
		GetFrameData: getData,
		Release:      func(testItem) {},
	})
	q.Enable(0, true)
	q.Add(testItem{id: 1})
	q.Add(testItem{id: 2})

	done := make(chan error, 1)
	go func() {
		_, err := q.Add(testItem{id: 3})
		done <- err
	}()

	select {
	case <-done:
		t.Fatalf("add should block while ring is full")
	case <-time.After(30 * time.Millisecond):
	}

	v, _ := q.RecvFromOutlet(0)
	q.ReleaseByData(v)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected add to unblock: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("add did not unblock after release")
	}
}

func TestDrainAllReleasesInFlight(t *testing.T) {
	var released int32
	q := New(Config[testItem]{
		Outlets:      1,
		Depth:        4,
		GetFrameData: getData,
		Release:      func(testItem) { atomic.AddInt32(&released, 1) },
	})
	q.Enable(0, true)
	for i := 1; i <= 3; i++ {
		q.Add(testItem{id: uintptr(i)})
	}
	q.DrainAll()
	if atomic.LoadInt32(&released) != 3 {
		t.Fatalf("expected 3 releases after drain_all, got %d", released)
	}
}

func TestAddFailureRollsBackSlot(t *testing.T) {
	var released int32
	q := New(Config[testItem]{
		Outlets:      1,
		Depth:        2,
		External:     true,
		GetFrameData: getData,
		Release:      func(testItem) { atomic.AddInt32(&released, 1) },
	})
	oq := queue.New[testItem](1)
	q.SetOutletQueue(0, oq)
	q.Enable(0, true)

	// Fill the outlet's own queue so the next TrySend inside Add fails.
	oq.Send(testItem{id: 99})

	if _, err := q.Add(testItem{id: 1}); err == nil {
		t.Fatalf("expected add to fail when outlet send fails")
	}
	if atomic.LoadInt32(&released) != 1 {
		t.Fatalf("expected the rolled-back slot's item released exactly once, got %d", released)
	}

	// The ring must not have leaked a slot: depth-many further adds
	// (draining the one-item outlet queue before each) must succeed
	// without blocking.
	oq.Recv(false)
	if _, err := q.Add(testItem{id: 2}); err != nil {
		t.Fatalf("add after rollback: %v", err)
	}
	oq.Recv(false)
	if _, err := q.Add(testItem{id: 3}); err != nil {
		t.Fatalf("add should not be blocked by a leaked slot: %v", err)
	}
}

func TestReleaseTokenORedemption(t *testing.T) {
	var released int32
	q := New(Config[testItem]{
		Outlets:      1,
		Depth:        4,
		GetFrameData: getData,
		Release:      func(testItem) { atomic.AddInt32(&released, 1) },
	})
	q.Enable(0, true)
	tok, err := q.Add(testItem{id: 1})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	q.RecvFromOutlet(0)
	if err := q.ReleaseToken(tok); err != nil {
		t.Fatalf("release_token: %v", err)
	}
	if atomic.LoadInt32(&released) != 1 {
		t.Fatalf("expected release via token")
	}
	if err := q.ReleaseToken(tok); err == nil {
		t.Fatalf("expected stale token reuse to error")
	}
}

func TestReleaseUnknownFrameErrors(t *testing.T) {
	q := New(Config[testItem]{
		Outlets:      1,
		Depth:        4,
		GetFrameData: getData,
		Release:      func(testItem) {},
	})
	q.Enable(0, true)
	if err := q.ReleaseByData(testItem{id: 42}); err == nil {
		t.Fatalf("expected error releasing an item never added")
	}
}

func TestConcurrentAddAndReleaseNoRace(t *testing.T) {
	var released int32
	q := New(Config[testItem]{
		Outlets:      2,
		Depth:        8,
		GetFrameData: getData,
		Release:      func(testItem) { atomic.AddInt32(&released, 1) },
	})
	q.Enable(0, true)
	q.Enable(1, true)

	var wg sync.WaitGroup
	const n = 50

	drain := func(outlet int) {
		defer wg.Done()
		for i := 0; i < n; i++ {
			v, ok := q.RecvFromOutlet(outlet)
			for !ok {
				time.Sleep(time.Millisecond)
				v, ok = q.RecvFromOutlet(outlet)
			}
			q.ReleaseByData(v)
		}
	}
	wg.Add(2)
	go drain(0)
	go drain(1)
	for i := 1; i <= n; i++ {
		if _, err := q.Add(testItem{id: uintptr(i)}); err != nil {
			t.Fatalf("add %d: %v", i, err)
		}
	}
	wg.Wait()

	if atomic.LoadInt32(&released) != n {
		t.Fatalf("expected %d releases, got %d", n, released)
	}
}
