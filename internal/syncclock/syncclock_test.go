package syncclock

import (
	"testing"
	"time"
)

func TestModeNonePassesThroughUnchanged(t *testing.T) {
	c := New(ModeNone, 1000)
	c.Start()
	out, snapped := c.Reconcile(500)
	if snapped || out != 500 {
		t.Fatalf("expected pass-through, got out=%d snapped=%v", out, snapped)
	}
}

func TestAudioMasterUpdateSetsReference(t *testing.T) {
	c := New(ModeAudioMaster, 1000)
	c.Start()
	c.UpdateAudio(12345)
	if got := c.Current(); got != 12345 {
		t.Fatalf("expected current() == 12345, got %d", got)
	}
}

func TestAudioMasterReconcileSnapsBeyondTolerance(t *testing.T) {
	c := New(ModeAudioMaster, 1000)
	c.Start()
	c.UpdateAudio(1000)
	out, snapped := c.Reconcile(1050)
	if snapped || out != 1050 {
		t.Fatalf("expected no snap within tolerance, got out=%d snapped=%v", out, snapped)
	}
	out, snapped = c.Reconcile(1200)
	if !snapped || out != 1000 {
		t.Fatalf("expected snap to reference 1000, got out=%d snapped=%v", out, snapped)
	}
}

func TestSystemMasterCurrentAdvancesWithWallTime(t *testing.T) {
	c := New(ModeSystemMaster, 1000)
	c.Start()
	time.Sleep(30 * time.Millisecond)
	got := c.Current()
	if got < 20 || got > 200 {
		t.Fatalf("expected current() roughly proportional to elapsed wall time, got %d", got)
	}
}

func TestSystemMasterShouldDropFutureVideoFrame(t *testing.T) {
	c := New(ModeSystemMaster, 1000)
	c.Start()
	if !c.ShouldDropVideo(1_000_000) {
		t.Fatalf("expected a far-future pts to be dropped under system-master")
	}
	if c.ShouldDropVideo(0) {
		t.Fatalf("a pts at or behind the clock must not be dropped")
	}
}

func TestShouldDropVideoNoopOutsideSystemMaster(t *testing.T) {
	c := New(ModeAudioMaster, 1000)
	c.Start()
	if c.ShouldDropVideo(1_000_000) {
		t.Fatalf("should_drop_video only applies under system-master")
	}
}

func TestStopFreezesCurrentUntilRestart(t *testing.T) {
	c := New(ModeAudioMaster, 1000)
	c.Start()
	c.UpdateAudio(42)
	c.Stop()
	if c.Running() {
		t.Fatalf("expected stopped clock to report not running")
	}
	if got := c.Current(); got != 42 {
		t.Fatalf("expected frozen reference 42, got %d", got)
	}
}

func TestStartIsIdempotentBeforeStop(t *testing.T) {
	c := New(ModeAudioMaster, 1000)
	c.Start()
	c.UpdateAudio(999)
	c.Start() // should not reset audioPTS since already running
	if got := c.Current(); got != 999 {
		t.Fatalf("expected double start to be a no-op, got %d", got)
	}
}
