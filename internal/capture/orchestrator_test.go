package capture

import (
	"testing"
	"time"

	"github.com/alxayo/go-capture/internal/frame"
)

func openTestOrchestrator(t *testing.T, src *fakeAudioSource) *Orchestrator {
	t.Helper()
	o, err := Open(Config{AudioSource: src})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return o
}

// TestSingleAudioPathPTSSequence exercises the audio-only capture path:
// five source reads must yield five frames stamped 0/20/40/60/80ms
// (20ms frames, per audioPTS's floor(frame_index*samples_per_frame*1000/
// sample_rate) with samples_per_frame = sample_rate/50), and every
// acquired+released frame's backing buffer must be returned exactly
// once (audioBuffers empty afterward).
func TestSingleAudioPathPTSSequence(t *testing.T) {
	src := newFakeAudioSource(fakeAudioFormat(), 5)
	o := openTestOrchestrator(t, src)

	h, err := o.SetupPath(frame.SinkConfig{Audio: fakeAudioFormat()})
	if err != nil {
		t.Fatalf("SetupPath: %v", err)
	}
	if err := o.EnablePath(h, RunContinuous, true); err != nil {
		t.Fatalf("EnablePath: %v", err)
	}
	if err := o.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	var got []frame.Frame
	for i := 0; i < 5; i++ {
		f, err := o.AcquirePathFrame(h, frame.KindAudio, true)
		if err != nil {
			t.Fatalf("AcquirePathFrame %d: %v", i, err)
		}
		if want := uint32(i * 20); f.PTS != want {
			t.Fatalf("frame %d: PTS = %d, want %d", i, f.PTS, want)
		}
		got = append(got, f)
	}

	for i, f := range got {
		if err := o.ReleasePathFrame(h, f); err != nil {
			t.Fatalf("ReleasePathFrame %d: %v", i, err)
		}
	}

	o.bufMu.Lock()
	remaining := len(o.audioBuffers)
	o.bufMu.Unlock()
	if remaining != 0 {
		t.Fatalf("expected every released buffer to be returned, %d still tracked", remaining)
	}

	if err := o.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := o.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

// TestSetupPathRejectsSecondPathWithoutProcessor exercises the
// single-consumer constraint: with no path processor configured, only
// one path may ever be set up.
func TestSetupPathRejectsSecondPathWithoutProcessor(t *testing.T) {
	src := newFakeAudioSource(fakeAudioFormat(), 1)
	o := openTestOrchestrator(t, src)

	if _, err := o.SetupPath(frame.SinkConfig{Audio: fakeAudioFormat()}); err != nil {
		t.Fatalf("first SetupPath: %v", err)
	}
	if _, err := o.SetupPath(frame.SinkConfig{Audio: fakeAudioFormat()}); err == nil {
		t.Fatalf("expected second SetupPath without a path processor to be rejected")
	}
}

// TestRunOnceMarksFinishedAfterOneFrame exercises run-once semantics: a
// path must stop requesting frames once it has released its one frame.
func TestRunOnceMarksFinishedAfterOneFrame(t *testing.T) {
	src := newFakeAudioSource(fakeAudioFormat(), 5)
	o := openTestOrchestrator(t, src)

	h, err := o.SetupPath(frame.SinkConfig{Audio: fakeAudioFormat()})
	if err != nil {
		t.Fatalf("SetupPath: %v", err)
	}
	if err := o.EnablePath(h, RunOnce, true); err != nil {
		t.Fatalf("EnablePath: %v", err)
	}
	if err := o.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	f, err := o.AcquirePathFrame(h, frame.KindAudio, true)
	if err != nil {
		t.Fatalf("AcquirePathFrame: %v", err)
	}
	if err := o.ReleasePathFrame(h, f); err != nil {
		t.Fatalf("ReleasePathFrame: %v", err)
	}

	p := o.findPathLocked(h)
	if !p.runFinished {
		t.Fatalf("expected run_finished to be set after a run-once path releases its one frame")
	}
	if p.wantsAudio() {
		t.Fatalf("a finished run-once path must stop requesting audio")
	}

	o.Stop()
}

// TestRunOnceWithMuxerFinishesOnUserReleaseOnly exercises run-once
// semantics for a path that also has a muxer attached: run_finished must
// be driven by the user outlet's release, not by the muxer worker's own
// release of its copy of the same frame (spec §4.H run-once semantics).
func TestRunOnceWithMuxerFinishesOnUserReleaseOnly(t *testing.T) {
	// A single-frame source: until its user release, a run-once path keeps
	// receiving every frame the source produces.
	src := newFakeAudioSource(fakeAudioFormat(), 1)
	o := openTestOrchestrator(t, src)

	h, err := o.SetupPath(frame.SinkConfig{Audio: fakeAudioFormat()})
	if err != nil {
		t.Fatalf("SetupPath: %v", err)
	}
	mux := &fakeMuxer{}
	if err := o.AddMuxerToPath(h, MuxerBaseConfig{MuxerType: "fake"}, nil, mux); err != nil {
		t.Fatalf("AddMuxerToPath: %v", err)
	}
	if err := o.EnablePath(h, RunOnce, true); err != nil {
		t.Fatalf("EnablePath: %v", err)
	}
	if err := o.EnableMuxer(h, true); err != nil {
		t.Fatalf("EnableMuxer: %v", err)
	}
	if err := o.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Give the muxer worker a chance to drain and release its outlet copy
	// of the one frame before the user outlet is ever touched.
	deadline := time.Now().Add(time.Second)
	for mux.audioPacketCount() < 1 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if got := mux.audioPacketCount(); got != 1 {
		t.Fatalf("expected the muxer to receive the one frame, got %d", got)
	}

	p := o.findPathLocked(h)
	if p.runFinished {
		t.Fatalf("run_finished must not be set by the muxer outlet's release")
	}

	f, err := o.AcquirePathFrame(h, frame.KindAudio, true)
	if err != nil {
		t.Fatalf("AcquirePathFrame: %v", err)
	}
	if err := o.ReleasePathFrame(h, f); err != nil {
		t.Fatalf("ReleasePathFrame: %v", err)
	}

	if !p.runFinished {
		t.Fatalf("expected run_finished to be set once the user outlet releases its frame")
	}

	o.Stop()
	o.Close()
}

// TestStopUnblocksBlockedAcquire exercises the stop sequence's
// obligation to unblock any caller parked in a blocking
// AcquirePathFrame, within the one-second bound.
func TestStopUnblocksBlockedAcquire(t *testing.T) {
	src := newFakeAudioSource(fakeAudioFormat(), 0) // never produces a frame
	o := openTestOrchestrator(t, src)

	h, err := o.SetupPath(frame.SinkConfig{Audio: fakeAudioFormat()})
	if err != nil {
		t.Fatalf("SetupPath: %v", err)
	}
	if err := o.EnablePath(h, RunContinuous, true); err != nil {
		t.Fatalf("EnablePath: %v", err)
	}
	if err := o.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := o.AcquirePathFrame(h, frame.KindAudio, true)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond) // let the goroutine reach the blocking Recv
	if err := o.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	select {
	case err := <-done:
		if err == nil {
			t.Fatalf("expected AcquirePathFrame to report an error once its outlet is torn down")
		}
	case <-time.After(time.Second):
		t.Fatalf("AcquirePathFrame did not unblock within the one-second stop bound")
	}
}

// TestShareQueueBackpressureBlocksThenResumes exercises the share
// queue's ring-depth backpressure: once as many frames are acquired as
// the share queue's depth without being released, the fetcher must
// stall rather than consume the source without bound; releasing one
// frame must let it resume.
func TestShareQueueBackpressureBlocksThenResumes(t *testing.T) {
	src := newFakeAudioSource(fakeAudioFormat(), 50)
	o := openTestOrchestrator(t, src)

	h, err := o.SetupPath(frame.SinkConfig{Audio: fakeAudioFormat()})
	if err != nil {
		t.Fatalf("SetupPath: %v", err)
	}
	if err := o.EnablePath(h, RunContinuous, true); err != nil {
		t.Fatalf("EnablePath: %v", err)
	}
	if err := o.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	var held []frame.Frame
	for i := 0; i < shareQueueDepth; i++ {
		f, err := o.AcquirePathFrame(h, frame.KindAudio, true)
		if err != nil {
			t.Fatalf("AcquirePathFrame %d: %v", i, err)
		}
		held = append(held, f)
	}

	time.Sleep(50 * time.Millisecond)
	if src.readCount() >= 50 {
		t.Fatalf("fetcher consumed the entire source despite no releases; expected backpressure to stall it")
	}

	stalledAt := src.readCount()
	if err := o.ReleasePathFrame(h, held[0]); err != nil {
		t.Fatalf("ReleasePathFrame: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for src.readCount() <= stalledAt && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if src.readCount() <= stalledAt {
		t.Fatalf("fetcher did not resume after a slot was released")
	}

	for _, f := range held[1:] {
		o.ReleasePathFrame(h, f)
	}
	o.Stop()
}

// TestMuxerWorkerReceivesFannedOutAudio exercises the fan-out-with-muxer
// scenario: every frame the test acquires and releases through the user
// outlet must also reach the path's muxer, and closing the orchestrator
// must close the path's muxer.
func TestMuxerWorkerReceivesFannedOutAudio(t *testing.T) {
	const total = 10
	src := newFakeAudioSource(fakeAudioFormat(), total)
	o := openTestOrchestrator(t, src)

	h, err := o.SetupPath(frame.SinkConfig{Audio: fakeAudioFormat()})
	if err != nil {
		t.Fatalf("SetupPath: %v", err)
	}
	mux := &fakeMuxer{}
	if err := o.AddMuxerToPath(h, MuxerBaseConfig{MuxerType: "fake"}, nil, mux); err != nil {
		t.Fatalf("AddMuxerToPath: %v", err)
	}
	if err := o.EnablePath(h, RunContinuous, true); err != nil {
		t.Fatalf("EnablePath: %v", err)
	}
	if err := o.EnableMuxer(h, true); err != nil {
		t.Fatalf("EnableMuxer: %v", err)
	}
	if err := o.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	for i := 0; i < total; i++ {
		f, err := o.AcquirePathFrame(h, frame.KindAudio, true)
		if err != nil {
			t.Fatalf("AcquirePathFrame %d: %v", i, err)
		}
		if err := o.ReleasePathFrame(h, f); err != nil {
			t.Fatalf("ReleasePathFrame %d: %v", i, err)
		}
	}

	deadline := time.Now().Add(time.Second)
	for mux.audioPacketCount() < total && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if got := mux.audioPacketCount(); got != total {
		t.Fatalf("expected the muxer to receive all %d fanned-out frames, got %d", total, got)
	}

	if err := o.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := o.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !mux.isClosed() {
		t.Fatalf("expected Close to close the path's muxer")
	}
}

// TestDisableWhileMuxingReleasesUndrainedFrames exercises disabling a
// path whose muxer is still running: the user outlet's in-flight frames
// must be released rather than leaked, and the muxer worker must stop
// cleanly.
func TestDisableWhileMuxingReleasesUndrainedFrames(t *testing.T) {
	src := newFakeAudioSource(fakeAudioFormat(), 50)
	o := openTestOrchestrator(t, src)

	h, err := o.SetupPath(frame.SinkConfig{Audio: fakeAudioFormat()})
	if err != nil {
		t.Fatalf("SetupPath: %v", err)
	}
	mux := &fakeMuxer{}
	if err := o.AddMuxerToPath(h, MuxerBaseConfig{MuxerType: "fake"}, nil, mux); err != nil {
		t.Fatalf("AddMuxerToPath: %v", err)
	}
	if err := o.EnablePath(h, RunContinuous, true); err != nil {
		t.Fatalf("EnablePath: %v", err)
	}
	if err := o.EnableMuxer(h, true); err != nil {
		t.Fatalf("EnableMuxer: %v", err)
	}
	if err := o.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Let frames queue up in the user outlet without anyone acquiring
	// them, so disabling the path has undrained entries to release.
	deadline := time.Now().Add(time.Second)
	for src.readCount() < shareQueueDepth && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	if err := o.EnablePath(h, RunContinuous, false); err != nil {
		t.Fatalf("EnablePath(false): %v", err)
	}

	// A fan-out the dispatch loop had blocked in the share queue's Add
	// completes, and releases its buffer, on that goroutine just after
	// EnablePath returns, so poll within a bound instead of sampling once.
	deadline = time.Now().Add(time.Second)
	var remaining int
	for {
		o.bufMu.Lock()
		remaining = len(o.audioBuffers)
		o.bufMu.Unlock()
		if remaining == 0 || !time.Now().Before(deadline) {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if remaining != 0 {
		t.Fatalf("expected disabling the path to release every in-flight buffer, %d still tracked", remaining)
	}

	o.Stop()
}
