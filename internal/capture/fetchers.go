package capture

import (
	"context"
	"time"

	"github.com/alxayo/go-capture/internal/bufpool"
	"github.com/alxayo/go-capture/internal/events"
	"github.com/alxayo/go-capture/internal/frame"
	"github.com/alxayo/go-capture/internal/syncclock"
)

// idlePoll is how long a fetcher or dispatch loop sleeps when it has
// nothing to do, rather than busy-spinning (spec §4.E "sleep briefly").
const idlePoll = 5 * time.Millisecond

// audioFetcherLoop implements the six-step audio loop of spec §4.E: while
// any path wants audio, size a frame, reserve it in the source ring, read
// PCM from the source, stamp its PTS against the sync clock, and commit.
// Fan-out to path share queues happens in audioDispatchLoop, decoupling
// how fast the hardware can be read from how fast paths consume.
func (o *Orchestrator) audioFetcherLoop() {
	defer o.audioFetchWG.Done()
	for {
		select {
		case <-o.audioStopCh:
			return
		default:
		}

		if !o.hasActiveAudioPath(false) {
			time.Sleep(idlePoll)
			continue
		}

		o.mu.Lock()
		samplesPerFrame := o.audioSamplesPerFrame()
		bytesPerFrame := bytesPerAudioFrame(o.sourceInfo.Audio, samplesPerFrame)
		o.mu.Unlock()
		if bytesPerFrame <= 0 {
			time.Sleep(idlePoll)
			continue
		}

		buf, err := o.audioRing.Reserve(bytesPerFrame)
		if err != nil {
			return // ring closed under us during stop
		}

		n, readErr := o.audioSrc.Read(buf)
		if readErr != nil {
			o.audioRing.Commit(0)
			o.logger.Error("audio source read failed", "error", readErr)
			o.emitSourceError("audio", readErr)
			return
		}
		if err := o.audioRing.Commit(n); err != nil {
			return
		}

		o.mu.Lock()
		pts := audioPTS(o.audioFrames, samplesPerFrame, o.sourceInfo.Audio.SampleRate)
		var snapped bool
		if o.clock.Mode() == syncclock.ModeAudioMaster {
			o.clock.UpdateAudio(pts)
		} else {
			pts, snapped = o.clock.Reconcile(pts)
		}
		o.audioFrames++
		o.mu.Unlock()

		if snapped {
			o.evm.Emit(context.Background(), *events.New(events.SyncSnapApplied).WithStream("audio"))
		}
		o.audioPending <- pendingAudioRecord{pts: pts}
	}
}

type pendingAudioRecord struct {
	pts uint32
}

// audioDispatchLoop reads committed records out of the audio ring, copies
// the payload into a pooled buffer (decoupling its lifetime from the
// ring's single in-flight region), and fans it out to every path that
// currently wants audio.
func (o *Orchestrator) audioDispatchLoop() {
	defer o.audioDispatchWG.Done()
	for {
		select {
		case <-o.audioStopCh:
			return
		case rec, ok := <-o.audioPending:
			if !ok {
				return
			}
			data, ok := o.audioRing.ReadLock()
			if !ok {
				continue
			}
			cp := bufpool.Get(len(data))
			copy(cp, data)
			o.audioRing.ReadUnlock()

			f := frame.Frame{Kind: frame.KindAudio, PTS: rec.pts, Data: cp, Size: len(cp)}
			o.fanOutAudio(f)
		}
	}
}

// fanOutAudio sends f into every active audio path's share queue and
// registers the pending release count with audioRefs so the pooled
// buffer returns to bufpool exactly once, after every path is done.
func (o *Orchestrator) fanOutAudio(f frame.Frame) {
	o.mu.Lock()
	var targets []*path
	for _, p := range o.paths {
		if p != nil && p.wantsAudio() {
			targets = append(targets, p)
		}
	}
	o.mu.Unlock()

	ptr := frame.DataPtr(f)
	o.bufMu.Lock()
	o.audioBuffers[ptr] = f.Data
	o.bufMu.Unlock()

	o.audioRefs.track(ptr, len(targets))
	for _, p := range targets {
		if p.audioShare != nil {
			p.audioShare.Add(f)
		}
	}
}

// videoFetcherLoop implements the video loop of spec §4.E: acquire a
// frame from the source, stamp PTS, apply the system-master drop/snap
// policy, then stage it on the orchestrator's video queue for fan-out.
func (o *Orchestrator) videoFetcherLoop() {
	defer o.videoFetchWG.Done()
	for {
		select {
		case <-o.videoStopCh:
			return
		default:
		}

		if !o.hasActiveVideoPath(false) {
			time.Sleep(idlePoll)
			continue
		}

		f, err := o.videoSrc.Acquire()
		if err != nil {
			o.logger.Error("video source acquire failed", "error", err)
			o.emitSourceError("video", err)
			return
		}

		o.mu.Lock()
		pts := videoPTS(o.videoFrames, o.sourceInfo.Video.FPS)
		o.videoFrames++
		drop := o.clock.ShouldDropVideo(pts)
		var snapped bool
		if !drop {
			pts, snapped = o.clock.Reconcile(pts)
		}
		o.mu.Unlock()

		if drop {
			o.videoSrc.Release(f)
			o.evm.Emit(context.Background(), *events.New(events.FrameDropped).WithStream("video"))
			continue
		}
		if snapped {
			o.evm.Emit(context.Background(), *events.New(events.SyncSnapApplied).WithStream("video"))
		}

		f.PTS = pts
		if !o.videoQueue.Send(f) {
			o.videoSrc.Release(f)
			return
		}
	}
}

// videoDispatchLoop pops staged frames and fans them out to every path
// that currently wants video, releasing the source's frame back only
// after every path is done (srcRefCount, analogous to audio).
func (o *Orchestrator) videoDispatchLoop() {
	defer o.videoDispatchWG.Done()
	for {
		f, ok := o.videoQueue.Recv(true)
		if !ok {
			return
		}

		o.mu.Lock()
		var targets []*path
		for _, p := range o.paths {
			if p != nil && p.wantsVideo() {
				targets = append(targets, p)
			}
		}
		o.mu.Unlock()

		ptr := frame.DataPtr(f)
		o.bufMu.Lock()
		o.videoBuffers[ptr] = f
		o.bufMu.Unlock()

		o.videoRefs.track(ptr, len(targets))
		for _, p := range targets {
			if p.videoShare != nil {
				p.videoShare.Add(f)
			}
		}
	}
}

// audioSamplesPerFrame returns the 20ms default, or the minimum a path
// processor has requested via GetAudioFrameSamples, per spec §4.E step 2.
// Must be called with o.mu held.
func (o *Orchestrator) audioSamplesPerFrame() int {
	def := defaultAudioSamplesPerFrame(o.sourceInfo.Audio.SampleRate)
	if o.processor == nil {
		return def
	}
	min := def
	for _, p := range o.paths {
		if p == nil || !p.wantsAudio() {
			continue
		}
		if s := o.processor.GetAudioFrameSamples(int(p.id)); s > 0 && s < min {
			min = s
		}
	}
	return min
}

func (o *Orchestrator) emitSourceError(kind string, cause error) {
	o.evm.Emit(context.Background(), *events.New(events.SourceError).WithStream(kind).WithData("error", cause.Error()))
}
