package capture

import (
	"github.com/alxayo/go-capture/internal/frame"
)

// runMuxerWorker implements the per-path muxer worker loop of spec §4.G:
// drain the muxer outlet, dispatch each handle to the muxer by stream
// kind, then release it back through the share queue so the underlying
// source buffer returns once the user outlet has also released it.
// EnableMuxer's stop path (stopMuxerWorker) does not wait for the worker
// before tearing down its input: it closes the stop channel, disables
// the muxer outlet (releasing items still queued), destroys the input
// queue, and only then waits, bounded, for the worker to exit. A handle
// the worker already holds keeps its slot's muxer reference until the
// worker releases it, so its buffer is not returned to the source before
// then.
func (o *Orchestrator) runMuxerWorker(p *path) {
	defer close(p.muxerDoneCh)

	for {
		select {
		case <-p.muxerStopCh:
			return
		default:
		}

		f, ok := p.muxerInQ.Recv(true)
		if !ok {
			return
		}

		o.ensureMuxerStreams(p, f.Kind)

		var err error
		switch f.Kind {
		case frame.KindAudio:
			err = p.muxer.AddAudioPacket(p.muxerAudioIdx, f)
		case frame.KindVideo:
			err = p.muxer.AddVideoPacket(p.muxerVideoIdx, f)
		}
		if err != nil {
			o.logger.Error("muxer packet write failed", "path", p.id, "stream", f.Kind, "error", err)
			o.disableMuxerOnError(p)
			o.releaseMuxerFrame(p, f)
			return
		}

		o.releaseMuxerFrame(p, f)
	}
}

// releaseMuxerFrame returns a muxer-outlet frame under the orchestrator's
// mu, so the muxer worker goroutine never touches path state unlocked
// (spec §5: all path state is serialized through the orchestrator).
func (o *Orchestrator) releaseMuxerFrame(p *path, f frame.Frame) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := p.releaseMuxerPacket(f); err != nil {
		o.logger.Error("muxer outlet release failed", "path", p.id, "stream", f.Kind, "error", err)
	}
}

// ensureMuxerStreams adds the muxer's stream for kind, together with the
// stream of every other kind the path's sink carries and the source
// negotiated, so all of the path's streams are declared before its first
// packet. The returned stream indices are cached on the path.
func (o *Orchestrator) ensureMuxerStreams(p *path, kind frame.Kind) {
	wantAudio := kind == frame.KindAudio || (p.sink.Audio.HasCodec() && o.sourceInfo.Audio.HasCodec())
	wantVideo := kind == frame.KindVideo || (p.sink.Video.HasCodec() && o.sourceInfo.Video.HasCodec())
	if wantAudio && !p.muxerHasAudioIdx {
		if idx, err := p.muxer.AddAudioStream(o.sourceInfo.Audio); err == nil {
			p.muxerAudioIdx = idx
			p.muxerHasAudioIdx = true
		}
	}
	if wantVideo && !p.muxerHasVideoIdx {
		if idx, err := p.muxer.AddVideoStream(o.sourceInfo.Video); err == nil {
			p.muxerVideoIdx = idx
			p.muxerHasVideoIdx = true
		}
	}
}

// disableMuxerOnError tears down muxing on p after an unrecoverable
// muxer failure, leaving the path's other outlets unaffected (spec §7
// "muxer failures ... path's other outlets are unaffected").
func (o *Orchestrator) disableMuxerOnError(p *path) {
	o.mu.Lock()
	p.muxerEnabled = false
	o.mu.Unlock()
	if p.audioShare != nil {
		p.audioShare.Enable(muxerOutlet, false)
	}
	if p.videoShare != nil {
		p.videoShare.Enable(muxerOutlet, false)
	}
}
