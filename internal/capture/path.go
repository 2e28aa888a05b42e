package capture

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/alxayo/go-capture/internal/frame"
	"github.com/alxayo/go-capture/internal/queue"
	"github.com/alxayo/go-capture/internal/ringbuffer"
	"github.com/alxayo/go-capture/internal/sharequeue"
)

// PathHandle identifies a path configured on an Orchestrator. It is a
// non-owning reference (spec §9 "back-reference from path to
// orchestrator"): the path itself is owned by the orchestrator's internal
// slice, and every operation on a handle goes back through the
// orchestrator's API so state coordination is always serialized by its
// mutex.
type PathHandle int

// RunMode selects whether a path delivers continuously or exactly once.
type RunMode int

const (
	RunContinuous RunMode = iota
	RunOnce
)

const (
	userOutlet  = 0
	muxerOutlet = 1

	audioSourceRingSize  = 10 * 1024
	videoQueueDepth      = 5
	shareQueueDepth      = 5
	muxerOutRingSize     = 64 * 1024
	defaultSliceDuration = 300 * time.Second
)

// path is the orchestrator's internal record for one configured
// downstream pipeline (spec §3 "Path"). All fields are written only
// while the orchestrator's mu is held, except the share queues and
// worker channels, which have their own internal synchronization; reads
// from goroutines other than the API caller (fetchers, dispatch loops,
// the muxer worker) also require mu, which is why methods like
// quiesce/releaseUser/releaseMuxerPacket take care to do their field
// writes under it even though most of their other work is unlocked.
type path struct {
	id   PathHandle
	sink frame.SinkConfig

	muxerBase     MuxerBaseConfig
	muxerSpecific interface{}
	muxer         Muxer
	hasMuxer      bool
	overlay       interface{}

	enabled       bool
	runMode       RunMode
	runFinished   bool
	muxerEnabled  bool
	muxerStarted  bool
	audioDisabled bool
	videoDisabled bool

	audioShare *sharequeue.Queue[frame.Frame]
	videoShare *sharequeue.Queue[frame.Frame]

	audioUserQ *queue.Queue[frame.Frame]
	videoUserQ *queue.Queue[frame.Frame]
	muxerInQ   *queue.Queue[frame.Frame]

	muxerOutRing *ringbuffer.Ring

	muxerAudioIdx    int
	muxerHasAudioIdx bool
	muxerVideoIdx    int
	muxerHasVideoIdx bool

	muxerStopCh chan struct{}
	muxerDoneCh chan struct{}
}

// wantsAudio reports whether this path currently demands audio frames.
func (p *path) wantsAudio() bool {
	return p.enabled && !p.audioDisabled && p.sink.Audio.HasCodec() && !(p.runMode == RunOnce && p.runFinished)
}

// wantsVideo reports whether this path currently demands video frames.
func (p *path) wantsVideo() bool {
	return p.enabled && !p.videoDisabled && p.sink.Video.HasCodec() && !(p.runMode == RunOnce && p.runFinished)
}

// materializeAudio creates the path's audio share queue and user outlet
// queue on first enable (spec §4.F). release is the orchestrator's
// source-buffer release callback for the audio stream.
func (p *path) materializeAudio(release func(frame.Frame)) {
	if p.audioShare != nil {
		return
	}
	outlets := 1
	if p.hasMuxer {
		outlets = 2
	}
	p.audioShare = sharequeue.New(sharequeue.Config[frame.Frame]{
		Outlets:      outlets,
		Depth:        shareQueueDepth,
		GetFrameData: frame.DataPtr,
		Release:      release,
		// External: the user outlet's queue is attached explicitly below,
		// and the muxer outlet's queue (if any) is attached later by
		// setupMuxerOutlets to the shared muxer-worker input queue.
		External: true,
	})
	p.audioUserQ = queue.New[frame.Frame](shareQueueDepth)
	p.audioShare.SetOutletQueue(userOutlet, p.audioUserQ)
}

// materializeVideo is the video counterpart of materializeAudio.
func (p *path) materializeVideo(release func(frame.Frame)) {
	if p.videoShare != nil {
		return
	}
	outlets := 1
	if p.hasMuxer {
		outlets = 2
	}
	p.videoShare = sharequeue.New(sharequeue.Config[frame.Frame]{
		Outlets:      outlets,
		Depth:        shareQueueDepth,
		GetFrameData: frame.DataPtr,
		Release:      release,
		External:     true,
	})
	p.videoUserQ = queue.New[frame.Frame](shareQueueDepth)
	p.videoShare.SetOutletQueue(userOutlet, p.videoUserQ)
}

// setupMuxerOutlets wires outlet 1 of both share queues to the muxer
// worker's input queue, used only once the path has a muxer configured
// and enabled. The streaming output ring (when the muxer streams rather
// than slices to files) is allocated earlier, in AddMuxerToPath, since
// its DataCB closure must exist before Muxer.Open is called.
func (p *path) setupMuxerOutlets() {
	p.muxerInQ = queue.New[frame.Frame](shareQueueDepth)
	if p.audioShare != nil {
		p.audioShare.SetOutletQueue(muxerOutlet, p.muxerInQ)
	}
	if p.videoShare != nil {
		p.videoShare.SetOutletQueue(muxerOutlet, p.muxerInQ)
	}
}

// quiesce disables the path: it disables the user outlet (auto-releasing
// entries still queued in it), stops the muxer worker, drains whatever is
// still queued in the share queues' enabled outlets, and clears the
// enabled and run-once state. It sends no leave sentinel of its own and
// does not discard source data already buffered in the orchestrator's
// audio ring or video queue; those frames are still fanned out, to
// whichever paths want them when they are dispatched.
// stopMuxer is called unlocked (it reaches back into
// Orchestrator.EnableMuxer, which takes mu itself), so the final state
// flip is done separately, under o.mu, rather than folded into the rest
// of this unlocked sequence.
func (p *path) quiesce(o *Orchestrator, stopMuxer func(*path)) {
	if p.audioShare != nil {
		p.audioShare.Enable(userOutlet, false)
	}
	if p.videoShare != nil {
		p.videoShare.Enable(userOutlet, false)
	}

	stopMuxer(p)

	if p.audioShare != nil {
		p.audioShare.DrainAll()
	}
	if p.videoShare != nil {
		p.videoShare.DrainAll()
	}

	o.mu.Lock()
	p.enabled = false
	p.runFinished = false
	o.mu.Unlock()
}

// acquireUser pops a frame from the user outlet of the given stream, or,
// for frame.KindMuxerOutput, peeks the next record of the muxer output
// ring (spec §4.F "acquire_path_frame ... or from the muxer output ring
// for muxer kind").
func (p *path) acquireUser(kind frame.Kind, blocking bool) (frame.Frame, error) {
	if kind == frame.KindMuxerOutput {
		return p.acquireMuxerOutput()
	}
	var q *queue.Queue[frame.Frame]
	switch kind {
	case frame.KindAudio:
		q = p.audioUserQ
	case frame.KindVideo:
		q = p.videoUserQ
	default:
		return frame.Frame{}, errBadStreamKind
	}
	if q == nil {
		return frame.Frame{}, fmt.Errorf("capture: path %d has no active %s outlet", p.id, kind)
	}
	f, ok := q.Recv(blocking)
	if !ok {
		return frame.Frame{}, errNoFrameAvailable
	}
	return f, nil
}

// acquireMuxerOutput peeks the next container-byte record in the
// muxer-output ring. Each record is a 4-byte big-endian PTS prefix
// followed by the container bytes written by the muxer worker (§4.B,
// §4.G). The record stays checked out until releaseUser(KindMuxerOutput)
// calls ReadUnlock.
func (p *path) acquireMuxerOutput() (frame.Frame, error) {
	if p.muxerOutRing == nil {
		return frame.Frame{}, fmt.Errorf("capture: path %d has no streaming muxer output", p.id)
	}
	data, ok := p.muxerOutRing.ReadLock()
	if !ok {
		return frame.Frame{}, errNoFrameAvailable
	}
	if len(data) < 4 {
		p.muxerOutRing.ReadUnlock()
		return frame.Frame{}, errProtocolViolation(fmt.Errorf("muxer output record shorter than its PTS prefix"))
	}
	pts := binary.BigEndian.Uint32(data[:4])
	return frame.Frame{Kind: frame.KindMuxerOutput, PTS: pts, Data: data[4:], Size: len(data) - 4}, nil
}

// releaseUser returns f through the appropriate share queue on behalf of
// the *user* outlet, and marks run_finished when this path runs once
// (spec §4.H "run-once semantics": run_finished is tied to the user
// release callback specifically, not to any other outlet's release).
// For frame.KindMuxerOutput it simply advances the output ring's read
// cursor (§4.F). Callers must hold the orchestrator's mu for the
// duration of this call, since it writes p.runFinished.
func (p *path) releaseUser(f frame.Frame) error {
	if f.Kind == frame.KindMuxerOutput {
		if p.muxerOutRing == nil {
			return errProtocolViolation(fmt.Errorf("no streaming muxer output to release"))
		}
		if err := p.muxerOutRing.ReadUnlock(); err != nil {
			return errProtocolViolation(err)
		}
		return nil
	}

	if err := p.releaseShare(f); err != nil {
		return err
	}
	if p.runMode == RunOnce {
		p.runFinished = true
	}
	return nil
}

// releaseMuxerPacket returns f through the appropriate share queue on
// behalf of the *muxer* outlet. Unlike releaseUser it never touches
// run_finished: a run-once path's completion is defined solely by its
// user release (spec §4.H run-once semantics), so the muxer worker's own release of its
// copy of the same frame must not trip that bookkeeping.
func (p *path) releaseMuxerPacket(f frame.Frame) error {
	return p.releaseShare(f)
}

func (p *path) releaseShare(f frame.Frame) error {
	var err error
	switch f.Kind {
	case frame.KindAudio:
		if p.audioShare != nil {
			err = p.audioShare.ReleaseByData(f)
		}
	case frame.KindVideo:
		if p.videoShare != nil {
			err = p.videoShare.ReleaseByData(f)
		}
	default:
		return errBadStreamKind
	}
	if err != nil {
		return errProtocolViolation(err)
	}
	return nil
}
