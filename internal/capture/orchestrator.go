package capture

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alxayo/go-capture/internal/bufpool"
	"github.com/alxayo/go-capture/internal/events"
	"github.com/alxayo/go-capture/internal/frame"
	"github.com/alxayo/go-capture/internal/queue"
	"github.com/alxayo/go-capture/internal/ringbuffer"
	"github.com/alxayo/go-capture/internal/syncclock"
)

// stopWait bounds how long Stop waits for worker quiescence before
// logging and proceeding anyway (spec §5 "event-group wait ... bounded,
// 1 second").
const stopWait = time.Second

// Config configures a new Orchestrator (spec §4.H open(config)).
type Config struct {
	AudioSource AudioSource
	VideoSource VideoSource
	Processor   PathProcessor
	SyncMode    syncclock.Mode
	Logger      *slog.Logger
	Events      *events.Manager
}

// Orchestrator coordinates one audio source, one video source, and up to
// N paths sharing them through the ref-counted fan-out in
// internal/sharequeue (spec §3 "Orchestrator", §4.H).
type Orchestrator struct {
	mu sync.Mutex

	audioSrc  AudioSource
	videoSrc  VideoSource
	processor PathProcessor
	logger    *slog.Logger
	evm       *events.Manager
	clock     *syncclock.Clock

	sourceInfo  frame.SourceInfo
	negotiatedA bool
	negotiatedV bool

	started bool
	closed  bool

	paths []*path

	audioRing  *ringbuffer.Ring
	videoQueue *queue.Queue[frame.Frame]

	audioFrames uint64
	videoFrames uint64

	audioRefs *srcRefCount
	videoRefs *srcRefCount

	bufMu        sync.Mutex
	audioBuffers map[uintptr][]byte
	videoBuffers map[uintptr]frame.Frame

	audioPending chan pendingAudioRecord

	audioStopCh chan struct{}
	videoStopCh chan struct{}

	audioFetchWG    sync.WaitGroup
	audioDispatchWG sync.WaitGroup
	videoFetchWG    sync.WaitGroup
	videoDispatchWG sync.WaitGroup
}

// Open creates an Orchestrator, opens the source drivers, and negotiates
// nothing yet (negotiation is per-path, on SetupPath). Failures here
// cascade to closing whatever was already opened (spec §7).
func Open(cfg Config) (*Orchestrator, error) {
	if cfg.AudioSource == nil {
		return nil, errNilAudioSource
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	evm := cfg.Events
	if evm == nil {
		evm = events.NewManager(events.DefaultHookConfig(), logger)
	}

	o := &Orchestrator{
		audioSrc:     cfg.AudioSource,
		videoSrc:     cfg.VideoSource,
		processor:    cfg.Processor,
		logger:       logger,
		evm:          evm,
		clock:        syncclock.New(cfg.SyncMode, 1000),
		audioRing:    ringbuffer.New(audioSourceRingSize),
		videoQueue:   queue.New[frame.Frame](videoQueueDepth),
		audioBuffers: make(map[uintptr][]byte),
		videoBuffers: make(map[uintptr]frame.Frame),
		audioPending: make(chan pendingAudioRecord, videoQueueDepth),
	}
	o.audioRefs = newSrcRefCount(o.onAudioBufferZero)
	o.videoRefs = newSrcRefCount(o.onVideoBufferZero)

	if err := o.audioSrc.Open(); err != nil {
		return nil, errSource("audio", "open", err)
	}
	if o.videoSrc != nil {
		if err := o.videoSrc.Open(); err != nil {
			o.audioSrc.Close()
			return nil, errSource("video", "open", err)
		}
	}
	return o, nil
}

func (o *Orchestrator) onAudioBufferZero(ptr uintptr) {
	o.bufMu.Lock()
	buf := o.audioBuffers[ptr]
	delete(o.audioBuffers, ptr)
	o.bufMu.Unlock()
	if buf != nil {
		bufpool.Put(buf)
	}
}

func (o *Orchestrator) onVideoBufferZero(ptr uintptr) {
	o.bufMu.Lock()
	f, ok := o.videoBuffers[ptr]
	delete(o.videoBuffers, ptr)
	o.bufMu.Unlock()
	if ok && o.videoSrc != nil {
		o.videoSrc.Release(f)
	}
}

// hasActiveAudioPath reports whether any path currently demands audio
// (spec §4.E step 1 "has_active_path"). checkFinished is accepted for
// parity with the spec's has_active_path(check_finished) signature;
// wantsAudio already folds run-once-finished into its check, so both
// calls behave identically here.
func (o *Orchestrator) hasActiveAudioPath(checkFinished bool) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, p := range o.paths {
		if p != nil && p.wantsAudio() {
			return true
		}
	}
	return false
}

// hasActiveVideoPath is the video counterpart of hasActiveAudioPath.
func (o *Orchestrator) hasActiveVideoPath(checkFinished bool) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, p := range o.paths {
		if p != nil && p.wantsVideo() {
			return true
		}
	}
	return false
}

// findPathLocked looks up a path by handle. Caller holds o.mu.
func (o *Orchestrator) findPathLocked(h PathHandle) *path {
	idx := int(h)
	if idx < 0 || idx >= len(o.paths) {
		return nil
	}
	return o.paths[idx]
}

// SetupPath configures a new path against sink (spec §4.H setup_path).
// The first SetupPath call negotiates and caches the source format; with
// no path processor configured, only one path is ever permitted (§4.F
// single-consumer mode — implemented here purely as this cardinality
// constraint, see DESIGN.md).
func (o *Orchestrator) SetupPath(sink frame.SinkConfig) (PathHandle, error) {
	var negotiatedAudio, negotiatedVideo bool
	defer func() {
		if negotiatedAudio {
			o.evm.Emit(context.Background(), *events.New(events.CodecNegotiated).WithStream("audio"))
		}
		if negotiatedVideo {
			o.evm.Emit(context.Background(), *events.New(events.CodecNegotiated).WithStream("video"))
		}
	}()

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return 0, errAlreadyClosed
	}
	if o.started {
		return 0, errAddAfterStart
	}
	if o.processor == nil && len(o.paths) >= 1 {
		return 0, errSecondPath
	}

	if sink.Audio.HasCodec() && !o.negotiatedA {
		info, err := negotiateAudio(o.audioSrc, sink.Audio)
		if err != nil {
			return 0, errSource("audio", "open", err)
		}
		o.sourceInfo.Audio = info
		o.negotiatedA = true
		negotiatedAudio = true
	}
	if sink.Video.HasCodec() && !o.negotiatedV {
		info, err := negotiateVideo(o.videoSrc, sink.Video)
		if err != nil {
			return 0, errSource("video", "open", err)
		}
		o.sourceInfo.Video = info
		o.negotiatedV = true
		negotiatedVideo = true
	}

	p := &path{id: PathHandle(len(o.paths)), sink: sink, runMode: RunContinuous}
	o.paths = append(o.paths, p)

	if o.processor != nil {
		if sink.Audio.HasCodec() {
			if err := o.processor.AddPath(int(p.id), frame.KindAudio, sink); err != nil {
				return 0, errProcessor("add_path", err)
			}
		}
		if sink.Video.HasCodec() {
			if err := o.processor.AddPath(int(p.id), frame.KindVideo, sink); err != nil {
				return 0, errProcessor("add_path", err)
			}
		}
	}
	return p.id, nil
}

// AddMuxerToPath attaches a muxer configuration to path (spec §4.H
// add_muxer_to_path). Forbidden once started.
func (o *Orchestrator) AddMuxerToPath(h PathHandle, base MuxerBaseConfig, specific interface{}, m Muxer) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.started {
		return errAddAfterStart
	}
	p := o.findPathLocked(h)
	if p == nil {
		return errUnknownPath
	}
	if p.hasMuxer {
		return errMuxerTwice
	}
	// A nil URLPattern means the muxer has nowhere to name file slices, so
	// treat it as streaming: provide a data_cb that frames container
	// bytes with a 4-byte PTS prefix into the path's own output ring
	// (spec §4.B, §4.G). A muxer doing fixed-duration file slicing
	// supplies its own URLPattern and is left to write files directly.
	if base.URLPattern == nil {
		p.muxerOutRing = ringbuffer.New(muxerOutRingSize)
		ring := p.muxerOutRing
		base.DataCB = func(pts uint32, data []byte) {
			buf, err := ring.Reserve(4 + len(data))
			if err != nil {
				return
			}
			binary.BigEndian.PutUint32(buf[:4], pts)
			copy(buf[4:], data)
			ring.Commit(len(buf))
		}
	}
	if err := m.Open(base, specific); err != nil {
		return errMuxer("open", err)
	}
	p.muxerBase = base
	p.muxerSpecific = specific
	p.muxer = m
	p.hasMuxer = true
	return nil
}

// AddOverlayToPath attaches an overlay to path, forwarding to the path
// processor if one is configured.
func (o *Orchestrator) AddOverlayToPath(h PathHandle, overlay interface{}) error {
	o.mu.Lock()
	p := o.findPathLocked(h)
	proc := o.processor
	if p != nil {
		p.overlay = overlay
	}
	o.mu.Unlock()
	if p == nil {
		return errUnknownPath
	}
	if proc != nil {
		return proc.AddOverlay(int(h), overlay)
	}
	return nil
}

// EnableMuxer turns path's muxer outlet on or off (spec §4.F/§4.G),
// starting or stopping its worker goroutine.
func (o *Orchestrator) EnableMuxer(h PathHandle, on bool) error {
	o.mu.Lock()
	p := o.findPathLocked(h)
	if p == nil {
		o.mu.Unlock()
		return errUnknownPath
	}
	if !p.hasMuxer {
		o.mu.Unlock()
		return errNoMuxerConfig
	}
	if p.muxerEnabled == on {
		o.mu.Unlock()
		return nil
	}
	p.muxerEnabled = on
	if on {
		if p.muxerInQ == nil {
			p.setupMuxerOutlets()
		}
		if p.audioShare != nil {
			p.audioShare.Enable(muxerOutlet, true)
		}
		if p.videoShare != nil {
			p.videoShare.Enable(muxerOutlet, true)
		}
		p.muxerStopCh = make(chan struct{})
		p.muxerDoneCh = make(chan struct{})
		o.mu.Unlock()
		go o.runMuxerWorker(p)
		o.evm.Emit(context.Background(), *events.New(events.MuxerStarted).WithPath(fmt.Sprint(h)))
		return nil
	}

	stopCh, doneCh := p.muxerStopCh, p.muxerDoneCh
	inQ := p.muxerInQ
	o.mu.Unlock()
	stopMuxerWorker(p, stopCh, doneCh, inQ)

	// The destroyed queue can't be reused: a later EnableMuxer(true) must
	// see nil and recreate it via setupMuxerOutlets.
	o.mu.Lock()
	if p.muxerInQ == inQ {
		p.muxerInQ = nil
	}
	o.mu.Unlock()

	o.evm.Emit(context.Background(), *events.New(events.MuxerStopped).WithPath(fmt.Sprint(h)))
	return nil
}

// stopMuxerWorker signals stopCh, disables the muxer outlet on both share
// queues (draining and releasing any ref-counts still held by items
// queued for the worker), then destroys the worker's input queue so a
// worker parked in a blocking Recv on an empty queue unblocks
// immediately rather than waiting on data that will never arrive. Only
// after that does it wait (bounded) for the worker to signal doneCh.
func stopMuxerWorker(p *path, stopCh, doneCh chan struct{}, inQ *queue.Queue[frame.Frame]) {
	if stopCh == nil {
		return
	}
	select {
	case <-stopCh:
	default:
		close(stopCh)
	}
	if p.audioShare != nil {
		p.audioShare.Enable(muxerOutlet, false)
	}
	if p.videoShare != nil {
		p.videoShare.Enable(muxerOutlet, false)
	}
	if inQ != nil {
		inQ.Destroy()
	}
	if doneCh == nil {
		return
	}
	select {
	case <-doneCh:
	case <-time.After(stopWait):
	}
}

// EnablePath enables or disables a path (spec §4.H enable_path,
// §4.F disable sequence).
func (o *Orchestrator) EnablePath(h PathHandle, mode RunMode, on bool) error {
	o.mu.Lock()
	p := o.findPathLocked(h)
	if p == nil {
		o.mu.Unlock()
		return errUnknownPath
	}

	if !on {
		o.mu.Unlock()
		p.quiesce(o, func(pp *path) {
			o.EnableMuxer(h, false)
		})
		o.evm.Emit(context.Background(), *events.New(events.PathDisabled).WithPath(fmt.Sprint(h)))
		return nil
	}

	if p.sink.Audio.HasCodec() {
		p.materializeAudio(func(f frame.Frame) { o.audioRefs.release(frame.DataPtr(f)) })
	}
	if p.sink.Video.HasCodec() {
		p.materializeVideo(func(f frame.Frame) { o.videoRefs.release(frame.DataPtr(f)) })
	}
	p.runMode = mode
	p.runFinished = false
	p.enabled = true
	if p.audioShare != nil {
		p.audioShare.Enable(userOutlet, true)
	}
	if p.videoShare != nil {
		p.videoShare.Enable(userOutlet, true)
	}
	proc := o.processor
	o.mu.Unlock()

	if proc != nil {
		if p.sink.Audio.HasCodec() {
			proc.EnablePath(int(h), frame.KindAudio, true)
		}
		if p.sink.Video.HasCodec() {
			proc.EnablePath(int(h), frame.KindVideo, true)
		}
	}
	o.evm.Emit(context.Background(), *events.New(events.PathEnabled).WithPath(fmt.Sprint(h)))
	return nil
}

// Start begins the capture session (spec §4.H start sequence).
func (o *Orchestrator) Start() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return errAlreadyClosed
	}
	if o.started {
		o.mu.Unlock()
		return errAlreadyStarted
	}
	o.started = true
	o.clock.Start()
	o.mu.Unlock()

	if o.processor != nil {
		cb := ProcessorCallbacks{
			AcquireSrcFrame: o.acquireSrcFrameForProcessor,
			ReleaseSrcFrame: o.releaseSrcFrameForProcessor,
			NegoAudio:       func(want frame.AudioInfo) (frame.AudioInfo, error) { return negotiateAudio(o.audioSrc, want) },
			NegoVideo:       func(want frame.VideoInfo) (frame.VideoInfo, error) { return negotiateVideo(o.videoSrc, want) },
			FrameProcessed:  o.processedFrameIntoPath,
			Event:           o.processorEvent,
		}
		if err := o.processor.Open(cb); err != nil {
			return errProcessor("open", err)
		}
		if err := o.processor.Start(); err != nil {
			return errProcessor("start", err)
		}
	}

	if err := o.audioSrc.Start(); err != nil {
		return errSource("audio", "start", err)
	}
	if o.videoSrc != nil {
		if err := o.videoSrc.Start(); err != nil {
			return errSource("video", "start", err)
		}
	}

	o.audioStopCh = make(chan struct{})
	o.videoStopCh = make(chan struct{})

	o.audioFetchWG.Add(1)
	go o.audioFetcherLoop()
	o.audioDispatchWG.Add(1)
	go o.audioDispatchLoop()

	if o.videoSrc != nil {
		o.videoFetchWG.Add(1)
		go o.videoFetcherLoop()
		o.videoDispatchWG.Add(1)
		go o.videoDispatchLoop()
	}
	return nil
}

// acquireSrcFrameForProcessor / releaseSrcFrameForProcessor are stubs
// wired to ProcessorCallbacks; a path processor that pulls source frames
// directly (rather than relying on orchestrator fan-out) is out of scope
// for the reference sources this repo ships (spec §1 path-processor
// contract is specified, not implemented).
func (o *Orchestrator) acquireSrcFrameForProcessor(kind frame.Kind) (frame.Frame, error) {
	return frame.Frame{}, errNoFrameAvailable
}
func (o *Orchestrator) releaseSrcFrameForProcessor(f frame.Frame) error { return nil }

// processedFrameIntoPath delivers a path-processor output frame into the
// named path's share queue for the frame's stream kind.
func (o *Orchestrator) processedFrameIntoPath(pathID int, f frame.Frame) {
	o.mu.Lock()
	p := o.findPathLocked(PathHandle(pathID))
	o.mu.Unlock()
	if p == nil {
		return
	}
	switch f.Kind {
	case frame.KindAudio:
		if p.audioShare != nil {
			p.audioShare.Add(f)
		}
	case frame.KindVideo:
		if p.videoShare != nil {
			p.videoShare.Add(f)
		}
	}
}

// processorEvent disables the affected stream half of the named path on
// a processor-reported error (spec §7 "path processor reports
// audio_error/video_error which disables that half").
func (o *Orchestrator) processorEvent(pathID int, kind EventKind) {
	o.mu.Lock()
	p := o.findPathLocked(PathHandle(pathID))
	if p != nil {
		switch kind {
		case EventAudioError:
			p.audioDisabled = true
		case EventVideoError:
			p.videoDisabled = true
		}
	}
	o.mu.Unlock()
	if p == nil {
		return
	}
	o.evm.Emit(context.Background(), *events.New(events.SourceError).WithPath(fmt.Sprint(pathID)))
}

// Stop runs the eleven-step reverse-order quiesce of spec §4.H. It is
// best-effort: it never returns a hard error.
func (o *Orchestrator) Stop() error {
	o.mu.Lock()
	if !o.started {
		o.mu.Unlock()
		return nil
	}
	o.started = false
	paths := append([]*path(nil), o.paths...)
	o.mu.Unlock()

	// (2) stop every muxer worker.
	for _, p := range paths {
		if p.muxerEnabled {
			o.EnableMuxer(p.id, false)
		}
	}

	// (3) disable sinks and drain share-queue outlets.
	for _, p := range paths {
		if p.audioShare != nil {
			p.audioShare.Enable(userOutlet, false)
		}
		if p.videoShare != nil {
			p.videoShare.Enable(userOutlet, false)
		}
	}

	// (4)/(6): wake any caller blocked in AcquirePathFrame by destroying
	// the user outlet queues (closed channel => ok=false => not_found),
	// the Go-idiomatic equivalent of injecting a leave sentinel.
	for _, p := range paths {
		if p.audioUserQ != nil {
			p.audioUserQ.Destroy()
		}
		if p.videoUserQ != nil {
			p.videoUserQ.Destroy()
		}
	}

	// (5) stop path processor.
	if o.processor != nil {
		o.processor.Stop()
	}

	// (7) release per-path resources.
	for _, p := range paths {
		if p.audioShare != nil {
			p.audioShare.DrainAll()
		}
		if p.videoShare != nil {
			p.videoShare.DrainAll()
		}
	}
	o.mu.Lock()
	for _, p := range paths {
		p.enabled = false
		p.runFinished = false
	}
	o.mu.Unlock()

	// (8) stop source fetchers: signal, wait (bounded), close drivers.
	close(o.audioStopCh)
	if o.videoStopCh != nil {
		select {
		case <-o.videoStopCh:
		default:
			close(o.videoStopCh)
		}
	}
	o.videoQueue.Destroy()
	waitBounded(&o.audioFetchWG, stopWait, o.logger, "audio fetcher")
	waitBounded(&o.audioDispatchWG, stopWait, o.logger, "audio dispatcher")
	if o.videoSrc != nil {
		waitBounded(&o.videoFetchWG, stopWait, o.logger, "video fetcher")
		waitBounded(&o.videoDispatchWG, stopWait, o.logger, "video dispatcher")
	}
	o.audioSrc.Stop()
	if o.videoSrc != nil {
		o.videoSrc.Stop()
	}

	// (9) stop sync clock.
	o.clock.Stop()

	// (10) tear down source buffers.
	o.audioRing.Drain()

	// (11) reset counters.
	o.mu.Lock()
	o.audioFrames = 0
	o.videoFrames = 0
	o.negotiatedA = false
	o.negotiatedV = false
	o.mu.Unlock()

	o.evm.Emit(context.Background(), *events.New(events.RunFinished))
	return nil
}

// waitBounded waits on wg up to d, logging rather than blocking forever
// if workers overrun (spec §5 "exceeding it logs and proceeds").
func waitBounded(wg *sync.WaitGroup, d time.Duration, logger *slog.Logger, what string) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d):
		logger.Warn("worker did not quiesce within bound", "worker", what, "bound", d)
	}
}

// Close tears down the orchestrator (spec §4.H close). Stops first if
// still started.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return errAlreadyClosed
	}
	started := o.started
	o.mu.Unlock()

	if started {
		o.Stop()
	}

	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	o.audioSrc.Close()
	if o.videoSrc != nil {
		o.videoSrc.Close()
	}
	if o.processor != nil {
		o.processor.Close()
	}
	for _, p := range o.paths {
		if p.muxer != nil {
			p.muxer.Close()
		}
	}
	o.evm.Close()
	return nil
}

// AcquirePathFrame returns the next frame from path's outlet for kind
// (spec §4.F). Never holds the API mutex while blocked (spec §5).
func (o *Orchestrator) AcquirePathFrame(h PathHandle, kind frame.Kind, blocking bool) (frame.Frame, error) {
	o.mu.Lock()
	p := o.findPathLocked(h)
	o.mu.Unlock()
	if p == nil {
		return frame.Frame{}, errUnknownPath
	}
	return p.acquireUser(kind, blocking)
}

// ReleasePathFrame returns f to its path's share queue (or advances the
// muxer-output ring), matching a prior AcquirePathFrame 1:1. Held under
// mu for the whole call since releaseUser writes p.runFinished, and
// ReleaseByData/ReadUnlock never block.
func (o *Orchestrator) ReleasePathFrame(h PathHandle, f frame.Frame) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	p := o.findPathLocked(h)
	if p == nil {
		return errUnknownPath
	}
	return p.releaseUser(f)
}

// SetPathBitrate forwards a runtime bitrate change to the path
// processor, the only collaborator spec §6 allows to act on it.
func (o *Orchestrator) SetPathBitrate(h PathHandle, bps int) error {
	o.mu.Lock()
	p := o.findPathLocked(h)
	proc := o.processor
	o.mu.Unlock()
	if p == nil {
		return errUnknownPath
	}
	if proc == nil {
		return errNoProcessor
	}
	return proc.Set(frame.KindVideo, "bitrate", bps)
}
