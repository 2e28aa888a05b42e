// Package ffmpegmux implements capture.Muxer by piping fanned-out audio
// and video packets into an ffmpeg subprocess that performs the actual
// container muxing.
//
// Grounded on the teacher pack's richinsley-goshadertoy/audio/ffmpegbase.go:
// an ffmpeg.Input/.Output graph compiled to an *exec.Cmd, run in a
// goroutine, with the parent process talking to it over a pipe rather
// than a file. That example only ever drives ffmpeg with one pipe (its
// own stdout); muxing both audio and video packets into one container
// needs two independent input streams, so this package instead opens one
// os.Pipe per declared stream and hands ffmpeg the read end as an extra
// file descriptor (pipe:3, pipe:4, ...), addressed the same way
// device.go's CompileFF... style builders address pipe: URLs by fd
// number. Graceful degradation on write failure is grounded on the
// teacher's media.Recorder: once a write to ffmpeg fails, the muxer
// disables itself rather than escalating every subsequent packet as a
// fresh error.
package ffmpegmux

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"

	ffmpeg "github.com/u2takey/ffmpeg-go"

	"github.com/alxayo/go-capture/internal/capture"
	"github.com/alxayo/go-capture/internal/frame"
)

// Config is the ffmpeg-specific half of a path's muxer setup, passed as
// the "specific" argument to capture.Orchestrator.AddMuxerToPath.
type Config struct {
	// ContainerFormat is ffmpeg's -f value for the output, e.g. "mp4" or
	// "matroska". Defaults to "mp4".
	ContainerFormat string
	// FFmpegPath overrides the ffmpeg binary looked up on PATH.
	FFmpegPath string
	Logger     *slog.Logger
}

// Muxer drives one ffmpeg subprocess per path. AddAudioStream/
// AddVideoStream must both be called (for whichever kinds are in use)
// before the first AddAudioPacket/AddVideoPacket, since the subprocess's
// input graph is fixed at spawn time; the path's muxer worker
// (internal/capture/muxerworker.go) declares every stream its path
// carries on the path's first frame, before writing any packet.
type Muxer struct {
	mu     sync.Mutex
	base   capture.MuxerBaseConfig
	cfg    Config
	logger *slog.Logger

	hasAudio  bool
	hasVideo  bool
	audioInfo frame.AudioInfo
	videoInfo frame.VideoInfo

	started  bool
	disabled bool

	audioW *os.File
	videoW *os.File

	cmd      *exec.Cmd
	outPipeR *os.File
	lastPTS  uint32
	wg       sync.WaitGroup
}

// New returns an unopened Muxer.
func New() *Muxer { return &Muxer{} }

// Open records the muxer configuration; the ffmpeg process itself is not
// spawned until the first stream's packets actually start flowing, since
// the input graph depends on which of audio/video end up in use.
func (m *Muxer) Open(base capture.MuxerBaseConfig, specific interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.base = base
	if cfg, ok := specific.(Config); ok {
		m.cfg = cfg
	}
	if m.cfg.ContainerFormat == "" {
		m.cfg.ContainerFormat = "mp4"
	}
	m.logger = m.cfg.Logger
	if m.logger == nil {
		m.logger = slog.Default()
	}
	return nil
}

// AddAudioStream records the negotiated audio format. The returned index
// is always 0: ffmpeg, not this adapter, assigns container stream
// indices, so the index is only used by the capture package to recognize
// "already added".
func (m *Muxer) AddAudioStream(info frame.AudioInfo) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return 0, fmt.Errorf("ffmpegmux: audio stream added after the process started")
	}
	m.audioInfo = info
	m.hasAudio = true
	return 0, nil
}

// AddVideoStream records the negotiated video format.
func (m *Muxer) AddVideoStream(info frame.VideoInfo) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return 0, fmt.Errorf("ffmpegmux: video stream added after the process started")
	}
	m.videoInfo = info
	m.hasVideo = true
	return 0, nil
}

// AddAudioPacket writes one audio packet's bytes (raw samples unless a
// path processor encoded them upstream) to ffmpeg's audio input.
func (m *Muxer) AddAudioPacket(streamIdx int, f frame.Frame) error {
	if err := m.ensureStarted(); err != nil {
		return err
	}
	return m.write(m.audioW, f)
}

// AddVideoPacket writes one video packet's bytes (a raw frame unless a
// path processor encoded it upstream) to ffmpeg's video input.
func (m *Muxer) AddVideoPacket(streamIdx int, f frame.Frame) error {
	if err := m.ensureStarted(); err != nil {
		return err
	}
	return m.write(m.videoW, f)
}

func (m *Muxer) write(w *os.File, f frame.Frame) error {
	m.mu.Lock()
	if m.disabled || w == nil {
		m.mu.Unlock()
		return nil
	}
	m.lastPTS = f.PTS
	m.mu.Unlock()

	if _, err := w.Write(f.Data); err != nil {
		m.mu.Lock()
		m.disabled = true
		m.mu.Unlock()
		return fmt.Errorf("ffmpegmux: write packet: %w", err)
	}
	return nil
}

func (m *Muxer) ensureStarted() error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()
	return m.start()
}

// start compiles and launches the ffmpeg process. It is called once, from
// whichever of AddAudioPacket/AddVideoPacket fires first.
func (m *Muxer) start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return nil
	}
	if !m.hasAudio && !m.hasVideo {
		return fmt.Errorf("ffmpegmux: no stream declared before the first packet")
	}

	var extraFiles []*os.File
	var inputs []*ffmpeg.Stream
	nextFD := 3

	if m.hasAudio {
		r, w, err := os.Pipe()
		if err != nil {
			return fmt.Errorf("ffmpegmux: audio pipe: %w", err)
		}
		m.audioW = w
		inputs = append(inputs, ffmpeg.Input(fmt.Sprintf("pipe:%d", nextFD), ffmpeg.KwArgs{
			"f":  pcmFormatFor(m.audioInfo.BitsPerSample),
			"ar": fmt.Sprint(m.audioInfo.SampleRate),
			"ac": fmt.Sprint(m.audioInfo.Channels),
		}))
		extraFiles = append(extraFiles, r)
		nextFD++
	}
	if m.hasVideo {
		r, w, err := os.Pipe()
		if err != nil {
			return fmt.Errorf("ffmpegmux: video pipe: %w", err)
		}
		m.videoW = w
		inputs = append(inputs, ffmpeg.Input(fmt.Sprintf("pipe:%d", nextFD), ffmpeg.KwArgs{
			"f":         "rawvideo",
			"pix_fmt":   "yuv420p",
			"s":         fmt.Sprintf("%dx%d", m.videoInfo.Width, m.videoInfo.Height),
			"framerate": fmt.Sprint(m.videoInfo.FPS),
		}))
		extraFiles = append(extraFiles, r)
		nextFD++
	}

	// Packets reaching a muxer are raw samples/frames unless a path
	// processor re-encoded them upstream (spec §6); ffmpeg is given
	// explicit encoders rather than "-c copy" since its raw-format inputs
	// have no bitstream for ffmpeg to copy verbatim.
	outputArgs := ffmpeg.KwArgs{
		"f":        m.cfg.ContainerFormat,
		"movflags": "frag_keyframe+empty_moov",
	}
	if m.hasAudio {
		outputArgs["c:a"] = "aac"
	}
	if m.hasVideo {
		outputArgs["c:v"] = "libx264"
		outputArgs["preset"] = "ultrafast"
	}

	var sink string
	var outWriter io.WriteCloser
	switch {
	case m.base.URLPattern != nil:
		sink = m.base.URLPattern(0)
	case m.base.DataCB != nil:
		pr, pw := io.Pipe()
		m.outPipeR = pr
		outWriter = pw
		sink = "pipe:"
	default:
		return fmt.Errorf("ffmpegmux: muxer has neither a file sink nor a streaming callback")
	}

	// A single input uses Stream.Output directly; multiple inputs (audio
	// and video together) are merged into one output node via the
	// package-level Output, which ffmpeg maps into the same container by
	// stream order.
	var out *ffmpeg.Stream
	if len(inputs) == 1 {
		out = inputs[0].Output(sink, outputArgs)
	} else {
		out = ffmpeg.Output(inputs, sink, outputArgs)
	}
	if outWriter != nil {
		out = out.WithOutput(outWriter)
	}
	out = out.ErrorToStdOut()
	if m.cfg.FFmpegPath != "" {
		out.SetFfmpegPath(m.cfg.FFmpegPath)
	}

	cmd := out.Compile()
	cmd.ExtraFiles = extraFiles
	m.cmd = cmd

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("ffmpegmux: start ffmpeg: %w", err)
	}
	for _, r := range extraFiles {
		r.Close()
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := cmd.Wait(); err != nil && !strings.Contains(err.Error(), "signal: killed") {
			m.logger.Error("ffmpeg process exited with error", "error", err)
		}
		if pw, ok := outWriter.(*io.PipeWriter); ok {
			pw.CloseWithError(io.EOF)
		}
	}()

	if m.base.DataCB != nil && m.outPipeR != nil {
		m.wg.Add(1)
		go m.drainToCallback(m.outPipeR, m.base.DataCB)
	}

	m.started = true
	return nil
}

func pcmFormatFor(bitsPerSample int) string {
	if bitsPerSample == 8 {
		return "u8"
	}
	return "s16le"
}

// drainToCallback reads ffmpeg's muxed container output in fixed chunks
// and forwards each one to the path's streaming callback, stamped with
// the PTS of the most recently written packet.
func (m *Muxer) drainToCallback(r io.ReadCloser, cb func(pts uint32, data []byte)) {
	defer m.wg.Done()
	defer r.Close()

	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			m.mu.Lock()
			pts := m.lastPTS
			m.mu.Unlock()
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			cb(pts, chunk)
		}
		if err != nil {
			return
		}
	}
}

// Close stops accepting packets, closes ffmpeg's stdin pipes so the
// process can flush and exit on its own, and waits for it to do so.
func (m *Muxer) Close() error {
	m.mu.Lock()
	started := m.started
	audioW, videoW := m.audioW, m.videoW
	m.disabled = true
	m.mu.Unlock()

	if !started {
		return nil
	}
	if audioW != nil {
		audioW.Close()
	}
	if videoW != nil {
		videoW.Close()
	}
	m.wg.Wait()
	return nil
}
