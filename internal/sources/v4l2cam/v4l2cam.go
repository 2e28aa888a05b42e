// Package v4l2cam adapts a Video4Linux2 capture device to the capture
// package's VideoSource contract (spec §6).
//
// Grounded on the teacher's examples/capture/capture.go and
// examples/capture_frames/capture_frames.go: open the device, pick a
// supported pixel format and frame size, start the stream, and drain
// frames from device.GetOutput(). Negotiate maps this repo's codec tags
// ("mjpeg", "yuyv") onto go4vl's FourCC constants and applies them
// with Device.SetPixFormat/SetFrameRate, reading the resolved format
// back the same way the teacher's capture.go does before starting the
// stream.
package v4l2cam

import (
	"context"
	"fmt"
	"sync"

	"github.com/vladimirvivien/go4vl/v4l2"
	"github.com/vladimirvivien/go4vl/v4l2/device"

	"github.com/alxayo/go-capture/internal/frame"
)

var codecToFourCC = map[string]v4l2.FourCCType{
	"mjpeg": v4l2.PixelFmtMJPEG,
	"yuyv":  v4l2.PixelFmtYUYV,
	"jpeg":  v4l2.PixelFmtJPEG,
}

var fourCCToCodec = map[v4l2.FourCCType]string{
	v4l2.PixelFmtMJPEG: "mjpeg",
	v4l2.PixelFmtYUYV:  "yuyv",
	v4l2.PixelFmtJPEG:  "jpeg",
}

// Source is a go4vl-backed VideoSource. Outstanding Acquire/Release
// pairs are counted (any number may be in flight); the returned
// Frame's Data points directly at the channel buffer go4vl handed back,
// so Release is a no-op beyond bookkeeping (go4vl itself reclaims the
// buffer once the channel delivery completes).
type Source struct {
	mu     sync.Mutex
	path   string
	dev    *device.Device
	cancel context.CancelFunc
	out    <-chan []byte

	inFlightMu sync.Mutex
	inFlight   int
}

// New targets the device at path (e.g. "/dev/video0").
func New(path string) *Source {
	return &Source{path: path}
}

// Open opens the device with its current defaults; format/rate are
// finalized in Negotiate.
func (s *Source) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	dev, err := device.Open(s.path, device.WithBufferSize(4))
	if err != nil {
		return fmt.Errorf("v4l2cam: open %s: %w", s.path, err)
	}
	s.dev = dev
	return nil
}

// GetSupportedCodecs reports the pixel formats this adapter resolves.
func (s *Source) GetSupportedCodecs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dev == nil {
		return nil
	}
	descs, err := s.dev.GetFormatDescriptions()
	if err != nil {
		return nil
	}
	var out []string
	for _, d := range descs {
		if tag, ok := fourCCToCodec[d.PixelFormat]; ok {
			out = append(out, tag)
		}
	}
	return out
}

// Negotiate applies want's codec/resolution/fps to the device and
// returns what the device actually settled on.
func (s *Source) Negotiate(want frame.VideoInfo) (frame.VideoInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dev == nil {
		return frame.VideoInfo{}, fmt.Errorf("v4l2cam: negotiate before open")
	}

	fourcc, ok := codecToFourCC[want.CodecTag]
	if !ok {
		return frame.VideoInfo{}, fmt.Errorf("v4l2cam: unsupported codec tag %q", want.CodecTag)
	}

	pf := v4l2.PixFormat{
		Width:       uint32(want.Width),
		Height:      uint32(want.Height),
		PixelFormat: fourcc,
		Field:       v4l2.FieldNone,
	}
	if err := s.dev.SetPixFormat(pf); err != nil {
		return frame.VideoInfo{}, fmt.Errorf("v4l2cam: set pix format: %w", err)
	}
	if want.FPS > 0 {
		if err := s.dev.SetFrameRate(uint32(want.FPS)); err != nil {
			return frame.VideoInfo{}, fmt.Errorf("v4l2cam: set frame rate: %w", err)
		}
	}

	got, err := s.dev.GetPixFormat()
	if err != nil {
		return frame.VideoInfo{}, fmt.Errorf("v4l2cam: get pix format: %w", err)
	}
	fps, err := s.dev.GetFrameRate()
	if err != nil {
		return frame.VideoInfo{}, fmt.Errorf("v4l2cam: get frame rate: %w", err)
	}

	return frame.VideoInfo{
		Width:      int(got.Width),
		Height:     int(got.Height),
		FPS:        int(fps),
		CodecTag:   fourCCToCodec[got.PixelFormat],
		BitrateBPS: want.BitrateBPS,
		GOP:        want.GOP,
	}, nil
}

// Start begins streaming.
func (s *Source) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ctx, cancel := context.WithCancel(context.Background())
	if err := s.dev.Start(ctx); err != nil {
		cancel()
		return fmt.Errorf("v4l2cam: start: %w", err)
	}
	s.cancel = cancel
	s.out = s.dev.GetOutput()
	return nil
}

// Acquire returns the next captured frame. Data is go4vl's own buffer;
// it is valid until Release is called.
func (s *Source) Acquire() (frame.Frame, error) {
	data, ok := <-s.out
	if !ok {
		return frame.Frame{}, fmt.Errorf("v4l2cam: device stopped")
	}
	s.inFlightMu.Lock()
	s.inFlight++
	s.inFlightMu.Unlock()
	return frame.Frame{Kind: frame.KindVideo, Data: data, Size: len(data)}, nil
}

// Release returns f; go4vl reclaims its own ring buffers once the
// channel delivery completes, so this only maintains in-flight
// bookkeeping for callers that want to assert on it.
func (s *Source) Release(f frame.Frame) error {
	s.inFlightMu.Lock()
	if s.inFlight > 0 {
		s.inFlight--
	}
	s.inFlightMu.Unlock()
	return nil
}

// Stop halts streaming.
func (s *Source) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if err := s.dev.Stop(); err != nil {
		return fmt.Errorf("v4l2cam: stop: %w", err)
	}
	return nil
}

// Close releases the device.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dev == nil {
		return nil
	}
	if err := s.dev.Close(); err != nil {
		return fmt.Errorf("v4l2cam: close: %w", err)
	}
	s.dev = nil
	return nil
}
