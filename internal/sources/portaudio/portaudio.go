// Package portaudiosrc adapts a PortAudio input stream to the capture
// package's AudioSource contract (spec §6).
//
// Grounded on the teacher's audio.Microphone producer
// (_examples/richinsley-goshadertoy/audio/microphone.go): a callback
// running on PortAudio's own realtime thread copies each buffer and
// hands it off through a channel, decoupling the audio thread's pace
// from whatever rate the orchestrator's fetcher calls Read at. Unlike
// the teacher, which exposes the channel directly to its own render
// loop, Source buffers the channel's []float32 chunks into the PCM16
// byte stream AudioSource.Read expects, since a capture frame's byte
// size is set by the orchestrator (spec §4.E), not by PortAudio's own
// internal buffering.
package portaudiosrc

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	"github.com/gordonklaus/portaudio"

	"github.com/alxayo/go-capture/internal/frame"
)

// Source is a PortAudio-backed AudioSource. Only 16-bit PCM is
// supported, matching what the repo's muxer adapters consume.
type Source struct {
	mu         sync.Mutex
	sampleRate int
	channels   int
	deviceName string

	stream  *portaudio.Stream
	samples chan []float32
	started bool

	pending []byte
}

// New targets the given sample rate and channel count on the host's
// default input device. deviceName is accepted for parity with other
// source adapters' construction signature but is not yet used to pick
// a non-default device.
func New(sampleRate, channels int, deviceName string) *Source {
	return &Source{sampleRate: sampleRate, channels: channels, deviceName: deviceName}
}

// Open initializes the PortAudio library (spec §6 Open/Close bracket
// the driver's whole lifetime, independent of Start/Stop sessions).
func (s *Source) Open() error {
	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("portaudio: initialize: %w", err)
	}
	return nil
}

// GetSupportedCodecs reports the one format this adapter produces.
func (s *Source) GetSupportedCodecs() []string { return []string{"pcm16"} }

// Negotiate resolves want against the fixed rate/channel count this
// Source was constructed with; only the pcm16 codec tag is accepted.
func (s *Source) Negotiate(want frame.AudioInfo) (frame.AudioInfo, error) {
	if want.CodecTag != "" && want.CodecTag != "none" && want.CodecTag != "pcm16" {
		return frame.AudioInfo{}, fmt.Errorf("portaudio: unsupported codec %q, only pcm16", want.CodecTag)
	}
	return frame.AudioInfo{
		SampleRate:    s.sampleRate,
		Channels:      s.channels,
		BitsPerSample: 16,
		CodecTag:      "pcm16",
	}, nil
}

// callback runs on PortAudio's realtime thread; it must never block, so
// a full channel drops the frame rather than stalling the audio device
// (spec §9: source drivers never block on downstream pace).
func (s *Source) callback(in []float32) {
	cp := make([]float32, len(in))
	copy(cp, in)
	select {
	case s.samples <- cp:
	default:
	}
}

// Start opens and starts the input stream.
func (s *Source) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	s.samples = make(chan []float32, 32)
	s.pending = nil

	host, err := portaudio.DefaultHostApi()
	if err != nil {
		return fmt.Errorf("portaudio: default host api: %w", err)
	}
	params := portaudio.HighLatencyParameters(host.DefaultInputDevice, nil)
	params.Input.Channels = s.channels
	params.SampleRate = float64(s.sampleRate)

	stream, err := portaudio.OpenStream(params, s.callback)
	if err != nil {
		return fmt.Errorf("portaudio: open stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return fmt.Errorf("portaudio: start stream: %w", err)
	}
	s.stream = stream
	s.started = true
	return nil
}

// Read fills buf with PCM16 samples, pulling callback chunks off the
// channel as needed and carrying any leftover bytes across calls (a
// capture frame's byte size rarely divides evenly into PortAudio's own
// callback buffer size). Called from a single fetcher goroutine, so
// pending needs no locking of its own.
func (s *Source) Read(buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		if len(s.pending) == 0 {
			floats, ok := <-s.samples
			if !ok {
				if n > 0 {
					return n, nil
				}
				return 0, fmt.Errorf("portaudio: stream stopped")
			}
			s.pending = floatsToPCM16(floats)
		}
		copied := copy(buf[n:], s.pending)
		s.pending = s.pending[copied:]
		n += copied
	}
	return n, nil
}

func floatsToPCM16(in []float32) []byte {
	out := make([]byte, len(in)*2)
	for i, v := range in {
		if v > 1 {
			v = 1
		} else if v < -1 {
			v = -1
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v*math.MaxInt16)))
	}
	return out
}

// Stop closes the stream and the callback channel, unblocking any Read
// waiting on it.
func (s *Source) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return nil
	}
	err := s.stream.Close()
	s.started = false
	close(s.samples)
	if err != nil {
		return fmt.Errorf("portaudio: close stream: %w", err)
	}
	return nil
}

// Close terminates the PortAudio library.
func (s *Source) Close() error {
	if err := portaudio.Terminate(); err != nil {
		return fmt.Errorf("portaudio: terminate: %w", err)
	}
	return nil
}
