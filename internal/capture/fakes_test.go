package capture

import (
	"errors"
	"sync"

	"github.com/alxayo/go-capture/internal/frame"
)

var errFakeSourceDone = errors.New("fake source: exhausted")

// fakeAudioSource is a deterministic AudioSource: it succeeds exactly
// maxReads times, filling the caller's buffer with a byte pattern keyed
// on the read index, then returns errFakeSourceDone forever after.
type fakeAudioSource struct {
	mu       sync.Mutex
	info     frame.AudioInfo
	maxReads int
	reads    int
	opened   bool
	started  bool
	closed   bool
}

func newFakeAudioSource(info frame.AudioInfo, maxReads int) *fakeAudioSource {
	return &fakeAudioSource{info: info, maxReads: maxReads}
}

func (f *fakeAudioSource) Open() error {
	f.mu.Lock()
	f.opened = true
	f.mu.Unlock()
	return nil
}

func (f *fakeAudioSource) GetSupportedCodecs() []string { return []string{f.info.CodecTag} }

func (f *fakeAudioSource) Negotiate(want frame.AudioInfo) (frame.AudioInfo, error) {
	got := want
	if got.SampleRate == 0 {
		got.SampleRate = f.info.SampleRate
	}
	if got.Channels == 0 {
		got.Channels = f.info.Channels
	}
	if got.BitsPerSample == 0 {
		got.BitsPerSample = f.info.BitsPerSample
	}
	if got.CodecTag == "" {
		got.CodecTag = f.info.CodecTag
	}
	return got, nil
}

func (f *fakeAudioSource) Start() error {
	f.mu.Lock()
	f.started = true
	f.mu.Unlock()
	return nil
}

func (f *fakeAudioSource) Read(buf []byte) (int, error) {
	f.mu.Lock()
	n := f.reads
	if n >= f.maxReads {
		f.mu.Unlock()
		return 0, errFakeSourceDone
	}
	f.reads++
	f.mu.Unlock()
	for i := range buf {
		buf[i] = byte(n)
	}
	return len(buf), nil
}

func (f *fakeAudioSource) Stop() error {
	f.mu.Lock()
	f.started = false
	f.mu.Unlock()
	return nil
}

func (f *fakeAudioSource) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeAudioSource) readCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reads
}

// fakeMuxer records every stream-add and packet call it receives.
type fakeMuxer struct {
	mu           sync.Mutex
	opened       bool
	closed       bool
	audioStreams int
	videoStreams int
	audioPackets int
	videoPackets int
}

func (m *fakeMuxer) Open(base MuxerBaseConfig, specific interface{}) error {
	m.mu.Lock()
	m.opened = true
	m.mu.Unlock()
	return nil
}

func (m *fakeMuxer) AddAudioStream(info frame.AudioInfo) (int, error) {
	m.mu.Lock()
	idx := m.audioStreams
	m.audioStreams++
	m.mu.Unlock()
	return idx, nil
}

func (m *fakeMuxer) AddVideoStream(info frame.VideoInfo) (int, error) {
	m.mu.Lock()
	idx := m.videoStreams
	m.videoStreams++
	m.mu.Unlock()
	return idx, nil
}

func (m *fakeMuxer) AddAudioPacket(streamIdx int, f frame.Frame) error {
	m.mu.Lock()
	m.audioPackets++
	m.mu.Unlock()
	return nil
}

func (m *fakeMuxer) AddVideoPacket(streamIdx int, f frame.Frame) error {
	m.mu.Lock()
	m.videoPackets++
	m.mu.Unlock()
	return nil
}

func (m *fakeMuxer) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func (m *fakeMuxer) audioPacketCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.audioPackets
}

func (m *fakeMuxer) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func fakeAudioFormat() frame.AudioInfo {
	return frame.AudioInfo{SampleRate: 48000, Channels: 1, BitsPerSample: 16, CodecTag: "pcm16"}
}
