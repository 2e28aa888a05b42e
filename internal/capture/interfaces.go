// Package capture implements the orchestrator, path manager, source
// fetchers, and muxer worker of spec §4.E-§4.H: the part of the pipeline
// that coordinates one audio source, one video source, and up to N paths
// sharing them through the ref-counted fan-out in internal/sharequeue.
//
// The package is kept dependency-free, mirroring the teacher's RTMP core
// (internal/rtmp/*): concrete source drivers, muxers, and path processors
// are wired in from outside through the interfaces below, the way the
// teacher's azure/* tools sit alongside its dependency-free protocol core.
package capture

import (
	"time"

	"github.com/alxayo/go-capture/internal/frame"
)

// AudioSource is the external collaborator that owns a hardware or file
// audio input (spec §6). Read fills buf with PCM and returns the number
// of bytes written; a short read is an error.
type AudioSource interface {
	Open() error
	GetSupportedCodecs() []string
	Negotiate(want frame.AudioInfo) (frame.AudioInfo, error)
	Start() error
	Read(buf []byte) (int, error)
	Stop() error
	Close() error
}

// VideoSource is the external collaborator that owns a hardware or file
// video input (spec §6). Acquire returns a frame pointing into
// source-owned memory; Release must be called exactly once per Acquire.
type VideoSource interface {
	Open() error
	GetSupportedCodecs() []string
	Negotiate(want frame.VideoInfo) (frame.VideoInfo, error)
	Start() error
	Acquire() (frame.Frame, error)
	Release(f frame.Frame) error
	Stop() error
	Close() error
}

// EventKind identifies a condition a PathProcessor reports back to the
// orchestrator through ProcessorCallbacks.Event.
type EventKind int

const (
	EventAudioError EventKind = iota
	EventVideoError
)

// ProcessorCallbacks is the capability set the orchestrator hands to a
// PathProcessor on Open (spec §6): how the processor pulls source frames,
// returns them, delivers processed output, and reports stream-level
// errors back up.
type ProcessorCallbacks struct {
	AcquireSrcFrame func(kind frame.Kind) (frame.Frame, error)
	ReleaseSrcFrame func(f frame.Frame) error
	NegoAudio       func(want frame.AudioInfo) (frame.AudioInfo, error)
	NegoVideo       func(want frame.VideoInfo) (frame.VideoInfo, error)
	FrameProcessed  func(pathID int, f frame.Frame)
	Event           func(pathID int, kind EventKind)
}

// PathProcessor is the optional encode/decode/color-convert/overlay stage
// sitting between source fan-out and a path's share queue (spec §6). Most
// deployments run without one (see SetupPath's one-path rule in
// orchestrator.go).
type PathProcessor interface {
	Open(cb ProcessorCallbacks) error
	AddPath(pathID int, kind frame.Kind, sink frame.SinkConfig) error
	EnablePath(pathID int, kind frame.Kind, on bool) error
	Start() error
	Stop() error
	Close() error
	AddOverlay(pathID int, overlay interface{}) error
	EnableOverlay(pathID int, on bool) error
	Set(kind frame.Kind, key string, value interface{}) error
	GetAudioFrameSamples(pathID int) int
}

// MuxerBaseConfig carries the orchestrator-owned half of a muxer's
// configuration (spec §6): its type tag, file-slicing duration, URL
// callback for slice naming, and an optional streaming data callback.
type MuxerBaseConfig struct {
	MuxerType     string
	SliceDuration time.Duration
	URLPattern    func(sliceIndex int) string
	DataCB        func(pts uint32, data []byte)
}

// Muxer is the external collaborator producing container output from
// fanned-out audio/video packets (spec §6).
type Muxer interface {
	Open(base MuxerBaseConfig, specific interface{}) error
	AddAudioStream(info frame.AudioInfo) (int, error)
	AddVideoStream(info frame.VideoInfo) (int, error)
	AddAudioPacket(streamIdx int, f frame.Frame) error
	AddVideoPacket(streamIdx int, f frame.Frame) error
	Close() error
}
