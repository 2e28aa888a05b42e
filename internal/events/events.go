// Package events defines the capture pipeline's lifecycle event vocabulary
// and the types hooks operate on. Adapted from the teacher's RTMP hook
// event model, retargeted from connection/stream keys to path IDs and
// stream kinds.
package events

import "time"

// Type identifies a capture-pipeline lifecycle event.
type Type string

const (
	// Path lifecycle.
	PathEnabled  Type = "path_enabled"
	PathDisabled Type = "path_disabled"

	// Muxer lifecycle.
	MuxerStarted Type = "muxer_started"
	MuxerStopped Type = "muxer_stopped"

	// Source conditions.
	SourceError     Type = "source_error"
	CodecNegotiated Type = "codec_negotiated"
	FrameDropped    Type = "frame_dropped"
	SyncSnapApplied Type = "sync_snap_applied"

	// Run lifecycle.
	RunFinished Type = "run_finished"
)

// Event is a single occurrence that can trigger registered hooks.
type Event struct {
	Type      Type                   `json:"type"`
	Timestamp int64                  `json:"timestamp"`
	PathID    string                 `json:"path_id,omitempty"`
	Stream    string                 `json:"stream_kind,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// New creates an Event stamped with the current time.
func New(t Type) *Event {
	return &Event{Type: t, Timestamp: time.Now().Unix(), Data: make(map[string]interface{})}
}

// WithPath sets the path ID the event concerns.
func (e *Event) WithPath(pathID string) *Event {
	e.PathID = pathID
	return e
}

// WithStream sets the stream kind ("audio" or "video").
func (e *Event) WithStream(kind string) *Event {
	e.Stream = kind
	return e
}

// WithData attaches an additional field to the event payload.
func (e *Event) WithData(key string, value interface{}) *Event {
	if e.Data == nil {
		e.Data = make(map[string]interface{})
	}
	e.Data[key] = value
	return e
}

// String renders a short human-readable identifier for logging.
func (e *Event) String() string {
	if e.PathID != "" {
		return string(e.Type) + ":" + e.PathID
	}
	return string(e.Type)
}
