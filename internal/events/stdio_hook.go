package events

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// StdioHook mirrors events to an output stream as JSON or env-style lines.
type StdioHook struct {
	id     string
	format string
	output *os.File
}

// NewStdioHook creates a stdio hook writing format ("json" or "env") to
// stderr by default.
func NewStdioHook(id, format string) *StdioHook {
	return &StdioHook{id: id, format: format, output: os.Stderr}
}

// SetOutput overrides the destination stream.
func (h *StdioHook) SetOutput(f *os.File) *StdioHook {
	h.output = f
	return h
}

// Execute writes event in the configured format.
func (h *StdioHook) Execute(ctx context.Context, event Event) error {
	switch h.format {
	case "json":
		return h.outputJSON(event)
	case "env":
		return h.outputEnv(event)
	default:
		return fmt.Errorf("stdio hook %s: unsupported format %q", h.id, h.format)
	}
}

// Type returns the hook's type tag.
func (h *StdioHook) Type() string { return "stdio" }

// ID returns the hook's identifier.
func (h *StdioHook) ID() string { return h.id }

func (h *StdioHook) outputJSON(event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("stdio hook %s: marshal: %w", h.id, err)
	}
	_, err = fmt.Fprintf(h.output, "CAPTURE_EVENT: %s\n", data)
	return err
}

func (h *StdioHook) outputEnv(event Event) error {
	lines := []string{
		"# capture event: " + string(event.Type),
		fmt.Sprintf("CAPTURE_EVENT_TYPE=%s", event.Type),
		fmt.Sprintf("CAPTURE_TIMESTAMP=%d", event.Timestamp),
	}
	if event.PathID != "" {
		lines = append(lines, "CAPTURE_PATH_ID="+event.PathID)
	}
	if event.Stream != "" {
		lines = append(lines, "CAPTURE_STREAM_KIND="+event.Stream)
	}
	for key, value := range event.Data {
		lines = append(lines, "CAPTURE_"+strings.ToUpper(key)+fmt.Sprintf("=%v", value))
	}
	lines = append(lines, "")
	for _, line := range lines {
		if _, err := fmt.Fprintln(h.output, line); err != nil {
			return fmt.Errorf("stdio hook %s: write: %w", h.id, err)
		}
	}
	return nil
}
