package events

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// ShellHook runs an external command when an event occurs, passing event
// fields as CAPTURE_-prefixed environment variables.
type ShellHook struct {
	id       string
	command  string
	args     []string
	env      []string
	passJSON bool
	timeout  time.Duration
}

// NewShellHook creates a hook that runs scriptPath via /bin/bash.
func NewShellHook(id, scriptPath string, timeout time.Duration) *ShellHook {
	return &ShellHook{id: id, command: "/bin/bash", args: []string{scriptPath}, timeout: timeout}
}

// NewShellHookWithCommand creates a hook running an arbitrary command.
func NewShellHookWithCommand(id, command string, args []string, timeout time.Duration) *ShellHook {
	return &ShellHook{id: id, command: command, args: args, timeout: timeout}
}

// SetPassJSON enables writing the event as JSON to the child's stdin.
func (h *ShellHook) SetPassJSON(on bool) *ShellHook {
	h.passJSON = on
	return h
}

// SetEnv appends extra environment variables passed to the child.
func (h *ShellHook) SetEnv(env []string) *ShellHook {
	h.env = env
	return h
}

// Execute runs the configured command with the event in its environment.
func (h *ShellHook) Execute(ctx context.Context, event Event) error {
	execCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, h.command, h.args...)
	cmd.Env = append(cmd.Env, h.buildEnvironment(event)...)

	if h.passJSON {
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return fmt.Errorf("shell hook %s: stdin pipe: %w", h.id, err)
		}
		go func() {
			defer stdin.Close()
			_ = json.NewEncoder(stdin).Encode(event)
		}()
	}

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("shell hook %s: execution failed: %w", h.id, err)
	}
	return nil
}

// Type returns the hook's type tag.
func (h *ShellHook) Type() string { return "shell" }

// ID returns the hook's identifier.
func (h *ShellHook) ID() string { return h.id }

func (h *ShellHook) buildEnvironment(event Event) []string {
	env := make([]string, 0, len(h.env)+4+len(event.Data))
	env = append(env, h.env...)
	env = append(env, "CAPTURE_EVENT_TYPE="+string(event.Type))
	env = append(env, fmt.Sprintf("CAPTURE_TIMESTAMP=%d", event.Timestamp))
	if event.PathID != "" {
		env = append(env, "CAPTURE_PATH_ID="+event.PathID)
	}
	if event.Stream != "" {
		env = append(env, "CAPTURE_STREAM_KIND="+event.Stream)
	}
	for key, value := range event.Data {
		env = append(env, "CAPTURE_"+strings.ToUpper(key)+fmt.Sprintf("=%v", value))
	}
	return env
}
