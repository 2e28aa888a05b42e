package events

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestEventBuilders(t *testing.T) {
	event := New(PathEnabled).
		WithPath("path-1").
		WithStream("audio").
		WithData("reason", "user_enable")

	if event.Type != PathEnabled {
		t.Errorf("expected type %s, got %s", PathEnabled, event.Type)
	}
	if event.PathID != "path-1" {
		t.Errorf("expected path_id path-1, got %s", event.PathID)
	}
	if event.Stream != "audio" {
		t.Errorf("expected stream audio, got %s", event.Stream)
	}
	if event.Data["reason"] != "user_enable" {
		t.Errorf("expected reason user_enable, got %v", event.Data["reason"])
	}
	if got := event.String(); got != "path_enabled:path-1" {
		t.Errorf("expected string path_enabled:path-1, got %s", got)
	}
}

func TestShellHookAccessors(t *testing.T) {
	hook := NewShellHook("test-hook", "/bin/echo", 10*time.Second)
	if hook.Type() != "shell" {
		t.Errorf("expected type shell, got %s", hook.Type())
	}
	if hook.ID() != "test-hook" {
		t.Errorf("expected id test-hook, got %s", hook.ID())
	}
	custom := NewShellHookWithCommand("custom", "/bin/true", []string{}, 5*time.Second)
	if custom.command != "/bin/true" {
		t.Errorf("expected command /bin/true, got %s", custom.command)
	}
}

func TestManagerRegisterEmitUnregister(t *testing.T) {
	manager := NewManager(DefaultHookConfig(), nil)
	var wg sync.WaitGroup
	wg.Add(1)

	hook := &countingHook{id: "test", done: &wg}
	if err := manager.Register(PathEnabled, hook); err != nil {
		t.Fatalf("register: %v", err)
	}

	stats := manager.Stats()
	if stats["total_hooks"] != 1 {
		t.Fatalf("expected 1 registered hook, got %v", stats["total_hooks"])
	}

	manager.Emit(context.Background(), *New(PathEnabled))
	wg.Wait()
	if hook.calls() != 1 {
		t.Fatalf("expected hook invoked once, got %d", hook.calls())
	}

	if !manager.Unregister(PathEnabled, "test") {
		t.Fatalf("expected unregister to succeed")
	}
	manager.Close()
}

func TestStdioHookFormat(t *testing.T) {
	hook := NewStdioHook("stdio-test", "json")
	if hook.Type() != "stdio" || hook.ID() != "stdio-test" || hook.format != "json" {
		t.Fatalf("unexpected stdio hook state: %+v", hook)
	}
}

func TestWebhookHookHeaders(t *testing.T) {
	hook := NewWebhookHook("webhook-test", "https://example.invalid/hook", 5*time.Second)
	hook.AddHeader("Authorization", "Bearer token")
	if hook.headers["Authorization"] != "Bearer token" {
		t.Fatalf("expected header to be set, got %v", hook.headers)
	}
	if hook.url != "https://example.invalid/hook" {
		t.Fatalf("unexpected url: %s", hook.url)
	}
}

type countingHook struct {
	id   string
	mu   sync.Mutex
	n    int
	done *sync.WaitGroup
}

func (h *countingHook) Execute(ctx context.Context, event Event) error {
	h.mu.Lock()
	h.n++
	h.mu.Unlock()
	h.done.Done()
	return nil
}
func (h *countingHook) Type() string { return "counting" }
func (h *countingHook) ID() string   { return h.id }
func (h *countingHook) calls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.n
}
