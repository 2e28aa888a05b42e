package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Manager registers hooks per event Type and dispatches events to them
// asynchronously through a bounded execution pool. Adapted from the
// teacher's HookManager/executionPool.
type Manager struct {
	hooks     map[Type][]Hook
	stdioHook *StdioHook
	mu        sync.RWMutex
	pool      *executionPool
	logger    *slog.Logger
	config    HookConfig
}

// NewManager creates a Manager from config, dispatching through logger.
func NewManager(config HookConfig, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if _, err := time.ParseDuration(config.Timeout); err != nil {
		logger.Warn("invalid hook timeout, using default", "timeout", config.Timeout, "error", err)
	}
	m := &Manager{
		hooks:  make(map[Type][]Hook),
		logger: logger,
		config: config,
		pool:   newExecutionPool(config.Concurrency, logger),
	}
	if config.StdioFormat != "" {
		m.EnableStdioOutput(config.StdioFormat)
	}
	return m
}

// Register attaches hook to the given event type.
func (m *Manager) Register(t Type, hook Hook) error {
	if hook == nil {
		return fmt.Errorf("events: cannot register nil hook")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks[t] = append(m.hooks[t], hook)
	m.logger.Info("hook registered", "event_type", t, "hook_type", hook.Type(), "hook_id", hook.ID())
	return nil
}

// Unregister removes a hook by ID from the given event type.
func (m *Manager) Unregister(t Type, hookID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	hooks := m.hooks[t]
	for i, h := range hooks {
		if h.ID() == hookID {
			m.hooks[t] = append(hooks[:i], hooks[i+1:]...)
			m.logger.Info("hook unregistered", "event_type", t, "hook_id", hookID)
			return true
		}
	}
	return false
}

// Emit dispatches event to every hook registered for its type, each
// running asynchronously in the execution pool.
func (m *Manager) Emit(ctx context.Context, event Event) {
	if m == nil {
		return
	}
	m.mu.RLock()
	hooks := make([]Hook, len(m.hooks[event.Type]))
	copy(hooks, m.hooks[event.Type])
	if m.stdioHook != nil {
		hooks = append(hooks, m.stdioHook)
	}
	m.mu.RUnlock()

	if len(hooks) == 0 {
		return
	}
	m.logger.Debug("emitting event", "event_type", event.Type, "hook_count", len(hooks), "event", event.String())
	for _, h := range hooks {
		m.pool.execute(ctx, h, event)
	}
}

// EnableStdioOutput mirrors every future event to stderr as json or env.
func (m *Manager) EnableStdioOutput(format string) error {
	if format != "json" && format != "env" {
		return fmt.Errorf("events: unsupported stdio format %q", format)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stdioHook = NewStdioHook("stdio", format)
	m.logger.Info("stdio output enabled", "format", format)
	return nil
}

// DisableStdioOutput stops mirroring events to stderr.
func (m *Manager) DisableStdioOutput() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stdioHook = nil
}

// Stats reports registration counts, useful for a status endpoint.
func (m *Manager) Stats() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	byType := make(map[string]int)
	total := 0
	for t, hooks := range m.hooks {
		byType[string(t)] = len(hooks)
		total += len(hooks)
	}
	return map[string]interface{}{
		"event_types":   len(m.hooks),
		"total_hooks":   total,
		"hooks_by_type": byType,
		"stdio_enabled": m.stdioHook != nil,
		"pool_size":     m.pool.size,
	}
}

// Close waits for in-flight hook executions to drain.
func (m *Manager) Close() error {
	if m.pool != nil {
		m.pool.close()
	}
	return nil
}

// executionPool bounds concurrent hook execution, mirroring the
// teacher's worker-slot channel pattern.
type executionPool struct {
	workers chan struct{}
	size    int
	active  int
	mu      sync.Mutex
	logger  *slog.Logger
}

func newExecutionPool(size int, logger *slog.Logger) *executionPool {
	if size <= 0 {
		size = 10
	}
	return &executionPool{workers: make(chan struct{}, size), size: size, logger: logger}
}

func (ep *executionPool) execute(ctx context.Context, hook Hook, event Event) {
	go func() {
		ep.workers <- struct{}{}
		defer func() { <-ep.workers }()

		ep.mu.Lock()
		ep.active++
		ep.mu.Unlock()
		defer func() {
			ep.mu.Lock()
			ep.active--
			ep.mu.Unlock()
		}()

		start := time.Now()
		err := hook.Execute(ctx, event)
		dur := time.Since(start)
		if err != nil {
			ep.logger.Error("hook execution failed", "hook_type", hook.Type(), "hook_id", hook.ID(),
				"event_type", event.Type, "duration_ms", dur.Milliseconds(), "error", err)
		} else {
			ep.logger.Debug("hook executed", "hook_type", hook.Type(), "hook_id", hook.ID(),
				"event_type", event.Type, "duration_ms", dur.Milliseconds())
		}
	}()
}

func (ep *executionPool) close() {
	for i := 0; i < cap(ep.workers); i++ {
		ep.workers <- struct{}{}
	}
}
