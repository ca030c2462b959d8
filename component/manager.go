package component

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// rollbackTimeout bounds the reverse-order stop performed when StartAll
// fails partway through.
const rollbackTimeout = 10 * time.Second

// Managed tracks a component and its lifecycle state
type Managed struct {
	Component Lifecycle
	State     State
	LastError error
}

// Manager coordinates startup and shutdown of registered components.
// Components start in registration order and stop in reverse, so transports
// come up before the loops that use them and go down after.
type Manager struct {
	logger  *slog.Logger
	mu      sync.Mutex
	order   []string
	items   map[string]*Managed
	started bool
}

// NewManager creates a component manager
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		logger: logger.With("component", "manager"),
		items:  make(map[string]*Managed),
	}
}

// Register adds a component. Registration order determines start order.
// Registration is rejected after StartAll has run.
func (m *Manager) Register(c Lifecycle) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return fmt.Errorf("register %s: manager already started", c.Name())
	}

	name := c.Name()
	if name == "" {
		return fmt.Errorf("register component: empty name")
	}
	if _, exists := m.items[name]; exists {
		return fmt.Errorf("register %s: duplicate component name", name)
	}

	m.items[name] = &Managed{Component: c, State: StateCreated}
	m.order = append(m.order, name)
	return nil
}

// StartAll initializes and starts every registered component in registration
// order. On failure, components that already started are stopped in reverse
// order before the error is returned.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return fmt.Errorf("manager already started")
	}
	m.started = true
	order := make([]string, len(m.order))
	copy(order, m.order)
	m.mu.Unlock()

	m.logger.Debug("Beginning component startup sequence", "count", len(order))

	started := make([]string, 0, len(order))
	for _, name := range order {
		mc := m.get(name)

		m.logger.Debug("Initializing component", "name", name)
		if err := mc.Component.Initialize(); err != nil {
			m.setState(name, StateFailed, err)
			m.logger.Error("Component initialization failed", "name", name, "error", err)
			m.rollback(started)
			return fmt.Errorf("initialize component %s: %w", name, err)
		}
		m.setState(name, StateInitialized, nil)

		m.logger.Debug("Starting component", "name", name)
		if err := mc.Component.Start(ctx); err != nil {
			m.setState(name, StateFailed, err)
			m.logger.Error("Component start failed", "name", name, "error", err)
			m.rollback(started)
			return fmt.Errorf("start component %s: %w", name, err)
		}
		m.setState(name, StateStarted, nil)
		started = append(started, name)
	}

	m.logger.Info("All components started", "count", len(started))
	return nil
}

// StopAll stops all registered components in reverse registration order.
// Stop errors do not interrupt the sequence; they are collected and returned
// together so every component gets its shutdown chance.
func (m *Manager) StopAll(timeout time.Duration) error {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return nil
	}
	reverse := make([]string, len(m.order))
	for i, name := range m.order {
		reverse[len(m.order)-1-i] = name
	}
	m.mu.Unlock()

	m.logger.Debug("Starting component shutdown sequence",
		"count", len(reverse),
		"timeout", timeout,
	)
	overallStart := time.Now()

	var errs []error
	for _, name := range reverse {
		mc := m.get(name)
		if mc.State != StateStarted {
			continue
		}

		stopStart := time.Now()
		m.logger.Debug("Stopping component", "name", name)

		if err := mc.Component.Stop(timeout); err != nil {
			m.setState(name, StateFailed, err)
			m.logger.Error("Component stop failed",
				"name", name,
				"duration_ms", time.Since(stopStart).Milliseconds(),
				"error", err,
			)
			errs = append(errs, fmt.Errorf("stop component %s: %w", name, err))
		} else {
			m.setState(name, StateStopped, nil)
			m.logger.Debug("Component stopped",
				"name", name,
				"duration_ms", time.Since(stopStart).Milliseconds(),
			)
		}
	}

	m.mu.Lock()
	m.started = false
	m.mu.Unlock()

	m.logger.Debug("Component shutdown sequence completed",
		"duration_ms", time.Since(overallStart).Milliseconds(),
		"error_count", len(errs),
	)

	if len(errs) > 0 {
		return fmt.Errorf("stop errors: %v", errs)
	}
	return nil
}

// rollback stops the named components in reverse order after a failed start
func (m *Manager) rollback(started []string) {
	for i := len(started) - 1; i >= 0; i-- {
		name := started[i]
		mc := m.get(name)
		if err := mc.Component.Stop(rollbackTimeout); err != nil {
			m.setState(name, StateFailed, err)
			m.logger.Error("Rollback stop failed", "name", name, "error", err)
			continue
		}
		m.setState(name, StateStopped, nil)
	}
	m.mu.Lock()
	m.started = false
	m.mu.Unlock()
}

// States returns a snapshot of component states keyed by name
func (m *Manager) States() map[string]State {
	m.mu.Lock()
	defer m.mu.Unlock()

	states := make(map[string]State, len(m.items))
	for name, mc := range m.items {
		states[name] = mc.State
	}
	return states
}

// State returns the lifecycle state of a named component
func (m *Manager) State(name string) (State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	mc, exists := m.items[name]
	if !exists {
		return StateCreated, false
	}
	return mc.State, true
}

// LastError returns the last lifecycle error recorded for a named component
func (m *Manager) LastError(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if mc, exists := m.items[name]; exists {
		return mc.LastError
	}
	return nil
}

// Components returns the registered component names in registration order
func (m *Manager) Components() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	names := make([]string, len(m.order))
	copy(names, m.order)
	return names
}

func (m *Manager) get(name string) *Managed {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.items[name]
}

func (m *Manager) setState(name string, state State, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mc, exists := m.items[name]; exists {
		mc.State = state
		if err != nil {
			mc.LastError = err
		}
	}
}
