package component

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// callRecorder tracks lifecycle calls across mock components so tests can
// assert ordering
type callRecorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *callRecorder) record(call string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
}

func (r *callRecorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.calls))
	copy(out, r.calls)
	return out
}

// mockComponent is a minimal Lifecycle implementation for manager tests
type mockComponent struct {
	name     string
	recorder *callRecorder

	initErr  error
	startErr error
	stopErr  error
}

var _ Lifecycle = (*mockComponent)(nil)

func (m *mockComponent) Name() string { return m.name }

func (m *mockComponent) Initialize() error {
	if m.recorder != nil {
		m.recorder.record("init:" + m.name)
	}
	return m.initErr
}

func (m *mockComponent) Start(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	if m.recorder != nil {
		m.recorder.record("start:" + m.name)
	}
	return m.startErr
}

func (m *mockComponent) Stop(_ time.Duration) error {
	if m.recorder != nil {
		m.recorder.record("stop:" + m.name)
	}
	return m.stopErr
}

func TestManager_Register(t *testing.T) {
	m := NewManager(nil)

	err := m.Register(&mockComponent{name: "scanner"})
	require.NoError(t, err)

	err = m.Register(&mockComponent{name: "controller"})
	require.NoError(t, err)

	assert.Equal(t, []string{"scanner", "controller"}, m.Components())
}

func TestManager_RegisterDuplicate(t *testing.T) {
	m := NewManager(nil)

	require.NoError(t, m.Register(&mockComponent{name: "scanner"}))

	err := m.Register(&mockComponent{name: "scanner"})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")
}

func TestManager_RegisterEmptyName(t *testing.T) {
	m := NewManager(nil)

	err := m.Register(&mockComponent{name: ""})
	assert.Error(t, err)
}

func TestManager_RegisterAfterStart(t *testing.T) {
	m := NewManager(nil)
	require.NoError(t, m.Register(&mockComponent{name: "scanner"}))
	require.NoError(t, m.StartAll(context.Background()))

	err := m.Register(&mockComponent{name: "late"})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "already started")
}

func TestManager_StartAllOrder(t *testing.T) {
	recorder := &callRecorder{}
	m := NewManager(nil)

	for _, name := range []string{"nats", "controller", "orchestrator"} {
		require.NoError(t, m.Register(&mockComponent{name: name, recorder: recorder}))
	}

	require.NoError(t, m.StartAll(context.Background()))

	assert.Equal(t, []string{
		"init:nats", "start:nats",
		"init:controller", "start:controller",
		"init:orchestrator", "start:orchestrator",
	}, recorder.all())

	for _, name := range []string{"nats", "controller", "orchestrator"} {
		state, ok := m.State(name)
		require.True(t, ok)
		assert.Equal(t, StateStarted, state)
	}
}

func TestManager_StartAllTwice(t *testing.T) {
	m := NewManager(nil)
	require.NoError(t, m.Register(&mockComponent{name: "scanner"}))
	require.NoError(t, m.StartAll(context.Background()))

	err := m.StartAll(context.Background())
	assert.Error(t, err)
}

func TestManager_StartAllRollsBackOnFailure(t *testing.T) {
	recorder := &callRecorder{}
	m := NewManager(nil)

	require.NoError(t, m.Register(&mockComponent{name: "nats", recorder: recorder}))
	require.NoError(t, m.Register(&mockComponent{name: "controller", recorder: recorder}))
	require.NoError(t, m.Register(&mockComponent{
		name:     "orchestrator",
		recorder: recorder,
		startErr: fmt.Errorf("controller not ready"),
	}))

	err := m.StartAll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "orchestrator")

	// Components that started are stopped in reverse order
	assert.Equal(t, []string{
		"init:nats", "start:nats",
		"init:controller", "start:controller",
		"init:orchestrator", "start:orchestrator",
		"stop:controller", "stop:nats",
	}, recorder.all())

	state, _ := m.State("orchestrator")
	assert.Equal(t, StateFailed, state)
	state, _ = m.State("controller")
	assert.Equal(t, StateStopped, state)
}

func TestManager_StartAllInitFailure(t *testing.T) {
	recorder := &callRecorder{}
	m := NewManager(nil)

	require.NoError(t, m.Register(&mockComponent{name: "nats", recorder: recorder}))
	require.NoError(t, m.Register(&mockComponent{
		name:     "controller",
		recorder: recorder,
		initErr:  fmt.Errorf("bad config"),
	}))

	err := m.StartAll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "initialize component controller")

	assert.Equal(t, []string{
		"init:nats", "start:nats",
		"init:controller",
		"stop:nats",
	}, recorder.all())

	assert.Error(t, m.LastError("controller"))
}

func TestManager_StopAllReverseOrder(t *testing.T) {
	recorder := &callRecorder{}
	m := NewManager(nil)

	for _, name := range []string{"nats", "controller", "orchestrator"} {
		require.NoError(t, m.Register(&mockComponent{name: name, recorder: recorder}))
	}
	require.NoError(t, m.StartAll(context.Background()))

	require.NoError(t, m.StopAll(5*time.Second))

	calls := recorder.all()
	assert.Equal(t, []string{"stop:orchestrator", "stop:controller", "stop:nats"}, calls[6:])

	for _, name := range []string{"nats", "controller", "orchestrator"} {
		state, _ := m.State(name)
		assert.Equal(t, StateStopped, state)
	}
}

func TestManager_StopAllCollectsErrors(t *testing.T) {
	recorder := &callRecorder{}
	m := NewManager(nil)

	require.NoError(t, m.Register(&mockComponent{name: "nats", recorder: recorder}))
	require.NoError(t, m.Register(&mockComponent{
		name:     "controller",
		recorder: recorder,
		stopErr:  fmt.Errorf("device busy"),
	}))
	require.NoError(t, m.Register(&mockComponent{name: "orchestrator", recorder: recorder}))
	require.NoError(t, m.StartAll(context.Background()))

	err := m.StopAll(5 * time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "controller")

	// The failing component does not interrupt the sequence
	calls := recorder.all()
	assert.Equal(t, []string{"stop:orchestrator", "stop:controller", "stop:nats"}, calls[6:])

	state, _ := m.State("controller")
	assert.Equal(t, StateFailed, state)
	state, _ = m.State("nats")
	assert.Equal(t, StateStopped, state)
}

func TestManager_StopAllWithoutStart(t *testing.T) {
	m := NewManager(nil)
	require.NoError(t, m.Register(&mockComponent{name: "scanner"}))

	// StopAll on a never-started manager is a no-op
	assert.NoError(t, m.StopAll(time.Second))
}

func TestManager_StartAllWithCancelledContext(t *testing.T) {
	m := NewManager(nil)
	require.NoError(t, m.Register(&mockComponent{name: "scanner"}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := m.StartAll(ctx)
	assert.Error(t, err)
}

func TestManager_States(t *testing.T) {
	m := NewManager(nil)
	require.NoError(t, m.Register(&mockComponent{name: "scanner"}))
	require.NoError(t, m.Register(&mockComponent{name: "controller"}))

	states := m.States()
	assert.Equal(t, StateCreated, states["scanner"])
	assert.Equal(t, StateCreated, states["controller"])

	require.NoError(t, m.StartAll(context.Background()))

	states = m.States()
	assert.Equal(t, StateStarted, states["scanner"])
	assert.Equal(t, StateStarted, states["controller"])
}

func TestManager_StateUnknownComponent(t *testing.T) {
	m := NewManager(nil)

	_, ok := m.State("ghost")
	assert.False(t, ok)
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateCreated, "created"},
		{StateInitialized, "initialized"},
		{StateStarted, "started"},
		{StateStopped, "stopped"},
		{StateFailed, "failed"},
		{State(99), "unknown"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.state.String())
	}
}
