package natsclient

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nombers/test-sorter/errors"
)

// Test basic client creation
func TestNewClient(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	assert.NoError(t, err)

	assert.NotNil(t, client)
	assert.Equal(t, "nats://localhost:4222", client.URL())
	assert.Equal(t, StatusDisconnected, client.Status())
	assert.False(t, client.IsHealthy())
}

func TestNewClient_Options(t *testing.T) {
	client, err := NewClient("nats://localhost:4222",
		WithMaxReconnects(10),
		WithReconnectWait(time.Second),
		WithTimeout(2*time.Second),
		WithDrainTimeout(5*time.Second),
		WithName("tubesort"),
	)
	require.NoError(t, err)

	assert.Equal(t, 10, client.maxReconnects)
	assert.Equal(t, time.Second, client.reconnectWait)
	assert.Equal(t, 2*time.Second, client.timeout)
	assert.Equal(t, 5*time.Second, client.drainTimeout)
	assert.Equal(t, "tubesort", client.clientName)
}

func TestConnectionStatus_String(t *testing.T) {
	tests := []struct {
		status ConnectionStatus
		want   string
	}{
		{StatusDisconnected, "disconnected"},
		{StatusConnecting, "connecting"},
		{StatusConnected, "connected"},
		{StatusReconnecting, "reconnecting"},
		{ConnectionStatus(99), "unknown"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.status.String())
	}
}

// Test status transitions
func TestStatus_Transitions(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	client.setStatus(StatusConnecting)
	assert.Equal(t, StatusConnecting, client.Status())

	client.setStatus(StatusConnected)
	assert.True(t, client.IsHealthy())

	client.setStatus(StatusReconnecting)
	assert.False(t, client.IsHealthy())
}

func TestPublish_NotConnected(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	err = client.Publish(context.Background(), "tubesort.events.test", []byte("{}"))
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestRTT_NotConnected(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	_, err = client.RTT()
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestConnect_Refused(t *testing.T) {
	// Port 1 is never listening, so the dial fails immediately.
	client, err := NewClient("nats://127.0.0.1:1", WithTimeout(500*time.Millisecond))
	require.NoError(t, err)

	err = client.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
	assert.Equal(t, StatusDisconnected, client.Status())
}

func TestConnect_ContextCancelled(t *testing.T) {
	client, err := NewClient("nats://127.0.0.1:1")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = client.Connect(ctx)
	require.Error(t, err)
	assert.Equal(t, StatusDisconnected, client.Status())
}

func TestWaitForConnection_Timeout(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err = client.WaitForConnection(ctx)
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, ErrConnectionTimeout))
}

func TestWaitForConnection_AlreadyHealthy(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)
	client.setStatus(StatusConnected)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	assert.NoError(t, client.WaitForConnection(ctx))
}

func TestClose_Idempotent(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	assert.NoError(t, client.Close(ctx))
	assert.NoError(t, client.Close(ctx))
	assert.Equal(t, StatusDisconnected, client.Status())
}

func TestGetStatus_Disconnected(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	status := client.GetStatus()
	require.NotNil(t, status)
	assert.Equal(t, StatusDisconnected, status.Status)
	assert.Equal(t, int32(0), status.Reconnects)
	assert.Equal(t, time.Duration(0), status.RTT)
}

func TestHandlers_UpdateStatus(t *testing.T) {
	var mu sync.Mutex
	var healthChanges []bool

	client, err := NewClient("nats://localhost:4222",
		WithHealthChangeCallback(func(healthy bool) {
			mu.Lock()
			healthChanges = append(healthChanges, healthy)
			mu.Unlock()
		}),
	)
	require.NoError(t, err)

	client.handleDisconnect(nil, stderrors.New("broken pipe"))
	assert.Equal(t, StatusReconnecting, client.Status())

	client.handleReconnect(nil)
	assert.Equal(t, StatusConnected, client.Status())
	assert.Equal(t, int32(1), client.reconnects.Load())

	client.handleClosed(nil)
	assert.Equal(t, StatusDisconnected, client.Status())

	// Callbacks run on their own goroutines.
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(healthChanges) == 3
	}, time.Second, 10*time.Millisecond)
}

func TestConcurrentStatusAccess(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if n%2 == 0 {
					client.setStatus(StatusConnected)
				} else {
					_ = client.Status()
					_ = client.IsHealthy()
				}
			}
		}(i)
	}
	wg.Wait()
}
