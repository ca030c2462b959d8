package operator

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nombers/test-sorter/errors"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newCoordinator(t *testing.T) *Coordinator {
	t.Helper()
	return NewCoordinator(discardLogger(), nil)
}

func TestCoordinator_PauseResumeFlow(t *testing.T) {
	c := newCoordinator(t)

	require.True(t, c.RequestPause())
	assert.False(t, c.RequestPause(), "second request while one is pending")
	assert.True(t, c.PausePending())
	assert.Equal(t, StatePausePending, c.State())

	done := make(chan error, 1)
	go func() { done <- c.WaitResume(context.Background()) }()

	require.Eventually(t, func() bool { return c.State() == StatePaused }, time.Second, time.Millisecond)
	assert.False(t, c.PausePending(), "request consumed on pause entry")
	assert.False(t, c.RequestPause(), "cannot re-request while paused")

	require.True(t, c.Resume())
	require.NoError(t, <-done)
	assert.Equal(t, StateRunning, c.State())
}

func TestCoordinator_CheckPause_NoPausePending(t *testing.T) {
	c := newCoordinator(t)
	require.NoError(t, c.CheckPause(context.Background()))
}

func TestCoordinator_CheckPause_BlocksUntilResume(t *testing.T) {
	c := newCoordinator(t)
	c.RequestPause()

	done := make(chan error, 1)
	go func() { done <- c.CheckPause(context.Background()) }()

	require.Eventually(t, func() bool { return c.State() == StatePaused }, time.Second, time.Millisecond)
	c.Resume()
	require.NoError(t, <-done)
}

func TestCoordinator_CheckPause_StopShortCircuits(t *testing.T) {
	c := newCoordinator(t)
	c.Stop()

	err := c.CheckPause(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrStopped)
}

func TestCoordinator_StopWinsOverResume(t *testing.T) {
	c := newCoordinator(t)
	c.RequestPause()

	done := make(chan error, 1)
	go func() { done <- c.WaitResume(context.Background()) }()

	require.Eventually(t, func() bool { return c.State() == StatePaused }, time.Second, time.Millisecond)
	c.Stop()

	err := <-done
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrStopped)
	assert.Equal(t, StateStopped, c.State())
}

func TestCoordinator_WaitResume_CancelledContext(t *testing.T) {
	c := newCoordinator(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := c.WaitResume(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrStopped)
}

func TestCoordinator_ResumeWithoutPause(t *testing.T) {
	c := newCoordinator(t)
	assert.False(t, c.Resume())
}

func TestCoordinator_WaitRackReplacement(t *testing.T) {
	c := newCoordinator(t)

	assert.False(t, c.ConfirmReplacement(), "early confirmation is dropped")

	done := make(chan error, 1)
	go func() { done <- c.WaitRackReplacement(context.Background(), "sources empty") }()

	require.Eventually(t, c.ReplacementPending, time.Second, time.Millisecond)
	require.True(t, c.ConfirmReplacement())
	require.NoError(t, <-done)
	assert.False(t, c.ReplacementPending())
}

func TestCoordinator_WaitRackReplacement_StopInterrupts(t *testing.T) {
	c := newCoordinator(t)

	done := make(chan error, 1)
	go func() { done <- c.WaitRackReplacement(context.Background(), "rack pcr-1 full") }()

	require.Eventually(t, c.ReplacementPending, time.Second, time.Millisecond)
	c.Stop()

	err := <-done
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrStopped)
}

func TestCoordinator_Stop_Idempotent(t *testing.T) {
	c := newCoordinator(t)

	c.Stop()
	c.Stop()

	assert.True(t, c.Stopped())
	select {
	case <-c.StopC():
	default:
		t.Fatal("stop channel not closed")
	}
}
