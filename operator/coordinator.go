// Package operator carries the side channel between a human at the
// bench and the coordination loop. The console goroutine only flips
// signals here; the coordination goroutine observes them at its own
// checkpoints, so neither side ever reaches into the other's state.
package operator

import (
	"context"
	"log/slog"
	"sync"

	"github.com/nombers/test-sorter/errors"
	"github.com/nombers/test-sorter/metric"
)

// Coordinator states as reported to the operator.
const (
	StateRunning      = "running"
	StatePausePending = "pause requested"
	StatePaused       = "paused"
	StateStopped      = "stopped"
)

// Coordinator mediates pause, resume, rack replacement and stop between
// the operator console and the coordination loop. All methods are safe
// for concurrent use from both goroutines.
type Coordinator struct {
	logger  *slog.Logger
	metrics *metric.CoreMetrics

	mu             sync.Mutex
	pauseRequested bool
	paused         bool
	resumeC        chan struct{}
	replaceC       chan struct{}

	stopOnce sync.Once
	stopC    chan struct{}
}

// NewCoordinator builds an idle coordinator.
func NewCoordinator(logger *slog.Logger, metrics *metric.CoreMetrics) *Coordinator {
	return &Coordinator{
		logger:  logger.With("component", "operator"),
		metrics: metrics,
		stopC:   make(chan struct{}),
	}
}

// RequestPause asks the coordination loop to pause after its current
// atomic iteration. Returns false when a pause is already pending or
// active.
func (c *Coordinator) RequestPause() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.paused || c.pauseRequested {
		return false
	}
	c.pauseRequested = true
	c.logger.Info("pause requested, system will stop after the current operation")
	return true
}

// Resume releases a paused coordination loop. Returns false when the
// system is not paused.
func (c *Coordinator) Resume() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.paused || c.resumeC == nil {
		return false
	}
	close(c.resumeC)
	c.resumeC = nil
	return true
}

// ConfirmReplacement acknowledges that racks have been physically
// replaced. A confirmation with no wait armed is dropped, so a stray
// early keypress cannot satisfy a later wait.
func (c *Coordinator) ConfirmReplacement() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.replaceC == nil {
		return false
	}
	close(c.replaceC)
	c.replaceC = nil
	return true
}

// Stop fires the global stop signal. Idempotent; also releases any
// pause or replacement wait so the coordination loop can unwind.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() {
		c.logger.Info("stop requested")
		close(c.stopC)
	})
	c.Resume()
	c.ConfirmReplacement()
}

// StopC exposes the global stop signal for select loops.
func (c *Coordinator) StopC() <-chan struct{} {
	return c.stopC
}

// Stopped reports whether the global stop has fired.
func (c *Coordinator) Stopped() bool {
	select {
	case <-c.stopC:
		return true
	default:
		return false
	}
}

// PausePending reports whether an operator pause is waiting to be acted
// on.
func (c *Coordinator) PausePending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pauseRequested
}

// ReplacementPending reports whether a rack replacement wait is armed.
func (c *Coordinator) ReplacementPending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.replaceC != nil
}

// State reports the coordinator state for status output.
func (c *Coordinator) State() string {
	if c.Stopped() {
		return StateStopped
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.paused:
		return StatePaused
	case c.pauseRequested:
		return StatePausePending
	default:
		return StateRunning
	}
}

// WaitResume enters the paused state and blocks until the operator
// resumes, the stop signal fires, or ctx is cancelled. The engine calls
// this from inside its pause iteration, after the arm has parked.
func (c *Coordinator) WaitResume(ctx context.Context) error {
	c.mu.Lock()
	c.pauseRequested = false
	c.paused = true
	c.resumeC = make(chan struct{})
	resume := c.resumeC
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.RecordOperatorPause()
	}
	c.logger.Info("system paused, progress kept, enter start to continue")

	defer func() {
		c.mu.Lock()
		c.paused = false
		c.resumeC = nil
		c.mu.Unlock()
	}()

	select {
	case <-resume:
		// Stop also releases the resume channel; stop wins.
		if c.Stopped() {
			return errors.Wrap(errors.ErrStopped, "Coordinator", "WaitResume", "resume wait")
		}
		c.logger.Info("operator resumed")
		return nil
	case <-c.stopC:
		return errors.Wrap(errors.ErrStopped, "Coordinator", "WaitResume", "resume wait")
	case <-ctx.Done():
		return errors.Wrap(errors.ErrStopped, "Coordinator", "WaitResume", "resume wait")
	}
}

// CheckPause is the checkpoint hook for call sites where the arm is
// already at rest: it honors a pending stop, then blocks through a
// pending pause. Sites that need the arm parked first run the engine's
// pause iteration instead, which lands in WaitResume.
func (c *Coordinator) CheckPause(ctx context.Context) error {
	select {
	case <-c.stopC:
		return errors.Wrap(errors.ErrStopped, "Coordinator", "CheckPause", "checkpoint")
	default:
	}
	if !c.PausePending() {
		return nil
	}
	return c.WaitResume(ctx)
}

// WaitRackReplacement blocks until the operator confirms replacement.
// There is no timeout: the wait is human-paced. Only stop or ctx
// cancellation end it early. Confirmations sent before this call are
// not counted.
func (c *Coordinator) WaitRackReplacement(ctx context.Context, reason string) error {
	c.mu.Lock()
	c.replaceC = make(chan struct{})
	replaced := c.replaceC
	c.mu.Unlock()

	c.logger.Info("waiting for rack replacement, enter start when done", "reason", reason)

	defer func() {
		c.mu.Lock()
		c.replaceC = nil
		c.mu.Unlock()
	}()

	select {
	case <-replaced:
		if c.Stopped() {
			return errors.Wrap(errors.ErrStopped, "Coordinator", "WaitRackReplacement", "replacement wait")
		}
		c.logger.Info("rack replacement confirmed", "reason", reason)
		return nil
	case <-c.stopC:
		return errors.Wrap(errors.ErrStopped, "Coordinator", "WaitRackReplacement", "replacement wait")
	case <-ctx.Done():
		return errors.Wrap(errors.ErrStopped, "Coordinator", "WaitRackReplacement", "replacement wait")
	}
}
