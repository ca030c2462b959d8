// Package events publishes work-cell lifecycle events to the NATS bus
// for dashboards and downstream lab systems. Publishing is fire and
// forget through a bounded queue: a slow or absent broker never blocks
// the coordination loop, it only costs events.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nombers/test-sorter/errors"
	"github.com/nombers/test-sorter/inventory"
	"github.com/nombers/test-sorter/natsclient"
	"github.com/nombers/test-sorter/pkg/worker"
)

// Event kinds, one NATS subject each under {prefix}.events.{kind}.
const (
	KindCycleStarted   = "cycle_started"
	KindCycleCompleted = "cycle_completed"
	KindPhaseChanged   = "phase_changed"
	KindTubePlaced     = "tube_placed"
	KindRackFull       = "rack_full"
	KindRackReplaced   = "rack_replaced"
	KindOperatorPause  = "operator_pause"
	KindOperatorResume = "operator_resume"
	KindStopped        = "stopped"
)

const (
	publishWorkers = 1
	publishQueue   = 256
	publishTimeout = 5 * time.Second
)

// Envelope is the wire form of one event.
type Envelope struct {
	ID      string         `json:"id"`
	Kind    string         `json:"kind"`
	Time    time.Time      `json:"time"`
	CycleID string         `json:"cycle_id,omitempty"`
	Fields  map[string]any `json:"fields,omitempty"`
}

// sink is the slice of the NATS client the publisher needs.
type sink interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// Publisher queues envelopes and writes them to the bus from a single
// worker, preserving publish order. A Publisher built without a client
// accepts every call and publishes nothing.
type Publisher struct {
	conn    sink
	prefix  string
	pool    *worker.Pool[Envelope]
	logger  *slog.Logger
	dropped atomic.Int64
}

// NewPublisher builds a publisher on the given connection. A nil client
// yields a disabled publisher.
func NewPublisher(client *natsclient.Client, prefix string, logger *slog.Logger) *Publisher {
	p := &Publisher{
		prefix: prefix,
		logger: logger.With("component", "events"),
	}
	if client != nil {
		p.conn = client
		p.pool = worker.NewPool(publishWorkers, publishQueue, p.deliver)
	}
	return p
}

// newPublisherWithSink wires an arbitrary sink, for tests.
func newPublisherWithSink(conn sink, prefix string, logger *slog.Logger) *Publisher {
	p := &Publisher{
		conn:   conn,
		prefix: prefix,
		logger: logger.With("component", "events"),
	}
	p.pool = worker.NewPool(publishWorkers, publishQueue, p.deliver)
	return p
}

// Enabled reports whether events actually leave the process.
func (p *Publisher) Enabled() bool {
	return p != nil && p.conn != nil
}

// Name implements component.Lifecycle.
func (p *Publisher) Name() string { return "events" }

// Initialize implements component.Lifecycle.
func (p *Publisher) Initialize() error { return nil }

// Start launches the delivery worker.
func (p *Publisher) Start(ctx context.Context) error {
	if !p.Enabled() {
		return nil
	}
	return p.pool.Start(ctx)
}

// Stop drains and stops the delivery worker.
func (p *Publisher) Stop(timeout time.Duration) error {
	if !p.Enabled() {
		return nil
	}
	return p.pool.Stop(timeout)
}

// Dropped returns how many events were discarded because the queue was
// full.
func (p *Publisher) Dropped() int64 {
	if p == nil {
		return 0
	}
	return p.dropped.Load()
}

// Publish enqueues one event. Never blocks.
func (p *Publisher) Publish(kind, cycleID string, fields map[string]any) {
	if !p.Enabled() {
		return
	}
	env := Envelope{
		ID:      uuid.NewString(),
		Kind:    kind,
		Time:    time.Now().UTC(),
		CycleID: cycleID,
		Fields:  fields,
	}
	if err := p.pool.Submit(env); err != nil {
		if errors.Is(err, worker.ErrQueueFull) {
			n := p.dropped.Add(1)
			p.logger.Warn("event queue full, dropping", "kind", kind, "dropped_total", n)
			return
		}
		p.logger.Debug("event not queued", "kind", kind, "error", err)
	}
}

func (p *Publisher) deliver(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		p.logger.Error("event marshal failed", "kind", env.Kind, "error", err)
		return nil
	}
	subject := fmt.Sprintf("%s.events.%s", p.prefix, env.Kind)

	pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := p.conn.Publish(pubCtx, subject, data); err != nil {
		p.logger.Warn("event publish failed", "subject", subject, "error", err)
	}
	return nil
}

// CycleStarted announces a new sorting cycle.
func (p *Publisher) CycleStarted(cycleID string) {
	p.Publish(KindCycleStarted, cycleID, nil)
}

// CycleCompleted announces cycle totals.
func (p *Publisher) CycleCompleted(cycleID string, scanned, sorted, failed int) {
	p.Publish(KindCycleCompleted, cycleID, map[string]any{
		"scanned": scanned,
		"sorted":  sorted,
		"failed":  failed,
	})
}

// PhaseChanged announces a phase transition within a cycle.
func (p *Publisher) PhaseChanged(cycleID, phase string) {
	p.Publish(KindPhaseChanged, cycleID, map[string]any{"phase": phase})
}

// TubePlaced announces one completed placement.
func (p *Publisher) TubePlaced(cycleID string, tube *inventory.Tube) {
	p.Publish(KindTubePlaced, cycleID, map[string]any{
		"barcode":       tube.Barcode,
		"test_type":     string(tube.TestType),
		"source_pallet": tube.SourcePallet,
		"source_slot":   tube.SourceSlot,
		"dest_rack":     tube.DestRack,
		"dest_slot":     tube.DestSlot,
	})
}

// RackFull announces that a destination pair reached its target.
func (p *Publisher) RackFull(cycleID string, class inventory.TestType) {
	p.Publish(KindRackFull, cycleID, map[string]any{"class": string(class)})
}

// RackReplaced announces an operator-confirmed replacement.
func (p *Publisher) RackReplaced(cycleID, reason string) {
	p.Publish(KindRackReplaced, cycleID, map[string]any{"reason": reason})
}

// OperatorPause announces a pause taking effect.
func (p *Publisher) OperatorPause(cycleID string) {
	p.Publish(KindOperatorPause, cycleID, nil)
}

// OperatorResume announces a resume.
func (p *Publisher) OperatorResume(cycleID string) {
	p.Publish(KindOperatorResume, cycleID, nil)
}

// Stopped announces the coordination loop shutting down.
func (p *Publisher) Stopped(reason string) {
	p.Publish(KindStopped, "", map[string]any{"reason": reason})
}
