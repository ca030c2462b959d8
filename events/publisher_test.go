package events

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nombers/test-sorter/inventory"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type captured struct {
	subject string
	data    []byte
}

type captureSink struct {
	mu   sync.Mutex
	msgs []captured
}

func (s *captureSink) Publish(_ context.Context, subject string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, captured{subject: subject, data: data})
	return nil
}

func (s *captureSink) all() []captured {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]captured(nil), s.msgs...)
}

func startedPublisher(t *testing.T, conn sink) *Publisher {
	t.Helper()
	p := newPublisherWithSink(conn, "tubesort", discardLogger())
	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(func() { _ = p.Stop(time.Second) })
	return p
}

func TestPublisher_DeliversEnvelope(t *testing.T) {
	bus := &captureSink{}
	p := startedPublisher(t, bus)

	tube := inventory.NewTube("S100", 0, 7)
	tube.TestType = inventory.TypeUGI
	tube.DestRack = 3
	tube.DestSlot = 12
	p.TubePlaced("cycle-1", tube)

	require.Eventually(t, func() bool { return len(bus.all()) == 1 }, time.Second, time.Millisecond)

	msg := bus.all()[0]
	assert.Equal(t, "tubesort.events.tube_placed", msg.subject)

	var env Envelope
	require.NoError(t, json.Unmarshal(msg.data, &env))
	assert.Equal(t, KindTubePlaced, env.Kind)
	assert.Equal(t, "cycle-1", env.CycleID)
	assert.False(t, env.Time.IsZero())
	_, err := uuid.Parse(env.ID)
	assert.NoError(t, err)
	assert.Equal(t, "S100", env.Fields["barcode"])
	assert.Equal(t, "pcr-1", env.Fields["test_type"])
	assert.EqualValues(t, 3, env.Fields["dest_rack"])
	assert.EqualValues(t, 12, env.Fields["dest_slot"])
}

func TestPublisher_OrderPreserved(t *testing.T) {
	bus := &captureSink{}
	p := startedPublisher(t, bus)

	p.CycleStarted("c1")
	p.PhaseChanged("c1", "scanning")
	p.PhaseChanged("c1", "sorting")
	p.CycleCompleted("c1", 10, 9, 1)

	require.Eventually(t, func() bool { return len(bus.all()) == 4 }, time.Second, time.Millisecond)

	var kinds []string
	for _, msg := range bus.all() {
		var env Envelope
		require.NoError(t, json.Unmarshal(msg.data, &env))
		kinds = append(kinds, env.Kind)
	}
	assert.Equal(t, []string{KindCycleStarted, KindPhaseChanged, KindPhaseChanged, KindCycleCompleted}, kinds)
}

func TestPublisher_CycleCompletedFields(t *testing.T) {
	bus := &captureSink{}
	p := startedPublisher(t, bus)

	p.CycleCompleted("c1", 50, 47, 3)

	require.Eventually(t, func() bool { return len(bus.all()) == 1 }, time.Second, time.Millisecond)

	var env Envelope
	require.NoError(t, json.Unmarshal(bus.all()[0].data, &env))
	assert.EqualValues(t, 50, env.Fields["scanned"])
	assert.EqualValues(t, 47, env.Fields["sorted"])
	assert.EqualValues(t, 3, env.Fields["failed"])
}

func TestPublisher_Disabled(t *testing.T) {
	p := NewPublisher(nil, "tubesort", discardLogger())

	assert.False(t, p.Enabled())
	require.NoError(t, p.Start(context.Background()))

	p.CycleStarted("c1")
	p.Stopped("shutdown")

	assert.Zero(t, p.Dropped())
	require.NoError(t, p.Stop(time.Second))
}

type blockingSink struct {
	release chan struct{}
}

func (s *blockingSink) Publish(_ context.Context, _ string, _ []byte) error {
	<-s.release
	return nil
}

func TestPublisher_DropsWhenQueueFull(t *testing.T) {
	bus := &blockingSink{release: make(chan struct{})}
	p := startedPublisher(t, bus)

	for i := 0; i < publishQueue+10; i++ {
		p.Publish(KindPhaseChanged, "c1", nil)
	}

	assert.Positive(t, p.Dropped())
	close(bus.release)
}
