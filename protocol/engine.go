package protocol

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nombers/test-sorter/device"
	"github.com/nombers/test-sorter/errors"
	"github.com/nombers/test-sorter/inventory"
	"github.com/nombers/test-sorter/metric"
)

// Config holds the engine timing. Zero values fall back to the defaults
// below; the timeouts differ per wait class because a sort includes full
// arm motion while positioning is a short move.
type Config struct {
	PollInterval    time.Duration
	PositionTimeout time.Duration
	SortTimeout     time.Duration
	PauseTimeout    time.Duration
	ScanTimeout     time.Duration
}

// Engine timing defaults
const (
	DefaultPollInterval    = 100 * time.Millisecond
	DefaultPositionTimeout = 15 * time.Second
	DefaultSortTimeout     = 45 * time.Second
	DefaultPauseTimeout    = 30 * time.Second
	DefaultScanTimeout     = 5 * time.Second
)

func (c *Config) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.PositionTimeout <= 0 {
		c.PositionTimeout = DefaultPositionTimeout
	}
	if c.SortTimeout <= 0 {
		c.SortTimeout = DefaultSortTimeout
	}
	if c.PauseTimeout <= 0 {
		c.PauseTimeout = DefaultPauseTimeout
	}
	if c.ScanTimeout <= 0 {
		c.ScanTimeout = DefaultScanTimeout
	}
}

// Deps are the collaborators of the engine. Metrics and WaitResume are
// optional; a nil WaitResume makes pause iterations release immediately.
type Deps struct {
	Registers device.RegisterBank
	Scanner   device.Scanner
	Model     *inventory.Model
	Logger    *slog.Logger
	Metrics   *metric.CoreMetrics

	// WaitResume blocks while the cell is paused and returns once the
	// operator releases, or with an error when the run is stopped.
	WaitResume func(context.Context) error
}

// Engine drives the register handshake with the robot controller. It
// translates the three iteration kinds into fixed read/write sequences
// with a bounded poll at every wait point.
//
// The iteration-state register is started by the engine and completed by
// the controller, and the controller owns the reset back to ready. The
// engine never writes the ready value; the wait for ready at the head of
// the next iteration doubles as the confirmation read of that reset.
type Engine struct {
	cfg        Config
	regs       device.RegisterBank
	scanner    device.Scanner
	model      *inventory.Model
	logger     *slog.Logger
	metrics    *metric.CoreMetrics
	waitResume func(context.Context) error
}

// New validates the collaborators and returns a ready engine.
func New(cfg Config, deps Deps) (*Engine, error) {
	if deps.Registers == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Engine", "New", "register bank is required")
	}
	if deps.Scanner == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Engine", "New", "scanner is required")
	}
	if deps.Model == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Engine", "New", "inventory model is required")
	}
	cfg.applyDefaults()

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	waitResume := deps.WaitResume
	if waitResume == nil {
		waitResume = func(context.Context) error { return nil }
	}

	return &Engine{
		cfg:        cfg,
		regs:       deps.Registers,
		scanner:    deps.Scanner,
		model:      deps.Model,
		logger:     logger.With("component", "engine"),
		metrics:    deps.Metrics,
		waitResume: waitResume,
	}, nil
}

// RunScanGroup executes one scan iteration for a group of adjacent slots
// starting at firstSlot. The controller positions the group under the
// scanner, the engine reads the codes, acknowledges, and records every
// readable tube. It returns the number of tubes added to the model.
func (e *Engine) RunScanGroup(ctx context.Context, palletID, firstSlot, slots int) (int, error) {
	if slots <= 0 {
		return 0, errors.WrapInvalid(errors.ErrBadPayload, "Engine", "RunScanGroup",
			fmt.Sprintf("group size %d", slots))
	}
	start := time.Now()

	payload, err := EncodeScanGroup(ScanGroup{Pallet: palletID, FirstSlot: firstSlot})
	if err != nil {
		return 0, err
	}
	if err := e.start(ctx, IterScanning, SRegScanGroup, payload); err != nil {
		return 0, err
	}

	// The controller drives the group under the scanner and flips the
	// scan-status register.
	if err := e.waitIntNot(ctx, RegScanStatus, ScanAck, e.cfg.PositionTimeout, "scan position"); err != nil {
		e.abortIteration()
		return 0, err
	}

	codes, elapsed, err := e.scanner.Scan(e.cfg.ScanTimeout)
	if err != nil {
		e.abortIteration()
		return 0, errors.WrapFatal(err, "Engine", "RunScanGroup", "barcode read")
	}
	e.logger.Debug("scan group read",
		"pallet", palletID, "first_slot", firstSlot, "codes", len(codes), "elapsed", elapsed)

	// Acknowledge so the arm can leave the scan position.
	if err := e.regs.SetInt(ctx, RegScanStatus, ScanAck); err != nil {
		return 0, errors.WrapFatal(err, "Engine", "RunScanGroup", "acknowledge scan")
	}
	if err := e.waitCompleted(ctx, e.cfg.PositionTimeout, "scan complete"); err != nil {
		e.abortIteration()
		return 0, err
	}

	if len(codes) > slots {
		e.logger.Warn("more codes than slots in group, truncating",
			"pallet", palletID, "first_slot", firstSlot, "codes", len(codes), "slots", slots)
		codes = codes[:slots]
	}

	added := 0
	for i, code := range codes {
		if code == "" {
			continue
		}
		tube := inventory.NewTube(code, palletID, firstSlot+i)
		if e.model.AddScannedTube(palletID, tube) {
			added++
			if e.metrics != nil {
				e.metrics.RecordTubeScanned(palletID)
			}
		}
	}

	if e.metrics != nil {
		e.metrics.RecordIterationDuration("scan", time.Since(start))
	}
	return added, nil
}

// RunSort executes one sort iteration for a tube that is still in its
// pallet. The destination is resolved just before the motion; when no
// rack of the class can take the tube the iteration fails without any
// register writes and the caller enters wait mode.
//
// A grip-empty report from the controller means the slot held no tube; the
// iteration still completes but the model is left untouched and
// ErrGripEmpty is returned so the caller skips and continues. On a
// completion timeout the model is also untouched, because the tube is
// presumed not moved.
func (e *Engine) RunSort(ctx context.Context, tube *inventory.Tube) error {
	start := time.Now()

	if err := e.waitInt(ctx, RegIterState, StateReady, e.cfg.PositionTimeout, "ready"); err != nil {
		e.abortIteration()
		return err
	}

	rackID, ok := e.model.FindAvailableRack(tube.TestType)
	if !ok {
		return errors.Wrap(errors.ErrNoAvailableRack, "Engine", "RunSort", string(tube.TestType))
	}
	destSlot, err := e.model.NextFreeSlot(rackID)
	if err != nil {
		return err
	}

	mv := Movement{
		SourcePallet: tube.SourcePallet,
		SourceSlot:   tube.SourceSlot,
		DestRack:     rackID,
		DestSlot:     destSlot,
	}
	payload, err := EncodeMovement(mv)
	if err != nil {
		return err
	}
	if err := e.begin(ctx, IterSorting, SRegMovement, payload); err != nil {
		return err
	}

	gripEmpty, err := e.waitSortOutcome(ctx)
	if err != nil {
		e.abortIteration()
		return err
	}
	if gripEmpty {
		e.logger.Warn("no tube at source slot", "tube", tube.Barcode, "movement", mv.String())
		if e.metrics != nil {
			e.metrics.RecordTubeSkipped("grip_empty")
		}
		return errors.Wrap(errors.ErrGripEmpty, "Engine", "RunSort", tube.Barcode)
	}

	if err := e.model.AddTubeToRack(rackID, tube); err != nil {
		return err
	}
	if !e.model.MarkTubeSorted(tube.SourcePallet, tube.Barcode) {
		e.logger.Warn("sorted mark rejected after placement", "tube", tube.Barcode)
	}

	e.logger.Info("tube sorted", "tube", tube.Barcode, "class", tube.TestType, "movement", mv.String())
	if e.metrics != nil {
		e.metrics.RecordTubeSorted(rackID, string(tube.TestType))
		e.metrics.RecordRackFill(rackID, destSlot+1)
		e.metrics.RecordIterationDuration("sort", time.Since(start))
	}
	return nil
}

// RunPause executes one pause iteration: the controller parks the arm at
// home, the engine blocks on the operator resume signal, then releases
// the controller. While the pause-status register reports parked it is
// safe to physically handle racks.
func (e *Engine) RunPause(ctx context.Context) error {
	start := time.Now()

	if err := e.start(ctx, IterPause, 0, ""); err != nil {
		return err
	}
	if err := e.waitInt(ctx, RegPauseStatus, PauseParked, e.cfg.PauseTimeout, "pause park"); err != nil {
		e.abortIteration()
		return err
	}
	e.logger.Info("arm parked at home, racks safe to handle")

	if err := e.waitResume(ctx); err != nil {
		e.abortIteration()
		return errors.Wrap(errors.ErrPauseAborted, "Engine", "RunPause", err.Error())
	}

	if err := e.regs.SetInt(ctx, RegPauseStatus, PauseRelease); err != nil {
		return errors.WrapFatal(err, "Engine", "RunPause", "release pause")
	}
	if err := e.waitCompleted(ctx, e.cfg.PauseTimeout, "pause complete"); err != nil {
		e.abortIteration()
		return err
	}

	if e.metrics != nil {
		e.metrics.RecordIterationDuration("pause", time.Since(start))
	}
	return nil
}

// start waits for the controller to be ready, then kicks off an iteration
// of the given type. A payload register of zero means the iteration
// carries no payload.
func (e *Engine) start(ctx context.Context, iterType string, payloadReg int, payload string) error {
	if err := e.waitInt(ctx, RegIterState, StateReady, e.cfg.PositionTimeout, "ready"); err != nil {
		e.abortIteration()
		return err
	}
	return e.begin(ctx, iterType, payloadReg, payload)
}

// begin kicks off an iteration assuming ready was already observed.
// Payload and type are written before the started flag so the controller
// never reads a half-written command.
func (e *Engine) begin(ctx context.Context, iterType string, payloadReg int, payload string) error {
	if payloadReg != 0 {
		if err := e.regs.SetString(ctx, payloadReg, payload); err != nil {
			return errors.WrapFatal(err, "Engine", "begin", "write payload")
		}
	}
	if err := e.regs.SetString(ctx, SRegIterType, iterType); err != nil {
		return errors.WrapFatal(err, "Engine", "begin", "write iteration type")
	}
	if err := e.regs.SetInt(ctx, RegIterState, StateStarted); err != nil {
		return errors.WrapFatal(err, "Engine", "begin", "write started")
	}
	return nil
}

// waitSortOutcome polls for completion of a sort iteration under the long
// motion timeout. The grip report stays set until the controller starts
// the next sort, so one read after completion is authoritative for the
// empty-slot outcome.
func (e *Engine) waitSortOutcome(ctx context.Context) (gripEmpty bool, err error) {
	deadline := time.Now().Add(e.cfg.SortTimeout)
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		state, err := e.regs.GetInt(ctx, RegIterState)
		if err != nil {
			return false, errors.WrapFatal(err, "Engine", "waitSortOutcome", "read iteration state")
		}
		if state == StateCompleted || state == StateReady {
			grip, err := e.regs.GetInt(ctx, RegGripStatus)
			if err != nil {
				return false, errors.WrapFatal(err, "Engine", "waitSortOutcome", "read grip status")
			}
			return grip == GripEmpty, nil
		}

		if time.Now().After(deadline) {
			e.recordTimeout("sort complete", RegIterState, state)
			return false, errors.WrapTransient(errors.ErrTimeout, "Engine", "waitSortOutcome", "sort complete")
		}
		select {
		case <-ctx.Done():
			return false, errors.Wrap(errors.ErrStopped, "Engine", "waitSortOutcome", "sort complete")
		case <-ticker.C:
		}
	}
}

// waitInt polls until the register holds want, bounded by the deadline and
// the global stop.
func (e *Engine) waitInt(ctx context.Context, reg, want int, timeout time.Duration, what string) error {
	return e.poll(ctx, reg, timeout, what, func(v int) bool { return v == want })
}

// waitCompleted waits for the controller to finish the running iteration.
// The controller holds the completed value only briefly before its own
// reset, so observing ready after the started write also proves the
// iteration finished.
func (e *Engine) waitCompleted(ctx context.Context, timeout time.Duration, what string) error {
	return e.poll(ctx, RegIterState, timeout, what, func(v int) bool {
		return v == StateCompleted || v == StateReady
	})
}

// waitIntNot polls until the register holds anything but not, used for the
// positioned pulse whose exact value is controller revision dependent.
func (e *Engine) waitIntNot(ctx context.Context, reg, not int, timeout time.Duration, what string) error {
	return e.poll(ctx, reg, timeout, what, func(v int) bool { return v != not })
}

func (e *Engine) poll(ctx context.Context, reg int, timeout time.Duration, what string, done func(int) bool) error {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		v, err := e.regs.GetInt(ctx, reg)
		if err != nil {
			return errors.WrapFatal(err, "Engine", "poll", "read register "+what)
		}
		if done(v) {
			return nil
		}
		if time.Now().After(deadline) {
			e.recordTimeout(what, reg, v)
			return errors.WrapTransient(errors.ErrTimeout, "Engine", "poll", what)
		}
		select {
		case <-ctx.Done():
			return errors.Wrap(errors.ErrStopped, "Engine", "poll", what)
		case <-ticker.C:
		}
	}
}

func (e *Engine) recordTimeout(what string, reg, last int) {
	e.logger.Warn("register wait deadline exceeded", "wait", what, "register", reg, "last", last)
	if e.metrics != nil {
		e.metrics.RecordProtocolTimeout(what)
	}
}

// abortIteration clears the iteration type so the controller is not left
// expecting a stale command. It runs on its own short deadline because
// the caller's context may already be cancelled.
func (e *Engine) abortIteration() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := e.regs.SetString(ctx, SRegIterType, IterNone); err != nil {
		e.logger.Error("failed to reset iteration type", "error", err)
	}
}
