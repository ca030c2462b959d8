// Package orchestrator runs the work cell: one coordination goroutine
// drives the handshake engine through scan, resolve, sort and wait
// phases, cycle after cycle, until the operator stops the system. No
// other goroutine touches the inventory model or the registers.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nombers/test-sorter/audit"
	"github.com/nombers/test-sorter/device"
	"github.com/nombers/test-sorter/errors"
	"github.com/nombers/test-sorter/events"
	"github.com/nombers/test-sorter/inventory"
	"github.com/nombers/test-sorter/metric"
	"github.com/nombers/test-sorter/operator"
	"github.com/nombers/test-sorter/protocol"
	"github.com/nombers/test-sorter/resolver"
)

// Phases of one sorting cycle, as reported to the operator and the
// gateway.
const (
	PhaseIdle      = "idle"
	PhaseScanning  = "scanning"
	PhaseResolving = "resolving"
	PhaseSorting   = "sorting"
	PhaseWaiting   = "waiting_replacement"
)

// The controller needs a beat between program operations; these mirror
// the pacing the deployed cell runs with.
const (
	prepareSettle = 500 * time.Millisecond
	programSettle = time.Second
	scanRowWidth  = 5
	scanGroupHead = 3
)

// Config carries the cycle parameters.
type Config struct {
	// Program is the controller-side program started during prepare.
	Program string

	// SourcePallets is the number of input pallets scanned per cycle.
	SourcePallets int

	// PalletSize is the slot count of one pallet, a multiple of five.
	PalletSize int
}

// Deps collects the orchestrator's collaborators. Events and Audit may
// be nil.
type Deps struct {
	Controller device.Controller
	Engine     *protocol.Engine
	Model      *inventory.Model
	Resolver   resolver.Resolver
	Coord      *operator.Coordinator
	Events     *events.Publisher
	Audit      *audit.Store
	Logger     *slog.Logger
	Metrics    *metric.CoreMetrics
}

// Orchestrator owns the coordination goroutine.
type Orchestrator struct {
	cfg        Config
	controller device.Controller
	engine     *protocol.Engine
	model      *inventory.Model
	resolver   resolver.Resolver
	coord      *operator.Coordinator
	events     *events.Publisher
	audit      *audit.Store
	logger     *slog.Logger
	metrics    *metric.CoreMetrics

	// settle pacing between controller program operations, shortened in
	// tests
	prepareDelay time.Duration
	programDelay time.Duration

	mu            sync.Mutex
	phase         string
	cycleID       string
	fullAnnounced map[inventory.TestType]bool
	runErr        error

	started bool
	done    chan struct{}
}

// New validates the wiring and returns an idle orchestrator.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	switch {
	case cfg.Program == "":
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Orchestrator", "New", "program name is required")
	case cfg.SourcePallets <= 0:
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Orchestrator", "New", "source pallet count must be positive")
	case cfg.PalletSize <= 0 || cfg.PalletSize%scanRowWidth != 0:
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Orchestrator", "New", "pallet size must be a positive multiple of five")
	case deps.Controller == nil:
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Orchestrator", "New", "controller is required")
	case deps.Engine == nil:
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Orchestrator", "New", "engine is required")
	case deps.Model == nil:
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Orchestrator", "New", "inventory model is required")
	case deps.Resolver == nil:
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Orchestrator", "New", "resolver is required")
	case deps.Coord == nil:
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Orchestrator", "New", "coordinator is required")
	case deps.Logger == nil:
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Orchestrator", "New", "logger is required")
	}

	return &Orchestrator{
		cfg:           cfg,
		controller:    deps.Controller,
		engine:        deps.Engine,
		model:         deps.Model,
		resolver:      deps.Resolver,
		coord:         deps.Coord,
		events:        deps.Events,
		audit:         deps.Audit,
		logger:        deps.Logger.With("component", "orchestrator"),
		metrics:       deps.Metrics,
		prepareDelay:  prepareSettle,
		programDelay:  programSettle,
		phase:         PhaseIdle,
		fullAnnounced: make(map[inventory.TestType]bool),
		done:          make(chan struct{}),
	}, nil
}

// Name implements component.Lifecycle.
func (o *Orchestrator) Name() string { return "orchestrator" }

// Initialize implements component.Lifecycle.
func (o *Orchestrator) Initialize() error { return nil }

// Start prepares the robot and launches the coordination goroutine.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return errors.ErrAlreadyStarted
	}
	o.started = true
	o.mu.Unlock()

	if err := o.prepare(ctx); err != nil {
		o.mu.Lock()
		o.started = false
		o.mu.Unlock()
		return err
	}
	go o.run(ctx)
	return nil
}

// Stop signals the coordinator and joins the coordination goroutine.
func (o *Orchestrator) Stop(timeout time.Duration) error {
	o.coord.Stop()

	o.mu.Lock()
	started := o.started
	o.mu.Unlock()
	if !started {
		return nil
	}

	select {
	case <-o.done:
	case <-time.After(timeout):
		return errors.WrapTransient(errors.ErrConnectionTimeout, "Orchestrator", "Stop", "join coordination loop")
	}

	ctx, cancel := context.WithTimeout(context.Background(), prepareSettle)
	defer cancel()
	if err := o.controller.StopAllPrograms(ctx); err != nil {
		o.logger.Warn("stopping controller programs failed", "error", err)
	}
	return nil
}

// Done closes when the coordination goroutine has exited.
func (o *Orchestrator) Done() <-chan struct{} { return o.done }

// Err reports why the coordination goroutine exited, nil for a clean
// operator stop.
func (o *Orchestrator) Err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.runErr
}

// Phase reports the current cycle phase.
func (o *Orchestrator) Phase() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.phase
}

// CycleID reports the current cycle id, empty before the first cycle.
func (o *Orchestrator) CycleID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cycleID
}

// prepare brings the controller into a known state: nothing running, no
// latched faults, the sorting program started, the cycle light on.
func (o *Orchestrator) prepare(ctx context.Context) error {
	o.logger.Info("preparing robot", "program", o.cfg.Program)

	if err := o.controller.StopAllPrograms(ctx); err != nil {
		return errors.WrapFatal(err, "Orchestrator", "prepare", "stop running programs")
	}
	if err := o.settle(ctx, o.prepareDelay); err != nil {
		return err
	}
	if err := o.controller.ResetErrors(ctx); err != nil {
		return errors.WrapFatal(err, "Orchestrator", "prepare", "reset controller errors")
	}
	if err := o.settle(ctx, o.prepareDelay); err != nil {
		return err
	}
	if err := o.controller.StartProgram(ctx, o.cfg.Program); err != nil {
		return errors.WrapFatal(err, "Orchestrator", "prepare", "start program "+o.cfg.Program)
	}
	if err := o.settle(ctx, o.programDelay); err != nil {
		return err
	}
	if err := o.controller.WriteOutput(ctx, device.OutputCycleActive, true); err != nil {
		o.logger.Warn("cycle light not set", "error", err)
	}

	o.logger.Info("robot ready")
	return nil
}

func (o *Orchestrator) settle(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return errors.Wrap(errors.ErrStopped, "Orchestrator", "prepare", "settle wait")
	}
}

// run is the coordination goroutine.
func (o *Orchestrator) run(ctx context.Context) {
	defer close(o.done)
	defer o.lightOff()
	defer o.setPhase("", PhaseIdle)

	for {
		if err := o.coord.CheckPause(ctx); err != nil {
			o.exit("operator stop", nil)
			return
		}

		err := o.runCycle(ctx)
		switch {
		case err == nil:
		case errors.Is(err, errors.ErrStopped), errors.Is(err, errors.ErrPauseAborted):
			o.exit("operator stop", nil)
			return
		case errors.IsFatal(err):
			o.coord.Stop()
			o.exit(err.Error(), err)
			return
		default:
			// Transient cycle failure; the next cycle starts from the
			// inventory as it stands.
			o.logger.Error("cycle failed", "error", err)
		}
	}
}

func (o *Orchestrator) exit(reason string, err error) {
	if err != nil {
		o.logger.Error("coordination loop stopping", "reason", reason)
	} else {
		o.logger.Info("coordination loop stopping", "reason", reason)
	}
	o.mu.Lock()
	o.runErr = err
	o.mu.Unlock()
	o.events.Stopped(reason)
}

func (o *Orchestrator) lightOff() {
	ctx, cancel := context.WithTimeout(context.Background(), prepareSettle)
	defer cancel()
	if err := o.controller.WriteOutput(ctx, device.OutputCycleActive, false); err != nil {
		o.logger.Debug("cycle light not cleared", "error", err)
	}
}

// runCycle performs one full pass: scan both pallets, resolve types,
// sort every tube, then hold for fresh pallets.
func (o *Orchestrator) runCycle(ctx context.Context) error {
	if err := o.admission(ctx); err != nil {
		return err
	}

	cycleID := uuid.NewString()
	o.setPhase(cycleID, PhaseScanning)
	o.logger.Info("cycle started", "cycle", cycleID)
	o.events.CycleStarted(cycleID)
	o.audit.RecordCycleStart(cycleID)

	scanned, err := o.scanPhase(ctx)
	if err != nil {
		return err
	}
	if scanned == 0 {
		o.logger.Info("pallets empty, nothing to sort", "cycle", cycleID)
	}

	o.setPhase(cycleID, PhaseResolving)
	o.events.PhaseChanged(cycleID, PhaseResolving)
	o.resolvePhase(ctx)

	o.setPhase(cycleID, PhaseSorting)
	o.events.PhaseChanged(cycleID, PhaseSorting)
	sorted, failed, err := o.sortPhase(ctx, cycleID)
	if err != nil {
		return err
	}

	if o.metrics != nil {
		o.metrics.RecordCycleComplete()
	}
	o.audit.RecordCycleEnd(cycleID, scanned, sorted, failed)
	o.events.CycleCompleted(cycleID, scanned, sorted, failed)
	o.logger.Info("cycle complete", "cycle", cycleID,
		"scanned", scanned, "sorted", sorted, "failed", failed)

	// Sorted tubes have physically left the pallets; drop them from the
	// model so status shows only what remains on the bench.
	o.model.ClearSortedTubes()

	o.setPhase(cycleID, PhaseWaiting)
	o.events.PhaseChanged(cycleID, PhaseWaiting)
	if err := o.coord.WaitRackReplacement(ctx, "source pallets exhausted"); err != nil {
		return err
	}
	o.model.ResetAllSourcePallets()
	o.events.RackReplaced(cycleID, "source pallets exhausted")
	return nil
}

// admission holds the cycle until at least one destination rack can
// take a tube, so the cell never scans fifty tubes it cannot place.
func (o *Orchestrator) admission(ctx context.Context) error {
	if o.destinationsAvailable() {
		return nil
	}

	o.logger.Warn("no destination rack accepts any class, waiting for replacement")
	o.setPhase(o.CycleID(), PhaseWaiting)
	if err := o.coord.WaitRackReplacement(ctx, "all destination racks full"); err != nil {
		return err
	}
	for _, t := range inventory.SortableTypes() {
		if o.model.PairReachedTarget(t) {
			o.model.ResetRackPair(t)
			o.clearFullAnnounce(t)
		}
	}
	return nil
}

// destinationsAvailable reports whether any class still has a rack
// worth sorting into. A pair that reached its replacement target is
// done even when its racks have slots left; those slots are overflow
// for when the other classes keep a cycle going.
func (o *Orchestrator) destinationsAvailable() bool {
	for _, t := range inventory.SortableTypes() {
		if !o.model.HasAvailableRack(t) {
			continue
		}
		if o.model.PairReachedTarget(t) {
			continue
		}
		return true
	}
	return false
}

// scanPhase walks every pallet row by row, three slots then two, and
// registers what the scanner saw.
func (o *Orchestrator) scanPhase(ctx context.Context) (int, error) {
	total := 0
	for pallet := 0; pallet < o.cfg.SourcePallets; pallet++ {
		o.model.SetPalletBusy(pallet, true)
		n, err := o.scanPallet(ctx, pallet)
		o.model.SetPalletBusy(pallet, false)
		total += n
		if err != nil {
			return total, err
		}
		o.logger.Info("pallet scanned", "pallet", pallet, "tubes", n)
	}
	return total, nil
}

func (o *Orchestrator) scanPallet(ctx context.Context, pallet int) (int, error) {
	added := 0
	for first := 0; first < o.cfg.PalletSize; first += scanRowWidth {
		for _, group := range [2][2]int{{first, scanGroupHead}, {first + scanGroupHead, scanRowWidth - scanGroupHead}} {
			if err := o.checkpoint(ctx); err != nil {
				return added, err
			}
			n, err := o.engine.RunScanGroup(ctx, pallet, group[0], group[1])
			added += n
			if err != nil {
				return added, err
			}
		}
	}
	return added, nil
}

// resolvePhase asks the LIS for every unsorted tube in one batch and
// merges the answers back single-threaded.
func (o *Orchestrator) resolvePhase(ctx context.Context) int {
	tubes := o.model.UnsortedTubes()
	if len(tubes) == 0 {
		return 0
	}
	barcodes := make([]string, 0, len(tubes))
	for _, t := range tubes {
		barcodes = append(barcodes, t.Barcode)
	}

	types := o.resolver.ResolveBatch(ctx, barcodes)
	updated := o.model.SetTestTypes(types)
	o.logger.Info("test types assigned", "tubes", updated)
	return updated
}

// sortPhase moves every sortable tube, one sort iteration at a time.
func (o *Orchestrator) sortPhase(ctx context.Context, cycleID string) (sorted, failed int, err error) {
	tubes := o.model.UnsortedTubes()
	o.logger.Info("sorting", "tubes", len(tubes))

	for _, tube := range tubes {
		if err := o.checkpoint(ctx); err != nil {
			return sorted, failed, err
		}

		if !tube.TestType.Sortable() {
			o.logger.Warn("tube held back", "barcode", tube.Barcode, "type", tube.TestType)
			if o.metrics != nil {
				o.metrics.RecordTubeSkipped(string(tube.TestType))
			}
			failed++
			continue
		}

		switch err := o.sortTube(ctx, cycleID, tube); {
		case err == nil:
			sorted++
			o.audit.RecordPlacement(cycleID, tube)
			o.events.TubePlaced(cycleID, tube)
			o.retirePairAtTarget(cycleID, tube.TestType)
		case errors.Is(err, errors.ErrStopped), errors.Is(err, errors.ErrPauseAborted):
			return sorted, failed, err
		case errors.IsFatal(err):
			return sorted, failed, err
		default:
			// Timeout, empty slot or a class with no rack; the tube
			// stays where it is.
			failed++
		}
	}
	return sorted, failed, nil
}

// sortTube runs one sort iteration, entering replacement wait-mode when
// the tube's destination pair is exhausted.
func (o *Orchestrator) sortTube(ctx context.Context, cycleID string, tube *inventory.Tube) error {
	for {
		err := o.engine.RunSort(ctx, tube)
		if err == nil || !errors.Is(err, errors.ErrNoAvailableRack) {
			return err
		}
		if !o.hasRackForClass(tube.TestType) {
			o.logger.Warn("no rack configured for class", "type", tube.TestType, "barcode", tube.Barcode)
			return err
		}
		if err := o.replaceRackPair(ctx, cycleID, tube.TestType); err != nil {
			return err
		}
	}
}

// replaceRackPair parks the cycle until the operator swaps the full
// destination pair.
func (o *Orchestrator) replaceRackPair(ctx context.Context, cycleID string, class inventory.TestType) error {
	o.model.MarkPairWaitingReplace(class)
	o.events.RackFull(cycleID, class)
	o.setPhase(cycleID, PhaseWaiting)
	o.events.PhaseChanged(cycleID, PhaseWaiting)

	reason := fmt.Sprintf("destination racks for %s full", class)
	if err := o.coord.WaitRackReplacement(ctx, reason); err != nil {
		return err
	}

	cleared := o.model.ResetRackPair(class)
	o.clearFullAnnounce(class)
	o.events.RackReplaced(cycleID, reason)
	o.logger.Info("destination pair back in service", "class", class, "racks", cleared)

	o.setPhase(cycleID, PhaseSorting)
	o.events.PhaseChanged(cycleID, PhaseSorting)
	return nil
}

// checkpoint is called between atomic iterations: it observes stop and
// runs the robot's pause iteration when the operator asked for one.
func (o *Orchestrator) checkpoint(ctx context.Context) error {
	if o.coord.Stopped() || ctx.Err() != nil {
		return errors.Wrap(errors.ErrStopped, "Orchestrator", "checkpoint", "stop observed")
	}
	if !o.coord.PausePending() {
		return nil
	}

	cycleID := o.CycleID()
	o.events.OperatorPause(cycleID)
	if err := o.engine.RunPause(ctx); err != nil {
		return err
	}
	o.events.OperatorResume(cycleID)
	return nil
}

// retirePairAtTarget takes a destination pair out of service once it
// reaches its replacement target. The next tube of the class then finds
// no rack and parks the cycle in replacement wait-mode.
func (o *Orchestrator) retirePairAtTarget(cycleID string, class inventory.TestType) {
	if !o.model.PairReachedTarget(class) {
		return
	}
	o.mu.Lock()
	announced := o.fullAnnounced[class]
	o.fullAnnounced[class] = true
	o.mu.Unlock()
	if announced {
		return
	}
	o.model.MarkPairWaitingReplace(class)
	o.logger.Info("destination pair reached target, held for replacement", "class", class)
	o.events.RackFull(cycleID, class)
}

func (o *Orchestrator) clearFullAnnounce(class inventory.TestType) {
	o.mu.Lock()
	delete(o.fullAnnounced, class)
	o.mu.Unlock()
}

func (o *Orchestrator) hasRackForClass(t inventory.TestType) bool {
	for _, r := range o.model.Snapshot().Racks {
		if r.Class == t {
			return true
		}
	}
	return false
}

func (o *Orchestrator) setPhase(cycleID, phase string) {
	o.mu.Lock()
	o.phase = phase
	if cycleID != "" {
		o.cycleID = cycleID
	}
	o.mu.Unlock()
}

// StatusText renders the operator-facing status block.
func (o *Orchestrator) StatusText() string {
	snap := o.model.Snapshot()
	var b strings.Builder

	fmt.Fprintf(&b, "phase: %s\n", o.Phase())
	fmt.Fprintf(&b, "tubes: %d scanned, %d sorted\n", snap.TotalScanned, snap.TotalSorted)
	for _, p := range snap.Pallets {
		busy := ""
		if p.Busy {
			busy = " (scanning)"
		}
		fmt.Fprintf(&b, "  pallet %d: %d tubes, %d sorted%s\n", p.ID, p.Scanned, p.Sorted, busy)
	}
	for _, r := range snap.Racks {
		fmt.Fprintf(&b, "  rack %d [%s]: %d/%d target %d, %s\n",
			r.ID, r.Class, r.Count, r.Max, r.Target, r.Status)
	}
	return strings.TrimRight(b.String(), "\n")
}
