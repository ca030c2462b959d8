package protocol

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nombers/test-sorter/device"
	"github.com/nombers/test-sorter/errors"
)

// simTick is the poll interval of the simulated controller program.
const simTick = time.Millisecond

// simWaitLimit bounds the simulator's internal waits so a broken handshake
// cannot hang its goroutine.
const simWaitLimit = 30 * time.Second

// SimConfig tunes the simulated cell.
type SimConfig struct {
	// PalletSize is the slot count of each simulated pallet.
	PalletSize int

	// Latency is the simulated motion time per controller action.
	Latency time.Duration

	// CompleteHold is how long the completed state stays visible before
	// the controller resets to ready.
	CompleteHold time.Duration

	Logger *slog.Logger
}

func (c *SimConfig) applyDefaults() {
	if c.PalletSize <= 0 {
		c.PalletSize = 50
	}
	if c.Latency <= 0 {
		c.Latency = 10 * time.Millisecond
	}
	if c.CompleteHold <= 0 {
		c.CompleteHold = 20 * time.Millisecond
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// IntWrite is one externally written integer register value, recorded so
// tests can assert who touches which register.
type IntWrite struct {
	Reg   int
	Value int
}

// Sim is an in-memory robot controller that runs the controller side of
// the register handshake in a goroutine: it executes started iterations,
// reports completion, and owns the reset back to ready. Tubes move between
// simulated pallets and racks so end-to-end runs can be verified without
// hardware. It backs the --sim mode of the daemon and the engine tests.
type Sim struct {
	mu     sync.Mutex
	cfg    SimConfig
	logger *slog.Logger

	connected   bool
	program     string
	errorResets int

	intRegs map[int]int
	strRegs map[int]string
	inputs  map[int]bool
	outputs map[int]bool

	pallets map[int]map[int]string
	racks   map[int]map[int]string

	group      ScanGroup
	positioned bool

	writes []IntWrite

	stopCh   chan struct{}
	loopDone chan struct{}
}

var _ device.Controller = (*Sim)(nil)

// NewSim creates a simulated cell with empty pallets and racks.
func NewSim(cfg SimConfig) *Sim {
	cfg.applyDefaults()
	return &Sim{
		cfg:     cfg,
		logger:  cfg.Logger.With("component", "sim"),
		intRegs: make(map[int]int),
		strRegs: make(map[int]string),
		inputs:  make(map[int]bool),
		outputs: make(map[int]bool),
		pallets: make(map[int]map[int]string),
		racks:   make(map[int]map[int]string),
	}
}

// LoadPallet fills a simulated pallet, one entry per slot starting at
// zero. Empty strings leave the slot empty.
func (s *Sim) LoadPallet(pallet int, codes []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	slots := make(map[int]string, len(codes))
	for i, code := range codes {
		if code != "" && i < s.cfg.PalletSize {
			slots[i] = code
		}
	}
	s.pallets[pallet] = slots
}

// RemoveTube takes a tube out of a pallet slot, simulating a tube that
// disappeared between scan and sort.
func (s *Sim) RemoveTube(pallet, slot int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pallets[pallet], slot)
}

// PalletTube reports the barcode sitting in a pallet slot.
func (s *Sim) PalletTube(pallet, slot int) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	code, ok := s.pallets[pallet][slot]
	return code, ok
}

// RackTube reports the barcode placed in a rack slot.
func (s *Sim) RackTube(rack, slot int) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	code, ok := s.racks[rack][slot]
	return code, ok
}

// RackCount reports how many tubes a simulated rack holds.
func (s *Sim) RackCount(rack int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.racks[rack])
}

// IntWrites returns a copy of every integer register write made through
// the external SetInt surface.
func (s *Sim) IntWrites() []IntWrite {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]IntWrite, len(s.writes))
	copy(out, s.writes)
	return out
}

// ErrorResets reports how many times controller errors were reset.
func (s *Sim) ErrorResets() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errorResets
}

// RunningProgram reports the active controller program, empty when
// stopped.
func (s *Sim) RunningProgram() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.program
}

// Connect brings the simulated controller link up.
func (s *Sim) Connect(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = true
	return nil
}

// Close stops any running program and drops the link.
func (s *Sim) Close() error {
	if err := s.StopAllPrograms(context.Background()); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	return nil
}

// StartProgram clears the register file and starts the controller loop.
func (s *Sim) StartProgram(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return errors.Wrap(errors.ErrNotConnected, "Sim", "StartProgram", name)
	}
	if s.program != "" {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Sim", "StartProgram", s.program)
	}

	s.intRegs = make(map[int]int)
	s.strRegs = make(map[int]string)
	s.positioned = false
	s.program = name
	s.stopCh = make(chan struct{})
	s.loopDone = make(chan struct{})

	go s.controllerLoop(s.stopCh, s.loopDone)
	s.logger.Info("controller program started", "program", name)
	return nil
}

// StopAllPrograms stops the controller loop and waits for it to exit.
func (s *Sim) StopAllPrograms(_ context.Context) error {
	s.mu.Lock()
	if s.program == "" {
		s.mu.Unlock()
		return nil
	}
	stopCh, loopDone := s.stopCh, s.loopDone
	s.program = ""
	s.mu.Unlock()

	close(stopCh)
	<-loopDone
	return nil
}

// ResetErrors clears simulated controller alarms.
func (s *Sim) ResetErrors(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return errors.Wrap(errors.ErrNotConnected, "Sim", "ResetErrors", "reset")
	}
	s.errorResets++
	return nil
}

// ReadInput reads a simulated digital input pin.
func (s *Sim) ReadInput(_ context.Context, index int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return false, errors.Wrap(errors.ErrNotConnected, "Sim", "ReadInput", "read")
	}
	return s.inputs[index], nil
}

// WriteOutput writes a simulated digital output pin.
func (s *Sim) WriteOutput(_ context.Context, index int, value bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return errors.Wrap(errors.ErrNotConnected, "Sim", "WriteOutput", "write")
	}
	s.outputs[index] = value
	return nil
}

// Output reports a digital output pin, for test assertions.
func (s *Sim) Output(index int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outputs[index]
}

// SetInput drives a simulated digital input pin.
func (s *Sim) SetInput(index int, value bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inputs[index] = value
}

// GetInt reads an integer register.
func (s *Sim) GetInt(_ context.Context, index int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return 0, errors.Wrap(errors.ErrNotConnected, "Sim", "GetInt", "read")
	}
	return s.intRegs[index], nil
}

// SetInt writes an integer register and records the write.
func (s *Sim) SetInt(_ context.Context, index, value int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return errors.Wrap(errors.ErrNotConnected, "Sim", "SetInt", "write")
	}
	s.intRegs[index] = value
	s.writes = append(s.writes, IntWrite{Reg: index, Value: value})
	return nil
}

// GetString reads a string register.
func (s *Sim) GetString(_ context.Context, index int) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return "", errors.Wrap(errors.ErrNotConnected, "Sim", "GetString", "read")
	}
	return s.strRegs[index], nil
}

// SetString writes a string register.
func (s *Sim) SetString(_ context.Context, index int, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return errors.Wrap(errors.ErrNotConnected, "Sim", "SetString", "write")
	}
	s.strRegs[index] = value
	return nil
}

// Scanner returns the simulated bench scanner. It reads the pallet group
// currently positioned under it, one entry per slot in view, empty string
// for an empty slot.
func (s *Sim) Scanner() device.Scanner {
	return &simScanner{sim: s}
}

// internal register access, no connectivity guard, no write log

func (s *Sim) intReg(index int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.intRegs[index]
}

func (s *Sim) setIntReg(index, value int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.intRegs[index] = value
}

func (s *Sim) strReg(index int) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.strRegs[index]
}

// controllerLoop executes started iterations until the program stops.
func (s *Sim) controllerLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		case <-time.After(simTick):
		}
		if s.intReg(RegIterState) != StateStarted {
			continue
		}

		switch iterType := s.strReg(SRegIterType); iterType {
		case IterScanning:
			s.runScanIteration(stop)
		case IterSorting:
			s.runSortIteration(stop)
		case IterPause:
			s.runPauseIteration(stop)
		default:
			s.logger.Warn("iteration started with no command", "type", iterType)
			s.completeIteration(stop)
		}
	}
}

// runScanIteration drives the group under the scanner, signals positioned,
// and waits for the acknowledge before completing.
func (s *Sim) runScanIteration(stop <-chan struct{}) {
	group, err := ParseScanGroup(s.strReg(SRegScanGroup))
	if err != nil {
		s.logger.Error("bad scan payload", "error", err)
		s.completeIteration(stop)
		return
	}

	if !s.sleep(stop, s.cfg.Latency) {
		return
	}
	s.mu.Lock()
	s.group = group
	s.positioned = true
	s.intRegs[RegScanStatus] = ScanPositioned
	s.mu.Unlock()

	if !s.waitReg(stop, RegScanStatus, ScanAck) {
		return
	}
	s.mu.Lock()
	s.positioned = false
	s.mu.Unlock()

	s.completeIteration(stop)
}

// runSortIteration moves a tube from its pallet slot to the rack slot in
// the movement payload, or reports an empty grip when the slot holds
// nothing.
func (s *Sim) runSortIteration(stop <-chan struct{}) {
	// A fresh sort gets a fresh grip report. The previous value stays
	// visible until here so the coordinator can always observe it.
	s.setIntReg(RegGripStatus, GripReset)

	mv, err := ParseMovement(s.strReg(SRegMovement))
	if err != nil {
		s.logger.Error("bad movement payload", "error", err)
		s.completeIteration(stop)
		return
	}

	if !s.sleep(stop, s.cfg.Latency) {
		return
	}

	s.mu.Lock()
	code, present := s.pallets[mv.SourcePallet][mv.SourceSlot]
	if !present {
		s.intRegs[RegGripStatus] = GripEmpty
		s.mu.Unlock()
		s.logger.Warn("grip closed on empty slot", "movement", mv.String())
		s.completeIteration(stop)
		return
	}
	s.intRegs[RegGripStatus] = GripHeld
	delete(s.pallets[mv.SourcePallet], mv.SourceSlot)
	s.mu.Unlock()

	if !s.sleep(stop, s.cfg.Latency) {
		return
	}

	s.mu.Lock()
	if s.racks[mv.DestRack] == nil {
		s.racks[mv.DestRack] = make(map[int]string)
	}
	s.racks[mv.DestRack][mv.DestSlot] = code
	s.mu.Unlock()

	s.completeIteration(stop)
}

// runPauseIteration parks the arm, reports it, and waits for the release.
func (s *Sim) runPauseIteration(stop <-chan struct{}) {
	if !s.sleep(stop, s.cfg.Latency) {
		return
	}
	s.setIntReg(RegPauseStatus, PauseParked)

	if !s.waitReg(stop, RegPauseStatus, PauseRelease) {
		return
	}
	s.completeIteration(stop)
}

// completeIteration reports completion, holds it long enough to be
// observed, then resets the iteration state. The reset is owned here; the
// coordinator side never writes ready.
func (s *Sim) completeIteration(stop <-chan struct{}) {
	s.setIntReg(RegIterState, StateCompleted)
	if !s.sleep(stop, s.cfg.CompleteHold) {
		return
	}
	s.setIntReg(RegIterState, StateReady)
}

func (s *Sim) sleep(stop <-chan struct{}, d time.Duration) bool {
	select {
	case <-stop:
		return false
	case <-time.After(d):
		return true
	}
}

func (s *Sim) waitReg(stop <-chan struct{}, reg, want int) bool {
	deadline := time.Now().Add(simWaitLimit)
	for s.intReg(reg) != want {
		if time.Now().After(deadline) {
			s.logger.Error("simulated controller wait expired", "register", reg, "want", want)
			return false
		}
		if !s.sleep(stop, simTick) {
			return false
		}
	}
	return true
}

// simScanner reads whatever group the simulated arm positioned.
type simScanner struct {
	sim *Sim
}

var _ device.Scanner = (*simScanner)(nil)

func (sc *simScanner) Connect(_ context.Context) error { return nil }

func (sc *simScanner) Close() error { return nil }

// Scan returns the codes in view in slot order with trailing empties
// trimmed. With nothing positioned it reads like an empty trigger.
func (sc *simScanner) Scan(_ time.Duration) ([]string, time.Duration, error) {
	s := sc.sim
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.positioned {
		return nil, 0, nil
	}

	codes := make([]string, scanGroupLen(s.group.FirstSlot))
	for i := range codes {
		codes[i] = s.pallets[s.group.Pallet][s.group.FirstSlot+i]
	}
	for len(codes) > 0 && codes[len(codes)-1] == "" {
		codes = codes[:len(codes)-1]
	}
	return codes, s.cfg.Latency, nil
}

// scanGroupLen is the field of view from a group start: rows are five
// wide and read as a three-slot group then a two-slot group.
func scanGroupLen(firstSlot int) int {
	if firstSlot%5 == 0 {
		return 3
	}
	return 2
}
