package inventory

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/nombers/test-sorter/config"
	"github.com/nombers/test-sorter/errors"
)

// Model is the in-memory inventory of the work cell: the source pallets
// feeding tubes in and the destination racks they are sorted into. All
// state changes go through the coordination goroutine; the mutex exists so
// that operator console and gateway readers can take snapshots while a
// cycle is running.
type Model struct {
	mu     sync.Mutex
	logger *slog.Logger

	sources map[int]*sourceRack
	dests   map[int]*destinationRack

	// id slices keep iteration order deterministic.
	sourceIDs []int
	destIDs   []int
}

// NewModel builds the inventory from the rack layout configuration. Class
// names are validated here rather than in the config package so that the
// layout section stays a plain data description.
func NewModel(cfg config.RacksConfig, logger *slog.Logger) (*Model, error) {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Model{
		logger:  logger.With("component", "inventory"),
		sources: make(map[int]*sourceRack, cfg.SourcePallets),
		dests:   make(map[int]*destinationRack, len(cfg.Layout)),
	}

	for id := 0; id < cfg.SourcePallets; id++ {
		m.sources[id] = newSourceRack(id, cfg.PalletSize)
		m.sourceIDs = append(m.sourceIDs, id)
	}

	for _, lay := range cfg.Layout {
		class, err := ParseTestType(lay.Class)
		if err != nil {
			return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Model", "NewModel",
				fmt.Sprintf("rack %d: %v", lay.ID, err))
		}
		m.dests[lay.ID] = newDestinationRack(lay.ID, class, lay.Target, cfg.RackCapacity)
		m.destIDs = append(m.destIDs, lay.ID)
	}
	sort.Ints(m.destIDs)

	return m, nil
}

// AddScannedTube records a tube scanned from a pallet slot. It returns
// false when the tube cannot be accepted: unknown pallet, duplicate
// barcode within the pallet, or a pallet already at capacity. Rejections
// are logged and the scan continues without the tube.
func (m *Model) AddScannedTube(palletID int, tube *Tube) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	src, ok := m.sources[palletID]
	if !ok {
		m.logger.Warn("scan for unknown pallet dropped", "pallet", palletID, "barcode", tube.Barcode)
		return false
	}
	if src.full() {
		m.logger.Warn("scan beyond pallet capacity dropped",
			"pallet", palletID, "barcode", tube.Barcode, "capacity", src.max)
		return false
	}
	if src.find(tube.Barcode) != nil {
		m.logger.Warn("duplicate barcode dropped", "pallet", palletID, "barcode", tube.Barcode)
		return false
	}

	src.tubes = append(src.tubes, tube)
	return true
}

// MarkTubeSorted flags a tube as physically moved out of its pallet and
// bumps the pallet's sorted counter. A tube can only be marked once:
// repeated calls return false and never count twice.
func (m *Model) MarkTubeSorted(palletID int, barcode string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	src, ok := m.sources[palletID]
	if !ok {
		m.logger.Warn("sort mark for unknown pallet", "pallet", palletID, "barcode", barcode)
		return false
	}
	tube := src.find(barcode)
	if tube == nil {
		m.logger.Warn("sort mark for unknown barcode", "pallet", palletID, "barcode", barcode)
		return false
	}
	if tube.sorted {
		m.logger.Warn("tube already marked sorted", "pallet", palletID, "barcode", barcode)
		return false
	}
	tube.sorted = true
	src.sorted++
	return true
}

// FindAvailableRack picks the destination rack for a tube of the given
// type. Racks still below their replacement target win over racks already
// past it; within a tier the lowest rack id wins. Full racks and racks not
// physically available never match.
func (m *Model) FindAvailableRack(t TestType) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.findAvailableRackLocked(t)
}

func (m *Model) findAvailableRackLocked(t TestType) (int, bool) {
	for _, id := range m.destIDs {
		r := m.dests[id]
		if r.class == t && r.accepting() && !r.reachedTarget() {
			return id, true
		}
	}
	for _, id := range m.destIDs {
		r := m.dests[id]
		if r.class == t && r.accepting() {
			return id, true
		}
	}
	return -1, false
}

// HasAvailableRack reports whether a tube of the given type could be
// placed right now.
func (m *Model) HasAvailableRack(t TestType) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.findAvailableRackLocked(t)
	return ok
}

// NextFreeSlot returns the slot the next tube placed into the rack will
// occupy. The handshake engine encodes it into the movement payload before
// the motion starts; only the coordination goroutine places tubes, so the
// slot cannot be taken in between.
func (m *Model) NextFreeSlot(rackID int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.dests[rackID]
	if !ok {
		return 0, errors.WrapInvalid(errors.ErrUnknownRack, "Model", "NextFreeSlot",
			fmt.Sprintf("rack %d", rackID))
	}
	return r.cursor, nil
}

// AddTubeToRack places a tube into the next free slot of a rack. The slot
// assignment is final: a tube that already carries a destination is
// rejected unchanged.
func (m *Model) AddTubeToRack(rackID int, tube *Tube) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.dests[rackID]
	if !ok {
		return errors.WrapInvalid(errors.ErrUnknownRack, "Model", "AddTubeToRack",
			fmt.Sprintf("rack %d", rackID))
	}
	if tube.Placed() {
		return errors.WrapInvalid(errors.ErrAlreadyPlaced, "Model", "AddTubeToRack",
			fmt.Sprintf("tube %s already at rack %d slot %d", tube.Barcode, tube.DestRack, tube.DestSlot))
	}
	if r.full() {
		return errors.WrapInvalid(errors.ErrRackFull, "Model", "AddTubeToRack",
			fmt.Sprintf("rack %d at %d/%d", rackID, r.count(), r.max))
	}

	r.place(tube)
	if r.reachedTarget() {
		m.logger.Info("rack reached target", "rack", rackID, "class", r.class,
			"count", r.count(), "target", r.target)
	}
	return nil
}

// PairReachedTarget reports whether the replacement unit for the given
// type is ready to be swapped out. The combined and catch-all classes are
// replaced one rack at a time, so a single rack at target suffices. The
// two single-test classes are replaced as a pair and every rack of the
// class must be at target.
func (m *Model) PairReachedTarget(t TestType) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	var total, atTarget int
	for _, id := range m.destIDs {
		r := m.dests[id]
		if r.class != t {
			continue
		}
		total++
		if r.reachedTarget() {
			atTarget++
		}
	}
	if total == 0 {
		return false
	}

	if !t.PairClass() {
		return atTarget > 0
	}
	if total != 2 {
		m.logger.Warn("pair class with unexpected rack count", "class", t, "racks", total)
	}
	return atTarget == total
}

// SetTestTypes merges resolver results into the scanned tubes and returns
// the number of tubes updated. Barcodes with no matching tube are skipped.
func (m *Model) SetTestTypes(types map[string]TestType) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	updated := 0
	for _, id := range m.sourceIDs {
		for _, tube := range m.sources[id].tubes {
			t, ok := types[tube.Barcode]
			if !ok {
				continue
			}
			tube.TestType = t
			updated++
		}
	}
	return updated
}

// UnsortedTubes returns the tubes still waiting in the pallets, ordered by
// pallet id then slot. The pointers are shared with the model; callers
// mutate them only through model methods.
func (m *Model) UnsortedTubes() []*Tube {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Tube
	for _, id := range m.sourceIDs {
		for _, tube := range m.sources[id].tubes {
			if !tube.sorted {
				out = append(out, tube)
			}
		}
	}
	return out
}

// SetPalletBusy marks a pallet as held by the robot arm.
func (m *Model) SetPalletBusy(palletID int, busy bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if src, ok := m.sources[palletID]; ok {
		src.busy = busy
	}
}

// MarkPairWaitingReplace flags every rack of the class as waiting for a
// physical swap, so that no tube is routed there while the operator works.
func (m *Model) MarkPairWaitingReplace(t TestType) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.destIDs {
		r := m.dests[id]
		if r.class == t {
			r.occupancy = OccupancyWaitingReplace
		}
	}
}

// ResetRackPair empties every rack of the class after the operator
// confirmed the replacement and returns how many racks were cleared.
func (m *Model) ResetRackPair(t TestType) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	cleared := 0
	for _, id := range m.destIDs {
		r := m.dests[id]
		if r.class != t {
			continue
		}
		r.reset()
		cleared++
	}
	if cleared > 0 {
		m.logger.Info("rack pair replaced", "class", t, "racks", cleared)
	}
	return cleared
}

// ClearSortedTubes drops every sorted tube from the pallets and returns
// the number removed. Destination racks keep their copies; this only frees
// the source side for the next load.
func (m *Model) ClearSortedTubes() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for _, id := range m.sourceIDs {
		src := m.sources[id]
		kept := src.tubes[:0]
		for _, tube := range src.tubes {
			if tube.sorted {
				removed++
				continue
			}
			kept = append(kept, tube)
		}
		src.tubes = kept
		src.sorted = 0
	}
	return removed
}

// ResetAllSourcePallets clears every pallet for a fresh load.
func (m *Model) ResetAllSourcePallets() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.sourceIDs {
		m.sources[id].reset()
	}
	m.logger.Info("source pallets reset", "pallets", len(m.sourceIDs))
}

// TotalTubesInSources counts tubes currently known in all pallets,
// sorted or not.
func (m *Model) TotalTubesInSources() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, id := range m.sourceIDs {
		n += m.sources[id].count()
	}
	return n
}

// TotalTubesInDestinations counts tubes placed across all racks.
func (m *Model) TotalTubesInDestinations() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, id := range m.destIDs {
		n += m.dests[id].count()
	}
	return n
}
