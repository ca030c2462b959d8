package inventory

// sourceRack is one input pallet. Tubes are appended in scan order and
// the sorted counter tracks how many have left the pallet. Access is
// guarded by the owning Model's mutex.
type sourceRack struct {
	id     int
	max    int
	tubes  []*Tube
	sorted int
	busy   bool
}

func newSourceRack(id, max int) *sourceRack {
	return &sourceRack{id: id, max: max}
}

func (r *sourceRack) count() int { return len(r.tubes) }

func (r *sourceRack) full() bool { return len(r.tubes) >= r.max }

// drained reports whether every scanned tube has been sorted out.
func (r *sourceRack) drained() bool { return r.sorted >= len(r.tubes) }

func (r *sourceRack) find(barcode string) *Tube {
	for _, t := range r.tubes {
		if t.Barcode == barcode {
			return t
		}
	}
	return nil
}

// reset clears the pallet for a fresh load of tubes.
func (r *sourceRack) reset() {
	r.tubes = r.tubes[:0]
	r.sorted = 0
	r.busy = false
}

// destinationRack is one output rack of a single test type class. The
// cursor is the next free slot; tubes only ever accumulate until the rack
// is reset, so the cursor always equals the tube count.
type destinationRack struct {
	id        int
	class     TestType
	target    int
	max       int
	tubes     []*Tube
	cursor    int
	occupancy Occupancy
}

func newDestinationRack(id int, class TestType, target, max int) *destinationRack {
	return &destinationRack{
		id:        id,
		class:     class,
		target:    target,
		max:       max,
		occupancy: OccupancyFree,
	}
}

func (r *destinationRack) count() int { return len(r.tubes) }

func (r *destinationRack) full() bool { return len(r.tubes) >= r.max }

func (r *destinationRack) reachedTarget() bool { return len(r.tubes) >= r.target }

// accepting reports whether the rack can take another tube right now.
func (r *destinationRack) accepting() bool {
	return !r.full() && r.occupancy == OccupancyFree
}

func (r *destinationRack) status() RackStatus {
	switch n := len(r.tubes); {
	case n == 0:
		return StatusEmpty
	case n >= r.max:
		return StatusFull
	case n >= r.target:
		return StatusTargetReached
	default:
		return StatusPartial
	}
}

// place assigns the next free slot to the tube. The caller has already
// checked capacity.
func (r *destinationRack) place(t *Tube) {
	t.DestRack = r.id
	t.DestSlot = r.cursor
	r.tubes = append(r.tubes, t)
	r.cursor++
}

// reset empties the rack after a physical replacement.
func (r *destinationRack) reset() {
	r.tubes = r.tubes[:0]
	r.cursor = 0
	r.occupancy = OccupancyFree
}
