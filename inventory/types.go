package inventory

import (
	"fmt"
	"strings"
)

// TestType classifies a tube by the PCR tests ordered for it. The string
// values are the class names used in the rack layout configuration and in
// LIS responses.
type TestType string

// Test type classes
const (
	// TypeUGI is the single-test class for pcr-1 orders.
	TypeUGI TestType = "pcr-1"
	// TypeVPCH is the single-test class for pcr-2 orders.
	TypeVPCH TestType = "pcr-2"
	// TypeUGIVPCH is the combined class for tubes ordered for both tests.
	TypeUGIVPCH TestType = "pcr-1+pcr-2"
	// TypeOther collects the remaining PCR orders.
	TypeOther TestType = "pcr"
	// TypeError marks a tube whose LIS lookup failed.
	TypeError TestType = "error"
	// TypeUnknown is the initial classification of every scanned tube.
	TypeUnknown TestType = "unknown"
)

// Sortable reports whether tubes of this type can be routed to a rack.
// Error and unknown tubes are skipped during the sort phase.
func (t TestType) Sortable() bool {
	switch t {
	case TypeUGI, TypeVPCH, TypeUGIVPCH, TypeOther:
		return true
	default:
		return false
	}
}

// PairClass reports whether the replacement unit for this type is a pair
// of racks. The two single-test classes fill two racks side by side and
// both must reach target before the pair is swapped out.
func (t TestType) PairClass() bool {
	return t == TypeUGI || t == TypeVPCH
}

// SortableTypes lists the classes that route to destination racks.
func SortableTypes() []TestType {
	return []TestType{TypeUGI, TypeVPCH, TypeUGIVPCH, TypeOther}
}

// ParseTestType maps a rack layout class name to its TestType.
func ParseTestType(s string) (TestType, error) {
	switch TestType(s) {
	case TypeUGI, TypeVPCH, TypeUGIVPCH, TypeOther:
		return TestType(s), nil
	default:
		return TypeUnknown, fmt.Errorf("unknown test type class %q", s)
	}
}

// ClassifyTests reduces the test names from one LIS response to a
// TestType. Matching is case-insensitive and accepts both the assay names
// and the pcr-N aliases.
func ClassifyTests(tests []string) TestType {
	if len(tests) == 0 {
		return TypeUnknown
	}

	var hasUGI, hasVPCH, hasPCR bool
	for _, raw := range tests {
		name := strings.ToLower(strings.TrimSpace(raw))
		switch name {
		case "ugi", "pcr-1":
			hasUGI = true
		case "vpch", "pcr-2":
			hasVPCH = true
		}
		if strings.Contains(name, "pcr") {
			hasPCR = true
		}
	}

	switch {
	case hasUGI && hasVPCH:
		return TypeUGIVPCH
	case hasUGI:
		return TypeUGI
	case hasVPCH:
		return TypeVPCH
	case hasPCR:
		return TypeOther
	default:
		return TypeUnknown
	}
}

// RackStatus is the fill state of a destination rack, derived from its
// tube count.
type RackStatus string

// Fill states
const (
	StatusEmpty         RackStatus = "empty"
	StatusPartial       RackStatus = "partial"
	StatusTargetReached RackStatus = "target_reached"
	StatusFull          RackStatus = "full"
)

// Occupancy is the physical availability of a rack position.
type Occupancy string

// Occupancy states
const (
	OccupancyFree           Occupancy = "free"
	OccupancyBusyRobot      Occupancy = "busy_robot"
	OccupancyWaitingReplace Occupancy = "waiting_replace"
)

// rowWidth is the slot count of one rack row. Pallets and destination
// racks share the same 5-wide geometry.
const rowWidth = 5

// Tube is one sample tube in the active working set, identified by its
// barcode. Destination fields are written exactly once, when the model
// places the tube into a rack.
type Tube struct {
	Barcode      string
	SourcePallet int
	SourceSlot   int
	TestType     TestType

	// DestRack and DestSlot are -1 until the tube is placed.
	DestRack int
	DestSlot int

	sorted bool
}

// NewTube creates an unplaced, unclassified tube scanned from the given
// pallet slot.
func NewTube(barcode string, pallet, slot int) *Tube {
	return &Tube{
		Barcode:      barcode,
		SourcePallet: pallet,
		SourceSlot:   slot,
		TestType:     TypeUnknown,
		DestRack:     -1,
		DestSlot:     -1,
	}
}

// Row is the source row index (slots run row-major, five per row).
func (t *Tube) Row() int { return t.SourceSlot / rowWidth }

// Col is the source column index.
func (t *Tube) Col() int { return t.SourceSlot % rowWidth }

// Placed reports whether destination fields have been assigned.
func (t *Tube) Placed() bool { return t.DestRack >= 0 }

// Sorted reports whether the tube has been counted as sorted out of its
// source pallet.
func (t *Tube) Sorted() bool { return t.sorted }

func (t *Tube) String() string {
	return fmt.Sprintf("tube %s P%d[%d,%d] type=%s", t.Barcode, t.SourcePallet, t.Row(), t.Col(), t.TestType)
}
