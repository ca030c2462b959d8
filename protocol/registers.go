package protocol

import (
	"fmt"
	"strings"

	"github.com/nombers/test-sorter/errors"
)

// Integer register assignments on the controller. This numbering is the
// wire contract with the deployed controller program and must match it
// exactly.
const (
	// RegIterState is the top-level iteration state. The engine writes
	// StateStarted; the controller writes StateCompleted and owns the
	// reset back to StateReady.
	RegIterState = 1

	// RegScanStatus signals mid-scan positioning. The controller writes
	// ScanPositioned when the group is under the scanner; the engine
	// writes ScanAck after reading to release the arm.
	RegScanStatus = 2

	// RegGripStatus reports the gripper outcome of a sort. GripEmpty
	// means no tube was present at the source slot, a skip outcome that
	// is never a timeout. The controller re-initializes the report when
	// the next sort starts, so the value stays readable after completion.
	RegGripStatus = 3

	// RegPauseStatus signals the pause handshake. The controller writes
	// PauseParked once the arm is at home; the engine writes
	// PauseRelease when the operator resumes.
	RegPauseStatus = 4
)

// RegIterState values
const (
	StateReady     = 0
	StateStarted   = 1
	StateCompleted = 2
)

// RegScanStatus values
const (
	ScanAck        = 0
	ScanPositioned = 1
)

// RegGripStatus values
const (
	GripReset = 0
	GripHeld  = 1
	GripEmpty = 2
)

// RegPauseStatus values
const (
	PauseRelease = 0
	PauseParked  = 1
)

// String register assignments.
const (
	// SRegIterType selects the controller behavior for the next
	// iteration.
	SRegIterType = 1

	// SRegMovement carries the sort payload.
	SRegMovement = 2

	// SRegScanGroup carries the scan payload.
	SRegScanGroup = 3
)

// SRegIterType values
const (
	IterScanning = "SCANNING_ITERATION"
	IterSorting  = "SORTING_ITERATION"
	IterPause    = "PAUSE"
	IterNone     = "NONE"
)

// Payload fields are 2-digit zero-padded decimals, so coordinates run
// 0..99.
const maxField = 99

// Movement is the payload of one sort iteration: pick the tube at the
// source pallet slot and place it at the destination rack slot.
type Movement struct {
	SourcePallet int
	SourceSlot   int
	DestRack     int
	DestSlot     int
}

func (m Movement) String() string {
	return fmt.Sprintf("P%d[%d] -> R%d[%d]", m.SourcePallet, m.SourceSlot, m.DestRack, m.DestSlot)
}

// ScanGroup is the payload of one scan iteration: position the scanner at
// the group starting at FirstSlot of the pallet.
type ScanGroup struct {
	Pallet    int
	FirstSlot int
}

// EncodeMovement renders the sort payload written to the movement string
// register, four space-separated 2-digit fields.
func EncodeMovement(m Movement) (string, error) {
	fields := [...]int{m.SourcePallet, m.SourceSlot, m.DestRack, m.DestSlot}
	for _, f := range fields {
		if f < 0 || f > maxField {
			return "", errors.WrapInvalid(errors.ErrBadPayload, "Codec", "EncodeMovement",
				fmt.Sprintf("field %d out of range", f))
		}
	}
	return fmt.Sprintf("%02d %02d %02d %02d", m.SourcePallet, m.SourceSlot, m.DestRack, m.DestSlot), nil
}

// ParseMovement is the inverse of EncodeMovement, with strict field count
// and width checks.
func ParseMovement(s string) (Movement, error) {
	fields, err := splitPayload(s, 4, "ParseMovement")
	if err != nil {
		return Movement{}, err
	}
	return Movement{
		SourcePallet: fields[0],
		SourceSlot:   fields[1],
		DestRack:     fields[2],
		DestSlot:     fields[3],
	}, nil
}

// EncodeScanGroup renders the scan payload written to the scan string
// register, two space-separated 2-digit fields.
func EncodeScanGroup(g ScanGroup) (string, error) {
	if g.Pallet < 0 || g.Pallet > maxField || g.FirstSlot < 0 || g.FirstSlot > maxField {
		return "", errors.WrapInvalid(errors.ErrBadPayload, "Codec", "EncodeScanGroup",
			fmt.Sprintf("pallet %d slot %d out of range", g.Pallet, g.FirstSlot))
	}
	return fmt.Sprintf("%02d %02d", g.Pallet, g.FirstSlot), nil
}

// ParseScanGroup is the inverse of EncodeScanGroup.
func ParseScanGroup(s string) (ScanGroup, error) {
	fields, err := splitPayload(s, 2, "ParseScanGroup")
	if err != nil {
		return ScanGroup{}, err
	}
	return ScanGroup{Pallet: fields[0], FirstSlot: fields[1]}, nil
}

// splitPayload decodes a fixed-count payload of 2-digit zero-padded
// decimal fields separated by single spaces.
func splitPayload(s string, count int, method string) ([]int, error) {
	parts := strings.Split(s, " ")
	if len(parts) != count {
		return nil, errors.WrapInvalid(errors.ErrBadPayload, "Codec", method,
			fmt.Sprintf("want %d fields, got %d in %q", count, len(parts), s))
	}
	out := make([]int, count)
	for i, p := range parts {
		if len(p) != 2 || p[0] < '0' || p[0] > '9' || p[1] < '0' || p[1] > '9' {
			return nil, errors.WrapInvalid(errors.ErrBadPayload, "Codec", method,
				fmt.Sprintf("field %q is not a 2-digit decimal in %q", p, s))
		}
		out[i] = int(p[0]-'0')*10 + int(p[1]-'0')
	}
	return out, nil
}
