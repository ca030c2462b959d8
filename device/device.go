// Package device defines the capability interfaces of the cell hardware.
// The coordinator core depends on these interfaces only; the concrete
// vendor client and the simulator both satisfy them.
package device

import (
	"context"
	"time"
)

// Digital output wiring of the cell. Output 1 drives the tower light that
// signals a running cycle to the operator.
const OutputCycleActive = 1

// Connector is the shared connection lifecycle of cell devices.
type Connector interface {
	Connect(ctx context.Context) error
	Close() error
}

// ProgramControl starts and stops programs on the robot controller.
type ProgramControl interface {
	StartProgram(ctx context.Context, name string) error
	StopAllPrograms(ctx context.Context) error
	ResetErrors(ctx context.Context) error
}

// DigitalIO reads and writes the controller's digital pins.
type DigitalIO interface {
	ReadInput(ctx context.Context, index int) (bool, error)
	WriteOutput(ctx context.Context, index int, value bool) error
}

// RegisterBank is the numbered register file shared with the controller
// program. Integer registers carry handshake state, string registers carry
// iteration type and payloads.
type RegisterBank interface {
	GetInt(ctx context.Context, index int) (int, error)
	SetInt(ctx context.Context, index, value int) error
	GetString(ctx context.Context, index int) (string, error)
	SetString(ctx context.Context, index int, value string) error
}

// Controller is the full robot controller surface the coordinator uses.
type Controller interface {
	Connector
	ProgramControl
	DigitalIO
	RegisterBank
}

// Scanner reads barcodes at the scan position. Scan returns one entry per
// readable code in slot order; a missed position is an empty string and a
// read with no codes at all returns an empty slice. The returned duration
// is the time the device spent reading.
type Scanner interface {
	Connect(ctx context.Context) error
	Close() error
	Scan(timeout time.Duration) ([]string, time.Duration, error)
}
