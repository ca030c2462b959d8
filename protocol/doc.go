// Package protocol implements the register handshake with the robot
// controller: the numbered register contract, the payload codec, the
// engine driven by the coordinator, and an in-memory simulator playing
// the controller program for bench runs and tests.
//
// Every iteration follows the same top-level shape. The engine waits for
// the iteration-state register to read ready, writes payload and
// iteration type, then writes started. The controller executes, writes
// completed, and owns the reset back to ready; the engine never writes
// that register except to start. Scan and pause iterations additionally
// handshake through their status registers mid-iteration.
//
// Every wait is a bounded poll with a per-class timeout. On expiry the
// engine clears the iteration type and reports a transient timeout, so
// the controller is never left holding a stale command.
package protocol
