// Package errors provides standardized error handling for the tube sorting
// work-cell coordinator.
//
// # Overview
//
// The package implements a three-class error classification: Transient
// (temporary, retryable), Invalid (bad input or violated state guard, do not
// retry), and Fatal (unrecoverable transport faults, stop the run).
//
// The classes map directly onto the coordinator's recovery policy. A protocol
// timeout is transient: the handshake engine aborts the iteration, clears the
// iteration type register, and the orchestrator retries or enters wait mode.
// A capacity or duplicate guard is invalid: the caller logs and skips the
// offending tube. A controller or scanner socket failure is fatal: it
// propagates to the top-level shutdown sequence.
//
// # Quick Start
//
// Use standard error variables for known conditions:
//
//	if rack.Count() >= rack.Max {
//	    return errors.ErrRackFull
//	}
//
// Wrap errors with component context:
//
//	if err := bank.SetString(regIterationType, word); err != nil {
//	    return errors.WrapFatal(err, "Engine", "RunSort", "write iteration type")
//	}
//
// Make recovery decisions based on class:
//
//	if err := engine.RunSort(ctx, tube); err != nil {
//	    switch {
//	    case errors.IsTransient(err):
//	        // iteration aborted, safe to retry or wait
//	    case errors.IsInvalid(err):
//	        // skip this tube, model untouched
//	    default:
//	        // fatal, unwind to shutdown
//	    }
//	}
//
// # Error Wrapping Pattern
//
// All wrapping follows the format "component.method: action failed: %w" so
// logs stay parseable across the whole coordinator. WrapTransient, WrapInvalid
// and WrapFatal attach a class while preserving errors.Is / errors.As chains.
package errors
