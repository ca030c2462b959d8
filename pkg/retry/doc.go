// Package retry provides simple exponential backoff retry logic for transient failures.
//
// # Overview
//
// This package offers a minimal retry mechanism with exponential backoff, used
// for device connection attempts (robot controller, barcode scanner), NATS
// connection, and LIS requests.
//
// # Core Functions
//
//   - Do: Execute function with retry and exponential backoff
//   - DoWithResult: Execute function with retry, returns both result and error
//
// # Configuration Presets
//
//   - DefaultConfig(): 3 attempts, 100ms-5s delay (normal operations)
//   - Quick(): 10 attempts, 50ms-1s delay (LIS requests, startup)
//   - Persistent(): 30 attempts, 200ms-10s delay (device connects)
//
// # Usage Examples
//
// Scanner connect during startup:
//
//	err := retry.Do(ctx, retry.Persistent(), func() error {
//	    return scanner.Connect(ctx)
//	})
//
// LIS request with result:
//
//	body, err := retry.DoWithResult(ctx, retry.Quick(), func() ([]byte, error) {
//	    return client.fetch(ctx, barcode)
//	})
//
// Custom configuration:
//
//	cfg := retry.Config{
//	    MaxAttempts:  5,
//	    InitialDelay: 200 * time.Millisecond,
//	    MaxDelay:     10 * time.Second,
//	    Multiplier:   2.0,
//	    AddJitter:    true,
//	}
//	err := retry.Do(ctx, cfg, operation)
//
// # Design Philosophy
//
// This package is intentionally minimal:
//
//   - No metrics collection (use instrumentation at call site)
//   - No complex error classification (caller decides what to retry)
//   - Just exponential backoff with jitter
//
// Fatal errors the caller never wants retried should be wrapped with
// NonRetryable before returning from the attempt function.
//
// # Context Cancellation
//
// All retry operations respect context cancellation and will stop retrying
// when the context is cancelled, either during the attempt or during backoff.
//
// # Thread Safety
//
// All functions are safe for concurrent use. The jitter mechanism uses a
// thread-safe random source to avoid contention.
package retry
