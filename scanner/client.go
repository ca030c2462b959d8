// Package scanner implements the TCP client for the bench barcode
// scanner. The device speaks a plain text protocol: the client sends
// "start" to trigger reading, the device pushes the decoded codes, and
// "stop" disarms it. A "NoRead" entry marks a position the optics could
// not decode.
package scanner

import (
	"context"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/nombers/test-sorter/config"
	"github.com/nombers/test-sorter/device"
	"github.com/nombers/test-sorter/errors"
	"github.com/nombers/test-sorter/pkg/retry"
)

const (
	cmdStart = "start"
	cmdStop  = "stop"

	// noRead is the device sentinel for an undecoded position.
	noRead = "NoRead"

	dialTimeout = 2 * time.Second

	// pollWindow is the per-read deadline inside a scan, so the overall
	// timeout and disconnects are observed promptly.
	pollWindow = 100 * time.Millisecond

	readBufSize = 1024
)

// Client talks to one scanner over a single TCP connection. Scan calls
// are serialized by the coordination goroutine; the mutex only protects
// the connection against a concurrent Close.
type Client struct {
	address        string
	readTimeout    time.Duration
	connectRetries int
	logger         *slog.Logger

	mu   sync.Mutex
	conn net.Conn
}

var _ device.Scanner = (*Client)(nil)

// NewClient builds a client from the scanner configuration section.
func NewClient(cfg config.ScannerConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		address:        cfg.Address,
		readTimeout:    cfg.ReadTimeout.Duration,
		connectRetries: cfg.ConnectRetries,
		logger:         logger.With("component", "scanner"),
	}
}

// Connect dials the scanner, retrying with backoff for the configured
// number of attempts. A scanner that stays unreachable is fatal to the
// run.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return nil
	}

	retryCfg := retry.Quick()
	retryCfg.MaxAttempts = c.connectRetries + 1

	conn, err := retry.DoWithResult(ctx, retryCfg, func() (net.Conn, error) {
		d := net.Dialer{Timeout: dialTimeout}
		conn, err := d.DialContext(ctx, "tcp", c.address)
		if err != nil {
			c.logger.Warn("scanner dial failed", "address", c.address, "error", err)
			return nil, err
		}
		return conn, nil
	})
	if err != nil {
		return errors.WrapFatal(err, "Scanner", "Connect", "dial "+c.address)
	}

	c.conn = conn
	c.logger.Info("scanner connected", "address", c.address)
	return nil
}

// Close disarms the device best-effort and drops the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}

	_ = c.send(cmdStop)
	err := c.conn.Close()
	c.conn = nil
	if err != nil {
		return errors.Wrap(err, "Scanner", "Close", "close connection")
	}
	return nil
}

// Scan triggers one read and waits up to timeout for codes. It returns
// one entry per position in view, empty strings for undecoded positions,
// with trailing empties trimmed; no codes at all is an empty result, not
// an error. Transport faults are fatal.
func (c *Client) Scan(timeout time.Duration) ([]string, time.Duration, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil, 0, errors.WrapFatal(errors.ErrNotConnected, "Scanner", "Scan", "trigger")
	}
	if timeout <= 0 {
		timeout = c.readTimeout
	}

	if err := c.send(cmdStart); err != nil {
		return nil, 0, errors.WrapFatal(err, "Scanner", "Scan", "send start")
	}

	buf := make([]byte, readBufSize)
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		if err := c.conn.SetReadDeadline(time.Now().Add(pollWindow)); err != nil {
			return nil, 0, errors.WrapFatal(err, "Scanner", "Scan", "set deadline")
		}

		recvStart := time.Now()
		n, err := c.conn.Read(buf)
		elapsed := time.Since(recvStart)

		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			return nil, 0, errors.WrapFatal(err, "Scanner", "Scan", "read")
		}
		if n == 0 {
			continue
		}

		codes := parseCodes(string(buf[:n]))
		if len(codes) == 0 {
			// Only undecodable positions so far; the device keeps
			// trying until the trigger window closes.
			continue
		}

		c.disarm()
		return codes, elapsed, nil
	}

	c.disarm()
	return nil, 0, nil
}

// send writes one command to the device.
func (c *Client) send(cmd string) error {
	_, err := c.conn.Write([]byte(cmd))
	return err
}

// disarm stops the device after a scan, best-effort like the trigger
// window closing on its own.
func (c *Client) disarm() {
	if err := c.send(cmdStop); err != nil {
		c.logger.Warn("failed to disarm scanner", "error", err)
	}
}

// parseCodes splits one device burst into per-position entries. Codes are
// delimited by commas or line breaks; the NoRead sentinel becomes an
// empty entry so positions keep their slot alignment; trailing empties
// are trimmed. A burst with no decodable code returns nil.
func parseCodes(raw string) []string {
	raw = strings.ReplaceAll(raw, "\r", "\n")
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == '\n'
	})

	codes := make([]string, 0, len(fields))
	any := false
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		if f == noRead {
			codes = append(codes, "")
			continue
		}
		codes = append(codes, f)
		any = true
	}
	if !any {
		return nil
	}
	for len(codes) > 0 && codes[len(codes)-1] == "" {
		codes = codes[:len(codes)-1]
	}
	return codes
}
