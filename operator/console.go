package operator

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// Console reads free-text operator commands line by line and drives the
// Coordinator. The start command is context dependent: it resumes a
// paused system, otherwise it confirms rack replacement, matching what
// operators expect at the bench.
type Console struct {
	coord  *Coordinator
	in     io.Reader
	out    io.Writer
	status func() string
	logger *slog.Logger
}

// NewConsole wires a console to its coordinator. status supplies the
// detailed system report for the status command and may be nil.
func NewConsole(coord *Coordinator, in io.Reader, out io.Writer, status func() string, logger *slog.Logger) *Console {
	return &Console{
		coord:  coord,
		in:     in,
		out:    out,
		status: status,
		logger: logger.With("component", "console"),
	}
}

// Run reads commands until stdin closes, the stop command arrives, or
// the stop signal fires. A closed stdin ends the console quietly; the
// coordination loop keeps running on whatever signals were already set.
func (c *Console) Run(ctx context.Context) error {
	c.printHelp()

	scanner := bufio.NewScanner(c.in)
	for scanner.Scan() {
		if c.coord.Stopped() || ctx.Err() != nil {
			return nil
		}
		if stop := c.dispatch(scanner.Text()); stop {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		c.logger.Error("console read failed", "error", err)
		return nil
	}
	c.logger.Debug("stdin closed, console exiting")
	return nil
}

// dispatch handles one command line. Returns true when the console
// should exit.
func (c *Console) dispatch(line string) bool {
	cmd := strings.ToLower(strings.TrimSpace(line))
	switch cmd {
	case "":
		return false

	case "start", "s", "go", "resume", "r", "старт", "готово":
		c.handleStart()

	case "pause", "p", "пауза":
		c.handlePause()

	case "stop", "quit", "exit", "q", "стоп", "выход":
		fmt.Fprintln(c.out, "stopping the system")
		c.coord.Stop()
		return true

	case "status", "stat", "статус":
		c.handleStatus()

	case "help", "h", "?", "помощь":
		c.printHelp()

	default:
		fmt.Fprintf(c.out, "unknown command %q, enter help for the list\n", cmd)
	}
	return false
}

func (c *Console) handleStart() {
	switch {
	case c.coord.Resume():
		fmt.Fprintln(c.out, "resuming")
	case c.coord.ConfirmReplacement():
		fmt.Fprintln(c.out, "rack replacement confirmed")
	default:
		fmt.Fprintln(c.out, "accepted, nothing is waiting for a start")
	}
}

func (c *Console) handlePause() {
	switch c.coord.State() {
	case StatePaused:
		fmt.Fprintln(c.out, "system is already paused")
	case StatePausePending:
		fmt.Fprintln(c.out, "pause already requested, waiting for the current operation")
	default:
		if c.coord.RequestPause() {
			fmt.Fprintln(c.out, "pause requested, system will stop after the current operation")
		}
	}
}

func (c *Console) handleStatus() {
	fmt.Fprintf(c.out, "state: %s\n", c.coord.State())
	if c.status != nil {
		fmt.Fprintln(c.out, c.status())
	}
}

func (c *Console) printHelp() {
	fmt.Fprint(c.out, `operator commands:
  start, s, go, resume, r   resume after pause / confirm rack replacement
  pause, p                  pause after the current operation
  stop, quit, exit          stop the system
  status, stat              show system status
  help, h, ?                show this help
`)
}
