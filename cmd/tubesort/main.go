// Package main implements the tube sorting work-cell daemon. It wires the
// register handshake engine, the inventory model, the LIS resolver and the
// operator surfaces together and drives repeating scan-sort cycles until
// the operator or a signal stops the cell.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/nombers/test-sorter/audit"
	"github.com/nombers/test-sorter/component"
	"github.com/nombers/test-sorter/config"
	"github.com/nombers/test-sorter/device"
	"github.com/nombers/test-sorter/events"
	"github.com/nombers/test-sorter/gateway"
	"github.com/nombers/test-sorter/health"
	"github.com/nombers/test-sorter/inventory"
	"github.com/nombers/test-sorter/metric"
	"github.com/nombers/test-sorter/natsclient"
	"github.com/nombers/test-sorter/operator"
	"github.com/nombers/test-sorter/orchestrator"
	"github.com/nombers/test-sorter/protocol"
	"github.com/nombers/test-sorter/resolver"
	"github.com/nombers/test-sorter/scanner"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "tubesort"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("Daemon failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cliCfg, logger, shouldExit, err := initializeCLI()
	if shouldExit || err != nil {
		return err
	}

	cfg, err := config.Load(cliCfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cliCfg.Validate {
		slog.Info("Configuration is valid", "path", cliCfg.ConfigPath)
		return nil
	}

	cell, err := buildCell(cliCfg, cfg, logger)
	if err != nil {
		return err
	}
	return cell.run(cliCfg)
}

// initializeCLI parses flags and sets up logging.
func initializeCLI() (*CLIConfig, *slog.Logger, bool, error) {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return nil, nil, false, fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil, nil, true, nil
	}
	if cliCfg.ShowHelp {
		printDetailedHelp()
		return nil, nil, true, nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	slog.Info("Starting the tube sorting cell",
		"version", Version,
		"build_time", BuildTime,
		"config_path", cliCfg.ConfigPath,
		"sim", cliCfg.Sim)

	return cliCfg, logger, false, nil
}

// cell holds every wired collaborator of one daemon run.
type cell struct {
	cfg    *config.Config
	logger *slog.Logger

	registry *metric.Registry
	monitor  *health.Monitor

	nats      *natsclient.Client
	publisher *events.Publisher
	store     *audit.Store

	controller device.Controller
	scan       device.Scanner
	sim        *protocol.Sim

	model *inventory.Model
	coord *operator.Coordinator
	lis   *resolver.HTTPResolver
	orch  *orchestrator.Orchestrator

	gateway *gateway.Server
	metrics *metric.Server

	manager *component.Manager
}

// buildCell constructs and wires every component. Nothing is connected or
// started yet.
func buildCell(cliCfg *CLIConfig, cfg *config.Config, logger *slog.Logger) (*cell, error) {
	c := &cell{
		cfg:      cfg,
		logger:   logger,
		registry: metric.NewRegistry(),
		monitor:  health.NewMonitor(),
		manager:  component.NewManager(logger),
	}

	if err := c.setupBus(); err != nil {
		return nil, err
	}
	if err := c.setupAudit(); err != nil {
		return nil, err
	}
	if err := c.setupDevices(cliCfg.Sim); err != nil {
		return nil, err
	}
	if err := c.setupCore(); err != nil {
		return nil, err
	}
	if err := c.setupSurfaces(); err != nil {
		return nil, err
	}
	if err := c.registerComponents(); err != nil {
		return nil, err
	}
	return c, nil
}

// setupBus creates the NATS client and the event publisher. With the bus
// disabled the publisher swallows every event.
func (c *cell) setupBus() error {
	if c.cfg.NATS.Enabled {
		client, err := natsclient.NewClient(c.cfg.NATS.URL,
			natsclient.WithName(appName),
			natsclient.WithLogger(natsLogger{c.logger.With("component", "nats")}),
			natsclient.WithMaxReconnects(c.cfg.NATS.MaxReconnects),
			natsclient.WithReconnectWait(c.cfg.NATS.ReconnectWait.Duration),
			natsclient.WithTimeout(c.cfg.NATS.Timeout.Duration),
			natsclient.WithHealthChangeCallback(func(healthy bool) {
				if healthy {
					c.monitor.UpdateHealthy("nats", "connected")
				} else {
					c.monitor.UpdateUnhealthy("nats", "connection lost")
				}
			}),
		)
		if err != nil {
			return fmt.Errorf("create NATS client: %w", err)
		}
		c.nats = client
	}

	c.publisher = events.NewPublisher(c.nats, c.cfg.NATS.SubjectPrefix, c.logger)
	return nil
}

// setupAudit opens the placement trail. Disabled audit leaves the store
// nil, which every caller accepts.
func (c *cell) setupAudit() error {
	if !c.cfg.Audit.Enabled {
		slog.Info("Audit trail disabled")
		return nil
	}

	store, err := audit.Open(c.cfg.Audit.Path, c.logger)
	if err != nil {
		return fmt.Errorf("open audit store: %w", err)
	}
	c.store = store
	return nil
}

// setupDevices wires either the built-in simulator or the real bench
// transports.
func (c *cell) setupDevices(simMode bool) error {
	if simMode {
		sim := protocol.NewSim(protocol.SimConfig{
			PalletSize: c.cfg.Racks.PalletSize,
			Logger:     c.logger,
		})
		loadSimPallets(sim, c.cfg.Racks)
		c.sim = sim
		c.controller = sim
		c.scan = sim.Scanner()
		slog.Info("Simulated cell wired",
			"pallets", c.cfg.Racks.SourcePallets,
			"pallet_size", c.cfg.Racks.PalletSize)
		return nil
	}

	c.scan = scanner.NewClient(c.cfg.Scanner, c.logger)

	// The vendor register binding is linked by deployment builds and does
	// not ship in this repository.
	return fmt.Errorf("no robot register transport in this build: bench runs use --sim, deployments link the vendor binding for %s", c.cfg.Robot.Address)
}

// loadSimPallets fills every source pallet with deterministic barcodes so
// a bench run sorts real work.
func loadSimPallets(sim *protocol.Sim, racks config.RacksConfig) {
	for pallet := 0; pallet < racks.SourcePallets; pallet++ {
		codes := make([]string, racks.PalletSize)
		for slot := range codes {
			codes[slot] = fmt.Sprintf("SIM%d-%03d", pallet, slot)
		}
		sim.LoadPallet(pallet, codes)
	}
}

// setupCore builds the decision chain: inventory, pause coordination,
// handshake engine, resolver and the orchestrator on top.
func (c *cell) setupCore() error {
	model, err := inventory.NewModel(c.cfg.Racks, c.logger)
	if err != nil {
		return fmt.Errorf("build inventory model: %w", err)
	}
	c.model = model

	c.coord = operator.NewCoordinator(c.logger, c.registry.Core)

	engine, err := protocol.New(protocol.Config{
		PollInterval:    c.cfg.Robot.PollInterval.Duration,
		PositionTimeout: c.cfg.Robot.PositionTimeout.Duration,
		SortTimeout:     c.cfg.Robot.SortTimeout.Duration,
		PauseTimeout:    c.cfg.Robot.PauseTimeout.Duration,
		ScanTimeout:     c.cfg.Scanner.ReadTimeout.Duration,
	}, protocol.Deps{
		Registers:  c.controller,
		Scanner:    c.scan,
		Model:      c.model,
		Logger:     c.logger,
		Metrics:    c.registry.Core,
		WaitResume: c.coord.WaitResume,
	})
	if err != nil {
		return fmt.Errorf("build handshake engine: %w", err)
	}

	res, err := resolver.NewHTTPResolver(c.cfg.LIS, c.logger, c.registry.Core)
	if err != nil {
		return fmt.Errorf("build resolver: %w", err)
	}
	c.lis = res

	orch, err := orchestrator.New(orchestrator.Config{
		Program:       c.cfg.Robot.Program,
		SourcePallets: c.cfg.Racks.SourcePallets,
		PalletSize:    c.cfg.Racks.PalletSize,
	}, orchestrator.Deps{
		Controller: c.controller,
		Engine:     engine,
		Model:      c.model,
		Resolver:   res,
		Coord:      c.coord,
		Events:     c.publisher,
		Audit:      c.store,
		Logger:     c.logger,
		Metrics:    c.registry.Core,
	})
	if err != nil {
		return fmt.Errorf("build orchestrator: %w", err)
	}
	c.orch = orch
	return nil
}

// setupSurfaces builds the HTTP gateway and the metrics endpoint.
func (c *cell) setupSurfaces() error {
	if c.cfg.Gateway.Enabled {
		gw, err := gateway.New(gateway.Config{
			Address:      c.cfg.Gateway.Address,
			EventBacklog: c.cfg.Gateway.EventBacklog,
		}, gateway.Deps{
			Model:    c.model,
			Source:   c.orch,
			Coord:    c.coord,
			Monitor:  c.monitor,
			Registry: c.registry,
			Audit:    c.store,
			NATS:     c.nats,
			Prefix:   c.cfg.NATS.SubjectPrefix,
			Logger:   c.logger,
		})
		if err != nil {
			return fmt.Errorf("build gateway: %w", err)
		}
		c.gateway = gw
	}

	if c.cfg.Metrics.Enabled {
		c.metrics = metric.NewServer(c.cfg.Metrics.Address, "/metrics", c.registry)
	}
	return nil
}

// registerComponents fixes the start order; StopAll walks it in reverse.
func (c *cell) registerComponents() error {
	components := []component.Lifecycle{}
	if c.store != nil {
		components = append(components, c.store)
	}
	components = append(components, c.publisher)
	if c.gateway != nil {
		components = append(components, c.gateway)
	}
	components = append(components, c.orch)

	for _, comp := range components {
		if err := c.manager.Register(comp); err != nil {
			return fmt.Errorf("register %s: %w", comp.Name(), err)
		}
	}
	return nil
}

// run connects the transports, starts every component and blocks until a
// signal, an operator stop or a coordination failure ends the cell.
func (c *cell) run(cliCfg *CLIConfig) error {
	ctx := context.Background()

	if c.nats != nil {
		if err := connectNATS(ctx, c.nats); err != nil {
			return err
		}
		defer func() { _ = c.nats.Close(ctx) }()
	}

	if err := c.connectDevices(ctx); err != nil {
		return err
	}
	defer c.closeDevices()
	defer c.lis.Close()

	if c.metrics != nil {
		go func() {
			if err := c.metrics.Start(); err != nil {
				slog.Error("Metrics server failed", "error", err)
			}
		}()
		defer func() { _ = c.metrics.Stop() }()
		slog.Info("Metrics endpoint up", "address", c.metrics.Address())
	}

	signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	if err := c.manager.StartAll(signalCtx); err != nil {
		return fmt.Errorf("start components: %w", err)
	}

	console := operator.NewConsole(c.coord, os.Stdin, os.Stdout, c.orch.StatusText, c.logger)
	go func() { _ = console.Run(signalCtx) }()

	slog.Info("Tube sorter running",
		"program", c.cfg.Robot.Program,
		"components", c.manager.Components())

	var runErr error
	select {
	case <-signalCtx.Done():
		slog.Info("Received shutdown signal")
	case <-c.orch.Done():
		if err := c.orch.Err(); err != nil {
			slog.Error("Coordination loop failed", "error", err)
			runErr = err
		} else {
			slog.Info("Coordination loop finished")
		}
	}

	if err := c.manager.StopAll(cliCfg.ShutdownTimeout); err != nil {
		slog.Error("Error stopping components", "error", err)
		if runErr == nil {
			runErr = err
		}
	}

	slog.Info("Tube sorter shut down")
	return runErr
}

// connectNATS establishes the bus connection and waits for it to be ready.
func connectNATS(ctx context.Context, client *natsclient.Client) error {
	slog.Info("Connecting to NATS", "url", client.URL())
	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("connect to NATS: %w", err)
	}

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.WaitForConnection(connCtx); err != nil {
		return fmt.Errorf("NATS connection timeout: %w", err)
	}
	return nil
}

func (c *cell) connectDevices(ctx context.Context) error {
	slog.Info("Connecting to the robot controller",
		"address", c.cfg.Robot.Address, "sim", c.sim != nil)
	if err := c.controller.Connect(ctx); err != nil {
		return fmt.Errorf("connect controller: %w", err)
	}
	c.monitor.UpdateHealthy("controller", "connected")

	slog.Info("Connecting to the barcode scanner", "address", c.cfg.Scanner.Address)
	if err := c.scan.Connect(ctx); err != nil {
		_ = c.controller.Close()
		return fmt.Errorf("connect scanner: %w", err)
	}
	c.monitor.UpdateHealthy("scanner", "connected")
	return nil
}

func (c *cell) closeDevices() {
	if err := c.scan.Close(); err != nil {
		slog.Warn("Scanner close failed", "error", err)
	}
	if err := c.controller.Close(); err != nil {
		slog.Warn("Controller close failed", "error", err)
	}
}
