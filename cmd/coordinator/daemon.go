package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/os4-ivmb/backyardhero-pyro/pkg/config"
	"github.com/os4-ivmb/backyardhero-pyro/pkg/diagnostics"
	"github.com/os4-ivmb/backyardhero-pyro/pkg/engine"
	"github.com/os4-ivmb/backyardhero-pyro/pkg/hardware"
	"github.com/os4-ivmb/backyardhero-pyro/pkg/inbox"
	"github.com/os4-ivmb/backyardhero-pyro/pkg/logging"
	"github.com/os4-ivmb/backyardhero-pyro/pkg/operator"
	"github.com/os4-ivmb/backyardhero-pyro/pkg/registry"
	"github.com/os4-ivmb/backyardhero-pyro/pkg/status"
	"github.com/os4-ivmb/backyardhero-pyro/pkg/transport"
)

// bounceInterval is how often the daemon drives the engine's periodic
// housekeeping (dongle clock sync, receiver config queries).
const bounceInterval = 1 * time.Second

// stateExportInterval matches the original's per-switch-poll state file
// rewrite cadence.
const stateExportInterval = 100 * time.Millisecond

// Coordinator is the top-level daemon: it owns every long-lived component
// and wires them together through the narrow interfaces each package
// exposes (engine.CoordinatorOps, operator.ShowController,
// inbox.Dispatcher, transport.Sink).
type Coordinator struct {
	cfg    *config.Config
	logger *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	stopCh chan struct{}

	reg     *registry.Registry
	tr      *transport.Transport
	handler engine.ProtocolHandler

	indicators *status.IndicatorStore
	exporter   *status.Exporter
	errLog     *status.ErrorLog
	cursor     *status.CursorFile
	journal    *diagnostics.Journal

	monitor      *operator.Monitor
	bridgeSource *operator.BridgeSource
	poller       *inbox.Poller

	mu                    sync.Mutex
	delegateStartToClient bool
	waitingForClientStart bool
	loadedShowName        string
	loadedShowID          int64
	currentSchedule       []interface{}
	fireCheckFailures     []string
	fireRepeat            int
	lastSerialReceivedAt  time.Time
	deviceConnected       bool
}

// NewCoordinator builds every component and wires them together. It does
// not start any goroutines; call Start for that.
func NewCoordinator(cfg *config.Config, logger *logging.Logger) (*Coordinator, error) {
	statics, err := registry.LoadStatic(cfg.Receivers.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("load receivers manifest: %w", err)
	}
	reg := registry.New(statics, int64(cfg.Receivers.OnlineTimeoutMs))

	journal, err := diagnostics.Open(cfg.Storage.DiagnosticsDB)
	if err != nil {
		return nil, fmt.Errorf("open diagnostics journal: %w", err)
	}

	errLog, err := status.OpenErrorLog(cfg.Paths.ErrorLogFile)
	if err != nil {
		return nil, fmt.Errorf("open error log: %w", err)
	}

	cursor, err := status.OpenCursorFile(cfg.Paths.CursorFile)
	if err != nil {
		return nil, fmt.Errorf("open cursor file: %w", err)
	}

	exporter, err := status.NewExporter(cfg.Paths.StateFile)
	if err != nil {
		return nil, fmt.Errorf("open state exporter: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	c := &Coordinator{
		cfg:                   cfg,
		logger:                logger,
		ctx:                   ctx,
		cancel:                cancel,
		stopCh:                make(chan struct{}),
		reg:                   reg,
		journal:               journal,
		errLog:                errLog,
		cursor:                cursor,
		exporter:              exporter,
		delegateStartToClient: cfg.Firing.DelegateStartToUser,
		fireRepeat:            cfg.Firing.DirectFireRepeat,
	}

	indicators, err := status.NewIndicatorStore(cfg.Paths.LEDStateFile, c.onIndicatorChange)
	if err != nil {
		return nil, fmt.Errorf("open indicator store: %w", err)
	}
	c.indicators = indicators

	c.tr = transport.New(cfg.Dongle.Host, cfg.Dongle.Port, cfg.Dongle.Baud, c, logger)

	handlerCfg := engine.HandlerConfig{
		MinBatteryToFirePct: cfg.Firing.MinBatteryToFirePct,
		RequireContinuity:   cfg.Firing.RequireContinuity,
		AsyncLoadRepeat:     cfg.Firing.AsyncLoadRepeat,
		DirectFireRepeat:    cfg.Firing.DirectFireRepeat,
		ClockSyncIntervalMs: int64(cfg.Dongle.SyncIntervalMs),
		QueryIntervalMs:     int64(cfg.Dongle.QueryIntervalMs),
	}
	c.handler = engine.NewHybridHandler(c, reg, engine.SystemClock{}, handlerCfg, logger, journal)

	source, bridgeSource := c.buildSwitchSource()
	c.bridgeSource = bridgeSource
	c.monitor = operator.NewMonitor(source, c)

	c.poller = inbox.New(cfg.Paths.CommandDropDir, c, logger)

	return c, nil
}

// buildSwitchSource picks the arm/start-stop/manual-fire switch source
// according to the hardware config: real GPIO pins, bridge-relayed GPIO, or
// (if neither is enabled) a source that always reports all switches
// disengaged.
func (c *Coordinator) buildSwitchSource() (operator.Source, *operator.BridgeSource) {
	if c.cfg.Hardware.BridgeRelayedGPIO {
		bs := operator.NewBridgeSource()
		return bs, bs
	}
	if c.cfg.Hardware.EnableGPIO {
		gpio := hardware.NewLinuxGPIO()
		if err := gpio.Initialize(); err != nil {
			c.logger.Warn("coordinator", "GPIO init failed, switches will read as disengaged",
				map[string]interface{}{"error": err.Error()})
			return noopSwitchSource{}, nil
		}
		return operator.NewGPIOSource(gpio, c.cfg.Hardware.ArmPin, c.cfg.Hardware.StartStopPin, c.cfg.Hardware.ManualFirePin), nil
	}
	return noopSwitchSource{}, nil
}

// noopSwitchSource reports every switch permanently disengaged, for
// installs with no physical control panel wired up.
type noopSwitchSource struct{}

func (noopSwitchSource) Read() (operator.Snapshot, error) { return operator.Snapshot{}, nil }

// onIndicatorChange pushes the current LED brightness to the dongle as a
// "setled <brightness>" line, mirroring the original LEDHandler.update's
// send_serial_command call. The other indicator values are not sent.
func (c *Coordinator) onIndicatorChange(values map[string]int) {
	if c.tr == nil {
		return
	}
	if err := c.tr.Send(fmt.Sprintf("setled %d", values[status.KeyLEDBrightness])); err != nil {
		c.logger.Debug("coordinator", "indicator push failed", map[string]interface{}{"error": err.Error()})
	}
}

// Start connects the transport and launches every background loop.
func (c *Coordinator) Start() error {
	if err := c.tr.Connect(); err != nil {
		return fmt.Errorf("connect transport: %w", err)
	}

	c.wg.Add(4)
	go func() { defer c.wg.Done(); c.tr.Run() }()
	go func() { defer c.wg.Done(); c.monitor.Run(c.stopCh) }()
	go func() { defer c.wg.Done(); c.poller.Run(c.stopCh) }()
	go func() { defer c.wg.Done(); c.runBounceLoop() }()

	c.wg.Add(1)
	go func() { defer c.wg.Done(); c.runStateExportLoop() }()

	return nil
}

func (c *Coordinator) runBounceLoop() {
	ticker := time.NewTicker(bounceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.handler.Bounce()
		}
	}
}

func (c *Coordinator) runStateExportLoop() {
	ticker := time.NewTicker(stateExportInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			if err := c.exporter.Write(c.buildSnapshot()); err != nil {
				c.logger.Warn("coordinator", "state export failed", map[string]interface{}{"error": err.Error()})
			}
		}
	}
}

func (c *Coordinator) buildSnapshot() status.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	receivers := make(map[string]interface{}, len(c.reg.Idents()))
	for ident, snap := range c.reg.All() {
		receivers[ident] = snap
	}

	deviceRunning := !c.lastSerialReceivedAt.IsZero() && time.Since(c.lastSerialReceivedAt) <= 10*time.Second

	return status.Snapshot{
		DeviceRunning:         deviceRunning,
		DeviceFound:           c.deviceConnected,
		DeviceAddress:         fmt.Sprintf("%s:%d", c.cfg.Dongle.Host, c.cfg.Dongle.Port),
		DaemonLastUpdateMs:    time.Now().UnixMilli(),
		ShowLoaded:            c.handler.ShowLoaded(),
		LoadedShowName:        c.loadedShowName,
		LoadedShowID:          c.loadedShowID,
		ShowRunning:           c.handler.RunningShow(),
		DeviceIsTransmitting:  c.tr.IsTransmitting(),
		DeviceIsArmed:         c.monitor.Armed(),
		ManualFireActive:      c.monitor.ManualFireEnabled(),
		StartSwitchActive:     c.monitor.StartSwitchActive(),
		FireCheckFailures:     c.fireCheckFailures,
		HandlerErrors:         c.handler.Errors(),
		HandlerState:          string(c.handler.State()),
		ActiveProtocol:        "hybrid",
		DelegateStartToClient: c.delegateStartToClient,
		ShowStartTimeMs:       c.handler.ShowStartTimeMs(),
		Receivers:             receivers,
		WaitingForClientStart: c.waitingForClientStart,
		Settings: status.Settings{
			LEDBrightness:            c.indicators.Get(status.KeyLEDBrightness),
			FireRepeatCt:             c.fireRepeat,
			ReceiverTimeoutMs:        c.indicators.Get(status.KeyReceiverTimeoutMs),
			CommandResponseTimeoutMs: c.indicators.Get(status.KeyCommandResponseTimeout),
			ClockSyncIntervalMs:      c.indicators.Get(status.KeyClockSyncIntervalMs),
			DongleSyncIntervalMs:     c.indicators.Get(status.KeyDongleSyncIntervalMs),
			ConfigQueryIntervalMs:    c.indicators.Get(status.KeyConfigQueryIntervalMs),
			DebugMode:                c.indicators.Get(status.KeyDebugMode),
			DebugCommands:            c.indicators.Get(status.KeyDebugCommands),
			RF: status.RFSettings{
				Addr: c.cfg.Dongle.Host,
				Baud: c.cfg.Dongle.Baud,
			},
		},
	}
}

// Stop shuts down every background loop and releases held files/handles.
func (c *Coordinator) Stop() error {
	close(c.stopCh)
	c.cancel()
	c.tr.Stop()
	c.wg.Wait()

	if err := c.journal.Close(); err != nil {
		c.logger.Warn("coordinator", "journal close error", map[string]interface{}{"error": err.Error()})
	}
	if err := c.errLog.Close(); err != nil {
		c.logger.Warn("coordinator", "error log close error", map[string]interface{}{"error": err.Error()})
	}
	return nil
}
