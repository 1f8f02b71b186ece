package operator

import (
	"sync/atomic"
	"time"
)

// pollInterval matches the original daemon's 100ms switch-check cadence.
const pollInterval = 100 * time.Millisecond

// indicator values the monitor writes directly, ported from led_control.
const (
	runStateOff         = 0
	runStateStopped     = 3
	runStateManualFire  = 2
	runStateArmed       = 5
	errStateOff         = 0
	errStateDaemon      = 1
)

// ShowController is the narrow slice of coordinator behavior the switch
// monitor drives: starting, pausing, and stopping the loaded show, plus the
// indicator/error surfaces it touches directly.
type ShowController interface {
	ShowLoaded() bool
	RunningShow() bool
	Bounce()
	StartSchedule()
	StopSchedule(updateLED bool)
	PauseSchedule()
	WriteError(msg string)
	SetLED(key string, value int)
}

// Monitor polls a Source every pollInterval and converts switch transitions
// into ShowController calls. Run one Monitor per coordinator instance; it
// blocks until its stop channel closes.
type Monitor struct {
	source Source
	ctrl   ShowController

	lastArmed      bool
	lastStartStop  bool
	lastManualFire bool

	manualFireEnabled bool
	startSwitchActive bool

	// Mirrors of the above, safe to read from any goroutine.
	armedState      atomic.Bool
	manualFireState atomic.Bool
	startSwState    atomic.Bool
}

// NewMonitor builds a Monitor. The switches are assumed disengaged at
// startup (armed=false, start/stop=false, manual fire=false), matching the
// original's HIGH/HIGH/HIGH initial state.
func NewMonitor(source Source, ctrl ShowController) *Monitor {
	return &Monitor{source: source, ctrl: ctrl}
}

// ManualFireEnabled reports whether manual fire mode is currently engaged.
func (m *Monitor) ManualFireEnabled() bool { return m.manualFireState.Load() }

// StartSwitchActive reports whether the start/stop switch is in its
// "started" position.
func (m *Monitor) StartSwitchActive() bool { return m.startSwState.Load() }

// Armed reports whether the arming switch is currently engaged.
func (m *Monitor) Armed() bool { return m.armedState.Load() }

// Run polls until stop is closed.
func (m *Monitor) Run(stop <-chan struct{}) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			snap, err := m.source.Read()
			if err != nil {
				continue
			}
			m.handle(snap)
		}
	}
}

func (m *Monitor) handle(snap Snapshot) {
	m.handleManualFire(snap.ManualFire)
	m.handleArming(snap.Armed)
	m.handleStartStop(snap.Armed, snap.StartStop)

	m.lastArmed = snap.Armed
	m.lastStartStop = snap.StartStop
	m.lastManualFire = snap.ManualFire

	m.armedState.Store(snap.Armed)
	m.manualFireState.Store(m.manualFireEnabled)
	m.startSwState.Store(m.startSwitchActive)
}

func (m *Monitor) handleManualFire(active bool) {
	switch {
	case m.lastManualFire && !active:
		if m.ctrl.ShowLoaded() {
			m.ctrl.SetLED(keyShowRunState, runStateStopped)
		} else {
			m.ctrl.SetLED(keyShowRunState, runStateOff)
		}
		m.manualFireEnabled = false
	case !m.lastManualFire && active:
		m.ctrl.StopSchedule(false)
		m.manualFireEnabled = true
		m.ctrl.SetLED(keyShowRunState, runStateManualFire)
	}
}

func (m *Monitor) handleArming(active bool) {
	switch {
	case m.lastArmed && !active:
		m.ctrl.StopSchedule(true)
	case !m.lastArmed && active:
		if m.ctrl.ShowLoaded() {
			m.ctrl.SetLED(keyShowRunState, runStateArmed)
		}
	}
}

func (m *Monitor) handleStartStop(armed, active bool) {
	if armed {
		switch {
		case !m.lastStartStop && active:
			m.onStartEngaged()
			m.startSwitchActive = true
		case m.lastStartStop && !active:
			m.onStartReleased()
			m.startSwitchActive = false
		}
		return
	}
	if m.lastStartStop != active {
		m.ctrl.WriteError("Start/Stop switch changed while system was not armed. This is not allowed.")
	}
}

func (m *Monitor) onStartEngaged() {
	if !m.ctrl.ShowLoaded() {
		if m.manualFireEnabled {
			m.ctrl.SetLED(keyShowRunState, runStateManualFire)
		} else {
			m.ctrl.WriteError("Tried to start show but no show loaded and manual fire is off.")
		}
		return
	}
	if m.manualFireEnabled {
		m.ctrl.WriteError("Cannot start a show when manual fire is enabled. Hit Stop, disengage manual fire, then try again.")
		m.ctrl.SetLED(keyErrorState, errStateDaemon)
		return
	}
	m.ctrl.StartSchedule()
}

func (m *Monitor) onStartReleased() {
	m.ctrl.Bounce()
	if m.ctrl.RunningShow() {
		m.ctrl.PauseSchedule()
		return
	}
	if !m.ctrl.ShowLoaded() {
		m.ctrl.SetLED(keyShowRunState, runStateOff)
		return
	}
	m.ctrl.StopSchedule(false)
	m.ctrl.SetLED(keyShowRunState, runStateArmed)
}

const (
	keyShowRunState = "show_run_state"
	keyErrorState   = "error_state"
)
