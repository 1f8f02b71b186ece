// Package operator watches the physical/bridge-relayed arm, start/stop, and
// manual-fire switches and turns their debounced transitions into show
// control actions, the way the original daemon's monitor_switch loop did.
package operator

import (
	"github.com/os4-ivmb/backyardhero-pyro/pkg/hardware"
)

// Snapshot is a single switch reading. Each field is true when the switch is
// in its "engaged" position (the original's active-low GPIO convention,
// translated here into a plain boolean so callers never deal with LOW/HIGH).
type Snapshot struct {
	Armed      bool
	StartStop  bool
	ManualFire bool
}

// Source supplies the current switch state, either from real GPIO pins or
// relayed over the serial bridge's TCP control channel.
type Source interface {
	Read() (Snapshot, error)
}

// GPIOSource reads switch state from three Linux sysfs GPIO input pins.
type GPIOSource struct {
	gpio             *hardware.LinuxGPIO
	armPin           int
	startStopPin     int
	manualFirePin    int
}

// NewGPIOSource builds a Source backed by real GPIO pins. The pins are
// assumed wired active-low (pulled high, switch shorts to ground).
func NewGPIOSource(gpio *hardware.LinuxGPIO, armPin, startStopPin, manualFirePin int) *GPIOSource {
	return &GPIOSource{gpio: gpio, armPin: armPin, startStopPin: startStopPin, manualFirePin: manualFirePin}
}

func (s *GPIOSource) Read() (Snapshot, error) {
	armHigh, err := s.gpio.GetPin(s.armPin)
	if err != nil {
		return Snapshot{}, err
	}
	startHigh, err := s.gpio.GetPin(s.startStopPin)
	if err != nil {
		return Snapshot{}, err
	}
	fireHigh, err := s.gpio.GetPin(s.manualFirePin)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{
		Armed:      !armHigh,
		StartStop:  !startHigh,
		ManualFire: !fireHigh,
	}, nil
}

// BridgeSource reports whatever switch snapshot was most recently relayed by
// the serial bridge over its TCP control channel, for installs where the
// switches wire into the bridge board instead of the host's own GPIO.
type BridgeSource struct {
	current chan Snapshot
	last    Snapshot
}

// NewBridgeSource creates a Source fed by Update.
func NewBridgeSource() *BridgeSource {
	return &BridgeSource{current: make(chan Snapshot, 1)}
}

// Update records the latest relayed snapshot. Safe to call from the
// transport reader goroutine.
func (b *BridgeSource) Update(s Snapshot) {
	select {
	case <-b.current:
	default:
	}
	b.current <- s
}

func (b *BridgeSource) Read() (Snapshot, error) {
	select {
	case s := <-b.current:
		b.last = s
	default:
	}
	return b.last, nil
}
