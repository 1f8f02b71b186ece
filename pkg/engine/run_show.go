package engine

import (
	"fmt"
	"time"

	"github.com/os4-ivmb/backyardhero-pyro/pkg/protocol"
	"github.com/os4-ivmb/backyardhero-pyro/pkg/resolver"
)

// RunShow runs the precheck, start handshake, and fire loop for the loaded
// show. It is meant to be invoked on its own goroutine; it returns once the
// show completes, aborts, or is stopped.
func (h *HybridHandler) RunShow() {
	h.stopEvent.Reset()
	h.pauseEvent.Set(false)
	h.ops.SetLED(IndicatorShowRunState, RunStateRunning)

	h.mu.Lock()
	h.state = StateStartPending
	h.mu.Unlock()
	h.ops.SetLED(IndicatorShowRunState, RunStatePrecheck)

	if errs := h.runPrecheck(); len(errs) > 0 {
		h.ops.SetLED(IndicatorShowRunState, RunStateStopped)
		h.mu.Lock()
		h.state = StateAborted
		h.mu.Unlock()
		h.ops.WriteError("Precheck failed. Aborting show.")
		return
	}

	h.mu.Lock()
	showStart := h.clock.WallMs() + showStartLeadTime.Milliseconds()
	h.showStartTimeMs = showStart
	showID := h.showID
	targets := h.asyncLoadTargets
	h.mu.Unlock()

	h.sendToActiveNodes(func(ident string) string {
		return protocol.ShowStart(ident, showStart, showID, 6)
	}, targets)

	if aborted := h.awaitStartReady(showStart, showID, targets); aborted {
		return
	}

	if h.stopEvent.IsSet() {
		return
	}

	h.mu.Lock()
	h.state = StateStartConfirmed
	h.mu.Unlock()
	h.ops.SetLED(IndicatorShowRunState, RunStateCountdown)

	if h.runCountdown(showStart, targets) {
		return
	}

	h.mu.Lock()
	h.state = StateStarted
	h.runningShow = true
	firingArray := h.firingArray
	h.mu.Unlock()
	h.ops.SetLED(IndicatorShowRunState, RunStateRunning)

	h.runFireLoop(firingArray)
}

func (h *HybridHandler) runPrecheck() []string {
	h.mu.Lock()
	minBattery := h.cfg.MinBatteryToFirePct
	requireContinuity := h.cfg.RequireContinuity
	firingArray := h.firingArray
	h.mu.Unlock()

	var errs []string
	for _, entry := range firingArray {
		snap, ok := h.reg.Get(entry.DeviceID)
		if !ok || !snap.HasStatus {
			errs = append(errs, fmt.Sprintf("Precheck: No battery info for receiver '%s'.", entry.DeviceID))
		} else if snap.Battery < minBattery {
			errs = append(errs, fmt.Sprintf("Precheck: Receiver '%s' battery at %d%% (below minimum %d%%).",
				entry.DeviceID, snap.Battery, minBattery))
		}

		if requireContinuity && entry.AsyncFire {
			if errMsg, ok := checkContinuity(snap.Continuity, entry); !ok {
				errs = append(errs, errMsg)
			}
		}
	}

	h.mu.Lock()
	h.errors = errs
	h.mu.Unlock()
	return errs
}

// checkContinuity enforces the firmware's 2-entry continuity bitmask
// contract: bit (target-1) of continuity[(target-1)/64] must be set.
func checkContinuity(continuity []int64, entry resolver.ResolvedCue) (string, bool) {
	if len(continuity) != 2 {
		return fmt.Sprintf("Precheck: Invalid continuity data for receiver '%s'.", entry.DeviceID), false
	}

	bitIndex := entry.Target - 1
	maskIdx := bitIndex / 64
	bitPos := bitIndex % 64
	if maskIdx < 0 || maskIdx >= len(continuity) {
		return fmt.Sprintf("Precheck: Cue %d:%d out of continuity range for '%s'.",
			entry.Zone, entry.Target, entry.DeviceID), false
	}

	mask := continuity[maskIdx]
	if (mask>>uint(bitPos))&1 == 0 {
		return fmt.Sprintf("Precheck: Receiver '%s' continuity bit missing for cue %d:%d.",
			entry.DeviceID, entry.Zone, entry.Target), false
	}
	return "", true
}

func (h *HybridHandler) awaitStartReady(showStart, showID int64, targets map[string][]resolver.ResolvedCue) bool {
	repollCount := 0
	for {
		if h.stopEvent.IsSet() {
			return true
		}

		notReady := h.incompleteStartReady(showID, targets)
		if len(notReady) == 0 {
			break
		}

		now := h.clock.WallMs()
		if now > showStart-abortPreStartWindow.Milliseconds() {
			h.ops.SetLED(IndicatorErrorState, ErrStateDaemon)
			h.ops.SetLED(IndicatorShowRunState, RunStateStopped)
			h.mu.Lock()
			h.state = StateAborted
			for _, dev := range notReady {
				h.errors = append(h.errors, fmt.Sprintf(
					"Start: %s did not signal start ready by %d before start. Aborting show.",
					dev, int(abortPreStartWindow.Seconds())))
			}
			h.mu.Unlock()
			return true
		}

		time.Sleep(1 * time.Second)
		repollCount++
		if repollCount > startReadyRepoll {
			repollCount = 0
			retryTargets := make(map[string][]resolver.ResolvedCue, len(notReady))
			h.mu.Lock()
			for _, dev := range notReady {
				retryTargets[dev] = h.asyncLoadTargets[dev]
			}
			h.mu.Unlock()
			h.sendToActiveNodes(func(ident string) string {
				return protocol.ShowStart(ident, showStart, showID, 5)
			}, retryTargets)
		}
	}
	return false
}

func (h *HybridHandler) incompleteStartReady(showID int64, targets map[string][]resolver.ResolvedCue) []string {
	var notReady []string
	for deviceID := range targets {
		snap, ok := h.reg.Get(deviceID)
		if !ok || snap.ShowID != showID || !snap.StartReady {
			notReady = append(notReady, deviceID)
		}
	}
	return notReady
}

func (h *HybridHandler) runCountdown(showStart int64, targets map[string][]resolver.ResolvedCue) (stopped bool) {
	for h.clock.WallMs() < showStart {
		h.sendToActiveNodes(func(ident string) string { return protocol.Play(ident, 5) }, targets)
		time.Sleep(countdownPing)
		if h.stopEvent.IsSet() {
			h.abortRunningShow(targets)
			return true
		}
	}
	return false
}

func (h *HybridHandler) abortRunningShow(targets map[string][]resolver.ResolvedCue) {
	h.mu.Lock()
	h.runningShow = false
	h.state = StateAborted
	h.mu.Unlock()
	h.ops.SetLED(IndicatorShowRunState, RunStateStopped)
	h.sendToActiveNodes(func(ident string) string { return protocol.Stop(ident, 5) }, targets)
}

func (h *HybridHandler) runFireLoop(firingArray []resolver.ResolvedCue) {
	startWall := h.clock.Monotonic()
	pauseOffset := time.Duration(0)
	lastCursorWrite := h.clock.Monotonic()

	for _, item := range firingArray {
		delay := time.Duration(item.StartTimeSeconds * float64(time.Second))

		for h.clock.Monotonic().Sub(startWall) < delay+pauseOffset {
			if h.stopEvent.IsSet() {
				h.abortRunningShow(nil)
				return
			}
			if h.pauseEvent.IsSet() {
				pauseStart := h.clock.Monotonic()
				h.sendToActiveNodes(func(ident string) string { return protocol.Pause(ident, 5) }, nil)
				for h.pauseEvent.IsSet() {
					time.Sleep(pausePoll)
					if h.stopEvent.IsSet() {
						h.abortRunningShow(nil)
						return
					}
				}
				pauseOffset += h.clock.Monotonic().Sub(pauseStart)
				h.sendToActiveNodes(func(ident string) string { return protocol.Play(ident, 5) }, nil)
			}

			time.Sleep(fireLoopPoll)
			elapsed := h.clock.Monotonic().Sub(startWall) + pauseOffset
			h.mu.Lock()
			h.timeCursor = elapsed.Seconds()
			h.mu.Unlock()

			if h.clock.Monotonic().Sub(lastCursorWrite) >= cursorExportPeriod {
				h.ops.WriteTimeCursor(elapsed.Seconds())
				lastCursorWrite = h.clock.Monotonic()
			}
		}

		h.fireItem(item)
	}

	h.mu.Lock()
	h.runningShow = false
	h.state = StateLoaded
	h.mu.Unlock()
	h.ops.SetLED(IndicatorShowRunState, RunStateOff)
}

func (h *HybridHandler) fireItem(item resolver.ResolvedCue) {
	if item.AsyncFire {
		return
	}
	envelope := resolver.DirectRFEnvelope(item.Zone, item.Target, h.cfg.DirectFireRepeat)
	if err := h.ops.Send(protocol.DirectFire(envelope)); err != nil {
		h.logger.Warn("engine", "direct fire failed", map[string]interface{}{"error": err.Error(), "cue": item.ID})
	}
}
