package engine

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/os4-ivmb/backyardhero-pyro/pkg/logging"
	"github.com/os4-ivmb/backyardhero-pyro/pkg/protocol"
	"github.com/os4-ivmb/backyardhero-pyro/pkg/registry"
	"github.com/os4-ivmb/backyardhero-pyro/pkg/resolver"
)

// Timing constants carried from the original BYHProtocolHandler.
const (
	showStartLeadTime   = 25 * time.Second
	abortPreStartWindow = 10 * time.Second
	asyncLoadRetryTicks = 10
	startReadyRepoll    = 5
	countdownPing       = 3 * time.Second
	fireLoopPoll        = 10 * time.Millisecond
	pausePoll           = 100 * time.Millisecond
	cursorExportPeriod  = 1 * time.Second
)

// HandlerConfig carries the per-show tunables a HybridHandler needs.
type HandlerConfig struct {
	MinBatteryToFirePct int
	RequireContinuity   bool
	AsyncLoadRepeat     int
	DirectFireRepeat    int
	ClockSyncIntervalMs int64
	QueryIntervalMs     int64
}

// CommandJournal records inbound "cmd" debug messages for later inspection;
// satisfied by pkg/diagnostics.Journal.
type CommandJournal interface {
	RecordCommand(raw json.RawMessage)
}

// HybridHandler is the production ProtocolHandler: it drives both
// preloaded/async receivers and live direct-RF fires through one show.
type HybridHandler struct {
	ops     CoordinatorOps
	reg     *registry.Registry
	clock   Clock
	cfg     HandlerConfig
	logger  *logging.Logger
	journal CommandJournal

	mu sync.Mutex

	state        State
	showID       int64
	errors       []string
	showLoaded   bool
	loadWaiting  bool
	asyncRetryCt int

	firingArray      []resolver.ResolvedCue
	asyncLoadTargets map[string][]resolver.ResolvedCue
	showStartTimeMs  int64
	timeCursor       float64
	runningShow      bool

	lastSyncMs  int64
	lastQueryMs int64

	stopEvent  *cancelToken
	pauseEvent *levelGate
}

// NewHybridHandler builds a HybridHandler wired to the given sink, receiver
// registry, and clock source.
func NewHybridHandler(ops CoordinatorOps, reg *registry.Registry, clock Clock, cfg HandlerConfig, logger *logging.Logger, journal CommandJournal) *HybridHandler {
	return &HybridHandler{
		ops:        ops,
		reg:        reg,
		clock:      clock,
		cfg:        cfg,
		logger:     logger,
		journal:    journal,
		state:      StateStandby,
		timeCursor: -1,
		stopEvent:  newCancelToken(),
		pauseEvent: &levelGate{},
	}
}

// ProcessInbound folds a decoded dongle message into registry state and
// engine bookkeeping.
func (h *HybridHandler) ProcessInbound(msg interface{}) {
	switch m := msg.(type) {
	case *protocol.StatusMessage:
		nowMs := h.clock.WallMs()
		unknown := h.reg.ApplyStatus(m, nowMs)
		for _, ident := range unknown {
			h.logger.Debug("engine", "status for unknown receiver", map[string]interface{}{"ident": ident})
		}
		h.updateRelevantStates()
	case *protocol.ConfigMessage:
		if !h.reg.ApplyConfig(m) {
			h.logger.Debug("engine", "config for unknown receiver", map[string]interface{}{"ident": m.Ident})
		}
	case *protocol.CmdMessage:
		if h.journal != nil {
			h.journal.RecordCommand(m.Raw)
		}
	}
}

// updateRelevantStates checks whether a pending async load has completed and
// retries stragglers after asyncLoadRetryTicks status updates.
func (h *HybridHandler) updateRelevantStates() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !(h.loadWaiting && h.showID != 0 && !h.showLoaded) {
		return
	}

	incomplete := h.incompleteLoadTargetsLocked()
	if len(incomplete) == 0 {
		h.showLoaded = true
		h.loadWaiting = false
		h.state = StateLoaded
		h.ops.SignalShowLoaded(h.showID)
		return
	}

	h.asyncRetryCt++
	if h.asyncRetryCt > asyncLoadRetryTicks {
		retryTargets := make(map[string][]resolver.ResolvedCue, len(incomplete))
		for _, dev := range incomplete {
			retryTargets[dev] = h.asyncLoadTargets[dev]
		}
		h.asyncRetryCt = 0
		go h.loadAsyncFireTargets(retryTargets, h.showID, false)
	}
}

// incompleteLoadTargetsLocked returns the async load targets whose receiver
// has not yet reported loadComplete=true for the current show. Caller holds
// h.mu.
func (h *HybridHandler) incompleteLoadTargetsLocked() []string {
	var incomplete []string
	for deviceID := range h.asyncLoadTargets {
		snap, ok := h.reg.Get(deviceID)
		if !ok || snap.ShowID != h.showID || !snap.LoadComplete {
			incomplete = append(incomplete, deviceID)
		}
	}
	return incomplete
}

// Bounce runs the periodic housekeeping the engine driver calls on its tick:
// dongle clock sync and periodic receiver config queries.
func (h *HybridHandler) Bounce() {
	h.syncClock()
	h.queryConfigsPeriodic()
}

func (h *HybridHandler) syncClock() {
	now := h.clock.WallMs()
	h.mu.Lock()
	interval := h.cfg.ClockSyncIntervalMs
	if now-h.lastSyncMs < interval {
		h.mu.Unlock()
		return
	}
	h.lastSyncMs = now
	h.mu.Unlock()

	if err := h.ops.Send(protocol.ClockSync(now)); err != nil {
		h.logger.Warn("engine", "clock sync failed", map[string]interface{}{"error": err.Error()})
	}
}

func (h *HybridHandler) queryConfigsPeriodic() {
	now := h.clock.WallMs()
	h.mu.Lock()
	interval := h.cfg.QueryIntervalMs
	if now-h.lastQueryMs < interval {
		h.mu.Unlock()
		return
	}
	h.lastQueryMs = now
	h.mu.Unlock()

	for _, ident := range h.reg.Idents() {
		if h.reg.IsOnline(ident, now) {
			_ = h.ops.Send(protocol.GetConfig(ident, 1))
		}
	}
}

// LoadShow resolves and distributes a show's cues. Returns true only if the
// show is fully loaded with nothing left to async-load.
func (h *HybridHandler) LoadShow(cues []loadCue, showID int64) bool {
	resolverCues := make([]resolver.Cue, len(cues))
	for i, c := range cues {
		resolverCues[i] = resolver.Cue{ID: c.ID, StartTimeSeconds: c.StartTimeSeconds, Zone: c.Zone, Target: c.Target}
	}

	h.mu.Lock()
	h.showID = showID
	h.errors = nil
	h.state = StateLoading
	h.mu.Unlock()

	if len(cues) == 0 {
		h.ops.WriteError("Loaded a show with an empty firing array? No")
		return false
	}

	res := resolver.Resolve(h.reg, resolverCues, h.clock.WallMs())

	h.mu.Lock()
	h.firingArray = res.FiringArray
	h.errors = res.Errors
	h.asyncLoadTargets = res.AsyncLoadTargets
	hasErrors := len(h.errors) > 0
	hasAsync := len(h.asyncLoadTargets) > 0
	h.mu.Unlock()

	if hasErrors {
		h.mu.Lock()
		h.showLoaded = false
		h.mu.Unlock()
		return false
	}

	if hasAsync {
		h.loadAsyncFireTargets(res.AsyncLoadTargets, showID, true)
	}

	if hasAsync {
		h.mu.Lock()
		h.loadWaiting = true
		h.mu.Unlock()
		return false
	}

	h.mu.Lock()
	h.state = StateLoaded
	h.showLoaded = true
	h.mu.Unlock()
	return true
}

// loadAsyncFireTargets sends startload/showload sequences to every receiver
// in targets, pacing outbound frames so the dongle's blocking queue never
// overflows.
func (h *HybridHandler) loadAsyncFireTargets(targets map[string][]resolver.ResolvedCue, showID int64, sendStartLoad bool) {
	h.mu.Lock()
	h.asyncLoadTargets = mergeAsyncTargets(h.asyncLoadTargets, targets)
	h.state = StateLoading
	h.mu.Unlock()

	for deviceID, cues := range targets {
		shouldStartLoad := sendStartLoad
		if !shouldStartLoad {
			if snap, ok := h.reg.Get(deviceID); ok && snap.ShowID == showID {
				shouldStartLoad = false
			} else {
				shouldStartLoad = true
			}
		}

		if shouldStartLoad {
			_ = h.ops.Send(protocol.StartLoad(deviceID, len(cues), showID))
			time.Sleep(300 * time.Millisecond)
		}

		for i := 0; i < len(cues); i += 2 {
			first := cueToPair(cues[i])
			var second protocol.ShowLoadPair
			if i+1 < len(cues) {
				second = cueToPair(cues[i+1])
			}
			_ = h.ops.Send(protocol.ShowLoad(deviceID, first, second, h.cfg.AsyncLoadRepeat))
			time.Sleep(protocol.InterCommandPacing)
		}
	}
}

func mergeAsyncTargets(base, extra map[string][]resolver.ResolvedCue) map[string][]resolver.ResolvedCue {
	if base == nil {
		base = map[string][]resolver.ResolvedCue{}
	}
	for k, v := range extra {
		base[k] = v
	}
	return base
}

func cueToPair(cue resolver.ResolvedCue) protocol.ShowLoadPair {
	return protocol.ShowLoadPair{
		StartTimeMs: int(cue.StartTimeSeconds * 1000),
		TargetIdx:   cue.Target - 1,
	}
}

// sendToActiveNodes sends the line built by build(ident) to every online receiver in
// targets (or every known receiver if targets is nil), pacing frames by
// protocol.InterCommandPacing.
func (h *HybridHandler) sendToActiveNodes(build func(ident string) string, targets map[string][]resolver.ResolvedCue) {
	idents := make([]string, 0, len(targets))
	if targets != nil {
		for ident := range targets {
			idents = append(idents, ident)
		}
	} else {
		idents = h.reg.Idents()
	}

	now := h.clock.WallMs()
	for _, ident := range idents {
		if !h.reg.IsOnline(ident, now) {
			continue
		}
		_ = h.ops.Send(build(ident))
		time.Sleep(protocol.InterCommandPacing)
	}
}

// UnloadShow clears the loaded show and resets every connected receiver.
func (h *HybridHandler) UnloadShow() {
	h.mu.Lock()
	h.timeCursor = -1
	h.firingArray = nil
	h.errors = nil
	h.asyncLoadTargets = nil
	h.showID = 0
	h.loadWaiting = false
	h.showLoaded = false
	h.state = StateStandby
	h.mu.Unlock()

	h.sendToActiveNodes(func(ident string) string { return protocol.Reset(ident, 1) }, nil)
}

// FCFailures mirrors get_fc_failures: resets the error list, reporting only
// "nothing loaded" if the firing array is empty.
func (h *HybridHandler) FCFailures() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.firingArray) == 0 {
		h.errors = []string{"System error - No firing strategy loaded in. Check other errors."}
	} else {
		h.errors = nil
	}
	return h.errors
}

// HandleManualFire resolves (zone,target) and fires it immediately, subject
// to the caller having already checked the arm/start/manual-fire gate.
func (h *HybridHandler) HandleManualFire(zone, target int) error {
	ident, recvType, err := h.reg.Resolve(zone, target)
	if err != nil {
		return err
	}

	if recvType == registry.DirectRF {
		envelope := resolver.DirectRFEnvelope(zone, target, h.cfg.DirectFireRepeat)
		return h.ops.Send(protocol.DirectFire(envelope))
	}

	now := h.clock.WallMs()
	if !h.reg.IsOnline(ident, now) {
		h.ops.WriteError("Manual fire failed as device is not connected")
		return fmt.Errorf("receiver %s is not connected", ident)
	}
	return h.ops.Send(protocol.Fire(ident, target-1))
}

func (h *HybridHandler) ShowLoaded() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.showLoaded
}

func (h *HybridHandler) RunningShow() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.runningShow
}

func (h *HybridHandler) ShowStartTimeMs() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.showStartTimeMs
}

func (h *HybridHandler) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *HybridHandler) Errors() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.errors
}

func (h *HybridHandler) StopSchedule() {
	h.stopEvent.Fire()
}

func (h *HybridHandler) PauseSchedule() {
	h.pauseEvent.Set(true)
}

// ResumeSchedule clears the pause level, letting RunShow's fire loop proceed.
func (h *HybridHandler) ResumeSchedule() {
	h.pauseEvent.Set(false)
}
