package engine

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/os4-ivmb/backyardhero-pyro/pkg/config"
	"github.com/os4-ivmb/backyardhero-pyro/pkg/logging"
	"github.com/os4-ivmb/backyardhero-pyro/pkg/protocol"
	"github.com/os4-ivmb/backyardhero-pyro/pkg/registry"
	"github.com/os4-ivmb/backyardhero-pyro/pkg/resolver"
)

type fakeOps struct {
	sentLines     []string
	sendErr       error
	writtenErrors []string
	ledUpdates    map[string]int
	signaledShow  int64
	cursors       []float64
}

func newFakeOps() *fakeOps {
	return &fakeOps{ledUpdates: map[string]int{}}
}

func (f *fakeOps) Send(line string) error {
	f.sentLines = append(f.sentLines, line)
	return f.sendErr
}
func (f *fakeOps) WriteError(msg string)                 { f.writtenErrors = append(f.writtenErrors, msg) }
func (f *fakeOps) SetLED(key string, value int)          { f.ledUpdates[key] = value }
func (f *fakeOps) SignalShowLoaded(showID int64)         { f.signaledShow = showID }
func (f *fakeOps) WriteTimeCursor(seconds float64)       { f.cursors = append(f.cursors, seconds) }

type fakeClock struct {
	wallMs int64
	mono   time.Time
}

func (c *fakeClock) WallMs() int64        { return c.wallMs }
func (c *fakeClock) Monotonic() time.Time { return c.mono }

type fakeJournal struct {
	recorded []json.RawMessage
}

func (f *fakeJournal) RecordCommand(raw json.RawMessage) {
	f.recorded = append(f.recorded, raw)
}

func testLogger(t *testing.T) *logging.Logger {
	t.Helper()
	cfg := &config.Config{}
	cfg.Logging.Level = "error"
	logger, err := logging.NewLogger(cfg)
	if err != nil {
		t.Fatalf("Failed to build test logger: %v", err)
	}
	return logger
}

func newTestRegistry() *registry.Registry {
	return registry.New([]registry.StaticReceiver{
		{
			Ident: "direct1", NodeID: 1, Type: registry.DirectRF,
			Cues: map[int]map[int]bool{1: {1: true}},
		},
		{
			Ident: "relay1", NodeID: 2, Type: registry.SmartRelay,
			Cues: map[int]map[int]bool{2: {1: true}},
		},
	}, 5000)
}

func markOnline(reg *registry.Registry, ident string, nowMs int64, showID int64, loadComplete, startReady bool) {
	reg.ApplyStatus(&protocol.StatusMessage{
		DongleTimeMs: nowMs,
		Receivers: []protocol.ReceiverStatusLine{
			{
				Ident: ident, Node: 1, Battery: 90, ShowID: showID,
				LoadComplete: loadComplete, StartReady: startReady,
				LastMsgTimeMs: nowMs, LatencyMs: 10, SuccessPct: 100,
				Continuity: []int64{1, 0},
			},
		},
	}, nowMs)
}

func TestCancelToken(t *testing.T) {
	c := newCancelToken()
	if c.IsSet() {
		t.Error("Expected fresh cancelToken to not be set")
	}

	c.Fire()
	if !c.IsSet() {
		t.Error("Expected cancelToken to be set after Fire")
	}

	c.Fire() // idempotent, must not panic on double-close
	c.Reset()
	if c.IsSet() {
		t.Error("Expected cancelToken to clear after Reset")
	}
}

func TestLevelGate(t *testing.T) {
	g := &levelGate{}
	if g.IsSet() {
		t.Error("Expected fresh levelGate to be clear")
	}
	g.Set(true)
	if !g.IsSet() {
		t.Error("Expected levelGate set true")
	}
	g.Set(false)
	if g.IsSet() {
		t.Error("Expected levelGate cleared")
	}
}

func TestCheckContinuity(t *testing.T) {
	cue := resolver.ResolvedCue{Cue: resolver.Cue{Zone: 1, Target: 1}}

	if _, ok := checkContinuity(nil, cue); ok {
		t.Error("Expected nil continuity to fail")
	}
	if _, ok := checkContinuity([]int64{1}, cue); ok {
		t.Error("Expected a single-entry continuity mask to fail")
	}
	if _, ok := checkContinuity([]int64{1, 0}, cue); !ok {
		t.Error("Expected bit 0 of mask 0 set to pass for target 1")
	}
	if _, ok := checkContinuity([]int64{0, 0}, cue); ok {
		t.Error("Expected continuity bit unset to fail")
	}
}

func TestHybridProcessInboundStatus(t *testing.T) {
	reg := newTestRegistry()
	ops := newFakeOps()
	h := NewHybridHandler(ops, reg, &fakeClock{}, HandlerConfig{}, testLogger(t), nil)

	h.ProcessInbound(&protocol.StatusMessage{
		DongleTimeMs: 1000,
		Receivers: []protocol.ReceiverStatusLine{
			{Ident: "direct1", LastMsgTimeMs: 1000, Battery: 80, LatencyMs: 5, SuccessPct: 100},
		},
	})

	snap, ok := reg.Get("direct1")
	if !ok || snap.Battery != 80 {
		t.Errorf("Expected status applied to direct1, got %+v", snap)
	}
}

func TestHybridProcessInboundCmdRecordsJournal(t *testing.T) {
	reg := newTestRegistry()
	ops := newFakeOps()
	journal := &fakeJournal{}
	h := NewHybridHandler(ops, reg, &fakeClock{}, HandlerConfig{}, testLogger(t), journal)

	raw := json.RawMessage(`{"type":"cmd","x":1}`)
	h.ProcessInbound(&protocol.CmdMessage{Raw: raw})

	if len(journal.recorded) != 1 {
		t.Fatalf("Expected 1 recorded command, got %d", len(journal.recorded))
	}
}

func TestHybridLoadShowEmptyArray(t *testing.T) {
	reg := newTestRegistry()
	ops := newFakeOps()
	h := NewHybridHandler(ops, reg, &fakeClock{}, HandlerConfig{}, testLogger(t), nil)

	if h.LoadShow(nil, 1) {
		t.Error("Expected LoadShow to fail on an empty cue list")
	}
	if len(ops.writtenErrors) == 0 {
		t.Error("Expected an error to be written for an empty show")
	}
}

func TestHybridLoadShowDirectOnlyCompletesImmediately(t *testing.T) {
	reg := newTestRegistry()
	ops := newFakeOps()
	h := NewHybridHandler(ops, reg, &fakeClock{}, HandlerConfig{}, testLogger(t), nil)

	ok := h.LoadShow([]loadCue{{ID: "c1", StartTimeSeconds: 1, Zone: 1, Target: 1}}, 7)
	if !ok {
		t.Fatalf("Expected direct-RF-only show to load without async wait, errors: %v", h.Errors())
	}
	if !h.ShowLoaded() {
		t.Error("Expected ShowLoaded true")
	}
	if h.State() != StateLoaded {
		t.Errorf("Expected state LOADED, got %s", h.State())
	}
}

func TestHybridLoadShowUnresolvableCueYieldsError(t *testing.T) {
	reg := newTestRegistry()
	ops := newFakeOps()
	h := NewHybridHandler(ops, reg, &fakeClock{}, HandlerConfig{}, testLogger(t), nil)

	ok := h.LoadShow([]loadCue{{ID: "c1", StartTimeSeconds: 1, Zone: 99, Target: 99}}, 7)
	if ok {
		t.Error("Expected LoadShow to fail for an unresolvable cue")
	}
	if len(h.Errors()) == 0 {
		t.Error("Expected a load error to be recorded")
	}
}

func TestHybridLoadShowAsyncTargetWaitsForCompletion(t *testing.T) {
	reg := newTestRegistry()
	ops := newFakeOps()
	clock := &fakeClock{wallMs: 1000}
	markOnline(reg, "relay1", 1000, 0, false, false)

	h := NewHybridHandler(ops, reg, clock, HandlerConfig{AsyncLoadRepeat: 3}, testLogger(t), nil)

	ok := h.LoadShow([]loadCue{{ID: "c1", StartTimeSeconds: 1, Zone: 2, Target: 1}}, 7)
	if ok {
		t.Error("Expected LoadShow to return false while an async load is outstanding")
	}
	if h.State() != StateLoading {
		t.Errorf("Expected state LOADING while waiting on relay1, got %s", h.State())
	}
	if len(ops.sentLines) == 0 {
		t.Error("Expected startload/showload frames to be sent to relay1")
	}
}

func TestHybridHandleManualFireDirectRF(t *testing.T) {
	reg := newTestRegistry()
	ops := newFakeOps()
	h := NewHybridHandler(ops, reg, &fakeClock{}, HandlerConfig{DirectFireRepeat: 4}, testLogger(t), nil)

	if err := h.HandleManualFire(1, 1); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(ops.sentLines) != 1 {
		t.Fatalf("Expected one sent frame, got %d", len(ops.sentLines))
	}
}

func TestHybridHandleManualFireSmartRelayOffline(t *testing.T) {
	reg := newTestRegistry()
	ops := newFakeOps()
	h := NewHybridHandler(ops, reg, &fakeClock{wallMs: 100000}, HandlerConfig{}, testLogger(t), nil)

	if err := h.HandleManualFire(2, 1); err == nil {
		t.Error("Expected an error firing an offline smart relay")
	}
	if len(ops.writtenErrors) == 0 {
		t.Error("Expected WriteError to be called for the offline receiver")
	}
}

func TestHybridHandleManualFireSmartRelayOnline(t *testing.T) {
	reg := newTestRegistry()
	ops := newFakeOps()
	clock := &fakeClock{wallMs: 1000}
	markOnline(reg, "relay1", 1000, 0, false, false)
	h := NewHybridHandler(ops, reg, clock, HandlerConfig{}, testLogger(t), nil)

	if err := h.HandleManualFire(2, 1); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(ops.sentLines) != 1 {
		t.Fatalf("Expected one sent frame, got %d", len(ops.sentLines))
	}
}

func TestHybridHandleManualFireUnresolvable(t *testing.T) {
	reg := newTestRegistry()
	ops := newFakeOps()
	h := NewHybridHandler(ops, reg, &fakeClock{}, HandlerConfig{}, testLogger(t), nil)

	if err := h.HandleManualFire(50, 50); err == nil {
		t.Error("Expected an error for an unresolvable manual fire cue")
	}
}

func TestHybridFCFailures(t *testing.T) {
	reg := newTestRegistry()
	ops := newFakeOps()
	h := NewHybridHandler(ops, reg, &fakeClock{}, HandlerConfig{}, testLogger(t), nil)

	if errs := h.FCFailures(); len(errs) == 0 {
		t.Error("Expected a failure reported when nothing is loaded")
	}

	h.LoadShow([]loadCue{{ID: "c1", StartTimeSeconds: 1, Zone: 1, Target: 1}}, 1)
	if errs := h.FCFailures(); len(errs) != 0 {
		t.Errorf("Expected no failures once a show is loaded, got %v", errs)
	}
}

func TestHybridUnloadShowResetsState(t *testing.T) {
	reg := newTestRegistry()
	ops := newFakeOps()
	clock := &fakeClock{wallMs: 1000}
	markOnline(reg, "relay1", 1000, 0, false, false)
	h := NewHybridHandler(ops, reg, clock, HandlerConfig{}, testLogger(t), nil)
	h.LoadShow([]loadCue{{ID: "c1", StartTimeSeconds: 1, Zone: 1, Target: 1}}, 1)

	h.UnloadShow()

	if h.ShowLoaded() {
		t.Error("Expected ShowLoaded false after unload")
	}
	if h.State() != StateStandby {
		t.Errorf("Expected state STANDBY after unload, got %s", h.State())
	}
	if len(ops.sentLines) == 0 {
		t.Error("Expected a reset frame sent to every connected receiver on unload")
	}
}

func TestHybridBounceSendsClockSyncOnceIntervalElapsed(t *testing.T) {
	reg := newTestRegistry()
	ops := newFakeOps()
	clock := &fakeClock{wallMs: 10000}
	h := NewHybridHandler(ops, reg, clock, HandlerConfig{ClockSyncIntervalMs: 5000, QueryIntervalMs: 5000}, testLogger(t), nil)

	h.Bounce()
	if len(ops.sentLines) != 1 {
		t.Fatalf("Expected exactly one clock sync frame on first bounce, got %d", len(ops.sentLines))
	}

	clock.wallMs += 1000
	h.Bounce()
	if len(ops.sentLines) != 1 {
		t.Errorf("Expected no additional sync before interval elapses, got %d frames", len(ops.sentLines))
	}

	clock.wallMs += 5000
	h.Bounce()
	if len(ops.sentLines) != 2 {
		t.Errorf("Expected a second sync once the interval elapsed, got %d frames", len(ops.sentLines))
	}
}

func TestHybridShowStartTimeMs(t *testing.T) {
	reg := newTestRegistry()
	ops := newFakeOps()
	h := NewHybridHandler(ops, reg, &fakeClock{}, HandlerConfig{}, testLogger(t), nil)

	if h.ShowStartTimeMs() != 0 {
		t.Errorf("Expected zero show start time before any run, got %d", h.ShowStartTimeMs())
	}
	h.showStartTimeMs = 123456
	if h.ShowStartTimeMs() != 123456 {
		t.Errorf("Expected show start time 123456, got %d", h.ShowStartTimeMs())
	}
}

func TestDirectOnlyShowStartTimeMsIsAlwaysZero(t *testing.T) {
	d := NewDirectOnlyHandler(newFakeOps(), SystemClock{}, 4)
	if d.ShowStartTimeMs() != 0 {
		t.Errorf("Expected direct-only handler to always report 0, got %d", d.ShowStartTimeMs())
	}
}

func TestHybridStopAndPauseSchedule(t *testing.T) {
	reg := newTestRegistry()
	ops := newFakeOps()
	h := NewHybridHandler(ops, reg, &fakeClock{}, HandlerConfig{}, testLogger(t), nil)

	h.StopSchedule()
	if !h.stopEvent.IsSet() {
		t.Error("Expected stopEvent set after StopSchedule")
	}

	h.PauseSchedule()
	if !h.pauseEvent.IsSet() {
		t.Error("Expected pauseEvent set after PauseSchedule")
	}
	h.ResumeSchedule()
	if h.pauseEvent.IsSet() {
		t.Error("Expected pauseEvent cleared after ResumeSchedule")
	}
}

func TestHybridAwaitStartReadyReturnsImmediatelyWhenReady(t *testing.T) {
	reg := newTestRegistry()
	ops := newFakeOps()
	clock := &fakeClock{wallMs: 1000}
	markOnline(reg, "relay1", 1000, 7, true, true)
	h := NewHybridHandler(ops, reg, clock, HandlerConfig{}, testLogger(t), nil)

	targets := map[string][]resolver.ResolvedCue{"relay1": nil}
	aborted := h.awaitStartReady(clock.wallMs+1000, 7, targets)
	if aborted {
		t.Error("Expected awaitStartReady to return false when every target is already ready")
	}
}

func TestHybridRunCountdownSkipsWhenStartAlreadyPassed(t *testing.T) {
	reg := newTestRegistry()
	ops := newFakeOps()
	clock := &fakeClock{wallMs: 100000}
	h := NewHybridHandler(ops, reg, clock, HandlerConfig{}, testLogger(t), nil)

	if stopped := h.runCountdown(clock.wallMs-1, nil); stopped {
		t.Error("Expected runCountdown to return false when showStart is already in the past")
	}
}

func TestHybridRunFireLoopFiresImmediateCue(t *testing.T) {
	reg := newTestRegistry()
	ops := newFakeOps()
	h := NewHybridHandler(ops, reg, SystemClock{}, HandlerConfig{DirectFireRepeat: 5}, testLogger(t), nil)

	h.runFireLoop([]resolver.ResolvedCue{
		{Cue: resolver.Cue{ID: "c1", StartTimeSeconds: 0, Zone: 1, Target: 1}, DeviceID: "direct1", Type: registry.DirectRF, AsyncFire: false},
	})

	if len(ops.sentLines) != 1 {
		t.Fatalf("Expected one direct-fire frame sent, got %d", len(ops.sentLines))
	}
	if h.RunningShow() {
		t.Error("Expected RunningShow false once the fire loop completes")
	}
	if h.State() != StateLoaded {
		t.Errorf("Expected state LOADED once the fire loop completes, got %s", h.State())
	}
}

func TestHybridRunFireLoopSkipsAsyncCues(t *testing.T) {
	reg := newTestRegistry()
	ops := newFakeOps()
	h := NewHybridHandler(ops, reg, SystemClock{}, HandlerConfig{}, testLogger(t), nil)

	h.runFireLoop([]resolver.ResolvedCue{
		{Cue: resolver.Cue{ID: "c1", StartTimeSeconds: 0, Zone: 2, Target: 1}, DeviceID: "relay1", Type: registry.SmartRelay, AsyncFire: true},
	})

	if len(ops.sentLines) != 0 {
		t.Errorf("Expected no direct-fire frame for an async-scheduled cue, got %d", len(ops.sentLines))
	}
}

func TestDirectOnlyLoadAndRunShow(t *testing.T) {
	ops := newFakeOps()
	d := NewDirectOnlyHandler(ops, SystemClock{}, 4)

	if !d.LoadShow([]loadCue{{ID: "c1", StartTimeSeconds: 0, Zone: 1, Target: 1}}, 1) {
		t.Fatal("Expected LoadShow to succeed")
	}
	if !d.ShowLoaded() {
		t.Error("Expected ShowLoaded true")
	}

	d.RunShow()

	if len(ops.sentLines) != 1 {
		t.Fatalf("Expected one direct-fire frame sent, got %d", len(ops.sentLines))
	}
	if d.RunningShow() {
		t.Error("Expected RunningShow false once RunShow returns")
	}
	if ops.ledUpdates[IndicatorShowRunState] != RunStateStopped {
		t.Errorf("Expected final LED state stopped, got %d", ops.ledUpdates[IndicatorShowRunState])
	}
}

func TestDirectOnlyLoadShowEmptyArray(t *testing.T) {
	ops := newFakeOps()
	d := NewDirectOnlyHandler(ops, SystemClock{}, 4)

	if d.LoadShow(nil, 1) {
		t.Error("Expected LoadShow to fail for an empty cue list")
	}
}

func TestDirectOnlyHandleManualFire(t *testing.T) {
	ops := newFakeOps()
	d := NewDirectOnlyHandler(ops, SystemClock{}, 4)

	if err := d.HandleManualFire(1, 1); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(ops.sentLines) != 1 {
		t.Errorf("Expected one sent frame, got %d", len(ops.sentLines))
	}
}

func TestDirectOnlyFCFailures(t *testing.T) {
	ops := newFakeOps()
	d := NewDirectOnlyHandler(ops, SystemClock{}, 4)

	if errs := d.FCFailures(); len(errs) == 0 {
		t.Error("Expected a failure reported when nothing is loaded")
	}
	d.LoadShow([]loadCue{{ID: "c1", StartTimeSeconds: 0, Zone: 1, Target: 1}}, 1)
	if errs := d.FCFailures(); len(errs) != 0 {
		t.Errorf("Expected no failures once loaded, got %v", errs)
	}
}

func TestDirectOnlyUnloadShow(t *testing.T) {
	ops := newFakeOps()
	d := NewDirectOnlyHandler(ops, SystemClock{}, 4)
	d.LoadShow([]loadCue{{ID: "c1", StartTimeSeconds: 0, Zone: 1, Target: 1}}, 1)

	d.UnloadShow()

	if d.ShowLoaded() {
		t.Error("Expected ShowLoaded false after unload")
	}
	if d.State() != StateStandby {
		t.Errorf("Expected state STANDBY after unload, got %s", d.State())
	}
}

func TestDirectOnlyProcessInboundIsNoOp(t *testing.T) {
	d := NewDirectOnlyHandler(newFakeOps(), SystemClock{}, 4)
	d.ProcessInbound(&protocol.StatusMessage{})
	d.Bounce()
}

func TestDirectOnlyStopAndPauseSchedule(t *testing.T) {
	ops := newFakeOps()
	d := NewDirectOnlyHandler(ops, SystemClock{}, 4)

	d.StopSchedule()
	if !d.stopEvent.IsSet() {
		t.Error("Expected stopEvent set after StopSchedule")
	}
	d.PauseSchedule()
	if !d.pauseEvent.IsSet() {
		t.Error("Expected pauseEvent set after PauseSchedule")
	}
	d.ResumeSchedule()
	if d.pauseEvent.IsSet() {
		t.Error("Expected pauseEvent cleared after ResumeSchedule")
	}
}
