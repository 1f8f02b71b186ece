package engine

import (
	"sort"
	"sync"
	"time"

	"github.com/os4-ivmb/backyardhero-pyro/pkg/protocol"
	"github.com/os4-ivmb/backyardhero-pyro/pkg/resolver"
)

// DirectOnlyHandler is the legacy protocol variant for a dongle with no
// smart receivers attached: every cue fires live over direct RF on the
// nominal schedule, with no load handshake, precheck, or start handshake.
// It is a strict subset of HybridHandler's behavior, grounded on the
// original BSCProtocolHandler.
type DirectOnlyHandler struct {
	ops    CoordinatorOps
	clock  Clock
	repeat int

	mu sync.Mutex

	state       State
	errors      []string
	showLoaded  bool
	runningShow bool
	timeCursor  float64
	firingArray []resolver.Cue

	stopEvent  *cancelToken
	pauseEvent *levelGate
}

// NewDirectOnlyHandler builds a DirectOnlyHandler with the given default
// direct-fire repeat count.
func NewDirectOnlyHandler(ops CoordinatorOps, clock Clock, repeat int) *DirectOnlyHandler {
	return &DirectOnlyHandler{
		ops:        ops,
		clock:      clock,
		repeat:     repeat,
		state:      StateStandby,
		timeCursor: -1,
		stopEvent:  newCancelToken(),
		pauseEvent: &levelGate{},
	}
}

// ProcessInbound is a no-op: the direct-only dongle never reports receiver
// status, since it has no smart receivers to report on.
func (d *DirectOnlyHandler) ProcessInbound(msg interface{}) {}

func (d *DirectOnlyHandler) LoadShow(cues []loadCue, showID int64) bool {
	if len(cues) == 0 {
		d.ops.WriteError("Loaded a show with an empty firing array? No")
		return false
	}

	resolved := make([]resolver.Cue, len(cues))
	for i, c := range cues {
		resolved[i] = resolver.Cue{ID: c.ID, StartTimeSeconds: c.StartTimeSeconds, Zone: c.Zone, Target: c.Target}
	}
	sort.SliceStable(resolved, func(i, j int) bool {
		return resolved[i].StartTimeSeconds < resolved[j].StartTimeSeconds
	})

	d.mu.Lock()
	d.firingArray = resolved
	d.showLoaded = true
	d.timeCursor = 0
	d.state = StateLoaded
	d.mu.Unlock()
	return true
}

func (d *DirectOnlyHandler) RunShow() {
	d.stopEvent.Reset()
	d.pauseEvent.Set(false)
	d.ops.SetLED(IndicatorShowRunState, RunStateRunning)

	d.mu.Lock()
	d.runningShow = true
	firingArray := d.firingArray
	d.mu.Unlock()

	startWall := d.clock.Monotonic()
	pauseOffset := time.Duration(0)
	lastCursorWrite := d.clock.Monotonic()

	for _, item := range firingArray {
		delay := time.Duration(item.StartTimeSeconds * float64(time.Second))
		for d.clock.Monotonic().Sub(startWall) < delay+pauseOffset {
			if d.stopEvent.IsSet() {
				d.finish(RunStateStopped)
				return
			}
			if d.pauseEvent.IsSet() {
				pauseStart := d.clock.Monotonic()
				for d.pauseEvent.IsSet() {
					time.Sleep(pausePoll)
					if d.stopEvent.IsSet() {
						d.finish(RunStateStopped)
						return
					}
				}
				pauseOffset += d.clock.Monotonic().Sub(pauseStart)
			}

			time.Sleep(fireLoopPoll)
			elapsed := d.clock.Monotonic().Sub(startWall) + pauseOffset
			d.mu.Lock()
			d.timeCursor = elapsed.Seconds()
			d.mu.Unlock()
			if d.clock.Monotonic().Sub(lastCursorWrite) >= cursorExportPeriod {
				d.ops.WriteTimeCursor(elapsed.Seconds())
				lastCursorWrite = d.clock.Monotonic()
			}
		}

		envelope := resolver.DirectRFEnvelope(item.Zone, item.Target, d.repeat)
		_ = d.ops.Send(protocol.DirectFire(envelope))
	}

	d.finish(RunStateStopped)
}

func (d *DirectOnlyHandler) finish(ledState int) {
	d.mu.Lock()
	d.runningShow = false
	d.mu.Unlock()
	d.ops.SetLED(IndicatorShowRunState, ledState)
}

func (d *DirectOnlyHandler) HandleManualFire(zone, target int) error {
	envelope := resolver.DirectRFEnvelope(zone, target, d.repeat)
	return d.ops.Send(protocol.DirectFire(envelope))
}

func (d *DirectOnlyHandler) FCFailures() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.firingArray) == 0 {
		return []string{"System error - No firing strategy loaded in. Check other errors."}
	}
	return nil
}

func (d *DirectOnlyHandler) UnloadShow() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.timeCursor = -1
	d.firingArray = nil
	d.errors = nil
	d.showLoaded = false
	d.state = StateStandby
}

func (d *DirectOnlyHandler) ShowLoaded() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.showLoaded
}

func (d *DirectOnlyHandler) RunningShow() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.runningShow
}

// ShowStartTimeMs is always zero: the direct-only handler has no start
// handshake or lead time, so there is no scheduled start to report.
func (d *DirectOnlyHandler) ShowStartTimeMs() int64 { return 0 }

func (d *DirectOnlyHandler) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *DirectOnlyHandler) Errors() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.errors
}

func (d *DirectOnlyHandler) Bounce() {}

func (d *DirectOnlyHandler) StopSchedule() {
	d.stopEvent.Fire()
}

func (d *DirectOnlyHandler) PauseSchedule() {
	d.pauseEvent.Set(true)
}

func (d *DirectOnlyHandler) ResumeSchedule() {
	d.pauseEvent.Set(false)
}
