package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/os4-ivmb/backyardhero-pyro/pkg/engine"
	"github.com/os4-ivmb/backyardhero-pyro/pkg/operator"
	"github.com/os4-ivmb/backyardhero-pyro/pkg/protocol"
	"github.com/os4-ivmb/backyardhero-pyro/pkg/status"
	"github.com/os4-ivmb/backyardhero-pyro/pkg/transport"
)

// resumer is satisfied by both ProtocolHandler implementations but kept out
// of the engine.ProtocolHandler interface itself: resuming from pause is an
// operator-panel concern, not part of the show-orchestration contract.
type resumer interface {
	ResumeSchedule()
}

// --- engine.CoordinatorOps -------------------------------------------------

func (c *Coordinator) Send(line string) error {
	return c.tr.Send(line)
}

func (c *Coordinator) WriteError(msg string) {
	if err := c.errLog.Write(msg); err != nil {
		c.logger.Warn("coordinator", "write error log failed", map[string]interface{}{"error": err.Error()})
	}
	c.indicators.Update(status.KeyErrorState, engine.ErrStateDaemon)
}

func (c *Coordinator) SetLED(key string, value int) {
	c.indicators.Update(key, value)
}

func (c *Coordinator) SignalShowLoaded(showID int64) {
	c.mu.Lock()
	c.loadedShowID = showID
	c.mu.Unlock()
	c.indicators.Update(status.KeyShowLoadState, engine.LoadStateLoaded)
}

func (c *Coordinator) WriteTimeCursor(seconds float64) {
	if err := c.cursor.Write(seconds); err != nil {
		c.logger.Warn("coordinator", "write time cursor failed", map[string]interface{}{"error": err.Error()})
	}
}

// --- transport.Sink ---------------------------------------------------------

func (c *Coordinator) OnLine(line string) {
	c.mu.Lock()
	c.lastSerialReceivedAt = time.Now()
	c.deviceConnected = true
	c.mu.Unlock()

	msg, err := protocol.Decode([]byte(line))
	if err != nil {
		c.logger.Debug("coordinator", "undecodable line from bridge", map[string]interface{}{"error": err.Error()})
		return
	}
	c.handler.ProcessInbound(msg)
}

func (c *Coordinator) OnGPIO(snap transport.GPIOSnapshot) {
	if c.bridgeSource == nil {
		return
	}
	c.bridgeSource.Update(operator.Snapshot{
		Armed:      snap.Armed,
		StartStop:  snap.StartStop,
		ManualFire: snap.ManualFire,
	})
}

func (c *Coordinator) OnDeviceError(err error) {
	c.indicators.Update(status.KeyTxActiveState, engine.ErrStateDaemon)
	c.WriteError(fmt.Sprintf("Device error: %s", err.Error()))
}

// --- operator.ShowController ------------------------------------------------

func (c *Coordinator) ShowLoaded() bool  { return c.handler.ShowLoaded() }
func (c *Coordinator) RunningShow() bool { return c.handler.RunningShow() }
func (c *Coordinator) Bounce()           { c.handler.Bounce() }

func (c *Coordinator) StartSchedule() {
	if c.handler.RunningShow() {
		if r, ok := c.handler.(resumer); ok {
			r.ResumeSchedule()
		}
		return
	}
	if !c.handler.ShowLoaded() {
		return
	}
	go c.handler.RunShow()
}

func (c *Coordinator) StopSchedule(updateLED bool) {
	c.handler.StopSchedule()
	if updateLED {
		if c.handler.ShowLoaded() {
			c.indicators.Update(status.KeyShowRunState, engine.RunStateStopped)
		} else {
			c.indicators.Update(status.KeyShowRunState, engine.RunStateOff)
		}
	}
}

func (c *Coordinator) PauseSchedule() {
	c.handler.PauseSchedule()
	c.indicators.Update(status.KeyShowRunState, engine.RunStatePaused)
}

// --- inbox.Dispatcher ---------------------------------------------------------

func (c *Coordinator) HandleSerial(data string) {
	if err := c.tr.Send(data); err != nil {
		c.logger.Warn("coordinator", "relay raw serial command failed", map[string]interface{}{"error": err.Error()})
	}
}

func (c *Coordinator) HandleManualFire(zone, target int) {
	if !c.monitor.Armed() || !c.monitor.StartSwitchActive() || !c.monitor.ManualFireEnabled() {
		c.WriteError("Manual fire command received but system is not armed/start switch is not engaged/manual fire is not enabled. Ignoring.")
		return
	}
	if err := c.handler.HandleManualFire(zone, target); err != nil {
		c.WriteError(fmt.Sprintf("Manual fire failed: %s", err.Error()))
	}
}

func (c *Coordinator) HandleDBQuery(query string) {
	rows, err := c.journal.Query(query)
	if err != nil {
		c.logger.Warn("coordinator", "ad hoc db query failed", map[string]interface{}{"error": err.Error()})
		return
	}
	c.logger.Debug("coordinator", "db query result", map[string]interface{}{"rows": len(rows)})
}

func (c *Coordinator) HandleDelegateLaunch(doIt bool) {
	c.mu.Lock()
	c.waitingForClientStart = doIt
	c.mu.Unlock()
	if doIt {
		c.StartSchedule()
		c.mu.Lock()
		c.waitingForClientStart = false
		c.mu.Unlock()
	}
}

func (c *Coordinator) HandleStartShow() {
	c.mu.Lock()
	delegate := c.delegateStartToClient
	c.mu.Unlock()
	if delegate {
		c.mu.Lock()
		c.waitingForClientStart = true
		c.mu.Unlock()
		c.indicators.Update(status.KeyShowRunState, engine.RunStateDelegateWait)
		return
	}
	c.StartSchedule()
}

func (c *Coordinator) HandleStopShow() {
	c.StopSchedule(true)
}

func (c *Coordinator) HandlePauseShow() {
	c.PauseSchedule()
}

func (c *Coordinator) HandleSchedule(schedule []interface{}) {
	c.mu.Lock()
	c.currentSchedule = schedule
	c.mu.Unlock()
}

func (c *Coordinator) HandleStopSchedule() {
	c.StopSchedule(true)
}

func (c *Coordinator) HandleLoadShow(showID int64) {
	rec, err := c.journal.GetShow(showID)
	if err != nil || rec == nil {
		c.WriteError(fmt.Sprintf("Failed to load show %d: not found in diagnostics journal.", showID))
		return
	}

	cues, err := decodeDisplayPayload(rec.DisplayPayload)
	if err != nil {
		c.WriteError(fmt.Sprintf("Failed to parse show %d: %s", showID, err.Error()))
		return
	}

	loaded := c.handler.LoadShow(cues, showID)

	c.mu.Lock()
	c.loadedShowName = rec.Name
	c.loadedShowID = showID
	c.fireCheckFailures = c.handler.FCFailures()
	c.mu.Unlock()

	if loaded {
		c.indicators.Update(status.KeyShowLoadState, engine.LoadStateLoaded)
	} else {
		c.indicators.Update(status.KeyShowLoadState, engine.LoadStateLoading)
	}
}

func (c *Coordinator) HandleUnloadShow() {
	c.handler.UnloadShow()
	c.mu.Lock()
	c.loadedShowName = ""
	c.loadedShowID = 0
	c.fireCheckFailures = nil
	c.mu.Unlock()
	c.indicators.Update(status.KeyShowLoadState, engine.LoadStateOff)
}

// HandleSelectSerial is unsupported at runtime: the serial bridge's TCP
// address and baud are fixed at transport.New time and re-sent only on
// Connect. Switching ports live would require tearing down and redialing
// the bridge connection, which the coordinator does not currently do.
func (c *Coordinator) HandleSelectSerial(device string, baud int) {
	c.logger.Warn("coordinator", "select_serial is not supported; serial port is fixed at startup",
		map[string]interface{}{"requested_device": device, "requested_baud": baud})
}

func (c *Coordinator) HandleSetBrightness(brightness int) {
	c.indicators.Update(status.KeyLEDBrightness, brightness)
}

func (c *Coordinator) HandleSetReceiverTimeout(timeoutMs int) {
	c.indicators.Update(status.KeyReceiverTimeoutMs, timeoutMs)
}

func (c *Coordinator) HandleSetCommandResponseTimeout(timeoutMs int) {
	c.indicators.Update(status.KeyCommandResponseTimeout, timeoutMs)
}

func (c *Coordinator) HandleSetClockSyncInterval(intervalMs int) {
	c.indicators.Update(status.KeyClockSyncIntervalMs, intervalMs)
}

func (c *Coordinator) HandleSetDongleSyncInterval(intervalMs int) {
	c.indicators.Update(status.KeyDongleSyncIntervalMs, intervalMs)
}

func (c *Coordinator) HandleSetConfigQueryInterval(intervalMs int) {
	c.indicators.Update(status.KeyConfigQueryIntervalMs, intervalMs)
}

func (c *Coordinator) HandleSetDebugMode(mode int) {
	c.indicators.Update(status.KeyDebugMode, mode)
}

func (c *Coordinator) HandleSetDebugCommands(commands int) {
	c.indicators.Update(status.KeyDebugCommands, commands)
}

func (c *Coordinator) HandleSetFireRepeat(repeatCt int) {
	c.mu.Lock()
	c.fireRepeat = repeatCt
	c.mu.Unlock()
}

func (c *Coordinator) HandleSetReceiverSettings(receiverIdent string, fireMsDuration, statusInterval, txPower *int) {
	snap, ok := c.reg.Get(receiverIdent)
	if !ok {
		c.WriteError(fmt.Sprintf("set_receiver_settings: unknown receiver %q", receiverIdent))
		return
	}

	fireMs := snap.Config.FireMsDuration
	if fireMsDuration != nil {
		fireMs = *fireMsDuration
	}
	statusMs := snap.Config.StatusIntervalMs
	if statusInterval != nil {
		statusMs = *statusInterval
	}
	tx := snap.Config.TxPower
	if txPower != nil {
		tx = *txPower
	}

	if err := c.tr.Send(protocol.SetConfig(receiverIdent, fireMs, statusMs, tx, 2)); err != nil {
		c.logger.Warn("coordinator", "set_receiver_settings send failed", map[string]interface{}{"error": err.Error()})
	}
}

func (c *Coordinator) HandleQueryAllReceiverConfigs() {
	for _, ident := range c.reg.Idents() {
		if err := c.tr.Send(protocol.GetConfig(ident, 1)); err != nil {
			c.logger.Warn("coordinator", "query_all_receiver_configs send failed",
				map[string]interface{}{"ident": ident, "error": err.Error()})
			return
		}
	}
}

// displayCue is the on-disk shape of one entry in a show's display_payload,
// the human/editor-facing cue list persisted by the show library.
type displayCue struct {
	ID     string  `json:"id"`
	T      float64 `json:"t"`
	Delay  float64 `json:"delay"`
	Zone   int     `json:"zone"`
	Target int     `json:"target"`
}

// decodeDisplayPayload parses a show's stored display_payload JSON into the
// cue shape engine.ProtocolHandler.LoadShow accepts.
func decodeDisplayPayload(payload string) ([]struct {
	ID               string
	StartTimeSeconds float64
	Zone             int
	Target           int
}, error) {
	var cues []displayCue
	if err := json.Unmarshal([]byte(payload), &cues); err != nil {
		return nil, fmt.Errorf("parse display payload: %w", err)
	}

	out := make([]struct {
		ID               string
		StartTimeSeconds float64
		Zone             int
		Target           int
	}, len(cues))
	for i, c := range cues {
		out[i] = struct {
			ID               string
			StartTimeSeconds float64
			Zone             int
			Target           int
		}{ID: c.ID, StartTimeSeconds: c.T - c.Delay, Zone: c.Zone, Target: c.Target}
	}
	return out, nil
}
