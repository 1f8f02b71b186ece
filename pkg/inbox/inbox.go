// Package inbox polls a drop directory for command files the way the
// original daemon's poll_command_dir did: any regular file dropped there is
// read as one JSON command object, dispatched, then deleted.
package inbox

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/os4-ivmb/backyardhero-pyro/pkg/logging"
)

// pollInterval matches the original's per-scan sleep.
const pollInterval = 500 * time.Millisecond

// Dispatcher is every command type the inbox understands. One method per
// "type" value in a dropped command file, mirroring handle_command's
// if/elif chain as a closed interface instead.
type Dispatcher interface {
	HandleSerial(data string)
	HandleManualFire(zone, target int)
	HandleDBQuery(query string)
	HandleDelegateLaunch(doIt bool)
	HandleStartShow()
	HandleStopShow()
	HandlePauseShow()
	HandleSchedule(schedule []interface{})
	HandleStopSchedule()
	HandleLoadShow(showID int64)
	HandleUnloadShow()
	HandleSelectSerial(device string, baud int)
	HandleSetBrightness(brightness int)
	HandleSetReceiverTimeout(timeoutMs int)
	HandleSetCommandResponseTimeout(timeoutMs int)
	HandleSetClockSyncInterval(intervalMs int)
	HandleSetDongleSyncInterval(intervalMs int)
	HandleSetConfigQueryInterval(intervalMs int)
	HandleSetDebugMode(mode int)
	HandleSetDebugCommands(commands int)
	HandleSetFireRepeat(repeatCt int)
	HandleSetReceiverSettings(receiverIdent string, fireMsDuration, statusInterval, txPower *int)
	HandleQueryAllReceiverConfigs()
}

// Poller scans a directory for dropped command files.
type Poller struct {
	dir        string
	dispatcher Dispatcher
	logger     *logging.Logger
}

// New builds a Poller over the given drop directory.
func New(dir string, dispatcher Dispatcher, logger *logging.Logger) *Poller {
	return &Poller{dir: dir, dispatcher: dispatcher, logger: logger}
}

// Run scans dir every pollInterval until stop is closed.
func (p *Poller) Run(stop <-chan struct{}) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			p.scanOnce()
		}
	}
}

func (p *Poller) scanOnce() {
	if err := os.MkdirAll(p.dir, 0o755); err != nil {
		p.logger.Error("inbox", "create drop dir", map[string]interface{}{"error": err.Error()})
		return
	}

	entries, err := os.ReadDir(p.dir)
	if err != nil {
		p.logger.Error("inbox", "read drop dir", map[string]interface{}{"error": err.Error()})
		return
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(p.dir, entry.Name())
		p.processFile(path)
	}
}

func (p *Poller) processFile(path string) {
	defer func() {
		if err := os.Remove(path); err != nil {
			p.logger.Warn("inbox", "remove command file", map[string]interface{}{"path": path, "error": err.Error()})
		}
	}()

	data, err := os.ReadFile(path)
	if err != nil {
		p.logger.Warn("inbox", "read command file", map[string]interface{}{"path": path, "error": err.Error()})
		return
	}

	var cmd map[string]interface{}
	if err := json.Unmarshal(data, &cmd); err != nil {
		p.logger.Warn("inbox", "invalid command file", map[string]interface{}{"path": path, "error": err.Error()})
		return
	}

	p.dispatch(cmd)
}

func (p *Poller) dispatch(cmd map[string]interface{}) {
	cmdType, _ := cmd["type"].(string)
	if cmdType == "" {
		p.logger.Warn("inbox", "command missing type", nil)
		return
	}

	switch cmdType {
	case "serial":
		data, _ := cmd["data"].(string)
		p.dispatcher.HandleSerial(data)
	case "manual_fire":
		nested, _ := cmd["data"].(map[string]interface{})
		p.dispatcher.HandleManualFire(intField(nested, "zone", 0), intField(nested, "target", 0))
	case "db_query":
		query, _ := cmd["query"].(string)
		p.dispatcher.HandleDBQuery(query)
	case "delegate_launch":
		doIt, _ := cmd["do_it"].(bool)
		p.dispatcher.HandleDelegateLaunch(doIt)
	case "start_show":
		p.dispatcher.HandleStartShow()
	case "stop_show":
		p.dispatcher.HandleStopShow()
	case "pause_show":
		p.dispatcher.HandlePauseShow()
	case "schedule":
		schedule, _ := cmd["schedule"].([]interface{})
		p.dispatcher.HandleSchedule(schedule)
	case "stop_schedule":
		p.dispatcher.HandleStopSchedule()
	case "load_show":
		id, ok := cmd["id"]
		if !ok || id == nil {
			p.logger.Warn("inbox", "invalid load_show command: missing id", nil)
			return
		}
		p.dispatcher.HandleLoadShow(int64(floatField(cmd, "id", 0)))
	case "unload_show":
		p.dispatcher.HandleUnloadShow()
	case "select_serial":
		device, _ := cmd["device"].(string)
		p.dispatcher.HandleSelectSerial(device, intField(cmd, "baud", 0))
	case "set_brightness":
		brightness := intField(cmd, "brightness", 100)
		if brightness == 0 {
			brightness = 1
		}
		p.dispatcher.HandleSetBrightness(brightness)
	case "set_receiver_timeout":
		p.dispatcher.HandleSetReceiverTimeout(intField(cmd, "timeout_ms", 30000))
	case "set_command_response_timeout":
		p.dispatcher.HandleSetCommandResponseTimeout(intField(cmd, "timeout_ms", 100))
	case "set_clock_sync_interval":
		p.dispatcher.HandleSetClockSyncInterval(intField(cmd, "interval_ms", 2000))
	case "set_dongle_sync_interval":
		p.dispatcher.HandleSetDongleSyncInterval(intField(cmd, "interval_ms", 20000))
	case "set_config_query_interval":
		p.dispatcher.HandleSetConfigQueryInterval(intField(cmd, "interval_ms", 120000))
	case "set_debug_mode":
		p.dispatcher.HandleSetDebugMode(intField(cmd, "debug_mode", 0))
	case "set_debug_commands":
		p.dispatcher.HandleSetDebugCommands(intField(cmd, "debug_commands", 0))
	case "set_fire_repeat":
		repeat := intField(cmd, "repeat_ct", 6)
		if repeat == 0 {
			repeat = 6
		}
		p.dispatcher.HandleSetFireRepeat(repeat)
	case "set_receiver_settings":
		ident, _ := cmd["receiver_ident"].(string)
		if ident == "" {
			p.logger.Warn("inbox", "invalid set_receiver_settings: missing receiver_ident", nil)
			return
		}
		p.dispatcher.HandleSetReceiverSettings(ident,
			optionalIntField(cmd, "fire_ms_duration"),
			optionalIntField(cmd, "status_interval"),
			optionalIntField(cmd, "tx_power"))
	case "query_all_receiver_configs":
		p.dispatcher.HandleQueryAllReceiverConfigs()
	default:
		p.logger.Warn("inbox", "unknown command type", map[string]interface{}{"type": cmdType})
	}
}

func floatField(m map[string]interface{}, key string, def float64) float64 {
	if v, ok := m[key].(float64); ok {
		return v
	}
	return def
}

func intField(m map[string]interface{}, key string, def int) int {
	return int(floatField(m, key, float64(def)))
}

func optionalIntField(m map[string]interface{}, key string) *int {
	if v, ok := m[key].(float64); ok {
		iv := int(v)
		return &iv
	}
	return nil
}
