package protocol

import (
	"fmt"
	"time"
)

// InterCommandPacing is the minimum spacing between outbound dongle commands.
// The dongle's command queue is blocking; issuing frames faster than this
// overflows it. Named per a single constant rather than scattered sleeps.
const InterCommandPacing = 250 * time.Millisecond

// ClockSync builds the "msync 0 <ms>" command broadcasting the coordinator's
// wall-clock time to the dongle.
func ClockSync(nowMs int64) string {
	return fmt.Sprintf("msync 0 %d", nowMs)
}

// StartLoad builds the "startload <ident> <count> <showID>" command that
// opens an async load sequence on a receiver.
func StartLoad(ident string, count int, showID int64) string {
	return fmt.Sprintf("startload %s %d %d", ident, count, showID)
}

// ShowLoadPair is one (startTimeMs,targetIdx) pair within a showload chunk.
type ShowLoadPair struct {
	StartTimeMs int
	TargetIdx   int
}

// ShowLoad builds the "showload <ident> <t1> <tgt1> <t2> <tgt2> <repeat>"
// command used to push a two-cue chunk of the async schedule to a receiver.
func ShowLoad(ident string, first, second ShowLoadPair, repeat int) string {
	return fmt.Sprintf("showload %s %d %d %d %d %d",
		ident, first.StartTimeMs, first.TargetIdx, second.StartTimeMs, second.TargetIdx, repeat)
}

// ShowStart builds the "showstart <ident> <startMs> 0 <showID> <repeat>"
// handshake broadcast.
func ShowStart(ident string, startMs int64, showID int64, repeat int) string {
	return fmt.Sprintf("showstart %s %d 0 %d %d", ident, startMs, showID, repeat)
}

// Play builds the "play <ident> 0 <repeat>" countdown keep-alive.
func Play(ident string, repeat int) string {
	return fmt.Sprintf("play %s 0 %d", ident, repeat)
}

// Pause builds the "pause <ident> 0 <repeat>" command.
func Pause(ident string, repeat int) string {
	return fmt.Sprintf("pause %s 0 %d", ident, repeat)
}

// Stop builds the "stop <ident> 0 <repeat>" command.
func Stop(ident string, repeat int) string {
	return fmt.Sprintf("stop %s 0 %d", ident, repeat)
}

// Reset builds the "reset <ident> 0 <repeat>" command sent on unload.
func Reset(ident string, repeat int) string {
	return fmt.Sprintf("reset %s 0 %d", ident, repeat)
}

// Fire builds the "fire <ident> <targetIdx>" command for a smart receiver.
// targetIdx is zero-based (target-1).
func Fire(ident string, targetIdx int) string {
	return fmt.Sprintf("fire %s %d", ident, targetIdx)
}

// DirectFire builds the "433fire <envelope> x" command sent to the dongle to
// fire a direct-RF cue in real time.
func DirectFire(envelope string) string {
	return fmt.Sprintf("433fire %s x", envelope)
}

// GetConfig builds the "getconfig <ident> <repeat>" query command.
func GetConfig(ident string, repeat int) string {
	return fmt.Sprintf("getconfig %s %d", ident, repeat)
}

// SetConfig builds the "setconfig <ident> <fireMs> <statusMs> <txPower> <repeat>"
// command.
func SetConfig(ident string, fireMs, statusMs, txPower, repeat int) string {
	return fmt.Sprintf("setconfig %s %d %d %d %d", ident, fireMs, statusMs, txPower, repeat)
}
