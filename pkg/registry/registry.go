// Package registry holds the process-wide receiver registry: the static
// capabilities declared for each receiver at startup, and the live status
// reported by the dongle's status/config messages.
package registry

import (
	"fmt"
	"sync"

	"github.com/os4-ivmb/backyardhero-pyro/pkg/protocol"
)

// ReceiverType is the declared hardware class of a receiver.
type ReceiverType string

const (
	DirectRF   ReceiverType = "DIRECT_RF"
	SmartRelay ReceiverType = "SMART_RELAY"
)

const latencyWindowSize = 20

// maxBackwardJumpMs is the largest backward move of a receiver's last-seen
// timestamp that is tolerated as a clock adjustment rather than stale data.
const maxBackwardJumpMs = 1000

// StaticReceiver is the declared, load-time-immutable shape of a receiver:
// its identity, hardware type, and the zone/target cues it can fire.
type StaticReceiver struct {
	Ident  string
	NodeID int
	Type   ReceiverType
	// Cues maps zone -> set of targets this receiver can fire.
	Cues map[int]map[int]bool
}

// Snapshot is a read-only copy of a receiver's full state, safe to hand to
// callers outside the registry lock.
type Snapshot struct {
	Static       StaticReceiver
	Battery      int
	ShowID       int64
	LoadComplete bool
	StartReady   bool
	LastSeenMs   int64
	LatencyMs    int
	SuccessPct   int
	Continuity   []int64
	DriftMs      int64
	Config       protocol.ReceiverConfig
	HasConfig    bool
	HasStatus    bool
}

type entry struct {
	Snapshot
	latencySamples []int
}

// Registry is the mutex-guarded map from receiver identifier to state.
// Multiple readers, one writer (the message decoder); critical sections are
// kept short.
type Registry struct {
	mu              sync.RWMutex
	receivers       map[string]*entry
	onlineTimeoutMs int64
}

// New builds a registry seeded with the given static receiver declarations.
func New(statics []StaticReceiver, onlineTimeoutMs int64) *Registry {
	r := &Registry{
		receivers:       make(map[string]*entry, len(statics)),
		onlineTimeoutMs: onlineTimeoutMs,
	}
	for _, s := range statics {
		r.receivers[s.Ident] = &entry{Snapshot: Snapshot{Static: s}}
	}
	return r
}

// Idents returns every known receiver identifier.
func (r *Registry) Idents() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.receivers))
	for ident := range r.receivers {
		out = append(out, ident)
	}
	return out
}

// Get returns a snapshot of a single receiver's state.
func (r *Registry) Get(ident string) (Snapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.receivers[ident]
	if !ok {
		return Snapshot{}, false
	}
	return e.Snapshot, true
}

// All returns a snapshot of every known receiver, keyed by identifier.
func (r *Registry) All() map[string]Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Snapshot, len(r.receivers))
	for ident, e := range r.receivers {
		out[ident] = e.Snapshot
	}
	return out
}

// IsOnline reports whether a receiver has been heard from within the
// configured online timeout as of nowMs.
func (r *Registry) IsOnline(ident string, nowMs int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.receivers[ident]
	if !ok || !e.HasStatus {
		return false
	}
	return nowMs-e.LastSeenMs < r.onlineTimeoutMs
}

// Resolve returns the unique receiver declaring the given (zone,target) cue.
// Zero or more-than-one match is reported as an error.
func (r *Registry) Resolve(zone, target int) (string, ReceiverType, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matchIdent string
	var matchType ReceiverType
	matches := 0
	for ident, e := range r.receivers {
		targets, ok := e.Static.Cues[zone]
		if !ok || !targets[target] {
			continue
		}
		matches++
		matchIdent = ident
		matchType = e.Static.Type
	}
	switch matches {
	case 0:
		return "", "", fmt.Errorf("no receiver declares zone %d target %d", zone, target)
	case 1:
		return matchIdent, matchType, nil
	default:
		return "", "", fmt.Errorf("zone %d target %d is declared by %d receivers", zone, target, matches)
	}
}

// ApplyStatus folds an inbound status message into the registry, mirroring
// the dongle's coordinator-clock offset, the 1s backward-jump tolerance, and
// the 20-sample latency sliding window. It returns the identifiers present
// in the message but not known to the registry, for the caller to log.
func (r *Registry) ApplyStatus(msg *protocol.StatusMessage, nowMs int64) []string {
	offset := nowMs - msg.DongleTimeMs

	r.mu.Lock()
	defer r.mu.Unlock()

	var unknown []string
	for _, line := range msg.Receivers {
		e, ok := r.receivers[line.Ident]
		if !ok {
			unknown = append(unknown, line.Ident)
			continue
		}

		adjusted := line.LastMsgTimeMs + offset
		if adjusted-e.LastSeenMs >= -maxBackwardJumpMs {
			e.LastSeenMs = adjusted
		}

		e.latencySamples = append(e.latencySamples, line.LatencyMs)
		if len(e.latencySamples) > latencyWindowSize {
			e.latencySamples = e.latencySamples[len(e.latencySamples)-latencyWindowSize:]
		}
		sum := 0
		for _, s := range e.latencySamples {
			sum += s
		}
		e.LatencyMs = roundDiv(sum, len(e.latencySamples))

		e.Battery = line.Battery
		e.ShowID = line.ShowID
		e.LoadComplete = line.LoadComplete
		e.StartReady = line.StartReady
		e.SuccessPct = line.SuccessPct
		if line.Continuity != nil {
			e.Continuity = line.Continuity
		}
		e.DriftMs = offset
		e.HasStatus = true
	}
	return unknown
}

// ApplyConfig overwrites a receiver's config block from an inbound config
// message. Unknown receivers are ignored by the caller (they decide whether
// to log).
func (r *Registry) ApplyConfig(msg *protocol.ConfigMessage) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.receivers[msg.Ident]
	if !ok {
		return false
	}
	e.Config = msg.Config
	e.HasConfig = true
	return true
}

func roundDiv(sum, n int) int {
	if n == 0 {
		return 0
	}
	if sum >= 0 {
		return (sum + n/2) / n
	}
	return -((-sum + n/2) / n)
}
