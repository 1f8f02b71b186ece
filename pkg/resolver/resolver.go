// Package resolver maps a show's (zone,target) cues to specific receivers
// and classifies each cue as an async (preloaded) fire or a direct-RF
// (real-time) fire.
package resolver

import (
	"fmt"
	"sort"

	"github.com/os4-ivmb/backyardhero-pyro/pkg/protocol"
	"github.com/os4-ivmb/backyardhero-pyro/pkg/registry"
)

// Cue is a single ignition event as supplied by the show source, already
// adjusted for any firing-profile delay (effective_start = startTime - delay).
type Cue struct {
	ID                string
	StartTimeSeconds  float64
	Zone              int
	Target            int
}

// ResolvedCue is a Cue after it has been bound to a specific receiver.
type ResolvedCue struct {
	Cue
	DeviceID  string
	Type      registry.ReceiverType
	AsyncFire bool
}

// Resolution is the outcome of resolving an entire show: the ordered list of
// resolved cues, the per-receiver async load targets, and any load-time
// errors. A non-empty Errors means the show must not be considered loaded.
type Resolution struct {
	FiringArray      []ResolvedCue
	AsyncLoadTargets map[string][]ResolvedCue
	Errors           []string
}

// Resolve sorts cues by ascending start time (ties keep input order), then
// resolves each to a receiver and partitions the result into async load
// targets and direct-RF cues.
func Resolve(reg *registry.Registry, cues []Cue, nowMs int64) Resolution {
	sorted := make([]Cue, len(cues))
	copy(sorted, cues)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].StartTimeSeconds < sorted[j].StartTimeSeconds
	})

	res := Resolution{AsyncLoadTargets: map[string][]ResolvedCue{}}
	for _, cue := range sorted {
		ident, recvType, err := reg.Resolve(cue.Zone, cue.Target)
		if err != nil {
			res.Errors = append(res.Errors,
				fmt.Sprintf("Load: could not resolve cue %d:%d to any device: %v", cue.Zone, cue.Target, err))
			continue
		}

		resolved := ResolvedCue{
			Cue:       cue,
			DeviceID:  ident,
			Type:      recvType,
			AsyncFire: recvType != registry.DirectRF,
		}

		if resolved.AsyncFire && !reg.IsOnline(ident, nowMs) {
			res.Errors = append(res.Errors,
				fmt.Sprintf("Load: resolved cue %d:%d to %s, but it's not connected.", cue.Zone, cue.Target, ident))
			continue
		}

		res.FiringArray = append(res.FiringArray, resolved)
		if resolved.AsyncFire {
			res.AsyncLoadTargets[ident] = append(res.AsyncLoadTargets[ident], resolved)
		}
	}
	return res
}

// DirectRFEnvelope builds the ">>bits:repeat<<" wire payload for a direct-RF
// cue's (zone,target) address.
func DirectRFEnvelope(zone, target, repeat int) string {
	return protocol.EncodeDirectRFAddress(zone, target, repeat)
}
