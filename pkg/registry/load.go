package registry

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// manifestEntry is one receiver's declaration in the on-disk receivers
// manifest: its identity, hardware class, and the zone->targets it can fire.
type manifestEntry struct {
	Ident   string           `yaml:"ident"`
	NodeID  int              `yaml:"node_id"`
	Type    string           `yaml:"type"`
	Zones   map[int][]int    `yaml:"zones"`
}

// LoadStatic reads the receivers manifest at path and returns the declared
// StaticReceiver set, ready to hand to New.
func LoadStatic(path string) ([]StaticReceiver, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("registry: read manifest: %w", err)
	}

	var manifest []manifestEntry
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("registry: parse manifest: %w", err)
	}

	out := make([]StaticReceiver, 0, len(manifest))
	for _, m := range manifest {
		if m.Ident == "" {
			return nil, fmt.Errorf("registry: manifest entry missing ident")
		}

		recvType := ReceiverType(m.Type)
		if recvType != DirectRF && recvType != SmartRelay {
			return nil, fmt.Errorf("registry: %s: unknown receiver type %q", m.Ident, m.Type)
		}

		cues := make(map[int]map[int]bool, len(m.Zones))
		for zone, targets := range m.Zones {
			set := make(map[int]bool, len(targets))
			for _, t := range targets {
				set[t] = true
			}
			cues[zone] = set
		}

		out = append(out, StaticReceiver{
			Ident:  m.Ident,
			NodeID: m.NodeID,
			Type:   recvType,
			Cues:   cues,
		})
	}
	return out, nil
}
