package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/os4-ivmb/backyardhero-pyro/pkg/protocol"
)

func newTestRegistry() *Registry {
	statics := []StaticReceiver{
		{
			Ident: "rx1", NodeID: 1, Type: DirectRF,
			Cues: map[int]map[int]bool{1: {1: true, 2: true}},
		},
		{
			Ident: "rx2", NodeID: 2, Type: SmartRelay,
			Cues: map[int]map[int]bool{2: {1: true}},
		},
	}
	return New(statics, 8000)
}

func TestRegistryGetAndIdents(t *testing.T) {
	r := newTestRegistry()

	idents := r.Idents()
	if len(idents) != 2 {
		t.Fatalf("Expected 2 idents, got %d", len(idents))
	}

	snap, ok := r.Get("rx1")
	if !ok {
		t.Fatal("Expected rx1 to exist")
	}
	if snap.Static.Type != DirectRF {
		t.Errorf("Expected DirectRF, got %s", snap.Static.Type)
	}

	if _, ok := r.Get("missing"); ok {
		t.Error("Expected missing receiver to not be found")
	}
}

func TestRegistryResolve(t *testing.T) {
	r := newTestRegistry()

	t.Run("Unique Match", func(t *testing.T) {
		ident, typ, err := r.Resolve(1, 1)
		if err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
		if ident != "rx1" {
			t.Errorf("Expected rx1, got %s", ident)
		}
		if typ != DirectRF {
			t.Errorf("Expected DirectRF, got %s", typ)
		}
	})

	t.Run("No Match", func(t *testing.T) {
		_, _, err := r.Resolve(9, 9)
		if err == nil {
			t.Error("Expected error for unresolvable zone/target, got nil")
		}
	})

	t.Run("Ambiguous Match", func(t *testing.T) {
		statics := []StaticReceiver{
			{Ident: "a", Type: DirectRF, Cues: map[int]map[int]bool{1: {1: true}}},
			{Ident: "b", Type: DirectRF, Cues: map[int]map[int]bool{1: {1: true}}},
		}
		r2 := New(statics, 8000)
		_, _, err := r2.Resolve(1, 1)
		if err == nil {
			t.Error("Expected error for ambiguous zone/target, got nil")
		}
	})
}

func TestRegistryApplyStatus(t *testing.T) {
	r := newTestRegistry()

	msg := &protocol.StatusMessage{
		DongleTimeMs: 1000,
		Receivers: []protocol.ReceiverStatusLine{
			{Ident: "rx1", Battery: 90, ShowID: 7, LoadComplete: true, StartReady: true,
				LastMsgTimeMs: 990, LatencyMs: 20, SuccessPct: 99, Continuity: []int64{1, 1}},
			{Ident: "unknown-rx", Battery: 50, LastMsgTimeMs: 990},
		},
	}

	unknown := r.ApplyStatus(msg, 1010)
	if len(unknown) != 1 || unknown[0] != "unknown-rx" {
		t.Errorf("Expected unknown-rx reported, got %v", unknown)
	}

	snap, _ := r.Get("rx1")
	if snap.Battery != 90 {
		t.Errorf("Expected battery 90, got %d", snap.Battery)
	}
	if snap.ShowID != 7 {
		t.Errorf("Expected show id 7, got %d", snap.ShowID)
	}
	if !snap.LoadComplete || !snap.StartReady {
		t.Error("Expected load complete and start ready true")
	}
	if snap.LatencyMs != 20 {
		t.Errorf("Expected latency 20, got %d", snap.LatencyMs)
	}
	if !snap.HasStatus {
		t.Error("Expected HasStatus true")
	}
	if snap.LastSeenMs == 0 {
		t.Error("Expected LastSeenMs to be set")
	}
}

func TestRegistryApplyStatusBackwardJumpTolerance(t *testing.T) {
	r := newTestRegistry()

	r.ApplyStatus(&protocol.StatusMessage{
		DongleTimeMs: 1000,
		Receivers:    []protocol.ReceiverStatusLine{{Ident: "rx1", LastMsgTimeMs: 1000}},
	}, 1000)
	first, _ := r.Get("rx1")

	r.ApplyStatus(&protocol.StatusMessage{
		DongleTimeMs: 1000,
		Receivers:    []protocol.ReceiverStatusLine{{Ident: "rx1", LastMsgTimeMs: 999}},
	}, 1000)
	second, _ := r.Get("rx1")

	if second.LastSeenMs != 999 {
		t.Errorf("Expected small backward jump to be accepted, first=%d second=%d", first.LastSeenMs, second.LastSeenMs)
	}
}

func TestRegistryApplyStatusLatencyWindow(t *testing.T) {
	r := newTestRegistry()

	for i := 0; i < latencyWindowSize+5; i++ {
		r.ApplyStatus(&protocol.StatusMessage{
			DongleTimeMs: int64(i),
			Receivers:    []protocol.ReceiverStatusLine{{Ident: "rx1", LatencyMs: 10, LastMsgTimeMs: int64(i)}},
		}, int64(i))
	}

	snap, _ := r.Get("rx1")
	if snap.LatencyMs != 10 {
		t.Errorf("Expected averaged latency 10, got %d", snap.LatencyMs)
	}
}

func TestRegistryIsOnline(t *testing.T) {
	r := newTestRegistry()
	r.ApplyStatus(&protocol.StatusMessage{
		DongleTimeMs: 1000,
		Receivers:    []protocol.ReceiverStatusLine{{Ident: "rx1", LastMsgTimeMs: 1000}},
	}, 1000)

	if !r.IsOnline("rx1", 1000+7000) {
		t.Error("Expected rx1 to be online within timeout")
	}
	if r.IsOnline("rx1", 1000+9000) {
		t.Error("Expected rx1 to be offline beyond timeout")
	}
	if r.IsOnline("rx2", 1000) {
		t.Error("Expected rx2 with no status to be offline")
	}
}

func TestRegistryApplyConfig(t *testing.T) {
	r := newTestRegistry()

	ok := r.ApplyConfig(&protocol.ConfigMessage{Ident: "rx1", Config: protocol.ReceiverConfig{TxPower: 5}})
	if !ok {
		t.Fatal("Expected ApplyConfig to succeed for known receiver")
	}
	snap, _ := r.Get("rx1")
	if snap.Config.TxPower != 5 {
		t.Errorf("Expected tx power 5, got %d", snap.Config.TxPower)
	}
	if !snap.HasConfig {
		t.Error("Expected HasConfig true")
	}

	if r.ApplyConfig(&protocol.ConfigMessage{Ident: "unknown"}) {
		t.Error("Expected ApplyConfig to fail for unknown receiver")
	}
}

func TestLoadStatic(t *testing.T) {
	tempDir, err := os.MkdirTemp("", "pyrocoordinator-registry-test")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tempDir)

	t.Run("Valid Manifest", func(t *testing.T) {
		content := `
- ident: rx1
  node_id: 1
  type: DIRECT_RF
  zones:
    1: [1, 2]
- ident: rx2
  node_id: 2
  type: SMART_RELAY
  zones:
    2: [1]
`
		path := filepath.Join(tempDir, "manifest.yaml")
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatalf("Failed to write manifest: %v", err)
		}

		statics, err := LoadStatic(path)
		if err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
		if len(statics) != 2 {
			t.Fatalf("Expected 2 receivers, got %d", len(statics))
		}
		if !statics[0].Cues[1][1] {
			t.Error("Expected rx1 to declare zone 1 target 1")
		}
	})

	t.Run("Missing Ident", func(t *testing.T) {
		content := `
- node_id: 1
  type: DIRECT_RF
`
		path := filepath.Join(tempDir, "bad-ident.yaml")
		os.WriteFile(path, []byte(content), 0644)
		_, err := LoadStatic(path)
		if err == nil {
			t.Error("Expected error for missing ident, got nil")
		}
	})

	t.Run("Unknown Type", func(t *testing.T) {
		content := `
- ident: rx1
  type: BOGUS
`
		path := filepath.Join(tempDir, "bad-type.yaml")
		os.WriteFile(path, []byte(content), 0644)
		_, err := LoadStatic(path)
		if err == nil {
			t.Error("Expected error for unknown receiver type, got nil")
		}
	})

	t.Run("File Not Found", func(t *testing.T) {
		_, err := LoadStatic("/nonexistent/manifest.yaml")
		if err == nil {
			t.Error("Expected error for missing manifest file, got nil")
		}
	})
}
