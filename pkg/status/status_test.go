package status

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestIndicatorStoreDefaults(t *testing.T) {
	tempDir, err := os.MkdirTemp("", "pyrocoordinator-indicator-test")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tempDir)

	store, err := NewIndicatorStore(filepath.Join(tempDir, "ledstate"), nil)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if store.Get(KeyLEDBrightness) != 10 {
		t.Errorf("Expected default brightness 10, got %d", store.Get(KeyLEDBrightness))
	}
	if store.Get(KeyShowLoadState) != 0 {
		t.Errorf("Expected default show load state 0, got %d", store.Get(KeyShowLoadState))
	}
}

func TestIndicatorStoreUpdatePersistsAndNotifies(t *testing.T) {
	tempDir, err := os.MkdirTemp("", "pyrocoordinator-indicator-test")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tempDir)

	path := filepath.Join(tempDir, "ledstate")
	var notified map[string]int
	calls := 0
	store, err := NewIndicatorStore(path, func(values map[string]int) {
		notified = values
		calls++
	})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	store.Update(KeyLEDBrightness, 50)
	if store.Get(KeyLEDBrightness) != 50 {
		t.Errorf("Expected brightness 50, got %d", store.Get(KeyLEDBrightness))
	}
	if calls != 1 {
		t.Errorf("Expected 1 notification, got %d", calls)
	}
	if notified[KeyLEDBrightness] != 50 {
		t.Errorf("Expected notified snapshot to carry new value, got %d", notified[KeyLEDBrightness])
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Expected state file to exist: %v", err)
	}
	var persisted map[string]int
	if err := json.Unmarshal(data, &persisted); err != nil {
		t.Fatalf("Expected valid JSON in state file: %v", err)
	}
	if persisted[KeyLEDBrightness] != 50 {
		t.Errorf("Expected persisted brightness 50, got %d", persisted[KeyLEDBrightness])
	}
}

func TestIndicatorStoreUpdateSuppressesNoOp(t *testing.T) {
	tempDir, err := os.MkdirTemp("", "pyrocoordinator-indicator-test")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tempDir)

	calls := 0
	store, err := NewIndicatorStore(filepath.Join(tempDir, "ledstate"), func(map[string]int) { calls++ })
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	store.Update(KeyLEDBrightness, store.Get(KeyLEDBrightness))
	if calls != 0 {
		t.Errorf("Expected no notification for unchanged value, got %d calls", calls)
	}
}

func TestIndicatorStoreUpdateUnknownKeyIgnored(t *testing.T) {
	tempDir, err := os.MkdirTemp("", "pyrocoordinator-indicator-test")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tempDir)

	store, err := NewIndicatorStore(filepath.Join(tempDir, "ledstate"), nil)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	store.Update("not_a_real_key", 5)
	if v := store.Get("not_a_real_key"); v != 0 {
		t.Errorf("Expected unknown key to stay absent, got %d", v)
	}
}

func TestIndicatorStoreReloadsFromDisk(t *testing.T) {
	tempDir, err := os.MkdirTemp("", "pyrocoordinator-indicator-test")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tempDir)
	path := filepath.Join(tempDir, "ledstate")

	store1, err := NewIndicatorStore(path, nil)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	store1.Update(KeyLEDBrightness, 77)

	store2, err := NewIndicatorStore(path, nil)
	if err != nil {
		t.Fatalf("Expected no error reloading, got: %v", err)
	}
	if store2.Get(KeyLEDBrightness) != 77 {
		t.Errorf("Expected reloaded brightness 77, got %d", store2.Get(KeyLEDBrightness))
	}
}

func TestExporterWrite(t *testing.T) {
	tempDir, err := os.MkdirTemp("", "pyrocoordinator-exporter-test")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tempDir)

	exporter, err := NewExporter(filepath.Join(tempDir, "state"))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	snap := Snapshot{ShowLoaded: true, LoadedShowName: "Finale", ShowRunning: false}
	if err := exporter.Write(snap); err != nil {
		t.Fatalf("Expected no error writing snapshot, got: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(tempDir, "state"))
	if err != nil {
		t.Fatalf("Expected state file to exist: %v", err)
	}
	var roundTrip Snapshot
	if err := json.Unmarshal(data, &roundTrip); err != nil {
		t.Fatalf("Expected valid JSON snapshot, got: %v", err)
	}
	if roundTrip.LoadedShowName != "Finale" {
		t.Errorf("Expected loaded show name Finale, got %s", roundTrip.LoadedShowName)
	}
	if !strings.Contains(string(data), `"dstc"`) {
		t.Error("Expected snapshot JSON to use dstc key for delegate-start-to-client")
	}
}

func TestErrorLogWrite(t *testing.T) {
	tempDir, err := os.MkdirTemp("", "pyrocoordinator-errlog-test")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tempDir)

	path := filepath.Join(tempDir, "daemon.err")
	log, err := OpenErrorLog(path)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	defer log.Close()

	if err := log.Write("battery low on rx1"); err != nil {
		t.Fatalf("Expected no error writing, got: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Expected error log file to exist: %v", err)
	}
	if !strings.Contains(string(data), "battery low on rx1") {
		t.Errorf("Expected message in error log, got %s", data)
	}
	if !strings.HasPrefix(string(data), "[") {
		t.Errorf("Expected timestamp prefix, got %s", data)
	}
}

func TestCursorFileWrite(t *testing.T) {
	tempDir, err := os.MkdirTemp("", "pyrocoordinator-cursor-test")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tempDir)

	path := filepath.Join(tempDir, "fw_cursor")
	cursor, err := OpenCursorFile(path)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	defer cursor.Close()

	if err := cursor.Write(12.5); err != nil {
		t.Fatalf("Expected no error writing cursor, got: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Expected cursor file to exist: %v", err)
	}
	if string(data) != "12.500000" {
		t.Errorf("Expected cursor content 12.500000, got %s", data)
	}

	if err := cursor.Write(3.0); err != nil {
		t.Fatalf("Expected no error overwriting cursor, got: %v", err)
	}
	data, _ = os.ReadFile(path)
	if string(data) != "3.000000" {
		t.Errorf("Expected overwritten cursor content 3.000000, got %s", data)
	}
}
