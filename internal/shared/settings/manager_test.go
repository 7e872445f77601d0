package settings

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"liuproxy_selector/internal/shared/types"
)

type recordingModule struct {
	mu  sync.Mutex
	got []interface{}
}

func (m *recordingModule) OnSettingsUpdate(moduleKey string, newSettings interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.got = append(m.got, newSettings)
	return nil
}

func (m *recordingModule) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.got)
}

func TestNewSettingsManager_WritesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	sm, err := NewSettingsManager(path)
	if err != nil {
		t.Fatalf("NewSettingsManager failed: %v", err)
	}
	if sm.Selection().MaxQueueSize != types.DefaultSelectionConfig().MaxQueueSize {
		t.Errorf("expected default selection config, got %+v", sm.Selection())
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("settings.json should have been created: %v", err)
	}
}

func TestNewSettingsManager_FillsMissingModules(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	if err := os.WriteFile(path, []byte(`{"batch":{"concurrency":5,"probe_timeout_sec":10}}`), 0644); err != nil {
		t.Fatal(err)
	}
	sm, err := NewSettingsManager(path)
	if err != nil {
		t.Fatalf("NewSettingsManager failed: %v", err)
	}
	s := sm.Get()
	if s.Batch.Concurrency != 5 {
		t.Errorf("expected batch concurrency 5, got %d", s.Batch.Concurrency)
	}
	if s.Selection == nil {
		t.Fatal("selection module should be filled with defaults")
	}
}

func TestUpdate_PersistsNormalizesAndNotifies(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	sm, err := NewSettingsManager(path)
	if err != nil {
		t.Fatal(err)
	}
	mod := &recordingModule{}
	sm.Register(ModuleSelection, mod)

	before := sm.Get()
	if err := sm.Update(ModuleSelection, json.RawMessage(`{"switch_threshold":300,"max_queue_size":0}`)); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	// 旧快照不被修改
	if before.Selection.SwitchThreshold == 300 {
		t.Error("previous snapshot was mutated")
	}
	sel := sm.Selection()
	if sel.SwitchThreshold != 300 {
		t.Errorf("expected threshold 300, got %v", sel.SwitchThreshold)
	}
	if sel.MaxQueueSize != types.DefaultSelectionConfig().MaxQueueSize {
		t.Errorf("zero max_queue_size should be normalized, got %d", sel.MaxQueueSize)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var onDisk RuntimeSettings
	if err := json.Unmarshal(data, &onDisk); err != nil {
		t.Fatal(err)
	}
	if onDisk.Selection.SwitchThreshold != 300 {
		t.Errorf("update was not persisted: %+v", onDisk.Selection)
	}

	deadline := time.Now().Add(2 * time.Second)
	for mod.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if mod.count() != 1 {
		t.Fatalf("expected 1 notification, got %d", mod.count())
	}
}

func TestUpdate_Errors(t *testing.T) {
	sm, err := NewSettingsManager("")
	if err != nil {
		t.Fatal(err)
	}
	if err := sm.Update("firewall", json.RawMessage(`{}`)); !errors.Is(err, ErrUnknownModule) {
		t.Errorf("expected ErrUnknownModule, got %v", err)
	}
	if err := sm.Update(ModuleBatch, json.RawMessage(`{bad`)); !errors.Is(err, ErrInvalidSettings) {
		t.Errorf("expected ErrInvalidSettings for a parse error, got %v", err)
	}
	if err := sm.Update(ModuleSelection, json.RawMessage(`{"http_port":7000,"socks_port":7000}`)); !errors.Is(err, ErrInvalidSettings) {
		t.Errorf("expected ErrInvalidSettings for equal ports, got %v", err)
	}
	if sm.Selection().HTTPPort != types.DefaultSelectionConfig().HTTPPort {
		t.Error("rejected selection update must not change settings")
	}
	if sm.Get().Batch.Concurrency != 2 {
		t.Error("failed update must not change settings")
	}
}
