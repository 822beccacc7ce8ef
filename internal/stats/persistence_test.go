package stats

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestNewStore_DefaultDir(t *testing.T) {
	s := NewStore("")
	if s.dir == "" {
		t.Fatal("expected non-empty default dir")
	}
	if filepath.Base(s.dir) != appDirName {
		t.Errorf("expected dir to end with %q, got %q", appDirName, s.dir)
	}
}

func TestNewStore_CustomDir(t *testing.T) {
	s := NewStore("/tmp/custom")
	if s.dir != "/tmp/custom" {
		t.Errorf("expected /tmp/custom, got %s", s.dir)
	}
}

func TestStore_Path(t *testing.T) {
	s := NewStore("/tmp/test-dir")
	want := "/tmp/test-dir/stats.json"
	if got := s.Path(); got != want {
		t.Errorf("Path() = %q, want %q", got, want)
	}
}

func TestStore_LoadMissing(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)

	st, err := s.Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if st.Version != statsVersion {
		t.Errorf("Version = %d, want %d", st.Version, statsVersion)
	}
	if st.MessagesPerAddress == nil {
		t.Error("MessagesPerAddress should be initialized")
	}
}

func TestStore_SaveAndLoad(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)

	st := newStats()
	st.ListenSessions = 4
	st.RecordPasses = 2
	st.ConfigReloads = 3
	st.TotalDatagrams = 10000
	st.TotalMessages = 9800
	st.TotalMalformed = 12
	st.TotalApplied = 9500
	st.TotalMismatches = 40
	st.TotalTargetErrors = 3
	st.TotalKeysWritten = 780
	st.MessagesPerAddress["/1/fader1"] = 6000
	st.MessagesPerAddress["/1/toggle1"] = 3800
	st.DistinctAddresses = 2
	st.MaxBufferedAddresses = 14
	st.MaxKeysInPass = 240
	st.LongestListenSec = 3600.5

	if err := s.Save(st); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	loaded, err := s.Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if loaded.Version != statsVersion {
		t.Errorf("Version = %d, want %d", loaded.Version, statsVersion)
	}
	if loaded.ListenSessions != 4 {
		t.Errorf("ListenSessions = %d, want 4", loaded.ListenSessions)
	}
	if loaded.RecordPasses != 2 {
		t.Errorf("RecordPasses = %d, want 2", loaded.RecordPasses)
	}
	if loaded.ConfigReloads != 3 {
		t.Errorf("ConfigReloads = %d, want 3", loaded.ConfigReloads)
	}
	if loaded.TotalDatagrams != 10000 {
		t.Errorf("TotalDatagrams = %d, want 10000", loaded.TotalDatagrams)
	}
	if loaded.TotalMessages != 9800 {
		t.Errorf("TotalMessages = %d, want 9800", loaded.TotalMessages)
	}
	if loaded.TotalMalformed != 12 {
		t.Errorf("TotalMalformed = %d, want 12", loaded.TotalMalformed)
	}
	if loaded.TotalApplied != 9500 {
		t.Errorf("TotalApplied = %d, want 9500", loaded.TotalApplied)
	}
	if loaded.TotalMismatches != 40 {
		t.Errorf("TotalMismatches = %d, want 40", loaded.TotalMismatches)
	}
	if loaded.TotalTargetErrors != 3 {
		t.Errorf("TotalTargetErrors = %d, want 3", loaded.TotalTargetErrors)
	}
	if loaded.TotalKeysWritten != 780 {
		t.Errorf("TotalKeysWritten = %d, want 780", loaded.TotalKeysWritten)
	}
	if loaded.MessagesPerAddress["/1/fader1"] != 6000 {
		t.Errorf("MessagesPerAddress[/1/fader1] = %d, want 6000", loaded.MessagesPerAddress["/1/fader1"])
	}
	if loaded.DistinctAddresses != 2 {
		t.Errorf("DistinctAddresses = %d, want 2", loaded.DistinctAddresses)
	}
	if loaded.MaxBufferedAddresses != 14 {
		t.Errorf("MaxBufferedAddresses = %d, want 14", loaded.MaxBufferedAddresses)
	}
	if loaded.MaxKeysInPass != 240 {
		t.Errorf("MaxKeysInPass = %d, want 240", loaded.MaxKeysInPass)
	}
	if loaded.LongestListenSec != 3600.5 {
		t.Errorf("LongestListenSec = %f, want 3600.5", loaded.LongestListenSec)
	}
	if loaded.LastUpdated.IsZero() {
		t.Error("LastUpdated should be set after Save")
	}
}

func TestStore_SaveCreatesDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "dir")
	s := NewStore(dir)

	st := newStats()
	if err := s.Save(st); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	if _, err := os.Stat(s.Path()); err != nil {
		t.Errorf("stats file should exist: %v", err)
	}
}

func TestStore_SaveOverwriteCleansTempFiles(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)

	st := newStats()
	st.ListenSessions = 10
	if err := s.Save(st); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	st.ListenSessions = 20
	if err := s.Save(st); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	loaded, err := s.Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if loaded.ListenSessions != 20 {
		t.Errorf("ListenSessions = %d, want 20", loaded.ListenSessions)
	}

	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if e.Name() != statsFileName {
			t.Errorf("unexpected file left behind: %s", e.Name())
		}
	}
}

func TestStore_LoadCorruptJSON(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)

	if err := os.WriteFile(s.Path(), []byte("{invalid"), 0o644); err != nil {
		t.Fatalf("WriteFile error: %v", err)
	}

	_, err := s.Load()
	if err == nil {
		t.Fatal("Load() should return error for corrupt JSON")
	}
}

func TestStore_LoadInitializesMaps(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)

	// Write JSON with null maps
	data, _ := json.Marshal(Stats{Version: 1})
	if err := os.WriteFile(s.Path(), data, 0o644); err != nil {
		t.Fatalf("WriteFile error: %v", err)
	}

	st, err := s.Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if st.MessagesPerAddress == nil {
		t.Error("MessagesPerAddress should be initialized even from null JSON")
	}
}

func TestStore_SaveSetsVersionAndTimestamp(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)

	st := newStats()
	st.Version = 0 // intentionally wrong
	before := time.Now().UTC()

	if err := s.Save(st); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	after := time.Now().UTC()

	if st.Version != statsVersion {
		t.Errorf("Version should be set to %d, got %d", statsVersion, st.Version)
	}
	if st.LastUpdated.Before(before) || st.LastUpdated.After(after) {
		t.Errorf("LastUpdated %v not in range [%v, %v]", st.LastUpdated, before, after)
	}
}

func TestDefaultStatsDir_XDGOverride(t *testing.T) {
	t.Setenv("XDG_STATE_HOME", "/custom/state")
	got := defaultStatsDir()
	want := "/custom/state/oscbridge"
	if got != want {
		t.Errorf("defaultStatsDir() = %q, want %q", got, want)
	}
}

func TestDefaultStatsDir_Fallback(t *testing.T) {
	t.Setenv("XDG_STATE_HOME", "")
	got := defaultStatsDir()
	// Should end with .local/state/oscbridge
	if filepath.Base(got) != appDirName {
		t.Errorf("expected dir ending with %q, got %q", appDirName, got)
	}
}

func TestStore_SaveFilePermissions(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)

	st := newStats()
	if err := s.Save(st); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	info, err := os.Stat(s.Path())
	if err != nil {
		t.Fatalf("Stat error: %v", err)
	}

	// File should be readable/writable by owner at minimum
	perm := info.Mode().Perm()
	if perm&0o600 != 0o600 {
		t.Errorf("expected at least 0600 permissions, got %o", perm)
	}
}

func TestClone_DeepCopiesMaps(t *testing.T) {
	st := newStats()
	st.MessagesPerAddress["/1/fader1"] = 5

	cp := st.clone()
	cp.MessagesPerAddress["/1/fader1"] = 99
	cp.MessagesPerAddress["/1/new"] = 1

	if st.MessagesPerAddress["/1/fader1"] != 5 {
		t.Error("clone mutation leaked into the original map")
	}
	if _, ok := st.MessagesPerAddress["/1/new"]; ok {
		t.Error("clone added a key to the original map")
	}
}
