// Package stats accumulates lifetime bridge statistics and persists them
// across runs.
package stats

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	// statsVersion is bumped when the schema changes. Load can use it to
	// apply migrations in the future.
	statsVersion = 1

	statsFileName = "stats.json"
	appDirName    = "oscbridge"
)

// Stats is the persistent aggregate data for the bridge. It is loaded from
// and saved to ~/.local/state/oscbridge/stats.json (respecting
// XDG_STATE_HOME).
type Stats struct {
	Version int `json:"version"`

	// Aggregate counters
	ListenSessions    int   `json:"listenSessions"`
	RecordPasses      int   `json:"recordPasses"`
	ConfigReloads     int   `json:"configReloads"`
	TotalDatagrams    int64 `json:"totalDatagrams"`
	TotalMessages     int64 `json:"totalMessages"`
	TotalMalformed    int64 `json:"totalMalformed"`
	TotalApplied      int64 `json:"totalApplied"`
	TotalMismatches   int64 `json:"totalMismatches"`
	TotalTargetErrors int64 `json:"totalTargetErrors"`
	TotalKeysWritten  int64 `json:"totalKeysWritten"`

	// Per-address breakdown
	MessagesPerAddress map[string]int64 `json:"messagesPerAddress"`
	DistinctAddresses  int              `json:"distinctAddresses"`

	// Peak metrics (all-time highs)
	MaxBufferedAddresses int     `json:"maxBufferedAddresses"`
	MaxKeysInPass        int64   `json:"maxKeysInPass"`
	LongestListenSec     float64 `json:"longestListenSec"`

	LastUpdated time.Time `json:"lastUpdated"`
}

// Store handles loading and saving Stats to disk.
type Store struct {
	dir string // directory containing stats.json
}

// NewStore creates a Store that reads/writes stats in the given directory.
// The directory is created (with parents) on the first Save if it does not
// exist. Pass an empty string to use the default XDG state path.
func NewStore(dir string) *Store {
	if dir == "" {
		dir = defaultStatsDir()
	}
	return &Store{dir: dir}
}

// Path returns the full path to the stats file.
func (s *Store) Path() string {
	return filepath.Join(s.dir, statsFileName)
}

// Load reads stats from disk. If the file does not exist, a zero-value
// Stats with initialized maps and the current version is returned.
func (s *Store) Load() (*Stats, error) {
	data, err := os.ReadFile(s.Path())
	if err != nil {
		if os.IsNotExist(err) {
			return newStats(), nil
		}
		return nil, fmt.Errorf("reading stats: %w", err)
	}

	var st Stats
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("parsing stats: %w", err)
	}
	st.initMaps()

	return &st, nil
}

// Save writes stats to disk using an atomic temp-file-then-rename pattern.
// The directory is created if it does not already exist.
func (s *Store) Save(st *Stats) error {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("creating stats dir: %w", err)
	}

	st.Version = statsVersion
	st.LastUpdated = time.Now().UTC()

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling stats: %w", err)
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(s.dir, ".stats-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.Path()); err != nil {
		return fmt.Errorf("renaming stats file: %w", err)
	}
	committed = true

	return nil
}

// newStats returns a Stats with initialized maps and the current version.
func newStats() *Stats {
	return &Stats{
		Version:            statsVersion,
		MessagesPerAddress: make(map[string]int64),
	}
}

// initMaps ensures all map fields are non-nil after deserialization.
func (st *Stats) initMaps() {
	if st.MessagesPerAddress == nil {
		st.MessagesPerAddress = make(map[string]int64)
	}
}

// clone returns a deep copy of Stats with all maps duplicated.
func (st *Stats) clone() *Stats {
	cp := *st
	cp.MessagesPerAddress = make(map[string]int64, len(st.MessagesPerAddress))
	for k, v := range st.MessagesPerAddress {
		cp.MessagesPerAddress[k] = v
	}
	return &cp
}

// defaultStatsDir returns ~/.local/state/oscbridge, respecting
// XDG_STATE_HOME if set.
func defaultStatsDir() string {
	if base := os.Getenv("XDG_STATE_HOME"); base != "" {
		return filepath.Join(base, appDirName)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	return filepath.Join(home, ".local", "state", appDirName)
}
