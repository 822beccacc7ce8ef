// Package journal persists accepted OSC messages as JSON lines for later
// replay. Each line is self-contained, so a reader can skip a corrupt or
// truncated line without losing the rest of the file.
package journal

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oscbridge/bridge/internal/osc"
)

// maxLineBytes bounds a single journal line when reading.
const maxLineBytes = 1 << 20

// Entry is one journaled message.
type Entry struct {
	Time    time.Time   `json:"ts"`
	Address string      `json:"address"`
	Args    []osc.Value `json:"args"`
}

// Message converts the entry back to its wire form.
func (e Entry) Message() *osc.Message {
	return &osc.Message{Address: e.Address, Args: e.Args}
}

// Writer appends entries to a JSONL file. Once maxBytes is reached further
// entries are dropped and counted; zero means uncapped.
type Writer struct {
	mu       sync.Mutex
	f        *os.File
	path     string
	size     int64
	maxBytes int64
	dropped  int64
}

// NewWriter opens the journal at path for appending, creating parent
// directories as needed. An existing file counts toward the cap.
func NewWriter(path string, maxBytes int64) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("journal dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat journal: %w", err)
	}
	return &Writer{f: f, path: path, size: info.Size(), maxBytes: maxBytes}, nil
}

// Record appends one message. Safe for concurrent use; the listener calls it
// from its reader goroutine.
func (w *Writer) Record(m *osc.Message) {
	entry := Entry{Time: time.Now().UTC(), Address: m.Address, Args: m.Args}
	line, err := json.Marshal(entry)
	if err != nil {
		return
	}
	line = append(line, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return
	}
	if w.maxBytes > 0 && w.size+int64(len(line)) > w.maxBytes {
		w.dropped++
		if w.dropped == 1 {
			log.Printf("journal: %s reached %d bytes, dropping further entries", w.path, w.maxBytes)
		}
		return
	}

	n, err := w.f.Write(line)
	w.size += int64(n)
	if err != nil {
		log.Printf("journal: write failed: %v", err)
	}
}

// Dropped returns how many entries the size cap rejected.
func (w *Writer) Dropped() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dropped
}

// Size returns the journal's current size in bytes.
func (w *Writer) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.size
}

// Path returns the journal file path.
func (w *Writer) Path() string { return w.path }

// Close closes the file. Records after Close are discarded. Idempotent.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	return err
}

// ReadFile loads every parseable entry from a journal and the count of
// lines it had to skip.
func ReadFile(path string) ([]Entry, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	var entries []Entry
	corrupt := 0

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			corrupt++
			continue
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return entries, corrupt, fmt.Errorf("scan journal: %w", err)
	}
	return entries, corrupt, nil
}

// DefaultPath is the per-user journal location, honoring XDG_STATE_HOME.
func DefaultPath() string {
	base := os.Getenv("XDG_STATE_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "journal.jsonl"
		}
		base = filepath.Join(home, ".local", "state")
	}
	return filepath.Join(base, "oscbridge", "journal.jsonl")
}
