// Package mapping holds the ordered address-to-target mapping table. The
// table is the one piece of state edited concurrently with apply ticks, so
// every method takes the table lock and readers get copies.
package mapping

import (
	"errors"
	"strings"
	"sync"
)

// ErrIndexOutOfRange reports a stale index: the table was mutated between
// the caller reading it and acting on it. Callers treat it as a no-op.
var ErrIndexOutOfRange = errors.New("mapping index out of range")

// Mapping routes one OSC address to one target attribute path. Addresses
// are not unique: several mappings may share an address (fan-out) and
// several addresses may share a target (last write in table order wins
// within a tick).
type Mapping struct {
	Address string `json:"address"`
	Target  string `json:"target"`
	Name    string `json:"name,omitempty"`
	Enabled bool   `json:"enabled"`
}

// NormalizeAddress trims whitespace and forces the leading slash OSC
// addresses carry on the wire.
func NormalizeAddress(address string) string {
	address = strings.TrimSpace(address)
	if address == "" {
		return address
	}
	if !strings.HasPrefix(address, "/") {
		address = "/" + address
	}
	return address
}

func normalize(m Mapping) Mapping {
	m.Address = NormalizeAddress(m.Address)
	m.Target = strings.TrimSpace(m.Target)
	return m
}

// Table is the ordered mapping list.
type Table struct {
	mu   sync.RWMutex
	list []Mapping
}

func NewTable() *Table {
	return &Table{}
}

// Add appends a normalized mapping to the end of the list.
func (t *Table) Add(m Mapping) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.list = append(t.list, normalize(m))
}

// Remove deletes the mapping at index. A stale index returns
// ErrIndexOutOfRange and leaves the table unchanged.
func (t *Table) Remove(index int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if index < 0 || index >= len(t.list) {
		return ErrIndexOutOfRange
	}
	t.list = append(t.list[:index], t.list[index+1:]...)
	return nil
}

// Update replaces the mapping at index. A stale index returns
// ErrIndexOutOfRange and leaves the table unchanged.
func (t *Table) Update(index int, m Mapping) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if index < 0 || index >= len(t.list) {
		return ErrIndexOutOfRange
	}
	t.list[index] = normalize(m)
	return nil
}

// Replace swaps the whole list atomically. Used by config reload.
func (t *Table) Replace(list []Mapping) {
	normalized := make([]Mapping, len(list))
	for i, m := range list {
		normalized[i] = normalize(m)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.list = normalized
}

// Resolve returns the enabled mappings whose address exactly equals the
// given address, preserving list order. No wildcard matching.
func (t *Table) Resolve(address string) []Mapping {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []Mapping
	for _, m := range t.list {
		if m.Enabled && m.Address == address {
			out = append(out, m)
		}
	}
	return out
}

// All returns a copy of the list in order.
func (t *Table) All() []Mapping {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Mapping, len(t.list))
	copy(out, t.list)
	return out
}

// Targets returns the distinct target paths of enabled mappings in order of
// first appearance. The recording controller mutes channels for these.
func (t *Table) Targets() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	seen := make(map[string]bool, len(t.list))
	var out []string
	for _, m := range t.list {
		if !m.Enabled || m.Target == "" || seen[m.Target] {
			continue
		}
		seen[m.Target] = true
		out = append(out, m.Target)
	}
	return out
}

func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.list)
}
