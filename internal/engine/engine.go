// Package engine ties the listener, the mapping table, the coercion rules,
// and the recording controller into one tick-driven apply loop. The engine
// never owns a clock: the host calls Tick at its own cadence, typically once
// per frame around 60Hz.
package engine

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/oscbridge/bridge/internal/coerce"
	"github.com/oscbridge/bridge/internal/listener"
	"github.com/oscbridge/bridge/internal/mapping"
	"github.com/oscbridge/bridge/internal/osc"
	"github.com/oscbridge/bridge/internal/record"
)

// AttributeStore is the document surface the engine writes into.
//
// Implementations must be safe for concurrent use: Tick runs on the host
// clock while control operations arrive from other goroutines. The rig
// provides the built-in implementation; a host integration supplies its own
// document instead.
type AttributeStore interface {
	// Kind returns the declared coercion kind for an attribute path. The
	// engine coerces every buffered value to this kind before applying.
	Kind(path string) (coerce.Kind, error)

	// Apply sets the attribute's live value. The value's kind always
	// matches what Kind returned for the path.
	Apply(path string, value coerce.Coerced) error
}

// ErrNotListening reports a recording request while the listener is down.
var ErrNotListening = errors.New("engine is not listening")

// TickStats are cumulative apply-loop counters.
type TickStats struct {
	Ticks        int64 `json:"ticks"`
	Applied      int64 `json:"applied"`
	Unbuffered   int64 `json:"unbuffered"`
	Mismatches   int64 `json:"mismatches"`
	TargetErrors int64 `json:"targetErrors"`
}

// Status is a point-in-time snapshot of the whole engine for the API and
// the websocket feed.
type Status struct {
	State     State           `json:"state"`
	Listener  ListenerStatus  `json:"listener"`
	Mappings  int             `json:"mappings"`
	Recording RecordingStatus `json:"recording"`
	Stats     TickStats       `json:"stats"`
	LastError string          `json:"lastError,omitempty"`
}

type ListenerStatus struct {
	Running   bool               `json:"running"`
	Addr      string             `json:"addr,omitempty"`
	Buffered  int                `json:"buffered"`
	Stats     listener.Stats     `json:"stats"`
	Addresses map[string]int64   `json:"addresses,omitempty"`
	Ages      map[string]float64 `json:"ages,omitempty"`
}

type RecordingStatus struct {
	Active   bool         `json:"active"`
	PassKeys int64        `json:"passKeys"`
	Stats    record.Stats `json:"stats"`
}

// Engine is the bridge core. One engine drives one listener, one mapping
// table, one attribute store, and one recording controller.
type Engine struct {
	store AttributeStore
	rec   *record.Controller
	table *mapping.Table
	lst   *listener.Listener

	mu         sync.Mutex
	state      State
	listenCfg  listener.Config
	stats      TickStats
	lastError  string
	errsSince  int64
	lastErrLog time.Time

	events      chan Event
	closeOnce   sync.Once
	dropped     int64
	lastDropLog time.Time
}

func New(store AttributeStore, rec *record.Controller, table *mapping.Table, lst *listener.Listener) *Engine {
	return &Engine{
		store:  store,
		rec:    rec,
		table:  table,
		lst:    lst,
		events: make(chan Event, 64),
	}
}

// State returns the current lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Table returns the mapping table the engine applies.
func (e *Engine) Table() *mapping.Table { return e.table }

// Listener returns the listener the engine reads from.
func (e *Engine) Listener() *listener.Listener { return e.lst }

// StartListening binds the listener. Called while already listening it
// restarts the socket with the new configuration; an active recording pass
// ends first. On bind failure the engine is left stopped.
func (e *Engine) StartListening(cfg listener.Config) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	wasRunning := e.state != Stopped
	if e.state == Recording {
		e.rec.End()
		e.emit(EventRecordStopped, "listener restarting")
	}
	if wasRunning {
		e.lst.Stop()
	}

	if err := e.lst.Start(cfg); err != nil {
		e.state = Stopped
		if wasRunning {
			e.emit(EventListenStopped, fmt.Sprintf("restart failed: %v", err))
		}
		return err
	}

	e.listenCfg = cfg
	e.state = Listening
	e.emit(EventListenStarted, e.lst.LocalAddr())
	return nil
}

// StopListening ends any recording pass, closes the socket, and leaves the
// latest-value buffer intact. Idempotent.
func (e *Engine) StopListening() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == Stopped {
		return
	}
	if e.state == Recording {
		e.rec.End()
		e.emit(EventRecordStopped, "listener stopping")
	}
	e.lst.Stop()
	e.state = Stopped
	e.emit(EventListenStopped, "")
}

// BeginRecording starts a keyframe pass over every enabled mapping target.
// Fails with ErrNotListening while the listener is down.
func (e *Engine) BeginRecording() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == Stopped {
		return ErrNotListening
	}
	targets := e.table.Targets()
	if err := e.rec.Begin(targets); err != nil {
		return err
	}
	e.state = Recording
	e.emit(EventRecordStarted, fmt.Sprintf("%d targets", len(targets)))
	return nil
}

// EndRecording finishes the pass and returns to plain listening. Idempotent.
func (e *Engine) EndRecording() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != Recording {
		return
	}
	e.rec.End()
	e.state = Listening
	e.emit(EventRecordStopped, "")
}

// Tick runs one apply pass: every enabled mapping whose address has a
// buffered value is coerced and written to its target, in table order, so a
// target fed by several addresses ends up with the last one. A failing
// mapping is counted and skipped, never fatal. No-op while stopped.
func (e *Engine) Tick() {
	e.mu.Lock()
	if e.state == Stopped {
		e.mu.Unlock()
		return
	}
	recording := e.state == Recording
	e.mu.Unlock()

	snap := e.lst.Snapshot()
	mappings := e.table.All()

	var applied, unbuffered, mismatches, targetErrors int64
	var lastErr string
	for _, m := range mappings {
		if !m.Enabled {
			continue
		}
		value, ok := snap[m.Address]
		if !ok {
			unbuffered++
			continue
		}
		kind, err := e.store.Kind(m.Target)
		if err != nil {
			targetErrors++
			lastErr = fmt.Sprintf("%s -> %s: %v", m.Address, m.Target, err)
			continue
		}
		coerced, err := coerce.Coerce(value, kind)
		if err != nil {
			mismatches++
			lastErr = fmt.Sprintf("%s -> %s: %v", m.Address, m.Target, err)
			continue
		}
		if err := e.store.Apply(m.Target, coerced); err != nil {
			targetErrors++
			lastErr = fmt.Sprintf("%s -> %s: %v", m.Address, m.Target, err)
			continue
		}
		applied++
		if recording {
			e.rec.KeyWrite(m.Target, coerced.AsFloat64())
		}
	}

	e.mu.Lock()
	e.stats.Ticks++
	e.stats.Applied += applied
	e.stats.Unbuffered += unbuffered
	e.stats.Mismatches += mismatches
	e.stats.TargetErrors += targetErrors
	if lastErr != "" {
		e.lastError = lastErr
		e.errsSince += mismatches + targetErrors
		if time.Since(e.lastErrLog) > 10*time.Second {
			log.Printf("engine: %d apply errors, latest: %s", e.errsSince, lastErr)
			e.lastErrLog = time.Now()
			e.errsSince = 0
		}
	}
	e.mu.Unlock()
}

// LatestValues returns the buffered address values feeding the apply loop.
func (e *Engine) LatestValues() map[string]osc.Value {
	return e.lst.Snapshot()
}

// AddMapping appends a row to the mapping table. Takes effect on the next
// tick.
func (e *Engine) AddMapping(m mapping.Mapping) {
	e.table.Add(m)
}

// RemoveMapping deletes the row at index.
func (e *Engine) RemoveMapping(index int) error {
	return e.table.Remove(index)
}

// UpdateMapping replaces the row at index.
func (e *Engine) UpdateMapping(index int, m mapping.Mapping) error {
	return e.table.Update(index, m)
}

// Mappings returns a copy of the mapping table rows.
func (e *Engine) Mappings() []mapping.Mapping {
	return e.table.All()
}

// Status assembles a snapshot across all engine parts.
func (e *Engine) Status() Status {
	e.mu.Lock()
	state := e.state
	stats := e.stats
	lastError := e.lastError
	e.mu.Unlock()

	var ages map[string]float64
	if raw := e.lst.Ages(time.Now()); len(raw) > 0 {
		ages = make(map[string]float64, len(raw))
		for addr, d := range raw {
			ages[addr] = d.Seconds()
		}
	}

	return Status{
		State: state,
		Listener: ListenerStatus{
			Running:   e.lst.Running(),
			Addr:      e.lst.LocalAddr(),
			Buffered:  len(e.lst.Snapshot()),
			Stats:     e.lst.Stats(),
			Addresses: e.lst.Counts(),
			Ages:      ages,
		},
		Mappings: e.table.Len(),
		Recording: RecordingStatus{
			Active:   e.rec.Active(),
			PassKeys: e.rec.PassKeys(),
			Stats:    e.rec.Stats(),
		},
		Stats:     stats,
		LastError: lastError,
	}
}

// Reconfigure applies a new mapping set, address filter, and listener
// configuration. The socket restarts only when its configuration actually
// changed and the engine is running.
func (e *Engine) Reconfigure(cfg listener.Config, filter *listener.AddressFilter, mappings []mapping.Mapping) error {
	e.table.Replace(mappings)
	e.lst.SetFilter(filter)

	e.mu.Lock()
	restart := e.state != Stopped && cfg != e.listenCfg
	if !restart {
		e.listenCfg = cfg
		e.emit(EventConfigApplied, fmt.Sprintf("%d mappings", len(mappings)))
	}
	e.mu.Unlock()

	if restart {
		if err := e.StartListening(cfg); err != nil {
			return err
		}
		e.mu.Lock()
		e.emit(EventConfigApplied, fmt.Sprintf("%d mappings, listener restarted", len(mappings)))
		e.mu.Unlock()
	}
	return nil
}

// Events returns the lifecycle event stream. Events are dropped when the
// channel is full rather than blocking the engine.
func (e *Engine) Events() <-chan Event { return e.events }

// Close releases the event channel after the engine is stopped. Consumers
// ranging over Events exit.
func (e *Engine) Close() {
	e.closeOnce.Do(func() { close(e.events) })
}

// emit delivers an event without blocking. Callers hold e.mu.
func (e *Engine) emit(kind EventKind, detail string) {
	ev := Event{Kind: kind, State: e.state, Time: time.Now(), Detail: detail}
	select {
	case e.events <- ev:
	default:
		e.dropped++
		if time.Since(e.lastDropLog) > 10*time.Second {
			log.Printf("engine: dropped %d events, consumer too slow", e.dropped)
			e.lastDropLog = time.Now()
		}
	}
}
