package stats

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/oscbridge/bridge/internal/engine"
)

// StatusSource provides the counters the tracker samples. The engine
// implements it.
type StatusSource interface {
	Status() engine.Status
}

// Tracker folds engine lifecycle events and sampled counters into the
// persistent Stats. Counters are sampled as deltas against the previous
// sample, so restarts of the daemon keep accumulating instead of double
// counting.
type Tracker struct {
	persist      *Store
	src          StatusSource
	saveInterval time.Duration

	mu          sync.Mutex
	stats       *Stats
	dirty       bool
	listenStart time.Time
	last        engine.Status
}

// NewTracker loads the persisted stats and returns a tracker sampling from
// src. The caller must run Run in a goroutine.
func NewTracker(persist *Store, src StatusSource, saveInterval time.Duration) (*Tracker, error) {
	stats, err := persist.Load()
	if err != nil {
		return nil, err
	}
	if saveInterval <= 0 {
		saveInterval = 30 * time.Second
	}
	return &Tracker{
		persist:      persist,
		src:          src,
		saveInterval: saveInterval,
		stats:        stats,
	}, nil
}

// OnEvent folds one lifecycle event into the stats.
func (t *Tracker) OnEvent(ev engine.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch ev.Kind {
	case engine.EventListenStarted:
		t.stats.ListenSessions++
		t.listenStart = ev.Time
	case engine.EventListenStopped:
		if !t.listenStart.IsZero() {
			if dur := ev.Time.Sub(t.listenStart).Seconds(); dur > t.stats.LongestListenSec {
				t.stats.LongestListenSec = dur
			}
			t.listenStart = time.Time{}
		}
	case engine.EventRecordStarted:
		t.stats.RecordPasses++
	case engine.EventRecordStopped:
		if keys := t.src.Status().Recording.PassKeys; keys > t.stats.MaxKeysInPass {
			t.stats.MaxKeysInPass = keys
		}
	case engine.EventConfigApplied:
		t.stats.ConfigReloads++
	}
	t.dirty = true
}

// Run samples counters and periodically saves dirty stats to disk. It
// blocks until ctx is cancelled, then performs a final save.
func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(t.saveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			t.sample()
			t.save()
			return
		case <-ticker.C:
			t.sample()
			if t.isDirty() {
				t.save()
			}
		}
	}
}

// Stats returns a deep copy of the current aggregate stats.
func (t *Tracker) Stats() *Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats.clone()
}

// SaveNow samples once and writes to disk immediately. Used on shutdown
// paths that cannot wait for Run's final save.
func (t *Tracker) SaveNow() {
	t.sample()
	t.save()
}

// sample pulls the current counters and accumulates the delta since the
// previous sample.
func (t *Tracker) sample() {
	cur := t.src.Status()

	t.mu.Lock()
	defer t.mu.Unlock()

	addDelta := func(total *int64, cur, last int64) {
		if d := cur - last; d > 0 {
			*total += d
			t.dirty = true
		}
	}

	addDelta(&t.stats.TotalDatagrams, cur.Listener.Stats.Datagrams, t.last.Listener.Stats.Datagrams)
	addDelta(&t.stats.TotalMessages, cur.Listener.Stats.Messages, t.last.Listener.Stats.Messages)
	addDelta(&t.stats.TotalMalformed, cur.Listener.Stats.Malformed, t.last.Listener.Stats.Malformed)
	addDelta(&t.stats.TotalApplied, cur.Stats.Applied, t.last.Stats.Applied)
	addDelta(&t.stats.TotalMismatches, cur.Stats.Mismatches, t.last.Stats.Mismatches)
	addDelta(&t.stats.TotalTargetErrors, cur.Stats.TargetErrors, t.last.Stats.TargetErrors)
	addDelta(&t.stats.TotalKeysWritten, cur.Recording.Stats.KeysWritten, t.last.Recording.Stats.KeysWritten)

	for addr, n := range cur.Listener.Addresses {
		if d := n - t.last.Listener.Addresses[addr]; d > 0 {
			t.stats.MessagesPerAddress[addr] += d
			t.dirty = true
		}
	}
	t.stats.DistinctAddresses = len(t.stats.MessagesPerAddress)

	if cur.Listener.Buffered > t.stats.MaxBufferedAddresses {
		t.stats.MaxBufferedAddresses = cur.Listener.Buffered
		t.dirty = true
	}
	if cur.Recording.PassKeys > t.stats.MaxKeysInPass {
		t.stats.MaxKeysInPass = cur.Recording.PassKeys
		t.dirty = true
	}

	t.last = cur
}

func (t *Tracker) isDirty() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dirty
}

func (t *Tracker) save() {
	t.mu.Lock()
	stats := t.stats.clone()
	t.dirty = false
	t.mu.Unlock()

	if err := t.persist.Save(stats); err != nil {
		log.Printf("stats: save failed: %v", err)
	}
}
