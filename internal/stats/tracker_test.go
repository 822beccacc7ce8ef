package stats

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/oscbridge/bridge/internal/engine"
	"github.com/oscbridge/bridge/internal/listener"
)

type fakeStatusSource struct {
	mu     sync.Mutex
	status engine.Status
}

func (f *fakeStatusSource) Status() engine.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeStatusSource) set(st engine.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = st
}

func newTestTracker(t *testing.T) (*Tracker, *fakeStatusSource, *Store) {
	t.Helper()
	src := &fakeStatusSource{}
	store := NewStore(t.TempDir())
	tr, err := NewTracker(store, src, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("NewTracker: %v", err)
	}
	return tr, src, store
}

func TestTracker_OnEventCounts(t *testing.T) {
	tr, _, _ := newTestTracker(t)
	now := time.Now()

	tr.OnEvent(engine.Event{Kind: engine.EventListenStarted, Time: now})
	tr.OnEvent(engine.Event{Kind: engine.EventListenStopped, Time: now.Add(time.Second)})
	tr.OnEvent(engine.Event{Kind: engine.EventListenStarted, Time: now.Add(2 * time.Second)})
	tr.OnEvent(engine.Event{Kind: engine.EventRecordStarted, Time: now.Add(3 * time.Second)})
	tr.OnEvent(engine.Event{Kind: engine.EventConfigApplied, Time: now.Add(4 * time.Second)})

	st := tr.Stats()
	if st.ListenSessions != 2 {
		t.Errorf("ListenSessions = %d, want 2", st.ListenSessions)
	}
	if st.RecordPasses != 1 {
		t.Errorf("RecordPasses = %d, want 1", st.RecordPasses)
	}
	if st.ConfigReloads != 1 {
		t.Errorf("ConfigReloads = %d, want 1", st.ConfigReloads)
	}
}

func TestTracker_LongestListen(t *testing.T) {
	tr, _, _ := newTestTracker(t)
	start := time.Now()

	tr.OnEvent(engine.Event{Kind: engine.EventListenStarted, Time: start})
	tr.OnEvent(engine.Event{Kind: engine.EventListenStopped, Time: start.Add(90 * time.Second)})

	if got := tr.Stats().LongestListenSec; got != 90 {
		t.Fatalf("LongestListenSec = %f, want 90", got)
	}

	// A shorter session must not lower the peak.
	tr.OnEvent(engine.Event{Kind: engine.EventListenStarted, Time: start.Add(2 * time.Minute)})
	tr.OnEvent(engine.Event{Kind: engine.EventListenStopped, Time: start.Add(2*time.Minute + 5*time.Second)})

	if got := tr.Stats().LongestListenSec; got != 90 {
		t.Errorf("LongestListenSec = %f, want the 90s peak kept", got)
	}
}

func TestTracker_RecordStoppedTracksMaxKeys(t *testing.T) {
	tr, src, _ := newTestTracker(t)

	src.set(engine.Status{Recording: engine.RecordingStatus{PassKeys: 123}})
	tr.OnEvent(engine.Event{Kind: engine.EventRecordStopped, Time: time.Now()})

	if got := tr.Stats().MaxKeysInPass; got != 123 {
		t.Errorf("MaxKeysInPass = %d, want 123", got)
	}
}

func TestTracker_SampleAccumulatesDeltas(t *testing.T) {
	tr, src, _ := newTestTracker(t)

	src.set(engine.Status{
		Listener: engine.ListenerStatus{
			Buffered:  5,
			Stats:     listener.Stats{Datagrams: 100, Messages: 90, Malformed: 2},
			Addresses: map[string]int64{"/1/fader1": 50, "/1/toggle1": 40},
		},
		Stats: engine.TickStats{Applied: 80, Mismatches: 3, TargetErrors: 1},
	})
	tr.sample()

	st := tr.Stats()
	if st.TotalDatagrams != 100 || st.TotalMessages != 90 || st.TotalMalformed != 2 {
		t.Errorf("listener totals = %d/%d/%d, want 100/90/2", st.TotalDatagrams, st.TotalMessages, st.TotalMalformed)
	}
	if st.TotalApplied != 80 || st.TotalMismatches != 3 || st.TotalTargetErrors != 1 {
		t.Errorf("apply totals = %d/%d/%d, want 80/3/1", st.TotalApplied, st.TotalMismatches, st.TotalTargetErrors)
	}
	if st.MessagesPerAddress["/1/fader1"] != 50 {
		t.Errorf("MessagesPerAddress[/1/fader1] = %d, want 50", st.MessagesPerAddress["/1/fader1"])
	}
	if st.DistinctAddresses != 2 {
		t.Errorf("DistinctAddresses = %d, want 2", st.DistinctAddresses)
	}
	if st.MaxBufferedAddresses != 5 {
		t.Errorf("MaxBufferedAddresses = %d, want 5", st.MaxBufferedAddresses)
	}

	// Sampling the same counters again must not double count.
	tr.sample()
	st = tr.Stats()
	if st.TotalDatagrams != 100 {
		t.Errorf("TotalDatagrams after resample = %d, want 100", st.TotalDatagrams)
	}
	if st.MessagesPerAddress["/1/fader1"] != 50 {
		t.Errorf("MessagesPerAddress after resample = %d, want 50", st.MessagesPerAddress["/1/fader1"])
	}
}

func TestTracker_SampleIgnoresCounterResets(t *testing.T) {
	tr, src, _ := newTestTracker(t)

	src.set(engine.Status{Listener: engine.ListenerStatus{Stats: listener.Stats{Datagrams: 100}}})
	tr.sample()

	// A restarted listener reports lower counters; totals must not shrink.
	src.set(engine.Status{Listener: engine.ListenerStatus{Stats: listener.Stats{Datagrams: 10}}})
	tr.sample()

	if got := tr.Stats().TotalDatagrams; got != 100 {
		t.Errorf("TotalDatagrams = %d, want 100 after a counter reset", got)
	}

	// Growth from the new baseline counts again.
	src.set(engine.Status{Listener: engine.ListenerStatus{Stats: listener.Stats{Datagrams: 25}}})
	tr.sample()
	if got := tr.Stats().TotalDatagrams; got != 115 {
		t.Errorf("TotalDatagrams = %d, want 115", got)
	}
}

func TestTracker_LoadsExistingTotals(t *testing.T) {
	store := NewStore(t.TempDir())
	prev := newStats()
	prev.TotalDatagrams = 500
	prev.ListenSessions = 7
	if err := store.Save(prev); err != nil {
		t.Fatalf("seed Save: %v", err)
	}

	src := &fakeStatusSource{}
	tr, err := NewTracker(store, src, time.Second)
	if err != nil {
		t.Fatalf("NewTracker: %v", err)
	}

	if got := tr.Stats().TotalDatagrams; got != 500 {
		t.Fatalf("TotalDatagrams = %d, want the persisted 500", got)
	}

	src.set(engine.Status{Listener: engine.ListenerStatus{Stats: listener.Stats{Datagrams: 100}}})
	tr.sample()
	if got := tr.Stats().TotalDatagrams; got != 600 {
		t.Errorf("TotalDatagrams = %d, want 600 across restarts", got)
	}
	if got := tr.Stats().ListenSessions; got != 7 {
		t.Errorf("ListenSessions = %d, want 7", got)
	}
}

func TestTracker_RunSavesOnCancel(t *testing.T) {
	tr, src, store := newTestTracker(t)
	src.set(engine.Status{Listener: engine.ListenerStatus{Stats: listener.Stats{Datagrams: 42}}})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		tr.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	loaded, err := store.Load()
	if err != nil {
		t.Fatalf("Load after Run: %v", err)
	}
	if loaded.TotalDatagrams != 42 {
		t.Errorf("persisted TotalDatagrams = %d, want 42", loaded.TotalDatagrams)
	}
}

func TestTracker_SaveNow(t *testing.T) {
	tr, src, store := newTestTracker(t)
	src.set(engine.Status{Listener: engine.ListenerStatus{Stats: listener.Stats{Messages: 9}}})

	tr.SaveNow()

	loaded, err := store.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.TotalMessages != 9 {
		t.Errorf("persisted TotalMessages = %d, want 9", loaded.TotalMessages)
	}
}

func TestTracker_StatsReturnsCopy(t *testing.T) {
	tr, _, _ := newTestTracker(t)

	st := tr.Stats()
	st.MessagesPerAddress["/1/injected"] = 1
	st.TotalDatagrams = 999

	fresh := tr.Stats()
	if _, ok := fresh.MessagesPerAddress["/1/injected"]; ok {
		t.Error("mutating the returned map leaked into the tracker")
	}
	if fresh.TotalDatagrams != 0 {
		t.Errorf("TotalDatagrams = %d, want 0", fresh.TotalDatagrams)
	}
}
