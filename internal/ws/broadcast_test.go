package ws

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/oscbridge/bridge/internal/engine"
	"github.com/oscbridge/bridge/internal/osc"
)

// newTestBroadcaster builds a broadcaster without its reconcile loop so
// tests control every flush.
func newTestBroadcaster() *Broadcaster {
	return &Broadcaster{
		clients:  make(map[*client]bool),
		throttle: time.Hour,
		stop:     make(chan struct{}),
	}
}

// addSink registers a client with a buffered channel and no socket. Nothing
// starts its writePump, so queued frames stay readable from c.send.
func addSink(b *Broadcaster) *client {
	c := &client{
		conn: nil,
		b:    b,
		send: make(chan []byte, 64),
	}
	b.mu.Lock()
	b.clients[c] = true
	b.mu.Unlock()
	return c
}

type frame struct {
	Type    MessageType     `json:"type"`
	Seq     uint64          `json:"seq"`
	Payload json.RawMessage `json:"payload"`
}

func readFrame(t *testing.T, c *client) frame {
	t.Helper()
	select {
	case data := <-c.send:
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			t.Fatalf("unmarshal frame: %v\n%s", err, data)
		}
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a frame")
		return frame{}
	}
}

func assertNoFrame(t *testing.T, c *client) {
	t.Helper()
	select {
	case data := <-c.send:
		t.Fatalf("unexpected frame: %s", data)
	default:
	}
}

func TestQueueValues_CoalescesPerAddress(t *testing.T) {
	b := newTestBroadcaster()
	c := addSink(b)

	b.QueueValues(map[string]osc.Value{
		"/1/fader1": osc.Float(0.1),
		"/1/fader2": osc.Float(0.2),
	})
	b.QueueValues(map[string]osc.Value{
		"/1/fader1": osc.Float(0.9),
	})
	b.flush()

	f := readFrame(t, c)
	if f.Type != MsgValues {
		t.Fatalf("frame type = %s, want %s", f.Type, MsgValues)
	}

	var vp ValuesPayload
	if err := json.Unmarshal(f.Payload, &vp); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if len(vp.Values) != 2 {
		t.Fatalf("len(Values) = %d, want 2", len(vp.Values))
	}
	if got := vp.Values["/1/fader1"]; got != osc.Float(0.9) {
		t.Errorf("/1/fader1 = %v, want the later 0.9", got)
	}
	if got := vp.Values["/1/fader2"]; got != osc.Float(0.2) {
		t.Errorf("/1/fader2 = %v, want 0.2", got)
	}
}

func TestFlush_EmptyPendingSendsNothing(t *testing.T) {
	b := newTestBroadcaster()
	c := addSink(b)

	b.QueueValues(nil)
	b.flush()
	assertNoFrame(t, c)
}

func TestQueueValues_ThrottleTimerDelivers(t *testing.T) {
	b := NewBroadcaster(10*time.Millisecond, time.Hour, 0)
	defer b.Stop()
	c := addSink(b)

	b.QueueValues(map[string]osc.Value{"/1/fader1": osc.Float(0.5)})

	f := readFrame(t, c)
	if f.Type != MsgValues {
		t.Errorf("frame type = %s, want %s", f.Type, MsgValues)
	}
}

func TestBroadcastEventAndStatus(t *testing.T) {
	b := newTestBroadcaster()
	c := addSink(b)

	b.BroadcastEvent(engine.Event{Kind: engine.EventListenStarted, State: engine.Listening, Time: time.Now()})
	f := readFrame(t, c)
	if f.Type != MsgEvent {
		t.Fatalf("frame type = %s, want %s", f.Type, MsgEvent)
	}
	var ev engine.Event
	if err := json.Unmarshal(f.Payload, &ev); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	if ev.Kind != engine.EventListenStarted {
		t.Errorf("event kind = %v, want listenStarted", ev.Kind)
	}

	b.BroadcastStatus(StatusPayload{})
	if f := readFrame(t, c); f.Type != MsgStatus {
		t.Errorf("frame type = %s, want %s", f.Type, MsgStatus)
	}
}

func TestBroadcast_SeqIncrementsAcrossFrames(t *testing.T) {
	b := newTestBroadcaster()
	c := addSink(b)

	b.BroadcastStatus(StatusPayload{})
	b.BroadcastStatus(StatusPayload{})

	first := readFrame(t, c)
	second := readFrame(t, c)
	if second.Seq != first.Seq+1 {
		t.Errorf("seq %d then %d, want consecutive", first.Seq, second.Seq)
	}
}

// dialTestWSPair is like dialTestWS but keeps the client side open so tests
// can read what the broadcaster writes.
func dialTestWSPair(t *testing.T) (*websocket.Conn, *websocket.Conn) {
	t.Helper()

	connCh := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		connCh <- c
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { clientConn.Close() })

	select {
	case serverConn := <-connCh:
		return serverConn, clientConn
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server-side WebSocket connection")
		return nil, nil
	}
}

func TestAddClient_SendsSnapshotGreeting(t *testing.T) {
	b := NewBroadcaster(time.Hour, time.Hour, 0)
	defer b.Stop()
	b.SetSnapshotHook(func() SnapshotPayload {
		return SnapshotPayload{
			Values: map[string]osc.Value{"/1/fader1": osc.Float(0.25)},
		}
	})

	serverConn, clientConn := dialTestWSPair(t)
	if _, err := b.AddClient(serverConn); err != nil {
		t.Fatalf("AddClient: %v", err)
	}

	clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := clientConn.ReadMessage()
	if err != nil {
		t.Fatalf("read greeting: %v", err)
	}

	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		t.Fatalf("unmarshal greeting: %v", err)
	}
	if f.Type != MsgSnapshot {
		t.Fatalf("greeting type = %s, want %s", f.Type, MsgSnapshot)
	}
	var sp SnapshotPayload
	if err := json.Unmarshal(f.Payload, &sp); err != nil {
		t.Fatalf("unmarshal snapshot: %v", err)
	}
	if got := sp.Values["/1/fader1"]; got != osc.Float(0.25) {
		t.Errorf("snapshot value = %v, want 0.25", got)
	}
}

func TestBroadcaster_SequenceNumberWrapAround(t *testing.T) {
	// 2^64 frames would take centuries at normal rates, but the wrap
	// behavior is well-defined and should stay that way.
	b := newTestBroadcaster()

	maxUint64 := ^uint64(0)
	b.seq.Store(maxUint64 - 3)

	var seqs []uint64
	for i := 0; i < 5; i++ {
		seqs = append(seqs, b.seq.Add(1))
	}

	expected := []uint64{maxUint64 - 2, maxUint64 - 1, maxUint64, 0, 1}
	for i := range expected {
		if seqs[i] != expected[i] {
			t.Errorf("seq[%d]: expected %d, got %d", i, expected[i], seqs[i])
		}
	}
}

func TestBroadcaster_SequenceNumberIncrement(t *testing.T) {
	b := newTestBroadcaster()

	if b.seq.Load() != 0 {
		t.Errorf("expected initial seq to be 0, got %d", b.seq.Load())
	}

	for i := 0; i < 5; i++ {
		expected := uint64(i + 1)
		if got := b.seq.Add(1); got != expected {
			t.Errorf("increment %d: expected %d, got %d", i, expected, got)
		}
	}
}
