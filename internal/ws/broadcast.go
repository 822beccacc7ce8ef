package ws

import (
	"encoding/json"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/oscbridge/bridge/internal/engine"
	"github.com/oscbridge/bridge/internal/osc"
)

// ErrTooManyConnections reports an AddClient past the configured cap.
var ErrTooManyConnections = errors.New("too many websocket connections")

type client struct {
	conn *websocket.Conn
	b    *Broadcaster
	send chan []byte
}

// writePump drains the send channel onto the socket. On a write error the
// client removes itself so broadcasts stop queueing to a dead connection.
func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			c.b.RemoveClient(c)
			return
		}
	}
}

// Broadcaster fans bridge state out to websocket clients: a full snapshot on
// connect, throttled value deltas while traffic flows, events and status as
// they happen, and a periodic snapshot that reconciles clients which missed
// deltas.
//
// Sends into client channels happen only while holding mu; channels are
// closed only under the write lock.
type Broadcaster struct {
	mu       sync.RWMutex
	clients  map[*client]bool
	maxConns int
	snapshot func() SnapshotPayload

	throttle       time.Duration
	snapshotTicker *time.Ticker
	stop           chan struct{}
	stopOnce       sync.Once

	flushMu       sync.Mutex
	pendingValues map[string]osc.Value
	flushTimer    *time.Timer

	seq atomic.Uint64
}

// NewBroadcaster starts the reconcile loop. maxConns of zero means
// unlimited.
func NewBroadcaster(throttle, snapshotInterval time.Duration, maxConns int) *Broadcaster {
	b := &Broadcaster{
		clients:  make(map[*client]bool),
		maxConns: maxConns,
		throttle: throttle,
		stop:     make(chan struct{}),
	}

	b.snapshotTicker = time.NewTicker(snapshotInterval)
	go b.snapshotLoop()

	return b
}

// SetSnapshotHook installs the callback that assembles full-state snapshots.
// Until one is set, new clients get no greeting and reconcile ticks are
// skipped.
func (b *Broadcaster) SetSnapshotHook(hook func() SnapshotPayload) {
	b.mu.Lock()
	b.snapshot = hook
	b.mu.Unlock()
}

func (b *Broadcaster) snapshotHook() func() SnapshotPayload {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.snapshot
}

// AddClient registers a connection, starts its write pump, and queues its
// initial snapshot. Fails with ErrTooManyConnections at the cap.
func (b *Broadcaster) AddClient(conn *websocket.Conn) (*client, error) {
	var greeting []byte
	if hook := b.snapshotHook(); hook != nil {
		data, err := json.Marshal(WSMessage{Type: MsgSnapshot, Seq: b.seq.Add(1), Payload: hook()})
		if err != nil {
			log.Printf("ws: snapshot marshal error: %v", err)
		} else {
			greeting = data
		}
	}

	c := &client{
		conn: conn,
		b:    b,
		send: make(chan []byte, 64),
	}

	b.mu.Lock()
	if b.maxConns > 0 && len(b.clients) >= b.maxConns {
		b.mu.Unlock()
		return nil, ErrTooManyConnections
	}
	b.clients[c] = true
	if greeting != nil {
		c.send <- greeting // fresh buffered channel, cannot block
	}
	b.mu.Unlock()

	go c.writePump()
	return c, nil
}

func (b *Broadcaster) RemoveClient(c *client) {
	b.mu.Lock()
	if _, ok := b.clients[c]; ok {
		delete(b.clients, c)
		close(c.send)
	}
	b.mu.Unlock()
}

// QueueValues merges changed address values into the pending delta and arms
// the throttle timer. A later value for the same address overwrites the
// earlier one, so a flush carries only the newest.
func (b *Broadcaster) QueueValues(values map[string]osc.Value) {
	if len(values) == 0 {
		return
	}

	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	if b.pendingValues == nil {
		b.pendingValues = make(map[string]osc.Value, len(values))
	}
	for addr, v := range values {
		b.pendingValues[addr] = v
	}

	if b.flushTimer == nil {
		b.flushTimer = time.AfterFunc(b.throttle, b.flush)
	}
}

// BroadcastEvent pushes a lifecycle event to every client immediately.
func (b *Broadcaster) BroadcastEvent(ev engine.Event) {
	b.broadcast(WSMessage{Type: MsgEvent, Payload: ev})
}

// BroadcastStatus pushes a state and counter refresh, typically right after
// an event.
func (b *Broadcaster) BroadcastStatus(p StatusPayload) {
	b.broadcast(WSMessage{Type: MsgStatus, Payload: p})
}

func (b *Broadcaster) flush() {
	b.flushMu.Lock()
	values := b.pendingValues
	b.pendingValues = nil
	b.flushTimer = nil
	b.flushMu.Unlock()

	if len(values) == 0 {
		return
	}

	b.broadcast(WSMessage{Type: MsgValues, Payload: ValuesPayload{Values: values}})
}

func (b *Broadcaster) snapshotLoop() {
	for {
		select {
		case <-b.stop:
			return
		case <-b.snapshotTicker.C:
			hook := b.snapshotHook()
			if hook == nil {
				continue
			}
			b.broadcast(WSMessage{Type: MsgSnapshot, Payload: hook()})
		}
	}
}

func (b *Broadcaster) broadcast(msg WSMessage) {
	msg.Seq = b.seq.Add(1)
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("ws: broadcast marshal error: %v", err)
		return
	}

	var slow []*client
	b.mu.RLock()
	for c := range b.clients {
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	b.mu.RUnlock()

	for _, c := range slow {
		log.Printf("ws: client too slow, disconnecting")
		b.RemoveClient(c)
	}
}

// sendTo queues a frame to a single client, dropping it when the client's
// buffer is full.
func (b *Broadcaster) sendTo(c *client, msg WSMessage) {
	msg.Seq = b.seq.Add(1)
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("ws: marshal error: %v", err)
		return
	}

	b.mu.RLock()
	if b.clients[c] {
		select {
		case c.send <- data:
		default:
		}
	}
	b.mu.RUnlock()
}

// Stop ends the reconcile loop and disconnects every client. Idempotent.
func (b *Broadcaster) Stop() {
	b.stopOnce.Do(func() {
		b.snapshotTicker.Stop()
		close(b.stop)
	})

	b.mu.Lock()
	for c := range b.clients {
		delete(b.clients, c)
		close(c.send)
	}
	b.mu.Unlock()
}

func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}
