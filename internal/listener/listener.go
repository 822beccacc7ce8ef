// Package listener owns the UDP socket and the latest-value buffer. A
// background reader goroutine decodes datagrams and overwrites the buffered
// value per address; the apply loop reads snapshots at its own cadence and
// never blocks on network I/O.
package listener

import (
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/oscbridge/bridge/internal/osc"
)

const (
	// DefaultHost and DefaultPort are the listener defaults when the
	// configuration leaves them unset.
	DefaultHost = "localhost"
	DefaultPort = 10000

	maxDatagramSize = 65535
)

var (
	// ErrAddressInUse reports a bind rejected because the address/port is
	// already taken. Reported to the caller, never retried.
	ErrAddressInUse = errors.New("listen address in use")

	// ErrInvalidAddress reports a bind address the OS cannot use.
	ErrInvalidAddress = errors.New("invalid listen address")
)

// Config is the listener binding configuration. ArgIndex selects which
// argument of a multi-argument message is retained per address (default 0).
type Config struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	ArgIndex int    `json:"argIndex,omitempty"`
}

func (c Config) withDefaults() Config {
	if c.Host == "" {
		c.Host = DefaultHost
	}
	if c.ArgIndex < 0 {
		c.ArgIndex = 0
	}
	return c
}

// Stats are cumulative ingest counters since the listener was created.
type Stats struct {
	Datagrams int64 `json:"datagrams"`
	Messages  int64 `json:"messages"`
	Malformed int64 `json:"malformed"`
	Filtered  int64 `json:"filtered"`
	Short     int64 `json:"short"`
}

// Listener binds one UDP socket at a time. The latest-value buffer outlives
// the socket: values keep displaying after Stop and across restarts.
type Listener struct {
	mu        sync.Mutex // lifecycle: conn, running, done, cfg
	conn      net.PacketConn
	running   bool
	done      chan struct{}
	cfg       Config
	boundAddr string

	bufMu    sync.RWMutex // latest, lastSeen, counts, stats, filter, hook
	latest   map[string]osc.Value
	lastSeen map[string]time.Time
	counts   map[string]int64
	stats    Stats
	filter   *AddressFilter
	hook     func(*osc.Message)
}

func New() *Listener {
	return &Listener{
		latest:   make(map[string]osc.Value),
		lastSeen: make(map[string]time.Time),
		counts:   make(map[string]int64),
	}
}

// SetFilter installs the address filter applied to subsequent datagrams.
// Pass nil to clear.
func (l *Listener) SetFilter(f *AddressFilter) {
	l.bufMu.Lock()
	defer l.bufMu.Unlock()
	if f != nil && f.IsNoop() {
		f = nil
	}
	l.filter = f
}

// SetMessageHook installs a callback invoked for every accepted message,
// outside the buffer lock. Used by the journal. Pass nil to clear.
func (l *Listener) SetMessageHook(h func(*osc.Message)) {
	l.bufMu.Lock()
	defer l.bufMu.Unlock()
	l.hook = h
}

// Start binds the UDP socket and starts the reader goroutine. Bind failures
// map to ErrAddressInUse or ErrInvalidAddress. Starting while already
// running is an error; callers that want a restart stop first.
func (l *Listener) Start(cfg Config) error {
	cfg = cfg.withDefaults()

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return fmt.Errorf("listener already started on %s", l.boundAddr)
	}

	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}

	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return classifyBindError(err)
	}

	l.conn = conn
	l.cfg = cfg
	l.boundAddr = conn.LocalAddr().String()
	l.running = true
	l.done = make(chan struct{})
	go l.readLoop(conn, cfg.ArgIndex, l.done)

	log.Printf("listener: bound udp %s", l.boundAddr)
	return nil
}

func classifyBindError(err error) error {
	if errors.Is(err, syscall.EADDRINUSE) {
		return fmt.Errorf("%w: %v", ErrAddressInUse, err)
	}
	if errors.Is(err, syscall.EADDRNOTAVAIL) || errors.Is(err, syscall.EACCES) {
		return fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	return fmt.Errorf("udp bind: %w", err)
}

// Stop closes the socket and waits for the reader goroutine to exit. Safe
// to call at any time and idempotent; the socket is released on every path.
func (l *Listener) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	conn := l.conn
	done := l.done
	l.running = false
	l.conn = nil
	l.mu.Unlock()

	conn.Close()
	<-done
	log.Printf("listener: stopped")
}

// Running reports whether the socket is currently bound.
func (l *Listener) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

// LocalAddr returns the bound address of the current or most recent
// session, empty if the listener never started.
func (l *Listener) LocalAddr() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.boundAddr
}

// Config returns the effective configuration of the current or most recent
// session.
func (l *Listener) Config() Config {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cfg
}

func (l *Listener) readLoop(conn net.PacketConn, argIndex int, done chan struct{}) {
	defer close(done)
	defer conn.Close()

	buf := make([]byte, maxDatagramSize)
	for {
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				log.Printf("listener: read error: %v", err)
				l.mu.Lock()
				if l.conn == conn {
					l.running = false
					l.conn = nil
				}
				l.mu.Unlock()
			}
			return
		}
		l.ingest(buf[:n], argIndex)
	}
}

// ingest decodes one datagram and folds its messages into the buffer.
// Malformed datagrams are counted and dropped, never fatal.
func (l *Listener) ingest(datagram []byte, argIndex int) {
	msgs, err := osc.DecodePacket(datagram)

	l.bufMu.Lock()
	l.stats.Datagrams++
	if err != nil {
		l.stats.Malformed++
		l.bufMu.Unlock()
		return
	}

	now := time.Now()
	var journaled []*osc.Message
	for _, m := range msgs {
		l.stats.Messages++
		if l.filter != nil && !l.filter.Allow(m.Address) {
			l.stats.Filtered++
			continue
		}
		if argIndex >= len(m.Args) {
			l.stats.Short++
			continue
		}
		l.latest[m.Address] = m.Args[argIndex]
		l.lastSeen[m.Address] = now
		l.counts[m.Address]++
		if l.hook != nil {
			journaled = append(journaled, m)
		}
	}
	hook := l.hook
	l.bufMu.Unlock()

	if hook != nil {
		for _, m := range journaled {
			hook(m)
		}
	}
}

// Snapshot returns a copy of the latest-value buffer. Reading is
// idempotent: two snapshots between datagram arrivals are identical.
func (l *Listener) Snapshot() map[string]osc.Value {
	l.bufMu.RLock()
	defer l.bufMu.RUnlock()
	out := make(map[string]osc.Value, len(l.latest))
	for k, v := range l.latest {
		out[k] = v
	}
	return out
}

// Counts returns how many messages each address has delivered since the
// listener was created.
func (l *Listener) Counts() map[string]int64 {
	l.bufMu.RLock()
	defer l.bufMu.RUnlock()
	out := make(map[string]int64, len(l.counts))
	for k, v := range l.counts {
		out[k] = v
	}
	return out
}

// Ages returns how long ago each buffered address last received a message.
func (l *Listener) Ages(now time.Time) map[string]time.Duration {
	l.bufMu.RLock()
	defer l.bufMu.RUnlock()
	out := make(map[string]time.Duration, len(l.lastSeen))
	for k, t := range l.lastSeen {
		out[k] = now.Sub(t)
	}
	return out
}

// Stats returns a copy of the cumulative ingest counters.
func (l *Listener) Stats() Stats {
	l.bufMu.RLock()
	defer l.bufMu.RUnlock()
	return l.stats
}
