// Package mock generates synthetic OSC traffic so the bridge can be
// exercised without a hardware control surface. A Generator sends waveform
// channels to the listener's UDP port; Replay resends a recorded journal
// with its original timing.
package mock

import (
	"context"
	"fmt"
	"log"
	"math"
	"math/rand"
	"net"
	"sync/atomic"
	"time"

	"github.com/oscbridge/bridge/internal/journal"
	"github.com/oscbridge/bridge/internal/osc"
)

const (
	defaultRate   = 30              // messages per second per channel
	defaultPeriod = 4 * time.Second // waveform cycle
	stepLevels    = 5               // staircase levels for the step wave
	maxReplayGap  = 5 * time.Second // cap on quiet stretches during replay
)

// Channel is one synthetic control: a waveform bound to an OSC address.
type Channel struct {
	Address string
	Wave    string // sine, ramp, pulse, noise, step, toggle
	Period  time.Duration
}

// DefaultChannels mirrors the first page of a typical touch controller.
func DefaultChannels() []Channel {
	return []Channel{
		{Address: "/1/fader1", Wave: "sine"},
		{Address: "/1/fader2", Wave: "ramp", Period: 6 * time.Second},
		{Address: "/1/fader3", Wave: "noise"},
		{Address: "/1/rotary1", Wave: "sine", Period: 9 * time.Second},
		{Address: "/1/push1", Wave: "pulse", Period: 2 * time.Second},
		{Address: "/1/toggle1", Wave: "toggle", Period: 3 * time.Second},
		{Address: "/1/multifader/1", Wave: "step", Period: 5 * time.Second},
	}
}

// Generator sends waveform messages for a set of channels to one UDP
// destination at a fixed rate.
type Generator struct {
	dest     string
	hz       int
	channels []Channel
	rng      *rand.Rand
	sent     atomic.Int64
}

func NewGenerator(dest string, hz int, channels []Channel) *Generator {
	if hz <= 0 {
		hz = defaultRate
	}
	if len(channels) == 0 {
		channels = DefaultChannels()
	}
	return &Generator{
		dest:     dest,
		hz:       hz,
		channels: channels,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Start dials the destination and sends until ctx is cancelled.
func (g *Generator) Start(ctx context.Context) error {
	conn, err := net.Dial("udp", g.dest)
	if err != nil {
		return fmt.Errorf("dial %s: %w", g.dest, err)
	}

	log.Printf("mock: sending %d channels to %s at %d msg/s each", len(g.channels), g.dest, g.hz)
	go g.run(ctx, conn)
	return nil
}

// Sent returns how many messages the generator has written.
func (g *Generator) Sent() int64 { return g.sent.Load() }

func (g *Generator) run(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	ticker := time.NewTicker(time.Second / time.Duration(g.hz))
	defer ticker.Stop()

	start := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			elapsed := now.Sub(start)
			for _, ch := range g.channels {
				data, err := osc.NewMessage(ch.Address, g.value(ch, elapsed)).MarshalBinary()
				if err != nil {
					continue
				}
				if _, err := conn.Write(data); err != nil {
					log.Printf("mock: send failed: %v", err)
					return
				}
				g.sent.Add(1)
			}
		}
	}
}

// value computes the channel's sample at the elapsed offset. Waveforms are
// periodic over the channel period; floats stay within [0, 1].
func (g *Generator) value(ch Channel, elapsed time.Duration) osc.Value {
	period := ch.Period
	if period <= 0 {
		period = defaultPeriod
	}
	phase := math.Mod(elapsed.Seconds(), period.Seconds()) / period.Seconds()

	switch ch.Wave {
	case "ramp":
		return osc.Float(float32(phase))
	case "pulse":
		if phase < 0.1 {
			return osc.Float(1)
		}
		return osc.Float(0)
	case "noise":
		return osc.Float(g.rng.Float32())
	case "step":
		return osc.Int(int32(phase * stepLevels))
	case "toggle":
		return osc.Bool(phase < 0.5)
	default: // sine
		return osc.Float(float32(0.5 + 0.5*math.Sin(2*math.Pi*phase)))
	}
}

// Replay resends a recorded journal to dest, preserving the gaps between
// entries scaled by speed (2 means twice as fast). Long quiet stretches are
// capped so a replay keeps moving. Returns the number of messages sent.
func Replay(ctx context.Context, dest, path string, speed float64) (int, error) {
	entries, corrupt, err := journal.ReadFile(path)
	if err != nil {
		return 0, err
	}
	if corrupt > 0 {
		log.Printf("mock: replay skipping %d corrupt journal lines", corrupt)
	}
	if len(entries) == 0 {
		return 0, nil
	}
	if speed <= 0 {
		speed = 1
	}

	conn, err := net.Dial("udp", dest)
	if err != nil {
		return 0, fmt.Errorf("dial %s: %w", dest, err)
	}
	defer conn.Close()

	log.Printf("mock: replaying %d messages from %s", len(entries), path)

	sent := 0
	for i, e := range entries {
		if i > 0 {
			gap := e.Time.Sub(entries[i-1].Time)
			if gap > 0 {
				gap = time.Duration(float64(gap) / speed)
				if gap > maxReplayGap {
					gap = maxReplayGap
				}
				select {
				case <-ctx.Done():
					return sent, ctx.Err()
				case <-time.After(gap):
				}
			}
		}

		data, err := e.Message().MarshalBinary()
		if err != nil {
			continue
		}
		if _, err := conn.Write(data); err != nil {
			return sent, fmt.Errorf("send: %w", err)
		}
		sent++
	}
	return sent, nil
}
