package mock

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/oscbridge/bridge/internal/journal"
	"github.com/oscbridge/bridge/internal/osc"
)

func newTestGenerator() *Generator {
	return NewGenerator("127.0.0.1:0", defaultRate, DefaultChannels())
}

func TestValue_WaveShapes(t *testing.T) {
	g := newTestGenerator()
	period := 4 * time.Second

	tests := []struct {
		name    string
		ch      Channel
		elapsed time.Duration
		want    osc.Value
	}{
		{"ramp at start", Channel{Wave: "ramp", Period: period}, 0, osc.Float(0)},
		{"ramp at quarter", Channel{Wave: "ramp", Period: period}, time.Second, osc.Float(0.25)},
		{"ramp wraps", Channel{Wave: "ramp", Period: period}, 5 * time.Second, osc.Float(0.25)},
		{"pulse high at start", Channel{Wave: "pulse", Period: period}, 0, osc.Float(1)},
		{"pulse low after head", Channel{Wave: "pulse", Period: period}, time.Second, osc.Float(0)},
		{"sine peak at quarter", Channel{Wave: "sine", Period: period}, time.Second, osc.Float(1)},
		{"toggle on in first half", Channel{Wave: "toggle", Period: period}, time.Second, osc.Bool(true)},
		{"toggle off in second half", Channel{Wave: "toggle", Period: period}, 3 * time.Second, osc.Bool(false)},
		{"step at start", Channel{Wave: "step", Period: period}, 0, osc.Int(0)},
		{"step near end", Channel{Wave: "step", Period: period}, 3900 * time.Millisecond, osc.Int(4)},
		{"unknown wave falls back to sine", Channel{Wave: "", Period: period}, time.Second, osc.Float(1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := g.value(tt.ch, tt.elapsed)
			if got.Kind() != tt.want.Kind() {
				t.Fatalf("value kind = %v, want %v", got.Kind(), tt.want.Kind())
			}
			if got.Kind() == osc.KindFloat {
				if diff := got.Float() - tt.want.Float(); diff > 1e-6 || diff < -1e-6 {
					t.Errorf("value = %v, want %v", got.Float(), tt.want.Float())
				}
			} else if got != tt.want {
				t.Errorf("value = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestValue_FloatsStayInRange(t *testing.T) {
	g := newTestGenerator()

	for _, wave := range []string{"sine", "ramp", "pulse", "noise"} {
		ch := Channel{Wave: wave}
		for ms := 0; ms < 10000; ms += 37 {
			v := g.value(ch, time.Duration(ms)*time.Millisecond)
			if v.Kind() != osc.KindFloat {
				t.Fatalf("%s produced a non-float value %v", wave, v)
			}
			if f := v.Float(); f < 0 || f > 1 {
				t.Fatalf("%s value %f at %dms outside [0,1]", wave, f, ms)
			}
		}
	}
}

func TestValue_StepLevels(t *testing.T) {
	g := newTestGenerator()
	ch := Channel{Wave: "step", Period: time.Second}

	seen := make(map[int32]bool)
	for ms := 0; ms < 1000; ms += 10 {
		v := g.value(ch, time.Duration(ms)*time.Millisecond)
		if v.Kind() != osc.KindInt {
			t.Fatalf("step produced a non-int value %v", v)
		}
		n := v.Int()
		if n < 0 || n >= stepLevels {
			t.Fatalf("step level %d at %dms outside [0,%d)", n, ms, stepLevels)
		}
		seen[n] = true
	}
	if len(seen) != stepLevels {
		t.Errorf("saw %d distinct levels, want %d", len(seen), stepLevels)
	}
}

func TestGenerator_SendsDecodableMessages(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer pc.Close()

	channels := []Channel{
		{Address: "/1/fader1", Wave: "sine"},
		{Address: "/1/toggle1", Wave: "toggle"},
	}
	g := NewGenerator(pc.LocalAddr().String(), 200, channels)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := g.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	seen := make(map[string]bool)
	buf := make([]byte, 1024)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(seen) < len(channels) {
		pc.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		n, _, err := pc.ReadFrom(buf)
		if err != nil {
			continue
		}
		msgs, err := osc.DecodePacket(buf[:n])
		if err != nil {
			t.Fatalf("decode generated packet: %v", err)
		}
		for _, m := range msgs {
			if len(m.Args) == 0 {
				t.Fatalf("message %s has no arguments", m.Address)
			}
			seen[m.Address] = true
		}
	}

	for _, ch := range channels {
		if !seen[ch.Address] {
			t.Errorf("never received %s", ch.Address)
		}
	}
	if g.Sent() == 0 {
		t.Error("Sent() = 0 after traffic was received")
	}
}

func TestReplay_PreservesOrderAndContent(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/journal.jsonl"

	w, err := journal.NewWriter(path, 0)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	w.Record(osc.NewMessage("/1/fader1", osc.Float(0.1)))
	w.Record(osc.NewMessage("/1/fader2", osc.Float(0.2)))
	w.Record(osc.NewMessage("/1/fader3", osc.Float(0.3)))
	w.Close()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer pc.Close()

	sent, err := Replay(context.Background(), pc.LocalAddr().String(), path, 10)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if sent != 3 {
		t.Fatalf("sent = %d, want 3", sent)
	}

	var got []string
	buf := make([]byte, 1024)
	for i := 0; i < 3; i++ {
		pc.SetReadDeadline(time.Now().Add(2 * time.Second))
		n, _, err := pc.ReadFrom(buf)
		if err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
		msgs, err := osc.DecodePacket(buf[:n])
		if err != nil {
			t.Fatalf("decode %d: %v", i, err)
		}
		for _, m := range msgs {
			got = append(got, m.Address)
		}
	}

	want := []string{"/1/fader1", "/1/fader2", "/1/fader3"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("message %d = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestReplay_MissingJournal(t *testing.T) {
	_, err := Replay(context.Background(), "127.0.0.1:9", t.TempDir()+"/nope.jsonl", 1)
	if err == nil {
		t.Fatal("Replay on a missing journal should return an error")
	}
}

func TestReplay_EmptyJournal(t *testing.T) {
	path := t.TempDir() + "/empty.jsonl"
	w, err := journal.NewWriter(path, 0)
	if err != nil {
		t.Fatal(err)
	}
	w.Close()

	sent, err := Replay(context.Background(), "127.0.0.1:9", path, 1)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if sent != 0 {
		t.Errorf("sent = %d, want 0", sent)
	}
}
