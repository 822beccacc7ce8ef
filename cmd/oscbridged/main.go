package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/oscbridge/bridge/internal/coerce"
	"github.com/oscbridge/bridge/internal/config"
	"github.com/oscbridge/bridge/internal/diag"
	"github.com/oscbridge/bridge/internal/engine"
	"github.com/oscbridge/bridge/internal/frontend"
	"github.com/oscbridge/bridge/internal/journal"
	"github.com/oscbridge/bridge/internal/listener"
	"github.com/oscbridge/bridge/internal/mapping"
	"github.com/oscbridge/bridge/internal/mock"
	"github.com/oscbridge/bridge/internal/osc"
	"github.com/oscbridge/bridge/internal/record"
	"github.com/oscbridge/bridge/internal/rig"
	"github.com/oscbridge/bridge/internal/stats"
	"github.com/oscbridge/bridge/internal/ws"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to config file")
	port := flag.Int("port", 0, "Override control server port")
	mockMode := flag.Bool("mock", false, "Send synthetic OSC traffic to the listener")
	replayPath := flag.String("replay", "", "Replay a recorded journal to the listener")
	replaySpeed := flag.Float64("replay-speed", 1, "Replay speed multiplier")
	devMode := flag.Bool("dev", false, "Development mode (serve frontend from filesystem)")
	flag.Parse()

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if *port > 0 {
		cfg.Server.Port = *port
	}

	scene, err := buildScene(cfg)
	if err != nil {
		log.Fatalf("Invalid rig: %v", err)
	}

	lst := listener.New()
	lst.SetFilter(cfg.Filter.NewAddressFilter())

	var jw *journal.Writer
	if cfg.Journal.Enabled {
		path := cfg.Journal.Path
		if path == "" {
			path = journal.DefaultPath()
		}
		jw, err = journal.NewWriter(path, cfg.Journal.MaxBytes)
		if err != nil {
			log.Printf("Journal disabled: %v", err)
		} else {
			log.Printf("Journaling messages to %s", path)
			lst.SetMessageHook(jw.Record)
		}
	}

	table := mapping.NewTable()
	table.Replace(cfg.TableEntries())

	eng := engine.New(scene, record.NewController(scene), table, lst)
	broadcaster := ws.NewBroadcaster(cfg.Server.BroadcastThrottle.Std(), cfg.Server.SnapshotInterval.Std(), cfg.Server.MaxClients)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var sampler *diag.Sampler
	if cfg.Diag.Enabled {
		sampler = diag.NewSampler()
		go sampler.Run(ctx, cfg.Diag.Interval.Std())
	}

	broadcaster.SetSnapshotHook(func() ws.SnapshotPayload {
		return ws.SnapshotPayload{
			Status:     eng.Status(),
			Mappings:   eng.Mappings(),
			Values:     eng.LatestValues(),
			Attributes: scene.Attributes(),
			Diag:       lastDiag(sampler),
		}
	})

	var tracker *stats.Tracker
	if cfg.Stats.Enabled {
		tracker, err = stats.NewTracker(stats.NewStore(cfg.Stats.Path), eng, cfg.Stats.SaveInterval.Std())
		if err != nil {
			log.Printf("Stats disabled: %v", err)
		} else {
			go tracker.Run(ctx)
		}
	}

	token := cfg.Server.AuthToken
	if token == "" && !isLoopback(cfg.Server.Host) {
		token, err = config.GenerateToken()
		if err != nil {
			log.Fatalf("Failed to generate access token: %v", err)
		}
		log.Printf("Non-loopback bind without auth_token; generated token: %s", token)
	}

	frontendDir := ""
	if *devMode {
		exe, _ := os.Executable()
		frontendDir = filepath.Join(filepath.Dir(exe), "..", "..", "internal", "frontend", "static")
		// If running with go run, the exe path is in a temp dir, use CWD instead
		if _, err := os.Stat(frontendDir); os.IsNotExist(err) {
			cwd, _ := os.Getwd()
			frontendDir = filepath.Join(cwd, "internal", "frontend", "static")
		}
	}

	// Embedded frontend handler: when built with -tags embed, serves from binary.
	// Otherwise falls back to serving from the filesystem.
	var embeddedHandler http.Handler
	if !*devMode {
		embeddedHandler = frontend.Handler()
		if embeddedHandler == nil {
			cwd, _ := os.Getwd()
			fallback := filepath.Join(cwd, "internal", "frontend", "static")
			if _, err := os.Stat(fallback); err == nil {
				log.Printf("No embedded frontend, falling back to: %s", fallback)
				embeddedHandler = http.FileServer(http.Dir(fallback))
			}
		}
	}

	server := ws.NewServer(eng, broadcaster, cfg.Listener.Binding(), frontendDir, *devMode, embeddedHandler, cfg.Server.AllowedOrigins, token)
	if tracker != nil {
		server.SetStatsTracker(tracker)
	}
	if sampler != nil {
		server.SetDiagSampler(sampler)
	}

	go func() {
		for ev := range eng.Events() {
			if tracker != nil {
				tracker.OnEvent(ev)
			}
			broadcaster.BroadcastEvent(ev)
			broadcaster.BroadcastStatus(ws.StatusPayload{Status: eng.Status(), Diag: lastDiag(sampler)})
		}
	}()

	if cfg.Engine.Autostart {
		if err := eng.StartListening(cfg.Listener.Binding()); err != nil {
			log.Printf("Autostart failed: %v", err)
		}
	}

	go runClock(ctx, eng, scene, cfg.Engine.TickRateHz)
	go streamValues(ctx, eng, broadcaster, cfg.Server.BroadcastThrottle.Std())

	switch {
	case *replayPath != "":
		go func() {
			sent, err := mock.Replay(ctx, listenDest(eng, cfg), *replayPath, *replaySpeed)
			if err != nil {
				log.Printf("Replay failed after %d messages: %v", sent, err)
				return
			}
			log.Printf("Replay finished: %d messages", sent)
		}()
	case *mockMode:
		log.Println("Starting in mock mode")
		gen := mock.NewGenerator(listenDest(eng, cfg), 0, nil)
		if err := gen.Start(ctx); err != nil {
			log.Fatalf("Mock generator: %v", err)
		}
	}

	mux := http.NewServeMux()
	server.SetupRoutes(mux)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	go func() {
		for sig := range sigCh {
			if sig == syscall.SIGHUP {
				reloadConfig(*configPath, cfg, eng, scene)
				continue
			}
			log.Println("Shutting down...")
			eng.StopListening()
			eng.Close()
			broadcaster.Stop()
			if jw != nil {
				jw.Close()
			}
			cancel()
			if tracker != nil {
				tracker.SaveNow()
			}
			os.Exit(0)
		}
	}()

	if err := ws.ListenAndServe(cfg.Server.Host, cfg.Server.Port, mux); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}

// buildScene declares the configured attributes on a fresh scene.
func buildScene(cfg *config.Config) (*rig.Scene, error) {
	scene := rig.NewScene(cfg.Rig.FrameStart, cfg.Rig.FrameEnd)
	for _, a := range cfg.Rig.Attributes {
		kind, err := coerce.ParseKind(a.Kind)
		if err != nil {
			return nil, fmt.Errorf("attribute %s: %w", a.Path, err)
		}
		if err := scene.Declare(a.Path, kind); err != nil {
			return nil, err
		}
	}
	return scene, nil
}

// runClock drives the engine and the scene playhead at the configured rate.
// The engine ignores ticks while stopped.
func runClock(ctx context.Context, eng *engine.Engine, scene *rig.Scene, hz int) {
	if hz <= 0 {
		hz = 60
	}
	ticker := time.NewTicker(time.Second / time.Duration(hz))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			eng.Tick()
			scene.Step()
		}
	}
}

// streamValues feeds buffered-value changes to the broadcaster, which
// coalesces them under its own throttle.
func streamValues(ctx context.Context, eng *engine.Engine, bc *ws.Broadcaster, interval time.Duration) {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := make(map[string]osc.Value)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			current := eng.LatestValues()
			changed := make(map[string]osc.Value)
			for addr, v := range current {
				if prev, ok := last[addr]; !ok || prev != v {
					changed[addr] = v
				}
			}
			if len(changed) > 0 {
				bc.QueueValues(changed)
				last = current
			}
		}
	}
}

// reloadConfig applies a SIGHUP: reread the file, log the diff, swap the
// filter and mapping table, and restart the listener only if its binding
// changed. Control server changes take effect on the next start.
func reloadConfig(path string, current *config.Config, eng *engine.Engine, scene *rig.Scene) {
	next, err := config.Load(path)
	if err != nil {
		log.Printf("Reload rejected: %v", err)
		return
	}

	for _, line := range config.Diff(*current, *next) {
		log.Printf("config: %s", line)
	}

	// New attributes can be declared live; removed ones stay until restart.
	for _, a := range next.Rig.Attributes {
		if _, err := scene.Kind(a.Path); err == nil {
			continue
		}
		kind, err := coerce.ParseKind(a.Kind)
		if err != nil {
			log.Printf("Reload: attribute %s: %v", a.Path, err)
			continue
		}
		if err := scene.Declare(a.Path, kind); err != nil {
			log.Printf("Reload: %v", err)
		}
	}

	if err := eng.Reconfigure(next.Listener.Binding(), next.Filter.NewAddressFilter(), next.TableEntries()); err != nil {
		log.Printf("Reload: %v", err)
	}

	if next.Server.Host != current.Server.Host || next.Server.Port != current.Server.Port {
		log.Println("Reload: control server binding changes take effect on restart")
	}
	*current = *next
}

// listenDest is where synthetic traffic should go: the live socket when the
// listener is running, the configured binding otherwise.
func listenDest(eng *engine.Engine, cfg *config.Config) string {
	if addr := eng.Listener().LocalAddr(); addr != "" {
		return addr
	}
	b := cfg.Listener.Binding()
	return net.JoinHostPort(b.Host, strconv.Itoa(b.Port))
}

func lastDiag(s *diag.Sampler) diag.Sample {
	if s == nil {
		return diag.Sample{}
	}
	return s.Last()
}

func isLoopback(host string) bool {
	switch host {
	case "", "localhost", "127.0.0.1", "::1":
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
