package ws

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/oscbridge/bridge/internal/diag"
	"github.com/oscbridge/bridge/internal/engine"
	"github.com/oscbridge/bridge/internal/listener"
	"github.com/oscbridge/bridge/internal/mapping"
	"github.com/oscbridge/bridge/internal/osc"
	"github.com/oscbridge/bridge/internal/stats"
)

// Controller is the engine surface the server drives. Websocket commands
// and the REST endpoints both go through it.
type Controller interface {
	StartListening(cfg listener.Config) error
	StopListening()
	BeginRecording() error
	EndRecording()
	AddMapping(m mapping.Mapping)
	RemoveMapping(index int) error
	UpdateMapping(index int, m mapping.Mapping) error
	Mappings() []mapping.Mapping
	LatestValues() map[string]osc.Value
	Status() engine.Status
}

type Server struct {
	ctrl            Controller
	broadcaster     *Broadcaster
	binding         listener.Config // defaults for start_listening without an explicit binding
	frontendDir     string
	dev             bool
	embeddedHandler http.Handler
	allowedOrigins  map[string]bool
	allowedHosts    map[string]bool
	authToken       string
	tracker         *stats.Tracker
	sampler         *diag.Sampler
}

func NewServer(ctrl Controller, broadcaster *Broadcaster, binding listener.Config, frontendDir string, dev bool, embeddedHandler http.Handler, allowedOrigins []string, authToken string) *Server {
	s := &Server{
		ctrl:            ctrl,
		broadcaster:     broadcaster,
		binding:         binding,
		frontendDir:     frontendDir,
		dev:             dev,
		embeddedHandler: embeddedHandler,
		allowedOrigins:  make(map[string]bool),
		allowedHosts:    make(map[string]bool),
		authToken:       authToken,
	}

	for _, origin := range allowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		s.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			s.allowedHosts[parsed.Host] = true
		}
	}

	return s
}

// SetStatsTracker configures the tracker behind the /api/stats endpoint.
// Set before the server starts serving; the field is not locked.
func (s *Server) SetStatsTracker(tracker *stats.Tracker) {
	s.tracker = tracker
}

// SetDiagSampler includes process diagnostics in status responses.
func (s *Server) SetDiagSampler(sampler *diag.Sampler) {
	s.sampler = sampler
}

func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/values", s.handleValues)
	mux.HandleFunc("/api/mappings", s.handleMappings)
	mux.HandleFunc("/api/stats", s.handleStats)
	mux.HandleFunc("/api/record/start", s.handleRecordStart)
	mux.HandleFunc("/api/record/stop", s.handleRecordStop)

	if s.dev {
		log.Printf("Serving frontend from filesystem: %s", s.frontendDir)
		mux.Handle("/", http.FileServer(http.Dir(s.frontendDir)))
	} else if s.embeddedHandler != nil {
		log.Println("Serving embedded frontend")
		mux.Handle("/", s.embeddedHandler)
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws upgrade error: %v", err)
		return
	}

	c, err := s.broadcaster.AddClient(conn)
	if err != nil {
		log.Printf("ws: rejecting %s: %v", r.RemoteAddr, err)
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error()))
		conn.Close()
		return
	}
	log.Printf("ws: client connected: %s", r.RemoteAddr)

	go func() {
		defer func() {
			s.broadcaster.RemoveClient(c)
			log.Printf("ws: client disconnected: %s", r.RemoteAddr)
		}()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			s.dispatch(c, data)
		}
	}()
}

// dispatch parses and runs one inbound command, answering failures with an
// error frame on the same connection.
func (s *Server) dispatch(c *client, data []byte) {
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		s.broadcaster.sendTo(c, WSMessage{Type: MsgError, Payload: ErrorPayload{
			Error: fmt.Sprintf("bad command frame: %v", err),
		}})
		return
	}

	if err := s.runCommand(cmd); err != nil {
		s.broadcaster.sendTo(c, WSMessage{Type: MsgError, Payload: ErrorPayload{
			Cmd:   cmd.Cmd,
			ID:    cmd.ID,
			Error: err.Error(),
		}})
	}
}

func (s *Server) runCommand(cmd Command) error {
	switch cmd.Cmd {
	case CmdStartListening:
		cfg := s.binding
		if cmd.Host != "" {
			cfg.Host = cmd.Host
		}
		if cmd.Port != 0 {
			cfg.Port = cmd.Port
		}
		if cmd.ArgIndex > 0 {
			cfg.ArgIndex = cmd.ArgIndex
		}
		return s.ctrl.StartListening(cfg)
	case CmdStopListening:
		s.ctrl.StopListening()
		return nil
	case CmdBeginRecording:
		return s.ctrl.BeginRecording()
	case CmdEndRecording:
		s.ctrl.EndRecording()
		return nil
	case CmdAddMapping:
		if cmd.Mapping == nil {
			return fmt.Errorf("%s requires a mapping", cmd.Cmd)
		}
		s.ctrl.AddMapping(cmd.Mapping.toMapping())
		return nil
	case CmdRemoveMapping:
		return s.ctrl.RemoveMapping(cmd.Index)
	case CmdUpdateMapping:
		if cmd.Mapping == nil {
			return fmt.Errorf("%s requires a mapping", cmd.Cmd)
		}
		return s.ctrl.UpdateMapping(cmd.Index, cmd.Mapping.toMapping())
	default:
		return fmt.Errorf("unknown command %q", cmd.Cmd)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(StatusPayload{
		Status: s.ctrl.Status(),
		Diag:   s.diagSample(),
	})
}

func (s *Server) handleValues(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(ValuesPayload{Values: s.ctrl.LatestValues()})
}

func (s *Server) handleMappings(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.ctrl.Mappings())
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	if s.tracker == nil {
		http.Error(w, "stats not available", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.tracker.Stats())
}

func (s *Server) handleRecordStart(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := s.ctrl.BeginRecording(); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRecordStop(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.ctrl.EndRecording()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) diagSample() diag.Sample {
	if s.sampler == nil {
		return diag.Sample{}
	}
	return s.sampler.Last()
}

func (s *Server) authorize(r *http.Request) bool {
	if s.authToken == "" {
		return true
	}

	if r.URL.Query().Get("token") == s.authToken {
		return true
	}

	if r.Header.Get("X-OSC-Bridge-Token") == s.authToken {
		return true
	}

	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == s.authToken {
		return true
	}

	return false
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if len(s.allowedOrigins) > 0 {
		if s.allowedOrigins[origin] {
			return true
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			return s.allowedHosts[parsed.Host]
		}
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}

	host := parsed.Host
	if host == "" {
		return false
	}

	if host == r.Host {
		return true
	}

	if strings.HasPrefix(host, "localhost:") || host == "localhost" {
		return true
	}
	if strings.HasPrefix(host, "127.0.0.1:") || host == "127.0.0.1" {
		return true
	}
	if strings.HasPrefix(host, "[::1]:") || host == "::1" {
		return true
	}

	return false
}

// securityHeaders sets the response headers every handler shares.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-XSS-Protection", "1; mode=block")
		w.Header().Set("Content-Security-Policy", "default-src 'self'")
		next.ServeHTTP(w, r)
	})
}

func ListenAndServe(host string, port int, mux *http.ServeMux) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	log.Printf("Control server listening on %s", addr)
	return http.ListenAndServe(addr, securityHeaders(mux))
}
