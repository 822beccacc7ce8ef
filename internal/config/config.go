// Package config loads and validates the bridge configuration: the UDP
// listener binding, the attribute declarations, the mapping table, and the
// control-server settings. Values missing from the file keep their
// defaults.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/oscbridge/bridge/internal/coerce"
	"github.com/oscbridge/bridge/internal/listener"
	"github.com/oscbridge/bridge/internal/mapping"
)

const (
	DefaultServerPort = 8080
	DefaultTickRate   = 60
)

type Config struct {
	Server   ServerConfig    `yaml:"server"`
	Listener ListenerConfig  `yaml:"listener"`
	Engine   EngineConfig    `yaml:"engine"`
	Filter   FilterConfig    `yaml:"filter"`
	Rig      RigConfig       `yaml:"rig"`
	Mappings []MappingConfig `yaml:"mappings"`
	Journal  JournalConfig   `yaml:"journal"`
	Stats    StatsConfig     `yaml:"stats"`
	Diag     DiagConfig      `yaml:"diag"`
}

// ServerConfig is the websocket/REST control server.
type ServerConfig struct {
	Host              string   `yaml:"host"`
	Port              int      `yaml:"port"`
	AuthToken         string   `yaml:"auth_token"`
	AllowedOrigins    []string `yaml:"allowed_origins"`
	MaxClients        int      `yaml:"max_clients"`
	BroadcastThrottle Duration `yaml:"broadcast_throttle"`
	SnapshotInterval  Duration `yaml:"snapshot_interval"`
}

type ListenerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	ArgIndex int    `yaml:"arg_index"`
}

type EngineConfig struct {
	TickRateHz int  `yaml:"tick_rate_hz"`
	Autostart  bool `yaml:"autostart"`
}

type FilterConfig struct {
	Allowed []string `yaml:"allowed"`
	Blocked []string `yaml:"blocked"`
}

type RigConfig struct {
	FrameStart int               `yaml:"frame_start"`
	FrameEnd   int               `yaml:"frame_end"`
	Attributes []AttributeConfig `yaml:"attributes"`
}

type AttributeConfig struct {
	Path string `yaml:"path"`
	Kind string `yaml:"kind"`
}

type MappingConfig struct {
	Address string `yaml:"address"`
	Target  string `yaml:"target"`
	Name    string `yaml:"name,omitempty"`
	Enabled *bool  `yaml:"enabled,omitempty"` // nil means enabled
}

type JournalConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Path     string `yaml:"path"`
	MaxBytes int64  `yaml:"max_bytes"` // 0 means uncapped
}

type StatsConfig struct {
	Enabled      bool     `yaml:"enabled"`
	Path         string   `yaml:"path"`
	SaveInterval Duration `yaml:"save_interval"`
}

type DiagConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Interval Duration `yaml:"interval"`
}

// Duration is a time.Duration that reads YAML strings like "100ms" or "5s".
// Plain integers are taken as nanoseconds.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }
func (d Duration) String() string     { return time.Duration(d).String() }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		var n int64
		if err := value.Decode(&n); err != nil {
			return fmt.Errorf("invalid duration: %s", value.Value)
		}
		*d = Duration(n)
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) { return d.String(), nil }

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Host:              "127.0.0.1",
			Port:              DefaultServerPort,
			MaxClients:        32,
			BroadcastThrottle: Duration(100 * time.Millisecond),
			SnapshotInterval:  Duration(5 * time.Second),
		},
		Listener: ListenerConfig{
			Host: listener.DefaultHost,
			Port: listener.DefaultPort,
		},
		Engine: EngineConfig{
			TickRateHz: DefaultTickRate,
			Autostart:  true,
		},
		Rig: RigConfig{
			FrameStart: 1,
			FrameEnd:   120,
		},
		Journal: JournalConfig{
			MaxBytes: 16 << 20,
		},
		Stats: StatsConfig{
			Enabled:      true,
			SaveInterval: Duration(30 * time.Second),
		},
		Diag: DiagConfig{
			Enabled:  true,
			Interval: Duration(60 * time.Second),
		},
	}
}

// Load reads and validates a config file. Fields absent from the file keep
// their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &cfg, nil
}

// LoadOrDefault loads the file if it exists and falls back to the defaults
// when it does not. Other errors are reported.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if os.IsNotExist(err) {
		def := defaultConfig()
		return &def, nil
	}
	return cfg, err
}

// DefaultPath is the per-user config location, honoring XDG_CONFIG_HOME.
func DefaultPath() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "config.yaml"
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "oscbridge", "config.yaml")
}

// Validate checks ranges and cross-field rules.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Server.MaxClients < 1 {
		return fmt.Errorf("server.max_clients %d must be at least 1", c.Server.MaxClients)
	}
	if c.Listener.Port < 0 || c.Listener.Port > 65535 {
		return fmt.Errorf("listener.port %d out of range", c.Listener.Port)
	}
	if c.Listener.ArgIndex < 0 {
		return fmt.Errorf("listener.arg_index %d must not be negative", c.Listener.ArgIndex)
	}
	if c.Engine.TickRateHz < 1 || c.Engine.TickRateHz > 1000 {
		return fmt.Errorf("engine.tick_rate_hz %d out of range", c.Engine.TickRateHz)
	}
	if c.Rig.FrameEnd < c.Rig.FrameStart {
		return fmt.Errorf("rig frame range %d..%d is inverted", c.Rig.FrameStart, c.Rig.FrameEnd)
	}

	seen := make(map[string]bool, len(c.Rig.Attributes))
	for _, a := range c.Rig.Attributes {
		if a.Path == "" || a.Path[0] != '/' {
			return fmt.Errorf("rig attribute path %q must start with /", a.Path)
		}
		if seen[a.Path] {
			return fmt.Errorf("rig attribute %q declared twice", a.Path)
		}
		seen[a.Path] = true
		if _, err := coerce.ParseKind(a.Kind); err != nil {
			return fmt.Errorf("rig attribute %s: %w", a.Path, err)
		}
	}

	for i, m := range c.Mappings {
		if m.Address == "" {
			return fmt.Errorf("mapping %d: empty address", i)
		}
		if m.Target == "" || m.Target[0] != '/' {
			return fmt.Errorf("mapping %d: target %q must start with /", i, m.Target)
		}
	}

	if c.Journal.MaxBytes < 0 {
		return fmt.Errorf("journal.max_bytes %d must not be negative", c.Journal.MaxBytes)
	}
	return nil
}

// Binding converts the listener section into the listener's own config.
func (l ListenerConfig) Binding() listener.Config {
	return listener.Config{Host: l.Host, Port: l.Port, ArgIndex: l.ArgIndex}
}

// NewAddressFilter builds the ingest filter, nil when nothing is
// configured.
func (f FilterConfig) NewAddressFilter() *listener.AddressFilter {
	af := &listener.AddressFilter{Allowed: f.Allowed, Blocked: f.Blocked}
	if af.IsNoop() {
		return nil
	}
	return af
}

// TableEntries converts the mappings section into table rows. A nil
// Enabled means enabled.
func (c *Config) TableEntries() []mapping.Mapping {
	out := make([]mapping.Mapping, 0, len(c.Mappings))
	for _, m := range c.Mappings {
		enabled := m.Enabled == nil || *m.Enabled
		out = append(out, mapping.Mapping{
			Address: m.Address,
			Target:  m.Target,
			Name:    m.Name,
			Enabled: enabled,
		})
	}
	return out
}

// GenerateToken returns a fresh random auth token.
func GenerateToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// Diff lists the human-readable changes between two configs, used when a
// reload replaces the running configuration.
func Diff(old, new Config) []string {
	var changes []string
	add := func(format string, args ...interface{}) {
		changes = append(changes, fmt.Sprintf(format, args...))
	}

	if old.Server.Host != new.Server.Host {
		add("server.host: %s -> %s", old.Server.Host, new.Server.Host)
	}
	if old.Server.Port != new.Server.Port {
		add("server.port: %d -> %d", old.Server.Port, new.Server.Port)
	}
	if old.Server.AuthToken != new.Server.AuthToken {
		add("server.auth_token: updated")
	}
	if old.Server.MaxClients != new.Server.MaxClients {
		add("server.max_clients: %d -> %d", old.Server.MaxClients, new.Server.MaxClients)
	}
	if old.Server.BroadcastThrottle != new.Server.BroadcastThrottle {
		add("server.broadcast_throttle: %s -> %s", old.Server.BroadcastThrottle, new.Server.BroadcastThrottle)
	}

	if old.Listener.Host != new.Listener.Host {
		add("listener.host: %s -> %s", old.Listener.Host, new.Listener.Host)
	}
	if old.Listener.Port != new.Listener.Port {
		add("listener.port: %d -> %d", old.Listener.Port, new.Listener.Port)
	}
	if old.Listener.ArgIndex != new.Listener.ArgIndex {
		add("listener.arg_index: %d -> %d", old.Listener.ArgIndex, new.Listener.ArgIndex)
	}

	if old.Engine.TickRateHz != new.Engine.TickRateHz {
		add("engine.tick_rate_hz: %d -> %d", old.Engine.TickRateHz, new.Engine.TickRateHz)
	}
	if old.Engine.Autostart != new.Engine.Autostart {
		add("engine.autostart: %v -> %v", old.Engine.Autostart, new.Engine.Autostart)
	}

	if fmt.Sprint(old.Filter.Allowed) != fmt.Sprint(new.Filter.Allowed) {
		add("filter.allowed: %v -> %v", old.Filter.Allowed, new.Filter.Allowed)
	}
	if fmt.Sprint(old.Filter.Blocked) != fmt.Sprint(new.Filter.Blocked) {
		add("filter.blocked: %v -> %v", old.Filter.Blocked, new.Filter.Blocked)
	}

	if old.Rig.FrameStart != new.Rig.FrameStart || old.Rig.FrameEnd != new.Rig.FrameEnd {
		add("rig.frame_range: %d..%d -> %d..%d", old.Rig.FrameStart, old.Rig.FrameEnd, new.Rig.FrameStart, new.Rig.FrameEnd)
	}
	changes = append(changes, diffAttributes(old.Rig.Attributes, new.Rig.Attributes)...)
	changes = append(changes, diffMappings(old.Mappings, new.Mappings)...)

	if old.Journal.Enabled != new.Journal.Enabled {
		add("journal.enabled: %v -> %v", old.Journal.Enabled, new.Journal.Enabled)
	}
	if old.Journal.Path != new.Journal.Path {
		add("journal.path: %s -> %s", old.Journal.Path, new.Journal.Path)
	}
	if old.Journal.MaxBytes != new.Journal.MaxBytes {
		add("journal.max_bytes: %d -> %d", old.Journal.MaxBytes, new.Journal.MaxBytes)
	}
	if old.Stats.Enabled != new.Stats.Enabled {
		add("stats.enabled: %v -> %v", old.Stats.Enabled, new.Stats.Enabled)
	}
	if old.Stats.SaveInterval != new.Stats.SaveInterval {
		add("stats.save_interval: %s -> %s", old.Stats.SaveInterval, new.Stats.SaveInterval)
	}
	if old.Diag.Enabled != new.Diag.Enabled {
		add("diag.enabled: %v -> %v", old.Diag.Enabled, new.Diag.Enabled)
	}
	if old.Diag.Interval != new.Diag.Interval {
		add("diag.interval: %s -> %s", old.Diag.Interval, new.Diag.Interval)
	}

	return changes
}

func diffAttributes(old, new []AttributeConfig) []string {
	oldByPath := make(map[string]string, len(old))
	for _, a := range old {
		oldByPath[a.Path] = a.Kind
	}
	newByPath := make(map[string]string, len(new))
	for _, a := range new {
		newByPath[a.Path] = a.Kind
	}

	var changes []string
	for _, a := range new {
		oldKind, ok := oldByPath[a.Path]
		switch {
		case !ok:
			changes = append(changes, fmt.Sprintf("rig.attributes: added %s (%s)", a.Path, a.Kind))
		case oldKind != a.Kind:
			changes = append(changes, fmt.Sprintf("rig.attributes: %s: %s -> %s", a.Path, oldKind, a.Kind))
		}
	}
	var removed []string
	for path := range oldByPath {
		if _, ok := newByPath[path]; !ok {
			removed = append(removed, path)
		}
	}
	sort.Strings(removed)
	for _, path := range removed {
		changes = append(changes, fmt.Sprintf("rig.attributes: removed %s", path))
	}
	return changes
}

func diffMappings(old, new []MappingConfig) []string {
	key := func(m MappingConfig) string {
		k := m.Address + " -> " + m.Target
		if m.Enabled != nil && !*m.Enabled {
			k += " (disabled)"
		}
		return k
	}
	oldKeys := make(map[string]int, len(old))
	for _, m := range old {
		oldKeys[key(m)]++
	}

	var changes []string
	for _, m := range new {
		k := key(m)
		if oldKeys[k] > 0 {
			oldKeys[k]--
			continue
		}
		changes = append(changes, fmt.Sprintf("mappings: added %s", k))
	}
	var removed []string
	for k, n := range oldKeys {
		for ; n > 0; n-- {
			removed = append(removed, k)
		}
	}
	sort.Strings(removed)
	for _, k := range removed {
		changes = append(changes, fmt.Sprintf("mappings: removed %s", k))
	}
	return changes
}
