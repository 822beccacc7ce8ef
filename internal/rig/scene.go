// Package rig is the attribute document the bridge writes into: a set of
// declared attributes addressed by slash paths, each with a coercion kind, a
// live value, an optional animation curve, and a mute flag. It stands in for
// the host application's document; integrations embed their own store and
// animator instead.
package rig

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/oscbridge/bridge/internal/coerce"
)

var (
	// ErrUnknownPath reports an attribute path that was never declared.
	ErrUnknownPath = errors.New("unknown attribute path")

	// ErrNotKeyable reports a keyframe write on a string attribute.
	ErrNotKeyable = errors.New("attribute kind is not keyable")
)

// Keyframe is one animation key: held until the next key, no interpolation.
type Keyframe struct {
	Frame int     `json:"frame"`
	Value float64 `json:"value"`
}

type attribute struct {
	kind      coerce.Kind
	value     coerce.Coerced
	muted     bool
	keys      []Keyframe
	lastWrite time.Time
}

// AttributeInfo is a copy of one attribute's state for status surfaces.
type AttributeInfo struct {
	Path      string         `json:"path"`
	Kind      coerce.Kind    `json:"kind"`
	Value     coerce.Coerced `json:"value"`
	Muted     bool           `json:"muted"`
	KeyCount  int            `json:"keyCount"`
	LastWrite time.Time      `json:"lastWrite,omitempty"`
}

// Scene holds the attributes, the playhead, and the playback flag. All
// methods are safe for concurrent use; reads return copies.
type Scene struct {
	mu      sync.RWMutex
	attrs   map[string]*attribute
	order   []string
	start   int
	end     int
	frame   int
	playing bool
}

// NewScene creates an empty scene with the given frame range. The playhead
// starts at the first frame.
func NewScene(start, end int) *Scene {
	if end < start {
		start, end = end, start
	}
	return &Scene{
		attrs: make(map[string]*attribute),
		start: start,
		end:   end,
		frame: start,
	}
}

// Declare registers an attribute path with its coercion kind. The live
// value starts at the kind's zero.
func (s *Scene) Declare(path string, kind coerce.Kind) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.attrs[path]; ok {
		return fmt.Errorf("attribute %q already declared", path)
	}
	s.attrs[path] = &attribute{kind: kind, value: coerce.Coerced{Kind: kind}}
	s.order = append(s.order, path)
	return nil
}

// Kind returns the declared coercion kind for the path.
func (s *Scene) Kind(path string) (coerce.Kind, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.attrs[path]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownPath, path)
	}
	return a.kind, nil
}

// Apply sets the live value of an attribute. The value's kind must match
// the declaration.
func (s *Scene) Apply(path string, v coerce.Coerced) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.attrs[path]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPath, path)
	}
	if v.Kind != a.kind {
		return fmt.Errorf("attribute %s is %s, got %s", path, a.kind, v.Kind)
	}
	a.value = v
	a.lastWrite = time.Now()
	return nil
}

// Value returns the current live value of an attribute.
func (s *Scene) Value(path string) (coerce.Coerced, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.attrs[path]
	if !ok {
		return coerce.Coerced{}, fmt.Errorf("%w: %s", ErrUnknownPath, path)
	}
	return a.value, nil
}

// Mute suppresses curve evaluation for the attribute so live writes are not
// overwritten during playback.
func (s *Scene) Mute(path string) error {
	return s.setMuted(path, true)
}

// Unmute restores curve evaluation for the attribute.
func (s *Scene) Unmute(path string) error {
	return s.setMuted(path, false)
}

func (s *Scene) setMuted(path string, muted bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.attrs[path]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPath, path)
	}
	a.muted = muted
	return nil
}

// IsMuted reports the mute flag; unknown paths report false.
func (s *Scene) IsMuted(path string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.attrs[path]
	return ok && a.muted
}

// SetKey writes a keyframe, replacing any existing key on the same frame.
// Keys stay sorted by frame. String attributes are not keyable.
func (s *Scene) SetKey(path string, frame int, value float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.attrs[path]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPath, path)
	}
	if a.kind == coerce.StringLike {
		return fmt.Errorf("%w: %s", ErrNotKeyable, path)
	}
	i := sort.Search(len(a.keys), func(i int) bool { return a.keys[i].Frame >= frame })
	if i < len(a.keys) && a.keys[i].Frame == frame {
		a.keys[i].Value = value
		return nil
	}
	a.keys = append(a.keys, Keyframe{})
	copy(a.keys[i+1:], a.keys[i:])
	a.keys[i] = Keyframe{Frame: frame, Value: value}
	return nil
}

// Keys returns a copy of the attribute's keyframes in frame order.
func (s *Scene) Keys(path string) ([]Keyframe, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.attrs[path]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPath, path)
	}
	out := make([]Keyframe, len(a.keys))
	copy(out, a.keys)
	return out, nil
}

// ClearKeys removes all keyframes from the attribute.
func (s *Scene) ClearKeys(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.attrs[path]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPath, path)
	}
	a.keys = nil
	return nil
}

// CurrentFrame returns the playhead position.
func (s *Scene) CurrentFrame() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.frame
}

// FrameRange returns the inclusive frame range.
func (s *Scene) FrameRange() (start, end int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.start, s.end
}

// StartPlayback begins advancing the playhead on Step.
func (s *Scene) StartPlayback() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.playing = true
}

// StopPlayback freezes the playhead.
func (s *Scene) StopPlayback() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.playing = false
}

// Playing reports whether playback is active.
func (s *Scene) Playing() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.playing
}

// Step advances the playhead by one frame when playing, wrapping at the end
// of the range, then evaluates unmuted curves at the new frame. A stopped
// scene does not move.
func (s *Scene) Step() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.playing {
		return
	}
	s.frame++
	if s.frame > s.end {
		s.frame = s.start
	}
	for _, path := range s.order {
		a := s.attrs[path]
		if a.muted || len(a.keys) == 0 {
			continue
		}
		sample, ok := heldValue(a.keys, s.frame)
		if !ok {
			continue
		}
		a.value = sampleAs(a.kind, sample)
	}
}

// heldValue returns the value of the last key at or before the frame.
func heldValue(keys []Keyframe, frame int) (float64, bool) {
	i := sort.Search(len(keys), func(i int) bool { return keys[i].Frame > frame })
	if i == 0 {
		return 0, false
	}
	return keys[i-1].Value, true
}

func sampleAs(kind coerce.Kind, sample float64) coerce.Coerced {
	switch kind {
	case coerce.Int:
		return coerce.Coerced{Kind: kind, Int: int64(math.Round(sample))}
	case coerce.Bool:
		return coerce.Coerced{Kind: kind, Bool: sample != 0}
	default:
		return coerce.Coerced{Kind: kind, Float: sample}
	}
}

// Attributes returns copies of every attribute in declaration order.
func (s *Scene) Attributes() []AttributeInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]AttributeInfo, 0, len(s.order))
	for _, path := range s.order {
		a := s.attrs[path]
		out = append(out, AttributeInfo{
			Path:      path,
			Kind:      a.kind,
			Value:     a.value,
			Muted:     a.muted,
			KeyCount:  len(a.keys),
			LastWrite: a.lastWrite,
		})
	}
	return out
}
