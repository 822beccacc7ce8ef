package engine

import (
	"encoding/json"
	"fmt"
	"time"
)

// State is the engine lifecycle. Recording implies the listener is running.
type State int

const (
	Stopped State = iota
	Listening
	Recording
)

var stateNames = map[State]string{
	Stopped:   "stopped",
	Listening: "listening",
	Recording: "recording",
}

var statesByName = map[string]State{
	"stopped":   Stopped,
	"listening": Listening,
	"recording": Recording,
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", int(s))
}

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *State) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	state, ok := statesByName[name]
	if !ok {
		return fmt.Errorf("unknown engine state %q", name)
	}
	*s = state
	return nil
}

// EventKind labels a lifecycle transition.
type EventKind int

const (
	EventListenStarted EventKind = iota
	EventListenStopped
	EventRecordStarted
	EventRecordStopped
	EventConfigApplied
)

var eventKindNames = map[EventKind]string{
	EventListenStarted: "listenStarted",
	EventListenStopped: "listenStopped",
	EventRecordStarted: "recordStarted",
	EventRecordStopped: "recordStopped",
	EventConfigApplied: "configApplied",
}

var eventKindsByName = map[string]EventKind{
	"listenStarted": EventListenStarted,
	"listenStopped": EventListenStopped,
	"recordStarted": EventRecordStarted,
	"recordStopped": EventRecordStopped,
	"configApplied": EventConfigApplied,
}

func (k EventKind) String() string {
	if name, ok := eventKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

func (k EventKind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

func (k *EventKind) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	kind, ok := eventKindsByName[name]
	if !ok {
		return fmt.Errorf("unknown event kind %q", name)
	}
	*k = kind
	return nil
}

// Event is one lifecycle transition, emitted on the engine's event channel.
type Event struct {
	Kind   EventKind `json:"kind"`
	State  State     `json:"state"`
	Time   time.Time `json:"time"`
	Detail string    `json:"detail,omitempty"`
}
