package ws

import (
	"github.com/oscbridge/bridge/internal/diag"
	"github.com/oscbridge/bridge/internal/engine"
	"github.com/oscbridge/bridge/internal/mapping"
	"github.com/oscbridge/bridge/internal/osc"
	"github.com/oscbridge/bridge/internal/rig"
)

type MessageType string

const (
	MsgSnapshot MessageType = "snapshot"
	MsgValues   MessageType = "values"
	MsgStatus   MessageType = "status"
	MsgEvent    MessageType = "event"
	MsgError    MessageType = "error"
)

// WSMessage is one outbound frame. Seq increases by one per frame so a
// client can detect gaps between periodic snapshots.
type WSMessage struct {
	Type    MessageType `json:"type"`
	Seq     uint64      `json:"seq"`
	Payload interface{} `json:"payload"`
}

// SnapshotPayload carries the complete bridge state. New clients get one on
// connect; every client gets one on the reconcile interval.
type SnapshotPayload struct {
	Status     engine.Status        `json:"status"`
	Mappings   []mapping.Mapping    `json:"mappings"`
	Values     map[string]osc.Value `json:"values"`
	Attributes []rig.AttributeInfo  `json:"attributes,omitempty"`
	Diag       diag.Sample          `json:"diag"`
}

// ValuesPayload carries only the addresses whose buffered value changed
// since the previous flush.
type ValuesPayload struct {
	Values map[string]osc.Value `json:"values"`
}

// StatusPayload refreshes state and counters without resending values or
// mappings.
type StatusPayload struct {
	Status engine.Status `json:"status"`
	Diag   diag.Sample   `json:"diag"`
}

// ErrorPayload answers a failed inbound command on the connection that sent
// it. ID echoes the client's tag when one was given.
type ErrorPayload struct {
	Cmd   string `json:"cmd,omitempty"`
	ID    string `json:"id,omitempty"`
	Error string `json:"error"`
}

// Inbound command names.
const (
	CmdStartListening = "start_listening"
	CmdStopListening  = "stop_listening"
	CmdBeginRecording = "begin_recording"
	CmdEndRecording   = "end_recording"
	CmdAddMapping     = "add_mapping"
	CmdRemoveMapping  = "remove_mapping"
	CmdUpdateMapping  = "update_mapping"
)

// Command is one inbound control frame. Host, Port, and ArgIndex override
// the configured listener binding on start_listening; Index and Mapping
// address the mapping table commands.
type Command struct {
	Cmd      string       `json:"cmd"`
	ID       string       `json:"id,omitempty"`
	Host     string       `json:"host,omitempty"`
	Port     int          `json:"port,omitempty"`
	ArgIndex int          `json:"argIndex,omitempty"`
	Index    int          `json:"index,omitempty"`
	Mapping  *MappingSpec `json:"mapping,omitempty"`
}

// MappingSpec is the wire form of a mapping row. A nil Enabled means
// enabled.
type MappingSpec struct {
	Address string `json:"address"`
	Target  string `json:"target"`
	Name    string `json:"name,omitempty"`
	Enabled *bool  `json:"enabled,omitempty"`
}

func (m MappingSpec) toMapping() mapping.Mapping {
	return mapping.Mapping{
		Address: m.Address,
		Target:  m.Target,
		Name:    m.Name,
		Enabled: m.Enabled == nil || *m.Enabled,
	}
}
