package coerce

import (
	"encoding/json"
	"fmt"
)

// Kind is the semantic type of a target attribute, discovered from the host
// attribute store at apply time.
type Kind int

const (
	Float Kind = iota
	Int
	Bool
	StringLike
	VectorComponent
)

var kindNames = map[Kind]string{
	Float:           "float",
	Int:             "int",
	Bool:            "bool",
	StringLike:      "string",
	VectorComponent: "vector",
}

var kindFromName = map[string]Kind{
	"float":  Float,
	"int":    Int,
	"bool":   Bool,
	"string": StringLike,
	"vector": VectorComponent,
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// ParseKind converts a configuration name ("float", "int", "bool", "string",
// "vector") into a Kind.
func ParseKind(s string) (Kind, error) {
	if k, ok := kindFromName[s]; ok {
		return k, nil
	}
	return 0, fmt.Errorf("unknown attribute kind %q", s)
}

func (k Kind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

func (k *Kind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	v, ok := kindFromName[s]
	if !ok {
		return fmt.Errorf("unknown attribute kind %q", s)
	}
	*k = v
	return nil
}
