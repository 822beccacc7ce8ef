package osc

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// ValueKind discriminates the variants of a Value.
type ValueKind int

const (
	KindFloat ValueKind = iota
	KindInt
	KindBool
	KindString
)

var kindNames = map[ValueKind]string{
	KindFloat:  "float",
	KindInt:    "int",
	KindBool:   "bool",
	KindString: "string",
}

var kindFromName = map[string]ValueKind{
	"float":  KindFloat,
	"int":    KindInt,
	"bool":   KindBool,
	"string": KindString,
}

func (k ValueKind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// Value is a single decoded OSC argument: a tagged variant over float32,
// int32, bool and string. Values are comparable, so they can be compared
// with == and used as map keys. Construct them with Float, Int, Bool and
// String; the zero value is Float(0).
type Value struct {
	kind ValueKind
	f    float32
	i    int32
	b    bool
	s    string
}

func Float(v float32) Value { return Value{kind: KindFloat, f: v} }
func Int(v int32) Value     { return Value{kind: KindInt, i: v} }
func Bool(v bool) Value     { return Value{kind: KindBool, b: v} }
func String(v string) Value { return Value{kind: KindString, s: v} }

func (v Value) Kind() ValueKind { return v.kind }

// Float returns the float payload. Meaningful only when Kind is KindFloat.
func (v Value) Float() float32 { return v.f }

// Int returns the int payload. Meaningful only when Kind is KindInt.
func (v Value) Int() int32 { return v.i }

// Bool returns the bool payload. Meaningful only when Kind is KindBool.
func (v Value) Bool() bool { return v.b }

// Str returns the string payload. Meaningful only when Kind is KindString.
func (v Value) Str() string { return v.s }

// String implements fmt.Stringer with a compact display form used in logs
// and the status feed.
func (v Value) String() string {
	switch v.kind {
	case KindFloat:
		return strconv.FormatFloat(float64(v.f), 'g', -1, 32)
	case KindInt:
		return strconv.FormatInt(int64(v.i), 10)
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindString:
		return strconv.Quote(v.s)
	}
	return "invalid"
}

// typeTag returns the wire tag character this value encodes as. Booleans
// encode as 'T' or 'F' depending on the payload.
func (v Value) typeTag() byte {
	switch v.kind {
	case KindFloat:
		return 'f'
	case KindInt:
		return 'i'
	case KindString:
		return 's'
	case KindBool:
		if v.b {
			return 'T'
		}
		return 'F'
	}
	return 0
}

type valueJSON struct {
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value"`
}

func (v Value) MarshalJSON() ([]byte, error) {
	var payload interface{}
	switch v.kind {
	case KindFloat:
		payload = v.f
	case KindInt:
		payload = v.i
	case KindBool:
		payload = v.b
	case KindString:
		payload = v.s
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(valueJSON{Type: v.kind.String(), Value: raw})
}

func (v *Value) UnmarshalJSON(data []byte) error {
	var aux valueJSON
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	kind, ok := kindFromName[aux.Type]
	if !ok {
		return fmt.Errorf("unknown value type %q", aux.Type)
	}
	switch kind {
	case KindFloat:
		var f float32
		if err := json.Unmarshal(aux.Value, &f); err != nil {
			return err
		}
		*v = Float(f)
	case KindInt:
		var i int32
		if err := json.Unmarshal(aux.Value, &i); err != nil {
			return err
		}
		*v = Int(i)
	case KindBool:
		var b bool
		if err := json.Unmarshal(aux.Value, &b); err != nil {
			return err
		}
		*v = Bool(b)
	case KindString:
		var s string
		if err := json.Unmarshal(aux.Value, &s); err != nil {
			return err
		}
		*v = String(s)
	}
	return nil
}
