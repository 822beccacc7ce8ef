// Package coerce converts decoded OSC argument values into the semantic
// types of target attributes. Coercion is deterministic and total: every
// (value variant, attribute kind) pair either produces a value of the target
// kind or fails with ErrTypeMismatch. Nothing is silently ignored.
package coerce

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/oscbridge/bridge/internal/osc"
)

// ErrTypeMismatch reports a value variant that has no defined conversion to
// the target kind. There is no implicit parsing of strings into numbers and
// no implicit formatting of numbers into strings.
var ErrTypeMismatch = errors.New("type mismatch")

// Coerced is a value converted to a target attribute's kind. Exactly one
// payload field is meaningful, selected by Kind (Float carries both Float
// and VectorComponent payloads).
type Coerced struct {
	Kind  Kind
	Float float64
	Int   int64
	Bool  bool
	Str   string
}

// Coerce converts v into the given target kind.
//
// Rules: Float to Int truncates toward zero; Float to Bool is value != 0.0;
// Int to Float widens exactly; Bool to numeric is 1/0; strings convert only to
// string-like targets. VectorComponent behaves like Float.
func Coerce(v osc.Value, kind Kind) (Coerced, error) {
	switch kind {
	case Float, VectorComponent:
		switch v.Kind() {
		case osc.KindFloat:
			return Coerced{Kind: kind, Float: float64(v.Float())}, nil
		case osc.KindInt:
			return Coerced{Kind: kind, Float: float64(v.Int())}, nil
		case osc.KindBool:
			f := 0.0
			if v.Bool() {
				f = 1.0
			}
			return Coerced{Kind: kind, Float: f}, nil
		}

	case Int:
		switch v.Kind() {
		case osc.KindFloat:
			return Coerced{Kind: Int, Int: truncToInt(float64(v.Float()))}, nil
		case osc.KindInt:
			return Coerced{Kind: Int, Int: int64(v.Int())}, nil
		case osc.KindBool:
			var n int64
			if v.Bool() {
				n = 1
			}
			return Coerced{Kind: Int, Int: n}, nil
		}

	case Bool:
		switch v.Kind() {
		case osc.KindFloat:
			return Coerced{Kind: Bool, Bool: v.Float() != 0.0}, nil
		case osc.KindInt:
			return Coerced{Kind: Bool, Bool: v.Int() != 0}, nil
		case osc.KindBool:
			return Coerced{Kind: Bool, Bool: v.Bool()}, nil
		}

	case StringLike:
		if v.Kind() == osc.KindString {
			return Coerced{Kind: StringLike, Str: v.Str()}, nil
		}
	}

	return Coerced{}, fmt.Errorf("%w: %s value on %s target", ErrTypeMismatch, v.Kind(), kind)
}

// truncToInt truncates toward zero with defined outcomes at the edges: NaN
// maps to 0 and out-of-range magnitudes clamp.
func truncToInt(f float64) int64 {
	if math.IsNaN(f) {
		return 0
	}
	if f >= math.MaxInt64 {
		return math.MaxInt64
	}
	if f <= math.MinInt64 {
		return math.MinInt64
	}
	return int64(f)
}

// AsFloat64 renders the coerced value as a float for keyframe insertion.
// Booleans key as 1/0; string-likes key as 0.
func (c Coerced) AsFloat64() float64 {
	switch c.Kind {
	case Float, VectorComponent:
		return c.Float
	case Int:
		return float64(c.Int)
	case Bool:
		if c.Bool {
			return 1
		}
		return 0
	}
	return 0
}

// String implements fmt.Stringer with the display form used in logs and the
// status feed.
func (c Coerced) String() string {
	switch c.Kind {
	case Float, VectorComponent:
		return strconv.FormatFloat(c.Float, 'g', -1, 64)
	case Int:
		return strconv.FormatInt(c.Int, 10)
	case Bool:
		return strconv.FormatBool(c.Bool)
	case StringLike:
		return strconv.Quote(c.Str)
	}
	return "invalid"
}

type coercedJSON struct {
	Kind  Kind        `json:"kind"`
	Value interface{} `json:"value"`
}

func (c Coerced) MarshalJSON() ([]byte, error) {
	out := coercedJSON{Kind: c.Kind}
	switch c.Kind {
	case Float, VectorComponent:
		out.Value = c.Float
	case Int:
		out.Value = c.Int
	case Bool:
		out.Value = c.Bool
	case StringLike:
		out.Value = c.Str
	}
	return json.Marshal(out)
}
