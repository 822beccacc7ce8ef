// Package osc implements the subset of the OSC 1.0 wire format the bridge
// speaks: messages carrying float, int, string and boolean arguments, plus
// basic bundle framing. Decoding is a pure function of the input bytes.
package osc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"
)

var (
	// ErrMalformed reports a datagram that violates the OSC 1.0 length or
	// alignment invariants. Wrapped errors carry detail; test with errors.Is.
	ErrMalformed = errors.New("malformed osc packet")

	// ErrUnsupportedTag reports a type tag character outside the supported
	// set (f, i, s, T, F, d).
	ErrUnsupportedTag = errors.New("unsupported osc type tag")
)

// Message is a single OSC message: an address pattern and zero or more
// typed arguments. Messages are transient; the listener keeps only the
// selected argument value per address.
type Message struct {
	Address string
	Args    []Value
}

// NewMessage returns a Message for the given address and arguments.
func NewMessage(address string, args ...Value) *Message {
	return &Message{Address: address, Args: args}
}

// String implements fmt.Stringer: the address followed by display-formatted
// arguments, e.g. `/1/fader1 0.53`.
func (m *Message) String() string {
	if m == nil {
		return ""
	}
	if len(m.Args) == 0 {
		return m.Address
	}
	parts := make([]string, 0, len(m.Args)+1)
	parts = append(parts, m.Address)
	for _, a := range m.Args {
		parts = append(parts, a.String())
	}
	return strings.Join(parts, " ")
}

// Decode parses a single OSC message from a raw datagram: a null-padded
// 4-byte-aligned address, a comma-prefixed padded type tag string, then the
// arguments big-endian in declared order. T and F tags carry no payload
// bytes; d (float64) is accepted and narrowed to a Float value.
func Decode(data []byte) (*Message, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty datagram", ErrMalformed)
	}
	if data[0] != '/' {
		return nil, fmt.Errorf("%w: address does not start with '/'", ErrMalformed)
	}
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("%w: length %d not 4-byte aligned", ErrMalformed, len(data))
	}

	address, n, err := readPaddedString(data)
	if err != nil {
		return nil, fmt.Errorf("%w: unterminated address", ErrMalformed)
	}

	args, err := readArguments(data[n:])
	if err != nil {
		return nil, err
	}
	return &Message{Address: address, Args: args}, nil
}

// readArguments parses the type tag string and the argument payload that
// follows it. An empty remainder decodes as zero arguments; some senders
// omit the tag string entirely for bare messages.
func readArguments(data []byte) ([]Value, error) {
	if len(data) == 0 {
		return nil, nil
	}

	tags, n, err := readPaddedString(data)
	if err != nil {
		return nil, fmt.Errorf("%w: unterminated type tag string", ErrMalformed)
	}
	if len(tags) == 0 || tags[0] != ',' {
		return nil, fmt.Errorf("%w: type tag string %q does not start with ','", ErrMalformed, tags)
	}
	if len(tags) == 1 {
		return nil, nil
	}
	data = data[n:]

	args := make([]Value, 0, len(tags)-1)
	for _, c := range tags[1:] {
		switch c {
		case 'f':
			if len(data) < 4 {
				return nil, fmt.Errorf("%w: truncated float argument", ErrMalformed)
			}
			args = append(args, Float(math.Float32frombits(binary.BigEndian.Uint32(data))))
			data = data[4:]

		case 'i':
			if len(data) < 4 {
				return nil, fmt.Errorf("%w: truncated int argument", ErrMalformed)
			}
			args = append(args, Int(int32(binary.BigEndian.Uint32(data))))
			data = data[4:]

		case 'd':
			if len(data) < 8 {
				return nil, fmt.Errorf("%w: truncated double argument", ErrMalformed)
			}
			args = append(args, Float(float32(math.Float64frombits(binary.BigEndian.Uint64(data)))))
			data = data[8:]

		case 's':
			s, n, err := readPaddedString(data)
			if err != nil {
				return nil, fmt.Errorf("%w: unterminated string argument", ErrMalformed)
			}
			args = append(args, String(s))
			data = data[n:]

		case 'T':
			args = append(args, Bool(true))

		case 'F':
			args = append(args, Bool(false))

		default:
			return nil, fmt.Errorf("%w: %q", ErrUnsupportedTag, string(c))
		}
	}

	return args, nil
}
