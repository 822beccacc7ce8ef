package osc

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

const bundleTag = "#bundle"

// bundlePrefix is the padded "#bundle" string that opens every bundle.
var bundlePrefix = []byte("#bundle\x00")

// Bundle is a flat collection of messages framed as an OSC bundle. Timetag
// semantics are out of scope: encoding writes the "immediately" timetag and
// decoding ignores whatever timetag is present.
type Bundle struct {
	Messages []*Message
}

// IsBundle reports whether the datagram carries a bundle rather than a
// single message.
func IsBundle(data []byte) bool {
	return bytes.HasPrefix(data, bundlePrefix)
}

// DecodePacket decodes a datagram holding either a single message or a
// bundle. Bundles are flattened to their messages in order, recursing into
// nested bundles.
func DecodePacket(data []byte) ([]*Message, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty datagram", ErrMalformed)
	}
	switch data[0] {
	case '/':
		msg, err := Decode(data)
		if err != nil {
			return nil, err
		}
		return []*Message{msg}, nil
	case '#':
		return decodeBundle(data)
	default:
		return nil, fmt.Errorf("%w: packet starts with %q", ErrMalformed, string(data[0]))
	}
}

func decodeBundle(data []byte) ([]*Message, error) {
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("%w: bundle length %d not 4-byte aligned", ErrMalformed, len(data))
	}
	// "#bundle\0" plus the 8-byte timetag.
	if len(data) < 16 {
		return nil, fmt.Errorf("%w: bundle too short", ErrMalformed)
	}

	tag, n, err := readPaddedString(data)
	if err != nil || tag != bundleTag {
		return nil, fmt.Errorf("%w: invalid bundle tag", ErrMalformed)
	}
	data = data[n:]
	data = data[8:] // timetag, ignored

	var msgs []*Message
	for len(data) > 0 {
		if len(data) < 4 {
			return nil, fmt.Errorf("%w: truncated bundle element size", ErrMalformed)
		}
		size := int(binary.BigEndian.Uint32(data))
		data = data[4:]
		if size <= 0 || size > len(data) {
			return nil, fmt.Errorf("%w: bundle element size %d out of range", ErrMalformed, size)
		}
		sub, err := DecodePacket(data[:size])
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, sub...)
		data = data[size:]
	}
	return msgs, nil
}

// MarshalBinary implements encoding.BinaryMarshaler for the bundle framing.
func (b *Bundle) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	writePaddedString(bundleTag, &buf)

	var timetag [8]byte
	timetag[7] = 1 // "immediately"
	buf.Write(timetag[:])

	var size [4]byte
	for _, m := range b.Messages {
		mb, err := m.MarshalBinary()
		if err != nil {
			return nil, err
		}
		binary.BigEndian.PutUint32(size[:], uint32(len(mb)))
		buf.Write(size[:])
		buf.Write(mb)
	}
	return buf.Bytes(), nil
}
