package osc

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

// padBytesNeeded returns how many zero bytes pad elementLen up to the next
// 4-byte boundary.
func padBytesNeeded(elementLen int) int {
	return (4 - (elementLen % 4)) % 4
}

// readPaddedString reads a null-terminated string from data and returns it
// together with the number of bytes consumed including padding.
func readPaddedString(data []byte) (string, int, error) {
	pos := bytes.IndexByte(data, 0)
	if pos == -1 {
		return "", 0, fmt.Errorf("no string terminator")
	}
	n := pos + 1
	n += padBytesNeeded(n)
	if n > len(data) {
		return "", 0, fmt.Errorf("string padding past end of data")
	}
	return string(data[:pos]), n, nil
}

// writePaddedString writes s null-terminated and padded to a 4-byte
// boundary.
func writePaddedString(s string, buf *bytes.Buffer) {
	buf.WriteString(s)
	buf.WriteByte(0)
	for i := 0; i < padBytesNeeded(len(s)+1); i++ {
		buf.WriteByte(0)
	}
}

// MarshalBinary implements encoding.BinaryMarshaler, producing the OSC 1.0
// wire form of the message. Decode(m.MarshalBinary()) round-trips for every
// message this package can represent.
func (m *Message) MarshalBinary() ([]byte, error) {
	if m.Address == "" || m.Address[0] != '/' {
		return nil, fmt.Errorf("invalid osc address %q", m.Address)
	}

	var buf bytes.Buffer
	writePaddedString(m.Address, &buf)

	tags := make([]byte, 0, len(m.Args)+1)
	tags = append(tags, ',')
	for _, a := range m.Args {
		tags = append(tags, a.typeTag())
	}
	writePaddedString(string(tags), &buf)

	var scratch [4]byte
	for _, a := range m.Args {
		switch a.Kind() {
		case KindFloat:
			binary.BigEndian.PutUint32(scratch[:], math.Float32bits(a.Float()))
			buf.Write(scratch[:])
		case KindInt:
			binary.BigEndian.PutUint32(scratch[:], uint32(a.Int()))
			buf.Write(scratch[:])
		case KindString:
			writePaddedString(a.Str(), &buf)
		case KindBool:
			// zero-width payload
		}
	}

	return buf.Bytes(), nil
}
