package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
)

// CurrentSchemaVersion is the only schema version this codec understands.
const CurrentSchemaVersion uint8 = 1

// ErrUnsupportedVersion is returned when a message declares a schema
// version this codec does not understand.
var ErrUnsupportedVersion = errors.New("wire: unsupported schema version")

// ErrTruncated is returned when a message body ends before a declared
// field's length-prefixed content.
var ErrTruncated = errors.New("wire: truncated message")

// Message is the protocol message carried inside a frame body (spec.md
// §4.2). Per-command options (e.g. CreateQueue's delivery mode, max size)
// travel in Headers, keeping the wire shape uniform across commands.
type Message struct {
	SchemaVersion uint8
	Type          CommandCode
	ID            string
	Queue         string
	Payload       []byte
	Headers       map[string]string
	ErrorCode     string
	ErrorMessage  string
}

// LogValue implements slog.LogValuer so logging a Message never dumps the
// full payload.
func (m *Message) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("type", m.Type.String()),
		slog.String("id", m.ID),
		slog.String("queue", m.Queue),
		slog.Int("payload_bytes", len(m.Payload)),
	)
}

// Encode serializes m into a binary message body per spec.md §4.2: a fixed
// field order, 2-byte length prefixes for strings and header entries, a
// 4-byte length prefix for the payload, and 0 meaning null/absent.
func Encode(m *Message) []byte {
	buf := make([]byte, 0, 64+len(m.Payload))

	buf = append(buf, m.SchemaVersion, uint8(m.Type))
	buf = appendString(buf, m.ID)
	buf = appendString(buf, m.Queue)
	buf = appendBytes(buf, m.Payload)
	buf = appendHeaders(buf, m.Headers)
	buf = appendString(buf, m.ErrorCode)
	buf = appendString(buf, m.ErrorMessage)

	return buf
}

// Decode parses a binary message body produced by Encode.
func Decode(body []byte) (*Message, error) {
	if len(body) < 2 {
		return nil, ErrTruncated
	}

	m := &Message{
		SchemaVersion: body[0],
		Type:          CommandCode(body[1]),
	}
	if m.SchemaVersion != CurrentSchemaVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, m.SchemaVersion)
	}

	rest := body[2:]
	var err error

	m.ID, rest, err = readString(rest)
	if err != nil {
		return nil, err
	}
	m.Queue, rest, err = readString(rest)
	if err != nil {
		return nil, err
	}
	m.Payload, rest, err = readBytes(rest)
	if err != nil {
		return nil, err
	}
	m.Headers, rest, err = readHeaders(rest)
	if err != nil {
		return nil, err
	}
	m.ErrorCode, rest, err = readString(rest)
	if err != nil {
		return nil, err
	}
	m.ErrorMessage, _, err = readString(rest)
	if err != nil {
		return nil, err
	}

	return m, nil
}

func appendString(buf []byte, s string) []byte {
	lp := make([]byte, 2)
	binary.BigEndian.PutUint16(lp, uint16(len(s)))
	buf = append(buf, lp...)
	return append(buf, s...)
}

func appendBytes(buf []byte, b []byte) []byte {
	lp := make([]byte, 4)
	binary.BigEndian.PutUint32(lp, uint32(len(b)))
	buf = append(buf, lp...)
	return append(buf, b...)
}

func appendHeaders(buf []byte, headers map[string]string) []byte {
	cp := make([]byte, 2)
	binary.BigEndian.PutUint16(cp, uint16(len(headers)))
	buf = append(buf, cp...)
	for k, v := range headers {
		buf = appendString(buf, k)
		buf = appendString(buf, v)
	}
	return buf
}

func readString(b []byte) (string, []byte, error) {
	if len(b) < 2 {
		return "", nil, ErrTruncated
	}
	n := int(binary.BigEndian.Uint16(b[:2]))
	b = b[2:]
	if len(b) < n {
		return "", nil, ErrTruncated
	}
	return string(b[:n]), b[n:], nil
}

func readBytes(b []byte) ([]byte, []byte, error) {
	if len(b) < 4 {
		return nil, nil, ErrTruncated
	}
	n := int(binary.BigEndian.Uint32(b[:4]))
	b = b[4:]
	if len(b) < n {
		return nil, nil, ErrTruncated
	}
	if n == 0 {
		return nil, b, nil
	}
	out := make([]byte, n)
	copy(out, b[:n])
	return out, b[n:], nil
}

func readHeaders(b []byte) (map[string]string, []byte, error) {
	if len(b) < 2 {
		return nil, nil, ErrTruncated
	}
	count := int(binary.BigEndian.Uint16(b[:2]))
	b = b[2:]
	if count == 0 {
		return nil, b, nil
	}
	headers := make(map[string]string, count)
	for i := 0; i < count; i++ {
		var k, v string
		var err error
		k, b, err = readString(b)
		if err != nil {
			return nil, nil, err
		}
		v, b, err = readString(b)
		if err != nil {
			return nil, nil, err
		}
		headers[k] = v
	}
	return headers, b, nil
}
