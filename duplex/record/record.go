// Package record frames the byte stream exchanged by the session engines.
//
// Format:
//
//	1 byte: content type
//	1 byte: epoch (key generation the payload is protected with)
//	2 bytes: payload length (big endian)
//	N bytes: payload
package record

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	HeaderLen = 4

	// MaxPlaintext limits the plaintext carried by one record.
	MaxPlaintext = 1 << 14
	// MaxPayload limits a record payload, protection overhead included.
	MaxPayload = MaxPlaintext + 256
	// MaxRecord is the largest record on the wire.
	MaxRecord = HeaderLen + MaxPayload
)

var (
	ErrIncomplete     = errors.New("record: incomplete record")
	ErrRecordTooLarge = errors.New("record: payload too large")
	ErrInvalidType    = errors.New("record: invalid content type")
	ErrShortBuffer    = errors.New("record: destination too small")
)

type Type uint8

const (
	TypeAlert       Type = 21
	TypeHandshake   Type = 22
	TypeApplication Type = 23
)

func (t Type) String() string {
	switch t {
	case TypeAlert:
		return "ALERT"
	case TypeHandshake:
		return "HANDSHAKE"
	case TypeApplication:
		return "APPLICATION"
	default:
		return "UNKNOWN"
	}
}

func (t Type) valid() bool {
	return t == TypeAlert || t == TypeHandshake || t == TypeApplication
}

// Header precedes every record.
type Header struct {
	Type   Type
	Epoch  uint8
	Length int
}

// Put encodes h into the first HeaderLen bytes of b.
func (h Header) Put(b []byte) {
	b[0] = byte(h.Type)
	b[1] = h.Epoch
	binary.BigEndian.PutUint16(b[2:4], uint16(h.Length))
}

// Bytes returns the encoded header.
func (h Header) Bytes() []byte {
	b := make([]byte, HeaderLen)
	h.Put(b)
	return b
}

// ParseHeader decodes a header. It returns ErrIncomplete when b is shorter
// than HeaderLen.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderLen {
		return Header{}, ErrIncomplete
	}
	h := Header{
		Type:   Type(b[0]),
		Epoch:  b[1],
		Length: int(binary.BigEndian.Uint16(b[2:4])),
	}
	if !h.Type.valid() {
		return Header{}, fmt.Errorf("%w: %d", ErrInvalidType, b[0])
	}
	if h.Length > MaxPayload {
		return Header{}, fmt.Errorf("%w: %d", ErrRecordTooLarge, h.Length)
	}
	return h, nil
}

// Next splits the first complete record off b. The returned payload aliases
// b; n is the number of bytes the record occupies. ErrIncomplete means more
// input is needed.
func Next(b []byte) (h Header, payload []byte, n int, err error) {
	h, err = ParseHeader(b)
	if err != nil {
		return Header{}, nil, 0, err
	}
	n = HeaderLen + h.Length
	if len(b) < n {
		return Header{}, nil, 0, ErrIncomplete
	}
	return h, b[HeaderLen:n], n, nil
}

// Append appends a record with the given payload to dst.
func Append(dst []byte, t Type, epoch uint8, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayload {
		return dst, ErrRecordTooLarge
	}
	var hdr [HeaderLen]byte
	Header{Type: t, Epoch: epoch, Length: len(payload)}.Put(hdr[:])
	dst = append(dst, hdr[:]...)
	return append(dst, payload...), nil
}

// Write writes one record to w.
func Write(w io.Writer, t Type, epoch uint8, payload []byte) error {
	if !t.valid() {
		return ErrInvalidType
	}
	b, err := Append(make([]byte, 0, HeaderLen+len(payload)), t, epoch, payload)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

// Read reads one record from r.
func Read(r io.Reader) (Header, []byte, error) {
	var hdr [HeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Header{}, nil, err
	}
	h, err := ParseHeader(hdr[:])
	if err != nil {
		return Header{}, nil, err
	}
	payload := make([]byte, h.Length)
	if h.Length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Header{}, nil, err
		}
	}
	return h, payload, nil
}
