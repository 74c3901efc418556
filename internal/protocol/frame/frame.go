package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	HeaderLen        = 16
	Magic     uint32 = 0x48534b31 // "HSK1"
	Version   uint16 = 1

	FlagResumption uint8 = 0x01
	FlagFinal      uint8 = 0x02
)

var (
	ErrIncomplete      = errors.New("frame: incomplete frame")
	ErrBadMagic        = errors.New("frame: bad magic")
	ErrBadVersion      = errors.New("frame: unsupported version")
	ErrPayloadTooLarge = errors.New("frame: payload too large")
)

// Header is the fixed wire header of one simulated handshake message.
type Header struct {
	Magic      uint32
	Version    uint16
	Kind       uint8
	Flags      uint8
	Seq        uint32
	PayloadLen uint32
}

// Frame is one complete message.
type Frame struct {
	Header  Header
	Payload []byte
}

// Limits constrains decode memory use.
type Limits struct {
	MaxPayloadBytes uint32
}

func DefaultLimits() Limits {
	return Limits{MaxPayloadBytes: 256 * 1024}
}

// New returns a frame for kind with the current magic and version.
func New(kind uint8, seq uint32, payload []byte) Frame {
	return Frame{
		Header:  Header{Magic: Magic, Version: Version, Kind: kind, Seq: seq},
		Payload: payload,
	}
}

// Len is the encoded size of f.
func (f Frame) Len() int {
	return HeaderLen + len(f.Payload)
}

// Append encodes f onto dst. PayloadLen is taken from the payload.
func Append(dst []byte, f Frame, limits Limits) ([]byte, error) {
	if uint64(len(f.Payload)) > uint64(limits.MaxPayloadBytes) {
		return dst, ErrPayloadTooLarge
	}
	h := f.Header
	h.PayloadLen = uint32(len(f.Payload))
	dst = AppendHeader(dst, h)
	return append(dst, f.Payload...), nil
}

func AppendHeader(dst []byte, h Header) []byte {
	var buf [HeaderLen]byte
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	binary.BigEndian.PutUint16(buf[4:6], h.Version)
	buf[6] = h.Kind
	buf[7] = h.Flags
	binary.BigEndian.PutUint32(buf[8:12], h.Seq)
	binary.BigEndian.PutUint32(buf[12:16], h.PayloadLen)
	return append(dst, buf[:]...)
}

func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderLen {
		return Header{}, ErrIncomplete
	}
	h := Header{
		Magic:      binary.BigEndian.Uint32(b[0:4]),
		Version:    binary.BigEndian.Uint16(b[4:6]),
		Kind:       b[6],
		Flags:      b[7],
		Seq:        binary.BigEndian.Uint32(b[8:12]),
		PayloadLen: binary.BigEndian.Uint32(b[12:16]),
	}
	if h.Magic != Magic {
		return Header{}, fmt.Errorf("%w: %#x", ErrBadMagic, h.Magic)
	}
	if h.Version != Version {
		return Header{}, fmt.Errorf("%w: %d", ErrBadVersion, h.Version)
	}
	return h, nil
}

// Decode reads one frame from the front of b and reports how many bytes it
// used. ErrIncomplete means b holds only part of a frame; nothing is consumed.
// The payload is copied.
func Decode(b []byte, limits Limits) (Frame, int, error) {
	h, err := DecodeHeader(b)
	if err != nil {
		return Frame{}, 0, err
	}
	if h.PayloadLen > limits.MaxPayloadBytes {
		return Frame{}, 0, ErrPayloadTooLarge
	}
	n := HeaderLen + int(h.PayloadLen)
	if len(b) < n {
		return Frame{}, 0, ErrIncomplete
	}
	payload := make([]byte, h.PayloadLen)
	copy(payload, b[HeaderLen:n])
	return Frame{Header: h, Payload: payload}, n, nil
}
