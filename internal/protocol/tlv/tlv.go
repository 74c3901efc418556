package tlv

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const HeaderLen = 7

var (
	ErrShortFieldHeader = errors.New("tlv: short field header")
	ErrShortFieldValue  = errors.New("tlv: short field value")
	ErrMissingField     = errors.New("tlv: missing field")
)

const (
	TypeU8    uint8 = 1
	TypeU16   uint8 = 2
	TypeU32   uint8 = 3
	TypeU64   uint8 = 4
	TypeBool  uint8 = 5
	TypeBytes uint8 = 7
)

// Field is one decoded TLV field.
type Field struct {
	ID    uint16
	Type  uint8
	Value []byte
}

func U8(id uint16, v uint8) Field {
	return Field{ID: id, Type: TypeU8, Value: []byte{v}}
}

func U16(id uint16, v uint16) Field {
	return Field{ID: id, Type: TypeU16, Value: binary.BigEndian.AppendUint16(nil, v)}
}

func U32(id uint16, v uint32) Field {
	return Field{ID: id, Type: TypeU32, Value: binary.BigEndian.AppendUint32(nil, v)}
}

func Bool(id uint16, v bool) Field {
	var b byte
	if v {
		b = 1
	}
	return Field{ID: id, Type: TypeBool, Value: []byte{b}}
}

// Bytes copies v.
func Bytes(id uint16, v []byte) Field {
	return Field{ID: id, Type: TypeBytes, Value: append([]byte(nil), v...)}
}

func EncodeField(f Field) []byte {
	return appendField(nil, f)
}

func appendField(dst []byte, f Field) []byte {
	var h [HeaderLen]byte
	binary.BigEndian.PutUint16(h[0:2], f.ID)
	h[2] = f.Type
	binary.BigEndian.PutUint32(h[3:7], uint32(len(f.Value)))
	dst = append(dst, h[:]...)
	return append(dst, f.Value...)
}

func DecodeFields(payload []byte) ([]Field, error) {
	fields := make([]Field, 0)
	i := 0
	for i < len(payload) {
		if len(payload)-i < HeaderLen {
			return nil, ErrShortFieldHeader
		}
		id := binary.BigEndian.Uint16(payload[i : i+2])
		typeID := payload[i+2]
		l := binary.BigEndian.Uint32(payload[i+3 : i+7])
		i += HeaderLen
		if uint32(len(payload)-i) < l {
			return nil, ErrShortFieldValue
		}
		val := make([]byte, l)
		copy(val, payload[i:i+int(l)])
		i += int(l)
		fields = append(fields, Field{ID: id, Type: typeID, Value: val})
	}
	return fields, nil
}

func EncodeFields(fields []Field) []byte {
	out := make([]byte, 0)
	for _, f := range fields {
		out = appendField(out, f)
	}
	return out
}

func GetField(fields []Field, id uint16) (Field, bool) {
	for _, f := range fields {
		if f.ID == id {
			return f, true
		}
	}
	return Field{}, false
}

func MustType(f Field, expected uint8) error {
	if f.Type != expected {
		return fmt.Errorf("tlv: field %d type mismatch: got %d want %d", f.ID, f.Type, expected)
	}
	return nil
}

// lookup finds id and checks its type and, when size > 0, its length.
func lookup(fields []Field, id uint16, typ uint8, size int) (Field, error) {
	f, ok := GetField(fields, id)
	if !ok {
		return Field{}, fmt.Errorf("%w: %d", ErrMissingField, id)
	}
	if err := MustType(f, typ); err != nil {
		return Field{}, err
	}
	if size > 0 && len(f.Value) != size {
		return Field{}, fmt.Errorf("tlv: field %d invalid length: %d", id, len(f.Value))
	}
	return f, nil
}

func GetU8(fields []Field, id uint16) (uint8, error) {
	f, err := lookup(fields, id, TypeU8, 1)
	if err != nil {
		return 0, err
	}
	return f.Value[0], nil
}

func GetU16(fields []Field, id uint16) (uint16, error) {
	f, err := lookup(fields, id, TypeU16, 2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(f.Value), nil
}

func GetU32(fields []Field, id uint16) (uint32, error) {
	f, err := lookup(fields, id, TypeU32, 4)
	if err != nil {
		return 0, err
	}
	return U32FromBytes(f.Value)
}

func GetBool(fields []Field, id uint16) (bool, error) {
	f, err := lookup(fields, id, TypeBool, 1)
	if err != nil {
		return false, err
	}
	return f.Value[0] != 0, nil
}

// GetBytes returns the field value without copying; DecodeFields already
// detached it from the payload.
func GetBytes(fields []Field, id uint16) ([]byte, error) {
	f, err := lookup(fields, id, TypeBytes, 0)
	if err != nil {
		return nil, err
	}
	return f.Value, nil
}

func U32FromBytes(b []byte) (uint32, error) {
	if len(b) != 4 {
		return 0, fmt.Errorf("tlv: invalid u32 length: %d", len(b))
	}
	return binary.BigEndian.Uint32(b), nil
}
