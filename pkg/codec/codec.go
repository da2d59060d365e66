// Package codec provides the default KeySerializer/ValueSerializer
// implementations the store uses to turn keys and values into the bytes a
// checkpoint file or redo log can carry: a tagged-byte key encoding plus
// a pass-through value encoding.
package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/microsoft/go-tstore/pkg/types"
)

const (
	tagInt byte = iota + 1
	tagVarchar
	tagBool
	tagFloat
	tagDate
)

// KeyCodec is the default replicator.KeySerializer: a one-byte type tag
// followed by the fixed- or length-prefixed encoding for that key kind.
type KeyCodec struct{}

// NewKeyCodec creates the default key serializer.
func NewKeyCodec() KeyCodec { return KeyCodec{} }

// SerializeKey encodes key with a leading type tag so DeserializeKey can
// recover the concrete types.Comparable without an external schema.
func (KeyCodec) SerializeKey(key types.Comparable) ([]byte, error) {
	buf := new(bytes.Buffer)
	switch k := key.(type) {
	case types.IntKey:
		buf.WriteByte(tagInt)
		binary.Write(buf, binary.LittleEndian, int64(k))
	case types.VarcharKey:
		buf.WriteByte(tagVarchar)
		str := string(k)
		binary.Write(buf, binary.LittleEndian, uint32(len(str)))
		buf.WriteString(str)
	case types.BoolKey:
		buf.WriteByte(tagBool)
		var b uint8
		if k {
			b = 1
		}
		buf.WriteByte(b)
	case types.FloatKey:
		buf.WriteByte(tagFloat)
		binary.Write(buf, binary.LittleEndian, float64(k))
	case types.DateKey:
		buf.WriteByte(tagDate)
		binary.Write(buf, binary.LittleEndian, time.Time(k).UnixNano())
	default:
		return nil, fmt.Errorf("codec: unsupported key type %T", k)
	}
	return buf.Bytes(), nil
}

// DeserializeKey recovers the concrete key type SerializeKey encoded.
func (KeyCodec) DeserializeKey(data []byte) (types.Comparable, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("codec: empty key data")
	}
	tag := data[0]
	r := bytes.NewReader(data[1:])

	switch tag {
	case tagInt:
		var v int64
		if err := binary.Read(r, binary.LittleEndian, &v); err != nil {
			return nil, fmt.Errorf("codec: decode int key: %w", err)
		}
		return types.IntKey(v), nil
	case tagVarchar:
		var l uint32
		if err := binary.Read(r, binary.LittleEndian, &l); err != nil {
			return nil, fmt.Errorf("codec: decode varchar key length: %w", err)
		}
		b := make([]byte, l)
		if _, err := io.ReadFull(r, b); err != nil {
			return nil, fmt.Errorf("codec: decode varchar key: %w", err)
		}
		return types.VarcharKey(string(b)), nil
	case tagBool:
		var b uint8
		if err := binary.Read(r, binary.LittleEndian, &b); err != nil {
			return nil, fmt.Errorf("codec: decode bool key: %w", err)
		}
		return types.BoolKey(b == 1), nil
	case tagFloat:
		var f float64
		if err := binary.Read(r, binary.LittleEndian, &f); err != nil {
			return nil, fmt.Errorf("codec: decode float key: %w", err)
		}
		return types.FloatKey(f), nil
	case tagDate:
		var ts int64
		if err := binary.Read(r, binary.LittleEndian, &ts); err != nil {
			return nil, fmt.Errorf("codec: decode date key: %w", err)
		}
		return types.DateKey(time.Unix(0, ts)), nil
	default:
		return nil, fmt.Errorf("codec: unknown key type tag %d", tag)
	}
}

// ValueCodec is the default replicator.ValueSerializer: the value's bytes
// pass through unchanged. The store treats a value as opaque, so there is
// no schema to encode; ValueCodec exists as the pluggable seam a caller
// can replace with compression or a richer encoding without touching the
// store core.
type ValueCodec struct{}

// NewValueCodec creates the default value serializer.
func NewValueCodec() ValueCodec { return ValueCodec{} }

func (ValueCodec) SerializeValue(value types.Value) ([]byte, error) {
	return []byte(value.Clone()), nil
}

func (ValueCodec) DeserializeValue(data []byte) (types.Value, error) {
	return types.Value(data).Clone(), nil
}
