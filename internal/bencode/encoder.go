package bencode

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
)

// ErrUnsupportedType is wrapped with the offending Go type whenever Encode
// is asked to serialize a value with no bencode representation.
var ErrUnsupportedType = errors.New("bencode: unsupported datatype")

// Marshal returns the bencode encoding of v. v must be built out of
// string, []byte, bool, the signed/unsigned integer family, []any, and
// map[string]any, which covers every type Decode produces.
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	e := NewEncoder(&buf)

	if err := e.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Encoder writes bencoded values to an underlying io.Writer.
type Encoder struct {
	w io.Writer
}

// NewEncoder returns an Encoder that writes to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode writes the bencode representation of v. Booleans encode as the
// integers 0 and 1, matching the convention metainfo and tracker dicts
// use for flags such as "private" and "compact".
func (e *Encoder) Encode(v any) error {
	switch x := v.(type) {
	case string:
		return e.writeString(x)
	case []byte:
		return e.writeString(string(x))
	case bool:
		if x {
			return e.writeIntegerToken([]byte("1"))
		}
		return e.writeIntegerToken([]byte("0"))
	case int:
		return e.encodeSignedInt(int64(x))
	case int8:
		return e.encodeSignedInt(int64(x))
	case int16:
		return e.encodeSignedInt(int64(x))
	case int32:
		return e.encodeSignedInt(int64(x))
	case int64:
		return e.encodeSignedInt(x)
	case uint:
		return e.encodeUnsignedInt(uint64(x))
	case uint8:
		return e.encodeUnsignedInt(uint64(x))
	case uint16:
		return e.encodeUnsignedInt(uint64(x))
	case uint32:
		return e.encodeUnsignedInt(uint64(x))
	case uint64:
		return e.encodeUnsignedInt(x)
	case []any:
		return e.writeList(x)
	case map[string]any:
		return e.writeDict(x)
	default:
		return fmt.Errorf("%w '%T'", ErrUnsupportedType, v)
	}
}

func (e *Encoder) encodeSignedInt(n int64) error {
	var buf [32]byte
	return e.writeIntegerToken(strconv.AppendInt(buf[:0], n, 10))
}

func (e *Encoder) encodeUnsignedInt(u uint64) error {
	var buf [32]byte
	return e.writeIntegerToken(strconv.AppendUint(buf[:0], u, 10))
}

// writeIntegerToken wraps a pre-formatted decimal digit string in the
// 'i' ... 'e' integer token shared by encodeSignedInt, encodeUnsignedInt
// and boolean encoding.
func (e *Encoder) writeIntegerToken(digits []byte) error {
	if err := e.writeByte(byte(TokenInteger)); err != nil {
		return err
	}
	if _, err := e.w.Write(digits); err != nil {
		return err
	}
	return e.writeByte(byte(TokenEnding))
}

func (e *Encoder) writeByte(b byte) error {
	_, err := e.w.Write([]byte{b})
	return err
}

func (e *Encoder) writeString(s string) error {
	var buf [32]byte
	length := strconv.AppendInt(buf[:0], int64(len(s)), 10)

	if _, err := e.w.Write(length); err != nil {
		return err
	}
	if err := e.writeByte(byte(TokenStringSeparator)); err != nil {
		return err
	}

	_, err := io.WriteString(e.w, s)
	return err
}

func (e *Encoder) writeList(items []any) error {
	if err := e.writeByte(byte(TokenList)); err != nil {
		return err
	}

	for _, v := range items {
		if err := e.Encode(v); err != nil {
			return err
		}
	}

	return e.writeByte(byte(TokenEnding))
}

// writeDict writes m's keys in sorted order, as BEP 3 requires for a
// dict's bencoding to be canonical (and, in turn, for its SHA-1 hash to
// be reproducible regardless of the source map's iteration order).
func (e *Encoder) writeDict(m map[string]any) error {
	if err := e.writeByte(byte(TokenDict)); err != nil {
		return err
	}

	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if err := e.writeString(k); err != nil {
			return err
		}
		if err := e.Encode(m[k]); err != nil {
			return err
		}
	}

	return e.writeByte(byte(TokenEnding))
}
