package bencode

import (
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
)

type DecodeError struct {
	msg string
}

func newDecodeError(msg string, vars ...interface{}) *DecodeError {
	return &DecodeError{fmt.Sprintf(msg, vars...)}
}

func (e *DecodeError) Error() string {
	return e.msg
}

// Given the target interface, decode the following byte slice to it. Any malformed input results in a
// *DecodeError, never a panic.
func Deserialize(buf []byte, t interface{}) error {
	r := newReader(buf)

	val := reflect.ValueOf(t)
	if val.Kind() != reflect.Pointer || val.IsNil() {
		return newDecodeError("expected non-nil pointer, got %T", t)
	}
	out, err := r.readValue(val.Elem().Type(), 0)
	if err != nil {
		return err
	}
	val.Elem().Set(*out)
	if !r.isAtEnd() {
		return newDecodeError("expected to be at end of buffer")
	}
	return nil
}

const maxDepth = 64

type reader struct {
	buf []byte
	pos int64
}

func newReader(buf []byte) reader {
	return reader{
		buf: buf,
		pos: 0,
	}
}

func (r *reader) expectByte(b byte) error {
	if r.isAtEnd() {
		return newDecodeError("expected 0x%x at pos %d, but no more bytes left", b, r.pos)
	}
	c := r.buf[r.pos]
	if c != b {
		return newDecodeError("expected 0x%x got 0x%x at pos %d", b, c, r.pos)
	}
	r.pos++
	return nil
}

// digits returns the length of the run of ascii digits starting at pos.
func (r *reader) digits() int64 {
	l := int64(0)
	for r.pos+l < int64(len(r.buf)) {
		c := r.buf[r.pos+l]
		if c < 0x30 || c > 0x39 {
			break
		}
		l++
	}
	return l
}

func (r *reader) readNumber() (string, bool, error) {
	neg := false
	if err := r.expectByte(numberStart); err != nil {
		return "", false, err
	}
	if !r.isAtEnd() && r.buf[r.pos] == 0x2d {
		neg = true
		r.pos++
	}
	l := r.digits()
	if l == 0 {
		return "", false, newDecodeError("expected numbers at pos %d", r.pos)
	}
	s := string(r.buf[r.pos : r.pos+l])
	r.pos += l
	if err := r.expectByte(bencodeEnd); err != nil {
		return "", false, err
	}
	return s, neg, nil
}

func (r *reader) readInt() (int64, error) {
	s, neg, err := r.readNumber()
	if err != nil {
		return 0, err
	}
	if neg {
		s = "-" + s
	}
	val, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, newDecodeError("invalid integer %s: %v", s, err)
	}
	if val == 0 && neg {
		return 0, newDecodeError("negative 0 not allowed")
	}
	return val, nil
}

func (r *reader) readUint() (uint64, error) {
	s, neg, err := r.readNumber()
	if err != nil {
		return 0, err
	}
	if neg {
		return 0, newDecodeError("expected unsigned number, got -%s", s)
	}
	val, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, newDecodeError("invalid unsigned integer %s: %v", s, err)
	}
	return val, nil
}

func (r *reader) readBytes() ([]byte, error) {
	bLen := r.digits()
	if bLen == 0 {
		return nil, newDecodeError("expected 1 or more numbers %d", r.pos)
	}
	numSlice := r.buf[r.pos : r.pos+bLen]
	if r.pos+bLen >= int64(len(r.buf)) {
		return nil, newDecodeError("expected 0x3a at pos %d, but no more bytes left", r.pos+bLen)
	}
	colon := r.buf[r.pos+bLen]
	if colon != bytesLengthSep {
		return nil, newDecodeError("expected %x to be 0x3a", colon)
	}
	l, err := strconv.ParseInt(string(numSlice), 10, 64)
	if err != nil {
		return nil, newDecodeError("invalid length %s: %v", numSlice, err)
	}
	start := r.pos + bLen + 1
	if l > int64(len(r.buf))-start {
		return nil, newDecodeError("length %d at pos %d runs past end of buffer", l, r.pos)
	}
	b := r.buf[start : start+l]
	r.pos = start + l
	return b, nil
}

func (r *reader) peek() (byte, error) {
	if r.isAtEnd() {
		return 0, newDecodeError("unexpected end of buffer at pos %d", r.pos)
	}
	return r.buf[r.pos], nil
}

func (r *reader) atEndMarker() (bool, error) {
	b, err := r.peek()
	if err != nil {
		return false, err
	}
	return b == bencodeEnd, nil
}

func (r *reader) isAtEnd() bool {
	return r.pos >= int64(len(r.buf))
}

func (r *reader) readList(t reflect.Type, depth int) (*reflect.Value, error) {
	st := t
	if t.Kind() == reflect.Array {
		st = reflect.SliceOf(t.Elem())
	}
	a := reflect.MakeSlice(st, 0, 0)
	if err := r.expectByte(listStart); err != nil {
		return nil, err
	}
	for {
		end, err := r.atEndMarker()
		if err != nil {
			return nil, err
		}
		if end {
			break
		}
		val, err := r.readValue(t.Elem(), depth+1)
		if err != nil {
			return nil, err
		}
		a = reflect.Append(a, *val)
	}
	if err := r.expectByte(bencodeEnd); err != nil {
		return nil, err
	}
	if t.Kind() == reflect.Array {
		if a.Len() != t.Len() {
			return nil, newDecodeError("expected %d elements, got %d", t.Len(), a.Len())
		}
		arr := reflect.New(t).Elem()
		reflect.Copy(arr, a)
		return &arr, nil
	}
	return &a, nil
}

func (r *reader) readValue(t reflect.Type, depth int) (*reflect.Value, error) {
	if depth > maxDepth {
		return nil, newDecodeError("nesting deeper than %d", maxDepth)
	}
	switch t.Kind() {
	case reflect.Bool:
		num, err := r.readUint()
		if err != nil {
			return nil, err
		}
		if num > 1 {
			return nil, newDecodeError("expected number to be 0 or 1, got %d", num)
		}
		val := reflect.ValueOf(num == 1).Convert(t)
		return &val, nil
	case reflect.Int64:
		num, err := r.readInt()
		if err != nil {
			return nil, err
		}
		val := reflect.ValueOf(num).Convert(t)
		return &val, nil
	case reflect.Uint8:
		num, err := r.readUint()
		if err != nil {
			return nil, err
		}
		if num > math.MaxUint8 {
			return nil, newDecodeError("expected number to be less than %d, got %d", math.MaxUint8, num)
		}
		val := reflect.ValueOf(uint8(num)).Convert(t)
		return &val, nil
	case reflect.Uint32:
		num, err := r.readUint()
		if err != nil {
			return nil, err
		}
		if num > math.MaxUint32 {
			return nil, newDecodeError("expected number to be less than %d, got %d", math.MaxUint32, num)
		}
		val := reflect.ValueOf(uint32(num)).Convert(t)
		return &val, nil
	case reflect.Uint64:
		num, err := r.readUint()
		if err != nil {
			return nil, err
		}
		val := reflect.ValueOf(num).Convert(t)
		return &val, nil
	case reflect.Int8:
		num, err := r.readInt()
		if err != nil {
			return nil, err
		}
		if num < math.MinInt8 || num > math.MaxInt8 {
			return nil, newDecodeError("expected number to be within %d and %d, got %d", math.MinInt8, math.MaxInt8, num)
		}
		val := reflect.ValueOf(int8(num)).Convert(t)
		return &val, nil
	case reflect.String:
		b, err := r.readBytes()
		if err != nil {
			return nil, err
		}
		val := reflect.ValueOf(string(b)).Convert(t)
		return &val, nil
	case reflect.Slice:
		if t.Elem().Kind() == reflect.Uint8 {
			b, err := r.readBytes()
			if err != nil {
				return nil, err
			}
			owned := make([]byte, len(b))
			copy(owned, b)
			val := reflect.ValueOf(owned).Convert(t)
			return &val, nil
		}
		return r.readList(t, depth)
	case reflect.Array:
		if t.Elem().Kind() == reflect.Uint8 {
			b, err := r.readBytes()
			if err != nil {
				return nil, err
			}
			if len(b) != t.Len() {
				return nil, newDecodeError("expected %d bytes, got %d", t.Len(), len(b))
			}
			val := reflect.New(t).Elem()
			reflect.Copy(val, reflect.ValueOf(b))
			return &val, nil
		}
		return r.readList(t, depth)
	case reflect.Struct:
		valPtr := reflect.New(t)
		if err := r.readStruct(valPtr, depth); err != nil {
			return nil, err
		}
		val := valPtr.Elem()
		return &val, nil
	case reflect.Map:
		if err := r.expectByte(dictStart); err != nil {
			return nil, err
		}
		keyType := t.Key()
		m := reflect.MakeMap(t)
		for {
			end, err := r.atEndMarker()
			if err != nil {
				return nil, err
			}
			if end {
				break
			}
			keyValue, err := r.readValue(keyType, depth+1)
			if err != nil {
				return nil, err
			}
			valValue, err := r.readValue(t.Elem(), depth+1)
			if err != nil {
				return nil, err
			}
			m.SetMapIndex(*keyValue, *valValue)
		}
		if err := r.expectByte(bencodeEnd); err != nil {
			return nil, err
		}
		return &m, nil
	case reflect.Pointer:
		out, err := r.readValue(t.Elem(), depth+1)
		if err != nil {
			return nil, err
		}
		v := reflect.New(t.Elem())
		v.Elem().Set(*out)
		return &v, nil

	default:
		return nil, newDecodeError("unhandled kind %v", t.Kind())
	}
}

func (r *reader) readStruct(ptr reflect.Value, depth int) error {
	if err := r.expectByte(dictStart); err != nil {
		return err
	}

	fields, names, err := structFields(ptr.Elem().Type())
	if err != nil {
		return newDecodeError("%s", err)
	}
	sort.Strings(names)
	structValue := ptr.Elem()
	for _, name := range names {
		f := fields[name]
		field := structValue.FieldByIndex(f.index)

		end, err := r.atEndMarker()
		if err != nil {
			return err
		}
		if end {
			if f.optional {
				continue
			}
			return newDecodeError("missing key for %s", name)
		}

		mark := r.pos
		buf, err := r.readBytes()
		if err != nil {
			return err
		}
		if string(buf) != name {
			if f.optional {
				r.pos = mark
				continue
			}
			return newDecodeError("missing key for %s got %s instead", name, buf)
		}
		val, err := r.readValue(f.field.Type, depth+1)
		if err != nil {
			return err
		}
		field.Set(*val)
	}

	return r.expectByte(bencodeEnd)
}
