package bencode

import (
	"bytes"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strconv"
)

type sortedValues []reflect.Value

func (s sortedValues) Len() int      { return len(s) }
func (s sortedValues) Swap(i, j int) { s[i], s[j] = s[j], s[i] }
func (s sortedValues) Less(i, j int) bool {
	switch s[i].Type().Kind() {
	case reflect.Array:
		switch s[i].Type().Elem().Kind() {
		case reflect.Uint8:
			l := s[i].Len()
			for x := 0; x != l; x++ {
				ei := s[i].Index(x).Uint()
				ej := s[j].Index(x).Uint()
				if ei < ej {
					return true
				} else if ei > ej {
					return false
				}
			}
			return false
		default:
			panic(fmt.Sprintf("cannot sort a elem type of %#v", s[i].Type().Elem().Kind()))
		}
	case reflect.String:
		return s[i].String() < s[j].String()
	case reflect.Uint64:
		return s[i].Uint() < s[j].Uint()
	default:
		panic(fmt.Sprintf("cannot sort a type of %#v", s[i].Type().Kind()))
	}
}

// Serialize a ptr to a bencode-encoded byte-slice.
func Serialize(s interface{}) ([]byte, error) {
	w := newWriter()
	val := reflect.ValueOf(s)
	if val.Kind() != reflect.Pointer || val.IsNil() {
		return nil, fmt.Errorf("bencode: expected non-nil pointer, got %T", s)
	}
	if err := w.writeValue(val.Elem()); err != nil {
		return nil, err
	}
	return w.buf.Bytes(), nil
}

type writer struct {
	buf bytes.Buffer
}

func newWriter() writer {
	return writer{}
}

func (w *writer) writeByte(b byte) error {
	return w.buf.WriteByte(b)
}

func (w *writer) writeBytes(b []byte) error {
	if _, err := w.buf.WriteString(strconv.Itoa(len(b))); err != nil {
		return err
	}
	if err := w.buf.WriteByte(bytesLengthSep); err != nil {
		return err
	}
	if _, err := w.buf.Write(b); err != nil {
		return err
	}
	return nil
}

func (w *writer) writeSignedNumber(n int64) error {
	if err := w.buf.WriteByte(numberStart); err != nil {
		return err
	}
	if _, err := w.buf.WriteString(strconv.FormatInt(n, 10)); err != nil {
		return err
	}
	return w.writeByte(bencodeEnd)
}

func (w *writer) writeUnsignedNumber(n uint64) error {
	if err := w.buf.WriteByte(numberStart); err != nil {
		return err
	}
	if _, err := w.buf.WriteString(strconv.FormatUint(n, 10)); err != nil {
		return err
	}
	return w.writeByte(bencodeEnd)
}

func (w *writer) writeValue(v reflect.Value) error {
	switch v.Kind() {
	case reflect.Bool:
		if v.Bool() {
			return w.writeUnsignedNumber(1)
		}
		return w.writeUnsignedNumber(0)
	case reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64, reflect.Int:
		return w.writeSignedNumber(v.Int())
	case reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uint:
		return w.writeUnsignedNumber(v.Uint())
	case reflect.Array, reflect.Slice:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			b := make([]byte, v.Len())
			reflect.Copy(reflect.ValueOf(b), v)
			return w.writeBytes(b)
		}
		return w.writeList(v)
	case reflect.String:
		return w.writeBytes([]byte(v.String()))
	case reflect.Struct:
		return w.writeStruct(v)
	case reflect.Map:
		return w.writeDict(v)
	case reflect.Pointer:
		if v.IsNil() {
			return errors.New("bencode: cannot encode nil pointer without omitempty")
		}
		return w.writeValue(v.Elem())
	default:
		return fmt.Errorf("bencode: unsupported type %s", v.Type())
	}
}

func (w *writer) writeList(v reflect.Value) error {
	if err := w.writeByte(listStart); err != nil {
		return err
	}
	for i := 0; i != v.Len(); i++ {
		if err := w.writeValue(v.Index(i)); err != nil {
			return err
		}
	}
	return w.writeByte(bencodeEnd)
}

// writeDict writes map entries ordered by key so equal maps always encode the same way.
func (w *writer) writeDict(v reflect.Value) error {
	if err := w.writeByte(dictStart); err != nil {
		return err
	}
	keys := v.MapKeys()
	sort.Sort(sortedValues(keys))
	for _, k := range keys {
		if err := w.writeValue(k); err != nil {
			return err
		}
		if err := w.writeValue(v.MapIndex(k)); err != nil {
			return err
		}
	}
	return w.writeByte(bencodeEnd)
}

func (w *writer) writeStruct(v reflect.Value) error {
	fields, names, err := structFields(v.Type())
	if err != nil {
		return err
	}
	if err := w.writeByte(dictStart); err != nil {
		return err
	}
	sort.Strings(names)
	for _, name := range names {
		f := fields[name]
		field := v.FieldByIndex(f.index)
		if f.optional && isEmpty(field) {
			continue
		}
		if err := w.writeBytes([]byte(name)); err != nil {
			return err
		}
		if err := w.writeValue(field); err != nil {
			return err
		}
	}
	return w.writeByte(bencodeEnd)
}

func isEmpty(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Pointer, reflect.Interface:
		return v.IsNil()
	case reflect.Slice, reflect.Map, reflect.String:
		return v.Len() == 0
	default:
		return v.IsZero()
	}
}
