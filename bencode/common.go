// This package defines (yet another) bencode encoding/decoding library. What is special about this
// approach is it uses tags for mapping struct fields to bencode properties. As well, it has support for fixed-byte array
// map keys.
//
// The serialization/deseriazation functions expect to be annotated with `bencode:".."` tags in the structs they serialize/deserialize to.
// Pointer, slice and map fields may be tagged `bencode:"x,omitempty"`, in which case a nil value is left out of the
// encoding and a missing key decodes to nil.
package bencode

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
)

const (
	numberStart    = 0x69
	dictStart      = 0x64
	listStart      = 0x6c
	bencodeEnd     = 0x65
	bytesLengthSep = 0x3a
)

type taggedField struct {
	field    reflect.StructField
	index    []int
	optional bool
}

func structFields(ty reflect.Type) (map[string]taggedField, []string, error) {
	fields := make(map[string]taggedField)
	names := make([]string, 0, ty.NumField())
	for i := 0; i != ty.NumField(); i++ {
		f := ty.Field(i)
		if !f.IsExported() {
			continue
		}
		tag := f.Tag.Get("bencode")
		if tag == "" {
			return nil, nil, errors.New("expected bencode tag")
		}
		name, opts, _ := strings.Cut(tag, ",")
		optional := opts == "omitempty"
		if optional {
			switch f.Type.Kind() {
			case reflect.Pointer, reflect.Slice, reflect.Map:
			default:
				return nil, nil, fmt.Errorf("omitempty on %s requires a pointer, slice or map", f.Name)
			}
		}
		if _, ok := fields[name]; ok {
			return nil, nil, fmt.Errorf("duplicate bencode key %s", name)
		}
		fields[name] = taggedField{field: f, index: f.Index, optional: optional}
		names = append(names, name)
	}
	return fields, names, nil
}
