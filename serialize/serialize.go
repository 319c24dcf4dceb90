// Package serialize encodes values crossing the bridge as JSON.
//
// Values produced by host functions may contain reference cycles,
// which encoding/json refuses to encode. CircularSafe falls back to
// reducing such values to plain JSON data, dropping every reference
// that was already visited, so that emitting a response can not fail
// because of the shape of the payload.
package serialize

import (
	"encoding"
	"encoding/json"
	"math"
	"reflect"
	"strconv"
	"strings"
)

// Serializer encodes a value to JSON
type Serializer interface {
	Marshal(v any) ([]byte, error)
}

// Func adapts an ordinary function to a Serializer
type Func func(v any) ([]byte, error)

// Marshal calls f(v)
func (f Func) Marshal(v any) ([]byte, error) {
	return f(v)
}

var (
	// Strict is plain encoding/json
	Strict Serializer = Func(json.Marshal)
	// CircularSafe drops repeated references when v can't be encoded as is
	CircularSafe Serializer = Func(Marshal)
)

// Marshal encodes v as JSON. If encoding/json fails, v is reduced
// with Sanitize and encoded again.
func Marshal(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err == nil {
		return data, nil
	}
	return json.Marshal(Sanitize(v))
}

type seenKey struct {
	ptr uintptr
	typ reflect.Type
	len int
}

// Sanitize converts v into a tree of JSON-compatible values
// (nil, bool, numbers, string, []any, map[string]any and
// json.RawMessage). Pointers, maps and slices that have already
// been visited are omitted, as are values JSON can't represent,
// such as channels and functions.
func Sanitize(v any) any {
	s := sanitizer{seen: map[seenKey]struct{}{}}
	out, _ := s.walk(reflect.ValueOf(v))
	return out
}

type sanitizer struct {
	seen map[seenKey]struct{}
}

var (
	marshalerType     = reflect.TypeOf((*json.Marshaler)(nil)).Elem()
	textMarshalerType = reflect.TypeOf((*encoding.TextMarshaler)(nil)).Elem()
)

// visit marks a reference as seen, returning false if it
// already was
func (s sanitizer) visit(v reflect.Value) bool {
	key := seenKey{ptr: v.Pointer(), typ: v.Type()}
	if v.Kind() == reflect.Slice {
		key.len = v.Len()
	}
	if _, ok := s.seen[key]; ok {
		return false
	}
	s.seen[key] = struct{}{}
	return true
}

// walk returns the sanitized value and whether it should be kept
func (s sanitizer) walk(v reflect.Value) (any, bool) {
	if !v.IsValid() {
		return nil, true
	}

	if out, ok := s.marshaled(v); ok {
		return out, true
	}

	switch v.Kind() {
	case reflect.Interface:
		if v.IsNil() {
			return nil, true
		}
		return s.walk(v.Elem())
	case reflect.Ptr:
		if v.IsNil() {
			return nil, true
		}
		if !s.visit(v) {
			return nil, false
		}
		return s.walk(v.Elem())
	case reflect.Map:
		if v.IsNil() {
			return nil, true
		}
		if !s.visit(v) {
			return nil, false
		}
		out := make(map[string]any, v.Len())
		iter := v.MapRange()
		for iter.Next() {
			key, ok := mapKey(iter.Key())
			if !ok {
				continue
			}
			if val, keep := s.walk(iter.Value()); keep {
				out[key] = val
			}
		}
		return out, true
	case reflect.Slice:
		if v.IsNil() {
			return nil, true
		}
		if v.Type().Elem().Kind() == reflect.Uint8 {
			return v.Bytes(), true
		}
		if v.Len() > 0 && !s.visit(v) {
			return nil, false
		}
		return s.list(v), true
	case reflect.Array:
		return s.list(v), true
	case reflect.Struct:
		out := map[string]any{}
		s.fields(v, out)
		return out, true
	case reflect.Float32, reflect.Float64:
		f := v.Float()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, true
		}
		return f, true
	case reflect.Bool:
		return v.Bool(), true
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int(), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return v.Uint(), true
	case reflect.String:
		return v.String(), true
	default:
		// Channels, functions, complex numbers and unsafe pointers
		return nil, false
	}
}

// marshaled handles values that know how to encode themselves
func (s sanitizer) marshaled(v reflect.Value) (any, bool) {
	if v.Kind() == reflect.Ptr && v.IsNil() || !v.CanInterface() {
		return nil, false
	}

	switch {
	case v.Type().Implements(marshalerType):
		data, err := json.Marshal(v.Interface())
		if err != nil {
			return nil, false
		}
		return json.RawMessage(data), true
	case v.Type().Implements(textMarshalerType):
		text, err := v.Interface().(encoding.TextMarshaler).MarshalText()
		if err != nil {
			return nil, false
		}
		return string(text), true
	}

	return nil, false
}

func (s sanitizer) list(v reflect.Value) []any {
	out := make([]any, v.Len())
	for i := 0; i < v.Len(); i++ {
		// Omitted array elements become null, like JSON.stringify
		out[i], _ = s.walk(v.Index(i))
	}
	return out
}

func (s sanitizer) fields(v reflect.Value, out map[string]any) {
	typ := v.Type()
	for i := 0; i < typ.NumField(); i++ {
		field := typ.Field(i)
		name, opts := parseTag(field.Tag.Get("json"))
		if name == "-" && opts == "" {
			continue
		}

		fv := v.Field(i)

		// Promote fields of untagged embedded structs
		if field.Anonymous && name == "" {
			ft := field.Type
			if ft.Kind() == reflect.Ptr {
				if fv.IsNil() {
					continue
				}
				fv = fv.Elem()
				ft = ft.Elem()
			}
			if ft.Kind() == reflect.Struct {
				s.fields(fv, out)
				continue
			}
		}

		if !field.IsExported() {
			continue
		}

		if name == "" {
			name = field.Name
		}

		if strings.Contains(opts, "omitempty") && isEmpty(fv) {
			continue
		}

		if val, keep := s.walk(fv); keep {
			out[name] = val
		}
	}
}

func parseTag(tag string) (string, string) {
	name, opts, _ := strings.Cut(tag, ",")
	return name, opts
}

func mapKey(k reflect.Value) (string, bool) {
	if k.Kind() == reflect.String {
		return k.String(), true
	}
	if !k.CanInterface() {
		return "", false
	}
	if tm, ok := k.Interface().(encoding.TextMarshaler); ok {
		text, err := tm.MarshalText()
		return string(text), err == nil
	}
	switch k.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(k.Int(), 10), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return strconv.FormatUint(k.Uint(), 10), true
	}
	return "", false
}

func isEmpty(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Array, reflect.Map, reflect.Slice, reflect.String:
		return v.Len() == 0
	case reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64,
		reflect.Interface, reflect.Ptr:
		return v.IsZero()
	}
	return false
}
