package toolclient

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
)

// Canonicalize converts v into plain JSON data: nil, bool, string, int64,
// uint64, float64, json.Number, map[string]any and []any.
//
// Supported inputs are those kinds plus every integer and float kind, string
// keyed maps, slices and arrays, pointers and interfaces, json.RawMessage,
// json.Marshaler implementations and structs (through their encoding/json
// form). Values with no JSON form are dropped: functions, channels, complex
// numbers, unsafe pointers, nil pointers, NaN and infinities, and anything
// that fails to marshal. A dropped map entry is removed; a dropped sequence
// element becomes null. A value that refers back to itself returns
// ErrCyclicValue.
func Canonicalize(v any) (any, error) {
	out, _, err := canonicalize(reflect.ValueOf(v), make(map[uintptr]struct{}))
	return out, err
}

// CanonicalizeArgs canonicalizes a tool argument map. Nil input yields an
// empty map so the wire always carries an object.
func CanonicalizeArgs(args map[string]any) (map[string]any, error) {
	if args == nil {
		return map[string]any{}, nil
	}
	out, err := Canonicalize(args)
	if err != nil {
		return nil, err
	}
	m, _ := out.(map[string]any)
	if m == nil {
		m = map[string]any{}
	}
	return m, nil
}

var (
	marshalerType = reflect.TypeFor[json.Marshaler]()
	rawType       = reflect.TypeFor[json.RawMessage]()
	numberType    = reflect.TypeFor[json.Number]()
)

// canonicalize returns the canonical value and whether it should be kept.
// seen holds the addresses on the current path only, so shared but acyclic
// references are accepted.
func canonicalize(v reflect.Value, seen map[uintptr]struct{}) (any, bool, error) {
	if !v.IsValid() {
		return nil, true, nil
	}

	switch v.Type() {
	case rawType:
		return decodeJSON(v.Bytes(), seen)
	case numberType:
		n := json.Number(v.String())
		if _, err := n.Float64(); err != nil {
			return nil, false, nil
		}
		return n, true, nil
	}

	if v.Kind() != reflect.Pointer && v.Kind() != reflect.Interface && v.Type().Implements(marshalerType) {
		return marshalAndDecode(v, seen)
	}

	switch v.Kind() {
	case reflect.Interface:
		if v.IsNil() {
			return nil, true, nil
		}
		return canonicalize(v.Elem(), seen)

	case reflect.Pointer:
		if v.IsNil() {
			return nil, false, nil
		}
		ptr := v.Pointer()
		if _, ok := seen[ptr]; ok {
			return nil, false, ErrCyclicValue
		}
		seen[ptr] = struct{}{}
		defer delete(seen, ptr)
		if v.Type().Implements(marshalerType) {
			return marshalAndDecode(v, seen)
		}
		return canonicalize(v.Elem(), seen)

	case reflect.Bool:
		return v.Bool(), true, nil
	case reflect.String:
		return v.String(), true, nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int(), true, nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return v.Uint(), true, nil
	case reflect.Float32, reflect.Float64:
		f := v.Float()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, false, nil
		}
		return f, true, nil

	case reflect.Map:
		if v.Type().Key().Kind() != reflect.String {
			return nil, false, nil
		}
		if v.IsNil() {
			return nil, true, nil
		}
		ptr := v.Pointer()
		if _, ok := seen[ptr]; ok {
			return nil, false, ErrCyclicValue
		}
		seen[ptr] = struct{}{}
		defer delete(seen, ptr)

		out := make(map[string]any, v.Len())
		iter := v.MapRange()
		for iter.Next() {
			val, keep, err := canonicalize(iter.Value(), seen)
			if err != nil {
				return nil, false, fmt.Errorf("key %q: %w", iter.Key().String(), err)
			}
			if keep {
				out[iter.Key().String()] = val
			}
		}
		return out, true, nil

	case reflect.Slice:
		if v.IsNil() {
			return nil, true, nil
		}
		if v.Type().Elem().Kind() == reflect.Uint8 {
			// []byte marshals as base64 text.
			return marshalAndDecode(v, seen)
		}
		ptr := v.Pointer()
		if v.Len() > 0 {
			if _, ok := seen[ptr]; ok {
				return nil, false, ErrCyclicValue
			}
			seen[ptr] = struct{}{}
			defer delete(seen, ptr)
		}
		return canonicalizeSeq(v, seen)

	case reflect.Array:
		return canonicalizeSeq(v, seen)

	case reflect.Struct:
		return marshalAndDecode(v, seen)

	default:
		// Func, Chan, Complex64, Complex128, UnsafePointer.
		return nil, false, nil
	}
}

func canonicalizeSeq(v reflect.Value, seen map[uintptr]struct{}) (any, bool, error) {
	out := make([]any, v.Len())
	for i := range v.Len() {
		val, keep, err := canonicalize(v.Index(i), seen)
		if err != nil {
			return nil, false, fmt.Errorf("index %d: %w", i, err)
		}
		if keep {
			out[i] = val
		}
	}
	return out, true, nil
}

func marshalAndDecode(v reflect.Value, seen map[uintptr]struct{}) (any, bool, error) {
	data, err := json.Marshal(v.Interface())
	if err != nil {
		return nil, false, nil
	}
	return decodeJSON(data, seen)
}

func decodeJSON(data []byte, seen map[uintptr]struct{}) (any, bool, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, false, nil
	}
	return canonicalize(reflect.ValueOf(out), seen)
}
