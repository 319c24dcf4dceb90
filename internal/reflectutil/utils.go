/*
 *	wvbridge lets a host and an embedded script context call each other's functions.
 *	Copyright (C) 2022 Arsen Musayelyan
 *
 *	This program is free software: you can redistribute it and/or modify
 *	it under the terms of the GNU General Public License as published by
 *	the Free Software Foundation, either version 3 of the License, or
 *	(at your option) any later version.
 *
 *	This program is distributed in the hope that it will be useful,
 *	but WITHOUT ANY WARRANTY; without even the implied warranty of
 *	MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 *	GNU General Public License for more details.
 *
 *	You should have received a copy of the GNU General Public License
 *	along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

package reflectutil

import (
	"encoding"
	"fmt"
	"math"
	"reflect"

	"github.com/mitchellh/mapstructure"
)

// Convert converts a decoded JSON value (nil, bool, float64, string,
// []any or map[string]any) to the given type
func Convert(in any, toType reflect.Type) (reflect.Value, error) {
	// A missing value becomes the zero value of the desired type
	if in == nil {
		return reflect.Zero(toType), nil
	}

	inVal := reflect.ValueOf(in)
	inType := inVal.Type()

	// If input is already the desired type, return
	if inType == toType {
		return inVal, nil
	}

	// Interfaces the input satisfies can hold it directly
	if toType.Kind() == reflect.Interface && inType.Implements(toType) {
		out := reflect.New(toType).Elem()
		out.Set(inVal)
		return out, nil
	}

	// If the output type is a pointer, convert to the element
	// type and return a pointer to it
	if toType.Kind() == reflect.Ptr {
		elem, err := Convert(in, toType.Elem())
		if err != nil {
			return reflect.Value{}, err
		}
		ptr := reflect.New(toType.Elem())
		ptr.Elem().Set(elem)
		return ptr, nil
	}

	// Strings may carry text-encoded values such as time.Time
	if str, ok := in.(string); ok {
		if u, ok := reflect.New(toType).Interface().(encoding.TextUnmarshaler); ok {
			if err := u.UnmarshalText([]byte(str)); err != nil {
				return reflect.Value{}, err
			}
			return reflect.ValueOf(u).Elem(), nil
		}
	}

	// Scalars that are convertible (float64 -> int, string -> named string)
	if isScalar(inType.Kind()) && isScalar(toType.Kind()) && inVal.CanConvert(toType) {
		if inType.Kind() == reflect.String && toType.Kind() != reflect.String {
			return reflect.Value{}, fmt.Errorf("cannot convert %s to %s", inType, toType)
		}
		if err := checkInteger(inVal, toType); err != nil {
			return reflect.Value{}, err
		}
		return inVal.Convert(toType), nil
	}

	// Create new value of desired type
	to := reflect.New(toType)

	// Use mapstructure for objects and arrays
	hook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.TextUnmarshallerHookFunc(),
		integerHook,
	)
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		Result:           to.Interface(),
		WeaklyTypedInput: false,
		DecodeHook:       hook,
	})
	if err != nil {
		return reflect.Value{}, err
	}

	if err := decoder.Decode(in); err != nil {
		return reflect.Value{}, fmt.Errorf("cannot convert %s to %s: %w", inType, toType, err)
	}

	return to.Elem(), nil
}

// Assign converts in and stores the result in the value
// ptr points to
func Assign(in any, ptr any) error {
	ptrVal := reflect.ValueOf(ptr)
	if ptrVal.Kind() != reflect.Ptr || ptrVal.IsNil() {
		return fmt.Errorf("cannot assign to non-pointer %T", ptr)
	}

	val, err := Convert(in, ptrVal.Type().Elem())
	if err != nil {
		return err
	}

	ptrVal.Elem().Set(val)
	return nil
}

func isScalar(k reflect.Kind) bool {
	switch k {
	case reflect.Bool, reflect.String,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}

// integerHook applies checkInteger to numbers mapstructure
// decodes into struct fields and elements
func integerHook(from, to reflect.Type, data any) (any, error) {
	if err := checkInteger(reflect.ValueOf(data), to); err != nil {
		return nil, err
	}
	return data, nil
}

// checkInteger returns an error if the float in v can't be stored in
// an integer of type to without losing information. Values that
// aren't floats, or targets that aren't integers, always pass.
func checkInteger(v reflect.Value, to reflect.Type) error {
	if !v.IsValid() {
		return nil
	}

	switch v.Kind() {
	case reflect.Float32, reflect.Float64:
	default:
		return nil
	}

	f := v.Float()
	out := reflect.New(to).Elem()

	switch to.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if err := checkWhole(f, to); err != nil {
			return err
		}
		// 2^63 is the first float64 outside the int64 range
		if f < math.MinInt64 || f >= 1<<63 || out.OverflowInt(int64(f)) {
			return fmt.Errorf("cannot convert %v to %s: out of range", f, to)
		}
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		if err := checkWhole(f, to); err != nil {
			return err
		}
		if f < 0 || f >= 1<<64 || out.OverflowUint(uint64(f)) {
			return fmt.Errorf("cannot convert %v to %s: out of range", f, to)
		}
	}

	return nil
}

func checkWhole(f float64, to reflect.Type) error {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("cannot convert %v to %s", f, to)
	}
	if f != math.Trunc(f) {
		return fmt.Errorf("cannot convert %v to %s: not a whole number", f, to)
	}
	return nil
}
