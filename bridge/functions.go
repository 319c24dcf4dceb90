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

package bridge

import (
	"context"
	"fmt"
	"reflect"

	"go.arsenm.dev/wvbridge/internal/reflectutil"
)

// Function is a host function callable from the embedded context.
// arg is the decoded JSON argument: nil, bool, float64, string,
// []any or map[string]any.
type Function func(ctx context.Context, arg any) (any, error)

// Functions maps function names to host functions
type Functions map[string]Function

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
)

// FuncOf converts a Go function to a Function. The function may
// take an optional leading context.Context and at most one more
// argument, and may return a value, an error, or a value and an
// error. The argument is converted from its JSON form to the
// parameter type.
func FuncOf(fn any) (Function, error) {
	switch f := fn.(type) {
	case Function:
		return f, nil
	case func(context.Context, any) (any, error):
		return f, nil
	}

	// Get reflect value of fn
	fnVal := reflect.ValueOf(fn)
	if fnVal.Kind() != reflect.Func || fnVal.IsNil() {
		return nil, fmt.Errorf("%w: %T is not a function", ErrInvalidFunction, fn)
	}

	// Get function type
	fnType := fnVal.Type()
	if fnType.IsVariadic() {
		return nil, fmt.Errorf("%w: variadic functions are not supported", ErrInvalidFunction)
	}

	// Check whether the first parameter is a context
	numIn := fnType.NumIn()
	hasCtx := numIn > 0 && fnType.In(0) == contextType
	if hasCtx {
		numIn--
	}

	// At most one argument may follow the context
	if numIn > 1 {
		return nil, fmt.Errorf("%w: %s takes more than one argument", ErrInvalidFunction, fnType)
	}

	var argType reflect.Type
	if numIn == 1 {
		argType = fnType.In(fnType.NumIn() - 1)
	}

	// If function has more than 2 outputs, it is invalid
	numOut := fnType.NumOut()
	if numOut > 2 {
		return nil, fmt.Errorf("%w: %s returns more than two values", ErrInvalidFunction, fnType)
	}

	// If function has 2 outputs, ensure the second one is an error
	if numOut == 2 && fnType.Out(1) != errorType {
		return nil, fmt.Errorf("%w: second return value of %s is not an error", ErrInvalidFunction, fnType)
	}

	return func(ctx context.Context, arg any) (any, error) {
		in := make([]reflect.Value, 0, 2)
		if hasCtx {
			in = append(in, reflect.ValueOf(ctx))
		}

		if argType == nil {
			// Return error if argument provided but isn't expected
			if arg != nil {
				return nil, ErrUnexpectedArgument
			}
		} else {
			// Convert argument to the function's parameter type
			argVal, err := reflectutil.Convert(arg, argType)
			if err != nil {
				return nil, err
			}
			in = append(in, argVal)
		}

		out := fnVal.Call(in)

		switch numOut {
		case 1:
			// A single error return value
			if fnType.Out(0) == errorType {
				return nil, asError(out[0])
			}
			return out[0].Interface(), nil
		case 2:
			if err := asError(out[1]); err != nil {
				return nil, err
			}
			return out[0].Interface(), nil
		}

		return nil, nil
	}, nil
}

func asError(v reflect.Value) error {
	if v.IsNil() {
		return nil
	}
	return v.Interface().(error)
}
