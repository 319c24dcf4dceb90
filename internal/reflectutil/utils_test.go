package reflectutil

import (
	"math"
	"reflect"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type point struct {
	X int    `json:"x"`
	Y int    `json:"y"`
	L string `json:"label"`
}

func TestConvert(t *testing.T) {
	ts := "2022-05-01T10:00:00Z"
	want, _ := time.Parse(time.RFC3339, ts)

	tests := []struct {
		name string
		in   any
		to   reflect.Type
		want any
	}{
		{"same type", "a", reflect.TypeOf(""), "a"},
		{"float to int", float64(4), reflect.TypeOf(0), 4},
		{"nil to zero", nil, reflect.TypeOf(0), 0},
		{"object to struct", map[string]any{"x": float64(1), "y": float64(2), "label": "p"}, reflect.TypeOf(point{}), point{1, 2, "p"}},
		{"array to fixed array", []any{float64(5), float64(6)}, reflect.TypeOf([2]int{}), [2]int{5, 6}},
		{"array to slice", []any{"a", "b"}, reflect.TypeOf([]string{}), []string{"a", "b"}},
		{"text unmarshaler", ts, reflect.TypeOf(time.Time{}), want},
		{"any", map[string]any{"k": true}, reflect.TypeOf((*any)(nil)).Elem(), map[string]any{"k": true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := Convert(tt.in, tt.to)
			require.NoError(t, err)
			assert.Equal(t, tt.want, out.Interface())
		})
	}
}

func TestConvertPointer(t *testing.T) {
	out, err := Convert(map[string]any{"x": float64(3)}, reflect.TypeOf(&point{}))
	require.NoError(t, err)
	assert.Equal(t, &point{X: 3}, out.Interface())
}

func TestConvertErrors(t *testing.T) {
	_, err := Convert("five", reflect.TypeOf(0))
	assert.Error(t, err)

	_, err = Convert(map[string]any{"x": "nope"}, reflect.TypeOf(point{}))
	assert.Error(t, err)
}

func TestConvertIntegerLoss(t *testing.T) {
	tests := []struct {
		name string
		in   any
		to   reflect.Type
	}{
		{"fraction", 1.5, reflect.TypeOf(0)},
		{"uint8 overflow", float64(300), reflect.TypeOf(uint8(0))},
		{"int8 underflow", float64(-129), reflect.TypeOf(int8(0))},
		{"negative uint", float64(-1), reflect.TypeOf(uint(0))},
		{"beyond int64", 1e19, reflect.TypeOf(int64(0))},
		{"beyond uint64", 1e20, reflect.TypeOf(uint64(0))},
		{"nan", math.NaN(), reflect.TypeOf(0)},
		{"infinity", math.Inf(1), reflect.TypeOf(0)},
		{"struct field", map[string]any{"x": 2.5}, reflect.TypeOf(point{})},
		{"array element", []any{float64(1), float64(-1)}, reflect.TypeOf([2]uint{})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Convert(tt.in, tt.to)
			assert.Error(t, err)
		})
	}

	// Whole numbers at the edges of the range still convert
	out, err := Convert(float64(255), reflect.TypeOf(uint8(0)))
	require.NoError(t, err)
	assert.Equal(t, uint8(255), out.Interface())

	out, err = Convert(float64(-128), reflect.TypeOf(int8(0)))
	require.NoError(t, err)
	assert.Equal(t, int8(-128), out.Interface())

	out, err = Convert(2.5, reflect.TypeOf(float32(0)))
	require.NoError(t, err)
	assert.Equal(t, float32(2.5), out.Interface())
}

func TestAssign(t *testing.T) {
	var p point
	require.NoError(t, Assign(map[string]any{"y": float64(9)}, &p))
	assert.Equal(t, 9, p.Y)

	assert.Error(t, Assign(1, p))
}
