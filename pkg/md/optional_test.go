package md

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOptionalFloatMarshal(t *testing.T) {
	tests := []struct {
		name string
		in   OptionalFloat
		want string
	}{
		{"number", Value(378.4), "378.4"},
		{"integer number", Value(12500), "12500"},
		{"dash sentinel", Dash(), `"-"`},
		{"absent", Absent(), "null"},
		{"zero value is absent", OptionalFloat{}, "null"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(data))
		})
	}
}

func TestOptionalFloatRoundTrip(t *testing.T) {
	// All three forms must come back as themselves, not coerced.
	for _, in := range []OptionalFloat{Value(10.5), Dash(), Absent()} {
		data, err := json.Marshal(in)
		require.NoError(t, err)

		var out OptionalFloat
		require.NoError(t, json.Unmarshal(data, &out))
		assert.Equal(t, in, out)
	}
}

func TestOptionalFloatUnmarshal(t *testing.T) {
	var o OptionalFloat

	require.NoError(t, json.Unmarshal([]byte("42.5"), &o))
	v, ok := o.Float64()
	assert.True(t, ok)
	assert.Equal(t, 42.5, v)

	require.NoError(t, json.Unmarshal([]byte(`"-"`), &o))
	assert.False(t, o.IsNumber())
	assert.False(t, o.IsAbsent())
	assert.Equal(t, "-", o.String())

	require.NoError(t, json.Unmarshal([]byte("null"), &o))
	assert.True(t, o.IsAbsent())

	assert.Error(t, json.Unmarshal([]byte("[1]"), &o))
}

func TestOptionalFloatFloat64Or(t *testing.T) {
	assert.Equal(t, 7.0, Value(7).Float64Or(0))
	assert.Equal(t, 0.0, Dash().Float64Or(0))
	assert.Equal(t, 0.0, Absent().Float64Or(0))
}
