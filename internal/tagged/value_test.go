package tagged

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromRaw(t *testing.T) {
	v := FromRaw(`{"status":"ok"}`)
	status, ok := v.Field("status").AsString()
	require.True(t, ok)
	assert.Equal(t, "ok", status)

	v = FromRaw("plain text")
	s, ok := v.AsString()
	require.True(t, ok)
	assert.Equal(t, "plain text", s)

	v = FromRaw(`[1, 2, 3]`)
	arr, ok := v.AsArray()
	require.True(t, ok)
	assert.Len(t, arr, 3)
}

func TestTruthy(t *testing.T) {
	assert.False(t, Null().Truthy())
	assert.False(t, Bool(false).Truthy())
	assert.True(t, Bool(true).Truthy())
	assert.False(t, Number(0).Truthy())
	assert.True(t, Number(1).Truthy())
	assert.False(t, String("").Truthy())
	assert.True(t, String("x").Truthy())
	assert.False(t, Array(nil).Truthy())
	assert.False(t, Object(nil).Truthy())
}

func TestJSONRoundTrip(t *testing.T) {
	orig := Object(map[string]Value{
		"name":  String("agent"),
		"count": Number(3),
		"ok":    Bool(true),
		"tags":  Array([]Value{String("a"), String("b")}),
	})
	data, err := json.Marshal(orig)
	require.NoError(t, err)

	var decoded Value
	require.NoError(t, json.Unmarshal(data, &decoded))

	name, _ := decoded.Field("name").AsString()
	assert.Equal(t, "agent", name)
	count, _ := decoded.Field("count").AsNumber()
	assert.Equal(t, float64(3), count)
}

func TestDeepMerge(t *testing.T) {
	dst := Object(map[string]Value{
		"a": Number(1),
		"nested": Object(map[string]Value{
			"x": String("old"),
			"y": Number(10),
		}),
	})
	src := Object(map[string]Value{
		"b": Number(2),
		"nested": Object(map[string]Value{
			"x": String("new"),
		}),
	})

	merged := DeepMerge(dst, src)
	a, _ := merged.Field("a").AsNumber()
	b, _ := merged.Field("b").AsNumber()
	assert.Equal(t, float64(1), a)
	assert.Equal(t, float64(2), b)

	x, _ := merged.Field("nested").Field("x").AsString()
	y, _ := merged.Field("nested").Field("y").AsNumber()
	assert.Equal(t, "new", x)
	assert.Equal(t, float64(10), y, "keys absent from src's nested object must survive the merge")
}

func TestDeepMerge_NonObjectReplacesWholesale(t *testing.T) {
	dst := Array([]Value{String("old")})
	src := Array([]Value{String("new1"), String("new2")})
	merged := DeepMerge(dst, src)
	arr, ok := merged.AsArray()
	require.True(t, ok)
	assert.Len(t, arr, 2)
}
