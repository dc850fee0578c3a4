package document

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromNative_Numbers(t *testing.T) {
	v, err := FromNative(json.Number("5"))
	require.NoError(t, err)
	assert.Equal(t, Int(5), v)

	v, err = FromNative(json.Number("5.0"))
	require.NoError(t, err)
	assert.Equal(t, Double(5), v)

	v, err = FromNative(3.25)
	require.NoError(t, err)
	assert.Equal(t, Double(3.25), v)

	v, err = FromNative(int64(-7))
	require.NoError(t, err)
	assert.Equal(t, Int(-7), v)
}

func TestFromNative_Nested(t *testing.T) {
	v, err := FromNative(map[string]any{
		"name": "ada",
		"tags": []any{"a", "b"},
		"n":    nil,
		"ok":   true,
	})
	require.NoError(t, err)

	obj, ok := v.(Object)
	require.True(t, ok)
	assert.Equal(t, String("ada"), obj["name"])
	assert.Equal(t, Array{String("a"), String("b")}, obj["tags"])
	assert.Equal(t, Null{}, obj["n"])
	assert.Equal(t, Bool(true), obj["ok"])
}

func TestFromNative_Extensions(t *testing.T) {
	when := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	v, err := FromNative(map[string]any{"$date": when.Format(time.RFC3339Nano)})
	require.NoError(t, err)
	dt, ok := v.(DateTime)
	require.True(t, ok)
	assert.True(t, when.Equal(dt.Time()))

	v, err = FromNative(when)
	require.NoError(t, err)
	_, ok = v.(DateTime)
	assert.True(t, ok)

	v, err = FromNative([]byte{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, Binary{1, 2, 3}, v)
}

func TestFromNative_Unsupported(t *testing.T) {
	_, err := FromNative(make(chan int))
	assert.Error(t, err)
}

func TestMarshalRoundTrip(t *testing.T) {
	doc := Object{
		"a": Int(1),
		"b": Double(2.5),
		"c": Array{Null{}, Bool(false), String("x")},
		"d": Object{"nested": Int(9)},
	}

	data, err := Marshal(doc)
	require.NoError(t, err)

	back, err := Unmarshal(data)
	require.NoError(t, err)
	assert.True(t, Equal(doc, back), "round trip changed the document")
}

func TestMarshal_DateAndBinary(t *testing.T) {
	when := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	doc := Object{
		"at":  DateTime(when),
		"bin": Binary{0xde, 0xad},
	}

	data, err := Marshal(doc)
	require.NoError(t, err)

	back, err := Unmarshal(data)
	require.NoError(t, err)
	obj := back.(Object)

	dt, ok := obj["at"].(DateTime)
	require.True(t, ok, "$date extension did not round trip")
	assert.True(t, when.Equal(dt.Time()))

	bin, ok := obj["bin"].(Binary)
	require.True(t, ok, "$binary extension did not round trip")
	assert.Equal(t, Binary{0xde, 0xad}, bin)
}

func TestMarshal_RejectsNonFinite(t *testing.T) {
	_, err := Marshal(Object{"x": Double(nan())})
	assert.Error(t, err)
}

func nan() float64 {
	zero := 0.0
	return zero / zero
}

func TestCompare_CrossType(t *testing.T) {
	// null < numbers < strings < objects < arrays < binary < booleans < dates
	ordered := []Value{
		Null{},
		Int(5),
		String("a"),
		Object{"k": Int(1)},
		Array{Int(1)},
		Binary{1},
		Bool(false),
		DateTime(time.Unix(0, 0)),
	}
	for i := 0; i < len(ordered)-1; i++ {
		assert.Equal(t, -1, Compare(ordered[i], ordered[i+1]),
			"expected %T < %T", ordered[i], ordered[i+1])
	}
}

func TestCompare_Numeric(t *testing.T) {
	assert.Equal(t, 0, Compare(Int(5), Double(5.0)))
	assert.Equal(t, -1, Compare(Int(4), Double(4.5)))
	assert.Equal(t, 1, Compare(Double(10), Int(9)))
	assert.True(t, Equal(Int(5), Double(5)))
}

func TestCompare_Structured(t *testing.T) {
	assert.Equal(t, 0, Compare(Array{Int(1), Int(2)}, Array{Int(1), Int(2)}))
	assert.Equal(t, -1, Compare(Array{Int(1)}, Array{Int(1), Int(0)}))
	assert.Equal(t, 0, Compare(Object{"a": Int(1), "b": Int(2)}, Object{"b": Int(2), "a": Int(1)}))
	assert.Equal(t, -1, Compare(Object{"a": Int(1)}, Object{"b": Int(1)}))
}

func TestIsTruthy(t *testing.T) {
	assert.False(t, IsTruthy(Null{}))
	assert.False(t, IsTruthy(nil))
	assert.False(t, IsTruthy(Int(0)))
	assert.False(t, IsTruthy(Double(0)))
	assert.False(t, IsTruthy(Bool(false)))
	assert.True(t, IsTruthy(String("")))
	assert.True(t, IsTruthy(Array{}))
	assert.True(t, IsTruthy(Object{}))
	assert.True(t, IsTruthy(Int(-1)))
}

func TestToNative(t *testing.T) {
	doc := Object{"a": Int(1), "b": Array{String("x")}}
	native := ToNative(doc)

	m, ok := native.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, int64(1), m["a"])
	assert.Equal(t, []any{"x"}, m["b"])
}
