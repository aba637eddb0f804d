package data

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrderedMap_PreservesDocumentOrder(t *testing.T) {
	raw := `{"TurbineID":"T1","Code":400,"Power":212.5,"Ok":false,"Meta":{"b":1,"a":2},"Tags":["x",1],"Empty":null}`

	m := NewOrderedMap()
	require.NoError(t, json.Unmarshal([]byte(raw), m))

	assert.Equal(t, []string{"TurbineID", "Code", "Power", "Ok", "Meta", "Tags", "Empty"}, m.Keys())
	assert.Equal(t, "T1", m.String("TurbineID"))
	assert.Equal(t, "400", m.String("Code"))

	code, ok := m.Get("Code")
	require.True(t, ok)
	assert.Equal(t, json.Number("400"), code)

	nested, ok := m.Get("Meta")
	require.True(t, ok)
	assert.Equal(t, []string{"b", "a"}, nested.(*OrderedMap).Keys())

	out, err := json.Marshal(m)
	require.NoError(t, err)
	assert.Equal(t, raw, string(out))
}

func TestOrderedMap_SetKeepsFirstPosition(t *testing.T) {
	m := NewOrderedMap()
	m.Set("a", 1)
	m.Set("b", 2)
	m.Set("a", 3)

	assert.Equal(t, []string{"a", "b"}, m.Keys())
	v, _ := m.Get("a")
	assert.Equal(t, 3, v)
	assert.Equal(t, 2, m.Len())
}

func TestOrderedMap_RejectsNonObject(t *testing.T) {
	m := NewOrderedMap()
	err := json.Unmarshal([]byte(`[1,2]`), m)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrParse))
}

func TestOrderedMap_NilIsSafe(t *testing.T) {
	var m *OrderedMap
	assert.Equal(t, 0, m.Len())
	assert.Empty(t, m.String("x"))
	out, err := m.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, "{}", string(out))
}
