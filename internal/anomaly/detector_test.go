package anomaly

import (
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"windtwin-gateway/internal/config"
	"windtwin-gateway/internal/data"
)

func TestDetector_Check(t *testing.T) {
	d := NewDetector(map[string]config.Rule{
		"power":     {Min: 0, Max: 3000},
		"WindSpeed": {Min: 0, Max: 25},
		"ambient":   {Min: -30, Max: 45},
	}, zerolog.Nop())

	props := data.NewOrderedMap()
	require.NoError(t, json.Unmarshal([]byte(
		`{"TurbineID":"T1","WindSpeed":31.5,"Ambient":-6.2,"Power":-10,"Description":"OK"}`), props))

	got := d.Check(props)
	require.Len(t, got, 2)
	assert.Equal(t, Violation{Channel: "WindSpeed", Value: 31.5, Min: 0, Max: 25}, got[0])
	assert.Equal(t, Violation{Channel: "Power", Value: -10, Min: 0, Max: 3000}, got[1])
	assert.Equal(t, []string{"WindSpeed", "Power"}, d.OutOfRange(props))
	assert.Contains(t, got[0].String(), "outside range")
}

func TestDetector_NoRules(t *testing.T) {
	props := data.NewOrderedMap()
	props.Set("Power", 1e9)

	assert.Nil(t, NewDetector(nil, zerolog.Nop()).OutOfRange(props))

	var d *Detector
	assert.Nil(t, d.Check(props))
}

func TestDetector_SkipsNonNumeric(t *testing.T) {
	d := NewDetector(map[string]config.Rule{"power": {Min: 0, Max: 1}}, zerolog.Nop())
	props := data.NewOrderedMap()
	props.Set("Power", "lots")
	assert.Empty(t, d.Check(props))
}
