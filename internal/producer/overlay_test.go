package producer

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"

	"windtwin-gateway/internal/data"
)

func TestAlertOverlay_StaysInBandForAllSeeds(t *testing.T) {
	base := data.TelemetryFrame{
		DeviceID:     "T1",
		TimeInterval: "08:00",
		EventCode:    0,
		Description:  "OK",
		WindSpeed:    6.0,
		Temperature:  10.0,
		RotorSpeed:   12.0,
		Power:        150.0,
	}

	for seed := uint64(0); seed < 500; seed++ {
		rnd := rand.New(rand.NewPCG(seed, seed*31+7))
		out := AlertOverlay(base, rnd.Float64)

		assert.Equal(t, AlertCode, out.EventCode)
		assert.Equal(t, AlertDescription, out.Description)
		assert.Equal(t, "T1", out.DeviceID)
		assert.Equal(t, "08:00", out.TimeInterval)

		inBand(t, out.WindSpeed, AlertWindBase, AlertWindVariance)
		inBand(t, out.Temperature, AlertTempBase, AlertTempVariance)
		inBand(t, out.RotorSpeed, AlertRotorBase, AlertRotorVariance)
		inBand(t, out.Power, AlertPowerBase, AlertPowerVariance)
	}

	assert.Equal(t, 6.0, base.WindSpeed, "input frame untouched")
}

func TestAlertOverlay_RedrawsDegenerateValues(t *testing.T) {
	draws := []float64{0, 0.5, 0, 0.25, 0.999, 0.75, 0, 0.1}
	i := 0
	rnd := func() float64 {
		v := draws[i]
		i++
		return v
	}

	out := AlertOverlay(data.TelemetryFrame{}, rnd)
	assert.InDelta(t, AlertWindBase+0.5*AlertWindVariance, out.WindSpeed, 1e-9)
	assert.InDelta(t, AlertTempBase+0.25*AlertTempVariance, out.Temperature, 1e-9)
	assert.InDelta(t, AlertRotorBase+0.999*AlertRotorVariance, out.RotorSpeed, 1e-9)
	assert.InDelta(t, AlertPowerBase+0.75*AlertPowerVariance, out.Power, 1e-9)
	assert.Equal(t, 6, i, "unused draws remain")
}

func TestAlertOverlay_StuckSourceSettlesMidBand(t *testing.T) {
	draws := 0
	out := AlertOverlay(data.TelemetryFrame{}, func() float64 {
		draws++
		return 0
	})

	assert.InDelta(t, AlertWindBase+AlertWindVariance/2, out.WindSpeed, 1e-9)
	assert.InDelta(t, AlertTempBase+AlertTempVariance/2, out.Temperature, 1e-9)
	assert.InDelta(t, AlertRotorBase+AlertRotorVariance/2, out.RotorSpeed, 1e-9)
	assert.InDelta(t, AlertPowerBase+AlertPowerVariance/2, out.Power, 1e-9)
	assert.Equal(t, 4*maxBandDraws, draws)
}

func inBand(t *testing.T, v, base, variance float64) {
	t.Helper()
	assert.Greater(t, v, base)
	assert.Less(t, v, base+variance)
}
