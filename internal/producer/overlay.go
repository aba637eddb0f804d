package producer

import "windtwin-gateway/internal/data"

// Alert overlay constants: fixed code and description, and per channel a
// base value plus a variance band.
const (
	AlertCode        = 400
	AlertDescription = "Light icing (rotor bl. ice sensor)"

	AlertWindBase      = 7.0
	AlertWindVariance  = 0.40
	AlertTempBase      = -6.0
	AlertTempVariance  = 1.0
	AlertRotorBase     = 1.4
	AlertRotorVariance = 0.10
	AlertPowerBase     = 200.0
	AlertPowerVariance = 45.0
)

// AlertOverlay copies frame and replaces the description, code and the four
// sensor channels with jittered alert values. rnd must return values in
// [0,1), like rand.Float64.
func AlertOverlay(frame data.TelemetryFrame, rnd func() float64) data.TelemetryFrame {
	out := frame
	out.EventCode = AlertCode
	out.Description = AlertDescription
	out.WindSpeed = band(AlertWindBase, AlertWindVariance, rnd)
	out.Temperature = band(AlertTempBase, AlertTempVariance, rnd)
	out.RotorSpeed = band(AlertRotorBase, AlertRotorVariance, rnd)
	out.Power = band(AlertPowerBase, AlertPowerVariance, rnd)
	return out
}

const maxBandDraws = 16

// band returns base + r*variance, redrawing r until the result lies strictly
// above base and below base+variance. After maxBandDraws misses it settles on
// the middle of the band.
func band(base, variance float64, rnd func() float64) float64 {
	for range maxBandDraws {
		v := base + rnd()*variance
		if v > base && v < base+variance {
			return v
		}
	}
	return base + variance/2
}
