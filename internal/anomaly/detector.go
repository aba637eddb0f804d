// internal/anomaly/detector.go
package anomaly

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"windtwin-gateway/internal/config"
	"windtwin-gateway/internal/data"
)

// Violation is one telemetry channel outside its configured range.
type Violation struct {
	Channel string
	Value   float64
	Min     float64
	Max     float64
}

func (v Violation) String() string {
	return fmt.Sprintf("%s value %.2f is outside range [%.2f, %.2f]", v.Channel, v.Value, v.Min, v.Max)
}

// Detector classifies telemetry channels against per-channel [min, max]
// rules. Channel names match case-insensitively.
type Detector struct {
	rules  map[string]config.Rule
	logger zerolog.Logger
}

func NewDetector(rules map[string]config.Rule, logger zerolog.Logger) *Detector {
	lowered := make(map[string]config.Rule, len(rules))
	for name, rule := range rules {
		lowered[strings.ToLower(name)] = rule
	}
	return &Detector{rules: lowered, logger: logger}
}

// Check returns the violations found in a telemetry payload, in payload
// order.
func (d *Detector) Check(props *data.OrderedMap) []Violation {
	if d == nil || len(d.rules) == 0 {
		return nil
	}

	var out []Violation
	for _, name := range props.Keys() {
		rule, ok := d.rules[strings.ToLower(name)]
		if !ok {
			// No rule defined for this channel, skip
			continue
		}

		raw, _ := props.Get(name)
		value, numeric := toFloat(raw)
		if !numeric {
			d.logger.Debug().Str("channel", name).Str("type", fmt.Sprintf("%T", raw)).Msg("Skipping non-numeric channel")
			continue
		}

		if value < rule.Min || value > rule.Max {
			out = append(out, Violation{Channel: name, Value: value, Min: rule.Min, Max: rule.Max})
		}
	}
	return out
}

// OutOfRange returns just the names of the violating channels.
func (d *Detector) OutOfRange(props *data.OrderedMap) []string {
	violations := d.Check(props)
	if len(violations) == 0 {
		return nil
	}
	names := make([]string, len(violations))
	for i, v := range violations {
		names[i] = v.Channel
	}
	return names
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	default:
		return 0, false
	}
}
