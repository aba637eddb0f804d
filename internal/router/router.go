// Package router classifies inbound ingestion events and reshapes each one
// into at most one broadcast for the hub. It keeps no state between events.
package router

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"windtwin-gateway/internal/data"
)

// telemetryMarker selects the telemetry branch when found in an event type.
const telemetryMarker = "telemetry"

// Broadcast is one outbound hub message. Payload is a *data.OrderedMap for
// TelemetryMessage and a data.PropertyMessage for PropertyMessage.
type Broadcast struct {
	Target   string
	DeviceID string
	Payload  any
}

// Sink receives routed broadcasts.
type Sink interface {
	Dispatch(b Broadcast)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Broadcast)

// Dispatch calls f(b).
func (f SinkFunc) Dispatch(b Broadcast) { f(b) }

// Router is the ingestion classifier. Failures are logged and the event is
// dropped; callers never see an error.
type Router struct {
	logger zerolog.Logger
}

// New creates a router.
func New(logger zerolog.Logger) *Router {
	return &Router{logger: logger}
}

// RouteRaw decodes one JSON ingestion event and routes it.
func (r *Router) RouteRaw(body []byte) (Broadcast, bool) {
	var ev data.IngestionEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		r.logger.Warn().Err(fmt.Errorf("%w: %v", data.ErrParse, err)).Msg("Dropping undecodable event")
		return Broadcast{}, false
	}
	return r.Route(ev)
}

// Route classifies ev. ok is false when nothing should be broadcast.
func (r *Router) Route(ev data.IngestionEvent) (b Broadcast, ok bool) {
	log := r.logger.With().Str("event_type", ev.EventType).Str("subject", ev.Subject).Logger()

	if strings.Contains(ev.EventType, telemetryMarker) {
		payload, err := telemetryPayload(ev.Data)
		if err != nil {
			log.Warn().Err(err).Msg("Dropping telemetry event")
			return Broadcast{}, false
		}
		log.Debug().Strs("properties", payload.Keys()).Msg("Telemetry received")
		deviceID := payload.String("TurbineID")
		if deviceID == "" {
			deviceID = ev.Subject
		}
		return Broadcast{Target: data.TargetTelemetry, DeviceID: deviceID, Payload: payload}, true
	}

	if ev.Subject == "" {
		log.Warn().Msg("Dropping property event without subject")
		return Broadcast{}, false
	}

	patch, err := patchOperations(ev.Data)
	if err != nil {
		log.Warn().Err(err).Msg("Dropping property event")
		return Broadcast{}, false
	}

	alertPath := "/" + data.AlertProperty
	var (
		raw   json.RawMessage
		found bool
	)
	for _, op := range patch {
		if op.Path == alertPath {
			raw, found = op.Value, true
		}
	}
	if !found {
		log.Info().Msg("No Alert entry in patch, nothing to broadcast")
		return Broadcast{}, false
	}

	alert, err := coerceBool(raw)
	if err != nil {
		log.Warn().Err(err).Msg("Dropping property event")
		return Broadcast{}, false
	}

	log.Info().Bool("alert", alert).Msg("Setting alert")
	return Broadcast{
		Target:   data.TargetProperty,
		DeviceID: ev.Subject,
		Payload:  data.PropertyMessage{TurbineID: ev.Subject, Alert: alert},
	}, true
}

// telemetryPayload flattens the event data into an ordered map. A nested
// "data" object is the payload unless the outer object carries TurbineID.
func telemetryPayload(raw json.RawMessage) (*data.OrderedMap, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, fmt.Errorf("%w: event has no data", data.ErrParse)
	}
	m := data.NewOrderedMap()
	if err := json.Unmarshal(raw, m); err != nil {
		return nil, err
	}
	if _, ok := m.Get("TurbineID"); ok {
		return m, nil
	}
	if inner, ok := m.Get("data"); ok {
		if nested, ok := inner.(*data.OrderedMap); ok {
			return nested, nil
		}
	}
	return m, nil
}

// patchOperations reads data.patch, or data.data.patch for enveloped events.
func patchOperations(raw json.RawMessage) ([]data.PatchOperation, error) {
	var body struct {
		Patch []data.PatchOperation `json:"patch"`
		Data  *struct {
			Patch []data.PatchOperation `json:"patch"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("%w: %v", data.ErrParse, err)
	}
	if body.Patch == nil && body.Data != nil {
		return body.Data.Patch, nil
	}
	return body.Patch, nil
}

// coerceBool accepts JSON booleans, "true"/"false" strings and numbers
// (non-zero is true).
func coerceBool(raw json.RawMessage) (bool, error) {
	var v any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return false, fmt.Errorf("%w: alert value: %v", data.ErrParse, err)
	}
	switch t := v.(type) {
	case bool:
		return t, nil
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(t))
		if err != nil {
			return false, fmt.Errorf("%w: alert value %q is not a boolean", data.ErrParse, t)
		}
		return b, nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return false, fmt.Errorf("%w: alert value %s: %v", data.ErrParse, t, err)
		}
		return f != 0, nil
	default:
		return false, fmt.Errorf("%w: alert value has type %T", data.ErrParse, v)
	}
}
