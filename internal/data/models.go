// internal/data/models.go
package data

import "encoding/json"

// Hub message targets.
const (
	TargetTelemetry = "TelemetryMessage"
	TargetProperty  = "PropertyMessage"
)

// Ingestion event types emitted by the simulator.
const (
	EventTypeTelemetry  = "microsoft.iot.telemetry"
	EventTypeTwinUpdate = "Microsoft.DigitalTwins.Twin.Update"
)

// AlertProperty is the only twin property this system reads or patches.
const AlertProperty = "Alert"

// TelemetryFrame is one pre-recorded sensor sample for a device timeslot.
type TelemetryFrame struct {
	DeviceID     string
	TimeInterval string
	EventCode    int
	Description  string
	WindSpeed    float64
	Temperature  float64
	RotorSpeed   float64
	Power        float64
}

// Message converts the frame into its wire shape.
func (f TelemetryFrame) Message() TelemetryMessage {
	return TelemetryMessage{
		TurbineID:    f.DeviceID,
		TimeInterval: f.TimeInterval,
		Description:  f.Description,
		Code:         f.EventCode,
		WindSpeed:    f.WindSpeed,
		Ambient:      f.Temperature,
		Rotor:        f.RotorSpeed,
		Power:        f.Power,
	}
}

// TelemetryMessage is the payload of a TelemetryMessage broadcast and of a
// device telemetry ingestion event.
type TelemetryMessage struct {
	TurbineID    string  `json:"TurbineID"`
	TimeInterval string  `json:"TimeInterval"`
	Description  string  `json:"Description"`
	Code         int     `json:"Code"`
	WindSpeed    float64 `json:"WindSpeed"`
	Ambient      float64 `json:"Ambient"`
	Rotor        float64 `json:"Rotor"`
	Power        float64 `json:"Power"`
}

// PropertyMessage is the payload of a PropertyMessage broadcast.
type PropertyMessage struct {
	TurbineID string `json:"TurbineID"`
	Alert     bool   `json:"Alert"`
}

// IngestionEvent is an inbound notification: either a telemetry sample or a
// twin property change.
type IngestionEvent struct {
	ID        string          `json:"id,omitempty"`
	EventType string          `json:"eventType"`
	Subject   string          `json:"subject"`
	EventTime string          `json:"eventTime,omitempty"`
	Data      json.RawMessage `json:"data"`
}

// PatchOperation is one JSON patch entry of a twin update.
type PatchOperation struct {
	Op    string          `json:"op"`
	Path  string          `json:"path"`
	Value json.RawMessage `json:"value"`
}

// TwinUpdate is the data body of a twin change notification.
type TwinUpdate struct {
	ModelID string           `json:"modelId,omitempty"`
	Patch   []PatchOperation `json:"patch"`
}

// NewTelemetryEvent wraps a device frame into a telemetry ingestion event.
func NewTelemetryEvent(deviceID string, msg TelemetryMessage) (IngestionEvent, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return IngestionEvent{}, err
	}
	return IngestionEvent{EventType: EventTypeTelemetry, Subject: deviceID, Data: body}, nil
}

// NewAlertEvent builds a twin update notification replacing /Alert.
func NewAlertEvent(deviceID string, alert bool) (IngestionEvent, error) {
	value, _ := json.Marshal(alert)
	body, err := json.Marshal(TwinUpdate{
		Patch: []PatchOperation{{Op: "replace", Path: "/" + AlertProperty, Value: value}},
	})
	if err != nil {
		return IngestionEvent{}, err
	}
	return IngestionEvent{EventType: EventTypeTwinUpdate, Subject: deviceID, Data: body}, nil
}

// ConnectionInfo is the negotiate response: where the hub lives and the
// bearer token to present when connecting.
type ConnectionInfo struct {
	URL          string `json:"url"`
	AccessToken  string `json:"accessToken"`
	ConnectionID string `json:"connectionId"`
}
