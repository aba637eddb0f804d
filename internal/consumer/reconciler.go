// Package consumer is the viewer side of the hub: a reconnecting channel
// connection and the reconciler that merges broadcasts into live entity
// state.
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"windtwin-gateway/internal/anomaly"
	"windtwin-gateway/internal/data"
	"windtwin-gateway/internal/websocket"
)

// ErrStopped is returned by queries once the reconciler has stopped.
var ErrStopped = errors.New("reconciler stopped")

const inboxSize = 256

// LiveEntity is the viewer's last known state of one device.
type LiveEntity struct {
	DeviceID   string
	Telemetry  data.TelemetryMessage
	Properties *data.OrderedMap
	Alert      bool
	OutOfRange []string
	Updates    int
}

func (e *LiveEntity) clone() LiveEntity {
	out := *e
	out.OutOfRange = append([]string(nil), e.OutOfRange...)
	return out
}

// ReconcilerOption configures a Reconciler.
type ReconcilerOption func(*Reconciler)

// WithUpdateHandler is called for every merge into a known entity.
func WithUpdateHandler(fn func(LiveEntity)) ReconcilerOption {
	return func(r *Reconciler) { r.onUpdate = fn }
}

// WithAlertHandler is called when an entity's alert value changes.
func WithAlertHandler(fn func(LiveEntity)) ReconcilerOption {
	return func(r *Reconciler) { r.onAlert = fn }
}

// WithDetector flags out-of-range telemetry channels on each update.
func WithDetector(d *anomaly.Detector) ReconcilerOption {
	return func(r *Reconciler) { r.detector = d }
}

// Reconciler owns the live entity collection. Messages may arrive on any
// goroutine; every merge and every handler call happens on the Run
// goroutine.
type Reconciler struct {
	entities map[string]*LiveEntity
	order    []string
	inbox    chan func()
	done     chan struct{}

	detector *anomaly.Detector
	onUpdate func(LiveEntity)
	onAlert  func(LiveEntity)
	logger   zerolog.Logger
}

// NewReconciler creates a reconciler for a fixed set of devices. Messages
// for any other id are dropped.
func NewReconciler(deviceIDs []string, logger zerolog.Logger, opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{
		entities: make(map[string]*LiveEntity, len(deviceIDs)),
		inbox:    make(chan func(), inboxSize),
		done:     make(chan struct{}),
		logger:   logger,
	}
	for _, id := range deviceIDs {
		if _, dup := r.entities[id]; dup {
			continue
		}
		r.entities[id] = &LiveEntity{DeviceID: id}
		r.order = append(r.order, id)
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run applies queued merges until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	defer close(r.done)
	for {
		select {
		case <-ctx.Done():
			return nil
		case fn := <-r.inbox:
			fn()
		}
	}
}

func (r *Reconciler) enqueue(fn func()) bool {
	select {
	case r.inbox <- fn:
		return true
	case <-r.done:
		return false
	}
}

// Handle routes one hub frame by target. It is safe to call from the
// transport's read goroutine.
func (r *Reconciler) Handle(env websocket.Envelope) {
	if len(env.Arguments) == 0 {
		r.logger.Warn().Str("target", env.Target).Msg("Dropping hub message without arguments")
		return
	}
	switch env.Target {
	case data.TargetTelemetry:
		r.HandleTelemetry(env.Arguments[0])
	case data.TargetProperty:
		r.HandleProperty(env.Arguments[0])
	default:
		r.logger.Debug().Str("target", env.Target).Msg("Ignoring unknown hub target")
	}
}

// HandleTelemetry queues a TelemetryMessage payload for merging.
func (r *Reconciler) HandleTelemetry(payload json.RawMessage) {
	props := data.NewOrderedMap()
	if err := json.Unmarshal(payload, props); err != nil {
		r.logger.Warn().Err(err).Msg("Dropping undecodable telemetry message")
		return
	}
	var msg data.TelemetryMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		r.logger.Warn().Err(fmt.Errorf("%w: %v", data.ErrParse, err)).Msg("Dropping undecodable telemetry message")
		return
	}
	r.enqueue(func() { r.mergeTelemetry(msg, props) })
}

// HandleProperty queues a PropertyMessage payload for merging.
func (r *Reconciler) HandleProperty(payload json.RawMessage) {
	var msg data.PropertyMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		r.logger.Warn().Err(fmt.Errorf("%w: %v", data.ErrParse, err)).Msg("Dropping undecodable property message")
		return
	}
	r.enqueue(func() { r.mergeProperty(msg) })
}

func (r *Reconciler) lookup(id string) (*LiveEntity, error) {
	e, ok := r.entities[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", data.ErrUnknownEntity, id)
	}
	return e, nil
}

func (r *Reconciler) mergeTelemetry(msg data.TelemetryMessage, props *data.OrderedMap) {
	e, err := r.lookup(msg.TurbineID)
	if err != nil {
		r.logger.Warn().Err(err).Msg("Could not find turbine, dropping telemetry")
		return
	}

	e.Telemetry = msg
	e.Properties = props
	e.OutOfRange = r.detector.OutOfRange(props)
	e.Updates++

	if len(e.OutOfRange) > 0 {
		r.logger.Info().Str("turbine", e.DeviceID).Strs("channels", e.OutOfRange).Msg("Telemetry out of range")
	}
	if r.onUpdate != nil {
		r.onUpdate(e.clone())
	}
}

func (r *Reconciler) mergeProperty(msg data.PropertyMessage) {
	e, err := r.lookup(msg.TurbineID)
	if err != nil {
		r.logger.Warn().Err(err).Msg("Could not find turbine, dropping property")
		return
	}

	changed := e.Alert != msg.Alert
	e.Alert = msg.Alert
	e.Updates++

	if r.onUpdate != nil {
		r.onUpdate(e.clone())
	}
	if changed {
		r.logger.Info().Str("turbine", e.DeviceID).Bool("alert", e.Alert).Msg("Alert changed")
		if r.onAlert != nil {
			r.onAlert(e.clone())
		}
	}
}

// Snapshot returns a copy of every entity in fleet order. It is served by
// the Run goroutine, so it reflects every message queued before the call.
func (r *Reconciler) Snapshot(ctx context.Context) ([]LiveEntity, error) {
	result := make(chan []LiveEntity, 1)
	if !r.enqueue(func() {
		out := make([]LiveEntity, 0, len(r.order))
		for _, id := range r.order {
			out = append(out, r.entities[id].clone())
		}
		result <- out
	}) {
		return nil, ErrStopped
	}

	select {
	case out := <-result:
		return out, nil
	case <-r.done:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Entity returns one entity by id.
func (r *Reconciler) Entity(ctx context.Context, id string) (LiveEntity, error) {
	all, err := r.Snapshot(ctx)
	if err != nil {
		return LiveEntity{}, err
	}
	for _, e := range all {
		if e.DeviceID == id {
			return e, nil
		}
	}
	return LiveEntity{}, fmt.Errorf("%w: %q", data.ErrUnknownEntity, id)
}
