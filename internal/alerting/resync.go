package alerting

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"windtwin-gateway/internal/data"
	"windtwin-gateway/internal/metrics"
	"windtwin-gateway/internal/router"
)

// AlertSource reads a twin's current Alert value.
type AlertSource interface {
	ReadAlert(ctx context.Context, twinID string) (bool, error)
}

// Resyncer re-publishes every fleet twin's Alert value so viewers that
// missed a PropertyMessage converge on the twin store's state.
type Resyncer struct {
	twin     AlertSource
	fleet    []string
	sink     router.Sink
	interval time.Duration
	requests chan struct{}
	logger   zerolog.Logger
}

// NewResyncer creates a resyncer. interval <= 0 disables the periodic pass;
// requested passes still run.
func NewResyncer(twin AlertSource, fleet []string, sink router.Sink, interval time.Duration, logger zerolog.Logger) *Resyncer {
	return &Resyncer{
		twin:     twin,
		fleet:    append([]string(nil), fleet...),
		sink:     sink,
		interval: interval,
		requests: make(chan struct{}, 1),
		logger:   logger,
	}
}

// Request asks for a pass soon. Requests made while one is pending collapse
// into it.
func (r *Resyncer) Request() {
	select {
	case r.requests <- struct{}{}:
	default:
	}
}

// Run performs a pass at start, on every interval and on every request,
// until ctx ends.
func (r *Resyncer) Run(ctx context.Context) error {
	var tick <-chan time.Time
	if r.interval > 0 {
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	r.Sync(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick:
			r.Sync(ctx)
		case <-r.requests:
			r.Sync(ctx)
		}
	}
}

// Sync reads every twin once and dispatches a PropertyMessage for each
// successful read. It returns the number dispatched.
func (r *Resyncer) Sync(ctx context.Context) int {
	published := 0
	for _, id := range r.fleet {
		if ctx.Err() != nil {
			break
		}
		alert, err := r.twin.ReadAlert(ctx, id)
		if err != nil {
			metrics.ResyncReads.WithLabelValues("error").Inc()
			r.logger.Warn().Err(err).Str("turbine", id).Msg("Twin alert read failed during resync")
			continue
		}
		metrics.ResyncReads.WithLabelValues("ok").Inc()

		r.sink.Dispatch(router.Broadcast{
			Target:   data.TargetProperty,
			DeviceID: id,
			Payload:  data.PropertyMessage{TurbineID: id, Alert: alert},
		})
		published++
	}
	r.logger.Debug().Int("published", published).Int("fleet", len(r.fleet)).Msg("Resync complete")
	return published
}
