// Package producer streams pre-recorded telemetry frames for a fixed fleet
// of devices, one frame per device per tick, overlaying a synthetic alert
// on devices whose alert is active.
package producer

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"windtwin-gateway/internal/data"
)

// Sender delivers one ingestion event to the relay.
type Sender interface {
	Send(ctx context.Context, ev data.IngestionEvent) error
}

// AlertReader reads a twin's Alert property.
type AlertReader interface {
	ReadAlert(ctx context.Context, twinID string) (bool, error)
}

// Options tune the streaming loop.
type Options struct {
	TickInterval time.Duration
	// EventsPerSecond and Burst bound the send rate across the fleet.
	EventsPerSecond float64
	Burst           int
	Concurrency     int
	SendTimeout     time.Duration
	// Rand returns values in [0,1). Defaults to math/rand/v2.Float64.
	Rand func() float64
}

// TickResult summarises one tick.
type TickResult struct {
	Sent    int
	Failed  int
	Alerted int
	Cleared int
}

// Producer runs the device streaming loop.
type Producer struct {
	frames  []data.TelemetryFrame
	state   *State
	sender  Sender
	twin    AlertReader
	limiter *rate.Limiter
	opts    Options
	logger  zerolog.Logger

	randMu sync.Mutex
}

// New validates the inputs and builds a producer. twin may be nil when no
// twin store is configured; active alerts then stay active until toggled.
func New(frames []data.TelemetryFrame, state *State, sender Sender, twin AlertReader, opts Options, logger zerolog.Logger) (*Producer, error) {
	fleetSize := len(state.Fleet())
	if fleetSize == 0 {
		return nil, errors.New("producer: fleet is empty")
	}
	if len(frames) < fleetSize {
		return nil, fmt.Errorf("producer: dataset has %d frames, fewer than the %d devices in the fleet", len(frames), fleetSize)
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = 5 * time.Second
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = fleetSize
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	limit := rate.Inf
	if opts.EventsPerSecond > 0 {
		limit = rate.Limit(opts.EventsPerSecond)
	}
	if opts.Rand == nil {
		opts.Rand = rand.Float64
	}

	return &Producer{
		frames:  frames,
		state:   state,
		sender:  sender,
		twin:    twin,
		limiter: rate.NewLimiter(limit, opts.Burst),
		opts:    opts,
		logger:  logger,
	}, nil
}

// Run ticks until ctx is cancelled. Cancellation is observed between ticks;
// a tick in progress finishes its sends.
func (p *Producer) Run(ctx context.Context) error {
	p.logger.Info().
		Int("devices", len(p.state.Fleet())).
		Int("frames", len(p.frames)).
		Dur("tick", p.opts.TickInterval).
		Msg("Starting device stream")

	ticker := time.NewTicker(p.opts.TickInterval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			p.logger.Info().Msg("Device stream stopped")
			return nil
		}

		res := p.Tick(ctx)
		p.logger.Debug().
			Int("sent", res.Sent).
			Int("failed", res.Failed).
			Int("alerted", res.Alerted).
			Int("cursor", p.state.Cursor()).
			Msg("Tick complete")

		select {
		case <-ctx.Done():
			p.logger.Info().Msg("Device stream stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Tick sends one frame for every device in the fleet and advances the
// cursor. Sends run concurrently; one device failing does not affect the
// others.
func (p *Producer) Tick(ctx context.Context) TickResult {
	sendCtx := context.WithoutCancel(ctx)
	fleet := p.state.Fleet()
	cursor := p.state.Cursor()

	var sent, failed, alerted, cleared atomic.Int32

	var g errgroup.Group
	g.SetLimit(p.opts.Concurrency)
	for i, device := range fleet {
		frame := p.frames[cursor+i]
		g.Go(func() error {
			out, mode := p.prepare(sendCtx, frame)
			switch mode {
			case modeAlert:
				alerted.Add(1)
			case modeCleared:
				cleared.Add(1)
			}
			if err := p.send(sendCtx, device, out); err != nil {
				failed.Add(1)
				p.logger.Warn().Err(err).
					Str("device", device).
					Str("turbine", frame.DeviceID).
					Msg("Send failed")
				return nil
			}
			sent.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	p.state.Advance(len(p.frames))

	return TickResult{
		Sent:    int(sent.Load()),
		Failed:  int(failed.Load()),
		Alerted: int(alerted.Load()),
		Cleared: int(cleared.Load()),
	}
}

type frameMode int

const (
	modePlain frameMode = iota
	modeAlert
	modeCleared
)

// prepare decides whether the frame goes out plain or with the alert
// overlay. An active alert is checked against the twin first; a twin that
// reads false clears it and the plain frame is sent this same tick.
func (p *Producer) prepare(ctx context.Context, frame data.TelemetryFrame) (data.TelemetryFrame, frameMode) {
	id := frame.DeviceID
	if !p.state.AlertActive(id) {
		return frame, modePlain
	}

	if p.twin != nil {
		alert, err := p.twin.ReadAlert(ctx, id)
		switch {
		case err != nil:
			p.logger.Warn().Err(err).Str("turbine", id).Msg("Twin alert read failed, keeping alert")
		case !alert:
			if p.state.ConfirmCleared(id) {
				p.logger.Info().Str("turbine", id).Msg("Alert cleared in twin store")
			}
			return frame, modeCleared
		}
	}

	return p.overlay(frame), modeAlert
}

func (p *Producer) overlay(frame data.TelemetryFrame) data.TelemetryFrame {
	p.randMu.Lock()
	defer p.randMu.Unlock()
	return AlertOverlay(frame, p.opts.Rand)
}

func (p *Producer) send(ctx context.Context, device string, frame data.TelemetryFrame) error {
	ev, err := data.NewTelemetryEvent(frame.DeviceID, frame.Message())
	if err != nil {
		return err
	}
	if err := p.limiter.Wait(ctx); err != nil {
		return err
	}
	if p.opts.SendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opts.SendTimeout)
		defer cancel()
	}

	p.logger.Debug().
		Str("device", device).
		Str("turbine", frame.DeviceID).
		Str("time_interval", frame.TimeInterval).
		Int("code", frame.EventCode).
		Msg("Sending message")
	return p.sender.Send(ctx, ev)
}
