// internal/alerting/alerter.go
package alerting

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"windtwin-gateway/internal/data"
	"windtwin-gateway/internal/producer"
)

// TwinPatcher patches one boolean twin property and returns the status code.
type TwinPatcher interface {
	PatchProperty(ctx context.Context, twinID, name string, value bool) (int, error)
}

// Trigger raises and clears device alerts on operator command.
type Trigger struct {
	state         *producer.State
	twin          TwinPatcher
	sender        producer.Sender
	defaultDevice string
	logger        zerolog.Logger

	mu       sync.Mutex
	clearing map[string]bool // clear patched, producer has not read it back yet
}

// NewTrigger creates a trigger. twin may be nil when no twin store is
// configured; the local alert flag is then the only record.
func NewTrigger(state *producer.State, twin TwinPatcher, sender producer.Sender, defaultDevice string, logger zerolog.Logger) *Trigger {
	return &Trigger{
		state:         state,
		twin:          twin,
		sender:        sender,
		defaultDevice: defaultDevice,
		logger:        logger,
		clearing:      make(map[string]bool),
	}
}

// Toggle flips the alert for deviceID and returns the new value. The twin is
// patched first; a twin answering anything but 204 leaves everything as it
// was. A raised alert takes effect locally at once. A cleared alert stays
// active locally until the producer reads the cleared twin value, or at once
// when there is no twin store. Toggling during that window raises again.
func (t *Trigger) Toggle(ctx context.Context, deviceID string) (bool, error) {
	if !t.state.Has(deviceID) {
		return false, fmt.Errorf("%w: device %s is not in the fleet", data.ErrUnknownEntity, deviceID)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	active := t.state.AlertActive(deviceID)
	if !active {
		delete(t.clearing, deviceID)
	}
	next := !active || t.clearing[deviceID]
	log := t.logger.With().Str("turbine", deviceID).Bool("alert", next).Logger()

	if t.twin != nil {
		status, err := t.twin.PatchProperty(ctx, deviceID, data.AlertProperty, next)
		if err != nil {
			return false, fmt.Errorf("patch twin %s: %w", deviceID, err)
		}
		if status != http.StatusNoContent {
			return false, fmt.Errorf("%w: patch twin %s returned %d", data.ErrTransport, deviceID, status)
		}
	}

	switch {
	case next:
		delete(t.clearing, deviceID)
		if err := t.state.Raise(deviceID); err != nil {
			return false, err
		}
	case t.twin == nil:
		if err := t.state.ClearLocal(deviceID); err != nil {
			return false, err
		}
	default:
		t.clearing[deviceID] = true
	}

	ev, err := data.NewAlertEvent(deviceID, next)
	if err != nil {
		return next, err
	}
	if err := t.sender.Send(ctx, ev); err != nil {
		log.Warn().Err(err).Msg("Alert notification not delivered")
		return next, fmt.Errorf("send alert notification: %w", err)
	}

	log.Info().Msg("Alert toggled")
	return next, nil
}

// Listen reads operator commands from r, one per line: a device id toggles
// that device, an empty line toggles the default device. It returns at EOF
// or when ctx ends.
func (t *Trigger) Listen(ctx context.Context, r io.Reader) error {
	lines := make(chan string)
	errc := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		errc <- scanner.Err()
	}()

	t.logger.Info().Str("default_device", t.defaultDevice).Msg("Press enter to toggle the alert, or type a turbine id")

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errc:
			return err
		case line := <-lines:
			device := strings.TrimSpace(line)
			if device == "" {
				device = t.defaultDevice
			}
			if _, err := t.Toggle(ctx, device); err != nil {
				t.logger.Warn().Err(err).Str("turbine", device).Msg("Toggle failed")
			}
		}
	}
}
