// Package ingest carries ingestion events from devices to the relay over
// NATS, as an alternative to HTTP delivery. Each event is published on
// <prefix>.<deviceId>.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"windtwin-gateway/internal/data"
)

// Connect dials NATS with unlimited reconnects and logs connection changes.
func Connect(url, name string, logger zerolog.Logger) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			logger.Warn().Err(err).Msg("NATS error")
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: connect to NATS: %v", data.ErrTransport, err)
	}
	logger.Info().Str("url", nc.ConnectedUrl()).Msg("Connected to NATS")
	return nc, nil
}

// Subject returns the subject an event for deviceID is published on.
// Characters NATS treats as separators or wildcards are replaced.
func Subject(prefix, deviceID string) string {
	token := strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t':
			return '_'
		}
		return r
	}, deviceID)
	if token == "" {
		token = "_"
	}
	return prefix + "." + token
}

// NATSSender publishes ingestion events. It satisfies producer.Sender.
type NATSSender struct {
	nc     *nats.Conn
	prefix string
}

func NewNATSSender(nc *nats.Conn, prefix string) *NATSSender {
	return &NATSSender{nc: nc, prefix: prefix}
}

// Send publishes ev. Delivery is at-most-once; a nil error means the event
// was handed to the connection, not that anyone received it.
func (s *NATSSender) Send(ctx context.Context, ev data.IngestionEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := s.nc.Publish(Subject(s.prefix, ev.Subject), body); err != nil {
		return fmt.Errorf("%w: publish %s: %v", data.ErrTransport, ev.Subject, err)
	}
	return nil
}

// Subscribe registers handle for every event published under prefix and
// returns once the server has the subscription. handle runs on the NATS
// delivery goroutine, one message at a time.
func Subscribe(nc *nats.Conn, prefix string, handle func(subject string, body []byte)) (*nats.Subscription, error) {
	sub, err := nc.Subscribe(prefix+".>", func(msg *nats.Msg) {
		handle(msg.Subject, msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: subscribe %s: %v", data.ErrTransport, prefix, err)
	}
	if err := nc.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("%w: subscribe %s: %v", data.ErrTransport, prefix, err)
	}
	return sub, nil
}

// Listen subscribes like Subscribe and blocks until ctx ends, then drains.
func Listen(ctx context.Context, nc *nats.Conn, prefix string, handle func(subject string, body []byte), logger zerolog.Logger) error {
	sub, err := Subscribe(nc, prefix, handle)
	if err != nil {
		return err
	}
	logger.Info().Str("subject", sub.Subject).Msg("Listening for ingestion events")

	<-ctx.Done()
	if err := sub.Drain(); err != nil {
		logger.Warn().Err(err).Msg("Draining ingestion subscription failed")
	}
	return nil
}
