package ingest

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"windtwin-gateway/internal/data"
)

func runServer(t *testing.T) *server.Server {
	t.Helper()

	srv, err := server.NewServer(&server.Options{Host: "127.0.0.1", Port: -1})
	require.NoError(t, err)

	go srv.Start()
	if !srv.ReadyForConnections(10 * time.Second) {
		srv.Shutdown()
		t.Fatalf("embedded NATS server not ready for connections")
	}
	t.Cleanup(srv.Shutdown)
	return srv
}

func connect(t *testing.T, srv *server.Server) *nats.Conn {
	t.Helper()
	nc, err := Connect(srv.ClientURL(), t.Name(), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(nc.Close)
	return nc
}

func TestSubject(t *testing.T) {
	assert.Equal(t, "windtwin.events.T101", Subject("windtwin.events", "T101"))
	assert.Equal(t, "p.a_b_c_", Subject("p", "a.b*c>"))
	assert.Equal(t, "p._", Subject("p", ""))
}

func TestSendAndSubscribe(t *testing.T) {
	srv := runServer(t)
	pub := connect(t, srv)
	subConn := connect(t, srv)

	type received struct {
		subject string
		event   data.IngestionEvent
	}
	var (
		mu  sync.Mutex
		got []received
	)

	sub, err := Subscribe(subConn, "windtwin.events", func(subject string, body []byte) {
		var ev data.IngestionEvent
		if err := json.Unmarshal(body, &ev); err != nil {
			return
		}
		mu.Lock()
		got = append(got, received{subject, ev})
		mu.Unlock()
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	sender := NewNATSSender(pub, "windtwin.events")
	telemetry, err := data.NewTelemetryEvent("T1", data.TelemetryMessage{TurbineID: "T1", Power: 150})
	require.NoError(t, err)
	alert, err := data.NewAlertEvent("T2", true)
	require.NoError(t, err)

	require.NoError(t, sender.Send(context.Background(), telemetry))
	require.NoError(t, sender.Send(context.Background(), alert))
	require.NoError(t, pub.Flush())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, "windtwin.events.T1", got[0].subject)
	assert.Equal(t, data.EventTypeTelemetry, got[0].event.EventType)
	assert.Equal(t, "windtwin.events.T2", got[1].subject)
	assert.Equal(t, data.EventTypeTwinUpdate, got[1].event.EventType)
	mu.Unlock()
}

func TestListen_DrainsOnCancel(t *testing.T) {
	srv := runServer(t)
	nc := connect(t, srv)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Listen(ctx, nc, "windtwin.events", func(string, []byte) {}, zerolog.Nop())
	}()

	require.Eventually(t, func() bool { return nc.NumSubscriptions() == 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Listen did not return")
	}
}

func TestSend_ClosedConnection(t *testing.T) {
	srv := runServer(t)
	nc := connect(t, srv)
	nc.Close()

	ev, err := data.NewAlertEvent("T1", true)
	require.NoError(t, err)
	err = NewNATSSender(nc, "p").Send(context.Background(), ev)
	assert.ErrorIs(t, err, data.ErrTransport)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, NewNATSSender(nc, "p").Send(ctx, ev), context.Canceled)
}
