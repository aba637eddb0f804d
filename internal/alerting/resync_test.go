package alerting

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"windtwin-gateway/internal/data"
	"windtwin-gateway/internal/router"
)

type mapSource struct {
	mu     sync.Mutex
	alerts map[string]bool
	reads  int
}

func (m *mapSource) ReadAlert(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reads++
	v, ok := m.alerts[id]
	if !ok {
		return false, errors.New("twin not found")
	}
	return v, nil
}

type collectSink struct {
	mu  sync.Mutex
	got []router.Broadcast
}

func (c *collectSink) Dispatch(b router.Broadcast) {
	c.mu.Lock()
	c.got = append(c.got, b)
	c.mu.Unlock()
}

func (c *collectSink) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.got)
}

func TestResyncer_SyncPublishesEveryReadableTwin(t *testing.T) {
	src := &mapSource{alerts: map[string]bool{"T1": true, "T3": false}}
	sink := &collectSink{}
	r := NewResyncer(src, []string{"T1", "T2", "T3"}, sink, 0, zerolog.Nop())

	assert.Equal(t, 2, r.Sync(context.Background()))
	assert.Equal(t, []router.Broadcast{
		{Target: data.TargetProperty, DeviceID: "T1", Payload: data.PropertyMessage{TurbineID: "T1", Alert: true}},
		{Target: data.TargetProperty, DeviceID: "T3", Payload: data.PropertyMessage{TurbineID: "T3", Alert: false}},
	}, sink.got)
	assert.Equal(t, 3, src.reads)
}

func TestResyncer_RunOnStartAndOnRequest(t *testing.T) {
	src := &mapSource{alerts: map[string]bool{"T1": true}}
	sink := &collectSink{}
	r := NewResyncer(src, []string{"T1"}, sink, 0, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool { return sink.len() == 1 }, time.Second, 5*time.Millisecond)

	r.Request()
	require.Eventually(t, func() bool { return sink.len() >= 2 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("resyncer did not stop")
	}
}

func TestResyncer_Periodic(t *testing.T) {
	src := &mapSource{alerts: map[string]bool{"T1": false}}
	sink := &collectSink{}
	r := NewResyncer(src, []string{"T1"}, sink, 10*time.Millisecond, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = r.Run(ctx) }()

	require.Eventually(t, func() bool { return sink.len() >= 3 }, time.Second, 5*time.Millisecond)
}

func TestResyncer_RequestsCollapse(t *testing.T) {
	r := NewResyncer(&mapSource{}, nil, &collectSink{}, 0, zerolog.Nop())
	for i := 0; i < 10; i++ {
		r.Request()
	}
	assert.Len(t, r.requests, 1)
}
