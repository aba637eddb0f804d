package twin_test

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"windtwin-gateway/internal/data"
	"windtwin-gateway/internal/twin"
	"windtwin-gateway/internal/twin/twintest"
)

func newClient(t *testing.T, srv *twintest.Server, cache bool) *twin.Client {
	t.Helper()
	c, err := twin.NewClient(srv.Config(cache), nil, zerolog.Nop())
	require.NoError(t, err)
	return c
}

func TestClient_ReadAndPatchAlert(t *testing.T) {
	srv := twintest.NewServer(t)
	srv.SetTwin("T102", map[string]any{"$dtId": "T102", "Alert": false, "Power": 1200.5})
	c := newClient(t, srv, true)
	ctx := context.Background()

	alert, err := c.ReadAlert(ctx, "T102")
	require.NoError(t, err)
	assert.False(t, alert)

	status, err := c.SetAlert(ctx, "T102")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, status)
	assert.True(t, srv.Alert("T102"))
	assert.Equal(t, 1200.5, srv.Twin("T102")["Power"], "other properties untouched")

	alert, err = c.ReadAlert(ctx, "T102")
	require.NoError(t, err)
	assert.True(t, alert)

	status, err = c.ClearAlert(ctx, "T102")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, status)
	assert.False(t, srv.Alert("T102"))
}

func TestClient_TokenCaching(t *testing.T) {
	ctx := context.Background()

	t.Run("cached", func(t *testing.T) {
		srv := twintest.NewServer(t)
		srv.SetAlert("T1", true)
		c := newClient(t, srv, true)
		for i := 0; i < 3; i++ {
			_, err := c.ReadAlert(ctx, "T1")
			require.NoError(t, err)
		}
		assert.Equal(t, 1, srv.TokenRequests())
	})

	t.Run("per call", func(t *testing.T) {
		srv := twintest.NewServer(t)
		srv.SetAlert("T1", true)
		c := newClient(t, srv, false)
		for i := 0; i < 3; i++ {
			_, err := c.ReadAlert(ctx, "T1")
			require.NoError(t, err)
		}
		assert.Equal(t, 3, srv.TokenRequests())
	})
}

func TestClient_AuthFailure(t *testing.T) {
	srv := twintest.NewServer(t)
	srv.SetAlert("T1", false)
	srv.SetAuthFailure(true)
	c := newClient(t, srv, false)

	err := c.Authenticate(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, data.ErrAuth)

	_, err = c.ReadAlert(context.Background(), "T1")
	assert.ErrorIs(t, err, data.ErrAuth)
	assert.Zero(t, srv.TwinRequests(), "no twin call without a token")
}

func TestClient_TransportFailure(t *testing.T) {
	srv := twintest.NewServer(t)
	cfg := srv.Config(false)
	srv.Close()

	c, err := twin.NewClient(cfg, nil, zerolog.Nop())
	require.NoError(t, err)

	_, err = c.ReadAlert(context.Background(), "T1")
	require.Error(t, err)
	assert.ErrorIs(t, err, data.ErrTransport)
}

func TestClient_NotFoundAndParse(t *testing.T) {
	srv := twintest.NewServer(t)
	srv.SetTwin("T2", map[string]any{"$dtId": "T2", "Alert": "yes"})
	srv.SetTwin("T3", map[string]any{"$dtId": "T3"})
	c := newClient(t, srv, true)
	ctx := context.Background()

	_, err := c.ReadAlert(ctx, "missing")
	require.Error(t, err)
	assert.True(t, twin.IsNotFound(err))
	assert.ErrorIs(t, err, data.ErrTransport)

	var se *twin.StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusNotFound, se.Code)

	_, err = c.ReadAlert(ctx, "T2")
	assert.ErrorIs(t, err, data.ErrParse)

	_, err = c.ReadAlert(ctx, "T3")
	assert.ErrorIs(t, err, data.ErrParse)
	assert.False(t, twin.IsNotFound(err))
}

func TestClient_PatchReportsStatus(t *testing.T) {
	srv := twintest.NewServer(t)
	srv.SetAlert("T1", false)
	srv.SetPatchStatus(http.StatusTooManyRequests)
	c := newClient(t, srv, true)

	status, err := c.SetAlert(context.Background(), "T1")
	require.NoError(t, err)
	assert.Equal(t, http.StatusTooManyRequests, status)
	assert.False(t, srv.Alert("T1"))
}

func TestNewClient_RejectsBadURL(t *testing.T) {
	srv := twintest.NewServer(t)
	cfg := srv.Config(true)
	cfg.InstanceURL = "not a url"

	_, err := twin.NewClient(cfg, nil, zerolog.Nop())
	assert.Error(t, err)
}
