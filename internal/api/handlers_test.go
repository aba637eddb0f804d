package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gwebsocket "github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"windtwin-gateway/internal/auth"
	"windtwin-gateway/internal/config"
	"windtwin-gateway/internal/data"
	"windtwin-gateway/internal/metrics"
	"windtwin-gateway/internal/router"
	"windtwin-gateway/internal/storage"
	"windtwin-gateway/internal/twin"
	"windtwin-gateway/internal/twin/twintest"
	"windtwin-gateway/internal/websocket"
)

type relay struct {
	handler *APIHandler
	store   *storage.MemoryStore
	hub     *websocket.Hub
	twins   *twintest.Server
	data    *httptest.Server
	ui      *httptest.Server
}

func newRelay(t *testing.T, withTwin bool, authCfg config.AuthConfig) *relay {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	hub := websocket.NewHub(zerolog.Nop())
	go hub.Run(ctx)

	r := &relay{store: storage.NewMemoryStore(), hub: hub}
	var svc TwinService
	if withTwin {
		r.twins = twintest.NewServer(t)
		client, err := twin.NewClient(r.twins.Config(true), nil, zerolog.Nop())
		require.NoError(t, err)
		svc = client
	}

	if authCfg.JWTSecret == "" {
		authCfg.JWTSecret = "secret"
	}
	if authCfg.JWTExpiration == 0 {
		authCfg.JWTExpiration = 60
	}
	r.handler = NewAPIHandler(router.New(zerolog.Nop()), r.store, hub, svc, auth.NewAuthManager(authCfg), "", zerolog.Nop())

	r.data = httptest.NewServer(SetupDataRouter(r.handler))
	t.Cleanup(r.data.Close)
	r.ui = httptest.NewServer(SetupUIRouter(r.handler))
	t.Cleanup(r.ui.Close)
	r.handler.publicHubURL = "ws" + strings.TrimPrefix(r.ui.URL, "http") + "/ws"
	return r
}

func (r *relay) negotiate(t *testing.T) data.ConnectionInfo {
	t.Helper()
	resp, err := http.Post(r.ui.URL+"/api/negotiate", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var info data.ConnectionInfo
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&info))
	return info
}

func (r *relay) connect(t *testing.T) *gwebsocket.Conn {
	t.Helper()
	info := r.negotiate(t)
	header := http.Header{"Authorization": {"Bearer " + info.AccessToken}}
	conn, _, err := gwebsocket.DefaultDialer.Dial(info.URL, header)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.Eventually(t, func() bool { return r.hub.Clients() == 1 }, 2*time.Second, 5*time.Millisecond)
	return conn
}

func (r *relay) post(t *testing.T, body string, headers map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, r.data.URL+"/api/events", strings.NewReader(body))
	require.NoError(t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (r *relay) authed(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	info := r.negotiate(t)
	req, err := http.NewRequest(method, r.ui.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+info.AccessToken)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func readFrame(t *testing.T, conn *gwebsocket.Conn) (string, map[string]any) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, frame, err := conn.ReadMessage()
	require.NoError(t, err)
	env, err := websocket.Decode(frame)
	require.NoError(t, err)
	require.Len(t, env.Arguments, 1)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(env.Arguments[0], &payload))
	return env.Target, payload
}

func TestHandleEvents_TelemetryReachesViewers(t *testing.T) {
	r := newRelay(t, false, config.AuthConfig{})
	conn := r.connect(t)

	resp := r.post(t, `{"eventType":"microsoft.iot.telemetry","subject":"T1",
		"data":{"TurbineID":"T1","TimeInterval":"08:00","Description":"OK","Code":0,"Power":150.0}}`, nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	target, payload := readFrame(t, conn)
	assert.Equal(t, data.TargetTelemetry, target)
	assert.Equal(t, "T1", payload["TurbineID"])
	assert.Equal(t, 150.0, payload["Power"])

	turbine, ok := r.store.Get("T1")
	require.True(t, ok)
	assert.Equal(t, "OK", turbine.Telemetry.String("Description"))
}

func TestHandleEvents_BatchWithBadElement(t *testing.T) {
	r := newRelay(t, false, config.AuthConfig{})
	conn := r.connect(t)

	resp := r.post(t, `[
		42,
		{"eventType":"Microsoft.DigitalTwins.Twin.Update","subject":"",
		 "data":{"patch":[{"op":"replace","path":"/Alert","value":true}]}},
		{"eventType":"Microsoft.DigitalTwins.Twin.Update","subject":"T2",
		 "data":{"patch":[{"op":"replace","path":"/Alert","value":true},{"op":"replace","path":"/Alert","value":"false"}]}}
	]`, nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	target, payload := readFrame(t, conn)
	assert.Equal(t, data.TargetProperty, target)
	assert.Equal(t, map[string]any{"TurbineID": "T2", "Alert": false}, payload)

	all := r.store.GetAll()
	require.Len(t, all, 1)
	assert.Equal(t, "T2", all[0].DeviceID)
}

func TestHandleEvents_AlwaysAccepted(t *testing.T) {
	r := newRelay(t, false, config.AuthConfig{})

	for _, body := range []string{`not json`, ``, `{"eventType":"unknown"}`} {
		resp := r.post(t, body, nil)
		assert.Equal(t, http.StatusAccepted, resp.StatusCode, body)
	}
	assert.Empty(t, r.store.GetAll())
}

func TestHandleEvents_SubscriptionValidation(t *testing.T) {
	r := newRelay(t, false, config.AuthConfig{})

	resp := r.post(t, `[{"eventType":"Microsoft.EventGrid.SubscriptionValidationEvent",
		"subject":"","data":{"validationCode":"abc-123"}}]`, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, "abc-123", got["validationResponse"])
}

func TestHandleEvents_APIKey(t *testing.T) {
	r := newRelay(t, false, config.AuthConfig{APIKeys: []string{"k1"}})
	body := `{"eventType":"microsoft.iot.telemetry","subject":"T1","data":{"TurbineID":"T1"}}`

	assert.Equal(t, http.StatusUnauthorized, r.post(t, body, nil).StatusCode)
	assert.Equal(t, http.StatusUnauthorized, r.post(t, body, map[string]string{"X-API-Key": "k2"}).StatusCode)
	assert.Equal(t, http.StatusAccepted, r.post(t, body, map[string]string{"X-API-Key": "k1"}).StatusCode)
}

func TestHandleNegotiate_BasicAuth(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("pw"), bcrypt.MinCost)
	require.NoError(t, err)
	r := newRelay(t, false, config.AuthConfig{Users: []config.User{{Username: "viewer", PasswordHash: string(hash), Role: "viewer"}}})

	resp, err := http.Post(r.ui.URL+"/api/negotiate", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("WWW-Authenticate"))

	req, err := http.NewRequest(http.MethodPost, r.ui.URL+"/api/negotiate", nil)
	require.NoError(t, err)
	req.SetBasicAuth("viewer", "pw")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var info data.ConnectionInfo
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&info))
	assert.NotEmpty(t, info.ConnectionID)
	assert.True(t, strings.HasSuffix(info.URL, "/ws"))

	claims, err := r.handler.auth.ValidateJWT(info.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "viewer", claims.Username)
	assert.Equal(t, info.ConnectionID, claims.ConnectionID)
}

func TestHandleWebSocket_RequiresToken(t *testing.T) {
	r := newRelay(t, false, config.AuthConfig{})
	wsURL := "ws" + strings.TrimPrefix(r.ui.URL, "http") + "/ws"

	_, resp, err := gwebsocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	info := r.negotiate(t)
	conn, _, err := gwebsocket.DefaultDialer.Dial(wsURL+"?access_token="+info.AccessToken, nil)
	require.NoError(t, err)
	conn.Close()
}

func TestTwinEndpoints(t *testing.T) {
	r := newRelay(t, true, config.AuthConfig{})
	r.twins.SetTwin("T1", map[string]any{"$dtId": "T1", "Alert": false, "Power": 1200})

	resp := r.authed(t, http.MethodGet, "/api/turbines/T1/twin", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var doc map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&doc))
	assert.Equal(t, "T1", doc["$dtId"])

	resp = r.authed(t, http.MethodGet, "/api/turbines/T9/twin", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = r.authed(t, http.MethodPost, "/api/turbines/T1/alert", `{"alert":true}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var ack alertResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&ack))
	assert.Equal(t, alertResponse{TurbineID: "T1", Alert: true, Status: http.StatusNoContent}, ack)
	assert.True(t, r.twins.Alert("T1"))

	resp = r.authed(t, http.MethodPost, "/api/turbines/T1/alert", `{}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	r.twins.SetPatchStatus(http.StatusTooManyRequests)
	resp = r.authed(t, http.MethodPost, "/api/turbines/T1/alert", `{"alert":false}`)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.True(t, r.twins.Alert("T1"))
}

func TestTwinEndpoints_NotConfigured(t *testing.T) {
	r := newRelay(t, false, config.AuthConfig{})

	resp := r.authed(t, http.MethodGet, "/api/turbines/T1/twin", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	resp = r.authed(t, http.MethodPost, "/api/turbines/T1/alert", `{"alert":true}`)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, r.ui.URL+"/api/turbines", nil)
	require.NoError(t, err)
	unauth, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	unauth.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, unauth.StatusCode)
}

func TestHandleTurbinesAndMetrics(t *testing.T) {
	r := newRelay(t, false, config.AuthConfig{})
	r.post(t, `{"eventType":"Microsoft.DigitalTwins.Twin.Update","subject":"T3",
		"data":{"data":{"patch":[{"op":"replace","path":"/Alert","value":true}]}}}`, nil)

	resp := r.authed(t, http.MethodGet, "/api/turbines", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var turbines []storage.Turbine
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&turbines))
	require.Len(t, turbines, 1)
	assert.Equal(t, "T3", turbines[0].DeviceID)
	require.NotNil(t, turbines[0].Alert)
	assert.True(t, *turbines[0].Alert)

	m, err := http.Get(r.data.URL + "/metrics")
	require.NoError(t, err)
	defer m.Body.Close()
	body, err := io.ReadAll(m.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "windtwin_relay_events_received_total")
	assert.Contains(t, string(body), "windtwin_http_request_duration_seconds")
}

func TestDispatch_CountsBroadcastOnce(t *testing.T) {
	r := newRelay(t, false, config.AuthConfig{})
	counter := metrics.BroadcastsPublished.WithLabelValues(data.TargetProperty)
	before := testutil.ToFloat64(counter)

	r.handler.Dispatch(router.Broadcast{
		Target:   data.TargetProperty,
		DeviceID: "T7",
		Payload:  data.PropertyMessage{TurbineID: "T7", Alert: true},
	})

	assert.Equal(t, before+1, testutil.ToFloat64(counter))
}
