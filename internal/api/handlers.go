package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"windtwin-gateway/internal/auth"
	"windtwin-gateway/internal/data"
	"windtwin-gateway/internal/metrics"
	"windtwin-gateway/internal/router"
	"windtwin-gateway/internal/storage"
	"windtwin-gateway/internal/twin"
	"windtwin-gateway/internal/websocket"
)

const (
	maxEventBody = 1 << 20

	validationEventType = "Microsoft.EventGrid.SubscriptionValidationEvent"
)

// TwinService is the part of the twin client the relay exposes over HTTP.
type TwinService interface {
	GetTwin(ctx context.Context, twinID string) (map[string]any, error)
	PatchProperty(ctx context.Context, twinID, name string, value bool) (int, error)
}

// APIHandler serves the relay's HTTP surface and dispatches routed events
// to the hub.
type APIHandler struct {
	router       *router.Router
	store        *storage.MemoryStore
	hub          *websocket.Hub
	twin         TwinService
	auth         *auth.AuthManager
	publicHubURL string
	logger       zerolog.Logger
}

// NewAPIHandler wires the handler. twin may be nil when no twin store is
// configured; the twin routes then answer 503.
func NewAPIHandler(rt *router.Router, store *storage.MemoryStore, hub *websocket.Hub, twin TwinService, am *auth.AuthManager, publicHubURL string, logger zerolog.Logger) *APIHandler {
	return &APIHandler{
		router:       rt,
		store:        store,
		hub:          hub,
		twin:         twin,
		auth:         am,
		publicHubURL: publicHubURL,
		logger:       logger,
	}
}

// Dispatch records b in the snapshot store and publishes it to hub clients.
func (h *APIHandler) Dispatch(b router.Broadcast) {
	h.store.Add(b)
	if err := h.hub.Publish(b.Target, b.Payload); err != nil {
		h.logger.Warn().Err(err).Str("target", b.Target).Str("turbine", b.DeviceID).Msg("Broadcast failed")
	}
}

// Ingest routes one event from source and dispatches the result.
func (h *APIHandler) Ingest(ev data.IngestionEvent, source string) {
	b, ok := h.router.Route(ev)
	if !ok {
		metrics.EventsReceived.WithLabelValues(source, "dropped").Inc()
		return
	}
	metrics.EventsReceived.WithLabelValues(source, "routed").Inc()
	h.Dispatch(b)
}

// IngestRaw decodes one JSON event from source and ingests it.
func (h *APIHandler) IngestRaw(body []byte, source string) {
	var ev data.IngestionEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		metrics.EventsReceived.WithLabelValues(source, "dropped").Inc()
		h.logger.Warn().Err(fmt.Errorf("%w: %v", data.ErrParse, err)).Str("source", source).Msg("Dropping undecodable event")
		return
	}
	h.Ingest(ev, source)
}

// HandleEvents accepts one ingestion event or an array of them. Delivery is
// fire-and-forget: any authenticated request gets 202 and per-event failures
// are only logged. A subscription validation event is answered with its code.
func (h *APIHandler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxEventBody))
	if err != nil {
		h.logger.Warn().Err(err).Msg("Error reading event body")
		w.WriteHeader(http.StatusAccepted)
		return
	}
	defer r.Body.Close()

	events, err := decodeEvents(body)
	if err != nil {
		metrics.EventsReceived.WithLabelValues("http", "dropped").Inc()
		h.logger.Warn().Err(err).Msg("Dropping undecodable event batch")
		w.WriteHeader(http.StatusAccepted)
		return
	}

	for _, ev := range events {
		if ev.EventType == validationEventType {
			h.answerValidation(w, ev)
			return
		}
	}
	for _, ev := range events {
		h.Ingest(ev, "http")
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *APIHandler) answerValidation(w http.ResponseWriter, ev data.IngestionEvent) {
	var payload struct {
		ValidationCode string `json:"validationCode"`
	}
	if err := json.Unmarshal(ev.Data, &payload); err != nil || payload.ValidationCode == "" {
		h.logger.Warn().Err(err).Msg("Subscription validation without a code")
		w.WriteHeader(http.StatusAccepted)
		return
	}
	h.logger.Info().Msg("Answering subscription validation")
	writeJSON(w, http.StatusOK, map[string]string{"validationResponse": payload.ValidationCode})
}

func decodeEvents(body []byte) ([]data.IngestionEvent, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var raws []json.RawMessage
		if err := json.Unmarshal(trimmed, &raws); err != nil {
			return nil, fmt.Errorf("%w: %v", data.ErrParse, err)
		}
		events := make([]data.IngestionEvent, 0, len(raws))
		for _, raw := range raws {
			var ev data.IngestionEvent
			if err := json.Unmarshal(raw, &ev); err != nil {
				// one bad element does not sink the batch
				continue
			}
			events = append(events, ev)
		}
		return events, nil
	}

	var ev data.IngestionEvent
	if err := json.Unmarshal(trimmed, &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", data.ErrParse, err)
	}
	return []data.IngestionEvent{ev}, nil
}

// HandleNegotiate returns the hub URL and a fresh access token. When users
// are configured the request must carry basic credentials.
func (h *APIHandler) HandleNegotiate(w http.ResponseWriter, r *http.Request) {
	username, role := "anonymous", "viewer"
	if h.auth.RequiresLogin() {
		user, pass, ok := r.BasicAuth()
		if !ok {
			w.Header().Set("WWW-Authenticate", `Basic realm="windtwin"`)
			http.Error(w, "Credentials required", http.StatusUnauthorized)
			return
		}
		var err error
		if role, err = h.auth.AuthenticateUser(user, pass); err != nil {
			h.logger.Warn().Str("username", user).Msg("Negotiate rejected")
			http.Error(w, "Invalid credentials", http.StatusUnauthorized)
			return
		}
		username = user
	}

	connectionID := uuid.NewString()
	token, _, err := h.auth.GenerateJWT(username, role, connectionID)
	if err != nil {
		h.logger.Error().Err(err).Msg("Error signing access token")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	h.logger.Info().Str("username", username).Str("connection_id", connectionID).Msg("Negotiated hub connection")
	writeJSON(w, http.StatusOK, data.ConnectionInfo{
		URL:          h.publicHubURL,
		AccessToken:  token,
		ConnectionID: connectionID,
	})
}

// HandleWebSocket upgrades an authenticated request and registers the
// client with the hub.
func (h *APIHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	h.hub.ServeWS(w, r)
}

// HandleTurbines returns the relay's last-seen view of every device.
func (h *APIHandler) HandleTurbines(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.store.GetAll())
}

// HandleTwin returns one twin document from the twin store.
func (h *APIHandler) HandleTwin(w http.ResponseWriter, r *http.Request) {
	if h.twin == nil {
		http.Error(w, "Twin store not configured", http.StatusServiceUnavailable)
		return
	}

	id := chi.URLParam(r, "id")
	doc, err := h.twin.GetTwin(r.Context(), id)
	if err != nil {
		h.writeTwinError(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

type alertRequest struct {
	Alert *bool `json:"alert"`
}

type alertResponse struct {
	TurbineID string `json:"turbineId"`
	Alert     bool   `json:"alert"`
	Status    int    `json:"status"`
}

// HandleSetAlert patches a twin's Alert property. The resulting twin change
// reaches viewers through the ingestion path, not from here.
func (h *APIHandler) HandleSetAlert(w http.ResponseWriter, r *http.Request) {
	if h.twin == nil {
		http.Error(w, "Twin store not configured", http.StatusServiceUnavailable)
		return
	}

	var req alertRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&req); err != nil || req.Alert == nil {
		http.Error(w, `Bad Request: expected {"alert": true|false}`, http.StatusBadRequest)
		return
	}

	id := chi.URLParam(r, "id")
	status, err := h.twin.PatchProperty(r.Context(), id, data.AlertProperty, *req.Alert)
	if err != nil {
		h.writeTwinError(w, id, err)
		return
	}

	resp := alertResponse{TurbineID: id, Alert: *req.Alert, Status: status}
	if status != http.StatusNoContent {
		writeJSON(w, http.StatusBadGateway, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *APIHandler) writeTwinError(w http.ResponseWriter, id string, err error) {
	h.logger.Warn().Err(err).Str("turbine", id).Msg("Twin request failed")
	switch {
	case twin.IsNotFound(err):
		http.Error(w, "Twin not found", http.StatusNotFound)
	case errors.Is(err, data.ErrParse):
		http.Error(w, "Unreadable twin response", http.StatusBadGateway)
	case errors.Is(err, data.ErrAuth):
		http.Error(w, "Twin store rejected credentials", http.StatusBadGateway)
	default:
		http.Error(w, "Twin store unavailable", http.StatusBadGateway)
	}
}

// HandleHealth reports liveness and the connected client count.
func (h *APIHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "clients": h.hub.Clients()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
