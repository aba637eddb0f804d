// internal/websocket/hub.go
package websocket

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"windtwin-gateway/internal/metrics"
)

// ErrHubClosed is returned by Publish once Run has returned.
var ErrHubClosed = errors.New("hub closed")

const sendBufferSize = 256

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true }, // viewers connect from any origin
}

// Hub maintains the set of active clients and broadcasts messages to all of
// them. Only the Run goroutine touches the client set.
type Hub struct {
	clients    map[*Client]struct{}
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	count      atomic.Int32
	onRegister func(*Client)
	logger     zerolog.Logger
}

// Option configures a Hub.
type Option func(*Hub)

// WithOnRegister calls fn in its own goroutine after each client joins.
func WithOnRegister(fn func(*Client)) Option {
	return func(h *Hub) { h.onRegister = fn }
}

func NewHub(logger zerolog.Logger, opts ...Option) *Hub {
	h := &Hub{
		clients:    make(map[*Client]struct{}),
		broadcast:  make(chan []byte),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		logger:     logger,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run serves registrations and broadcasts until ctx is cancelled, then
// disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	defer func() {
		for client := range h.clients {
			h.remove(client)
		}
		close(h.done)
		h.logger.Info().Msg("Hub stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case client := <-h.register:
			h.clients[client] = struct{}{}
			h.setCount()
			h.logger.Info().Str("client", client.ID).Str("remote", client.remote).Msg("WebSocket client registered")
			if h.onRegister != nil {
				go h.onRegister(client)
			}

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				h.remove(client)
				h.logger.Info().Str("client", client.ID).Str("remote", client.remote).Msg("WebSocket client unregistered")
			}

		case message := <-h.broadcast:
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					h.logger.Warn().Str("client", client.ID).Msg("WebSocket client send buffer full, removing")
					metrics.SlowClientsDropped.Inc()
					h.remove(client)
				}
			}
		}
	}
}

func (h *Hub) remove(client *Client) {
	delete(h.clients, client)
	close(client.send)
	h.setCount()
}

func (h *Hub) setCount() {
	h.count.Store(int32(len(h.clients)))
	metrics.HubClients.Set(float64(len(h.clients)))
}

// Clients returns the number of registered clients.
func (h *Hub) Clients() int {
	return int(h.count.Load())
}

// Publish sends a named message to every connected client. It blocks until
// the Run loop accepts the message.
func (h *Hub) Publish(target string, payload any) error {
	frame, err := Encode(target, payload)
	if err != nil {
		return err
	}
	select {
	case h.broadcast <- frame:
		metrics.BroadcastsPublished.WithLabelValues(target).Inc()
		return nil
	case <-h.done:
		return ErrHubClosed
	}
}

// ServeWS upgrades the request and attaches the connection to the hub.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	client := &Client{
		ID:     uuid.NewString(),
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		remote: conn.RemoteAddr().String(),
		logger: h.logger,
	}

	select {
	case h.register <- client:
	case <-h.done:
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "hub closed"))
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

func (h *Hub) leave(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}
