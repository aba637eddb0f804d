package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"windtwin-gateway/internal/config"
	"windtwin-gateway/internal/data"
	hub "windtwin-gateway/internal/websocket"
)

const (
	// idleTimeout drops a connection that has seen neither data nor a ping
	// for this long. The hub pings well inside it.
	idleTimeout = 2 * time.Minute
	writeWait   = 10 * time.Second
)

// Handler receives decoded hub frames on the connection's read goroutine.
type Handler interface {
	Handle(env hub.Envelope)
}

// ConnectionConfig says where and how to reach the hub.
type ConnectionConfig struct {
	// HubURL is dialled directly when NegotiateURL is empty.
	HubURL string
	// NegotiateURL, when set, is POSTed before every dial to obtain the hub
	// URL and an access token.
	NegotiateURL string
	Username     string
	Password     string
	Reconnect    config.ReconnectConfig
}

// Connection keeps one viewer attached to the hub. It reconnects after every
// closure until Stop is called or its context ends.
type Connection struct {
	cfg        ConnectionConfig
	handler    Handler
	dialer     *websocket.Dialer
	httpClient *http.Client
	logger     zerolog.Logger

	connects atomic.Int32

	mu      sync.Mutex
	conn    *websocket.Conn
	cancel  context.CancelFunc
	stopped bool
}

func NewConnection(cfg ConnectionConfig, handler Handler, logger zerolog.Logger) *Connection {
	return &Connection{
		cfg:        cfg,
		handler:    handler,
		dialer:     &websocket.Dialer{HandshakeTimeout: 10 * time.Second, Proxy: http.ProxyFromEnvironment},
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
	}
}

// Connects returns how many times a connection was established.
func (c *Connection) Connects() int {
	return int(c.connects.Load())
}

// Run connects, reads until the connection closes and reconnects, until ctx
// ends or Stop is called.
func (c *Connection) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.cancel = cancel
	c.mu.Unlock()

	for {
		conn, err := backoff.Retry(ctx,
			func() (*websocket.Conn, error) { return c.connect(ctx) },
			backoff.WithBackOff(c.newBackOff()),
			backoff.WithMaxElapsedTime(0),
			backoff.WithNotify(func(err error, next time.Duration) {
				c.logger.Warn().Err(err).Dur("retry_in", next).Msg("Hub connection failed")
			}),
		)
		if err != nil {
			// Retry only gives up when ctx is done.
			c.logger.Info().Msg("Hub connection stopped")
			return nil
		}

		if !c.attach(conn) {
			conn.Close()
			return nil
		}
		n := c.connects.Add(1)
		c.logger.Info().Int("connects", int(n)).Msg("Connected to hub")

		err = c.readLoop(ctx, conn)
		c.detach(conn)

		if ctx.Err() != nil {
			c.logger.Info().Msg("Hub connection stopped")
			return nil
		}
		c.logger.Warn().Err(err).Msg("Hub connection closed, reconnecting")
	}
}

// Stop tears down the current connection and ends Run.
func (c *Connection) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	if c.cancel != nil {
		c.cancel()
	}
	if c.conn != nil {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
		c.conn.Close()
	}
}

func (c *Connection) attach(conn *websocket.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return false
	}
	c.conn = conn
	return true
}

func (c *Connection) detach(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	conn.Close()
}

func (c *Connection) current() *websocket.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

func (c *Connection) newBackOff() backoff.BackOff {
	r := c.cfg.Reconnect
	if r.InitialInterval <= 0 {
		return &backoff.ZeroBackOff{}
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.InitialInterval
	if r.MaxInterval > 0 {
		b.MaxInterval = r.MaxInterval
	}
	if r.Multiplier > 1 {
		b.Multiplier = r.Multiplier
	}
	return b
}

// connect negotiates when configured and dials the hub.
func (c *Connection) connect(ctx context.Context) (*websocket.Conn, error) {
	hubURL := c.cfg.HubURL
	header := http.Header{}

	if c.cfg.NegotiateURL != "" {
		info, err := c.negotiate(ctx)
		if err != nil {
			return nil, err
		}
		if info.URL != "" {
			hubURL = info.URL
		}
		if info.AccessToken != "" {
			header.Set("Authorization", "Bearer "+info.AccessToken)
		}
	}

	conn, resp, err := c.dialer.DialContext(ctx, hubURL, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: hub rejected connection: %d", data.ErrAuth, resp.StatusCode)
		}
		return nil, fmt.Errorf("%w: dial %s: %v", data.ErrTransport, hubURL, err)
	}
	return conn, nil
}

func (c *Connection) negotiate(ctx context.Context) (data.ConnectionInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.NegotiateURL, nil)
	if err != nil {
		return data.ConnectionInfo{}, err
	}
	if c.cfg.Username != "" {
		req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return data.ConnectionInfo{}, fmt.Errorf("%w: negotiate: %v", data.ErrTransport, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return data.ConnectionInfo{}, fmt.Errorf("%w: negotiate: %v", data.ErrTransport, err)
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return data.ConnectionInfo{}, fmt.Errorf("%w: negotiate returned %d", data.ErrAuth, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return data.ConnectionInfo{}, fmt.Errorf("%w: negotiate returned %d", data.ErrTransport, resp.StatusCode)
	}

	var info data.ConnectionInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return data.ConnectionInfo{}, fmt.Errorf("%w: negotiate response: %v", data.ErrParse, err)
	}
	return info, nil
}

// readLoop delivers frames to the handler until the connection fails.
func (c *Connection) readLoop(ctx context.Context, conn *websocket.Conn) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	_ = conn.SetReadDeadline(time.Now().Add(idleTimeout))
	conn.SetPingHandler(func(appData string) error {
		_ = conn.SetReadDeadline(time.Now().Add(idleTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
	})

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(idleTimeout))

		env, err := hub.Decode(frame)
		if err != nil {
			c.logger.Warn().Err(err).Msg("Dropping hub frame")
			continue
		}
		c.handler.Handle(env)
	}
}
