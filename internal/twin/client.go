// Package twin is a small client for the digital twin REST API. It reads and
// patches a single boolean property of a twin and owns bearer token
// acquisition.
package twin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"windtwin-gateway/internal/config"
	"windtwin-gateway/internal/data"
)

const jsonContentType = "application/json"

// Client talks to one twin instance. The underlying http.Client is created
// once and reused; the token is never shared with other Client values.
type Client struct {
	baseURL    *url.URL
	apiVersion string
	httpClient *http.Client
	tokens     *tokenProvider
	logger     zerolog.Logger

	mu         sync.RWMutex
	authHeader string
}

// NewClient builds a client from cfg. httpClient may be nil.
func NewClient(cfg config.TwinConfig, httpClient *http.Client, logger zerolog.Logger) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.InstanceURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid twin instance url %q", cfg.InstanceURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	return &Client{
		baseURL:    base,
		apiVersion: cfg.APIVersion,
		httpClient: httpClient,
		tokens:     newTokenProvider(cfg, httpClient),
		logger:     logger,
	}, nil
}

// Authenticate runs the client-credentials exchange (or reuses an unexpired
// token when caching is on) and installs the bearer header for later calls.
func (c *Client) Authenticate(ctx context.Context) error {
	token, err := c.tokens.token(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Twin authentication failed")
		return err
	}

	c.mu.Lock()
	c.authHeader = "Bearer " + token
	c.mu.Unlock()
	return nil
}

// GetTwin fetches the full twin document.
func (c *Client) GetTwin(ctx context.Context, twinID string) (map[string]any, error) {
	if err := c.Authenticate(ctx); err != nil {
		return nil, err
	}

	req, err := c.newRequest(ctx, http.MethodGet, twinID, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: get twin %s: %v", data.ErrTransport, twinID, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read twin %s: %v", data.ErrTransport, twinID, err)
	}
	if err := statusError(resp.StatusCode, body); err != nil {
		return nil, fmt.Errorf("get twin %s: %w", twinID, err)
	}

	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("%w: twin %s document: %v", data.ErrParse, twinID, err)
	}

	c.logger.Debug().Str("twin_id", twinID).Int("bytes", len(body)).Msg("Twin data received")
	return doc, nil
}

// ReadProperty returns the current value of a boolean twin property.
func (c *Client) ReadProperty(ctx context.Context, twinID, name string) (bool, error) {
	doc, err := c.GetTwin(ctx, twinID)
	if err != nil {
		return false, err
	}
	raw, ok := doc[name]
	if !ok {
		return false, fmt.Errorf("%w: twin %s has no %s property", data.ErrParse, twinID, name)
	}
	value, ok := raw.(bool)
	if !ok {
		return false, fmt.Errorf("%w: twin %s property %s is %T, not bool", data.ErrParse, twinID, name, raw)
	}
	return value, nil
}

// ReadAlert returns the twin's Alert property.
func (c *Client) ReadAlert(ctx context.Context, twinID string) (bool, error) {
	return c.ReadProperty(ctx, twinID, data.AlertProperty)
}

// PatchProperty replaces one boolean property and returns the raw status
// code. Callers treat 204 as success; there is no retry.
func (c *Client) PatchProperty(ctx context.Context, twinID, name string, value bool) (int, error) {
	if err := c.Authenticate(ctx); err != nil {
		return 0, err
	}

	body, err := json.Marshal([]patchOp{{Op: "replace", Path: "/" + name, Value: value}})
	if err != nil {
		return 0, err
	}
	req, err := c.newRequest(ctx, http.MethodPatch, twinID, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", jsonContentType)

	c.logger.Info().Str("twin_id", twinID).Str("property", name).Bool("value", value).Msg("Updating twin property")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: patch twin %s: %v", data.ErrTransport, twinID, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode == http.StatusNoContent {
		c.logger.Debug().Str("twin_id", twinID).Msg("Update succeeded")
	} else {
		c.logger.Warn().Str("twin_id", twinID).Int("status", resp.StatusCode).Msg("Update failed")
	}
	return resp.StatusCode, nil
}

// SetAlert sets the twin's Alert property to true.
func (c *Client) SetAlert(ctx context.Context, twinID string) (int, error) {
	return c.PatchProperty(ctx, twinID, data.AlertProperty, true)
}

// ClearAlert sets the twin's Alert property to false.
func (c *Client) ClearAlert(ctx context.Context, twinID string) (int, error) {
	return c.PatchProperty(ctx, twinID, data.AlertProperty, false)
}

type patchOp struct {
	Op    string `json:"op"`
	Path  string `json:"path"`
	Value bool   `json:"value"`
}

func (c *Client) newRequest(ctx context.Context, method, twinID string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.twinURL(twinID), body)
	if err != nil {
		return nil, err
	}
	c.mu.RLock()
	req.Header.Set("Authorization", c.authHeader)
	c.mu.RUnlock()
	req.Header.Set("Accept", jsonContentType)
	return req, nil
}

func (c *Client) twinURL(twinID string) string {
	u := *c.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + "/digitaltwins/" + url.PathEscape(twinID)
	u.RawQuery = url.Values{"api-version": {c.apiVersion}}.Encode()
	return u.String()
}

// StatusError is a non-2xx twin API response. It unwraps to data.ErrAuth
// for 401 and 403 and to data.ErrTransport otherwise.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("twin api status %d: %s", e.Code, e.Body)
}

func (e *StatusError) Unwrap() error {
	if e.Code == http.StatusUnauthorized || e.Code == http.StatusForbidden {
		return data.ErrAuth
	}
	return data.ErrTransport
}

func statusError(code int, body []byte) error {
	if code >= 200 && code < 300 {
		return nil
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 256 {
		msg = msg[:256]
	}
	return &StatusError{Code: code, Body: msg}
}

// IsNotFound reports whether err came from a 404 twin response.
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == http.StatusNotFound
}
