// Package twintest provides an in-process twin store speaking the twin REST
// and token contracts, for tests.
package twintest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	jsonpatch "gopkg.in/evanphx/json-patch.v4"

	"windtwin-gateway/internal/config"
)

const (
	ClientID     = "client"
	ClientSecret = "secret"
	TenantID     = "tenant"
)

// Server is a fake twin instance plus token endpoint.
type Server struct {
	*httptest.Server

	tokenRequests atomic.Int32
	twinRequests  atomic.Int32

	mu          sync.Mutex
	twins       map[string][]byte
	issued      map[string]struct{}
	failAuth    bool
	patchStatus int
	tokenTTL    time.Duration
}

// NewServer starts a server that is closed when the test ends.
func NewServer(t testing.TB) *Server {
	t.Helper()

	s := &Server{
		twins:    make(map[string][]byte),
		issued:   make(map[string]struct{}),
		tokenTTL: time.Hour,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /{tenant}/oauth2/token", s.handleToken)
	mux.HandleFunc("GET /digitaltwins/{id}", s.handleGet)
	mux.HandleFunc("PATCH /digitaltwins/{id}", s.handlePatch)

	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

// Config returns twin settings pointing at this server.
func (s *Server) Config(cacheTokens bool) config.TwinConfig {
	return config.TwinConfig{
		InstanceURL:  s.URL,
		TenantID:     TenantID,
		ClientID:     ClientID,
		ClientSecret: ClientSecret,
		TokenURL:     s.URL + "/%s/oauth2/token",
		Resource:     "https://digitaltwins.azure.net",
		APIVersion:   "2020-10-31",
		CacheTokens:  cacheTokens,
		Timeout:      5 * time.Second,
	}
}

// SetTwin stores a twin document.
func (s *Server) SetTwin(id string, doc map[string]any) {
	body, err := json.Marshal(doc)
	if err != nil {
		panic(err)
	}
	s.mu.Lock()
	s.twins[id] = body
	s.mu.Unlock()
}

// SetAlert stores a minimal twin with the given Alert value, keeping any
// other properties already present.
func (s *Server) SetAlert(id string, alert bool) {
	doc := s.Twin(id)
	if doc == nil {
		doc = map[string]any{"$dtId": id}
	}
	doc["Alert"] = alert
	s.SetTwin(id, doc)
}

// Twin returns the stored document, or nil.
func (s *Server) Twin(id string) map[string]any {
	s.mu.Lock()
	body, ok := s.twins[id]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		panic(err)
	}
	return doc
}

// Alert returns the stored Alert value.
func (s *Server) Alert(id string) bool {
	v, _ := s.Twin(id)["Alert"].(bool)
	return v
}

// SetAuthFailure makes the token endpoint reject every request.
func (s *Server) SetAuthFailure(fail bool) {
	s.mu.Lock()
	s.failAuth = fail
	s.mu.Unlock()
}

// SetPatchStatus forces PATCH to answer with code without applying the
// patch. Zero restores normal behaviour.
func (s *Server) SetPatchStatus(code int) {
	s.mu.Lock()
	s.patchStatus = code
	s.mu.Unlock()
}

// TokenRequests returns how many token exchanges were made.
func (s *Server) TokenRequests() int { return int(s.tokenRequests.Load()) }

// TwinRequests returns how many twin reads and patches were made.
func (s *Server) TwinRequests() int { return int(s.twinRequests.Load()) }

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	n := s.tokenRequests.Add(1)

	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	fail := s.failAuth
	s.mu.Unlock()

	if fail ||
		r.PathValue("tenant") != TenantID ||
		r.PostForm.Get("grant_type") != "client_credentials" ||
		r.PostForm.Get("client_id") != ClientID ||
		r.PostForm.Get("client_secret") != ClientSecret ||
		r.PostForm.Get("resource") == "" {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"error":"invalid_client"}`)
		return
	}

	token := fmt.Sprintf("token-%d", n)
	s.mu.Lock()
	s.issued[token] = struct{}{}
	ttl := s.tokenTTL
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{
		"access_token": token,
		"token_type":   "Bearer",
		"expires_in":   fmt.Sprintf("%d", int(ttl.Seconds())),
	})
}

func (s *Server) authorized(r *http.Request) bool {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, known := s.issued[token]
	return known
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	s.twinRequests.Add(1)
	if !s.authorized(r) {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	if r.URL.Query().Get("api-version") == "" {
		http.Error(w, "api-version is required", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	body, ok := s.twins[r.PathValue("id")]
	s.mu.Unlock()
	if !ok {
		http.Error(w, `{"error":{"code":"DigitalTwinNotFound"}}`, http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(body)
}

func (s *Server) handlePatch(w http.ResponseWriter, r *http.Request) {
	s.twinRequests.Add(1)
	if !s.authorized(r) {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.patchStatus != 0 {
		w.WriteHeader(s.patchStatus)
		return
	}

	id := r.PathValue("id")
	doc, ok := s.twins[id]
	if !ok {
		http.Error(w, `{"error":{"code":"DigitalTwinNotFound"}}`, http.StatusNotFound)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	patch, err := jsonpatch.DecodePatch(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	updated, err := patch.Apply(doc)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.twins[id] = updated
	w.WriteHeader(http.StatusNoContent)
}
