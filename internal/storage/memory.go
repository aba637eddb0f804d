// internal/storage/memory.go
package storage

import (
	"sort"
	"sync"
	"time"

	"windtwin-gateway/internal/data"
	"windtwin-gateway/internal/router"
)

// Turbine is the relay's last-seen view of one device.
type Turbine struct {
	DeviceID  string            `json:"deviceId"`
	Telemetry *data.OrderedMap  `json:"telemetry,omitempty"`
	Alert     *bool             `json:"alert,omitempty"`
	LastSeen  time.Time         `json:"lastSeen"`
	Counts    map[string]uint64 `json:"counts"`
}

// MemoryStore keeps the latest broadcast per device. It is read for
// inspection only and never replayed to hub clients.
type MemoryStore struct {
	mu       sync.RWMutex
	turbines map[string]*Turbine
	fleet    map[string]struct{}
	now      func() time.Time
}

// StoreOption configures a MemoryStore.
type StoreOption func(*MemoryStore)

// WithFleet limits the store to the given device ids. Broadcasts for other
// devices are still published but not recorded.
func WithFleet(ids []string) StoreOption {
	return func(s *MemoryStore) {
		s.fleet = make(map[string]struct{}, len(ids))
		for _, id := range ids {
			s.fleet[id] = struct{}{}
		}
	}
}

func NewMemoryStore(opts ...StoreOption) *MemoryStore {
	s := &MemoryStore{
		turbines: make(map[string]*Turbine),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add records a routed broadcast. Broadcasts without a device id, or for a
// device outside the fleet, are ignored.
func (s *MemoryStore) Add(b router.Broadcast) {
	if b.DeviceID == "" {
		return
	}
	if s.fleet != nil {
		if _, ok := s.fleet[b.DeviceID]; !ok {
			return
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.turbines[b.DeviceID]
	if !ok {
		t = &Turbine{DeviceID: b.DeviceID, Counts: make(map[string]uint64)}
		s.turbines[b.DeviceID] = t
	}
	switch p := b.Payload.(type) {
	case *data.OrderedMap:
		t.Telemetry = p
	case data.PropertyMessage:
		alert := p.Alert
		t.Alert = &alert
	}
	t.Counts[b.Target]++
	t.LastSeen = s.now()
}

// Get returns a copy of one device's view.
func (s *MemoryStore) Get(deviceID string) (Turbine, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.turbines[deviceID]
	if !ok {
		return Turbine{}, false
	}
	return t.copy(), true
}

// GetAll returns copies of every device's view sorted by device id.
func (s *MemoryStore) GetAll() []Turbine {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]Turbine, 0, len(s.turbines))
	for _, t := range s.turbines {
		result = append(result, t.copy())
	}
	sort.Slice(result, func(i, j int) bool { return result[i].DeviceID < result[j].DeviceID })
	return result
}

// copy shares the telemetry map, which is never mutated after routing.
func (t *Turbine) copy() Turbine {
	out := *t
	if t.Alert != nil {
		alert := *t.Alert
		out.Alert = &alert
	}
	out.Counts = make(map[string]uint64, len(t.Counts))
	for k, v := range t.Counts {
		out.Counts[k] = v
	}
	return out
}
