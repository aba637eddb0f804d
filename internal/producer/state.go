package producer

import (
	"fmt"
	"sync"

	"windtwin-gateway/internal/data"
)

// State is the producer's shared mutable state: the per-device alert flags
// and the dataset cursor. The streaming loop and the alert trigger both go
// through its methods.
type State struct {
	mu     sync.Mutex
	fleet  []string
	index  map[string]int
	alerts map[string]bool
	cursor int
}

// NewState creates state for a fixed fleet. The order of fleet is the order
// devices are served frames in.
func NewState(fleet []string) *State {
	s := &State{
		fleet:  append([]string(nil), fleet...),
		index:  make(map[string]int, len(fleet)),
		alerts: make(map[string]bool, len(fleet)),
	}
	for i, id := range s.fleet {
		s.index[id] = i
	}
	return s
}

// Fleet returns the managed devices in serving order.
func (s *State) Fleet() []string {
	return append([]string(nil), s.fleet...)
}

// Has reports whether deviceID is part of the fleet.
func (s *State) Has(deviceID string) bool {
	_, ok := s.index[deviceID]
	return ok
}

// AlertActive reports the local alert flag for deviceID.
func (s *State) AlertActive(deviceID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.alerts[deviceID]
}

// Raise marks the device's alert active. It is only called in response to a
// local command.
func (s *State) Raise(deviceID string) error {
	if !s.Has(deviceID) {
		return fmt.Errorf("%w: device %s is not in the fleet", data.ErrUnknownEntity, deviceID)
	}
	s.mu.Lock()
	s.alerts[deviceID] = true
	s.mu.Unlock()
	return nil
}

// ConfirmCleared drops the local alert after the twin store reported it false.
// It returns true when the flag was set.
func (s *State) ConfirmCleared(deviceID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	was := s.alerts[deviceID]
	delete(s.alerts, deviceID)
	return was
}

// ClearLocal drops the local alert without a twin confirmation. Only used
// when no twin store is configured.
func (s *State) ClearLocal(deviceID string) error {
	if !s.Has(deviceID) {
		return fmt.Errorf("%w: device %s is not in the fleet", data.ErrUnknownEntity, deviceID)
	}
	s.ConfirmCleared(deviceID)
	return nil
}

// Cursor returns the dataset offset of the first device for the next tick.
func (s *State) Cursor() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// Advance moves the cursor one fleet-width forward over a dataset of n
// frames, wrapping to 0 when the following tick would run past the end. It
// returns the new cursor.
func (s *State) Advance(n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursor = nextCursor(s.cursor, len(s.fleet), n)
	return s.cursor
}

func nextCursor(cursor, fleetSize, n int) int {
	next := cursor + fleetSize
	if next+fleetSize > n {
		return 0
	}
	return next
}
