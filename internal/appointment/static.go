// Package appointment adapts the external booking system to the
// ports.AppointmentLookup contract used by the check-in guard.
package appointment

import (
	"context"
	"sync"

	"atsflow/internal/ports"
)

// Static answers from a fixed table keyed by vehicle and centre. Vehicles
// missing from the table get the fallback status.
type Static struct {
	mu       sync.RWMutex
	fallback ports.AppointmentStatus
	entries  map[string]ports.AppointmentStatus
}

func NewStatic(fallback ports.AppointmentStatus, entries map[string]ports.AppointmentStatus) *Static {
	s := &Static{fallback: fallback, entries: make(map[string]ports.AppointmentStatus, len(entries))}
	for k, v := range entries {
		s.entries[k] = v
	}
	return s
}

func key(vehicleRef, centerRef string) string {
	return vehicleRef + "@" + centerRef
}

// Set records the status for one booking.
func (s *Static) Set(vehicleRef, centerRef string, status ports.AppointmentStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key(vehicleRef, centerRef)] = status
}

func (s *Static) Status(_ context.Context, vehicleRef, centerRef string) (ports.AppointmentStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if st, ok := s.entries[key(vehicleRef, centerRef)]; ok {
		return st, nil
	}
	return s.fallback, nil
}
