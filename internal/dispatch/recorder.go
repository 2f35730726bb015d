package dispatch

import (
	"context"
	"errors"
	"sync"

	"github.com/inkbrow/capi-relay/internal/domain"
)

// NopRecorder discards transitions.
type NopRecorder struct{}

func (NopRecorder) Record(context.Context, domain.DeliveryTransition) error { return nil }

// Recorders fans a transition out to several recorders.
type Recorders []TransitionRecorder

func (rs Recorders) Record(ctx context.Context, t domain.DeliveryTransition) error {
	var errs []error
	for _, r := range rs {
		if err := r.Record(ctx, t); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// MemoryRecorder keeps the most recent transitions in a ring and running
// totals per target state. The health endpoint reads it.
type MemoryRecorder struct {
	mu     sync.Mutex
	ring   []domain.DeliveryTransition
	next   int
	full   bool
	counts map[domain.DeliveryState]int
}

// NewMemoryRecorder keeps up to size transitions (at least one).
func NewMemoryRecorder(size int) *MemoryRecorder {
	if size < 1 {
		size = 1
	}
	return &MemoryRecorder{
		ring:   make([]domain.DeliveryTransition, size),
		counts: make(map[domain.DeliveryState]int),
	}
}

func (m *MemoryRecorder) Record(_ context.Context, t domain.DeliveryTransition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ring[m.next] = t
	m.next = (m.next + 1) % len(m.ring)
	if m.next == 0 {
		m.full = true
	}
	m.counts[t.To]++
	return nil
}

// Transitions returns the retained transitions, oldest first.
func (m *MemoryRecorder) Transitions() []domain.DeliveryTransition {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.full {
		return append([]domain.DeliveryTransition(nil), m.ring[:m.next]...)
	}
	out := make([]domain.DeliveryTransition, 0, len(m.ring))
	out = append(out, m.ring[m.next:]...)
	return append(out, m.ring[:m.next]...)
}

// For returns the retained transitions of one event, oldest first.
func (m *MemoryRecorder) For(eventID string) []domain.DeliveryTransition {
	var out []domain.DeliveryTransition
	for _, t := range m.Transitions() {
		if t.EventID == eventID {
			out = append(out, t)
		}
	}
	return out
}

// Counts returns how many transitions reached each state since start.
func (m *MemoryRecorder) Counts() map[domain.DeliveryState]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[domain.DeliveryState]int, len(m.counts))
	for k, v := range m.counts {
		out[k] = v
	}
	return out
}
