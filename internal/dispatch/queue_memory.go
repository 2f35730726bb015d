package dispatch

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/inkbrow/capi-relay/internal/domain"
)

// MemoryRetryQueue is a RetryQueue for single-process deployments and
// tests. Its contents are lost on restart.
type MemoryRetryQueue struct {
	mu    sync.Mutex
	items []domain.DeliveryAttempt
}

func NewMemoryRetryQueue() *MemoryRetryQueue {
	return &MemoryRetryQueue{}
}

func (q *MemoryRetryQueue) Schedule(_ context.Context, a domain.DeliveryAttempt) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, a)
	sort.SliceStable(q.items, func(i, j int) bool {
		return dueAt(q.items[i]).Before(dueAt(q.items[j]))
	})
	return nil
}

func (q *MemoryRetryQueue) ClaimDue(_ context.Context, now time.Time, limit int) ([]domain.DeliveryAttempt, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for n < len(q.items) && (limit <= 0 || n < limit) && !dueAt(q.items[n]).After(now) {
		n++
	}
	if n == 0 {
		return nil, nil
	}
	out := append([]domain.DeliveryAttempt(nil), q.items[:n]...)
	q.items = append(q.items[:0], q.items[n:]...)
	return out, nil
}

func (q *MemoryRetryQueue) Len(context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items), nil
}

// dueAt treats an attempt without a retry time as due immediately.
func dueAt(a domain.DeliveryAttempt) time.Time {
	if a.NextRetryAt == nil {
		return time.Time{}
	}
	return *a.NextRetryAt
}
