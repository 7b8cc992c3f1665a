package executor

import (
	"sync"
	"time"

	"github.com/creditgate/creditgate/internal/models"
)

// Registry tracks in-flight reservations keyed by correlation id. It is
// deliberately in-memory: a reservation lives for at most one operation,
// and anything older than the TTL is swept and refunded by the janitor.
type Registry struct {
	mu   sync.Mutex
	held map[string]*models.Reservation
	ttl  time.Duration
	now  func() time.Time
}

func NewRegistry(ttl time.Duration) *Registry {
	return &Registry{
		held: make(map[string]*models.Reservation),
		ttl:  ttl,
		now:  time.Now,
	}
}

// Register adds a held reservation. A correlation id that is already
// in flight is rejected so double submissions cannot double-debit.
func (r *Registry) Register(res *models.Reservation) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.held[res.CorrelationID]; exists {
		return models.NewConstraintViolationError("operation already in flight", nil)
	}

	res.State = models.ReservationHeld
	if res.CreatedAt.IsZero() {
		res.CreatedAt = r.now()
	}
	r.held[res.CorrelationID] = res
	return nil
}

// Get returns the in-flight reservation for a correlation id, or nil.
func (r *Registry) Get(correlationID string) *models.Reservation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.held[correlationID]
}

// Resolve removes the reservation and records its terminal state.
func (r *Registry) Resolve(correlationID string, state models.ReservationState) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if res, ok := r.held[correlationID]; ok {
		res.State = state
		delete(r.held, correlationID)
	}
}

// Sweep removes every reservation held longer than the TTL and returns
// them marked expired, so the caller can refund the ones that debited.
func (r *Registry) Sweep() []*models.Reservation {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-r.ttl)
	var expired []*models.Reservation
	for id, res := range r.held {
		if res.CreatedAt.Before(cutoff) {
			res.State = models.ReservationExpired
			delete(r.held, id)
			expired = append(expired, res)
		}
	}
	return expired
}

// Len reports the number of in-flight reservations.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.held)
}
