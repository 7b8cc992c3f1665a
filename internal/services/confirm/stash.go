package confirm

import (
	"context"
	"time"

	"github.com/creditgate/creditgate/internal/models"
)

// PendingRequest is the stashed payload of an operation awaiting the
// user's yes/no reply to a cost warning.
type PendingRequest struct {
	UserID        int64                `json:"user_id"`
	CorrelationID string               `json:"correlation_id"`
	Kind          models.OperationKind `json:"kind"`
	Qualifier     string               `json:"qualifier"`
	EstimatedCost int64                `json:"estimated_cost"`
	Payload       []byte               `json:"payload,omitempty"`
	CreatedAt     time.Time            `json:"created_at"`
}

// Stash holds pending requests keyed by (user id, correlation id) until
// they are answered or expire.
type Stash interface {
	// Put stores a pending request for at most ttl.
	Put(ctx context.Context, req *PendingRequest, ttl time.Duration) error

	// Take removes and returns the pending request, or nil when it was
	// never stored, already taken, or expired.
	Take(ctx context.Context, userID int64, correlationID string) (*PendingRequest, error)
}
