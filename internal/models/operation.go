package models

import "time"

// OperationKind identifies a billable bot operation
type OperationKind string

const (
	OperationChatMessage OperationKind = "chat_message"
	OperationImage       OperationKind = "image"
	OperationDocument    OperationKind = "document"
	OperationPhoto       OperationKind = "photo"
)

// ReservationState tracks a reservation through its lifecycle
type ReservationState string

const (
	ReservationHeld     ReservationState = "held"
	ReservationSettled  ReservationState = "settled"
	ReservationRefunded ReservationState = "refunded"
	ReservationExpired  ReservationState = "expired"
)

// Reservation is the transient record of credits held for one operation.
// It lives in memory for at most one operation (or until TTL expiry).
type Reservation struct {
	UserID        int64
	CorrelationID string
	Kind          OperationKind
	Qualifier     string
	EstimatedCost int64
	State         ReservationState
	Debited       bool
	CreatedAt     time.Time
}
