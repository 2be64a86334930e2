/**
 * @description
 * This package defines the settlement dispatcher boundary: the external
 * chain layer that broadcasts a co-signed transfer payload and reports its
 * confirmation status. One implementation exists per chain family
 * (EVM-compatible and account-model); the orchestrator selects by the
 * payment's declared chain.
 *
 * @notes
 * - Broadcast is idempotent on the dispatcher side, keyed by payment id:
 *   resubmitting the same payment cannot double-spend.
 * - A transport failure after submission is an indeterminate outcome; the
 *   caller must hold the payment in `settling` rather than releasing it.
 *
 * @dependencies
 * - context, encoding/json, fmt, net/http, time: Standard Go libraries.
 */
package dispatch

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/agentrail/payment-service/internal/domain"
)

// Broadcast outcomes.
const (
	OutcomeSubmitted = "submitted"
	OutcomeConfirmed = "confirmed"
	OutcomeRejected  = "rejected"
)

// ErrIndeterminate marks a broadcast whose status is unknown: the request
// may or may not have reached the chain. Never treat as rejection.
var ErrIndeterminate = errors.New("settlement outcome indeterminate")

// SignedPayload is the co-signed transfer instruction handed to a dispatcher.
type SignedPayload struct {
	PaymentID        uuid.UUID    `json:"payment_id"`
	Chain            domain.Chain `json:"chain"`
	RecipientAddress string       `json:"recipient_address"`
	Amount           int64        `json:"amount"`       // in micro-units
	PayloadHash      string       `json:"payload_hash"` // hex
	Signature        string       `json:"signature"`    // base64
	PublicKey        string       `json:"public_key"`   // base64 joint key
}

// BroadcastResult is the dispatcher's report for one broadcast attempt.
type BroadcastResult struct {
	Outcome       string `json:"outcome"` // 'submitted', 'confirmed', 'rejected'
	SettlementRef string `json:"settlement_ref,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

// Dispatcher is the per-chain settlement boundary.
type Dispatcher interface {
	// Broadcast submits a signed payload. Resubmission with the same
	// payment id must return the original outcome, not a double spend.
	Broadcast(ctx context.Context, payload SignedPayload) (*BroadcastResult, error)
	// Status polls the settlement state for a previously broadcast payment.
	Status(ctx context.Context, paymentID uuid.UUID) (*BroadcastResult, error)
	// Chain reports which chain family this dispatcher serves.
	Chain() domain.Chain
}

// Registry selects a dispatcher by the payment's declared chain.
type Registry struct {
	dispatchers map[domain.Chain]Dispatcher
}

// NewRegistry builds a registry over the given dispatchers.
func NewRegistry(dispatchers ...Dispatcher) *Registry {
	m := make(map[domain.Chain]Dispatcher, len(dispatchers))
	for _, d := range dispatchers {
		m[d.Chain()] = d
	}
	return &Registry{dispatchers: m}
}

// For returns the dispatcher serving the given chain.
func (r *Registry) For(chain domain.Chain) (Dispatcher, error) {
	d, ok := r.dispatchers[chain]
	if !ok {
		return nil, errors.New("no dispatcher registered for chain " + string(chain))
	}
	return d, nil
}
