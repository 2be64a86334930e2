/**
 * @description
 * This file defines the `Repository` interface, which specifies the contract for all
 * data access operations required by the payment-service. By defining an interface,
 * we decouple the ledger, vault and orchestrator logic from the specific database
 * implementation (PostgreSQL), making the code more modular and easier to test.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID generation and handling.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/agentrail/payment-service/internal/domain"
)

// Sentinel errors returned by repository implementations. Callers match on
// these with errors.Is rather than inspecting driver errors.
var (
	ErrAgentNotFound       = errors.New("agent not found")
	ErrMerchantNotFound    = errors.New("merchant not found")
	ErrPaymentNotFound     = errors.New("payment not found")
	ErrReservationNotFound = errors.New("reservation not found")
	ErrPositionNotFound    = errors.New("vault position not found")
	ErrInsufficientCredit  = errors.New("insufficient credit")
	ErrStaleTransition     = errors.New("stale status transition")

	// ErrReservationCommitted is returned when a release targets a
	// reservation that already committed. The two terminal states are
	// mutually exclusive; this is never a routine repeat.
	ErrReservationCommitted = errors.New("reservation already committed")

	ErrRepaymentExceedsOutstanding = errors.New("repayment exceeds outstanding balance")
	ErrInsufficientShares          = errors.New("insufficient share balance")
	ErrVaultInsufficientAssets     = errors.New("vault assets insufficient")
	ErrSigningKeyNotFound          = errors.New("agent signing key not found")
)

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// Agent methods
	CreateAgent(ctx context.Context, agent *domain.Agent) error
	FindAgentByID(ctx context.Context, agentID uuid.UUID) (*domain.Agent, error)
	SuspendAgent(ctx context.Context, agentID uuid.UUID, reason string) error
	// MarkOverdueAgentsDelinquent flags every active agent whose repayment
	// due date has passed with a balance still outstanding. Returns the
	// flagged agent IDs.
	MarkOverdueAgentsDelinquent(ctx context.Context, asOf time.Time) ([]uuid.UUID, error)

	// Credit ledger methods. ReserveCredit must enforce
	// outstanding + reserved + amount <= credit_limit inside the statement
	// itself so two racing reservations can never both pass the guard.
	ReserveCredit(ctx context.Context, reservation *domain.CreditReservation) error
	FindReservationByID(ctx context.Context, reservationID uuid.UUID) (*domain.CreditReservation, error)
	CommitReservation(ctx context.Context, reservationID uuid.UUID) (bool, error)
	ReleaseReservation(ctx context.Context, reservationID uuid.UUID) (bool, error)
	// SweepExpiredReservations releases expired holds, skipping any
	// reservation still backing a payment in the signed or settling state:
	// a broadcast may confirm long after the hold's nominal expiry.
	SweepExpiredReservations(ctx context.Context, now time.Time) (int64, error)
	RepayCredit(ctx context.Context, agentID uuid.UUID, amount int64, proofRef string) (*domain.Agent, error)
	SumOutstandingCredit(ctx context.Context) (int64, error)

	// Merchant methods
	CreateMerchant(ctx context.Context, merchant *domain.Merchant) error
	FindMerchantByID(ctx context.Context, merchantID uuid.UUID) (*domain.Merchant, error)
	UpdateMerchantStatus(ctx context.Context, merchantID uuid.UUID, status string) error

	// Payment methods
	CreatePayment(ctx context.Context, payment *domain.Payment) error
	FindPaymentByID(ctx context.Context, paymentID uuid.UUID) (*domain.Payment, error)
	FindPaymentsByAgentID(ctx context.Context, agentID uuid.UUID, limit, offset int) ([]domain.Payment, error)
	FindPaymentsByStatus(ctx context.Context, status string, limit int) ([]domain.Payment, error)
	// AdvancePaymentStatus updates status only when the current status matches
	// one of fromStatuses, keeping transitions monotonic under concurrent
	// consumers. Returns ErrStaleTransition when the guard fails.
	AdvancePaymentStatus(ctx context.Context, paymentID uuid.UUID, fromStatuses []string, params PaymentStatusParams) error

	// Vault methods. Mutations run inside one transaction so totals and
	// positions never drift apart.
	GetVaultState(ctx context.Context) (*domain.VaultState, error)
	FindVaultPosition(ctx context.Context, lenderID uuid.UUID) (*domain.VaultPosition, error)
	ApplyVaultDeposit(ctx context.Context, lenderID uuid.UUID, assets, shares int64) error
	ApplyVaultWithdrawal(ctx context.Context, lenderID uuid.UUID, assets, shares int64) error
	// Fee capture and disbursement are keyed by payment so settlement
	// finalization can be retried without double-applying. Both return
	// applied=false without error on a repeat for the same payment.
	ApplyVaultFeeCapture(ctx context.Context, paymentID uuid.UUID, amount int64) (bool, error)
	ApplyVaultDisbursement(ctx context.Context, paymentID uuid.UUID, amount int64) (bool, error)

	// Key shard methods. Only the service-held shard and the joint public
	// key are persisted; the agent shard never reaches this layer.
	SaveAgentSigningKey(ctx context.Context, agentID uuid.UUID, serviceShard, jointPublicKey []byte) error
	FindAgentSigningKey(ctx context.Context, agentID uuid.UUID) (serviceShard, jointPublicKey []byte, err error)
}

// PaymentStatusParams carries the fields an orchestration step may set while
// advancing a payment's status.
type PaymentStatusParams struct {
	Status        string
	FailureReason *string
	ReservationID *uuid.UUID
	SettlementRef *string
}
