/**
 * @description
 * This file defines the core domain models for the payment-service.
 * These structs represent the main entities and data transfer objects (DTOs)
 * used throughout the service's business logic, database interactions, and API layers.
 *
 * @notes
 * - Amounts are stored as `int64` in micro-units (one millionth of a stablecoin
 *   unit, matching six-decimal tokens), which avoids floating-point inaccuracies
 *   with financial data.
 * - Vault share balances use the same micro-unit scale; the reference share
 *   price at an empty vault is exactly one asset micro-unit per share micro-unit.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// Chain identifies the settlement chain family a payment targets.
type Chain string

const (
	ChainEVM     Chain = "evm"  // EVM-compatible chains
	ChainAccount Chain = "acct" // account-model chains
)

// Valid reports whether the chain value is one the service can dispatch to.
func (c Chain) Valid() bool {
	return c == ChainEVM || c == ChainAccount
}

// Agent statuses.
const (
	AgentStatusActive    = "active"
	AgentStatusSuspended = "suspended"
)

// Agent represents an autonomous agent with a revolving credit line against
// the shared vault. Maps to the `agents` table.
type Agent struct {
	ID              uuid.UUID  `json:"id"`
	Name            string     `json:"name"`
	Status          string     `json:"status"` // 'active', 'suspended'
	CreditLimit     int64      `json:"credit_limit"`     // in micro-units
	Outstanding     int64      `json:"outstanding"`      // disbursed, unrepaid
	Reserved        int64      `json:"reserved"`         // held for in-flight payments
	Delinquent      bool       `json:"delinquent"`
	RepaymentDueAt  time.Time  `json:"repayment_due_at"` // weekly due date
	JointPublicKey  []byte     `json:"-"`                // co-signing verification key
	SuspendedReason *string    `json:"suspended_reason,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Available returns the credit still open for new reservations.
func (a *Agent) Available() int64 {
	return a.CreditLimit - a.Outstanding - a.Reserved
}

// Merchant statuses.
const (
	MerchantStatusPending   = "pending"
	MerchantStatusActive    = "active"
	MerchantStatusSuspended = "suspended"
)

// Merchant represents a payment recipient. Only active merchants with a
// settlement address on the payment's chain are valid recipients.
type Merchant struct {
	ID        uuid.UUID                   `json:"id"`
	Name      string                      `json:"name"`
	Status    string                      `json:"status"` // 'pending', 'active', 'suspended'
	Addresses []MerchantSettlementAddress `json:"addresses"`
	CreatedAt time.Time                   `json:"created_at"`
	UpdatedAt time.Time                   `json:"updated_at"`
}

// AddressFor returns the merchant's settlement address on the given chain.
func (m *Merchant) AddressFor(chain Chain) (string, bool) {
	for _, addr := range m.Addresses {
		if addr.Chain == chain {
			return addr.Address, true
		}
	}
	return "", false
}

// MerchantSettlementAddress binds a merchant to one on-chain address.
type MerchantSettlementAddress struct {
	Chain   Chain  `json:"chain"`
	Address string `json:"address"`
}

// Reservation states.
const (
	ReservationHeld      = "held"
	ReservationCommitted = "committed"
	ReservationReleased  = "released"
)

// CreditReservation is a hold against an agent's credit limit for the
// duration of one in-flight payment. Exactly one reservation per payment.
type CreditReservation struct {
	ID        uuid.UUID `json:"id"`
	AgentID   uuid.UUID `json:"agent_id"`
	Amount    int64     `json:"amount"`
	State     string    `json:"state"` // 'held', 'committed', 'released'
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Payment statuses. Transitions are monotonic; a payment never moves
// backwards through this sequence.
const (
	PaymentStatusPending  = "pending"
	PaymentStatusGated    = "gated"
	PaymentStatusReserved = "reserved"
	PaymentStatusSigned   = "signed"
	PaymentStatusSettling = "settling"
	PaymentStatusSettled  = "settled"
	PaymentStatusFailed   = "failed"
)

// Payment is the append-only audit record for one authorized transfer.
// Maps to the `payments` table.
type Payment struct {
	ID            uuid.UUID  `json:"id"`
	AgentID       uuid.UUID  `json:"agent_id"`
	MerchantID    uuid.UUID  `json:"merchant_id"`
	Chain         Chain      `json:"chain"`
	Amount        int64      `json:"amount"` // in micro-units
	Fee           int64      `json:"fee"`    // in micro-units
	Status        string     `json:"status"`
	FailureReason *string    `json:"failure_reason,omitempty"`
	ReservationID *uuid.UUID `json:"reservation_id,omitempty"`
	SettlementRef *string    `json:"settlement_ref,omitempty"`
	Description   string     `json:"description"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// VaultState holds the pool-level share accounting totals. Single row.
type VaultState struct {
	TotalAssets int64     `json:"total_assets"` // in micro-units
	TotalShares int64     `json:"total_shares"`
	FeeReserve  int64     `json:"fee_reserve"` // cumulative captured fees
	UpdatedAt   time.Time `json:"updated_at"`
}

// VaultPosition is one lender's share balance.
type VaultPosition struct {
	LenderID  uuid.UUID `json:"lender_id"`
	Shares    int64     `json:"shares"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// GateCheck names one of the five authorization checks.
type GateCheck string

const (
	CheckCredit    GateCheck = "credit"
	CheckSanctions GateCheck = "sanctions"
	CheckMerchant  GateCheck = "merchant"
	CheckKYA       GateCheck = "kya"
	CheckRisk      GateCheck = "risk"
)

// Machine-readable gate failure reason codes.
const (
	ReasonInsufficientCredit       = "insufficient_credit"
	ReasonAgentSuspended           = "agent_suspended"
	ReasonRecipientSanctioned      = "recipient_sanctioned"
	ReasonSanctionsIndeterminate   = "sanctions_indeterminate"
	ReasonMerchantNotActive        = "merchant_not_active"
	ReasonMerchantChainUnsupported = "merchant_chain_unsupported"
	ReasonKYAUnverified            = "kya_unverified"
	ReasonKYAExpired               = "kya_expired"
	ReasonKYAIndeterminate         = "kya_indeterminate"
	ReasonRiskScoreExceeded        = "risk_score_exceeded"
	ReasonRiskIndeterminate        = "risk_indeterminate"
)

// GateFailure is one failing check with its machine-readable reason.
type GateFailure struct {
	Check  GateCheck `json:"check"`
	Reason string    `json:"reason"`
	Detail string    `json:"detail,omitempty"`
}

// GateResult aggregates the outcome of all five checks. The gate never
// short-circuits, so Failures carries the complete rejection picture.
type GateResult struct {
	Failures []GateFailure `json:"failures"`
}

// Pass reports whether every check cleared.
func (r GateResult) Pass() bool {
	return len(r.Failures) == 0
}

// CreatePaymentRequest is the DTO for incoming payment API requests.
type CreatePaymentRequest struct {
	MerchantID  uuid.UUID `json:"merchant_id"`
	Chain       Chain     `json:"chain"`
	Amount      int64     `json:"amount"` // in micro-units
	Description string    `json:"description"`
}

// RepaymentRequest is the DTO for agent repayments.
type RepaymentRequest struct {
	Amount   int64  `json:"amount"` // in micro-units
	ProofRef string `json:"proof_ref"`
}

// CreateAgentRequest registers a new agent and provisions its key shards.
type CreateAgentRequest struct {
	Name        string `json:"name"`
	CreditLimit int64  `json:"credit_limit"` // in micro-units
}

// CreateAgentResponse returns the agent-held shard exactly once; the service
// never stores it.
type CreateAgentResponse struct {
	Agent          *Agent `json:"agent"`
	AgentShard     string `json:"agent_shard"`      // base64, returned once
	JointPublicKey string `json:"joint_public_key"` // base64
}

// CreateMerchantRequest registers a new merchant (initially pending).
type CreateMerchantRequest struct {
	Name      string                      `json:"name"`
	Addresses []MerchantSettlementAddress `json:"addresses"`
}

// UpdateMerchantStatusRequest moves a merchant between approval states.
type UpdateMerchantStatusRequest struct {
	Status string `json:"status"`
}

// VaultDepositRequest is the DTO for lender deposits.
type VaultDepositRequest struct {
	LenderID uuid.UUID `json:"lender_id"`
	Amount   int64     `json:"amount"` // assets in micro-units
}

// VaultWithdrawRequest is the DTO for lender withdrawals, denominated in shares.
type VaultWithdrawRequest struct {
	LenderID uuid.UUID `json:"lender_id"`
	Shares   int64     `json:"shares"`
}

// SettlementStatusEvent is the message consumed from the settlement layer's
// status exchange.
type SettlementStatusEvent struct {
	PaymentID     uuid.UUID `json:"payment_id"`
	Chain         Chain     `json:"chain"`
	Status        string    `json:"status"` // 'confirmed', 'rejected', 'submitted'
	SettlementRef string    `json:"settlement_ref,omitempty"`
	Reason        string    `json:"reason,omitempty"`
}

// PaymentSettledEvent is published after a payment fully settles.
type PaymentSettledEvent struct {
	PaymentID     uuid.UUID `json:"payment_id"`
	AgentID       uuid.UUID `json:"agent_id"`
	MerchantID    uuid.UUID `json:"merchant_id"`
	Amount        int64     `json:"amount"`
	Fee           int64     `json:"fee"`
	SettlementRef string    `json:"settlement_ref"`
	Timestamp     time.Time `json:"timestamp"`
}

// PaymentFailedEvent is published when a payment terminally fails.
type PaymentFailedEvent struct {
	PaymentID uuid.UUID `json:"payment_id"`
	AgentID   uuid.UUID `json:"agent_id"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// AgentSuspendedEvent is published when the ledger suspends an agent.
type AgentSuspendedEvent struct {
	AgentID   uuid.UUID `json:"agent_id"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// FeeCapturedEvent is published when fee income accrues to the vault.
type FeeCapturedEvent struct {
	PaymentID uuid.UUID `json:"payment_id"`
	Amount    int64     `json:"amount"`
	Timestamp time.Time `json:"timestamp"`
}
