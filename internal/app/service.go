/**
 * @description
 * This file contains the payment orchestrator: the only component that
 * coordinates the permission gate, credit ledger, co-signing engine, vault
 * and settlement dispatchers into the end-to-end payment pipeline.
 *
 * Pipeline for one payment:
 *   pending -> gated -> reserved -> signed -> settling -> settled | failed
 *
 * Key features:
 * - Every advancing step records its status before the next step runs, so a
 *   crash leaves a record the reconciliation job can resume from.
 * - Failures after a reservation roll the reservation back; failures after a
 *   broadcast never do. An indeterminate broadcast holds the payment in
 *   `settling` until the settlement layer reports a terminal outcome.
 * - Settlement finalization is replay-safe AND resumable: the money
 *   movements (commit, disburse, fee capture) are each idempotent per
 *   payment and run before the settled transition, so a transient failure
 *   mid-finalization leaves the payment in settling for a retry to finish.
 *
 * @dependencies
 * - internal/gate, internal/ledger, internal/vault, internal/cosign: The
 *   four domain components this service composes.
 * - pkg/dispatch: Per-chain settlement dispatchers.
 * - pkg/rabbitmq: Domain event publishing.
 */

package app

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentrail/payment-service/internal/cosign"
	"github.com/agentrail/payment-service/internal/domain"
	"github.com/agentrail/payment-service/internal/gate"
	"github.com/agentrail/payment-service/internal/ledger"
	"github.com/agentrail/payment-service/internal/store"
	"github.com/agentrail/payment-service/internal/vault"
	"github.com/agentrail/payment-service/pkg/dispatch"
	"github.com/agentrail/payment-service/pkg/rabbitmq"
)

var (
	// ErrGateRejected is returned when one or more authorization checks fail.
	// The gate result on the payment carries the full failure list.
	ErrGateRejected = errors.New("payment rejected by permission gate")
	// ErrValidation is returned for malformed payment requests.
	ErrValidation = errors.New("invalid request")
	// ErrSettlementRejected is returned when the settlement layer explicitly
	// rejects the broadcast. The reservation is rolled back before it
	// surfaces.
	ErrSettlementRejected = errors.New("settlement rejected")
)

// repaymentCycle is the revolving credit repayment period.
const repaymentCycle = 7 * 24 * time.Hour

// Service orchestrates payments and owns the supporting admin operations.
type Service struct {
	repo        store.Repository
	ledger      *ledger.Ledger
	vault       *vault.Vault
	gate        *gate.Gate
	engine      *cosign.Engine
	dispatchers *dispatch.Registry
	producer    rabbitmq.Publisher

	feeBPS             int64
	signingMaxAttempts int
}

// NewService creates the orchestrator over its collaborators.
func NewService(
	repo store.Repository,
	creditLedger *ledger.Ledger,
	poolVault *vault.Vault,
	permissionGate *gate.Gate,
	engine *cosign.Engine,
	dispatchers *dispatch.Registry,
	producer rabbitmq.Publisher,
	feeBPS int64,
	signingMaxAttempts int,
) *Service {
	if signingMaxAttempts <= 0 {
		signingMaxAttempts = 1
	}
	return &Service{
		repo:               repo,
		ledger:             creditLedger,
		vault:              poolVault,
		gate:               permissionGate,
		engine:             engine,
		dispatchers:        dispatchers,
		producer:           producer,
		feeBPS:             feeBPS,
		signingMaxAttempts: signingMaxAttempts,
	}
}

// Fee returns the platform fee for a payment amount, rounded down.
func (s *Service) Fee(amount int64) int64 {
	return amount * s.feeBPS / 10000
}

// ExecutePayment runs the full pipeline for one payment request. The returned
// payment record reflects the final (or held) status; the gate result is
// non-nil only when the gate rejected.
func (s *Service) ExecutePayment(ctx context.Context, agentID uuid.UUID, req domain.CreatePaymentRequest) (*domain.Payment, *domain.GateResult, error) {
	if req.Amount <= 0 {
		return nil, nil, fmt.Errorf("%w: amount must be positive", ErrValidation)
	}
	if !req.Chain.Valid() {
		return nil, nil, fmt.Errorf("%w: unknown chain %q", ErrValidation, req.Chain)
	}

	payment := &domain.Payment{
		ID:          uuid.New(),
		AgentID:     agentID,
		MerchantID:  req.MerchantID,
		Chain:       req.Chain,
		Amount:      req.Amount,
		Fee:         s.Fee(req.Amount),
		Status:      domain.PaymentStatusPending,
		Description: req.Description,
	}
	if err := s.repo.CreatePayment(ctx, payment); err != nil {
		return nil, nil, fmt.Errorf("failed to create payment record: %w", err)
	}
	log.Printf("level=info component=orchestrator msg=\"payment accepted\" payment_id=%s agent_id=%s merchant_id=%s chain=%s amount=%d fee=%d",
		payment.ID, agentID, req.MerchantID, req.Chain, req.Amount, payment.Fee)

	// Stage 1: permission gate. The agent is charged amount plus fee, so the
	// credit check evaluates the full obligation.
	totalDue := payment.Amount + payment.Fee
	gateResult, err := s.gate.Evaluate(ctx, agentID, req.MerchantID, req.Chain, totalDue)
	if err != nil {
		s.failPayment(ctx, payment, []string{domain.PaymentStatusPending}, "gate evaluation failed")
		return payment, nil, fmt.Errorf("gate evaluation failed: %w", err)
	}
	if !gateResult.Pass() {
		reasons := make([]string, 0, len(gateResult.Failures))
		for _, f := range gateResult.Failures {
			reasons = append(reasons, f.Reason)
		}
		s.failPayment(ctx, payment, []string{domain.PaymentStatusPending}, "gate rejected: "+strings.Join(reasons, ","))
		log.Printf("level=info component=orchestrator msg=\"payment rejected by gate\" payment_id=%s reasons=%s",
			payment.ID, strings.Join(reasons, ","))
		return payment, &gateResult, ErrGateRejected
	}
	if err := s.advance(ctx, payment, []string{domain.PaymentStatusPending}, store.PaymentStatusParams{Status: domain.PaymentStatusGated}); err != nil {
		return payment, nil, err
	}

	// Stage 2: credit reservation.
	reservationID, err := s.ledger.Reserve(ctx, agentID, totalDue)
	if err != nil {
		if errors.Is(err, ledger.ErrInsufficientCredit) || errors.Is(err, ledger.ErrAgentSuspended) {
			s.failPayment(ctx, payment, []string{domain.PaymentStatusGated}, "reservation rejected: "+err.Error())
			return payment, nil, err
		}
		s.failPayment(ctx, payment, []string{domain.PaymentStatusGated}, "reservation failed")
		return payment, nil, fmt.Errorf("credit reservation failed: %w", err)
	}
	if err := s.advance(ctx, payment, []string{domain.PaymentStatusGated}, store.PaymentStatusParams{
		Status:        domain.PaymentStatusReserved,
		ReservationID: &reservationID,
	}); err != nil {
		s.releaseQuietly(ctx, reservationID)
		return payment, nil, err
	}

	// Stage 3: co-signing. Each attempt is a fresh session; a reservation is
	// only released once signing terminally fails.
	merchant, err := s.repo.FindMerchantByID(ctx, req.MerchantID)
	if err != nil {
		s.rollbackReserved(ctx, payment, reservationID, "merchant lookup failed")
		return payment, nil, fmt.Errorf("failed to load merchant: %w", err)
	}
	recipientAddress, _ := merchant.AddressFor(req.Chain)

	signature, jointPublicKey, err := s.coSign(ctx, payment, recipientAddress)
	if err != nil {
		s.rollbackReserved(ctx, payment, reservationID, "signing failed: "+err.Error())
		return payment, nil, err
	}
	if err := s.advance(ctx, payment, []string{domain.PaymentStatusReserved}, store.PaymentStatusParams{Status: domain.PaymentStatusSigned}); err != nil {
		s.releaseQuietly(ctx, reservationID)
		return payment, nil, err
	}

	// Stage 4: broadcast. From here a rollback is only safe on an explicit
	// rejection; everything else holds in settling.
	dispatcher, err := s.dispatchers.For(req.Chain)
	if err != nil {
		s.rollbackReserved(ctx, payment, reservationID, "no dispatcher for chain")
		return payment, nil, err
	}

	payloadHash := cosign.PayloadHash(string(req.Chain), recipientAddress, payment.Amount, payment.ID)
	result, err := dispatcher.Broadcast(ctx, dispatch.SignedPayload{
		PaymentID:        payment.ID,
		Chain:            req.Chain,
		RecipientAddress: recipientAddress,
		Amount:           payment.Amount,
		PayloadHash:      fmt.Sprintf("%x", payloadHash),
		Signature:        base64.StdEncoding.EncodeToString(signature),
		PublicKey:        base64.StdEncoding.EncodeToString(jointPublicKey),
	})
	if err != nil {
		if errors.Is(err, dispatch.ErrIndeterminate) {
			// The transfer may be in flight. Hold; never release here.
			log.Printf("level=warn component=orchestrator msg=\"broadcast indeterminate; holding payment\" payment_id=%s err=%v", payment.ID, err)
			if advErr := s.advance(ctx, payment, []string{domain.PaymentStatusSigned}, store.PaymentStatusParams{Status: domain.PaymentStatusSettling}); advErr != nil {
				return payment, nil, advErr
			}
			return payment, nil, nil
		}
		s.rollbackReserved(ctx, payment, reservationID, "broadcast failed: "+err.Error())
		return payment, nil, fmt.Errorf("broadcast failed: %w", err)
	}

	switch result.Outcome {
	case dispatch.OutcomeRejected:
		s.rollbackReserved(ctx, payment, reservationID, "settlement rejected: "+result.Reason)
		if result.Reason != "" {
			return payment, nil, fmt.Errorf("%w: %s", ErrSettlementRejected, result.Reason)
		}
		return payment, nil, ErrSettlementRejected
	case dispatch.OutcomeConfirmed:
		if err := s.advance(ctx, payment, []string{domain.PaymentStatusSigned}, store.PaymentStatusParams{
			Status:        domain.PaymentStatusSettling,
			SettlementRef: optionalString(result.SettlementRef),
		}); err != nil {
			return payment, nil, err
		}
		if err := s.finalizeSettled(ctx, payment, result.SettlementRef); err != nil {
			return payment, nil, err
		}
		return payment, nil, nil
	default: // submitted
		if err := s.advance(ctx, payment, []string{domain.PaymentStatusSigned}, store.PaymentStatusParams{
			Status:        domain.PaymentStatusSettling,
			SettlementRef: optionalString(result.SettlementRef),
		}); err != nil {
			return payment, nil, err
		}
		return payment, nil, nil
	}
}

// coSign produces the joint signature over the payment payload, retrying with
// fresh sessions up to the configured attempt limit.
func (s *Service) coSign(ctx context.Context, payment *domain.Payment, recipientAddress string) ([]byte, []byte, error) {
	serviceShard, jointPublicKey, err := s.repo.FindAgentSigningKey(ctx, payment.AgentID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load signing key: %w", err)
	}

	payloadHash := cosign.PayloadHash(string(payment.Chain), recipientAddress, payment.Amount, payment.ID)

	var lastErr error
	for attempt := 1; attempt <= s.signingMaxAttempts; attempt++ {
		session, err := s.engine.Open(serviceShard, jointPublicKey, payloadHash)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open signing session: %w", err)
		}
		signature, err := s.engine.Sign(ctx, session)
		if err == nil {
			return signature, jointPublicKey, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		log.Printf("level=warn component=orchestrator msg=\"signing attempt failed\" payment_id=%s attempt=%d max_attempts=%d err=%v",
			payment.ID, attempt, s.signingMaxAttempts, err)
	}
	return nil, nil, fmt.Errorf("co-signing failed after %d attempts: %w", s.signingMaxAttempts, lastErr)
}

// finalizeSettled commits the reservation, disburses vault assets, captures
// the fee and then marks the payment settled. The money movements run first
// and are each idempotent per payment, so a failure partway through leaves
// the payment in settling and a retry resumes where it stopped; the
// settled transition last makes a replayed confirmation a pure no-op.
func (s *Service) finalizeSettled(ctx context.Context, payment *domain.Payment, settlementRef string) error {
	if payment.ReservationID != nil {
		if err := s.ledger.Commit(ctx, *payment.ReservationID); err != nil {
			log.Printf("level=error component=orchestrator msg=\"reservation commit failed after settlement\" payment_id=%s reservation_id=%s err=%v",
				payment.ID, payment.ReservationID, err)
			return err
		}
	}
	if err := s.vault.Disburse(ctx, payment.ID, payment.Amount); err != nil {
		log.Printf("level=error component=orchestrator msg=\"vault disbursement failed after settlement\" payment_id=%s amount=%d err=%v",
			payment.ID, payment.Amount, err)
		return err
	}
	if err := s.vault.CaptureFee(ctx, payment.ID, payment.Fee); err != nil {
		log.Printf("level=error component=orchestrator msg=\"fee capture failed after settlement\" payment_id=%s fee=%d err=%v",
			payment.ID, payment.Fee, err)
		return err
	}

	err := s.advance(ctx, payment, []string{domain.PaymentStatusSettling}, store.PaymentStatusParams{
		Status:        domain.PaymentStatusSettled,
		SettlementRef: optionalString(settlementRef),
	})
	if err != nil {
		if errors.Is(err, store.ErrStaleTransition) {
			log.Printf("level=info component=orchestrator msg=\"settlement confirmation replay ignored\" payment_id=%s", payment.ID)
			return nil
		}
		return err
	}

	log.Printf("level=info component=orchestrator msg=\"payment settled\" payment_id=%s amount=%d fee=%d settlement_ref=%s",
		payment.ID, payment.Amount, payment.Fee, settlementRef)

	now := time.Now().UTC()
	if err := s.producer.PublishPaymentSettled(ctx, domain.PaymentSettledEvent{
		PaymentID:     payment.ID,
		AgentID:       payment.AgentID,
		MerchantID:    payment.MerchantID,
		Amount:        payment.Amount,
		Fee:           payment.Fee,
		SettlementRef: settlementRef,
		Timestamp:     now,
	}); err != nil {
		log.Printf("level=warn component=orchestrator msg=\"settled event publish failed\" payment_id=%s err=%v", payment.ID, err)
	}
	if payment.Fee > 0 {
		if err := s.producer.PublishFeeCaptured(ctx, domain.FeeCapturedEvent{
			PaymentID: payment.ID,
			Amount:    payment.Fee,
			Timestamp: now,
		}); err != nil {
			log.Printf("level=warn component=orchestrator msg=\"fee event publish failed\" payment_id=%s err=%v", payment.ID, err)
		}
	}
	return nil
}

// failSettled marks a settling payment as terminally failed and releases its
// reservation. Used when the settlement layer reports an explicit rejection.
func (s *Service) failSettled(ctx context.Context, payment *domain.Payment, reason string) error {
	err := s.advance(ctx, payment, []string{domain.PaymentStatusSettling}, store.PaymentStatusParams{
		Status:        domain.PaymentStatusFailed,
		FailureReason: &reason,
	})
	if err != nil {
		if errors.Is(err, store.ErrStaleTransition) {
			log.Printf("level=info component=orchestrator msg=\"settlement rejection replay ignored\" payment_id=%s", payment.ID)
			return nil
		}
		return err
	}
	if payment.ReservationID != nil {
		if err := s.ledger.Release(ctx, *payment.ReservationID); err != nil {
			log.Printf("level=error component=orchestrator msg=\"reservation release failed after rejection\" payment_id=%s reservation_id=%s err=%v",
				payment.ID, payment.ReservationID, err)
			return err
		}
	}
	s.publishFailed(ctx, payment, reason)
	return nil
}

// rollbackReserved releases the reservation and fails the payment. Only used
// before any broadcast attempt could have reached the chain.
func (s *Service) rollbackReserved(ctx context.Context, payment *domain.Payment, reservationID uuid.UUID, reason string) {
	s.releaseQuietly(ctx, reservationID)
	s.failPayment(ctx, payment, []string{domain.PaymentStatusReserved, domain.PaymentStatusSigned}, reason)
}

func (s *Service) releaseQuietly(ctx context.Context, reservationID uuid.UUID) {
	if err := s.ledger.Release(ctx, reservationID); err != nil {
		log.Printf("level=error component=orchestrator msg=\"reservation release failed during rollback\" reservation_id=%s err=%v", reservationID, err)
	}
}

func (s *Service) failPayment(ctx context.Context, payment *domain.Payment, fromStatuses []string, reason string) {
	if err := s.advance(ctx, payment, fromStatuses, store.PaymentStatusParams{
		Status:        domain.PaymentStatusFailed,
		FailureReason: &reason,
	}); err != nil {
		log.Printf("level=error component=orchestrator msg=\"failed-status transition rejected\" payment_id=%s err=%v", payment.ID, err)
		return
	}
	s.publishFailed(ctx, payment, reason)
}

func (s *Service) publishFailed(ctx context.Context, payment *domain.Payment, reason string) {
	if err := s.producer.PublishPaymentFailed(ctx, domain.PaymentFailedEvent{
		PaymentID: payment.ID,
		AgentID:   payment.AgentID,
		Reason:    reason,
		Timestamp: time.Now().UTC(),
	}); err != nil {
		log.Printf("level=warn component=orchestrator msg=\"failed event publish failed\" payment_id=%s err=%v", payment.ID, err)
	}
}

// advance applies a guarded status transition and mirrors it on the in-memory
// payment record.
func (s *Service) advance(ctx context.Context, payment *domain.Payment, fromStatuses []string, params store.PaymentStatusParams) error {
	if err := s.repo.AdvancePaymentStatus(ctx, payment.ID, fromStatuses, params); err != nil {
		return err
	}
	payment.Status = params.Status
	if params.FailureReason != nil {
		payment.FailureReason = params.FailureReason
	}
	if params.ReservationID != nil {
		payment.ReservationID = params.ReservationID
	}
	if params.SettlementRef != nil {
		payment.SettlementRef = params.SettlementRef
	}
	return nil
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// GetPayment returns one payment by id.
func (s *Service) GetPayment(ctx context.Context, paymentID uuid.UUID) (*domain.Payment, error) {
	return s.repo.FindPaymentByID(ctx, paymentID)
}

// ListAgentPayments returns an agent's payment history, newest first.
func (s *Service) ListAgentPayments(ctx context.Context, agentID uuid.UUID, limit, offset int) ([]domain.Payment, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return s.repo.FindPaymentsByAgentID(ctx, agentID, limit, offset)
}

// RegisterAgent creates an agent, splits a fresh signing key, persists the
// service shard and returns the agent shard exactly once.
func (s *Service) RegisterAgent(ctx context.Context, req domain.CreateAgentRequest) (*domain.CreateAgentResponse, error) {
	if strings.TrimSpace(req.Name) == "" {
		return nil, fmt.Errorf("%w: agent name is required", ErrValidation)
	}
	if req.CreditLimit <= 0 {
		return nil, fmt.Errorf("%w: credit limit must be positive", ErrValidation)
	}

	agentShard, serviceShard, jointPublicKey, err := cosign.SplitKey()
	if err != nil {
		return nil, fmt.Errorf("failed to split signing key: %w", err)
	}

	agent := &domain.Agent{
		ID:             uuid.New(),
		Name:           req.Name,
		Status:         domain.AgentStatusActive,
		CreditLimit:    req.CreditLimit,
		RepaymentDueAt: time.Now().UTC().Add(repaymentCycle),
		JointPublicKey: jointPublicKey,
	}
	if err := s.repo.CreateAgent(ctx, agent); err != nil {
		return nil, fmt.Errorf("failed to create agent: %w", err)
	}
	if err := s.repo.SaveAgentSigningKey(ctx, agent.ID, serviceShard, jointPublicKey); err != nil {
		return nil, fmt.Errorf("failed to persist signing key: %w", err)
	}

	log.Printf("level=info component=orchestrator msg=\"agent registered\" agent_id=%s credit_limit=%d", agent.ID, agent.CreditLimit)
	return &domain.CreateAgentResponse{
		Agent:          agent,
		AgentShard:     base64.StdEncoding.EncodeToString(agentShard),
		JointPublicKey: base64.StdEncoding.EncodeToString(jointPublicKey),
	}, nil
}

// GetAgent returns one agent by id.
func (s *Service) GetAgent(ctx context.Context, agentID uuid.UUID) (*domain.Agent, error) {
	return s.repo.FindAgentByID(ctx, agentID)
}

// Repay applies an agent repayment against its outstanding balance.
func (s *Service) Repay(ctx context.Context, agentID uuid.UUID, req domain.RepaymentRequest) (*domain.Agent, error) {
	if req.Amount <= 0 {
		return nil, fmt.Errorf("%w: repayment amount must be positive", ErrValidation)
	}
	return s.ledger.Repay(ctx, agentID, req.Amount, req.ProofRef)
}

// CreateMerchant registers a merchant in the pending state.
func (s *Service) CreateMerchant(ctx context.Context, req domain.CreateMerchantRequest) (*domain.Merchant, error) {
	if strings.TrimSpace(req.Name) == "" {
		return nil, fmt.Errorf("%w: merchant name is required", ErrValidation)
	}
	for _, addr := range req.Addresses {
		if !addr.Chain.Valid() {
			return nil, fmt.Errorf("%w: unknown chain %q", ErrValidation, addr.Chain)
		}
		if strings.TrimSpace(addr.Address) == "" {
			return nil, fmt.Errorf("%w: settlement address is required", ErrValidation)
		}
	}

	merchant := &domain.Merchant{
		ID:        uuid.New(),
		Name:      req.Name,
		Status:    domain.MerchantStatusPending,
		Addresses: req.Addresses,
	}
	if err := s.repo.CreateMerchant(ctx, merchant); err != nil {
		return nil, fmt.Errorf("failed to create merchant: %w", err)
	}
	return merchant, nil
}

// UpdateMerchantStatus moves a merchant between approval states.
func (s *Service) UpdateMerchantStatus(ctx context.Context, merchantID uuid.UUID, status string) (*domain.Merchant, error) {
	switch status {
	case domain.MerchantStatusPending, domain.MerchantStatusActive, domain.MerchantStatusSuspended:
		// valid
	default:
		return nil, fmt.Errorf("%w: unknown merchant status %q", ErrValidation, status)
	}
	if err := s.repo.UpdateMerchantStatus(ctx, merchantID, status); err != nil {
		return nil, err
	}
	return s.repo.FindMerchantByID(ctx, merchantID)
}

// VaultDeposit mints shares for a lender deposit.
func (s *Service) VaultDeposit(ctx context.Context, req domain.VaultDepositRequest) (int64, error) {
	return s.vault.Deposit(ctx, req.LenderID, req.Amount)
}

// VaultWithdraw burns a lender's shares for an asset payout.
func (s *Service) VaultWithdraw(ctx context.Context, req domain.VaultWithdrawRequest) (int64, error) {
	return s.vault.Withdraw(ctx, req.LenderID, req.Shares)
}

// VaultSharePrice returns the current share price scaled by 1e6.
func (s *Service) VaultSharePrice(ctx context.Context) (int64, error) {
	return s.vault.SharePrice(ctx)
}

// VaultState returns the pool-level accounting totals.
func (s *Service) VaultState(ctx context.Context) (*domain.VaultState, error) {
	return s.repo.GetVaultState(ctx)
}

// VaultPosition returns one lender's share balance.
func (s *Service) VaultPosition(ctx context.Context, lenderID uuid.UUID) (*domain.VaultPosition, error) {
	return s.repo.FindVaultPosition(ctx, lenderID)
}
