/**
 * @description
 * This file implements the per-agent credit ledger. The ledger is the sole
 * mutator of reservation state: it places holds against an agent's credit
 * line, commits or releases them, applies repayments, and sweeps expired
 * holds back to available credit.
 *
 * Key features:
 * - Reservations for the same agent serialize through a per-agent mutex on
 *   top of the repository's guarded UPDATE, so two racing payments can never
 *   jointly overdraw the credit line.
 * - Commit and release are idempotent; repeating either after the first call
 *   has no further effect.
 * - Any observed breach of `outstanding + reserved <= credit_limit` is a
 *   fatal inconsistency: the agent is suspended pending manual intervention.
 *
 * @dependencies
 * - context, errors, sync, time: Standard Go libraries.
 * - github.com/google/uuid: Reservation identifiers.
 * - internal/domain, internal/store: Domain models and data access.
 */

package ledger

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentrail/payment-service/internal/domain"
	"github.com/agentrail/payment-service/internal/store"
)

var (
	// ErrInsufficientCredit is returned when a reservation would exceed the
	// agent's available credit.
	ErrInsufficientCredit = errors.New("insufficient credit")
	// ErrLedgerInconsistency marks an invariant violation on an agent's
	// balances. Processing for the agent halts until manual intervention.
	ErrLedgerInconsistency = errors.New("ledger inconsistency")
	// ErrAgentSuspended is returned when the agent is not in the active state.
	ErrAgentSuspended = errors.New("agent suspended")
)

// SuspensionNotifier publishes agent suspension events so downstream
// services learn about halted agents.
type SuspensionNotifier interface {
	PublishAgentSuspended(ctx context.Context, event domain.AgentSuspendedEvent) error
}

// Ledger owns agent credit state transitions.
type Ledger struct {
	repo           store.Repository
	notifier       SuspensionNotifier
	reservationTTL time.Duration

	mu         sync.Mutex
	agentLocks map[uuid.UUID]*sync.Mutex
}

// New creates a credit ledger. reservationTTL bounds how long a held
// reservation may stay open before the sweep releases it. notifier may be
// nil when no event transport is wired.
func New(repo store.Repository, notifier SuspensionNotifier, reservationTTL time.Duration) *Ledger {
	return &Ledger{
		repo:           repo,
		notifier:       notifier,
		reservationTTL: reservationTTL,
		agentLocks:     make(map[uuid.UUID]*sync.Mutex),
	}
}

func (l *Ledger) lockFor(agentID uuid.UUID) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	lock, ok := l.agentLocks[agentID]
	if !ok {
		lock = &sync.Mutex{}
		l.agentLocks[agentID] = lock
	}
	return lock
}

// Reserve places a hold of amount against the agent's credit line and
// returns the reservation ID. Reservations for one agent serialize here;
// the repository's guarded UPDATE is the final arbiter.
func (l *Ledger) Reserve(ctx context.Context, agentID uuid.UUID, amount int64) (uuid.UUID, error) {
	if amount <= 0 {
		return uuid.Nil, fmt.Errorf("reserve amount must be positive, got %d", amount)
	}

	lock := l.lockFor(agentID)
	lock.Lock()
	defer lock.Unlock()

	agent, err := l.repo.FindAgentByID(ctx, agentID)
	if err != nil {
		return uuid.Nil, err
	}
	if agent.Status != domain.AgentStatusActive {
		return uuid.Nil, ErrAgentSuspended
	}
	if err := l.checkInvariant(ctx, agent); err != nil {
		return uuid.Nil, err
	}
	if agent.Available() < amount {
		return uuid.Nil, ErrInsufficientCredit
	}

	reservation := &domain.CreditReservation{
		ID:        uuid.New(),
		AgentID:   agentID,
		Amount:    amount,
		ExpiresAt: time.Now().UTC().Add(l.reservationTTL),
	}
	if err := l.repo.ReserveCredit(ctx, reservation); err != nil {
		if errors.Is(err, store.ErrInsufficientCredit) {
			return uuid.Nil, ErrInsufficientCredit
		}
		return uuid.Nil, err
	}

	return reservation.ID, nil
}

// Commit moves a held reservation's amount from reserved to outstanding.
// Committing twice has no further effect.
func (l *Ledger) Commit(ctx context.Context, reservationID uuid.UUID) error {
	applied, err := l.repo.CommitReservation(ctx, reservationID)
	if err != nil {
		return err
	}
	if !applied {
		log.Printf("level=info component=ledger msg=\"commit repeat ignored\" reservation_id=%s", reservationID)
	}
	return nil
}

// Release returns a held reservation's amount to available credit.
// Releasing twice has no further effect.
func (l *Ledger) Release(ctx context.Context, reservationID uuid.UUID) error {
	applied, err := l.repo.ReleaseReservation(ctx, reservationID)
	if err != nil {
		return err
	}
	if !applied {
		log.Printf("level=info component=ledger msg=\"release repeat ignored\" reservation_id=%s", reservationID)
	}
	return nil
}

// Repay decreases the agent's outstanding balance. Repayments exceeding
// outstanding are rejected. The delinquency flag clears once outstanding
// reaches zero.
func (l *Ledger) Repay(ctx context.Context, agentID uuid.UUID, amount int64, proofRef string) (*domain.Agent, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("repayment amount must be positive, got %d", amount)
	}

	lock := l.lockFor(agentID)
	lock.Lock()
	defer lock.Unlock()

	agent, err := l.repo.RepayCredit(ctx, agentID, amount, proofRef)
	if err != nil {
		return nil, err
	}
	if !agent.Delinquent && agent.Outstanding == 0 {
		log.Printf("level=info component=ledger msg=\"agent cleared outstanding balance\" agent_id=%s", agentID)
	}
	return agent, nil
}

// SweepExpired releases every held reservation past its expiry, except
// holds still backing an in-flight broadcast. This is the safeguard against
// orchestrator crashes leaving credit permanently locked.
func (l *Ledger) SweepExpired(ctx context.Context) (int64, error) {
	count, err := l.repo.SweepExpiredReservations(ctx, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	if count > 0 {
		log.Printf("level=info component=ledger msg=\"expired reservations swept\" count=%d", count)
	}
	return count, nil
}

// checkInvariant verifies outstanding + reserved <= credit_limit and that no
// balance is negative. A breach suspends the agent and surfaces
// ErrLedgerInconsistency.
func (l *Ledger) checkInvariant(ctx context.Context, agent *domain.Agent) error {
	if agent.Outstanding >= 0 && agent.Reserved >= 0 && agent.Outstanding+agent.Reserved <= agent.CreditLimit {
		return nil
	}

	reason := fmt.Sprintf("credit invariant breach: outstanding=%d reserved=%d limit=%d",
		agent.Outstanding, agent.Reserved, agent.CreditLimit)
	log.Printf("level=error component=ledger msg=\"ledger inconsistency; suspending agent\" agent_id=%s outstanding=%d reserved=%d credit_limit=%d",
		agent.ID, agent.Outstanding, agent.Reserved, agent.CreditLimit)
	if err := l.repo.SuspendAgent(ctx, agent.ID, reason); err != nil {
		log.Printf("level=error component=ledger msg=\"agent suspension failed\" agent_id=%s err=%v", agent.ID, err)
	} else if l.notifier != nil {
		if err := l.notifier.PublishAgentSuspended(ctx, domain.AgentSuspendedEvent{
			AgentID:   agent.ID,
			Reason:    reason,
			Timestamp: time.Now().UTC(),
		}); err != nil {
			log.Printf("level=warn component=ledger msg=\"suspension event publish failed\" agent_id=%s err=%v", agent.ID, err)
		}
	}
	return fmt.Errorf("%w: agent %s", ErrLedgerInconsistency, agent.ID)
}

// FlagOverdue marks agents delinquent when their repayment due date has
// passed with a balance still outstanding. Repay clears the flag once
// outstanding returns to zero.
func (l *Ledger) FlagOverdue(ctx context.Context) (int, error) {
	flagged, err := l.repo.MarkOverdueAgentsDelinquent(ctx, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	for _, agentID := range flagged {
		log.Printf("level=warn component=ledger msg=\"agent past repayment due date; flagged delinquent\" agent_id=%s", agentID)
	}
	return len(flagged), nil
}
