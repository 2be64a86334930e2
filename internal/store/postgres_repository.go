/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 * It contains all the necessary SQL queries to interact with the database tables
 * related to agents, merchants, payments, credit reservations and vault state.
 *
 * @notes
 * - Credit and vault guards live inside the statements themselves
 *   (e.g. `outstanding + reserved + $amount <= credit_limit`), so the database
 *   is the final arbiter even if an in-process check raced.
 * - The vault state is a single row keyed by `singleton = TRUE`.
 *
 * @dependencies
 * - context, errors, time: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agentrail/payment-service/internal/domain"
)

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// CreateAgent inserts a new agent row.
func (r *PostgresRepository) CreateAgent(ctx context.Context, agent *domain.Agent) error {
	query := `
		INSERT INTO agents (id, name, status, credit_limit, outstanding, reserved, delinquent, repayment_due_at, joint_public_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at
	`
	return r.db.QueryRow(ctx, query,
		agent.ID, agent.Name, agent.Status, agent.CreditLimit,
		agent.Outstanding, agent.Reserved, agent.Delinquent,
		agent.RepaymentDueAt, agent.JointPublicKey,
	).Scan(&agent.CreatedAt, &agent.UpdatedAt)
}

// FindAgentByID retrieves an agent by its ID.
func (r *PostgresRepository) FindAgentByID(ctx context.Context, agentID uuid.UUID) (*domain.Agent, error) {
	var agent domain.Agent
	query := `
		SELECT id, name, status, credit_limit, outstanding, reserved, delinquent,
		       repayment_due_at, joint_public_key, suspended_reason, created_at, updated_at
		FROM agents WHERE id = $1
	`
	err := r.db.QueryRow(ctx, query, agentID).Scan(
		&agent.ID, &agent.Name, &agent.Status, &agent.CreditLimit,
		&agent.Outstanding, &agent.Reserved, &agent.Delinquent,
		&agent.RepaymentDueAt, &agent.JointPublicKey, &agent.SuspendedReason,
		&agent.CreatedAt, &agent.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAgentNotFound
		}
		return nil, err
	}
	return &agent, nil
}

// SuspendAgent soft-suspends an agent; the row is never deleted.
func (r *PostgresRepository) SuspendAgent(ctx context.Context, agentID uuid.UUID, reason string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE agents SET status = $2, suspended_reason = $3, updated_at = NOW()
		WHERE id = $1
	`, agentID, domain.AgentStatusSuspended, reason)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAgentNotFound
	}
	return nil
}

// MarkOverdueAgentsDelinquent flags agents whose repayment due date passed
// with a balance still outstanding. Repayment clears the flag again once
// outstanding reaches zero.
func (r *PostgresRepository) MarkOverdueAgentsDelinquent(ctx context.Context, asOf time.Time) ([]uuid.UUID, error) {
	rows, err := r.db.Query(ctx, `
		UPDATE agents SET delinquent = TRUE, updated_at = NOW()
		WHERE delinquent = FALSE AND outstanding > 0 AND repayment_due_at < $1
		RETURNING id
	`, asOf)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var flagged []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		flagged = append(flagged, id)
	}
	return flagged, rows.Err()
}

// ReserveCredit places a hold against an agent's credit line. The UPDATE
// carries the credit guard so two racing reservations can never both pass.
func (r *PostgresRepository) ReserveCredit(ctx context.Context, reservation *domain.CreditReservation) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE agents SET reserved = reserved + $2, updated_at = NOW()
		WHERE id = $1 AND status = $3 AND outstanding + reserved + $2 <= credit_limit
	`, reservation.AgentID, reservation.Amount, domain.AgentStatusActive)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM agents WHERE id = $1)`, reservation.AgentID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrAgentNotFound
		}
		return ErrInsufficientCredit
	}

	err = tx.QueryRow(ctx, `
		INSERT INTO credit_reservations (id, agent_id, amount, state, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at
	`, reservation.ID, reservation.AgentID, reservation.Amount, domain.ReservationHeld, reservation.ExpiresAt,
	).Scan(&reservation.CreatedAt, &reservation.UpdatedAt)
	if err != nil {
		return err
	}
	reservation.State = domain.ReservationHeld

	return tx.Commit(ctx)
}

// FindReservationByID retrieves a reservation by its ID.
func (r *PostgresRepository) FindReservationByID(ctx context.Context, reservationID uuid.UUID) (*domain.CreditReservation, error) {
	var res domain.CreditReservation
	query := `
		SELECT id, agent_id, amount, state, expires_at, created_at, updated_at
		FROM credit_reservations WHERE id = $1
	`
	err := r.db.QueryRow(ctx, query, reservationID).Scan(
		&res.ID, &res.AgentID, &res.Amount, &res.State,
		&res.ExpiresAt, &res.CreatedAt, &res.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrReservationNotFound
		}
		return nil, err
	}
	return &res, nil
}

// CommitReservation moves a held reservation to committed and shifts the
// amount from reserved to outstanding. Returns applied=false without error
// when the reservation was already committed (idempotent repeat).
func (r *PostgresRepository) CommitReservation(ctx context.Context, reservationID uuid.UUID) (bool, error) {
	return r.closeReservation(ctx, reservationID, domain.ReservationCommitted)
}

// ReleaseReservation returns a held reservation's amount to available credit.
// Idempotent on repeat; releasing a committed reservation surfaces
// ErrReservationCommitted.
func (r *PostgresRepository) ReleaseReservation(ctx context.Context, reservationID uuid.UUID) (bool, error) {
	return r.closeReservation(ctx, reservationID, domain.ReservationReleased)
}

func (r *PostgresRepository) closeReservation(ctx context.Context, reservationID uuid.UUID, target string) (bool, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	var agentID uuid.UUID
	var amount int64
	err = tx.QueryRow(ctx, `
		UPDATE credit_reservations SET state = $2, updated_at = NOW()
		WHERE id = $1 AND state = $3
		RETURNING agent_id, amount
	`, reservationID, target, domain.ReservationHeld).Scan(&agentID, &amount)
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return false, err
		}
		// Not held anymore: repeat of the same transition is a no-op,
		// the opposite terminal state is a stale transition.
		var state string
		if err := tx.QueryRow(ctx, `SELECT state FROM credit_reservations WHERE id = $1`, reservationID).Scan(&state); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return false, ErrReservationNotFound
			}
			return false, err
		}
		if state == target {
			return false, nil
		}
		if state == domain.ReservationCommitted {
			return false, fmt.Errorf("%w: reservation %s", ErrReservationCommitted, reservationID)
		}
		return false, fmt.Errorf("%w: reservation %s is %s", ErrStaleTransition, reservationID, state)
	}

	var agentUpdate string
	if target == domain.ReservationCommitted {
		agentUpdate = `UPDATE agents SET reserved = reserved - $2, outstanding = outstanding + $2, updated_at = NOW() WHERE id = $1`
	} else {
		agentUpdate = `UPDATE agents SET reserved = reserved - $2, updated_at = NOW() WHERE id = $1`
	}
	if _, err := tx.Exec(ctx, agentUpdate, agentID, amount); err != nil {
		return false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// SweepExpiredReservations releases every held reservation past its expiry
// and credits the amounts back to the owning agents in one statement.
// Reservations still backing a signed or settling payment are left alone:
// the broadcast may confirm after the hold's nominal expiry, and the hold
// must still be there to commit.
func (r *PostgresRepository) SweepExpiredReservations(ctx context.Context, now time.Time) (int64, error) {
	var count int64
	query := `
		WITH expired AS (
			UPDATE credit_reservations cr SET state = 'released', updated_at = NOW()
			WHERE cr.state = 'held' AND cr.expires_at < $1
			  AND NOT EXISTS (
				SELECT 1 FROM payments p
				WHERE p.reservation_id = cr.id AND p.status = ANY($2)
			  )
			RETURNING cr.agent_id, cr.amount
		), debit AS (
			UPDATE agents a SET reserved = a.reserved - e.total, updated_at = NOW()
			FROM (SELECT agent_id, SUM(amount) AS total FROM expired GROUP BY agent_id) e
			WHERE a.id = e.agent_id
		)
		SELECT COUNT(*) FROM expired
	`
	inFlight := []string{domain.PaymentStatusSigned, domain.PaymentStatusSettling}
	if err := r.db.QueryRow(ctx, query, now, inFlight).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// RepayCredit decreases the agent's outstanding balance and records the
// repayment for audit. The delinquency flag clears when outstanding reaches zero.
func (r *PostgresRepository) RepayCredit(ctx context.Context, agentID uuid.UUID, amount int64, proofRef string) (*domain.Agent, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	var agent domain.Agent
	err = tx.QueryRow(ctx, `
		UPDATE agents SET
			outstanding = outstanding - $2,
			delinquent = CASE WHEN outstanding - $2 = 0 THEN FALSE ELSE delinquent END,
			updated_at = NOW()
		WHERE id = $1 AND outstanding >= $2
		RETURNING id, name, status, credit_limit, outstanding, reserved, delinquent,
		          repayment_due_at, joint_public_key, suspended_reason, created_at, updated_at
	`, agentID, amount).Scan(
		&agent.ID, &agent.Name, &agent.Status, &agent.CreditLimit,
		&agent.Outstanding, &agent.Reserved, &agent.Delinquent,
		&agent.RepaymentDueAt, &agent.JointPublicKey, &agent.SuspendedReason,
		&agent.CreatedAt, &agent.UpdatedAt,
	)
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM agents WHERE id = $1)`, agentID).Scan(&exists); err != nil {
			return nil, err
		}
		if !exists {
			return nil, ErrAgentNotFound
		}
		return nil, ErrRepaymentExceedsOutstanding
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO repayments (id, agent_id, amount, proof_ref) VALUES ($1, $2, $3, $4)
	`, uuid.New(), agentID, amount, proofRef); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return &agent, nil
}

// SumOutstandingCredit returns total disbursed, unrepaid credit exposure.
func (r *PostgresRepository) SumOutstandingCredit(ctx context.Context) (int64, error) {
	var total int64
	err := r.db.QueryRow(ctx, `SELECT COALESCE(SUM(outstanding), 0) FROM agents`).Scan(&total)
	return total, err
}

// CreateMerchant inserts a merchant and its settlement addresses.
func (r *PostgresRepository) CreateMerchant(ctx context.Context, merchant *domain.Merchant) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx, `
		INSERT INTO merchants (id, name, status) VALUES ($1, $2, $3)
		RETURNING created_at, updated_at
	`, merchant.ID, merchant.Name, merchant.Status).Scan(&merchant.CreatedAt, &merchant.UpdatedAt)
	if err != nil {
		return err
	}

	for _, addr := range merchant.Addresses {
		if _, err := tx.Exec(ctx, `
			INSERT INTO merchant_settlement_addresses (merchant_id, chain, address) VALUES ($1, $2, $3)
		`, merchant.ID, addr.Chain, addr.Address); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

// FindMerchantByID retrieves a merchant with its settlement addresses.
func (r *PostgresRepository) FindMerchantByID(ctx context.Context, merchantID uuid.UUID) (*domain.Merchant, error) {
	var merchant domain.Merchant
	err := r.db.QueryRow(ctx, `
		SELECT id, name, status, created_at, updated_at FROM merchants WHERE id = $1
	`, merchantID).Scan(&merchant.ID, &merchant.Name, &merchant.Status, &merchant.CreatedAt, &merchant.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrMerchantNotFound
		}
		return nil, err
	}

	rows, err := r.db.Query(ctx, `
		SELECT chain, address FROM merchant_settlement_addresses WHERE merchant_id = $1 ORDER BY chain
	`, merchantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var addr domain.MerchantSettlementAddress
		if err := rows.Scan(&addr.Chain, &addr.Address); err != nil {
			return nil, err
		}
		merchant.Addresses = append(merchant.Addresses, addr)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &merchant, nil
}

// UpdateMerchantStatus moves a merchant between approval states.
func (r *PostgresRepository) UpdateMerchantStatus(ctx context.Context, merchantID uuid.UUID, status string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE merchants SET status = $2, updated_at = NOW() WHERE id = $1`,
		merchantID, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrMerchantNotFound
	}
	return nil
}

// CreatePayment inserts the initial payment record.
func (r *PostgresRepository) CreatePayment(ctx context.Context, payment *domain.Payment) error {
	query := `
		INSERT INTO payments (id, agent_id, merchant_id, chain, amount, fee, status, description)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at
	`
	return r.db.QueryRow(ctx, query,
		payment.ID, payment.AgentID, payment.MerchantID, payment.Chain,
		payment.Amount, payment.Fee, payment.Status, payment.Description,
	).Scan(&payment.CreatedAt, &payment.UpdatedAt)
}

const paymentColumns = `id, agent_id, merchant_id, chain, amount, fee, status,
	failure_reason, reservation_id, settlement_ref, description, created_at, updated_at`

func scanPayment(row pgx.Row) (*domain.Payment, error) {
	var p domain.Payment
	err := row.Scan(
		&p.ID, &p.AgentID, &p.MerchantID, &p.Chain, &p.Amount, &p.Fee, &p.Status,
		&p.FailureReason, &p.ReservationID, &p.SettlementRef, &p.Description,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// FindPaymentByID retrieves a payment by its ID.
func (r *PostgresRepository) FindPaymentByID(ctx context.Context, paymentID uuid.UUID) (*domain.Payment, error) {
	p, err := scanPayment(r.db.QueryRow(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE id = $1`, paymentID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPaymentNotFound
		}
		return nil, err
	}
	return p, nil
}

// FindPaymentsByAgentID lists an agent's payments, newest first.
func (r *PostgresRepository) FindPaymentsByAgentID(ctx context.Context, agentID uuid.UUID, limit, offset int) ([]domain.Payment, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE agent_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		agentID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payments []domain.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, *p)
	}
	return payments, rows.Err()
}

// FindPaymentsByStatus lists payments in a given status, oldest first, for
// the reconciliation sweep.
func (r *PostgresRepository) FindPaymentsByStatus(ctx context.Context, status string, limit int) ([]domain.Payment, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE status = $1 ORDER BY created_at ASC LIMIT $2`,
		status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payments []domain.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, *p)
	}
	return payments, rows.Err()
}

// AdvancePaymentStatus applies a guarded, monotonic status transition.
func (r *PostgresRepository) AdvancePaymentStatus(ctx context.Context, paymentID uuid.UUID, fromStatuses []string, params PaymentStatusParams) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE payments SET
			status = $3,
			failure_reason = COALESCE($4, failure_reason),
			reservation_id = COALESCE($5, reservation_id),
			settlement_ref = COALESCE($6, settlement_ref),
			updated_at = NOW()
		WHERE id = $1 AND status = ANY($2)
	`, paymentID, fromStatuses, params.Status, params.FailureReason, params.ReservationID, params.SettlementRef)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := r.db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM payments WHERE id = $1)`, paymentID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrPaymentNotFound
		}
		return ErrStaleTransition
	}
	return nil
}

// GetVaultState reads the singleton vault totals row.
func (r *PostgresRepository) GetVaultState(ctx context.Context) (*domain.VaultState, error) {
	var state domain.VaultState
	err := r.db.QueryRow(ctx, `
		SELECT total_assets, total_shares, fee_reserve, updated_at FROM vault_state WHERE singleton = TRUE
	`).Scan(&state.TotalAssets, &state.TotalShares, &state.FeeReserve, &state.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &state, nil
}

// FindVaultPosition retrieves a lender's share position.
func (r *PostgresRepository) FindVaultPosition(ctx context.Context, lenderID uuid.UUID) (*domain.VaultPosition, error) {
	var pos domain.VaultPosition
	err := r.db.QueryRow(ctx, `
		SELECT lender_id, shares, created_at, updated_at FROM vault_positions WHERE lender_id = $1
	`, lenderID).Scan(&pos.LenderID, &pos.Shares, &pos.CreatedAt, &pos.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPositionNotFound
		}
		return nil, err
	}
	return &pos, nil
}

// ApplyVaultDeposit increases totals and the lender's position in one transaction.
func (r *PostgresRepository) ApplyVaultDeposit(ctx context.Context, lenderID uuid.UUID, assets, shares int64) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		UPDATE vault_state SET total_assets = total_assets + $1, total_shares = total_shares + $2, updated_at = NOW()
		WHERE singleton = TRUE
	`, assets, shares); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO vault_positions (lender_id, shares) VALUES ($1, $2)
		ON CONFLICT (lender_id) DO UPDATE SET shares = vault_positions.shares + EXCLUDED.shares, updated_at = NOW()
	`, lenderID, shares); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// ApplyVaultWithdrawal decreases totals and the lender's position; the
// position guard rejects withdrawals that would go negative.
func (r *PostgresRepository) ApplyVaultWithdrawal(ctx context.Context, lenderID uuid.UUID, assets, shares int64) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE vault_positions SET shares = shares - $2, updated_at = NOW()
		WHERE lender_id = $1 AND shares >= $2
	`, lenderID, shares)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrInsufficientShares
	}

	tag, err = tx.Exec(ctx, `
		UPDATE vault_state SET total_assets = total_assets - $1, total_shares = total_shares - $2, updated_at = NOW()
		WHERE singleton = TRUE AND total_assets >= $1 AND total_shares >= $2
	`, assets, shares)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrVaultInsufficientAssets
	}

	return tx.Commit(ctx)
}

// ApplyVaultFeeCapture increases total assets without minting shares. The
// vault_entries row makes the capture idempotent per payment: a repeat
// insert conflicts and the totals stay untouched.
func (r *PostgresRepository) ApplyVaultFeeCapture(ctx context.Context, paymentID uuid.UUID, amount int64) (bool, error) {
	return r.applyVaultEntry(ctx, paymentID, "fee_capture", amount, `
		UPDATE vault_state SET total_assets = total_assets + $1, fee_reserve = fee_reserve + $1, updated_at = NOW()
		WHERE singleton = TRUE
	`)
}

// ApplyVaultDisbursement decreases total assets after a confirmed
// settlement, idempotently per payment.
func (r *PostgresRepository) ApplyVaultDisbursement(ctx context.Context, paymentID uuid.UUID, amount int64) (bool, error) {
	return r.applyVaultEntry(ctx, paymentID, "disbursement", amount, `
		UPDATE vault_state SET total_assets = total_assets - $1, updated_at = NOW()
		WHERE singleton = TRUE AND total_assets >= $1
	`)
}

func (r *PostgresRepository) applyVaultEntry(ctx context.Context, paymentID uuid.UUID, kind string, amount int64, stateUpdate string) (bool, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		INSERT INTO vault_entries (payment_id, kind, amount)
		VALUES ($1, $2, $3)
		ON CONFLICT (payment_id, kind) DO NOTHING
	`, paymentID, kind, amount)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		// Already applied for this payment.
		return false, nil
	}

	tag, err = tx.Exec(ctx, stateUpdate, amount)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		return false, ErrVaultInsufficientAssets
	}

	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// SaveAgentSigningKey stores the service-held shard and the joint public key.
func (r *PostgresRepository) SaveAgentSigningKey(ctx context.Context, agentID uuid.UUID, serviceShard, jointPublicKey []byte) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO agent_signing_keys (agent_id, service_shard, joint_public_key)
		VALUES ($1, $2, $3)
		ON CONFLICT (agent_id) DO UPDATE SET service_shard = EXCLUDED.service_shard,
			joint_public_key = EXCLUDED.joint_public_key, updated_at = NOW()
	`, agentID, serviceShard, jointPublicKey)
	return err
}

// FindAgentSigningKey loads the service-held shard and joint public key.
func (r *PostgresRepository) FindAgentSigningKey(ctx context.Context, agentID uuid.UUID) ([]byte, []byte, error) {
	var serviceShard, jointPublicKey []byte
	err := r.db.QueryRow(ctx, `
		SELECT service_shard, joint_public_key FROM agent_signing_keys WHERE agent_id = $1
	`, agentID).Scan(&serviceShard, &jointPublicKey)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil, ErrSigningKeyNotFound
		}
		return nil, nil, err
	}
	return serviceShard, jointPublicKey, nil
}
