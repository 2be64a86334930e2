/**
 * @description
 * This file contains the scheduled background jobs: the reservation expiry
 * sweep and the settlement reconciliation pass. Both are idempotent and safe
 * to run on overlapping schedules.
 *
 * @notes
 * - Reconciliation is the recovery path for payments parked in `settling`
 *   after an indeterminate broadcast or a missed status event. It polls the
 *   dispatcher's status endpoint and applies the same guarded finalization
 *   the consumer uses, so a concurrent event delivery cannot double-apply.
 *
 * @dependencies
 * - context, log, time: Standard Go libraries.
 * - pkg/dispatch: Settlement status polling.
 */

package app

import (
	"context"
	"log"
	"time"

	"github.com/agentrail/payment-service/internal/domain"
	"github.com/agentrail/payment-service/pkg/dispatch"
)

// SweepExpiredReservations releases every held reservation past its expiry.
// Holds backing payments still in flight (signed or settling) are skipped:
// a late confirmation must still find its hold to commit.
func (s *Service) SweepExpiredReservations(ctx context.Context) {
	count, err := s.ledger.SweepExpired(ctx)
	if err != nil {
		log.Printf("level=error component=sweep_job msg=\"reservation sweep failed\" err=%v", err)
		return
	}
	if count > 0 {
		log.Printf("level=info component=sweep_job msg=\"sweep pass complete\" released=%d", count)
	}
}

// FlagDelinquentAgents marks agents whose repayment due date has passed
// with a balance still outstanding.
func (s *Service) FlagDelinquentAgents(ctx context.Context) {
	count, err := s.ledger.FlagOverdue(ctx)
	if err != nil {
		log.Printf("level=error component=delinquency_job msg=\"overdue pass failed\" err=%v", err)
		return
	}
	if count > 0 {
		log.Printf("level=info component=delinquency_job msg=\"overdue pass complete\" flagged=%d", count)
	}
}

// ReconcileSettling polls the settlement layer for payments held in the
// settling state and applies any terminal outcome it reports. Payments the
// dispatcher still reports as submitted stay parked.
func (s *Service) ReconcileSettling(ctx context.Context, batchSize int) {
	if batchSize <= 0 {
		batchSize = 50
	}

	payments, err := s.repo.FindPaymentsByStatus(ctx, domain.PaymentStatusSettling, batchSize)
	if err != nil {
		log.Printf("level=error component=reconcile_job msg=\"settling payment query failed\" err=%v", err)
		return
	}
	if len(payments) == 0 {
		return
	}
	log.Printf("level=info component=reconcile_job msg=\"reconciliation pass started\" settling=%d", len(payments))

	var finalized, rejected int
	for i := range payments {
		payment := &payments[i]

		dispatcher, err := s.dispatchers.For(payment.Chain)
		if err != nil {
			log.Printf("level=error component=reconcile_job msg=\"no dispatcher for held payment\" payment_id=%s chain=%s", payment.ID, payment.Chain)
			continue
		}

		pollCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		result, err := dispatcher.Status(pollCtx, payment.ID)
		cancel()
		if err != nil {
			// Still unknown; the payment stays in settling for the next pass.
			log.Printf("level=warn component=reconcile_job msg=\"status poll failed; payment stays held\" payment_id=%s err=%v", payment.ID, err)
			continue
		}

		switch result.Outcome {
		case dispatch.OutcomeConfirmed:
			if err := s.finalizeSettled(ctx, payment, result.SettlementRef); err != nil {
				log.Printf("level=error component=reconcile_job msg=\"finalization failed\" payment_id=%s err=%v", payment.ID, err)
				continue
			}
			finalized++
		case dispatch.OutcomeRejected:
			reason := "settlement rejected"
			if result.Reason != "" {
				reason = "settlement rejected: " + result.Reason
			}
			if err := s.failSettled(ctx, payment, reason); err != nil {
				log.Printf("level=error component=reconcile_job msg=\"rejection handling failed\" payment_id=%s err=%v", payment.ID, err)
				continue
			}
			rejected++
		}
	}

	log.Printf("level=info component=reconcile_job msg=\"reconciliation pass complete\" settling=%d finalized=%d rejected=%d",
		len(payments), finalized, rejected)
}
