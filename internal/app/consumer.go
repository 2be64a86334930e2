/**
 * @description
 * This file contains the consumer logic for settlement status events from
 * the chain relay. Payments held in `settling` reach their terminal state
 * here: a confirmation finalizes (commit, disburse, capture fee) and a
 * rejection rolls the reservation back.
 *
 * Key features:
 * - Handlers return a rabbitmq.Disposition: Ack for processed events and
 *   safe duplicates, Requeue for transient failures, Discard for poison
 *   messages that can never be processed.
 * - Replays are safe: the money movements inside finalization are
 *   idempotent per payment and the settled transition is guarded, so
 *   duplicate deliveries cannot double-apply.
 *
 * @dependencies
 * - encoding/json, log: Standard Go libraries.
 * - internal/domain, internal/store: Event shape and sentinel errors.
 * - pkg/rabbitmq: The Disposition type the relay acts on.
 */

package app

import (
	"context"
	"encoding/json"
	"errors"
	"log"

	"github.com/google/uuid"

	"github.com/agentrail/payment-service/internal/domain"
	"github.com/agentrail/payment-service/internal/store"
	"github.com/agentrail/payment-service/pkg/rabbitmq"
)

// HandleSettlementConfirmed processes a confirmed-settlement event.
func (s *Service) HandleSettlementConfirmed(ctx context.Context, body []byte) rabbitmq.Disposition {
	event, ok := decodeSettlementEvent(body)
	if !ok {
		return rabbitmq.Discard
	}

	payment, err := s.repo.FindPaymentByID(ctx, event.PaymentID)
	if err != nil {
		if errors.Is(err, store.ErrPaymentNotFound) {
			log.Printf("level=warn component=settlement_consumer msg=\"confirmation for unknown payment; discarding\" payment_id=%s", event.PaymentID)
			return rabbitmq.Discard
		}
		log.Printf("level=error component=settlement_consumer msg=\"payment lookup failed; requeueing\" payment_id=%s err=%v", event.PaymentID, err)
		return rabbitmq.Requeue
	}

	switch payment.Status {
	case domain.PaymentStatusSettled:
		// Duplicate delivery of an already-finalized payment.
		return rabbitmq.Ack
	case domain.PaymentStatusFailed:
		// A confirmation after an explicit rejection means the two sources
		// disagree; never auto-resolve money state from a queue message.
		log.Printf("level=error component=settlement_consumer msg=\"confirmation for failed payment; manual review required\" payment_id=%s settlement_ref=%s",
			payment.ID, event.SettlementRef)
		return rabbitmq.Ack
	case domain.PaymentStatusSettling:
		if err := s.finalizeSettled(ctx, payment, event.SettlementRef); err != nil {
			log.Printf("level=error component=settlement_consumer msg=\"finalization failed; requeueing\" payment_id=%s err=%v", payment.ID, err)
			return rabbitmq.Requeue
		}
		return rabbitmq.Ack
	default:
		// The broadcast raced the relay's event. Requeue until the
		// orchestrator parks the payment in settling.
		log.Printf("level=warn component=settlement_consumer msg=\"confirmation ahead of payment status; requeueing\" payment_id=%s status=%s",
			payment.ID, payment.Status)
		return rabbitmq.Requeue
	}
}

// HandleSettlementRejected processes a rejected-settlement event.
func (s *Service) HandleSettlementRejected(ctx context.Context, body []byte) rabbitmq.Disposition {
	event, ok := decodeSettlementEvent(body)
	if !ok {
		return rabbitmq.Discard
	}

	payment, err := s.repo.FindPaymentByID(ctx, event.PaymentID)
	if err != nil {
		if errors.Is(err, store.ErrPaymentNotFound) {
			log.Printf("level=warn component=settlement_consumer msg=\"rejection for unknown payment; discarding\" payment_id=%s", event.PaymentID)
			return rabbitmq.Discard
		}
		log.Printf("level=error component=settlement_consumer msg=\"payment lookup failed; requeueing\" payment_id=%s err=%v", event.PaymentID, err)
		return rabbitmq.Requeue
	}

	switch payment.Status {
	case domain.PaymentStatusFailed:
		return rabbitmq.Ack
	case domain.PaymentStatusSettled:
		log.Printf("level=error component=settlement_consumer msg=\"rejection for settled payment; manual review required\" payment_id=%s", payment.ID)
		return rabbitmq.Ack
	case domain.PaymentStatusSettling:
		reason := "settlement rejected"
		if event.Reason != "" {
			reason = "settlement rejected: " + event.Reason
		}
		if err := s.failSettled(ctx, payment, reason); err != nil {
			log.Printf("level=error component=settlement_consumer msg=\"rejection handling failed; requeueing\" payment_id=%s err=%v", payment.ID, err)
			return rabbitmq.Requeue
		}
		return rabbitmq.Ack
	default:
		log.Printf("level=warn component=settlement_consumer msg=\"rejection ahead of payment status; requeueing\" payment_id=%s status=%s",
			payment.ID, payment.Status)
		return rabbitmq.Requeue
	}
}

func decodeSettlementEvent(body []byte) (domain.SettlementStatusEvent, bool) {
	var event domain.SettlementStatusEvent
	if err := json.Unmarshal(body, &event); err != nil {
		log.Printf("level=error component=settlement_consumer msg=\"malformed settlement event; discarding\" err=%v", err)
		return event, false
	}
	if event.PaymentID == uuid.Nil {
		log.Printf("level=error component=settlement_consumer msg=\"settlement event missing payment id; discarding\"")
		return event, false
	}
	return event, true
}
