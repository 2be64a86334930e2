package app

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/agentrail/payment-service/internal/domain"
	"github.com/agentrail/payment-service/internal/ledger"
	"github.com/agentrail/payment-service/pkg/dispatch"
	"github.com/agentrail/payment-service/pkg/rabbitmq"
)

func settlementEvent(t *testing.T, paymentID uuid.UUID, status, ref, reason string) []byte {
	t.Helper()
	body, err := json.Marshal(domain.SettlementStatusEvent{
		PaymentID:     paymentID,
		Chain:         domain.ChainEVM,
		Status:        status,
		SettlementRef: ref,
		Reason:        reason,
	})
	if err != nil {
		t.Fatalf("event marshal failed: %v", err)
	}
	return body
}

// holdPayment drives one payment into the settling state via an
// indeterminate broadcast.
func holdPayment(t *testing.T, env *testEnv) *domain.Payment {
	t.Helper()
	env.dispatcher.broadcastResult = nil
	env.dispatcher.broadcastErr = dispatch.ErrIndeterminate

	payment, _, err := env.pay(t, 30*unit)
	if err != nil {
		t.Fatalf("payment failed: %v", err)
	}
	if payment.Status != domain.PaymentStatusSettling {
		t.Fatalf("expected settling, got %s", payment.Status)
	}
	return payment
}

func TestConsumerConfirmationFinalizesHeldPayment(t *testing.T) {
	env := newTestEnv(t)
	payment := holdPayment(t, env)

	if got := env.service.HandleSettlementConfirmed(context.Background(), settlementEvent(t, payment.ID, "confirmed", "0xtx7", "")); got != rabbitmq.Ack {
		t.Fatalf("expected confirmation acked, got %d", got)
	}

	final, _ := env.repo.FindPaymentByID(context.Background(), payment.ID)
	if final.Status != domain.PaymentStatusSettled {
		t.Fatalf("expected settled, got %s", final.Status)
	}
	if final.SettlementRef == nil || *final.SettlementRef != "0xtx7" {
		t.Fatalf("expected settlement ref recorded, got %v", final.SettlementRef)
	}
	agent, _ := env.repo.FindAgentByID(context.Background(), env.agentID)
	if agent.Outstanding != 30*unit+300_000 || agent.Reserved != 0 {
		t.Fatalf("expected committed balances, outstanding=%d reserved=%d",
			agent.Outstanding, agent.Reserved)
	}
}

func TestConsumerDuplicateConfirmationIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	payment := holdPayment(t, env)
	body := settlementEvent(t, payment.ID, "confirmed", "0xtx7", "")

	if got := env.service.HandleSettlementConfirmed(context.Background(), body); got != rabbitmq.Ack {
		t.Fatalf("expected first delivery acked, got %d", got)
	}
	if got := env.service.HandleSettlementConfirmed(context.Background(), body); got != rabbitmq.Ack {
		t.Fatalf("expected duplicate delivery acked, got %d", got)
	}

	agent, _ := env.repo.FindAgentByID(context.Background(), env.agentID)
	if agent.Outstanding != 30*unit+300_000 {
		t.Fatalf("duplicate must not double-commit, outstanding=%d", agent.Outstanding)
	}
	state, _ := env.repo.GetVaultState(context.Background())
	if state.FeeReserve != 300_000 {
		t.Fatalf("duplicate must not double-capture the fee, fee_reserve=%d", state.FeeReserve)
	}
	if len(env.producer.settled) != 1 {
		t.Fatalf("expected a single settled event, got %d", len(env.producer.settled))
	}
}

func TestConsumerRequeuesConfirmationOnTransientVaultError(t *testing.T) {
	env := newTestEnv(t)
	payment := holdPayment(t, env)
	body := settlementEvent(t, payment.ID, "confirmed", "0xtx7", "")

	// The first delivery commits the hold but fails the disbursement. The
	// payment must stay held so a redelivery can finish the money movement.
	env.repo.disburseErrs = 1
	if got := env.service.HandleSettlementConfirmed(context.Background(), body); got != rabbitmq.Requeue {
		t.Fatalf("transient vault failure must requeue, got %d", got)
	}
	held, _ := env.repo.FindPaymentByID(context.Background(), payment.ID)
	if held.Status != domain.PaymentStatusSettling {
		t.Fatalf("payment must stay held for redelivery, got %s", held.Status)
	}

	if got := env.service.HandleSettlementConfirmed(context.Background(), body); got != rabbitmq.Ack {
		t.Fatalf("expected redelivery acked, got %d", got)
	}
	final, _ := env.repo.FindPaymentByID(context.Background(), payment.ID)
	if final.Status != domain.PaymentStatusSettled {
		t.Fatalf("expected settled after redelivery, got %s", final.Status)
	}

	// Every money movement applied exactly once across both deliveries.
	agent, _ := env.repo.FindAgentByID(context.Background(), env.agentID)
	if agent.Outstanding != 30*unit+300_000 || agent.Reserved != 0 {
		t.Fatalf("commit must apply once, outstanding=%d reserved=%d",
			agent.Outstanding, agent.Reserved)
	}
	state, _ := env.repo.GetVaultState(context.Background())
	wantAssets := vaultSeed - 30*unit + 300_000
	if state.TotalAssets != wantAssets {
		t.Fatalf("disbursement must apply once, assets=%d want=%d", state.TotalAssets, wantAssets)
	}
	if state.FeeReserve != 300_000 {
		t.Fatalf("fee must apply once, fee_reserve=%d", state.FeeReserve)
	}
	if len(env.producer.settled) != 1 {
		t.Fatalf("expected a single settled event, got %d", len(env.producer.settled))
	}
}

func TestSweepSkipsHoldBackingSettlingPayment(t *testing.T) {
	env := newTestEnv(t)

	// A negative TTL makes every hold expired the moment it is placed.
	env.service.ledger = ledger.New(env.repo, env.producer, -time.Minute)
	payment := holdPayment(t, env)

	env.service.SweepExpiredReservations(context.Background())

	agent, _ := env.repo.FindAgentByID(context.Background(), env.agentID)
	if agent.Reserved != 30*unit+300_000 {
		t.Fatalf("a hold backing a settling payment must survive the sweep, reserved=%d", agent.Reserved)
	}

	// The late confirmation still finds its hold and finalizes in full.
	if got := env.service.HandleSettlementConfirmed(context.Background(), settlementEvent(t, payment.ID, "confirmed", "0xtx8", "")); got != rabbitmq.Ack {
		t.Fatalf("expected confirmation acked, got %d", got)
	}
	final, _ := env.repo.FindPaymentByID(context.Background(), payment.ID)
	if final.Status != domain.PaymentStatusSettled {
		t.Fatalf("expected settled, got %s", final.Status)
	}
	agent, _ = env.repo.FindAgentByID(context.Background(), env.agentID)
	if agent.Outstanding != 30*unit+300_000 || agent.Reserved != 0 {
		t.Fatalf("expected committed balances, outstanding=%d reserved=%d",
			agent.Outstanding, agent.Reserved)
	}
	state, _ := env.repo.GetVaultState(context.Background())
	wantAssets := vaultSeed - 30*unit + 300_000
	if state.TotalAssets != wantAssets {
		t.Fatalf("expected vault assets %d, got %d", wantAssets, state.TotalAssets)
	}

	// Once the payment is terminal the expired hold is gone regardless.
	env.service.SweepExpiredReservations(context.Background())
	agentAfter, _ := env.repo.FindAgentByID(context.Background(), env.agentID)
	if agentAfter.Outstanding != agent.Outstanding {
		t.Fatalf("sweep after settlement must not touch balances, outstanding=%d", agentAfter.Outstanding)
	}
}

func TestConsumerRejectionReleasesHeldPayment(t *testing.T) {
	env := newTestEnv(t)
	payment := holdPayment(t, env)

	if got := env.service.HandleSettlementRejected(context.Background(), settlementEvent(t, payment.ID, "rejected", "", "reverted")); got != rabbitmq.Ack {
		t.Fatalf("expected rejection acked, got %d", got)
	}

	final, _ := env.repo.FindPaymentByID(context.Background(), payment.ID)
	if final.Status != domain.PaymentStatusFailed {
		t.Fatalf("expected failed, got %s", final.Status)
	}
	agent, _ := env.repo.FindAgentByID(context.Background(), env.agentID)
	if agent.Reserved != 0 || agent.Outstanding != 0 {
		t.Fatalf("expected hold released, reserved=%d outstanding=%d",
			agent.Reserved, agent.Outstanding)
	}
	if len(env.producer.failed) != 1 {
		t.Fatalf("expected one failed event, got %d", len(env.producer.failed))
	}
}

func TestConsumerDiscardsUnknownPaymentAndMalformedBody(t *testing.T) {
	env := newTestEnv(t)

	if got := env.service.HandleSettlementConfirmed(context.Background(), settlementEvent(t, uuid.New(), "confirmed", "0x1", "")); got != rabbitmq.Discard {
		t.Fatalf("unknown payment must be discarded, got %d", got)
	}
	if got := env.service.HandleSettlementConfirmed(context.Background(), []byte("not-json")); got != rabbitmq.Discard {
		t.Fatalf("malformed body must be discarded as a poison message, got %d", got)
	}
}

func TestConsumerRequeuesConfirmationAheadOfStatus(t *testing.T) {
	env := newTestEnv(t)

	// Seed a payment that has not reached settling yet.
	payment := &domain.Payment{
		ID:      uuid.New(),
		AgentID: env.agentID,
		Chain:   domain.ChainEVM,
		Amount:  unit,
		Status:  domain.PaymentStatusReserved,
	}
	if err := env.repo.CreatePayment(context.Background(), payment); err != nil {
		t.Fatalf("payment seed failed: %v", err)
	}

	if got := env.service.HandleSettlementConfirmed(context.Background(), settlementEvent(t, payment.ID, "confirmed", "0x1", "")); got != rabbitmq.Requeue {
		t.Fatalf("a confirmation racing the broadcast must be requeued, got %d", got)
	}
}
