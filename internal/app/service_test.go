package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/agentrail/payment-service/internal/cosign"
	"github.com/agentrail/payment-service/internal/domain"
	"github.com/agentrail/payment-service/internal/gate"
	"github.com/agentrail/payment-service/internal/ledger"
	"github.com/agentrail/payment-service/internal/store"
	"github.com/agentrail/payment-service/internal/vault"
	"github.com/agentrail/payment-service/pkg/compliance"
	"github.com/agentrail/payment-service/pkg/dispatch"
)

// memRepo is an in-memory repository backing the orchestrator tests.
type memRepo struct {
	store.Repository

	mu           sync.Mutex
	agents       map[uuid.UUID]*domain.Agent
	merchants    map[uuid.UUID]*domain.Merchant
	payments     map[uuid.UUID]*domain.Payment
	reservations map[uuid.UUID]*domain.CreditReservation
	vaultState   domain.VaultState
	vaultEntries map[string]bool
	positions    map[uuid.UUID]int64
	keys         map[uuid.UUID][2][]byte

	// disburseErrs fails that many ApplyVaultDisbursement calls to exercise
	// the finalization retry path.
	disburseErrs int
}

func newMemRepo() *memRepo {
	return &memRepo{
		agents:       make(map[uuid.UUID]*domain.Agent),
		merchants:    make(map[uuid.UUID]*domain.Merchant),
		payments:     make(map[uuid.UUID]*domain.Payment),
		reservations: make(map[uuid.UUID]*domain.CreditReservation),
		vaultEntries: make(map[string]bool),
		positions:    make(map[uuid.UUID]int64),
		keys:         make(map[uuid.UUID][2][]byte),
	}
}

func (m *memRepo) CreateAgent(ctx context.Context, agent *domain.Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *agent
	m.agents[agent.ID] = &clone
	return nil
}

func (m *memRepo) FindAgentByID(ctx context.Context, agentID uuid.UUID) (*domain.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	agent, ok := m.agents[agentID]
	if !ok {
		return nil, store.ErrAgentNotFound
	}
	clone := *agent
	return &clone, nil
}

func (m *memRepo) SuspendAgent(ctx context.Context, agentID uuid.UUID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if agent, ok := m.agents[agentID]; ok {
		agent.Status = domain.AgentStatusSuspended
		agent.SuspendedReason = &reason
	}
	return nil
}

func (m *memRepo) ReserveCredit(ctx context.Context, reservation *domain.CreditReservation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	agent, ok := m.agents[reservation.AgentID]
	if !ok {
		return store.ErrAgentNotFound
	}
	if agent.Outstanding+agent.Reserved+reservation.Amount > agent.CreditLimit {
		return store.ErrInsufficientCredit
	}
	agent.Reserved += reservation.Amount
	clone := *reservation
	clone.State = domain.ReservationHeld
	m.reservations[reservation.ID] = &clone
	return nil
}

func (m *memRepo) FindReservationByID(ctx context.Context, reservationID uuid.UUID) (*domain.CreditReservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	res, ok := m.reservations[reservationID]
	if !ok {
		return nil, store.ErrReservationNotFound
	}
	clone := *res
	return &clone, nil
}

func (m *memRepo) CommitReservation(ctx context.Context, reservationID uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	res, ok := m.reservations[reservationID]
	if !ok {
		return false, store.ErrReservationNotFound
	}
	switch res.State {
	case domain.ReservationCommitted:
		return false, nil
	case domain.ReservationReleased:
		return false, store.ErrStaleTransition
	}
	agent := m.agents[res.AgentID]
	agent.Reserved -= res.Amount
	agent.Outstanding += res.Amount
	res.State = domain.ReservationCommitted
	return true, nil
}

func (m *memRepo) ReleaseReservation(ctx context.Context, reservationID uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	res, ok := m.reservations[reservationID]
	if !ok {
		return false, store.ErrReservationNotFound
	}
	switch res.State {
	case domain.ReservationReleased:
		return false, nil
	case domain.ReservationCommitted:
		return false, store.ErrReservationCommitted
	}
	agent := m.agents[res.AgentID]
	agent.Reserved -= res.Amount
	res.State = domain.ReservationReleased
	return true, nil
}

func (m *memRepo) SweepExpiredReservations(ctx context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var count int64
	for id, res := range m.reservations {
		if res.State != domain.ReservationHeld || res.ExpiresAt.After(now) {
			continue
		}
		inFlight := false
		for _, payment := range m.payments {
			if payment.ReservationID != nil && *payment.ReservationID == id &&
				(payment.Status == domain.PaymentStatusSigned || payment.Status == domain.PaymentStatusSettling) {
				inFlight = true
				break
			}
		}
		if inFlight {
			continue
		}
		agent := m.agents[res.AgentID]
		agent.Reserved -= res.Amount
		res.State = domain.ReservationReleased
		count++
	}
	return count, nil
}

func (m *memRepo) RepayCredit(ctx context.Context, agentID uuid.UUID, amount int64, proofRef string) (*domain.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	agent, ok := m.agents[agentID]
	if !ok {
		return nil, store.ErrAgentNotFound
	}
	if amount > agent.Outstanding {
		return nil, store.ErrRepaymentExceedsOutstanding
	}
	agent.Outstanding -= amount
	if agent.Outstanding == 0 {
		agent.Delinquent = false
	}
	clone := *agent
	return &clone, nil
}

func (m *memRepo) SumOutstandingCredit(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total int64
	for _, agent := range m.agents {
		total += agent.Outstanding
	}
	return total, nil
}

func (m *memRepo) CreateMerchant(ctx context.Context, merchant *domain.Merchant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *merchant
	m.merchants[merchant.ID] = &clone
	return nil
}

func (m *memRepo) FindMerchantByID(ctx context.Context, merchantID uuid.UUID) (*domain.Merchant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	merchant, ok := m.merchants[merchantID]
	if !ok {
		return nil, store.ErrMerchantNotFound
	}
	clone := *merchant
	return &clone, nil
}

func (m *memRepo) UpdateMerchantStatus(ctx context.Context, merchantID uuid.UUID, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	merchant, ok := m.merchants[merchantID]
	if !ok {
		return store.ErrMerchantNotFound
	}
	merchant.Status = status
	return nil
}

func (m *memRepo) CreatePayment(ctx context.Context, payment *domain.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *payment
	m.payments[payment.ID] = &clone
	return nil
}

func (m *memRepo) FindPaymentByID(ctx context.Context, paymentID uuid.UUID) (*domain.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	payment, ok := m.payments[paymentID]
	if !ok {
		return nil, store.ErrPaymentNotFound
	}
	clone := *payment
	return &clone, nil
}

func (m *memRepo) FindPaymentsByStatus(ctx context.Context, status string, limit int) ([]domain.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Payment
	for _, payment := range m.payments {
		if payment.Status == status && len(out) < limit {
			out = append(out, *payment)
		}
	}
	return out, nil
}

func (m *memRepo) AdvancePaymentStatus(ctx context.Context, paymentID uuid.UUID, fromStatuses []string, params store.PaymentStatusParams) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	payment, ok := m.payments[paymentID]
	if !ok {
		return store.ErrPaymentNotFound
	}
	matched := false
	for _, from := range fromStatuses {
		if payment.Status == from {
			matched = true
			break
		}
	}
	if !matched {
		return store.ErrStaleTransition
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

func (m *memRepo) GetVaultState(ctx context.Context) (*domain.VaultState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state := m.vaultState
	return &state, nil
}

func (m *memRepo) FindVaultPosition(ctx context.Context, lenderID uuid.UUID) (*domain.VaultPosition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	shares, ok := m.positions[lenderID]
	if !ok {
		return nil, store.ErrPositionNotFound
	}
	return &domain.VaultPosition{LenderID: lenderID, Shares: shares}, nil
}

func (m *memRepo) ApplyVaultDeposit(ctx context.Context, lenderID uuid.UUID, assets, shares int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vaultState.TotalAssets += assets
	m.vaultState.TotalShares += shares
	m.positions[lenderID] += shares
	return nil
}

func (m *memRepo) ApplyVaultWithdrawal(ctx context.Context, lenderID uuid.UUID, assets, shares int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.positions[lenderID] < shares {
		return store.ErrInsufficientShares
	}
	m.vaultState.TotalAssets -= assets
	m.vaultState.TotalShares -= shares
	m.positions[lenderID] -= shares
	return nil
}

func (m *memRepo) ApplyVaultFeeCapture(ctx context.Context, paymentID uuid.UUID, amount int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := paymentID.String() + ":fee_capture"
	if m.vaultEntries[key] {
		return false, nil
	}
	m.vaultEntries[key] = true
	m.vaultState.TotalAssets += amount
	m.vaultState.FeeReserve += amount
	return true, nil
}

func (m *memRepo) ApplyVaultDisbursement(ctx context.Context, paymentID uuid.UUID, amount int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disburseErrs > 0 {
		m.disburseErrs--
		return false, errors.New("disbursement connection reset")
	}
	key := paymentID.String() + ":disbursement"
	if m.vaultEntries[key] {
		return false, nil
	}
	if m.vaultState.TotalAssets < amount {
		return false, store.ErrVaultInsufficientAssets
	}
	m.vaultEntries[key] = true
	m.vaultState.TotalAssets -= amount
	return true, nil
}

func (m *memRepo) MarkOverdueAgentsDelinquent(ctx context.Context, asOf time.Time) ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var flagged []uuid.UUID
	for id, agent := range m.agents {
		if !agent.Delinquent && agent.Outstanding > 0 && agent.RepaymentDueAt.Before(asOf) {
			agent.Delinquent = true
			flagged = append(flagged, id)
		}
	}
	return flagged, nil
}

func (m *memRepo) SaveAgentSigningKey(ctx context.Context, agentID uuid.UUID, serviceShard, jointPublicKey []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[agentID] = [2][]byte{serviceShard, jointPublicKey}
	return nil
}

func (m *memRepo) FindAgentSigningKey(ctx context.Context, agentID uuid.UUID) ([]byte, []byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key, ok := m.keys[agentID]
	if !ok {
		return nil, nil, store.ErrSigningKeyNotFound
	}
	return key[0], key[1], nil
}

// recordingProducer captures published events.
type recordingProducer struct {
	mu        sync.Mutex
	settled   []domain.PaymentSettledEvent
	failed    []domain.PaymentFailedEvent
	fees      []domain.FeeCapturedEvent
	suspended []domain.AgentSuspendedEvent
}

func (p *recordingProducer) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	return nil
}

func (p *recordingProducer) PublishPaymentSettled(ctx context.Context, event domain.PaymentSettledEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.settled = append(p.settled, event)
	return nil
}

func (p *recordingProducer) PublishPaymentFailed(ctx context.Context, event domain.PaymentFailedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failed = append(p.failed, event)
	return nil
}

func (p *recordingProducer) PublishFeeCaptured(ctx context.Context, event domain.FeeCapturedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fees = append(p.fees, event)
	return nil
}

func (p *recordingProducer) PublishAgentSuspended(ctx context.Context, event domain.AgentSuspendedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.suspended = append(p.suspended, event)
	return nil
}

func (p *recordingProducer) Close() {}

// scriptedDispatcher returns canned broadcast and status results.
type scriptedDispatcher struct {
	chain           domain.Chain
	broadcastResult *dispatch.BroadcastResult
	broadcastErr    error
	statusResult    *dispatch.BroadcastResult
	statusErr       error
}

func (d *scriptedDispatcher) Broadcast(ctx context.Context, payload dispatch.SignedPayload) (*dispatch.BroadcastResult, error) {
	return d.broadcastResult, d.broadcastErr
}

func (d *scriptedDispatcher) Status(ctx context.Context, paymentID uuid.UUID) (*dispatch.BroadcastResult, error) {
	return d.statusResult, d.statusErr
}

func (d *scriptedDispatcher) Chain() domain.Chain {
	return d.chain
}

// shardSigner runs the agent side of co-signing in-process.
type shardSigner struct {
	shard cosign.Shard
	err   error
}

func (s *shardSigner) SignPartial(ctx context.Context, sessionID uuid.UUID, payloadHash, serviceCommitment, jointPublicKey []byte) (*cosign.AgentPartial, error) {
	if s.err != nil {
		return nil, s.err
	}
	return cosign.SignAgentPartial(s.shard, payloadHash, serviceCommitment, jointPublicKey)
}

type cleanProvider struct{}

func (cleanProvider) ScreenAddress(ctx context.Context, address string) (string, error) {
	return compliance.ScreeningClear, nil
}

func (cleanProvider) IdentityStatus(ctx context.Context, agentID uuid.UUID) (string, error) {
	return compliance.IdentityVerified, nil
}

func (cleanProvider) RiskScore(ctx context.Context, agentID uuid.UUID) (float64, error) {
	return 5, nil
}

const (
	unit         = int64(1_000_000) // one stablecoin unit in micro-units
	agentLimit   = 100 * unit
	vaultSeed    = 1000 * unit
	testFeeBPS   = 100 // 1%
	testAttempts = 2
)

type testEnv struct {
	service    *Service
	repo       *memRepo
	producer   *recordingProducer
	dispatcher *scriptedDispatcher
	agentID    uuid.UUID
	merchantID uuid.UUID
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	repo := newMemRepo()
	producer := &recordingProducer{}
	dispatcher := &scriptedDispatcher{
		chain:           domain.ChainEVM,
		broadcastResult: &dispatch.BroadcastResult{Outcome: dispatch.OutcomeConfirmed, SettlementRef: "0xtx1"},
	}

	agentShard, serviceShard, jointPublicKey, err := cosign.SplitKey()
	if err != nil {
		t.Fatalf("key split failed: %v", err)
	}

	agent := &domain.Agent{
		ID:             uuid.New(),
		Name:           "buyer-bot",
		Status:         domain.AgentStatusActive,
		CreditLimit:    agentLimit,
		RepaymentDueAt: time.Now().UTC().Add(7 * 24 * time.Hour),
	}
	if err := repo.CreateAgent(context.Background(), agent); err != nil {
		t.Fatalf("agent seed failed: %v", err)
	}
	if err := repo.SaveAgentSigningKey(context.Background(), agent.ID, serviceShard, jointPublicKey); err != nil {
		t.Fatalf("key seed failed: %v", err)
	}

	merchant := &domain.Merchant{
		ID:     uuid.New(),
		Name:   "api-vendor",
		Status: domain.MerchantStatusActive,
		Addresses: []domain.MerchantSettlementAddress{
			{Chain: domain.ChainEVM, Address: "0xmerchant"},
		},
	}
	if err := repo.CreateMerchant(context.Background(), merchant); err != nil {
		t.Fatalf("merchant seed failed: %v", err)
	}

	// Seed the pool with lender capital.
	if err := repo.ApplyVaultDeposit(context.Background(), uuid.New(), vaultSeed, vaultSeed); err != nil {
		t.Fatalf("vault seed failed: %v", err)
	}

	service := NewService(
		repo,
		ledger.New(repo, producer, time.Minute),
		vault.New(repo, 8000),
		gate.New(repo, cleanProvider{}, 75),
		cosign.NewEngine(&shardSigner{shard: agentShard}, time.Minute),
		dispatch.NewRegistry(dispatcher),
		producer,
		testFeeBPS,
		testAttempts,
	)

	return &testEnv{
		service:    service,
		repo:       repo,
		producer:   producer,
		dispatcher: dispatcher,
		agentID:    agent.ID,
		merchantID: merchant.ID,
	}
}

func (e *testEnv) pay(t *testing.T, amount int64) (*domain.Payment, *domain.GateResult, error) {
	t.Helper()
	return e.service.ExecutePayment(context.Background(), e.agentID, domain.CreatePaymentRequest{
		MerchantID:  e.merchantID,
		Chain:       domain.ChainEVM,
		Amount:      amount,
		Description: "inference batch",
	})
}

func TestExecutePaymentSettlesOnConfirmedBroadcast(t *testing.T) {
	env := newTestEnv(t)

	payment, gateResult, err := env.pay(t, 30*unit)
	if err != nil {
		t.Fatalf("payment failed: %v", err)
	}
	if gateResult != nil {
		t.Fatalf("unexpected gate failures: %+v", gateResult.Failures)
	}
	if payment.Status != domain.PaymentStatusSettled {
		t.Fatalf("expected settled, got %s", payment.Status)
	}
	if payment.Fee != 300_000 { // 1% of 30 units
		t.Fatalf("expected fee 0.30 units, got %d", payment.Fee)
	}

	agent, _ := env.repo.FindAgentByID(context.Background(), env.agentID)
	if agent.Outstanding != 30*unit+300_000 {
		t.Fatalf("expected outstanding amount+fee, got %d", agent.Outstanding)
	}
	if agent.Reserved != 0 {
		t.Fatalf("expected no residual hold, got %d", agent.Reserved)
	}

	state, _ := env.repo.GetVaultState(context.Background())
	wantAssets := vaultSeed - 30*unit + 300_000
	if state.TotalAssets != wantAssets {
		t.Fatalf("expected vault assets %d, got %d", wantAssets, state.TotalAssets)
	}
	if state.FeeReserve != 300_000 {
		t.Fatalf("expected fee reserve 0.30 units, got %d", state.FeeReserve)
	}

	if len(env.producer.settled) != 1 || len(env.producer.fees) != 1 {
		t.Fatalf("expected settled and fee events, got settled=%d fees=%d",
			len(env.producer.settled), len(env.producer.fees))
	}
}

func TestExecutePaymentRejectsWhenCreditExhausted(t *testing.T) {
	env := newTestEnv(t)

	if _, _, err := env.pay(t, 30*unit); err != nil {
		t.Fatalf("first payment failed: %v", err)
	}

	payment, gateResult, err := env.pay(t, 80*unit)
	if !errors.Is(err, ErrGateRejected) {
		t.Fatalf("expected gate rejection, got %v", err)
	}
	if payment.Status != domain.PaymentStatusFailed {
		t.Fatalf("expected failed status, got %s", payment.Status)
	}
	found := false
	for _, f := range gateResult.Failures {
		if f.Reason == domain.ReasonInsufficientCredit {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected insufficient_credit failure, got %+v", gateResult.Failures)
	}

	// No hold leaks from a gate rejection.
	agent, _ := env.repo.FindAgentByID(context.Background(), env.agentID)
	if agent.Reserved != 0 {
		t.Fatalf("expected no residual hold, got %d", agent.Reserved)
	}
}

func TestExecutePaymentReleasesHoldOnSigningFailure(t *testing.T) {
	env := newTestEnv(t)

	// Replace the engine with one whose shard provider always fails.
	env.service.engine = cosign.NewEngine(&shardSigner{err: errors.New("shard provider down")}, time.Minute)

	payment, _, err := env.pay(t, 30*unit)
	if err == nil {
		t.Fatal("expected signing failure")
	}
	if payment.Status != domain.PaymentStatusFailed {
		t.Fatalf("expected failed status, got %s", payment.Status)
	}

	agent, _ := env.repo.FindAgentByID(context.Background(), env.agentID)
	if agent.Reserved != 0 {
		t.Fatalf("signing failure must release the hold, reserved=%d", agent.Reserved)
	}
	if agent.Outstanding != 0 {
		t.Fatalf("nothing was spent, outstanding=%d", agent.Outstanding)
	}
	state, _ := env.repo.GetVaultState(context.Background())
	if state.TotalAssets != vaultSeed {
		t.Fatalf("vault must be untouched, assets=%d", state.TotalAssets)
	}
	if len(env.producer.failed) != 1 {
		t.Fatalf("expected one failed event, got %d", len(env.producer.failed))
	}
}

func TestExecutePaymentReleasesHoldOnRejectedBroadcast(t *testing.T) {
	env := newTestEnv(t)
	env.dispatcher.broadcastResult = &dispatch.BroadcastResult{
		Outcome: dispatch.OutcomeRejected,
		Reason:  "nonce conflict",
	}

	payment, _, err := env.pay(t, 30*unit)
	if !errors.Is(err, ErrSettlementRejected) {
		t.Fatalf("expected settlement rejection error, got %v", err)
	}
	if payment.Status != domain.PaymentStatusFailed {
		t.Fatalf("expected failed status, got %s", payment.Status)
	}

	agent, _ := env.repo.FindAgentByID(context.Background(), env.agentID)
	if agent.Reserved != 0 || agent.Outstanding != 0 {
		t.Fatalf("rejection must roll the hold back, reserved=%d outstanding=%d",
			agent.Reserved, agent.Outstanding)
	}
}

func TestFlagDelinquentAgentsMarksOverdueBalance(t *testing.T) {
	env := newTestEnv(t)

	if _, _, err := env.pay(t, 30*unit); err != nil {
		t.Fatalf("payment failed: %v", err)
	}

	// Move the due date into the past with the balance still open.
	env.repo.mu.Lock()
	env.repo.agents[env.agentID].RepaymentDueAt = time.Now().UTC().Add(-time.Hour)
	env.repo.mu.Unlock()

	env.service.FlagDelinquentAgents(context.Background())

	agent, _ := env.repo.FindAgentByID(context.Background(), env.agentID)
	if !agent.Delinquent {
		t.Fatal("expected agent flagged delinquent past the due date")
	}

	// Repaying the full balance clears the flag.
	if _, err := env.service.ledger.Repay(context.Background(), env.agentID, agent.Outstanding, "wire-001"); err != nil {
		t.Fatalf("repayment failed: %v", err)
	}
	agent, _ = env.repo.FindAgentByID(context.Background(), env.agentID)
	if agent.Delinquent {
		t.Fatal("expected delinquency cleared after full repayment")
	}
}

func TestIndeterminateBroadcastHoldsPaymentAndReservation(t *testing.T) {
	env := newTestEnv(t)
	env.dispatcher.broadcastResult = nil
	env.dispatcher.broadcastErr = dispatch.ErrIndeterminate

	payment, _, err := env.pay(t, 30*unit)
	if err != nil {
		t.Fatalf("indeterminate broadcast must not surface an error, got %v", err)
	}
	if payment.Status != domain.PaymentStatusSettling {
		t.Fatalf("expected payment held in settling, got %s", payment.Status)
	}

	// The hold must survive: the transfer may still confirm.
	agent, _ := env.repo.FindAgentByID(context.Background(), env.agentID)
	if agent.Reserved != 30*unit+300_000 {
		t.Fatalf("expected hold retained, reserved=%d", agent.Reserved)
	}
	if len(env.producer.failed) != 0 {
		t.Fatalf("no failure event for a held payment, got %d", len(env.producer.failed))
	}
}

func TestReconcileFinalizesHeldPayment(t *testing.T) {
	env := newTestEnv(t)
	env.dispatcher.broadcastResult = nil
	env.dispatcher.broadcastErr = dispatch.ErrIndeterminate

	payment, _, err := env.pay(t, 30*unit)
	if err != nil {
		t.Fatalf("payment failed: %v", err)
	}
	if payment.Status != domain.PaymentStatusSettling {
		t.Fatalf("expected settling, got %s", payment.Status)
	}

	env.dispatcher.statusResult = &dispatch.BroadcastResult{
		Outcome:       dispatch.OutcomeConfirmed,
		SettlementRef: "0xtx9",
	}
	env.service.ReconcileSettling(context.Background(), 10)

	final, _ := env.repo.FindPaymentByID(context.Background(), payment.ID)
	if final.Status != domain.PaymentStatusSettled {
		t.Fatalf("expected settled after reconciliation, got %s", final.Status)
	}
	agent, _ := env.repo.FindAgentByID(context.Background(), env.agentID)
	if agent.Outstanding != 30*unit+300_000 || agent.Reserved != 0 {
		t.Fatalf("expected committed balances, outstanding=%d reserved=%d",
			agent.Outstanding, agent.Reserved)
	}

	// A second pass over an already-settled payment changes nothing.
	env.service.ReconcileSettling(context.Background(), 10)
	agentAfter, _ := env.repo.FindAgentByID(context.Background(), env.agentID)
	if agentAfter.Outstanding != agent.Outstanding {
		t.Fatalf("reconciliation replay must be a no-op, outstanding=%d", agentAfter.Outstanding)
	}
}

func TestReconcileFailsHeldPaymentOnRejection(t *testing.T) {
	env := newTestEnv(t)
	env.dispatcher.broadcastResult = nil
	env.dispatcher.broadcastErr = dispatch.ErrIndeterminate

	payment, _, err := env.pay(t, 30*unit)
	if err != nil {
		t.Fatalf("payment failed: %v", err)
	}

	env.dispatcher.statusResult = &dispatch.BroadcastResult{
		Outcome: dispatch.OutcomeRejected,
		Reason:  "insufficient gas",
	}
	env.service.ReconcileSettling(context.Background(), 10)

	final, _ := env.repo.FindPaymentByID(context.Background(), payment.ID)
	if final.Status != domain.PaymentStatusFailed {
		t.Fatalf("expected failed after rejection, got %s", final.Status)
	}
	agent, _ := env.repo.FindAgentByID(context.Background(), env.agentID)
	if agent.Reserved != 0 || agent.Outstanding != 0 {
		t.Fatalf("expected hold released, reserved=%d outstanding=%d",
			agent.Reserved, agent.Outstanding)
	}
}

func TestRegisterAgentReturnsShardOnce(t *testing.T) {
	env := newTestEnv(t)

	resp, err := env.service.RegisterAgent(context.Background(), domain.CreateAgentRequest{
		Name:        "new-bot",
		CreditLimit: 50 * unit,
	})
	if err != nil {
		t.Fatalf("registration failed: %v", err)
	}
	if resp.AgentShard == "" || resp.JointPublicKey == "" {
		t.Fatal("expected agent shard and joint key in the response")
	}

	// Only the service shard is persisted.
	serviceShard, jointKey, err := env.repo.FindAgentSigningKey(context.Background(), resp.Agent.ID)
	if err != nil {
		t.Fatalf("key lookup failed: %v", err)
	}
	if len(serviceShard) == 0 || len(jointKey) == 0 {
		t.Fatal("expected persisted service shard and joint key")
	}
}
