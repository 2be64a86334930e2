package gate

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/agentrail/payment-service/internal/domain"
	"github.com/agentrail/payment-service/internal/store"
	"github.com/agentrail/payment-service/pkg/compliance"
)

type fakeRepo struct {
	store.Repository
	agent    *domain.Agent
	merchant *domain.Merchant
}

func (f *fakeRepo) FindAgentByID(ctx context.Context, agentID uuid.UUID) (*domain.Agent, error) {
	if f.agent == nil || f.agent.ID != agentID {
		return nil, store.ErrAgentNotFound
	}
	clone := *f.agent
	return &clone, nil
}

func (f *fakeRepo) FindMerchantByID(ctx context.Context, merchantID uuid.UUID) (*domain.Merchant, error) {
	if f.merchant == nil || f.merchant.ID != merchantID {
		return nil, store.ErrMerchantNotFound
	}
	clone := *f.merchant
	return &clone, nil
}

type fakeProvider struct {
	screening    string
	screeningErr error
	identity     string
	identityErr  error
	risk         float64
	riskErr      error
}

func (f *fakeProvider) ScreenAddress(ctx context.Context, address string) (string, error) {
	return f.screening, f.screeningErr
}

func (f *fakeProvider) IdentityStatus(ctx context.Context, agentID uuid.UUID) (string, error) {
	return f.identity, f.identityErr
}

func (f *fakeProvider) RiskScore(ctx context.Context, agentID uuid.UUID) (float64, error) {
	return f.risk, f.riskErr
}

func cleanProvider() *fakeProvider {
	return &fakeProvider{
		screening: compliance.ScreeningClear,
		identity:  compliance.IdentityVerified,
		risk:      10,
	}
}

func fixtures() (*domain.Agent, *domain.Merchant) {
	agent := &domain.Agent{
		ID:          uuid.New(),
		Status:      domain.AgentStatusActive,
		CreditLimit: 1_000_000,
	}
	merchant := &domain.Merchant{
		ID:     uuid.New(),
		Status: domain.MerchantStatusActive,
		Addresses: []domain.MerchantSettlementAddress{
			{Chain: domain.ChainEVM, Address: "0xabc"},
		},
	}
	return agent, merchant
}

func reasons(result domain.GateResult) map[string]bool {
	out := make(map[string]bool, len(result.Failures))
	for _, f := range result.Failures {
		out[f.Reason] = true
	}
	return out
}

func TestEvaluateAllChecksPass(t *testing.T) {
	agent, merchant := fixtures()
	g := New(&fakeRepo{agent: agent, merchant: merchant}, cleanProvider(), 75)

	result, err := g.Evaluate(context.Background(), agent.ID, merchant.ID, domain.ChainEVM, 500_000)
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if !result.Pass() {
		t.Fatalf("expected a clean pass, got failures %+v", result.Failures)
	}
}

func TestEvaluateCollectsEveryFailure(t *testing.T) {
	agent, merchant := fixtures()
	agent.Outstanding = 990_000 // only 10_000 available
	merchant.Status = domain.MerchantStatusPending

	provider := &fakeProvider{
		screening: compliance.ScreeningFlagged,
		identity:  compliance.IdentityUnverified,
		risk:      90,
	}
	g := New(&fakeRepo{agent: agent, merchant: merchant}, provider, 75)

	result, err := g.Evaluate(context.Background(), agent.ID, merchant.ID, domain.ChainEVM, 500_000)
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	got := reasons(result)
	for _, want := range []string{
		domain.ReasonInsufficientCredit,
		domain.ReasonRecipientSanctioned,
		domain.ReasonMerchantNotActive,
		domain.ReasonKYAUnverified,
		domain.ReasonRiskScoreExceeded,
	} {
		if !got[want] {
			t.Errorf("expected failure reason %q, got %+v", want, result.Failures)
		}
	}
	if len(result.Failures) != 5 {
		t.Fatalf("expected all five checks to report, got %d failures", len(result.Failures))
	}
}

func TestEvaluateProviderOutageIsIndeterminateNotPass(t *testing.T) {
	agent, merchant := fixtures()
	provider := cleanProvider()
	provider.screeningErr = errors.New("connection refused")
	provider.identityErr = errors.New("connection refused")
	provider.riskErr = errors.New("connection refused")
	g := New(&fakeRepo{agent: agent, merchant: merchant}, provider, 75)

	result, err := g.Evaluate(context.Background(), agent.ID, merchant.ID, domain.ChainEVM, 100)
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	got := reasons(result)
	for _, want := range []string{
		domain.ReasonSanctionsIndeterminate,
		domain.ReasonKYAIndeterminate,
		domain.ReasonRiskIndeterminate,
	} {
		if !got[want] {
			t.Errorf("expected indeterminate reason %q, got %+v", want, result.Failures)
		}
	}
	if result.Pass() {
		t.Fatal("an unreachable provider must never produce a pass")
	}
}

func TestEvaluateUnknownMerchantFailsMerchantCheckOnly(t *testing.T) {
	agent, _ := fixtures()
	g := New(&fakeRepo{agent: agent}, cleanProvider(), 75)

	result, err := g.Evaluate(context.Background(), agent.ID, uuid.New(), domain.ChainEVM, 100)
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if len(result.Failures) != 1 {
		t.Fatalf("expected exactly one failure, got %+v", result.Failures)
	}
	if result.Failures[0].Reason != domain.ReasonMerchantNotActive {
		t.Fatalf("expected merchant failure, got %q", result.Failures[0].Reason)
	}
}

func TestEvaluateMerchantMissingChainAddress(t *testing.T) {
	agent, merchant := fixtures()
	g := New(&fakeRepo{agent: agent, merchant: merchant}, cleanProvider(), 75)

	result, err := g.Evaluate(context.Background(), agent.ID, merchant.ID, domain.ChainAccount, 100)
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	got := reasons(result)
	if !got[domain.ReasonMerchantChainUnsupported] {
		t.Fatalf("expected chain-unsupported failure, got %+v", result.Failures)
	}
}

func TestEvaluateRiskThresholdIsExclusive(t *testing.T) {
	agent, merchant := fixtures()
	provider := cleanProvider()
	provider.risk = 75
	g := New(&fakeRepo{agent: agent, merchant: merchant}, provider, 75)

	result, err := g.Evaluate(context.Background(), agent.ID, merchant.ID, domain.ChainEVM, 100)
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if !reasons(result)[domain.ReasonRiskScoreExceeded] {
		t.Fatalf("a score at the threshold must fail, got %+v", result.Failures)
	}

	provider.risk = 74.9
	result, err = g.Evaluate(context.Background(), agent.ID, merchant.ID, domain.ChainEVM, 100)
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if reasons(result)[domain.ReasonRiskScoreExceeded] {
		t.Fatalf("a score under the threshold must pass, got %+v", result.Failures)
	}
}
