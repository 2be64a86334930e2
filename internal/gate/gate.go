/**
 * @description
 * This file implements the permission gate: the five-check authorization
 * decision that precedes any fund movement. The checks are credit
 * sufficiency, sanctions screening of the recipient address, merchant
 * verification, agent KYA status, and agent risk score.
 *
 * Key features:
 * - All five checks run concurrently; each reads only its own data source.
 * - The gate never short-circuits: every failing check is collected so the
 *   caller gets the complete rejection picture in one pass.
 * - The gate is a pure decision function with no side effects; credit is
 *   reserved only after a full pass.
 * - An unreachable upstream provider is a gate failure with a distinct
 *   "indeterminate" reason, never a silent pass.
 *
 * @dependencies
 * - context, sort: Standard Go libraries.
 * - golang.org/x/sync/errgroup: Concurrent fan-out with a joined wait.
 * - internal/domain, internal/store, pkg/compliance.
 */

package gate

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/agentrail/payment-service/internal/domain"
	"github.com/agentrail/payment-service/internal/store"
	"github.com/agentrail/payment-service/pkg/compliance"
)

// Gate evaluates the five authorization checks for a payment.
type Gate struct {
	repo               store.Repository
	provider           compliance.Provider
	riskScoreThreshold float64
}

// New creates a permission gate. riskScoreThreshold is the exclusive upper
// bound an agent's risk score must stay under.
func New(repo store.Repository, provider compliance.Provider, riskScoreThreshold float64) *Gate {
	return &Gate{
		repo:               repo,
		provider:           provider,
		riskScoreThreshold: riskScoreThreshold,
	}
}

// Evaluate runs all five checks concurrently and aggregates every failure.
// A nil error with result.Pass() == true authorizes the payment; the error
// return is reserved for the agent or merchant record being unloadable at
// all, which leaves nothing to evaluate against.
func (g *Gate) Evaluate(ctx context.Context, agentID, merchantID uuid.UUID, chain domain.Chain, amount int64) (domain.GateResult, error) {
	agent, err := g.repo.FindAgentByID(ctx, agentID)
	if err != nil {
		return domain.GateResult{}, fmt.Errorf("failed to load agent: %w", err)
	}
	merchant, merchantErr := g.repo.FindMerchantByID(ctx, merchantID)
	if merchantErr != nil && !errors.Is(merchantErr, store.ErrMerchantNotFound) {
		return domain.GateResult{}, fmt.Errorf("failed to load merchant: %w", merchantErr)
	}

	// The sanctions check screens the address the payment would actually
	// settle to. A missing address is reported by the merchant check; the
	// sanctions slot stays clear rather than double-reporting.
	var recipientAddress string
	if merchant != nil {
		recipientAddress, _ = merchant.AddressFor(chain)
	}

	failures := make([][]domain.GateFailure, 5)
	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		failures[0] = g.checkCredit(agent, amount)
		return nil
	})
	group.Go(func() error {
		failures[1] = g.checkSanctions(groupCtx, recipientAddress)
		return nil
	})
	group.Go(func() error {
		failures[2] = g.checkMerchant(merchant, chain)
		return nil
	})
	group.Go(func() error {
		failures[3] = g.checkKYA(groupCtx, agentID)
		return nil
	})
	group.Go(func() error {
		failures[4] = g.checkRisk(groupCtx, agent)
		return nil
	})

	// Checks never return errors; the group is a join point only.
	_ = group.Wait()

	var result domain.GateResult
	for _, fs := range failures {
		result.Failures = append(result.Failures, fs...)
	}
	sort.Slice(result.Failures, func(i, j int) bool {
		return result.Failures[i].Check < result.Failures[j].Check
	})
	return result, nil
}

func (g *Gate) checkCredit(agent *domain.Agent, amount int64) []domain.GateFailure {
	if agent.Status != domain.AgentStatusActive {
		return []domain.GateFailure{{
			Check:  domain.CheckCredit,
			Reason: domain.ReasonAgentSuspended,
			Detail: "agent is not active",
		}}
	}
	if available := agent.Available(); available < amount {
		return []domain.GateFailure{{
			Check:  domain.CheckCredit,
			Reason: domain.ReasonInsufficientCredit,
			Detail: fmt.Sprintf("available %d, requested %d", available, amount),
		}}
	}
	return nil
}

func (g *Gate) checkSanctions(ctx context.Context, recipientAddress string) []domain.GateFailure {
	if recipientAddress == "" {
		return nil
	}
	verdict, err := g.provider.ScreenAddress(ctx, recipientAddress)
	if err != nil {
		log.Printf("level=warn component=gate msg=\"sanctions provider unreachable\" err=%v", err)
		return []domain.GateFailure{{
			Check:  domain.CheckSanctions,
			Reason: domain.ReasonSanctionsIndeterminate,
			Detail: "screening provider unreachable",
		}}
	}
	switch verdict {
	case compliance.ScreeningClear:
		return nil
	case compliance.ScreeningFlagged:
		return []domain.GateFailure{{
			Check:  domain.CheckSanctions,
			Reason: domain.ReasonRecipientSanctioned,
			Detail: "recipient address is denylisted",
		}}
	default:
		return []domain.GateFailure{{
			Check:  domain.CheckSanctions,
			Reason: domain.ReasonSanctionsIndeterminate,
			Detail: "screening verdict indeterminate",
		}}
	}
}

func (g *Gate) checkMerchant(merchant *domain.Merchant, chain domain.Chain) []domain.GateFailure {
	if merchant == nil || merchant.Status != domain.MerchantStatusActive {
		return []domain.GateFailure{{
			Check:  domain.CheckMerchant,
			Reason: domain.ReasonMerchantNotActive,
			Detail: "merchant is not an active recipient",
		}}
	}
	if _, ok := merchant.AddressFor(chain); !ok {
		return []domain.GateFailure{{
			Check:  domain.CheckMerchant,
			Reason: domain.ReasonMerchantChainUnsupported,
			Detail: fmt.Sprintf("no settlement address on chain %s", chain),
		}}
	}
	return nil
}

func (g *Gate) checkKYA(ctx context.Context, agentID uuid.UUID) []domain.GateFailure {
	status, err := g.provider.IdentityStatus(ctx, agentID)
	if err != nil {
		log.Printf("level=warn component=gate msg=\"identity provider unreachable\" agent_id=%s err=%v", agentID, err)
		return []domain.GateFailure{{
			Check:  domain.CheckKYA,
			Reason: domain.ReasonKYAIndeterminate,
			Detail: "identity provider unreachable",
		}}
	}
	switch status {
	case compliance.IdentityVerified:
		return nil
	case compliance.IdentityExpired:
		return []domain.GateFailure{{
			Check:  domain.CheckKYA,
			Reason: domain.ReasonKYAExpired,
			Detail: "agent identity verification expired",
		}}
	default:
		return []domain.GateFailure{{
			Check:  domain.CheckKYA,
			Reason: domain.ReasonKYAUnverified,
			Detail: "agent has not passed identity verification",
		}}
	}
}

func (g *Gate) checkRisk(ctx context.Context, agent *domain.Agent) []domain.GateFailure {
	score, err := g.provider.RiskScore(ctx, agent.ID)
	if err != nil {
		log.Printf("level=warn component=gate msg=\"risk provider unreachable\" agent_id=%s err=%v", agent.ID, err)
		return []domain.GateFailure{{
			Check:  domain.CheckRisk,
			Reason: domain.ReasonRiskIndeterminate,
			Detail: "risk provider unreachable",
		}}
	}
	if score >= g.riskScoreThreshold {
		return []domain.GateFailure{{
			Check:  domain.CheckRisk,
			Reason: domain.ReasonRiskScoreExceeded,
			Detail: fmt.Sprintf("score %.2f at or above threshold %.2f", score, g.riskScoreThreshold),
		}}
	}
	return nil
}
