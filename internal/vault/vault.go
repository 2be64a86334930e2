/**
 * @description
 * This file implements share-based vault accounting for the shared liquidity
 * pool. Lender deposits mint shares at the current share price, withdrawals
 * burn shares, fee capture raises the price for all holders without minting,
 * and disbursements draw assets down when payments settle on-chain.
 *
 * Key features:
 * - All mutations serialize behind one mutex and land in a single repository
 *   transaction, so no reader observes partially updated totals.
 * - Share price is totalAssets/totalShares with a fixed reference price of
 *   one asset micro-unit per share when the vault is empty.
 * - Withdrawals and disbursements are rejected when they would drop total
 *   assets below the outstanding credit exposure adjusted by the
 *   utilization cap (the vault's solvency margin).
 *
 * @dependencies
 * - context, errors, sync: Standard Go libraries.
 * - math/big: Overflow-safe mul-then-div share math.
 * - internal/domain, internal/store: Domain models and data access.
 */

package vault

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/big"
	"sync"

	"github.com/google/uuid"

	"github.com/agentrail/payment-service/internal/domain"
	"github.com/agentrail/payment-service/internal/store"
)

var (
	// ErrVaultInsolvency is returned when a withdrawal or disbursement would
	// breach the utilization cap. Not retryable.
	ErrVaultInsolvency = errors.New("vault insolvency")
	// ErrInsufficientShares is returned when a withdrawal exceeds the
	// lender's share position.
	ErrInsufficientShares = errors.New("insufficient share balance")
)

// Vault owns pool share/asset accounting. Single instance, single writer.
type Vault struct {
	mu                sync.Mutex
	repo              store.Repository
	utilizationCapBPS int64 // max outstanding credit as basis points of total assets
}

// New creates the vault accounting aggregate. utilizationCapBPS of 8000
// means at most 80% of vault assets may be outstanding as disbursed credit.
func New(repo store.Repository, utilizationCapBPS int64) *Vault {
	if utilizationCapBPS <= 0 || utilizationCapBPS > 10000 {
		utilizationCapBPS = 10000
	}
	return &Vault{repo: repo, utilizationCapBPS: utilizationCapBPS}
}

// mulDiv computes a*b/c without intermediate overflow.
func mulDiv(a, b, c int64) int64 {
	if c == 0 {
		return 0
	}
	out := new(big.Int).Mul(big.NewInt(a), big.NewInt(b))
	out.Quo(out, big.NewInt(c))
	return out.Int64()
}

// SharePrice returns the current price scaled by 1e6: micro-units of assets
// per whole share unit. The reference price at an empty vault is 1e6.
func (v *Vault) SharePrice(ctx context.Context) (int64, error) {
	state, err := v.repo.GetVaultState(ctx)
	if err != nil {
		return 0, err
	}
	return sharePrice(state), nil
}

func sharePrice(state *domain.VaultState) int64 {
	if state.TotalShares == 0 {
		return 1_000_000
	}
	return mulDiv(state.TotalAssets, 1_000_000, state.TotalShares)
}

// Deposit converts an asset amount into newly minted shares at the current
// price and credits them to the lender. Returns the shares minted.
func (v *Vault) Deposit(ctx context.Context, lenderID uuid.UUID, assets int64) (int64, error) {
	if assets <= 0 {
		return 0, fmt.Errorf("deposit amount must be positive, got %d", assets)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	state, err := v.repo.GetVaultState(ctx)
	if err != nil {
		return 0, err
	}

	var shares int64
	if state.TotalShares == 0 {
		shares = assets
	} else {
		shares = mulDiv(assets, state.TotalShares, state.TotalAssets)
	}
	if shares <= 0 {
		return 0, fmt.Errorf("deposit of %d mints no shares at current price", assets)
	}

	if err := v.repo.ApplyVaultDeposit(ctx, lenderID, assets, shares); err != nil {
		return 0, err
	}
	log.Printf("level=info component=vault msg=\"deposit applied\" lender_id=%s assets=%d shares=%d", lenderID, assets, shares)
	return shares, nil
}

// Withdraw burns the lender's shares and pays out assets at the current
// price. Rejected if the position would go negative or the payout would
// breach the solvency margin.
func (v *Vault) Withdraw(ctx context.Context, lenderID uuid.UUID, shares int64) (int64, error) {
	if shares <= 0 {
		return 0, fmt.Errorf("withdrawal shares must be positive, got %d", shares)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	state, err := v.repo.GetVaultState(ctx)
	if err != nil {
		return 0, err
	}
	position, err := v.repo.FindVaultPosition(ctx, lenderID)
	if err != nil {
		if errors.Is(err, store.ErrPositionNotFound) {
			return 0, ErrInsufficientShares
		}
		return 0, err
	}
	if position.Shares < shares {
		return 0, ErrInsufficientShares
	}

	assets := mulDiv(shares, state.TotalAssets, state.TotalShares)
	if err := v.checkSolvency(ctx, state.TotalAssets-assets); err != nil {
		return 0, err
	}

	if err := v.repo.ApplyVaultWithdrawal(ctx, lenderID, assets, shares); err != nil {
		if errors.Is(err, store.ErrInsufficientShares) {
			return 0, ErrInsufficientShares
		}
		return 0, err
	}
	log.Printf("level=info component=vault msg=\"withdrawal applied\" lender_id=%s shares=%d assets=%d", lenderID, shares, assets)
	return assets, nil
}

// CaptureFee adds fee income to total assets without minting shares. This is
// the sole yield-accrual mechanism: share price rises for existing holders.
// Keyed by payment, so a finalization retry captures each fee once.
func (v *Vault) CaptureFee(ctx context.Context, paymentID uuid.UUID, amount int64) error {
	if amount <= 0 {
		return nil
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	applied, err := v.repo.ApplyVaultFeeCapture(ctx, paymentID, amount)
	if err != nil {
		return err
	}
	if !applied {
		log.Printf("level=info component=vault msg=\"fee capture repeat ignored\" payment_id=%s", paymentID)
	}
	return nil
}

// Disburse draws assets down after a confirmed settlement. Paired 1:1 with
// the ledger's commit and keyed by payment, so a finalization retry
// disburses each payment once. A disbursement that would leave total assets
// below the already-outstanding exposure is a fatal inconsistency, not a
// routine rejection.
func (v *Vault) Disburse(ctx context.Context, paymentID uuid.UUID, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("disbursement amount must be positive, got %d", amount)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	state, err := v.repo.GetVaultState(ctx)
	if err != nil {
		return err
	}
	if state.TotalAssets < amount {
		log.Printf("level=error component=vault msg=\"disbursement exceeds vault assets\" total_assets=%d amount=%d",
			state.TotalAssets, amount)
		return ErrVaultInsolvency
	}

	applied, err := v.repo.ApplyVaultDisbursement(ctx, paymentID, amount)
	if err != nil {
		return err
	}
	if !applied {
		log.Printf("level=info component=vault msg=\"disbursement repeat ignored\" payment_id=%s", paymentID)
	}
	return nil
}

// checkSolvency verifies that remaining assets still cover outstanding
// credit exposure under the utilization cap: outstanding must stay at or
// below cap * remainingAssets.
func (v *Vault) checkSolvency(ctx context.Context, remainingAssets int64) error {
	outstanding, err := v.repo.SumOutstandingCredit(ctx)
	if err != nil {
		return err
	}
	if remainingAssets < 0 {
		return ErrVaultInsolvency
	}
	if outstanding > mulDiv(remainingAssets, v.utilizationCapBPS, 10000) {
		return ErrVaultInsolvency
	}
	return nil
}
