// Package eligibility gates card issuance on the sender's wallet holding a
// required token balance. Funding payments never consult the gate.
package eligibility

import (
	"context"
	"errors"
	"fmt"

	"cardrails/internal/ledger"
)

// ErrNotEligible means the wallet does not hold the required balance.
var ErrNotEligible = errors.New("wallet not eligible for issuance")

// Gate decides whether a wallet may receive a newly issued card.
type Gate interface {
	Check(ctx context.Context, wallet string) error
}

// LedgerGate checks the wallet's balance of a required mint via the ledger.
type LedgerGate struct {
	ledger     ledger.Client
	mint       string
	minBalance int64
}

func NewLedgerGate(cli ledger.Client, mint string, minBalance int64) *LedgerGate {
	return &LedgerGate{ledger: cli, mint: mint, minBalance: minBalance}
}

func (g *LedgerGate) Check(ctx context.Context, wallet string) error {
	if wallet == "" {
		return ErrNotEligible
	}
	bal, err := g.ledger.TokenBalance(ctx, wallet, g.mint)
	if err != nil {
		return fmt.Errorf("eligibility lookup for %s: %w", wallet, err)
	}
	if bal < g.minBalance {
		return ErrNotEligible
	}
	return nil
}

// AllowAll is used when no eligibility mint is configured.
type AllowAll struct{}

func (AllowAll) Check(context.Context, string) error { return nil }

// DenyList rejects specific wallets; mostly for tests.
type DenyList map[string]bool

func (d DenyList) Check(_ context.Context, wallet string) error {
	if d[wallet] {
		return ErrNotEligible
	}
	return nil
}
