// Package verify is the final accept/reject gate for one specific transfer.
// It never trusts scan-time numbers: the transaction is re-fetched and the
// receiving-account delta recomputed before anything is claimed.
package verify

import (
	"context"
	"fmt"

	"cardrails/internal/intent"
	"cardrails/internal/ledger"
)

// Reason codes for a rejected verification.
const (
	ReasonTxNotFound     = "TX_NOT_FOUND"
	ReasonTxFailed       = "TX_FAILED"
	ReasonNoCredit       = "NO_CREDIT"
	ReasonAmountMismatch = "AMOUNT_MISMATCH"
	ReasonWrongSender    = "WRONG_SENDER"
)

// Result is the outcome of verifying a single signature.
type Result struct {
	Verified     bool
	Amount       int64
	Counterparty string
	Reason       string
}

// Strict tolerance band applied regardless of purpose. Tighter than the
// scan-time heuristics because this is the last gate before a claim.
const (
	strictLo = 95
	strictHi = 105
)

type Verifier struct {
	ledger ledger.Client
}

func New(cli ledger.Client) *Verifier {
	return &Verifier{ledger: cli}
}

// Verify re-fetches the transaction, confirms it executed and credited the
// receiving account by an amount within 95-105% of expected, and extracts
// the counterparty. When expectedCounterparty is non-empty the transaction
// must involve that wallet. Idempotent and side-effect-free.
//
// A non-nil error means the ledger itself could not be consulted; callers
// absorb that as "no result yet" rather than a rejection.
func (v *Verifier) Verify(ctx context.Context, signature string, asset intent.Asset, expected int64, expectedCounterparty string) (Result, error) {
	detail, err := v.ledger.FetchTransfer(ctx, signature, asset)
	if err != nil {
		return Result{}, fmt.Errorf("fetch %s: %w", signature, err)
	}
	if detail == nil {
		return Result{Reason: ReasonTxNotFound}, nil
	}
	if detail.Failed {
		return Result{Reason: ReasonTxFailed}, nil
	}
	if detail.Amount <= 0 {
		return Result{Reason: ReasonNoCredit}, nil
	}
	if detail.Amount*100 < expected*strictLo || detail.Amount*100 > expected*strictHi {
		return Result{
			Amount:       detail.Amount,
			Counterparty: detail.Counterparty,
			Reason:       ReasonAmountMismatch,
		}, nil
	}
	if expectedCounterparty != "" && !detail.Involves(expectedCounterparty) {
		return Result{
			Amount:       detail.Amount,
			Counterparty: detail.Counterparty,
			Reason:       ReasonWrongSender,
		}, nil
	}
	return Result{
		Verified:     true,
		Amount:       detail.Amount,
		Counterparty: detail.Counterparty,
	}, nil
}
