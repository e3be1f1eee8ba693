package ledger

import (
	"context"
	"time"

	"cardrails/internal/intent"
)

// CandidateTransfer is a confirmed inbound transfer as seen by a scan,
// prior to strict verification.
type CandidateTransfer struct {
	Signature    string
	Amount       int64 // base units credited to the receiving account
	Counterparty string
	Timestamp    time.Time
}

// TransferDetail is the result of re-fetching one transaction directly.
// Amount is the balance delta at the service's receiving account (or token
// sub-account), recomputed from the transaction itself.
type TransferDetail struct {
	Signature    string
	Failed       bool // the transaction recorded an execution error
	Amount       int64
	Counterparty string
	Accounts     []string // every resolvable account touched by the transaction
	Timestamp    time.Time
}

// Involves reports whether addr participated in the transaction.
func (d *TransferDetail) Involves(addr string) bool {
	for _, a := range d.Accounts {
		if a == addr {
			return true
		}
	}
	return false
}

// Client abstracts read access to the ledger. All methods are read-only and
// idempotent; implementations must never write chain state.
type Client interface {
	// RecentTransfers lists the most recent confirmed inbound transfers for
	// the asset. Transactions that errored or whose account layout cannot be
	// resolved are skipped; an empty slice is a valid, non-error outcome.
	RecentTransfers(ctx context.Context, asset intent.Asset) ([]CandidateTransfer, error)
	// FetchTransfer re-fetches one transaction by signature. Returns
	// (nil, nil) when the ledger has no such transaction.
	FetchTransfer(ctx context.Context, signature string, asset intent.Asset) (*TransferDetail, error)
	// TokenBalance sums the owner's balance of the given mint, in base units.
	TokenBalance(ctx context.Context, owner, mint string) (int64, error)
}

// HealthChecker is implemented by clients that can probe their upstream.
type HealthChecker interface {
	Ping(ctx context.Context) error
}
