// Package cards is the boundary to the virtual-card provider. The provider
// is an external collaborator; this package only defines the interface the
// fulfillment step needs plus a deterministic fake.
package cards

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

type IssueRequest struct {
	IntentID  string
	UserID    string
	AmountUSD string
}

type IssueResponse struct {
	CardID string
}

// Issuer creates and funds virtual cards.
type Issuer interface {
	IssueCard(ctx context.Context, req IssueRequest) (IssueResponse, error)
	FundCard(ctx context.Context, cardID, amountUSD string) error
}

// FakeIssuer derives card ids from the intent id so retries are stable.
type FakeIssuer struct {
	FailIssue bool
	FailFund  bool
}

func (f FakeIssuer) IssueCard(_ context.Context, req IssueRequest) (IssueResponse, error) {
	if f.FailIssue {
		return IssueResponse{}, fmt.Errorf("issuer unavailable")
	}
	if req.IntentID == "" {
		return IssueResponse{}, fmt.Errorf("missing intent id")
	}
	sum := sha256.Sum256([]byte("card:" + req.IntentID))
	return IssueResponse{CardID: "card_" + hex.EncodeToString(sum[:8])}, nil
}

func (f FakeIssuer) FundCard(_ context.Context, cardID, _ string) error {
	if f.FailFund {
		return fmt.Errorf("issuer unavailable")
	}
	if cardID == "" {
		return fmt.Errorf("missing card id")
	}
	return nil
}
