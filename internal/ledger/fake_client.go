package ledger

import (
	"context"
	"errors"

	"cardrails/internal/intent"
)

// FakeClient serves canned transfers for tests and local development.
type FakeClient struct {
	Transfers map[intent.Asset][]CandidateTransfer
	Details   map[string]*TransferDetail
	Balances  map[string]int64 // owner -> required-mint balance
	ScanErr   error
	FetchErr  error
}

func NewFakeClient() *FakeClient {
	return &FakeClient{
		Transfers: make(map[intent.Asset][]CandidateTransfer),
		Details:   make(map[string]*TransferDetail),
		Balances:  make(map[string]int64),
	}
}

// AddTransfer registers a candidate and a matching detail record so scans
// and direct fetches agree, the way a real ledger would.
func (f *FakeClient) AddTransfer(asset intent.Asset, ct CandidateTransfer) {
	f.Transfers[asset] = append(f.Transfers[asset], ct)
	f.Details[ct.Signature] = &TransferDetail{
		Signature:    ct.Signature,
		Amount:       ct.Amount,
		Counterparty: ct.Counterparty,
		Accounts:     []string{ct.Counterparty},
		Timestamp:    ct.Timestamp,
	}
}

func (f *FakeClient) RecentTransfers(_ context.Context, asset intent.Asset) ([]CandidateTransfer, error) {
	if f.ScanErr != nil {
		return nil, f.ScanErr
	}
	return f.Transfers[asset], nil
}

func (f *FakeClient) FetchTransfer(_ context.Context, signature string, _ intent.Asset) (*TransferDetail, error) {
	if f.FetchErr != nil {
		return nil, f.FetchErr
	}
	return f.Details[signature], nil
}

func (f *FakeClient) TokenBalance(_ context.Context, owner, _ string) (int64, error) {
	bal, ok := f.Balances[owner]
	if !ok {
		return 0, nil
	}
	return bal, nil
}

func (f *FakeClient) Ping(context.Context) error {
	if f.ScanErr != nil {
		return errors.New("ledger unavailable")
	}
	return nil
}
