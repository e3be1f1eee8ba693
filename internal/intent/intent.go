package intent

import (
	"fmt"
	"strconv"
	"time"
)

// Purpose says which fulfillment action follows a successful claim.
type Purpose string

const (
	PurposeIssue Purpose = "ISSUE"
	PurposeFund  Purpose = "FUND"
)

// Asset identifies what the user is expected to send.
type Asset string

const (
	AssetSOL  Asset = "SOL"
	AssetUSDC Asset = "USDC"
	AssetUSDT Asset = "USDT"
)

// Decimals returns the number of base-unit decimals for the asset.
func (a Asset) Decimals() int {
	if a == AssetSOL {
		return 9
	}
	return 6
}

// Stable reports whether the asset is price-stable relative to USD.
func (a Asset) Stable() bool {
	return a == AssetUSDC || a == AssetUSDT
}

func ParseAsset(s string) (Asset, error) {
	switch Asset(s) {
	case AssetSOL, AssetUSDC, AssetUSDT:
		return Asset(s), nil
	}
	return "", fmt.Errorf("unknown asset %q", s)
}

func ParsePurpose(s string) (Purpose, error) {
	switch Purpose(s) {
	case PurposeIssue, PurposeFund:
		return Purpose(s), nil
	}
	return "", fmt.Errorf("unknown purpose %q", s)
}

// Status is the lifecycle state of a payment intent.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusConfirming Status = "CONFIRMING"
	StatusVerified   Status = "VERIFIED"
	StatusCompleted  Status = "COMPLETED"
	StatusExpired    Status = "EXPIRED"
	StatusFailed     Status = "FAILED"
)

// Terminal reports whether no further transition can leave the status.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusExpired, StatusFailed:
		return true
	}
	return false
}

// transitions is the forward-only edge set. There is no path out of a
// terminal state and nothing un-expires or un-fails an intent.
var transitions = map[Status][]Status{
	StatusPending:    {StatusConfirming, StatusVerified, StatusExpired, StatusFailed},
	StatusConfirming: {StatusVerified, StatusExpired, StatusFailed},
	StatusVerified:   {StatusCompleted},
}

// CanTransition reports whether from -> to is a legal lifecycle move.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Intent is a pending payment record. It is an append-only audit record of a
// financial claim attempt: rows are never deleted, and ClaimedSignature, once
// set, never changes.
type Intent struct {
	ID               string
	UserID           string
	Purpose          Purpose
	Asset            Asset
	ExpectedAmount   int64 // base units of Asset
	ExpectedUSD      string
	Status           Status
	ClaimedSignature string // empty until claimed; globally unique once set
	Counterparty     string // sending wallet, populated by verification
	CardID           string // set by fulfillment
	CreatedAt        time.Time
	ExpiresAt        time.Time
	LastSeenAt       time.Time
}

// Expired reports whether the hard deadline has passed.
func (i *Intent) Expired(now time.Time) bool {
	return now.After(i.ExpiresAt)
}

// pow10 for base-unit conversion; assets never exceed 9 decimals.
var pow10 = [...]int64{1, 10, 100, 1_000, 10_000, 100_000, 1_000_000, 10_000_000, 100_000_000, 1_000_000_000}

// ToBaseUnits converts a decimal amount string ("0.045") into base units for
// the asset. Band arithmetic is done on base units so boundaries are exact.
func ToBaseUnits(amount string, asset Asset) (int64, error) {
	f, err := strconv.ParseFloat(amount, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", amount, err)
	}
	if f <= 0 {
		return 0, fmt.Errorf("amount must be positive, got %q", amount)
	}
	scale := pow10[asset.Decimals()]
	// Round to the nearest base unit; float noise below that is meaningless
	// on chain anyway.
	units := int64(f*float64(scale) + 0.5)
	if units <= 0 {
		return 0, fmt.Errorf("amount %q below one base unit", amount)
	}
	return units, nil
}

// FromBaseUnits renders base units as a decimal string for display.
func FromBaseUnits(units int64, asset Asset) string {
	scale := pow10[asset.Decimals()]
	whole := units / scale
	frac := units % scale
	if frac == 0 {
		return strconv.FormatInt(whole, 10)
	}
	s := fmt.Sprintf("%d.%0*d", whole, asset.Decimals(), frac)
	// trim trailing zeros in the fraction
	for s[len(s)-1] == '0' {
		s = s[:len(s)-1]
	}
	return s
}
