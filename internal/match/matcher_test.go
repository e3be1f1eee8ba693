package match

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cardrails/internal/intent"
	"cardrails/internal/ledger"
)

func TestAmountMatchesStable(t *testing.T) {
	const expected = 31_000_000 // 31 USDC

	tests := []struct {
		name    string
		purpose intent.Purpose
		got     int64
		want    bool
	}{
		{"issue lower bound", intent.PurposeIssue, 27_900_000, true},  // 90%
		{"issue upper bound", intent.PurposeIssue, 34_100_000, true},  // 110%
		{"issue below band", intent.PurposeIssue, 27_899_999, false},  // <90%
		{"issue above band", intent.PurposeIssue, 34_100_001, false},  // >110%
		{"issue 106 percent", intent.PurposeIssue, 33_000_000, true},  // scan band only
		{"fund lower bound", intent.PurposeFund, 29_450_000, true},    // 95%
		{"fund upper bound", intent.PurposeFund, 32_550_000, true},    // 105%
		{"fund outside band", intent.PurposeFund, 29_449_999, false},  // <95%
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, AmountMatches(tt.purpose, intent.AssetUSDC, expected, tt.got))
		})
	}
}

func TestAmountMatchesNativeFund(t *testing.T) {
	// expected 0.2 SOL, >= the small-amount cutoff, band 80-120%
	const expected = 200_000_000

	assert.True(t, AmountMatches(intent.PurposeFund, intent.AssetSOL, expected, 160_000_000))  // 80% exactly
	assert.False(t, AmountMatches(intent.PurposeFund, intent.AssetSOL, expected, 159_000_000)) // 79.5%
	assert.True(t, AmountMatches(intent.PurposeFund, intent.AssetSOL, expected, 240_000_000))  // 120% exactly
	assert.False(t, AmountMatches(intent.PurposeFund, intent.AssetSOL, expected, 240_000_001))
}

func TestAmountMatchesNativeFundSmall(t *testing.T) {
	// expected 0.04 SOL, below the cutoff, wider 70-130% band
	const expected = 40_000_000

	assert.True(t, AmountMatches(intent.PurposeFund, intent.AssetSOL, expected, 28_000_000))  // 70%
	assert.False(t, AmountMatches(intent.PurposeFund, intent.AssetSOL, expected, 27_999_999))
	assert.True(t, AmountMatches(intent.PurposeFund, intent.AssetSOL, expected, 52_000_000))  // 130%
	assert.False(t, AmountMatches(intent.PurposeFund, intent.AssetSOL, expected, 52_000_001))
}

func TestAmountMatchesNativeIssueAbsoluteBand(t *testing.T) {
	// issuance paid in SOL uses a fixed floor and ceiling, not a ratio
	const expected = 500_000_000 // 0.5 SOL

	assert.True(t, AmountMatches(intent.PurposeIssue, intent.AssetSOL, expected, 45_000_000))     // floor
	assert.False(t, AmountMatches(intent.PurposeIssue, intent.AssetSOL, expected, 44_999_999))    // below floor
	assert.True(t, AmountMatches(intent.PurposeIssue, intent.AssetSOL, expected, 300_000_000))    // 60% of expected, still fine
	assert.True(t, AmountMatches(intent.PurposeIssue, intent.AssetSOL, expected, 1_000_000_000))  // ceiling
	assert.False(t, AmountMatches(intent.PurposeIssue, intent.AssetSOL, expected, 1_000_000_001)) // above ceiling
}

func TestTimeMatchesBoundary(t *testing.T) {
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	assert.True(t, TimeMatches(created, created.Add(300*time.Second)))
	assert.False(t, TimeMatches(created, created.Add(301*time.Second)))
	assert.True(t, TimeMatches(created, created.Add(-300*time.Second)))
	assert.False(t, TimeMatches(created, created.Add(-301*time.Second)))
}

func fundIntent(expected int64) *intent.Intent {
	now := time.Now().UTC()
	return &intent.Intent{
		ID:             "p1",
		Purpose:        intent.PurposeFund,
		Asset:          intent.AssetSOL,
		ExpectedAmount: expected,
		Status:         intent.StatusPending,
		CreatedAt:      now,
		ExpiresAt:      now.Add(30 * time.Minute),
	}
}

func TestMatchFirstQualifying(t *testing.T) {
	in := fundIntent(200_000_000)
	candidates := []ledger.CandidateTransfer{
		{Signature: "too-small", Amount: 10_000_000, Timestamp: in.CreatedAt},
		{Signature: "too-late", Amount: 200_000_000, Timestamp: in.CreatedAt.Add(10 * time.Minute)},
		{Signature: "good", Amount: 200_000_000, Timestamp: in.CreatedAt.Add(time.Minute)},
		{Signature: "also-good", Amount: 190_000_000, Timestamp: in.CreatedAt},
	}

	got := Match(context.Background(), in, candidates, nil)
	require.NotNil(t, got)
	assert.Equal(t, "good", got.Signature)
}

func TestMatchSkipsClaimedSignatures(t *testing.T) {
	in := fundIntent(200_000_000)
	candidates := []ledger.CandidateTransfer{
		{Signature: "claimed", Amount: 200_000_000, Timestamp: in.CreatedAt},
		{Signature: "free", Amount: 200_000_000, Timestamp: in.CreatedAt},
	}
	claimed := func(_ context.Context, sig string) (bool, error) {
		return sig == "claimed", nil
	}

	got := Match(context.Background(), in, candidates, claimed)
	require.NotNil(t, got)
	assert.Equal(t, "free", got.Signature)
}

func TestMatchNoCandidateIsNotAnError(t *testing.T) {
	in := fundIntent(200_000_000)
	assert.Nil(t, Match(context.Background(), in, nil, nil))
	assert.Nil(t, Match(context.Background(), in, []ledger.CandidateTransfer{
		{Signature: "way-off", Amount: 1, Timestamp: in.CreatedAt},
	}, nil))
}
