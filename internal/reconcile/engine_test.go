package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cardrails/internal/eligibility"
	"cardrails/internal/intent"
	"cardrails/internal/ledger"
)

func newIntent(id string, purpose intent.Purpose, asset intent.Asset, expected int64) *intent.Intent {
	now := time.Now().UTC()
	return &intent.Intent{
		ID:             id,
		Purpose:        purpose,
		Asset:          asset,
		ExpectedAmount: expected,
		Status:         intent.StatusPending,
		CreatedAt:      now,
		ExpiresAt:      now.Add(30 * time.Minute),
	}
}

// Issuance paid in SOL: candidate 0.3 inside the fixed [0.045, 1.0] band and
// the time window, re-verified at 100% of itself, claimed, VERIFIED.
func TestAutoVerifyIssueNative(t *testing.T) {
	ctx := context.Background()
	store := intent.NewMemoryStore()
	cli := ledger.NewFakeClient()

	in := newIntent("p1", intent.PurposeIssue, intent.AssetSOL, 500_000_000)
	require.NoError(t, store.Create(ctx, in))
	cli.AddTransfer(intent.AssetSOL, ledger.CandidateTransfer{
		Signature:    "sig-a",
		Amount:       300_000_000,
		Counterparty: "wallet-a",
		Timestamp:    in.CreatedAt.Add(120 * time.Second),
	})

	engine := NewEngine(store, cli, nil)
	out, err := engine.AutoVerify(ctx, "p1")
	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.Equal(t, intent.StatusVerified, out.Status)
	assert.Equal(t, "sig-a", out.Signature)
	assert.Equal(t, int64(300_000_000), out.Amount)

	got, _ := store.Get(ctx, "p1")
	assert.Equal(t, intent.StatusVerified, got.Status)
	assert.Equal(t, "sig-a", got.ClaimedSignature)
	assert.Equal(t, "wallet-a", got.Counterparty)
}

// Two concurrent auto-verifies for different intents matching the same
// transfer: exactly one claim wins, the loser reports no match.
func TestAutoVerifyClaimRace(t *testing.T) {
	ctx := context.Background()
	store := intent.NewMemoryStore()
	cli := ledger.NewFakeClient()

	a := newIntent("pa", intent.PurposeFund, intent.AssetSOL, 200_000_000)
	b := newIntent("pb", intent.PurposeFund, intent.AssetSOL, 200_000_000)
	require.NoError(t, store.Create(ctx, a))
	require.NoError(t, store.Create(ctx, b))
	cli.AddTransfer(intent.AssetSOL, ledger.CandidateTransfer{
		Signature:    "sig-shared",
		Amount:       200_000_000,
		Counterparty: "wallet-x",
		Timestamp:    a.CreatedAt,
	})

	engine := NewEngine(store, cli, nil)

	var wg sync.WaitGroup
	outs := make([]Outcome, 2)
	for i, id := range []string{"pa", "pb"} {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			out, err := engine.AutoVerify(ctx, id)
			if err != nil {
				t.Errorf("auto-verify %s: %v", id, err)
				return
			}
			outs[i] = out
		}(i, id)
	}
	wg.Wait()

	wins := 0
	for _, out := range outs {
		if out.Success {
			wins++
			assert.Equal(t, "sig-shared", out.Signature)
		} else {
			assert.Contains(t, out.Message, "no matching transaction")
		}
	}
	assert.Equal(t, 1, wins, "exactly one claim must win")
}

// The scan-time issue band (90-110%) accepts 106%, the strict verifier
// (95-105%) rejects it: the intent fails with an amount mismatch. This
// two-tier behavior is intentional.
func TestAutoVerifyStrictBandRejectsScanMatch(t *testing.T) {
	ctx := context.Background()
	store := intent.NewMemoryStore()
	cli := ledger.NewFakeClient()

	in := newIntent("p1", intent.PurposeIssue, intent.AssetUSDC, 31_000_000)
	require.NoError(t, store.Create(ctx, in))
	cli.AddTransfer(intent.AssetUSDC, ledger.CandidateTransfer{
		Signature:    "sig-106",
		Amount:       33_000_000, // 106% of expected
		Counterparty: "wallet-a",
		Timestamp:    in.CreatedAt,
	})

	engine := NewEngine(store, cli, nil)
	out, err := engine.AutoVerify(ctx, "p1")
	require.NoError(t, err)
	assert.False(t, out.Success)
	assert.Equal(t, CodeAmountMismatch, out.Code)

	got, _ := store.Get(ctx, "p1")
	assert.Equal(t, intent.StatusFailed, got.Status)
	assert.Empty(t, got.ClaimedSignature)
}

func TestAutoVerifyExpiredSkipsLedger(t *testing.T) {
	ctx := context.Background()
	store := intent.NewMemoryStore()
	cli := ledger.NewFakeClient()
	cli.ScanErr = errors.New("must not be called")

	in := newIntent("p1", intent.PurposeFund, intent.AssetSOL, 200_000_000)
	in.ExpiresAt = time.Now().Add(-time.Minute)
	require.NoError(t, store.Create(ctx, in))

	engine := NewEngine(store, cli, nil)
	out, err := engine.AutoVerify(ctx, "p1")
	require.NoError(t, err)
	assert.False(t, out.Success)
	assert.Equal(t, CodeExpired, out.Code)

	got, _ := store.Get(ctx, "p1")
	assert.Equal(t, intent.StatusExpired, got.Status)

	// expiry is monotone: repeated attempts never leave EXPIRED
	out, err = engine.AutoVerify(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, CodeExpired, out.Code)
	got, _ = store.Get(ctx, "p1")
	assert.Equal(t, intent.StatusExpired, got.Status)
	assert.Empty(t, got.ClaimedSignature)
}

func TestAutoVerifyUpstreamFailureIsAbsorbed(t *testing.T) {
	ctx := context.Background()
	store := intent.NewMemoryStore()
	cli := ledger.NewFakeClient()
	cli.ScanErr = errors.New("rpc connection refused")

	in := newIntent("p1", intent.PurposeFund, intent.AssetSOL, 200_000_000)
	require.NoError(t, store.Create(ctx, in))

	engine := NewEngine(store, cli, nil)
	out, err := engine.AutoVerify(ctx, "p1")
	require.NoError(t, err)
	assert.False(t, out.Success)
	assert.Equal(t, CodeNone, out.Code)
	assert.Contains(t, out.Message, "no matching transaction")
}

func TestAutoVerifyNotFound(t *testing.T) {
	engine := NewEngine(intent.NewMemoryStore(), ledger.NewFakeClient(), nil)
	out, err := engine.AutoVerify(context.Background(), "ghost")
	require.NoError(t, err)
	assert.False(t, out.Success)
	assert.Equal(t, CodeNotFound, out.Code)
}

func TestAutoVerifyIdempotentOnTerminal(t *testing.T) {
	ctx := context.Background()
	store := intent.NewMemoryStore()
	cli := ledger.NewFakeClient()

	in := newIntent("p1", intent.PurposeIssue, intent.AssetSOL, 500_000_000)
	require.NoError(t, store.Create(ctx, in))
	cli.AddTransfer(intent.AssetSOL, ledger.CandidateTransfer{
		Signature: "sig-a", Amount: 500_000_000, Counterparty: "w", Timestamp: in.CreatedAt,
	})

	engine := NewEngine(store, cli, nil)
	out, err := engine.AutoVerify(ctx, "p1")
	require.NoError(t, err)
	require.True(t, out.Success)

	require.NoError(t, store.Complete(ctx, "p1", "card_1"))

	// repeated invocations on a settled intent are no-ops
	for i := 0; i < 3; i++ {
		out, err = engine.AutoVerify(ctx, "p1")
		require.NoError(t, err)
		assert.True(t, out.Success)
		assert.Equal(t, CodeAlreadyProcessed, out.Code)
		assert.Equal(t, "sig-a", out.Signature)
	}

	got, _ := store.Get(ctx, "p1")
	assert.Equal(t, intent.StatusCompleted, got.Status)
	assert.Equal(t, "sig-a", got.ClaimedSignature)
	assert.Equal(t, "w", got.Counterparty)
}

func TestAutoVerifyEligibilityRejected(t *testing.T) {
	ctx := context.Background()
	store := intent.NewMemoryStore()
	cli := ledger.NewFakeClient()

	in := newIntent("p1", intent.PurposeIssue, intent.AssetSOL, 500_000_000)
	require.NoError(t, store.Create(ctx, in))
	cli.AddTransfer(intent.AssetSOL, ledger.CandidateTransfer{
		Signature: "sig-a", Amount: 500_000_000, Counterparty: "blocked-wallet", Timestamp: in.CreatedAt,
	})

	engine := NewEngine(store, cli, eligibility.DenyList{"blocked-wallet": true})
	out, err := engine.AutoVerify(ctx, "p1")
	require.NoError(t, err)
	assert.False(t, out.Success)
	assert.Equal(t, CodeEligibilityRejected, out.Code)

	got, _ := store.Get(ctx, "p1")
	assert.Equal(t, intent.StatusFailed, got.Status)
}

// The gate is issuance-only: a blocked wallet can still fund.
func TestAutoVerifyFundSkipsGate(t *testing.T) {
	ctx := context.Background()
	store := intent.NewMemoryStore()
	cli := ledger.NewFakeClient()

	in := newIntent("p1", intent.PurposeFund, intent.AssetSOL, 200_000_000)
	require.NoError(t, store.Create(ctx, in))
	cli.AddTransfer(intent.AssetSOL, ledger.CandidateTransfer{
		Signature: "sig-a", Amount: 200_000_000, Counterparty: "blocked-wallet", Timestamp: in.CreatedAt,
	})

	engine := NewEngine(store, cli, eligibility.DenyList{"blocked-wallet": true})
	out, err := engine.AutoVerify(ctx, "p1")
	require.NoError(t, err)
	assert.True(t, out.Success)
}

func TestManualVerifyHappyPath(t *testing.T) {
	ctx := context.Background()
	store := intent.NewMemoryStore()
	cli := ledger.NewFakeClient()

	in := newIntent("p1", intent.PurposeFund, intent.AssetUSDC, 31_000_000)
	require.NoError(t, store.Create(ctx, in))
	cli.AddTransfer(intent.AssetUSDC, ledger.CandidateTransfer{
		Signature: "sig-m", Amount: 31_000_000, Counterparty: "wallet-m", Timestamp: in.CreatedAt,
	})

	engine := NewEngine(store, cli, nil)
	out, err := engine.ManualVerify(ctx, "p1", "sig-m")
	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.Equal(t, intent.StatusVerified, out.Status)

	got, _ := store.Get(ctx, "p1")
	assert.Equal(t, "sig-m", got.ClaimedSignature)
}

func TestManualVerifyRejectMarksFailed(t *testing.T) {
	ctx := context.Background()
	store := intent.NewMemoryStore()
	cli := ledger.NewFakeClient()

	in := newIntent("p1", intent.PurposeFund, intent.AssetUSDC, 31_000_000)
	require.NoError(t, store.Create(ctx, in))
	cli.AddTransfer(intent.AssetUSDC, ledger.CandidateTransfer{
		Signature: "sig-m", Amount: 20_000_000, Counterparty: "wallet-m", Timestamp: in.CreatedAt,
	})

	engine := NewEngine(store, cli, nil)
	out, err := engine.ManualVerify(ctx, "p1", "sig-m")
	require.NoError(t, err)
	assert.False(t, out.Success)
	assert.Equal(t, CodeAmountMismatch, out.Code)

	got, _ := store.Get(ctx, "p1")
	assert.Equal(t, intent.StatusFailed, got.Status)
}

func TestManualVerifyUnknownSignature(t *testing.T) {
	ctx := context.Background()
	store := intent.NewMemoryStore()
	in := newIntent("p1", intent.PurposeFund, intent.AssetUSDC, 31_000_000)
	require.NoError(t, store.Create(ctx, in))

	engine := NewEngine(store, ledger.NewFakeClient(), nil)
	out, err := engine.ManualVerify(ctx, "p1", "no-such-sig")
	require.NoError(t, err)
	assert.False(t, out.Success)
	assert.Equal(t, CodeNotFound, out.Code)
}

func TestManualVerifyAlreadyClaimedSignature(t *testing.T) {
	ctx := context.Background()
	store := intent.NewMemoryStore()
	cli := ledger.NewFakeClient()

	a := newIntent("pa", intent.PurposeFund, intent.AssetSOL, 200_000_000)
	b := newIntent("pb", intent.PurposeFund, intent.AssetSOL, 200_000_000)
	require.NoError(t, store.Create(ctx, a))
	require.NoError(t, store.Create(ctx, b))
	cli.AddTransfer(intent.AssetSOL, ledger.CandidateTransfer{
		Signature: "sig-s", Amount: 200_000_000, Counterparty: "w", Timestamp: a.CreatedAt,
	})

	engine := NewEngine(store, cli, nil)
	out, err := engine.ManualVerify(ctx, "pa", "sig-s")
	require.NoError(t, err)
	require.True(t, out.Success)

	out, err = engine.ManualVerify(ctx, "pb", "sig-s")
	require.NoError(t, err)
	assert.False(t, out.Success)
	assert.Equal(t, CodeAlreadyClaimed, out.Code)

	// pb keeps its CONFIRMING status: the user may retry with the right
	// signature.
	got, _ := store.Get(ctx, "pb")
	assert.Equal(t, intent.StatusConfirming, got.Status)
}

func TestManualVerifyUpstreamUnavailable(t *testing.T) {
	ctx := context.Background()
	store := intent.NewMemoryStore()
	cli := ledger.NewFakeClient()
	cli.FetchErr = errors.New("rpc timeout")

	in := newIntent("p1", intent.PurposeFund, intent.AssetSOL, 200_000_000)
	require.NoError(t, store.Create(ctx, in))

	engine := NewEngine(store, cli, nil)
	out, err := engine.ManualVerify(ctx, "p1", "sig")
	require.NoError(t, err)
	assert.False(t, out.Success)
	assert.Equal(t, CodeUpstreamUnavailable, out.Code)

	// a transient failure must not burn the intent
	got, _ := store.Get(ctx, "p1")
	assert.Equal(t, intent.StatusConfirming, got.Status)
}
