// Package match narrows scanned transfers down to the one most likely to
// satisfy a pending payment intent. Bands here are deliberately looser than
// the verifier's final gate: native-asset USD conversion happens at intent
// creation, so the priced amount can drift before the user actually sends.
package match

import (
	"context"
	"time"

	"cardrails/internal/intent"
	"cardrails/internal/ledger"
)

// Window is the absolute time-proximity window around the intent's creation
// time, covering clock skew and user send-delay in either direction.
const Window = 300 * time.Second

// Fixed lamport bounds for issuance paid in the native asset. Volatile
// native pricing makes ratio bands unreliable for a flat eligibility
// minimum, so issuance uses an absolute floor and ceiling instead.
const (
	issueNativeFloor = 45_000_000    // 0.045 SOL
	issueNativeCeil  = 1_000_000_000 // 1 SOL
)

// Native FUND amounts below this carry proportionally larger
// price-conversion noise and get a wider band.
const smallNativeFund = 50_000_000 // 0.05 SOL

// AmountMatches applies the purpose- and asset-specific tolerance band.
// All comparisons are cross-multiplied in base units so band boundaries are
// exact.
func AmountMatches(purpose intent.Purpose, asset intent.Asset, expected, got int64) bool {
	if expected <= 0 || got <= 0 {
		return false
	}
	if asset.Stable() {
		switch purpose {
		case intent.PurposeIssue:
			return within(got, expected, 90, 110)
		case intent.PurposeFund:
			return within(got, expected, 95, 105)
		default:
			return within(got, expected, 95, 105)
		}
	}
	switch purpose {
	case intent.PurposeIssue:
		return got >= issueNativeFloor && got <= issueNativeCeil
	case intent.PurposeFund:
		if expected < smallNativeFund {
			return within(got, expected, 70, 130)
		}
		return within(got, expected, 80, 120)
	default:
		return within(got, expected, 80, 120)
	}
}

// within reports lo% <= got/expected <= hi%, inclusive on both ends.
func within(got, expected int64, lo, hi int64) bool {
	return got*100 >= expected*lo && got*100 <= expected*hi
}

// TimeMatches reports whether the candidate's timestamp falls within Window
// of the intent's creation time, in either direction, inclusive.
func TimeMatches(createdAt, candidate time.Time) bool {
	d := candidate.Sub(createdAt)
	if d < 0 {
		d = -d
	}
	return d <= Window
}

// Qualifies applies both the amount band and the time window.
func Qualifies(in *intent.Intent, ct ledger.CandidateTransfer) bool {
	return AmountMatches(in.Purpose, in.Asset, in.ExpectedAmount, ct.Amount) &&
		TimeMatches(in.CreatedAt, ct.Timestamp)
}

// ClaimedFn reports whether a signature is already bound to some intent.
// Errors from the underlying store are treated as "not claimed": the claim
// arbiter remains the authority and will reject a duplicate later.
type ClaimedFn func(ctx context.Context, signature string) (bool, error)

// Match returns the first candidate, in scan order, that satisfies both the
// amount band and the time window and is not already claimed. A nil result
// means no candidate qualifies; that is an expected outcome, not an error.
func Match(ctx context.Context, in *intent.Intent, candidates []ledger.CandidateTransfer, claimed ClaimedFn) *ledger.CandidateTransfer {
	for i := range candidates {
		ct := candidates[i]
		if !Qualifies(in, ct) {
			continue
		}
		if claimed != nil {
			if taken, err := claimed(ctx, ct.Signature); err == nil && taken {
				continue
			}
		}
		return &ct
	}
	return nil
}
