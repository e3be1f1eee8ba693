// Package reconcile runs the scan -> match -> verify -> claim pipeline that
// binds an on-chain transfer to a pending payment intent exactly once.
package reconcile

import (
	"context"
	"errors"
	"log"
	"time"

	"cardrails/internal/eligibility"
	"cardrails/internal/intent"
	"cardrails/internal/ledger"
	"cardrails/internal/match"
	"cardrails/internal/verify"
)

type Engine struct {
	store    intent.Store
	ledger   ledger.Client
	verifier *verify.Verifier
	gate     eligibility.Gate
	now      func() time.Time
}

func NewEngine(store intent.Store, cli ledger.Client, gate eligibility.Gate) *Engine {
	if gate == nil {
		gate = eligibility.AllowAll{}
	}
	return &Engine{
		store:    store,
		ledger:   cli,
		verifier: verify.New(cli),
		gate:     gate,
		now:      time.Now,
	}
}

// Refresh applies lazy expiry and returns the current intent. The status
// flip is the only write a read path performs.
func (e *Engine) Refresh(ctx context.Context, id string) (*intent.Intent, error) {
	in, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !in.Status.Terminal() && in.Expired(e.now()) {
		if err := e.store.Transition(ctx, id, in.Status, intent.StatusExpired); err == nil {
			in.Status = intent.StatusExpired
		} else if !errors.Is(err, intent.ErrBadTransition) {
			return nil, err
		}
	}
	return in, nil
}

// AutoVerify runs the full pipeline for one intent: scan the ledger for
// candidates, shortlist with the tolerance bands, strictly verify, consult
// the eligibility gate for issuance, and claim. "No match yet" is a normal
// outcome; the caller polls.
func (e *Engine) AutoVerify(ctx context.Context, id string) (Outcome, error) {
	in, err := e.Refresh(ctx, id)
	if err != nil {
		if errors.Is(err, intent.ErrNotFound) {
			return failure("", CodeNotFound, "payment not found"), nil
		}
		return Outcome{}, err
	}
	if out, done := e.terminalOutcome(in); done {
		return out, nil
	}

	candidates, err := e.ledger.RecentTransfers(ctx, in.Asset)
	if err != nil {
		// Transient chain-access failures must never become hard errors
		// for a polling client.
		log.Printf("ledger scan failed for %s: %v", id, err)
		return noMatch(in.Status), nil
	}

	// Candidates that lose a claim race or fail a non-final check are
	// excluded and the matcher consulted again.
	excluded := make(map[string]bool)
	claimedFn := func(ctx context.Context, sig string) (bool, error) {
		if excluded[sig] {
			return true, nil
		}
		return e.store.SignatureClaimed(ctx, sig)
	}

	for {
		ct := match.Match(ctx, in, candidates, claimedFn)
		if ct == nil {
			return noMatch(in.Status), nil
		}

		res, err := e.verifier.Verify(ctx, ct.Signature, in.Asset, in.ExpectedAmount, "")
		if err != nil {
			log.Printf("verify %s failed for %s: %v", ct.Signature, id, err)
			return noMatch(in.Status), nil
		}
		if !res.Verified {
			if res.Reason == verify.ReasonAmountMismatch {
				// The scan-time band is looser than the final gate, so a
				// heuristic match can still be rejected here. That is a
				// final decision for this intent.
				e.fail(ctx, in)
				return failure(intent.StatusFailed, CodeAmountMismatch,
					"transfer amount outside the accepted tolerance"), nil
			}
			excluded[ct.Signature] = true
			continue
		}

		if in.Purpose == intent.PurposeIssue {
			if err := e.gate.Check(ctx, res.Counterparty); err != nil {
				if errors.Is(err, eligibility.ErrNotEligible) {
					e.fail(ctx, in)
					return failure(intent.StatusFailed, CodeEligibilityRejected,
						"sender wallet not eligible for issuance"), nil
				}
				log.Printf("eligibility check failed for %s: %v", id, err)
				return noMatch(in.Status), nil
			}
		}

		switch err := e.store.Claim(ctx, id, ct.Signature, res.Counterparty); {
		case err == nil:
			e.markSeen(id)
			return Outcome{
				Success:      true,
				Status:       intent.StatusVerified,
				Signature:    ct.Signature,
				Amount:       res.Amount,
				Counterparty: res.Counterparty,
				Message:      "payment verified",
			}, nil
		case errors.Is(err, intent.ErrAlreadyClaimed):
			// Lost the race for this signature; some other intent owns
			// it now. Try the next candidate.
			excluded[ct.Signature] = true
			continue
		case errors.Is(err, intent.ErrNotClaimable):
			return e.concludeUnclaimable(ctx, id)
		default:
			return Outcome{}, err
		}
	}
}

// ManualVerify skips scanning and matching: the client asserts it sent the
// payment and supplies the signature directly.
func (e *Engine) ManualVerify(ctx context.Context, id, signature string) (Outcome, error) {
	in, err := e.Refresh(ctx, id)
	if err != nil {
		if errors.Is(err, intent.ErrNotFound) {
			return failure("", CodeNotFound, "payment not found"), nil
		}
		return Outcome{}, err
	}
	if out, done := e.terminalOutcome(in); done {
		return out, nil
	}

	// Mark work-in-progress before verification completes.
	if in.Status == intent.StatusPending {
		if err := e.store.Transition(ctx, id, intent.StatusPending, intent.StatusConfirming); err == nil {
			in.Status = intent.StatusConfirming
		} else if !errors.Is(err, intent.ErrBadTransition) {
			return Outcome{}, err
		}
	}

	res, err := e.verifier.Verify(ctx, signature, in.Asset, in.ExpectedAmount, "")
	if err != nil {
		log.Printf("manual verify %s failed for %s: %v", signature, id, err)
		return failure(in.Status, CodeUpstreamUnavailable, "ledger unavailable, try again"), nil
	}
	if !res.Verified {
		e.fail(ctx, in)
		return failure(intent.StatusFailed, manualRejectCode(res.Reason), manualRejectMessage(res.Reason)), nil
	}

	if in.Purpose == intent.PurposeIssue {
		if err := e.gate.Check(ctx, res.Counterparty); err != nil {
			if errors.Is(err, eligibility.ErrNotEligible) {
				e.fail(ctx, in)
				return failure(intent.StatusFailed, CodeEligibilityRejected,
					"sender wallet not eligible for issuance"), nil
			}
			log.Printf("eligibility check failed for %s: %v", id, err)
			return failure(in.Status, CodeUpstreamUnavailable, "eligibility check unavailable, try again"), nil
		}
	}

	switch err := e.store.Claim(ctx, id, signature, res.Counterparty); {
	case err == nil:
		e.markSeen(id)
		return Outcome{
			Success:      true,
			Status:       intent.StatusVerified,
			Signature:    signature,
			Amount:       res.Amount,
			Counterparty: res.Counterparty,
			Message:      "payment verified",
		}, nil
	case errors.Is(err, intent.ErrAlreadyClaimed):
		// The intent stays CONFIRMING: the user may have pasted a
		// signature that belongs to someone else's payment and can retry
		// with the right one.
		return failure(in.Status, CodeAlreadyClaimed,
			"transaction already used by another payment"), nil
	case errors.Is(err, intent.ErrNotClaimable):
		return e.concludeUnclaimable(ctx, id)
	default:
		return Outcome{}, err
	}
}

// terminalOutcome handles re-invocation on a settled intent: a no-op that
// reports the terminal state without re-executing side effects. A VERIFIED
// intent is financially proven even though fulfillment has not finished.
func (e *Engine) terminalOutcome(in *intent.Intent) (Outcome, bool) {
	switch in.Status {
	case intent.StatusCompleted:
		return Outcome{
			Success:   true,
			Status:    in.Status,
			Code:      CodeAlreadyProcessed,
			Message:   "payment already completed",
			Signature: in.ClaimedSignature,
		}, true
	case intent.StatusVerified:
		return Outcome{
			Success:      true,
			Status:       in.Status,
			Message:      "payment already verified",
			Signature:    in.ClaimedSignature,
			Counterparty: in.Counterparty,
		}, true
	case intent.StatusFailed:
		return failure(in.Status, CodeAlreadyProcessed, "payment already failed"), true
	case intent.StatusExpired:
		return failure(in.Status, CodeExpired, "payment expired"), true
	}
	return Outcome{}, false
}

// concludeUnclaimable reloads after ErrNotClaimable: a concurrent request
// advanced this same intent, or it expired between read and write.
func (e *Engine) concludeUnclaimable(ctx context.Context, id string) (Outcome, error) {
	in, err := e.Refresh(ctx, id)
	if err != nil {
		return Outcome{}, err
	}
	if out, done := e.terminalOutcome(in); done {
		return out, nil
	}
	return failure(in.Status, CodeAlreadyProcessed, "payment already being processed"), nil
}

func (e *Engine) fail(ctx context.Context, in *intent.Intent) {
	if err := e.store.Transition(ctx, in.ID, in.Status, intent.StatusFailed); err != nil &&
		!errors.Is(err, intent.ErrBadTransition) {
		log.Printf("mark %s failed: %v", in.ID, err)
	}
}

// markSeen updates last activity in the background. Best-effort: the result
// is deliberately ignored.
func (e *Engine) markSeen(id string) {
	at := e.now()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.store.MarkSeen(ctx, id, at)
	}()
}

// manualRejectCode maps a verifier reason to the caller-facing code on the
// manual path.
func manualRejectCode(reason string) Code {
	if reason == verify.ReasonTxNotFound {
		return CodeNotFound
	}
	return CodeAmountMismatch
}

func manualRejectMessage(reason string) string {
	switch reason {
	case verify.ReasonTxNotFound:
		return "transaction not found on the ledger"
	case verify.ReasonTxFailed:
		return "transaction failed on chain"
	case verify.ReasonNoCredit:
		return "transaction did not credit the receiving address"
	case verify.ReasonWrongSender:
		return "transaction does not involve the expected sender"
	default:
		return "transfer amount outside the accepted tolerance"
	}
}
