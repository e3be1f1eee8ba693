package reconcile

import "cardrails/internal/intent"

// Code classifies why a reconciliation attempt did not (or did) conclude.
type Code string

const (
	CodeNone                Code = ""
	CodeNotFound            Code = "NOT_FOUND"
	CodeExpired             Code = "EXPIRED"
	CodeAlreadyProcessed    Code = "ALREADY_PROCESSED"
	CodeAmountMismatch      Code = "AMOUNT_MISMATCH"
	CodeTimingMismatch      Code = "TIMING_MISMATCH"
	CodeAlreadyClaimed      Code = "ALREADY_CLAIMED"
	CodeEligibilityRejected Code = "ELIGIBILITY_REJECTED"
	CodeUpstreamUnavailable Code = "UPSTREAM_UNAVAILABLE"
)

// Outcome is the structured result of one verification attempt. It is always
// returned in place of an error for domain-level results; engine methods
// only return a non-nil error for storage faults.
type Outcome struct {
	Success      bool
	Status       intent.Status
	Code         Code
	Message      string
	Signature    string
	Amount       int64 // base units
	Counterparty string
}

func failure(status intent.Status, code Code, msg string) Outcome {
	return Outcome{Status: status, Code: code, Message: msg}
}

// noMatch is the expected, frequent outcome for a polling client; transient
// upstream failures are folded into it.
func noMatch(status intent.Status) Outcome {
	return Outcome{Status: status, Message: "no matching transaction found yet"}
}
