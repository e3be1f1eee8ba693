package intent

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrNotFound means no intent exists for the id.
	ErrNotFound = errors.New("payment intent not found")
	// ErrAlreadyClaimed means the signature is already bound to some intent.
	// This is the expected outcome of a lost claim race, not a fault.
	ErrAlreadyClaimed = errors.New("signature already claimed")
	// ErrNotClaimable means the intent itself cannot accept a claim
	// (terminal status, past expiry, or already holding a signature).
	ErrNotClaimable = errors.New("intent not claimable")
	// ErrBadTransition means the requested status move is not a legal
	// forward edge of the lifecycle.
	ErrBadTransition = errors.New("illegal status transition")
)

// Store persists payment intents. Claim is the only operation that needs
// cross-process atomicity; everything else is safely re-entrant.
type Store interface {
	Create(ctx context.Context, in *Intent) error
	Get(ctx context.Context, id string) (*Intent, error)
	// Transition moves the intent from -> to, failing with ErrBadTransition
	// if the intent is no longer in the from status or the edge is illegal.
	Transition(ctx context.Context, id string, from, to Status) error
	// Claim binds signature and counterparty to the intent and advances it
	// to VERIFIED in one atomic write. Uniqueness of the signature across
	// all intents is enforced by the storage layer, not checked first.
	Claim(ctx context.Context, id, signature, counterparty string) error
	// SignatureClaimed reports whether any intent already holds signature.
	// Used only as a scan-time skip heuristic; Claim remains the authority.
	SignatureClaimed(ctx context.Context, signature string) (bool, error)
	// Complete records the fulfillment artifact and moves VERIFIED -> COMPLETED.
	Complete(ctx context.Context, id, cardID string) error
	// MarkSeen updates the last-activity timestamp. Best-effort; callers
	// fire it in the background and ignore the error.
	MarkSeen(ctx context.Context, id string, at time.Time) error
}

// MemoryStore keeps intents in a map. It mirrors the claim semantics of the
// Postgres store under one mutex, for tests and local development.
type MemoryStore struct {
	mu      sync.Mutex
	intents map[string]*Intent
	claimed map[string]string // signature -> intent id
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		intents: make(map[string]*Intent),
		claimed: make(map[string]string),
	}
}

func (m *MemoryStore) Create(_ context.Context, in *Intent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *in
	m.intents[in.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Intent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	in, ok := m.intents[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *in
	return &cp, nil
}

func (m *MemoryStore) Transition(_ context.Context, id string, from, to Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	in, ok := m.intents[id]
	if !ok {
		return ErrNotFound
	}
	if in.Status != from || !CanTransition(from, to) {
		return ErrBadTransition
	}
	in.Status = to
	return nil
}

func (m *MemoryStore) Claim(_ context.Context, id, signature, counterparty string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	in, ok := m.intents[id]
	if !ok {
		return ErrNotFound
	}
	if holder, taken := m.claimed[signature]; taken && holder != id {
		return ErrAlreadyClaimed
	}
	now := time.Now()
	if in.ClaimedSignature != "" || in.Status.Terminal() || in.Expired(now) {
		return ErrNotClaimable
	}
	if !CanTransition(in.Status, StatusVerified) {
		return ErrNotClaimable
	}
	in.ClaimedSignature = signature
	in.Counterparty = counterparty
	in.Status = StatusVerified
	m.claimed[signature] = id
	return nil
}

func (m *MemoryStore) SignatureClaimed(_ context.Context, signature string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.claimed[signature]
	return ok, nil
}

func (m *MemoryStore) Complete(_ context.Context, id, cardID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	in, ok := m.intents[id]
	if !ok {
		return ErrNotFound
	}
	if in.Status != StatusVerified {
		return ErrBadTransition
	}
	in.Status = StatusCompleted
	in.CardID = cardID
	return nil
}

func (m *MemoryStore) MarkSeen(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	in, ok := m.intents[id]
	if !ok {
		return ErrNotFound
	}
	in.LastSeenAt = at
	return nil
}
