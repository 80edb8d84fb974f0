package oidcclient

import (
	"errors"
	"sync"
	"time"
)

// defaultFlowTTL bounds how long an authorization request may stay
// pending before its verifier is forgotten.
const defaultFlowTTL = 10 * time.Minute

var errFlowNotFound = errors.New("flow state not found")

// FlowState is what we remember between sending the user to the issuer and
// the redirect coming back.
type FlowState struct {
	CodeVerifier string
	Nonce        string
	ReturnURL    string
	CreatedAt    time.Time
}

// FlowRepo stores pending authorization flows keyed by the state parameter.
type FlowRepo interface {
	Upsert(state string, flow *FlowState) error
	Get(state string) (*FlowState, error)
	Delete(state string) error
}

// InMemoryFlowRepo is a thread-safe FlowRepo that forgets flows older than
// its TTL.
type InMemoryFlowRepo struct {
	mu      sync.RWMutex
	flows   map[string]*FlowState
	ttl     time.Duration
	nowTime func() time.Time
}

// NewInMemoryFlowRepo creates a flow repo with the default TTL.
func NewInMemoryFlowRepo() *InMemoryFlowRepo {
	return &InMemoryFlowRepo{
		flows:   make(map[string]*FlowState),
		ttl:     defaultFlowTTL,
		nowTime: time.Now,
	}
}

// WithTTL overrides how long a pending flow is honored.
func (r *InMemoryFlowRepo) WithTTL(ttl time.Duration) *InMemoryFlowRepo {
	r.ttl = ttl
	return r
}

// WithNowTime replaces the clock (primarily for testing).
func (r *InMemoryFlowRepo) WithNowTime(nowFunc func() time.Time) *InMemoryFlowRepo {
	r.nowTime = nowFunc
	return r
}

func (r *InMemoryFlowRepo) Upsert(state string, flow *FlowState) error {
	if state == "" {
		return errors.New("state cannot be empty")
	}
	if flow == nil {
		return errors.New("flow cannot be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.prune()
	c := *flow
	if c.CreatedAt.IsZero() {
		c.CreatedAt = r.nowTime()
	}
	r.flows[state] = &c
	return nil
}

// Get returns a copy of the flow, or errFlowNotFound if it is unknown or
// has outlived the TTL.
func (r *InMemoryFlowRepo) Get(state string) (*FlowState, error) {
	if state == "" {
		return nil, errFlowNotFound
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	flow, ok := r.flows[state]
	if !ok || r.expired(flow) {
		return nil, errFlowNotFound
	}
	c := *flow
	return &c, nil
}

func (r *InMemoryFlowRepo) Delete(state string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.flows, state)
	return nil
}

// Len returns the number of pending flows, expired ones included.
func (r *InMemoryFlowRepo) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.flows)
}

func (r *InMemoryFlowRepo) expired(flow *FlowState) bool {
	return r.ttl > 0 && r.nowTime().Sub(flow.CreatedAt) > r.ttl
}

// prune must be called with mu held.
func (r *InMemoryFlowRepo) prune() {
	for state, flow := range r.flows {
		if r.expired(flow) {
			delete(r.flows, state)
		}
	}
}
