package authsession

import (
	"context"
	"sync"

	"github.com/jrsteele09/go-auth-session/identity"
	"github.com/jrsteele09/go-auth-session/profiles"
	"github.com/pkg/errors"
)

// Enricher loads the durable profile for an identity, creating the record
// on first sight. It allows one attempt per identity at a time.
type Enricher struct {
	store profiles.Store
	memo  *FailureMemo

	lock     sync.Mutex
	inFlight map[string]struct{}
}

func NewEnricher(store profiles.Store, memo *FailureMemo) *Enricher {
	return &Enricher{
		store:    store,
		memo:     memo,
		inFlight: make(map[string]struct{}),
	}
}

// Enrich fetches or creates the profile for id. A failure within the
// memo's cool-down short-circuits with ErrCoolingDown unless
// bypassCooldown is set.
func (e *Enricher) Enrich(ctx context.Context, id identity.Identity, bypassCooldown bool) (*profiles.Profile, error) {
	if id.ID == "" {
		return nil, errors.New("[Enrich] identity id is required")
	}
	if !bypassCooldown && e.memo.Recent(id.ID) {
		return nil, ErrCoolingDown
	}
	if !e.acquire(id.ID) {
		return nil, ErrEnrichmentInFlight
	}
	defer e.release(id.ID)

	p, err := e.load(ctx, id)
	if err != nil {
		e.memo.Record(id.ID)
		return nil, err
	}
	e.memo.Clear(id.ID)
	return p, nil
}

func (e *Enricher) load(ctx context.Context, id identity.Identity) (*profiles.Profile, error) {
	p, err := e.store.FetchProfile(ctx, id)
	if err != nil {
		return nil, errors.Wrap(err, "[Enrich] fetch profile")
	}
	if p == nil {
		p, err = e.store.CreateProfile(ctx, id)
		if err != nil {
			return nil, errors.Wrap(err, "[Enrich] create profile")
		}
		if p == nil {
			return nil, errors.New("[Enrich] profile store created no record")
		}
	}
	if p.ID != id.ID {
		return nil, errors.Wrapf(ErrProfileMismatch, "[Enrich] wanted %s, got %s", id.ID, p.ID)
	}
	p = p.Clone()
	p.Provenance = profiles.ProvenanceEnriched
	return p, nil
}

func (e *Enricher) acquire(identityID string) bool {
	e.lock.Lock()
	defer e.lock.Unlock()
	if _, busy := e.inFlight[identityID]; busy {
		return false
	}
	e.inFlight[identityID] = struct{}{}
	return true
}

func (e *Enricher) release(identityID string) {
	e.lock.Lock()
	defer e.lock.Unlock()
	delete(e.inFlight, identityID)
}
