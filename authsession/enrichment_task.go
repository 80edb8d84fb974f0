package authsession

import (
	"context"

	"github.com/jonboulle/clockwork"
	"github.com/jrsteele09/go-auth-session/identity"
	"github.com/pkg/errors"
)

// scheduleEnrichment is a store commit hook. It keeps exactly one
// background enrichment task alive for the current identity. The timers are
// created here, under the store's write lock, so their schedule starts at
// the commit that adopted the identity.
func (m *Manager) scheduleEnrichment(prev, next State) {
	if prev.IdentityID() == next.IdentityID() {
		return
	}
	m.cancelEnrichment()
	if next.Identity == nil || m.isClosed() {
		return
	}

	ctx, cancel := context.WithCancel(m.ctx)
	id := next.Identity.Clone()

	m.taskLock.Lock()
	m.task = &enrichTask{identityID: id.ID, cancel: cancel}
	m.taskLock.Unlock()

	debounce := m.clock.NewTimer(m.timings.EnrichDebounce)
	ticker := m.clock.NewTicker(m.timings.EnrichInterval)
	go m.runEnrichment(ctx, id, debounce, ticker)
}

func (m *Manager) cancelEnrichment() {
	m.taskLock.Lock()
	defer m.taskLock.Unlock()
	if m.task != nil {
		m.task.cancel()
		m.task = nil
	}
}

func (m *Manager) runEnrichment(ctx context.Context, id identity.Identity, debounce clockwork.Timer, ticker clockwork.Ticker) {
	defer debounce.Stop()
	defer ticker.Stop()

	select {
	case <-ctx.Done():
		return
	case <-debounce.Chan():
	}
	if m.enrichAttempt(ctx, id) {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if m.enrichAttempt(ctx, id) {
				return
			}
		}
	}
}

// enrichAttempt makes one automatic attempt. It returns true once the task
// has nothing left to do.
func (m *Manager) enrichAttempt(ctx context.Context, id identity.Identity) bool {
	cur := m.store.Snapshot()
	if cur.IdentityID() != id.ID {
		return true
	}
	if cur.Profile.IsEnriched() {
		return true
	}

	// The fetch is not cancelled with the task. applyProfile discards a
	// result for an identity that is no longer current.
	p, err := m.enricher.Enrich(context.WithoutCancel(ctx), id, false)
	switch {
	case errors.Is(err, ErrCoolingDown), errors.Is(err, ErrEnrichmentInFlight):
		m.logger.Debug().Err(err).Str("identity", id.ID).Msg("Skipping profile enrichment")
		return false
	case err != nil:
		if ctx.Err() != nil {
			return true
		}
		m.enrichFailed(id.ID, err)
		return false
	}
	m.applyProfile(p)
	return true
}
