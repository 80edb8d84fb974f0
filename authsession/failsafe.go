package authsession

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/jrsteele09/go-auth-session/profiles"
)

const (
	watchdogStartup = "startup"
	watchdogLoading = "loading"
)

// watchdogs holds the two fail-safe timers. Arming and disarming happen from
// the store's commit hook, so they follow the committed IsLoading and
// Initialized values exactly. Each loading arm gets a new generation; a
// timer that fires after its generation was superseded does nothing.
type watchdogs struct {
	lock           sync.Mutex
	clock          clockwork.Clock
	startupTimeout time.Duration
	loadingTimeout time.Duration

	startup    clockwork.Timer
	loading    clockwork.Timer
	loadingGen uint64
	stopped    bool

	onStartup func()
	onLoading func(gen uint64)
}

func (w *watchdogs) armStartup() {
	w.lock.Lock()
	defer w.lock.Unlock()
	if w.stopped || w.startup != nil {
		return
	}
	w.startup = w.clock.AfterFunc(w.startupTimeout, w.onStartup)
}

// observe is registered as a store commit hook.
func (w *watchdogs) observe(prev, next State) {
	w.lock.Lock()
	defer w.lock.Unlock()
	if next.Initialized && w.startup != nil {
		w.startup.Stop()
		w.startup = nil
	}
	switch {
	case !prev.IsLoading && next.IsLoading:
		w.armLoadingLocked()
	case prev.IsLoading && !next.IsLoading:
		w.disarmLoadingLocked()
	}
}

// armLoadingIfLoading arms the loading watchdog for a store that started out
// loading, since no commit hook sees that initial value.
func (w *watchdogs) armLoadingIfLoading(st State) {
	w.lock.Lock()
	defer w.lock.Unlock()
	if st.IsLoading && w.loading == nil {
		w.armLoadingLocked()
	}
}

func (w *watchdogs) armLoadingLocked() {
	if w.stopped {
		return
	}
	if w.loading != nil {
		w.loading.Stop()
	}
	w.loadingGen++
	gen := w.loadingGen
	w.loading = w.clock.AfterFunc(w.loadingTimeout, func() { w.onLoading(gen) })
}

func (w *watchdogs) disarmLoadingLocked() {
	if w.loading != nil {
		w.loading.Stop()
		w.loading = nil
	}
	w.loadingGen++
}

// current reports whether gen is still the armed loading generation.
func (w *watchdogs) current(gen uint64) bool {
	w.lock.Lock()
	defer w.lock.Unlock()
	return !w.stopped && w.loading != nil && w.loadingGen == gen
}

func (w *watchdogs) stop() {
	w.lock.Lock()
	defer w.lock.Unlock()
	w.stopped = true
	if w.startup != nil {
		w.startup.Stop()
		w.startup = nil
	}
	if w.loading != nil {
		w.loading.Stop()
		w.loading = nil
	}
	w.loadingGen++
}

func (m *Manager) onStartupTimeout() {
	fired := false
	m.store.Update(func(cur State) []State {
		if cur.Initialized {
			return nil
		}
		fired = true
		return []State{cur.cleared()}
	})
	if fired {
		m.failsafeFired(watchdogStartup, m.timings.StartupTimeout)
	}
}

func (m *Manager) onLoadingTimeout(gen uint64) {
	fired := false
	m.store.Update(func(cur State) []State {
		if !cur.IsLoading || !m.watchdogs.current(gen) {
			return nil
		}
		fired = true
		next := cur
		next.IsLoading = false
		if next.Identity == nil || next.Session == nil {
			next.Identity, next.Session, next.Profile = nil, nil, nil
		} else if next.Profile == nil {
			next.Profile = profiles.Fallback(*next.Identity)
		}
		return []State{next}
	})
	if fired {
		m.failsafeFired(watchdogLoading, m.timings.LoadingTimeout)
	}
}

func (m *Manager) failsafeFired(watchdog string, after time.Duration) {
	m.metrics.failsafe(watchdog)
	m.logger.Warn().Str("watchdog", watchdog).Dur("after", after).Msg("Fail-safe timer resolved the session")
	m.recordDiagnostic("failsafe."+watchdog, ErrFailSafeTriggered)
}
