package authsession

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/jrsteele09/go-auth-session/artifacts"
	"github.com/jrsteele09/go-auth-session/identity"
	"github.com/jrsteele09/go-auth-session/profiles"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Timings are the manager's timer and timeout values.
type Timings struct {
	StartupTimeout time.Duration
	LoadingTimeout time.Duration
	ProbeTimeout   time.Duration
	EnrichDebounce time.Duration
	EnrichInterval time.Duration
	EnrichCooldown time.Duration
	PurgeTimeout   time.Duration
}

func DefaultTimings() Timings {
	return Timings{
		StartupTimeout: 5 * time.Second,
		LoadingTimeout: 3 * time.Second,
		ProbeTimeout:   800 * time.Millisecond,
		EnrichDebounce: 10 * time.Second,
		EnrichInterval: 2 * time.Minute,
		EnrichCooldown: 5 * time.Minute,
		PurgeTimeout:   2 * time.Second,
	}
}

// withDefaults fills zero values from DefaultTimings.
func (t Timings) withDefaults() Timings {
	d := DefaultTimings()
	fill := func(v *time.Duration, def time.Duration) {
		if *v <= 0 {
			*v = def
		}
	}
	fill(&t.StartupTimeout, d.StartupTimeout)
	fill(&t.LoadingTimeout, d.LoadingTimeout)
	fill(&t.ProbeTimeout, d.ProbeTimeout)
	fill(&t.EnrichDebounce, d.EnrichDebounce)
	fill(&t.EnrichInterval, d.EnrichInterval)
	fill(&t.EnrichCooldown, d.EnrichCooldown)
	fill(&t.PurgeTimeout, d.PurgeTimeout)
	return t
}

type enrichTask struct {
	identityID string
	cancel     context.CancelFunc
}

// Manager owns the session lifecycle.
type Manager struct {
	provider  identity.Provider
	profiles  profiles.Store
	artifacts artifacts.Purger
	location  Location
	clock     clockwork.Clock
	logger    zerolog.Logger
	timings   Timings
	meter     metric.Meter
	memo      *FailureMemo

	skipInitialLoading bool

	store       *Store
	enricher    *Enricher
	watchdogs   *watchdogs
	metrics     *metrics
	diagnostics diagnosticLog

	lifecycle    sync.Mutex
	started      bool
	closed       bool
	ctx          context.Context
	cancel       context.CancelFunc
	unsubscribe  func()
	listenerDone chan struct{}

	taskLock sync.Mutex
	task     *enrichTask
}

type Option func(*Manager)

func WithClock(c clockwork.Clock) Option {
	return func(m *Manager) {
		m.clock = c
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

func WithTimings(t Timings) Option {
	return func(m *Manager) {
		m.timings = t.withDefaults()
	}
}

// WithArtifacts sets the cache purged when an identity stops being current.
func WithArtifacts(p artifacts.Purger) Option {
	return func(m *Manager) {
		m.artifacts = p
	}
}

func WithLocation(l Location) Option {
	return func(m *Manager) {
		m.location = l
	}
}

func WithMeter(meter metric.Meter) Option {
	return func(m *Manager) {
		m.meter = meter
	}
}

// WithSkipInitialLoading starts the store with IsLoading false, for callers
// that render before the session is known.
func WithSkipInitialLoading() Option {
	return func(m *Manager) {
		m.skipInitialLoading = true
	}
}

// WithFailureMemo shares a memo between managers. By default each manager
// gets its own, driven by the manager's clock.
func WithFailureMemo(memo *FailureMemo) Option {
	return func(m *Manager) {
		m.memo = memo
	}
}

func New(provider identity.Provider, profileStore profiles.Store, options ...Option) (*Manager, error) {
	if provider == nil {
		return nil, errors.New("[New] provider is required")
	}
	if profileStore == nil {
		return nil, errors.New("[New] profile store is required")
	}

	m := &Manager{
		provider: provider,
		profiles: profileStore,
		clock:    clockwork.NewRealClock(),
		logger:   log.Logger,
		timings:  DefaultTimings(),
		meter:    noop.NewMeterProvider().Meter(meterName),
	}
	for _, opt := range options {
		opt(m)
	}
	m.logger = m.logger.With().Str("component", "authsession").Logger()

	var err error
	if m.metrics, err = newMetrics(m.meter); err != nil {
		return nil, errors.Wrap(err, "[New]")
	}
	if m.memo == nil {
		m.memo = NewFailureMemo(m.timings.EnrichCooldown, m.clock.Now)
	}
	m.enricher = NewEnricher(profileStore, m.memo)

	m.store = NewStore(State{IsLoading: !m.skipInitialLoading}, m.logger)
	m.watchdogs = &watchdogs{
		clock:          m.clock,
		startupTimeout: m.timings.StartupTimeout,
		loadingTimeout: m.timings.LoadingTimeout,
		onStartup:      m.onStartupTimeout,
		onLoading:      m.onLoadingTimeout,
	}
	m.store.observe(m.watchdogs.observe)
	m.store.observe(m.scheduleEnrichment)

	m.ctx, m.cancel = context.WithCancel(context.Background())
	return m, nil
}

// Start arms the watchdogs, subscribes to the provider and resolves the
// initial session in the background. The manager runs until Close or until
// ctx is cancelled.
func (m *Manager) Start(ctx context.Context) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	if m.closed {
		return ErrManagerClosed
	}
	if m.started {
		return ErrAlreadyStarted
	}
	m.started = true

	stop := context.AfterFunc(ctx, func() { _ = m.Close() })
	go func() {
		<-m.ctx.Done()
		stop()
	}()

	m.watchdogs.armStartup()
	m.watchdogs.armLoadingIfLoading(m.store.Snapshot())
	m.listen()
	go m.initialize(m.ctx)

	m.logger.Info().Msg("Session manager started")
	return nil
}

// Close cancels background work, detaches from the provider and stops the
// watchdogs. The last snapshot stays readable.
func (m *Manager) Close() error {
	m.lifecycle.Lock()
	if m.closed {
		m.lifecycle.Unlock()
		return nil
	}
	m.closed = true
	m.cancel()
	unsubscribe := m.unsubscribe
	done := m.listenerDone
	m.lifecycle.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	m.watchdogs.stop()
	m.cancelEnrichment()
	if done != nil {
		<-done
	}
	m.logger.Info().Msg("Session manager closed")
	return nil
}

func (m *Manager) isClosed() bool {
	return m.ctx.Err() != nil
}

// Snapshot returns the current state.
func (m *Manager) Snapshot() State {
	return m.store.Snapshot()
}

// Subscribe registers l for every committed snapshot and returns the
// function that removes it. l must not call Login, Logout, Register or
// RefreshProfile synchronously.
func (m *Manager) Subscribe(l Listener) func() {
	return m.store.Subscribe(l)
}

// Diagnostics returns the most recent non-fatal failures, oldest first.
func (m *Manager) Diagnostics() []Diagnostic {
	return m.diagnostics.list()
}

func (m *Manager) recordDiagnostic(source string, err error) {
	m.diagnostics.add(Diagnostic{
		At:     m.clock.Now(),
		Source: source,
		Class:  Classify(err),
		Err:    err,
	})
}

// apply runs the transition function against the current state and commits
// its steps atomically.
func (m *Manager) apply(incoming *identity.Session, kind identity.EventKind) Transition {
	var tr Transition
	m.store.Update(func(cur State) []State {
		tr = Apply(cur, incoming, kind)
		return tr.Steps
	})
	m.metrics.transition(tr.Kind, string(kind))
	m.logger.Debug().Str("transition", string(tr.Kind)).Str("event", string(kind)).Str("identity", tr.Final().IdentityID()).Msg("Session transition")

	if tr.PreviousIdentityID != "" && tr.Final().IdentityID() != tr.PreviousIdentityID {
		go m.purge(m.ctx, tr.PreviousIdentityID)
	}
	return tr
}

func (m *Manager) purge(ctx context.Context, identityID string) {
	if m.artifacts == nil {
		return
	}
	purgeCtx, cancel := clockwork.WithTimeout(context.WithoutCancel(ctx), m.clock, m.timings.PurgeTimeout)
	defer cancel()
	if err := m.artifacts.PurgeIdentity(purgeCtx, identityID); err != nil {
		m.logger.Warn().Err(err).Str("identity", identityID).Msg("Failed to purge identity artifacts")
		m.recordDiagnostic("purge", err)
	}
}

// setLoading commits an optimistic loading flag.
func (m *Manager) setLoading(loading bool, initErr error) {
	m.store.Update(func(cur State) []State {
		next := cur.WithLoading(loading)
		next.InitError = initErr
		return []State{next}
	})
}

// Login signs in with email and password. The resulting session arrives
// through the provider's event stream; on failure InitError carries the
// provider's error.
func (m *Manager) Login(ctx context.Context, creds identity.Credentials) error {
	if m.isClosed() {
		return ErrManagerClosed
	}
	if creds.Email == "" || creds.Password == "" {
		return errors.Wrap(identity.ErrInvalidCredentials, "[Login] email and password are required")
	}

	m.setLoading(true, nil)
	_, err := m.provider.SignInWithPassword(ctx, creds.Email, creds.Password)
	m.setLoading(false, err)
	if err != nil {
		m.logger.Info().Err(err).Str("class", Classify(err).String()).Msg("Login failed")
		return errors.Wrap(err, "[Login]")
	}
	return nil
}

// Register creates an account. When the provider establishes a session
// immediately it arrives through the event stream like a login.
func (m *Manager) Register(ctx context.Context, creds identity.Credentials, metadata map[string]any) (identity.SignUpResult, error) {
	if m.isClosed() {
		return identity.SignUpResult{}, ErrManagerClosed
	}
	if creds.Email == "" || creds.Password == "" {
		return identity.SignUpResult{}, errors.New("[Register] email and password are required")
	}

	m.setLoading(true, nil)
	result, err := m.provider.SignUp(ctx, creds.Email, creds.Password, metadata)
	m.setLoading(false, err)
	if err != nil {
		m.logger.Info().Err(err).Str("class", Classify(err).String()).Msg("Registration failed")
		return identity.SignUpResult{}, errors.Wrap(err, "[Register]")
	}
	return result, nil
}

// Logout clears the state and purges the identity's artifacts before the
// provider is told. Provider sign-out is best effort: its failures are
// logged and kept in Diagnostics, and "no session" is not a failure at all.
func (m *Manager) Logout(ctx context.Context) error {
	if m.isClosed() {
		return ErrManagerClosed
	}
	var previous string
	m.store.Update(func(cur State) []State {
		previous = cur.IdentityID()
		next := cur.cleared()
		next.InitError = nil
		return []State{next}
	})
	m.metrics.transition(TransitionClear, "LOGOUT")
	if previous != "" {
		m.purge(ctx, previous)
	}

	if err := m.provider.SignOut(ctx); err != nil {
		if Classify(err) == ClassLogoutAnomaly {
			m.logger.Debug().Err(err).Msg("Provider had no session to sign out")
			return nil
		}
		m.logger.Warn().Err(err).Msg("Provider sign-out failed, local state already cleared")
		m.recordDiagnostic("logout", err)
	}
	return nil
}

// RefreshProfile fetches the profile for the current identity now,
// ignoring the failure cool-down. ctx bounds the fetch.
func (m *Manager) RefreshProfile(ctx context.Context) (*profiles.Profile, error) {
	cur := m.store.Snapshot()
	if cur.Identity == nil {
		return nil, ErrNotAuthenticated
	}

	p, err := m.enricher.Enrich(ctx, *cur.Identity, true)
	if err != nil {
		m.enrichFailed(cur.Identity.ID, err)
		return nil, errors.Wrap(err, "[RefreshProfile]")
	}
	if !m.applyProfile(p) {
		return nil, ErrIdentityChanged
	}
	return p.Clone(), nil
}

// applyProfile commits p only if its identity is still current.
func (m *Manager) applyProfile(p *profiles.Profile) bool {
	applied := false
	m.store.Update(func(cur State) []State {
		if cur.Identity == nil || cur.Identity.ID != p.ID {
			return nil
		}
		applied = true
		next := cur
		next.Profile = p.Clone()
		return []State{next}
	})
	if !applied {
		m.metrics.discarded()
		m.logger.Debug().Str("profile", p.ID).Msg("Discarding profile for a stale identity")
	}
	return applied
}

func (m *Manager) enrichFailed(identityID string, err error) {
	class := Classify(err)
	m.metrics.enrichFailure(class)
	m.logger.Warn().Err(err).Str("identity", identityID).Str("class", class.String()).Int("cooling_down", m.memo.Len()).Msg("Profile enrichment failed")
	m.recordDiagnostic("enrich", err)
}
