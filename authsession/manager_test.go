package authsession_test

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/jrsteele09/go-auth-session/artifacts"
	"github.com/jrsteele09/go-auth-session/authsession"
	"github.com/jrsteele09/go-auth-session/identity"
	"github.com/jrsteele09/go-auth-session/identity/providerfake"
	"github.com/jrsteele09/go-auth-session/profiles"
	"github.com/jrsteele09/go-auth-session/profiles/repofake"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

const (
	testAppURL   = "http://127.0.0.1:8085/"
	testPassword = "correct-horse"
	waitFor      = 2 * time.Second
	tick         = 5 * time.Millisecond
)

// stateRecorder keeps every snapshot delivered to a subscriber.
type stateRecorder struct {
	lock   sync.Mutex
	states []authsession.State
}

func (r *stateRecorder) record(s authsession.State) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.states = append(r.states, s)
}

func (r *stateRecorder) all() []authsession.State {
	r.lock.Lock()
	defer r.lock.Unlock()
	out := make([]authsession.State, len(r.states))
	copy(out, r.states)
	return out
}

type testFixture struct {
	clock    *clockwork.FakeClock
	provider *providerfake.FakeProvider
	profiles *repofake.FakeProfileStore
	cache    *artifacts.MemoryStore
	location *authsession.StaticLocation
	manager  *authsession.Manager
	states   *stateRecorder
}

// setupTestFixture builds an unstarted manager opened at rawURL.
func setupTestFixture(t *testing.T, rawURL string, opts ...authsession.Option) *testFixture {
	t.Helper()

	f := &testFixture{
		clock:    clockwork.NewFakeClock(),
		provider: providerfake.NewFakeProvider(),
		profiles: repofake.NewFakeProfileStore(),
		cache:    artifacts.NewMemoryStore(),
		states:   &stateRecorder{},
	}
	var err error
	f.location, err = authsession.NewStaticLocation(rawURL)
	require.NoError(t, err)

	options := append([]authsession.Option{
		authsession.WithClock(f.clock),
		authsession.WithLogger(zerolog.Nop()),
		authsession.WithArtifacts(f.cache),
		authsession.WithLocation(f.location),
	}, opts...)
	f.manager, err = authsession.New(f.provider, f.profiles, options...)
	require.NoError(t, err)
	f.manager.Subscribe(f.states.record)
	t.Cleanup(func() { _ = f.manager.Close() })
	return f
}

func (f *testFixture) start(t *testing.T) {
	t.Helper()
	require.NoError(t, f.manager.Start(context.Background()))
}

// startSettled starts the manager and waits for the startup lookup.
func (f *testFixture) startSettled(t *testing.T) {
	t.Helper()
	f.start(t)
	require.Eventually(t, func() bool {
		s := f.manager.Snapshot()
		return s.Initialized && !s.IsLoading
	}, waitFor, tick)
}

func (f *testFixture) addUser(t *testing.T, email string) identity.Identity {
	t.Helper()
	id, err := f.provider.AddUser(email, testPassword, nil)
	require.NoError(t, err)
	return id
}

func (f *testFixture) login(t *testing.T, email string) {
	t.Helper()
	require.NoError(t, f.manager.Login(context.Background(), identity.Credentials{Email: email, Password: testPassword}))
	require.Eventually(t, func() bool {
		s := f.manager.Snapshot()
		return s.Identity != nil && s.Identity.Email == email && !s.IsLoading
	}, waitFor, tick)
}

// requireProfileMatchesIdentity checks every recorded snapshot.
func requireProfileMatchesIdentity(t *testing.T, states []authsession.State) {
	t.Helper()
	for i, s := range states {
		if s.Profile == nil {
			continue
		}
		require.NotNil(t, s.Identity, "snapshot %d has a profile without identity", i)
		require.Equal(t, s.Identity.ID, s.Profile.ID, "snapshot %d", i)
	}
}

func blockUntilCleanup(t *testing.T) <-chan struct{} {
	block := make(chan struct{})
	t.Cleanup(func() { close(block) })
	return block
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := authsession.New(nil, repofake.NewFakeProfileStore())
	require.EqualError(t, err, "[New] provider is required")

	_, err = authsession.New(providerfake.NewFakeProvider(), nil)
	require.EqualError(t, err, "[New] profile store is required")
}

func TestStartIsLoadingUntilStoredSessionResolves(t *testing.T) {
	f := setupTestFixture(t, testAppURL)
	id := f.addUser(t, "u1@example.com")
	f.provider.GetSessionFunc = func(ctx context.Context) (*identity.Session, error) {
		select {
		case <-time.After(50 * time.Millisecond):
			return f.provider.NewSession(id), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.start(t)
	require.True(t, f.manager.Snapshot().IsLoading)

	require.Eventually(t, func() bool { return f.manager.Snapshot().IsAuthenticated }, waitFor, tick)
	s := f.manager.Snapshot()
	require.Equal(t, id.ID, s.IdentityID())
	require.Equal(t, id.ID, s.Profile.ID)
	require.Equal(t, "u1", s.Profile.DisplayName)
	require.False(t, s.IsLoading)
	require.True(t, s.Initialized)
	require.Equal(t, 1, f.provider.Calls("GetSession"))
	require.Eventually(t, func() bool { return f.provider.Calls("Ping") == 1 }, waitFor, tick)
}

func TestStartSkipInitialLoading(t *testing.T) {
	f := setupTestFixture(t, testAppURL, authsession.WithSkipInitialLoading())
	require.False(t, f.manager.Snapshot().IsLoading)
	f.startSettled(t)
	require.False(t, f.manager.Snapshot().IsAuthenticated)
}

func TestStartVerifierMismatchFallsBackToLookup(t *testing.T) {
	f := setupTestFixture(t, testAppURL+"callback?code=abc&state=xyz&tab=2")
	f.provider.ExchangeFunc = func(context.Context, string) (*identity.Session, error) {
		return nil, errors.New("invalid code verifier")
	}

	f.startSettled(t)

	s := f.manager.Snapshot()
	require.False(t, s.IsAuthenticated)
	require.Nil(t, s.Identity)
	require.NoError(t, s.InitError)
	require.Equal(t, 1, f.provider.Calls("ExchangeCodeForSession"))
	require.Equal(t, 1, f.provider.Calls("GetSession"))

	u := f.location.URL()
	require.Empty(t, u.Query().Get("code"))
	require.Empty(t, u.Query().Get("state"))
	require.Equal(t, "2", u.Query().Get("tab"))
	require.Empty(t, f.manager.Diagnostics(), "protocol mismatches stay silent")
}

func TestStartExchangesAuthorizationCode(t *testing.T) {
	f := setupTestFixture(t, testAppURL)
	id := f.addUser(t, "code@example.com")
	redirect, err := url.Parse(testAppURL + "callback?code=" + f.provider.IssueCode(id.Email) + "&state=s1")
	require.NoError(t, err)
	f.location.Replace(redirect)

	f.startSettled(t)

	require.Equal(t, id.ID, f.manager.Snapshot().IdentityID())
	require.Zero(t, f.provider.Calls("GetSession"), "a successful exchange skips the lookup")
	require.Empty(t, f.location.URL().RawQuery)
	require.Equal(t, "/callback", f.location.URL().Path)
}

func TestStartKeepsClientRouteFragment(t *testing.T) {
	f := setupTestFixture(t, testAppURL)
	id := f.addUser(t, "code@example.com")
	redirect, err := url.Parse(testAppURL + "callback?code=" + f.provider.IssueCode(id.Email) + "&state=s1#/app?x=1")
	require.NoError(t, err)
	f.location.Replace(redirect)

	f.startSettled(t)

	require.Equal(t, id.ID, f.manager.Snapshot().IdentityID())
	require.Empty(t, f.location.URL().RawQuery)
	require.Equal(t, "/app?x=1", f.location.URL().Fragment)
	require.Equal(t, testAppURL+"callback#/app?x=1", f.location.URL().String())
}

func TestStartExchangeFailureIsRecorded(t *testing.T) {
	f := setupTestFixture(t, testAppURL+"?code=abc")
	f.provider.ExchangeFunc = func(context.Context, string) (*identity.Session, error) {
		return nil, errors.New("upstream exploded")
	}

	f.startSettled(t)

	require.Equal(t, 1, f.provider.Calls("GetSession"))
	diags := f.manager.Diagnostics()
	require.Len(t, diags, 1)
	require.Equal(t, "exchange", diags[0].Source)
	require.NoError(t, f.manager.Snapshot().InitError)
}

func TestStartRedirectErrorInFragment(t *testing.T) {
	f := setupTestFixture(t, testAppURL+"#error=access_denied&error_description=user+said+no")

	f.startSettled(t)

	require.Empty(t, f.location.URL().Fragment)
	require.Equal(t, 1, f.provider.Calls("GetSession"))
	require.Zero(t, f.provider.Calls("ExchangeCodeForSession"))
	diags := f.manager.Diagnostics()
	require.Len(t, diags, 1)
	require.Equal(t, "redirect", diags[0].Source)
	require.ErrorIs(t, diags[0].Err, authsession.ErrRedirectError)
}

func TestStartTwice(t *testing.T) {
	f := setupTestFixture(t, testAppURL)
	f.start(t)
	require.ErrorIs(t, f.manager.Start(context.Background()), authsession.ErrAlreadyStarted)
}

func TestSwitchIdentityObservesClearedSnapshot(t *testing.T) {
	f := setupTestFixture(t, testAppURL)
	a := f.addUser(t, "a@example.com")
	b := f.addUser(t, "b@example.com")
	f.startSettled(t)

	f.login(t, a.Email)
	require.NoError(t, f.cache.Put(context.Background(), a.ID, "draft", []byte("x"), time.Hour))
	f.login(t, b.Email)

	states := f.states.all()
	requireProfileMatchesIdentity(t, states)

	lastA, firstB := -1, -1
	for i, s := range states {
		switch s.IdentityID() {
		case a.ID:
			lastA = i
		case b.ID:
			if firstB < 0 {
				firstB = i
			}
		}
	}
	require.Greater(t, firstB, lastA+1)
	cleared := false
	for _, s := range states[lastA+1 : firstB] {
		if s.Identity == nil && s.Profile == nil && !s.IsAdmin {
			cleared = true
		}
	}
	require.True(t, cleared, "a cleared snapshot separates the two identities")

	require.Eventually(t, func() bool { return f.cache.Len(a.ID) == 0 }, waitFor, tick)
}

func TestTokenRefreshKeepsEnrichedProfile(t *testing.T) {
	f := setupTestFixture(t, testAppURL)
	id := f.addUser(t, "u1@example.com")
	f.profiles.Upsert(&profiles.Profile{ID: id.ID, DisplayName: "Enriched Jane", IsAdmin: true})
	f.startSettled(t)
	f.login(t, id.Email)

	_, err := f.manager.RefreshProfile(context.Background())
	require.NoError(t, err)
	require.True(t, f.manager.Snapshot().IsAdmin)

	before := len(f.states.all())
	refreshed := f.provider.NewSession(id)
	f.provider.Emit(identity.Event{Kind: identity.EventTokenRefreshed, Session: refreshed})

	require.Eventually(t, func() bool { return f.manager.Snapshot().Session.ID == refreshed.ID }, waitFor, tick)
	s := f.manager.Snapshot()
	require.Equal(t, "Enriched Jane", s.Profile.DisplayName)
	require.True(t, s.IsAdmin)
	for _, st := range f.states.all()[before:] {
		require.Equal(t, id.ID, st.IdentityID(), "refresh never clears")
	}
}

func TestRefreshProfileDiscardsResultForPreviousIdentity(t *testing.T) {
	f := setupTestFixture(t, testAppURL)
	a := f.addUser(t, "a@example.com")
	b := f.addUser(t, "b@example.com")
	f.startSettled(t)
	f.login(t, a.Email)

	release := f.profiles.Hold(a.ID)
	result := make(chan error, 1)
	go func() {
		_, err := f.manager.RefreshProfile(context.Background())
		result <- err
	}()
	require.Eventually(t, func() bool { return f.profiles.Fetches(a.ID) == 1 }, waitFor, tick)

	f.login(t, b.Email)
	release()

	require.ErrorIs(t, <-result, authsession.ErrIdentityChanged)
	s := f.manager.Snapshot()
	require.Equal(t, b.ID, s.IdentityID())
	require.Equal(t, b.ID, s.Profile.ID)
	requireProfileMatchesIdentity(t, f.states.all())
}

func TestRefreshProfileWithoutIdentity(t *testing.T) {
	f := setupTestFixture(t, testAppURL)
	f.startSettled(t)
	_, err := f.manager.RefreshProfile(context.Background())
	require.ErrorIs(t, err, authsession.ErrNotAuthenticated)
}

func TestRefreshProfileBypassesCooldown(t *testing.T) {
	f := setupTestFixture(t, testAppURL)
	id := f.addUser(t, "u1@example.com")
	f.startSettled(t)
	f.login(t, id.Email)

	f.profiles.FailNext(1)
	_, err := f.manager.RefreshProfile(context.Background())
	require.ErrorIs(t, err, repofake.ErrInjected)

	p, err := f.manager.RefreshProfile(context.Background())
	require.NoError(t, err)
	require.Equal(t, profiles.ProvenanceEnriched, p.Provenance)
	require.Equal(t, profiles.ProvenanceEnriched, f.manager.Snapshot().Profile.Provenance)
}

func TestBackgroundEnrichmentIsDebounced(t *testing.T) {
	f := setupTestFixture(t, testAppURL)
	id := f.addUser(t, "u1@example.com")
	f.provider.SetCurrent(f.provider.NewSession(id))
	f.startSettled(t)

	require.Equal(t, profiles.ProvenanceFallback, f.manager.Snapshot().Profile.Provenance)
	require.Zero(t, f.profiles.Fetches(id.ID))

	f.clock.Advance(10 * time.Second)
	require.Eventually(t, func() bool { return f.manager.Snapshot().Profile.IsEnriched() }, waitFor, tick)
	require.Equal(t, 1, f.profiles.Fetches(id.ID))

	f.clock.Advance(2 * time.Minute)
	require.Never(t, func() bool { return f.profiles.Fetches(id.ID) > 1 }, 50*time.Millisecond, tick)
}

func TestBackgroundEnrichmentRespectsCooldown(t *testing.T) {
	f := setupTestFixture(t, testAppURL)
	id := f.addUser(t, "u1@example.com")
	f.provider.SetCurrent(f.provider.NewSession(id))
	f.profiles.FailNext(1)
	f.startSettled(t)
	adoptedAt := f.clock.Now()

	f.clock.Advance(10 * time.Second)
	require.Eventually(t, func() bool { return f.profiles.Fetches(id.ID) == 1 }, waitFor, tick)
	require.Eventually(t, func() bool { return len(f.manager.Diagnostics()) == 1 }, waitFor, tick)
	require.Equal(t, "enrich", f.manager.Diagnostics()[0].Source)

	require.Eventually(t, func() bool {
		f.clock.Advance(30 * time.Second)
		return f.profiles.Fetches(id.ID) == 2
	}, 5*time.Second, tick)
	require.GreaterOrEqual(t, f.clock.Since(adoptedAt), 10*time.Second+5*time.Minute)
	require.Eventually(t, func() bool { return f.manager.Snapshot().Profile.IsEnriched() }, waitFor, tick)
}

func TestLogoutClearsSynchronously(t *testing.T) {
	f := setupTestFixture(t, testAppURL)
	id := f.addUser(t, "u1@example.com")
	f.startSettled(t)
	f.login(t, id.Email)
	require.NoError(t, f.cache.Put(context.Background(), id.ID, "prefs", []byte("dark"), time.Hour))

	require.NoError(t, f.manager.Logout(context.Background()))

	s := f.manager.Snapshot()
	require.Nil(t, s.Identity)
	require.Nil(t, s.Profile)
	require.False(t, s.IsAuthenticated)
	require.False(t, s.IsLoading)
	require.Zero(t, f.cache.Len(id.ID))
	require.Equal(t, 1, f.provider.Calls("SignOut"))

	require.NoError(t, f.manager.Logout(context.Background()), "no session is not an error")
}

func TestLogoutProviderFailureStillClears(t *testing.T) {
	f := setupTestFixture(t, testAppURL)
	id := f.addUser(t, "u1@example.com")
	f.startSettled(t)
	f.login(t, id.Email)
	f.provider.SignOutFunc = func(context.Context) error { return errors.New("revocation endpoint down") }

	require.NoError(t, f.manager.Logout(context.Background()))
	require.False(t, f.manager.Snapshot().IsAuthenticated)

	diags := f.manager.Diagnostics()
	require.Len(t, diags, 1)
	require.Equal(t, "logout", diags[0].Source)
	require.ErrorContains(t, diags[0].Err, "revocation endpoint down")
}

func TestLoginFailureSetsInitError(t *testing.T) {
	f := setupTestFixture(t, testAppURL)
	f.addUser(t, "u1@example.com")
	f.startSettled(t)

	err := f.manager.Login(context.Background(), identity.Credentials{Email: "u1@example.com", Password: "wrong"})
	require.ErrorIs(t, err, identity.ErrInvalidCredentials)

	s := f.manager.Snapshot()
	require.ErrorIs(t, s.InitError, identity.ErrInvalidCredentials)
	require.False(t, s.IsLoading)
	require.False(t, s.IsAuthenticated)

	f.login(t, "u1@example.com")
	require.NoError(t, f.manager.Snapshot().InitError)
}

func TestLoginRequiresCredentials(t *testing.T) {
	f := setupTestFixture(t, testAppURL)
	err := f.manager.Login(context.Background(), identity.Credentials{Email: "u1@example.com"})
	require.ErrorIs(t, err, identity.ErrInvalidCredentials)
	require.Zero(t, f.provider.Calls("SignInWithPassword"))
}

func TestRegister(t *testing.T) {
	f := setupTestFixture(t, testAppURL)
	f.startSettled(t)

	result, err := f.manager.Register(context.Background(),
		identity.Credentials{Email: "new@example.com", Password: testPassword},
		map[string]any{"name": "New Person"})
	require.NoError(t, err)
	require.False(t, result.NeedsVerification)
	require.Eventually(t, func() bool { return f.manager.Snapshot().IsAuthenticated }, waitFor, tick)
	require.Equal(t, "New Person", f.manager.Snapshot().Profile.DisplayName)

	_, err = f.manager.Register(context.Background(), identity.Credentials{Email: "new@example.com", Password: testPassword}, nil)
	require.ErrorIs(t, err, identity.ErrUserExists)
}

func TestRegisterNeedingVerification(t *testing.T) {
	f := setupTestFixture(t, testAppURL)
	f.provider.RequireVerification = true
	f.startSettled(t)

	result, err := f.manager.Register(context.Background(), identity.Credentials{Email: "v@example.com", Password: testPassword}, nil)
	require.NoError(t, err)
	require.True(t, result.NeedsVerification)
	require.False(t, f.manager.Snapshot().IsAuthenticated)
	require.False(t, f.manager.Snapshot().IsLoading)
}

func TestHandleRedirectAfterStartup(t *testing.T) {
	f := setupTestFixture(t, testAppURL)
	id := f.addUser(t, "late@example.com")
	f.startSettled(t)

	loc, err := authsession.NewStaticLocation(testAppURL + "callback?code=" + f.provider.IssueCode(id.Email))
	require.NoError(t, err)
	require.NoError(t, f.manager.HandleRedirect(context.Background(), loc.URL()))
	require.Eventually(t, func() bool { return f.manager.Snapshot().IdentityID() == id.ID }, waitFor, tick)

	loc, err = authsession.NewStaticLocation(testAppURL + "callback?error=access_denied")
	require.NoError(t, err)
	require.ErrorIs(t, f.manager.HandleRedirect(context.Background(), loc.URL()), authsession.ErrRedirectError)
}

func TestEventsAreIgnoredAfterClose(t *testing.T) {
	f := setupTestFixture(t, testAppURL)
	id := f.addUser(t, "u1@example.com")
	f.startSettled(t)
	require.Equal(t, 1, f.provider.Subscribers())

	require.NoError(t, f.manager.Close())
	require.NoError(t, f.manager.Close())
	require.Zero(t, f.provider.Subscribers())

	f.provider.Emit(identity.Event{Kind: identity.EventSignedIn, Session: f.provider.NewSession(id)})
	require.False(t, f.manager.Snapshot().IsAuthenticated)
	require.ErrorIs(t, f.manager.Login(context.Background(), identity.Credentials{Email: id.Email, Password: testPassword}), authsession.ErrManagerClosed)
}

func TestMalformedEventIsIgnored(t *testing.T) {
	f := setupTestFixture(t, testAppURL)
	id := f.addUser(t, "u1@example.com")
	f.startSettled(t)
	f.login(t, id.Email)

	f.provider.Emit(identity.Event{Kind: identity.EventSignedIn, Session: &identity.Session{ID: "no-identity"}})
	require.Eventually(t, func() bool { return len(f.manager.Diagnostics()) == 1 }, waitFor, tick)
	require.Equal(t, id.ID, f.manager.Snapshot().IdentityID())
}

func TestBackgroundEnrichmentStopsWhenIdentityLeaves(t *testing.T) {
	tests := map[string]func(f *testFixture, t *testing.T){
		"switch": func(f *testFixture, t *testing.T) {
			b := f.addUser(t, "b@example.com")
			f.login(t, b.Email)
		},
		"logout": func(f *testFixture, t *testing.T) {
			require.NoError(t, f.manager.Logout(context.Background()))
		},
	}

	for name, leave := range tests {
		t.Run(name, func(t *testing.T) {
			f := setupTestFixture(t, testAppURL)
			a := f.addUser(t, "a@example.com")
			f.profiles.FailNext(1000)
			f.startSettled(t)
			f.login(t, a.Email)

			f.clock.Advance(10 * time.Second)
			require.Eventually(t, func() bool { return f.profiles.Fetches(a.ID) == 1 }, waitFor, tick)

			leave(f, t)
			for i := 0; i < 5; i++ {
				f.clock.Advance(6 * time.Minute)
			}
			require.Never(t, func() bool { return f.profiles.Fetches(a.ID) != 1 }, 100*time.Millisecond, tick)
		})
	}
}

func TestBackgroundEnrichmentDiscardsResultForPreviousIdentity(t *testing.T) {
	f := setupTestFixture(t, testAppURL)
	a := f.addUser(t, "a@example.com")
	b := f.addUser(t, "b@example.com")
	f.startSettled(t)
	f.login(t, a.Email)

	release := f.profiles.Hold(a.ID)
	f.clock.Advance(10 * time.Second)
	require.Eventually(t, func() bool { return f.profiles.Fetches(a.ID) == 1 }, waitFor, tick)

	f.login(t, b.Email)
	release()

	require.Eventually(t, func() bool { return f.profiles.Creates(a.ID) == 1 }, waitFor, tick)
	require.Never(t, func() bool {
		s := f.manager.Snapshot()
		return s.Profile == nil || s.Profile.ID != b.ID
	}, 100*time.Millisecond, tick)
	require.False(t, f.manager.Snapshot().Profile.IsEnriched())
	requireProfileMatchesIdentity(t, f.states.all())
}
