package oidcclient_test

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
	"github.com/jrsteele09/go-auth-session/identity"
	"github.com/jrsteele09/go-auth-session/identity/oidcclient"
	apperrors "github.com/jrsteele09/go-auth-session/internal/errors"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

const (
	testClientID     = "desktop-client"
	testClientSecret = "desktop-secret"
	testSubject      = "user-1"
	testEmail        = "ada@example.com"
	testPassword     = "Password123"
)

// fakeIssuer is a minimal OIDC issuer: token, registration, revocation and
// discovery endpoints.
type fakeIssuer struct {
	t      *testing.T
	server *httptest.Server
	key    *rsa.PrivateKey

	mu            sync.Mutex
	codeChallenge string
	nonce         string
	revoked       []string
	registered    map[string]bool
	needsVerify   bool
	refreshFails  bool
	accessTTL     time.Duration
}

func newFakeIssuer(t *testing.T) *fakeIssuer {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	fi := &fakeIssuer{t: t, key: key, registered: map[string]bool{}, accessTTL: time.Hour}
	mux := http.NewServeMux()
	mux.HandleFunc("/token", fi.handleToken)
	mux.HandleFunc("/register", fi.handleRegister)
	mux.HandleFunc("/revoke", fi.handleRevoke)
	mux.HandleFunc("/.well-known/openid-configuration", fi.handleDiscovery)
	fi.server = httptest.NewServer(mux)
	t.Cleanup(fi.server.Close)
	return fi
}

func (fi *fakeIssuer) issuer() string { return fi.server.URL }

func (fi *fakeIssuer) idToken(nonce string) string {
	claims := jwt.MapClaims{
		"iss":   fi.issuer(),
		"aud":   testClientID,
		"sub":   testSubject,
		"email": testEmail,
		"name":  "Ada Lovelace",
		"iat":   time.Now().Unix(),
		"exp":   time.Now().Add(time.Hour).Unix(),
	}
	if nonce != "" {
		claims["nonce"] = nonce
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(fi.key)
	require.NoError(fi.t, err)
	return signed
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (fi *fakeIssuer) handleToken(w http.ResponseWriter, r *http.Request) {
	require.NoError(fi.t, r.ParseForm())
	fi.mu.Lock()
	defer fi.mu.Unlock()

	tokenResponse := map[string]any{
		"access_token":  "access-" + r.Form.Get("grant_type"),
		"token_type":    "Bearer",
		"refresh_token": "refresh-1",
		"expires_in":    int(fi.accessTTL.Seconds()),
	}

	switch r.Form.Get("grant_type") {
	case "authorization_code":
		sum := sha256.Sum256([]byte(r.Form.Get("code_verifier")))
		if r.Form.Get("code") != "good-code" || base64.RawURLEncoding.EncodeToString(sum[:]) != fi.codeChallenge {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error":             "invalid_grant",
				"error_description": "code verifier does not match code challenge",
			})
			return
		}
		tokenResponse["id_token"] = fi.idToken(fi.nonce)
	case "password":
		if r.Form.Get("username") != testEmail || r.Form.Get("password") != testPassword {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error":             "invalid_grant",
				"error_description": "Invalid login credentials",
			})
			return
		}
		tokenResponse["id_token"] = fi.idToken("")
	case "refresh_token":
		if fi.refreshFails {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant"})
			return
		}
		tokenResponse["access_token"] = "access-refreshed"
		delete(tokenResponse, "refresh_token")
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unsupported_grant_type"})
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse)
}

func (fi *fakeIssuer) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	require.NoError(fi.t, json.NewDecoder(r.Body).Decode(&req))
	fi.mu.Lock()
	defer fi.mu.Unlock()
	if fi.registered[req.Email] {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "user_exists"})
		return
	}
	fi.registered[req.Email] = true
	writeJSON(w, http.StatusCreated, map[string]any{"id": testSubject, "needs_verification": fi.needsVerify})
}

func (fi *fakeIssuer) handleRevoke(w http.ResponseWriter, r *http.Request) {
	require.NoError(fi.t, r.ParseForm())
	fi.mu.Lock()
	fi.revoked = append(fi.revoked, r.Form.Get("token"))
	fi.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func (fi *fakeIssuer) handleDiscovery(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"issuer":                                fi.issuer(),
		"authorization_endpoint":                fi.issuer() + "/authorize",
		"token_endpoint":                        fi.issuer() + "/token",
		"jwks_uri":                              fi.issuer() + "/jwks",
		"revocation_endpoint":                   fi.issuer() + "/revoke",
		"id_token_signing_alg_values_supported": []string{"RS256"},
	})
}

func (fi *fakeIssuer) provider(t *testing.T, options ...oidcclient.ProviderOption) *oidcclient.Provider {
	t.Helper()
	oauthCfg := &oauth2.Config{
		ClientID:     testClientID,
		ClientSecret: testClientSecret,
		RedirectURL:  "http://127.0.0.1:8085/callback",
		Scopes:       []string{oidc.ScopeOpenID, "email"},
		Endpoint: oauth2.Endpoint{
			AuthURL:   fi.issuer() + "/authorize",
			TokenURL:  fi.issuer() + "/token",
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
	verifier := oidc.NewVerifier(fi.issuer(), &oidc.StaticKeySet{PublicKeys: []crypto.PublicKey{&fi.key.PublicKey}}, &oidc.Config{ClientID: testClientID})
	options = append([]oidcclient.ProviderOption{
		oidcclient.WithRegistrationURL(fi.issuer() + "/register"),
		oidcclient.WithRevocationURL(fi.issuer() + "/revoke"),
		oidcclient.WithIssuerURL(fi.issuer()),
	}, options...)
	p, err := oidcclient.NewWithVerifier(oauthCfg, verifier, options...)
	require.NoError(t, err)
	return p
}

// startFlow runs AuthCodeURL and records the challenge and nonce the
// issuer will see, returning the state.
func (fi *fakeIssuer) startFlow(t *testing.T, p *oidcclient.Provider) string {
	t.Helper()
	authURL, err := p.AuthCodeURL("/dashboard")
	require.NoError(t, err)
	u, err := url.Parse(authURL)
	require.NoError(t, err)
	q := u.Query()
	require.Equal(t, "S256", q.Get("code_challenge_method"))

	fi.mu.Lock()
	fi.codeChallenge = q.Get("code_challenge")
	fi.nonce = q.Get("nonce")
	fi.mu.Unlock()
	return q.Get("state")
}

func TestExchangeCodeForSession(t *testing.T) {
	fi := newFakeIssuer(t)
	p := fi.provider(t)

	var events []identity.Event
	p.OnAuthStateChange(func(ev identity.Event) { events = append(events, ev) })

	state := fi.startFlow(t, p)
	require.Equal(t, "/dashboard", p.ReturnURLFor(state))

	s, err := p.ExchangeCodeForSession(context.Background(), "http://127.0.0.1:8085/callback?code=good-code&state="+state)
	require.NoError(t, err)
	require.Equal(t, testSubject, s.Identity.ID)
	require.Equal(t, testEmail, s.Identity.Email)
	require.Equal(t, "Ada Lovelace", s.Identity.Name())
	require.Len(t, events, 1)
	require.Equal(t, identity.EventSignedIn, events[0].Kind)

	restored, err := p.GetSession(context.Background())
	require.NoError(t, err)
	require.Equal(t, s.ID, restored.ID)
}

func TestExchangeWithUnknownStateIsFlowStateError(t *testing.T) {
	fi := newFakeIssuer(t)
	p := fi.provider(t)

	_, err := p.ExchangeCodeForSession(context.Background(), "http://127.0.0.1:8085/callback?code=good-code&state=other-tab")
	require.ErrorIs(t, err, identity.ErrFlowStateNotFound)
}

func TestExchangeVerifierMismatch(t *testing.T) {
	fi := newFakeIssuer(t)
	p := fi.provider(t)
	state := fi.startFlow(t, p)

	fi.mu.Lock()
	fi.codeChallenge = "something-else"
	fi.mu.Unlock()

	_, err := p.ExchangeCodeForSession(context.Background(), "http://127.0.0.1:8085/callback?code=good-code&state="+state)
	require.ErrorIs(t, err, identity.ErrCodeVerifierMismatch)
}

func TestExchangeWithoutCode(t *testing.T) {
	fi := newFakeIssuer(t)
	p := fi.provider(t)
	_, err := p.ExchangeCodeForSession(context.Background(), "http://127.0.0.1:8085/callback?state=x")
	require.ErrorIs(t, err, identity.ErrMissingCode)
}

func TestPasswordSignIn(t *testing.T) {
	fi := newFakeIssuer(t)
	p := fi.provider(t)

	s, err := p.SignInWithPassword(context.Background(), testEmail, testPassword)
	require.NoError(t, err)
	require.Equal(t, testSubject, s.Identity.ID)

	_, err = p.SignInWithPassword(context.Background(), testEmail, "wrong")
	require.ErrorIs(t, err, identity.ErrInvalidCredentials)
}

func TestGetSessionRefreshesExpiredToken(t *testing.T) {
	fi := newFakeIssuer(t)
	now := time.Now()
	p := fi.provider(t, oidcclient.WithNowTime(func() time.Time { return now }))

	first, err := p.SignInWithPassword(context.Background(), testEmail, testPassword)
	require.NoError(t, err)

	var kinds []identity.EventKind
	p.OnAuthStateChange(func(ev identity.Event) { kinds = append(kinds, ev.Kind) })

	now = now.Add(2 * time.Hour)
	s, err := p.GetSession(context.Background())
	require.NoError(t, err)
	require.Equal(t, "access-refreshed", s.AccessToken)
	require.Equal(t, "refresh-1", s.RefreshToken)
	require.Equal(t, first.ID, s.ID)
	require.Equal(t, testSubject, s.Identity.ID)
	require.Equal(t, []identity.EventKind{identity.EventTokenRefreshed}, kinds)
}

func TestGetSessionDropsRevokedRefreshToken(t *testing.T) {
	fi := newFakeIssuer(t)
	now := time.Now()
	p := fi.provider(t, oidcclient.WithNowTime(func() time.Time { return now }))

	_, err := p.SignInWithPassword(context.Background(), testEmail, testPassword)
	require.NoError(t, err)

	fi.mu.Lock()
	fi.refreshFails = true
	fi.mu.Unlock()
	now = now.Add(2 * time.Hour)

	s, err := p.GetSession(context.Background())
	require.NoError(t, err)
	require.Nil(t, s)
}

func TestSignOutRevokesAndReportsNoSession(t *testing.T) {
	fi := newFakeIssuer(t)
	p := fi.provider(t)

	require.ErrorIs(t, p.SignOut(context.Background()), identity.ErrNoSession)

	_, err := p.SignInWithPassword(context.Background(), testEmail, testPassword)
	require.NoError(t, err)
	require.NoError(t, p.SignOut(context.Background()))

	fi.mu.Lock()
	require.Equal(t, []string{"refresh-1"}, fi.revoked)
	fi.mu.Unlock()

	s, err := p.GetSession(context.Background())
	require.NoError(t, err)
	require.Nil(t, s)
}

func TestSignUp(t *testing.T) {
	fi := newFakeIssuer(t)
	p := fi.provider(t)

	res, err := p.SignUp(context.Background(), testEmail, testPassword, map[string]any{"name": "Ada"})
	require.NoError(t, err)
	require.False(t, res.NeedsVerification)
	require.NotNil(t, res.Session)

	_, err = p.SignUp(context.Background(), testEmail, testPassword, nil)
	require.ErrorIs(t, err, identity.ErrUserExists)

	fi.mu.Lock()
	fi.needsVerify = true
	fi.mu.Unlock()
	res, err = p.SignUp(context.Background(), "grace@example.com", testPassword, nil)
	require.NoError(t, err)
	require.True(t, res.NeedsVerification)
	require.Nil(t, res.Session)
}

func TestNewUsesDiscovery(t *testing.T) {
	fi := newFakeIssuer(t)
	p, err := oidcclient.New(context.Background(), oidcclient.Config{
		IssuerURL: fi.issuer(),
		ClientID:  testClientID,
	})
	require.NoError(t, err)
	require.NoError(t, p.Ping(context.Background()))

	authURL, err := p.AuthCodeURL("")
	require.NoError(t, err)
	require.Contains(t, authURL, fi.issuer()+"/authorize")

	_, err = oidcclient.New(context.Background(), oidcclient.Config{ClientID: testClientID})
	require.Error(t, err)
}

func TestRedisTokenRepoRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	repo := oidcclient.NewRedisTokenRepo(rdb)
	ctx := context.Background()

	_, err := repo.Get(ctx, "default")
	require.ErrorIs(t, err, oidcclient.ErrSessionNotFound)

	stored := oidcclient.StoredSession{SessionID: "s1", Subject: "u1", AccessToken: "a", RefreshToken: "r", ExpiresAt: time.Now().Add(time.Hour).UTC().Truncate(time.Second)}
	require.NoError(t, repo.Upsert(ctx, "default", stored))

	got, err := repo.Get(ctx, "default")
	require.NoError(t, err)
	require.Equal(t, stored.Subject, got.Subject)
	require.True(t, stored.ExpiresAt.Equal(got.ExpiresAt))

	require.NoError(t, repo.Delete(ctx, "default"))
	_, err = repo.Get(ctx, "default")
	require.ErrorIs(t, err, oidcclient.ErrSessionNotFound)

	require.NoError(t, mr.Set("oidc_session:broken", "{not json"))
	_, err = repo.Get(ctx, "broken")
	require.ErrorIs(t, err, apperrors.ErrCorruptedRecord)

	require.ErrorIs(t, repo.Upsert(ctx, "", stored), apperrors.ErrInvalidKey)
}

func TestFlowRepoExpiresFlows(t *testing.T) {
	now := time.Now()
	repo := oidcclient.NewInMemoryFlowRepo().WithTTL(time.Minute).WithNowTime(func() time.Time { return now })

	require.NoError(t, repo.Upsert("s1", &oidcclient.FlowState{CodeVerifier: "v"}))
	flow, err := repo.Get("s1")
	require.NoError(t, err)
	require.Equal(t, "v", flow.CodeVerifier)

	now = now.Add(2 * time.Minute)
	_, err = repo.Get("s1")
	require.Error(t, err)

	require.NoError(t, repo.Upsert("s2", &oidcclient.FlowState{CodeVerifier: "w"}))
	require.Equal(t, 1, repo.Len())
}
