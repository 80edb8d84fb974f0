// Package oidcclient implements identity.Provider against an OpenID Connect
// issuer: authorization code with PKCE, password grant, refresh on restore
// and RFC 7009 revocation on sign-out.
package oidcclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/google/uuid"
	"github.com/jrsteele09/go-auth-session/identity"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
)

const (
	defaultSessionKey = "default"
	refreshLeeway     = 30 * time.Second
)

var (
	_ identity.Provider = (*Provider)(nil)
	_ identity.Pinger   = (*Provider)(nil)
)

// Config describes the relying party registration at the issuer.
type Config struct {
	IssuerURL       string
	ClientID        string
	ClientSecret    string
	RedirectURL     string
	Scopes          []string
	RegistrationURL string // optional; enables SignUp
	RevocationURL   string // optional; discovered when empty
}

// Provider talks to one OIDC issuer on behalf of a single local user.
type Provider struct {
	identity.Broadcaster

	oauth           *oauth2.Config
	verifier        *oidc.IDTokenVerifier
	issuerURL       string
	registrationURL string
	revocationURL   string
	flows           FlowRepo
	tokens          TokenRepo
	sessionKey      string
	httpClient      *http.Client
	nowTime         func() time.Time
	logger          zerolog.Logger
}

// ProviderOption modifies a Provider.
type ProviderOption func(*Provider)

func WithFlowRepo(repo FlowRepo) ProviderOption {
	return func(p *Provider) { p.flows = repo }
}

func WithTokenRepo(repo TokenRepo) ProviderOption {
	return func(p *Provider) { p.tokens = repo }
}

func WithHTTPClient(client *http.Client) ProviderOption {
	return func(p *Provider) { p.httpClient = client }
}

// WithNowTime sets the now time function (primarily for testing).
func WithNowTime(nowFunc func() time.Time) ProviderOption {
	return func(p *Provider) { p.nowTime = nowFunc }
}

// WithSessionKey selects which stored session this provider owns, so
// several local profiles can share one TokenRepo.
func WithSessionKey(key string) ProviderOption {
	return func(p *Provider) { p.sessionKey = key }
}

func WithRegistrationURL(u string) ProviderOption {
	return func(p *Provider) { p.registrationURL = u }
}

func WithRevocationURL(u string) ProviderOption {
	return func(p *Provider) { p.revocationURL = u }
}

func WithIssuerURL(u string) ProviderOption {
	return func(p *Provider) { p.issuerURL = u }
}

func WithLogger(logger zerolog.Logger) ProviderOption {
	return func(p *Provider) { p.logger = logger }
}

// New discovers the issuer's endpoints and builds a Provider.
func New(ctx context.Context, cfg Config, options ...ProviderOption) (*Provider, error) {
	if cfg.IssuerURL == "" {
		return nil, errors.New("[oidcclient.New] issuer URL is required")
	}
	if cfg.ClientID == "" {
		return nil, errors.New("[oidcclient.New] client ID is required")
	}

	p := newProvider(options...)
	op, err := oidc.NewProvider(oidc.ClientContext(ctx, p.httpClient), cfg.IssuerURL)
	if err != nil {
		return nil, errors.Wrap(err, "[oidcclient.New] discovery failed")
	}

	var extra struct {
		RevocationEndpoint string `json:"revocation_endpoint"`
	}
	if err := op.Claims(&extra); err != nil {
		return nil, errors.Wrap(err, "[oidcclient.New] parse discovery document")
	}

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{oidc.ScopeOpenID, "profile", "email"}
	}
	p.oauth = &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURL,
		Endpoint:     op.Endpoint(),
		Scopes:       scopes,
	}
	p.verifier = op.Verifier(&oidc.Config{ClientID: cfg.ClientID})
	p.issuerURL = cfg.IssuerURL
	if p.registrationURL == "" {
		p.registrationURL = cfg.RegistrationURL
	}
	if p.revocationURL == "" {
		p.revocationURL = cfg.RevocationURL
	}
	if p.revocationURL == "" {
		p.revocationURL = extra.RevocationEndpoint
	}
	return p, nil
}

// NewWithVerifier builds a Provider from an already configured OAuth2 client
// and ID token verifier, skipping discovery.
func NewWithVerifier(oauthCfg *oauth2.Config, verifier *oidc.IDTokenVerifier, options ...ProviderOption) (*Provider, error) {
	if oauthCfg == nil {
		return nil, errors.New("[oidcclient.NewWithVerifier] oauth2 config is required")
	}
	if verifier == nil {
		return nil, errors.New("[oidcclient.NewWithVerifier] verifier is required")
	}
	p := newProvider(options...)
	p.oauth = oauthCfg
	p.verifier = verifier
	return p, nil
}

func newProvider(options ...ProviderOption) *Provider {
	p := &Provider{
		flows:      NewInMemoryFlowRepo(),
		tokens:     NewInMemoryTokenRepo(),
		sessionKey: defaultSessionKey,
		httpClient: http.DefaultClient,
		nowTime:    time.Now,
		logger:     log.Logger.With().Str("component", "oidcclient").Logger(),
	}
	for _, opt := range options {
		opt(p)
	}
	return p
}

func (p *Provider) clientCtx(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
}

// AuthCodeURL starts an authorization-code flow and returns the URL to send
// the user to. returnURL is remembered for the callback.
func (p *Provider) AuthCodeURL(returnURL string) (string, error) {
	state := uuid.NewString()
	verifier := oauth2.GenerateVerifier()
	nonce := uuid.NewString()

	if err := p.flows.Upsert(state, &FlowState{
		CodeVerifier: verifier,
		Nonce:        nonce,
		ReturnURL:    returnURL,
		CreatedAt:    p.nowTime(),
	}); err != nil {
		return "", errors.Wrap(err, "[AuthCodeURL] store flow state")
	}

	return p.oauth.AuthCodeURL(
		state,
		oauth2.S256ChallengeOption(verifier),
		oidc.Nonce(nonce),
	), nil
}

// ReturnURLFor reports where the flow behind state wanted to land.
func (p *Provider) ReturnURLFor(state string) string {
	flow, err := p.flows.Get(state)
	if err != nil {
		return ""
	}
	return flow.ReturnURL
}

// ExchangeCodeForSession completes the redirect: it looks up the verifier
// for the state, exchanges the code and verifies the ID token.
func (p *Provider) ExchangeCodeForSession(ctx context.Context, rawURL string) (*identity.Session, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, errors.Wrap(err, "[ExchangeCodeForSession] parse redirect")
	}
	q := u.Query()
	code, state := q.Get("code"), q.Get("state")
	if code == "" {
		return nil, identity.ErrMissingCode
	}

	flow, err := p.flows.Get(state)
	if err != nil {
		// The verifier never reached this process: another tab, cleared
		// storage or an expired flow.
		return nil, errors.Wrapf(identity.ErrFlowStateNotFound, "state %q", state)
	}
	_ = p.flows.Delete(state)

	tok, err := p.oauth.Exchange(p.clientCtx(ctx), code, oauth2.VerifierOption(flow.CodeVerifier))
	if err != nil {
		return nil, classifyExchangeError(err)
	}

	stored, err := p.storedFromToken(ctx, tok, flow.Nonce, nil)
	if err != nil {
		return nil, err
	}
	return p.commit(ctx, stored, identity.EventSignedIn)
}

func (p *Provider) SignInWithPassword(ctx context.Context, email, password string) (*identity.Session, error) {
	tok, err := p.oauth.PasswordCredentialsToken(p.clientCtx(ctx), email, password)
	if err != nil {
		return nil, classifyPasswordError(err)
	}
	stored, err := p.storedFromToken(ctx, tok, "", nil)
	if err != nil {
		return nil, err
	}
	return p.commit(ctx, stored, identity.EventSignedIn)
}

// GetSession restores the stored session, refreshing it when the access
// token is about to expire. A revoked refresh token yields no session.
func (p *Provider) GetSession(ctx context.Context) (*identity.Session, error) {
	stored, err := p.tokens.Get(ctx, p.sessionKey)
	if errors.Is(err, ErrSessionNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "[GetSession] load stored session")
	}

	if stored.ExpiresAt.IsZero() || p.nowTime().Add(refreshLeeway).Before(stored.ExpiresAt) {
		return stored.Session(), nil
	}
	if stored.RefreshToken == "" {
		_ = p.tokens.Delete(ctx, p.sessionKey)
		return nil, nil
	}

	ts := p.oauth.TokenSource(p.clientCtx(ctx), &oauth2.Token{
		RefreshToken: stored.RefreshToken,
		Expiry:       p.nowTime().Add(-time.Second),
	})
	tok, err := ts.Token()
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.ErrorCode == "invalid_grant" {
			_ = p.tokens.Delete(ctx, p.sessionKey)
			return nil, nil
		}
		return nil, errors.Wrap(err, "[GetSession] refresh")
	}

	refreshed, err := p.storedFromToken(ctx, tok, "", &stored)
	if err != nil {
		return nil, err
	}
	return p.commit(ctx, refreshed, identity.EventTokenRefreshed)
}

type signUpRequest struct {
	Email    string         `json:"email"`
	Password string         `json:"password"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type signUpResponse struct {
	ID                string `json:"id"`
	NeedsVerification bool   `json:"needs_verification"`
	Error             string `json:"error,omitempty"`
}

// SignUp registers against the issuer's registration endpoint. Accounts
// that don't need verification are signed in straight away.
func (p *Provider) SignUp(ctx context.Context, email, password string, metadata map[string]any) (identity.SignUpResult, error) {
	if p.registrationURL == "" {
		return identity.SignUpResult{}, errors.New("[SignUp] registration endpoint not configured")
	}

	body, err := json.Marshal(signUpRequest{Email: email, Password: password, Metadata: metadata})
	if err != nil {
		return identity.SignUpResult{}, errors.Wrap(err, "[SignUp] encode request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.registrationURL, bytes.NewReader(body))
	if err != nil {
		return identity.SignUpResult{}, errors.Wrap(err, "[SignUp] build request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(url.QueryEscape(p.oauth.ClientID), url.QueryEscape(p.oauth.ClientSecret))

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return identity.SignUpResult{}, errors.Wrap(err, "[SignUp] request failed")
	}
	defer resp.Body.Close()

	var out signUpResponse
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	_ = json.Unmarshal(raw, &out)

	switch {
	case resp.StatusCode == http.StatusConflict:
		return identity.SignUpResult{}, identity.ErrUserExists
	case resp.StatusCode == http.StatusUnprocessableEntity || out.Error == "weak_password":
		return identity.SignUpResult{}, identity.ErrWeakPassword
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return identity.SignUpResult{}, fmt.Errorf("[SignUp] unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	if out.NeedsVerification {
		return identity.SignUpResult{NeedsVerification: true}, nil
	}
	s, err := p.SignInWithPassword(ctx, email, password)
	if err != nil {
		return identity.SignUpResult{}, err
	}
	return identity.SignUpResult{Session: s}, nil
}

// SignOut revokes the refresh token (best effort) and forgets the stored
// session. It returns identity.ErrNoSession when nothing was stored.
func (p *Provider) SignOut(ctx context.Context) error {
	stored, err := p.tokens.Get(ctx, p.sessionKey)
	if errors.Is(err, ErrSessionNotFound) {
		return identity.ErrNoSession
	}
	if err != nil {
		return errors.Wrap(err, "[SignOut] load stored session")
	}

	token, hint := stored.RefreshToken, "refresh_token"
	if token == "" {
		token, hint = stored.AccessToken, "access_token"
	}
	if err := p.revoke(ctx, token, hint); err != nil {
		p.logger.Warn().Err(err).Str("token_type", hint).Msg("Failed to revoke token")
	}

	if err := p.tokens.Delete(ctx, p.sessionKey); err != nil {
		return errors.Wrap(err, "[SignOut] delete stored session")
	}
	p.Emit(identity.Event{Kind: identity.EventSignedOut})
	return nil
}

// Ping fetches the discovery document as a connectivity check.
func (p *Provider) Ping(ctx context.Context) error {
	if p.issuerURL == "" {
		return nil
	}
	wellKnown := strings.TrimSuffix(p.issuerURL, "/") + "/.well-known/openid-configuration"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, wellKnown, nil)
	if err != nil {
		return errors.Wrap(err, "[Ping] build request")
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "[Ping] request failed")
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("[Ping] unexpected status %d", resp.StatusCode)
	}
	return nil
}

func (p *Provider) revoke(ctx context.Context, token, hint string) error {
	if p.revocationURL == "" || token == "" {
		return nil
	}
	form := url.Values{"token": {token}, "token_type_hint": {hint}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.revocationURL, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(url.QueryEscape(p.oauth.ClientID), url.QueryEscape(p.oauth.ClientSecret))

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("revocation endpoint returned %d", resp.StatusCode)
	}
	return nil
}

// storedFromToken verifies the ID token (when present) and builds the record
// to persist. previous supplies the identity for refresh responses that
// carry no ID token.
func (p *Provider) storedFromToken(ctx context.Context, tok *oauth2.Token, expectedNonce string, previous *StoredSession) (StoredSession, error) {
	stored := StoredSession{
		SessionID:    uuid.NewString(),
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
		CreatedAt:    p.nowTime(),
	}
	if previous != nil {
		stored.SessionID = previous.SessionID
		stored.CreatedAt = previous.CreatedAt
		stored.Subject = previous.Subject
		stored.Email = previous.Email
		stored.Metadata = previous.Metadata
		stored.IDToken = previous.IDToken
		if stored.RefreshToken == "" {
			stored.RefreshToken = previous.RefreshToken
		}
	}

	rawIDToken, _ := tok.Extra("id_token").(string)
	if rawIDToken == "" {
		if previous == nil {
			return StoredSession{}, identity.ErrMissingIDToken
		}
		return stored, nil
	}

	idToken, err := p.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return StoredSession{}, errors.Wrap(err, "id token verification failed")
	}
	if expectedNonce != "" && idToken.Nonce != expectedNonce {
		return StoredSession{}, identity.ErrNonceMismatch
	}

	var claims map[string]any
	if err := idToken.Claims(&claims); err != nil {
		return StoredSession{}, errors.Wrap(err, "failed to extract claims")
	}
	if previous != nil && previous.Subject != "" && previous.Subject != idToken.Subject {
		return StoredSession{}, fmt.Errorf("refreshed id token subject %q does not match stored subject", idToken.Subject)
	}

	stored.Subject = idToken.Subject
	stored.IDToken = rawIDToken
	stored.Email, _ = claims["email"].(string)
	stored.Metadata = metadataFromClaims(claims)
	return stored, nil
}

func (p *Provider) commit(ctx context.Context, stored StoredSession, kind identity.EventKind) (*identity.Session, error) {
	if err := p.tokens.Upsert(ctx, p.sessionKey, stored); err != nil {
		return nil, errors.Wrap(err, "failed to persist session")
	}
	s := stored.Session()
	p.Emit(identity.Event{Kind: kind, Session: stored.Session()})
	return s, nil
}

var metadataClaims = map[string]string{
	"name":               "name",
	"given_name":         "given_name",
	"family_name":        "family_name",
	"preferred_username": "preferred_username",
	"picture":            "avatar_url",
	"email_verified":     "email_verified",
}

func metadataFromClaims(claims map[string]any) map[string]any {
	md := make(map[string]any)
	for claim, key := range metadataClaims {
		if v, ok := claims[claim]; ok {
			md[key] = v
		}
	}
	if len(md) == 0 {
		return nil
	}
	return md
}

func classifyExchangeError(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		if identity.IsRedirectProtocolMessage(re.ErrorDescription) {
			return fmt.Errorf("%w: %s", identity.ErrCodeVerifierMismatch, re.ErrorDescription)
		}
	}
	return errors.Wrap(err, "token exchange failed")
}

func classifyPasswordError(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		desc := strings.ToLower(re.ErrorDescription)
		switch {
		case strings.Contains(desc, "not confirmed") || strings.Contains(desc, "not verified"):
			return fmt.Errorf("%w: %s", identity.ErrEmailNotConfirmed, re.ErrorDescription)
		case re.ErrorCode == "invalid_grant":
			return fmt.Errorf("%w: %s", identity.ErrInvalidCredentials, re.ErrorDescription)
		}
	}
	return errors.Wrap(err, "password grant failed")
}
