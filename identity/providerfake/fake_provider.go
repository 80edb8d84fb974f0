// Package providerfake is an in-memory identity provider for tests and for
// running the daemon without an OIDC issuer.
package providerfake

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jrsteele09/go-auth-session/identity"
	"github.com/pkg/errors"
	"golang.org/x/crypto/bcrypt"
)

var (
	_ identity.Provider = (*FakeProvider)(nil)
	_ identity.Pinger   = (*FakeProvider)(nil)
)

type account struct {
	identity     identity.Identity
	passwordHash string
	verified     bool
}

// FakeProvider keeps accounts and the current session in memory. The Func
// fields override the default behavior of the matching method.
type FakeProvider struct {
	identity.Broadcaster

	lock     sync.Mutex
	accounts map[string]*account // email -> account
	codes    map[string]string   // auth code -> email
	current  *identity.Session
	calls    map[string]int

	// RequireVerification makes SignUp withhold the session until the
	// account is verified.
	RequireVerification bool
	// BcryptCost defaults to bcrypt.MinCost to keep tests fast.
	BcryptCost int
	SessionTTL time.Duration

	GetSessionFunc func(ctx context.Context) (*identity.Session, error)
	ExchangeFunc   func(ctx context.Context, rawURL string) (*identity.Session, error)
	SignInFunc     func(ctx context.Context, email, password string) (*identity.Session, error)
	SignOutFunc    func(ctx context.Context) error
	PingFunc       func(ctx context.Context) error
}

func NewFakeProvider() *FakeProvider {
	return &FakeProvider{
		accounts:   make(map[string]*account),
		codes:      make(map[string]string),
		calls:      make(map[string]int),
		BcryptCost: bcrypt.MinCost,
		SessionTTL: time.Hour,
	}
}

// AddUser registers a verified account and returns its identity.
func (p *FakeProvider) AddUser(email, password string, metadata map[string]any) (identity.Identity, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), p.BcryptCost)
	if err != nil {
		return identity.Identity{}, errors.Wrap(err, "[AddUser] hash password")
	}
	p.lock.Lock()
	defer p.lock.Unlock()
	acct := &account{
		identity:     identity.Identity{ID: uuid.NewString(), Email: normalizeEmail(email), Metadata: metadata},
		passwordHash: string(hash),
		verified:     true,
	}
	p.accounts[acct.identity.Email] = acct
	return acct.identity.Clone(), nil
}

// IssueCode returns a one-time authorization code for email, as the
// provider would append to a redirect.
func (p *FakeProvider) IssueCode(email string) string {
	p.lock.Lock()
	defer p.lock.Unlock()
	code := uuid.NewString()
	p.codes[code] = normalizeEmail(email)
	return code
}

// SetCurrent replaces the stored session without emitting an event.
func (p *FakeProvider) SetCurrent(s *identity.Session) {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.current = s
}

// NewSession builds a session for id without storing it.
func (p *FakeProvider) NewSession(id identity.Identity) *identity.Session {
	return &identity.Session{
		ID:           uuid.NewString(),
		AccessToken:  uuid.NewString(),
		RefreshToken: uuid.NewString(),
		ExpiresAt:    time.Now().Add(p.SessionTTL),
		Identity:     id.Clone(),
	}
}

// Calls returns how many times the named method has been invoked.
func (p *FakeProvider) Calls(method string) int {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.calls[method]
}

func (p *FakeProvider) record(method string) {
	p.lock.Lock()
	p.calls[method]++
	p.lock.Unlock()
}

func (p *FakeProvider) GetSession(ctx context.Context) (*identity.Session, error) {
	p.record("GetSession")
	if p.GetSessionFunc != nil {
		return p.GetSessionFunc(ctx)
	}
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.current == nil {
		return nil, nil
	}
	c := *p.current
	return &c, nil
}

func (p *FakeProvider) ExchangeCodeForSession(ctx context.Context, rawURL string) (*identity.Session, error) {
	p.record("ExchangeCodeForSession")
	if p.ExchangeFunc != nil {
		return p.ExchangeFunc(ctx, rawURL)
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, errors.Wrap(err, "[ExchangeCodeForSession] parse redirect")
	}
	code := u.Query().Get("code")
	if code == "" {
		return nil, identity.ErrMissingCode
	}

	p.lock.Lock()
	email, ok := p.codes[code]
	delete(p.codes, code)
	acct := p.accounts[email]
	p.lock.Unlock()
	if !ok || acct == nil {
		return nil, identity.ErrFlowStateNotFound
	}
	return p.establish(acct.identity), nil
}

func (p *FakeProvider) SignInWithPassword(ctx context.Context, email, password string) (*identity.Session, error) {
	p.record("SignInWithPassword")
	if p.SignInFunc != nil {
		return p.SignInFunc(ctx, email, password)
	}
	p.lock.Lock()
	acct := p.accounts[normalizeEmail(email)]
	p.lock.Unlock()
	if acct == nil || bcrypt.CompareHashAndPassword([]byte(acct.passwordHash), []byte(password)) != nil {
		return nil, identity.ErrInvalidCredentials
	}
	if !acct.verified {
		return nil, identity.ErrEmailNotConfirmed
	}
	return p.establish(acct.identity), nil
}

func (p *FakeProvider) SignUp(_ context.Context, email, password string, metadata map[string]any) (identity.SignUpResult, error) {
	p.record("SignUp")
	email = normalizeEmail(email)
	if email == "" || !strings.Contains(email, "@") {
		return identity.SignUpResult{}, errors.New("[SignUp] a valid email is required")
	}
	if len(password) < 8 {
		return identity.SignUpResult{}, identity.ErrWeakPassword
	}

	p.lock.Lock()
	if _, exists := p.accounts[email]; exists {
		p.lock.Unlock()
		return identity.SignUpResult{}, identity.ErrUserExists
	}
	p.lock.Unlock()

	id, err := p.AddUser(email, password, metadata)
	if err != nil {
		return identity.SignUpResult{}, err
	}
	if p.RequireVerification {
		p.lock.Lock()
		p.accounts[email].verified = false
		p.lock.Unlock()
		return identity.SignUpResult{NeedsVerification: true}, nil
	}
	return identity.SignUpResult{Session: p.establish(id)}, nil
}

// Verify marks a pending registration as confirmed.
func (p *FakeProvider) Verify(email string) {
	p.lock.Lock()
	defer p.lock.Unlock()
	if acct, ok := p.accounts[normalizeEmail(email)]; ok {
		acct.verified = true
	}
}

func (p *FakeProvider) SignOut(ctx context.Context) error {
	p.record("SignOut")
	if p.SignOutFunc != nil {
		return p.SignOutFunc(ctx)
	}
	p.lock.Lock()
	had := p.current != nil
	p.current = nil
	p.lock.Unlock()
	if !had {
		return identity.ErrNoSession
	}
	p.Emit(identity.Event{Kind: identity.EventSignedOut})
	return nil
}

func (p *FakeProvider) Ping(ctx context.Context) error {
	p.record("Ping")
	if p.PingFunc != nil {
		return p.PingFunc(ctx)
	}
	return nil
}

func (p *FakeProvider) establish(id identity.Identity) *identity.Session {
	s := p.NewSession(id)
	p.lock.Lock()
	p.current = s
	p.lock.Unlock()
	c := *s
	p.Emit(identity.Event{Kind: identity.EventSignedIn, Session: &c})
	return s
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
