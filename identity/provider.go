package identity

import "context"

// Credentials are the email/password pair used by password sign-in and
// registration.
type Credentials struct {
	Email    string
	Password string
}

// SignUpResult reports the outcome of a registration. When the provider
// requires email verification no session is established.
type SignUpResult struct {
	NeedsVerification bool
	Session           *Session
}

// Provider is the identity provider as seen by the session manager.
type Provider interface {
	// GetSession returns the current or restorable session, or nil when
	// there is none.
	GetSession(ctx context.Context) (*Session, error)

	// ExchangeCodeForSession completes an authorization-code redirect.
	// rawURL is the full redirect URL including code and state.
	ExchangeCodeForSession(ctx context.Context, rawURL string) (*Session, error)

	SignInWithPassword(ctx context.Context, email, password string) (*Session, error)
	SignUp(ctx context.Context, email, password string, metadata map[string]any) (SignUpResult, error)

	// SignOut ends the provider session. It returns ErrNoSession when
	// there was nothing to end.
	SignOut(ctx context.Context) error

	// OnAuthStateChange registers cb for every auth-state event and
	// returns the function that removes it.
	OnAuthStateChange(cb func(Event)) (unsubscribe func())
}

// Pinger is implemented by providers that expose a cheap reachability
// check.
type Pinger interface {
	Ping(ctx context.Context) error
}
