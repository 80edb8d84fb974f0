package authsession

import (
	"github.com/jrsteele09/go-auth-session/identity"
	"github.com/jrsteele09/go-auth-session/profiles"
)

// State is one consumer-visible snapshot of the session.
type State struct {
	Identity        *identity.Identity
	Profile         *profiles.Profile
	Session         *identity.Session
	IsLoading       bool
	IsAuthenticated bool
	IsAdmin         bool
	InitError       error
	// Initialized is set once the first terminal result (or the startup
	// watchdog) has resolved the session.
	Initialized bool
}

// IdentityID returns the current identity's id, or "" when signed out.
func (s State) IdentityID() string {
	if s.Identity == nil {
		return ""
	}
	return s.Identity.ID
}

// normalize recomputes the derived fields.
func (s State) normalize() State {
	s.IsAuthenticated = s.Identity != nil && s.Session != nil
	s.IsAdmin = s.Profile != nil && s.Profile.IsAdmin
	return s
}

// cleared drops everything identity-scoped. InitError survives so a failed
// login can still be rendered after the state resets.
func (s State) cleared() State {
	return State{
		InitError:   s.InitError,
		Initialized: true,
	}
}

// clone detaches the snapshot from the pointers held by the store.
func (s State) clone() State {
	c := s
	if s.Identity != nil {
		id := s.Identity.Clone()
		c.Identity = &id
	}
	if s.Session != nil {
		sess := *s.Session
		sess.Identity = s.Session.Identity.Clone()
		c.Session = &sess
	}
	c.Profile = s.Profile.Clone()
	return c
}

// WithLoading returns a copy of s with IsLoading set.
func (s State) WithLoading(loading bool) State {
	s.IsLoading = loading
	return s
}
