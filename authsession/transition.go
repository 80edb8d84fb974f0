package authsession

import (
	"github.com/jrsteele09/go-auth-session/identity"
	"github.com/jrsteele09/go-auth-session/profiles"
)

// TransitionKind classifies how an incoming session changed the state.
type TransitionKind string

const (
	TransitionClear   TransitionKind = "clear"
	TransitionRefresh TransitionKind = "refresh"
	TransitionSwitch  TransitionKind = "switch"
)

// Transition is the result of Apply. Steps are committed in order, each one
// as a separate observable snapshot.
type Transition struct {
	Kind  TransitionKind
	Event identity.EventKind
	Steps []State
	// PreviousIdentityID is the identity that stopped being current, or ""
	// when the identity did not change.
	PreviousIdentityID string
}

// Final returns the state after the last step.
func (t Transition) Final() State {
	return t.Steps[len(t.Steps)-1]
}

// Apply maps the current snapshot and an incoming session onto the steps
// that bring the state up to date. It is pure.
//
//   - nil incoming (or one without an identity id) clears the state.
//   - an incoming session for the current identity only replaces the
//     session, leaving the profile untouched.
//   - any other identity goes through a clear step and then an adopt step
//     carrying a fallback profile.
func Apply(current State, incoming *identity.Session, kind identity.EventKind) Transition {
	if incoming == nil || incoming.Identity.ID == "" {
		return Transition{
			Kind:               TransitionClear,
			Event:              kind,
			Steps:              []State{current.cleared().normalize()},
			PreviousIdentityID: current.IdentityID(),
		}
	}

	session := *incoming
	session.Identity = incoming.Identity.Clone()

	if current.Identity != nil && current.Identity.ID == session.Identity.ID {
		next := current
		next.Session = &session
		next.IsLoading = false
		next.Initialized = true
		if kind == identity.EventUserUpdated {
			id := session.Identity.Clone()
			next.Identity = &id
		}
		if next.Profile == nil {
			next.Profile = profiles.Fallback(*next.Identity)
		}
		return Transition{
			Kind:  TransitionRefresh,
			Event: kind,
			Steps: []State{next.normalize()},
		}
	}

	clearStep := State{
		IsLoading:   current.IsLoading,
		InitError:   current.InitError,
		Initialized: current.Initialized,
	}

	id := session.Identity.Clone()
	adoptStep := State{
		Identity:    &id,
		Session:     &session,
		Profile:     profiles.Fallback(id),
		IsLoading:   false,
		Initialized: true,
	}

	return Transition{
		Kind:               TransitionSwitch,
		Event:              kind,
		Steps:              []State{clearStep.normalize(), adoptStep.normalize()},
		PreviousIdentityID: current.IdentityID(),
	}
}
