// Package identity describes what the session manager knows about an
// authenticated principal and the identity provider that vouches for it.
package identity

import (
	"strings"
	"time"
)

// Identity is the provider's view of a user. It only changes through
// provider actions (sign-in, user update).
type Identity struct {
	ID       string         `json:"id"`
	Email    string         `json:"email,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Name returns the display name carried in the provider metadata, if any.
func (i Identity) Name() string {
	for _, key := range []string{"name", "full_name", "display_name"} {
		if v, ok := i.Metadata[key].(string); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// Clone returns a deep enough copy that the caller can't mutate the
// metadata map held by a snapshot.
func (i Identity) Clone() Identity {
	c := i
	if i.Metadata != nil {
		c.Metadata = make(map[string]any, len(i.Metadata))
		for k, v := range i.Metadata {
			c.Metadata[k] = v
		}
	}
	return c
}

// Session is an opaque handle to provider-managed credentials. Consumers
// only ever compare Identity.ID; the token fields belong to the provider.
type Session struct {
	ID           string    `json:"id"`
	AccessToken  string    `json:"-"`
	RefreshToken string    `json:"-"`
	IDToken      string    `json:"-"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`
	Identity     Identity  `json:"identity"`
}

// EventKind names a push notification from the identity provider.
type EventKind string

const (
	EventInitialSession   EventKind = "INITIAL_SESSION"
	EventSignedIn         EventKind = "SIGNED_IN"
	EventSignedOut        EventKind = "SIGNED_OUT"
	EventTokenRefreshed   EventKind = "TOKEN_REFRESHED"
	EventUserUpdated      EventKind = "USER_UPDATED"
	EventPasswordRecovery EventKind = "PASSWORD_RECOVERY"
)

// Event is one entry in the provider's auth-state stream. Session is nil
// when the provider reports no active session.
type Event struct {
	Kind    EventKind
	Session *Session
}
