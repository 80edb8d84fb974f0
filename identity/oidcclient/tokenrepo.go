package oidcclient

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jrsteele09/go-auth-session/identity"
)

// ErrSessionNotFound is returned by a TokenRepo when nothing is stored.
var ErrSessionNotFound = errors.New("stored session not found")

// StoredSession is the persisted form of a provider session.
type StoredSession struct {
	SessionID string `json:"session_id"`

	// Core identity
	Subject  string         `json:"sub"`
	Email    string         `json:"email,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`

	// Tokens (refresh is essential, access is convenience)
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`

	// Session management
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

// Session converts the stored record into the provider-neutral handle.
func (s StoredSession) Session() *identity.Session {
	return &identity.Session{
		ID:           s.SessionID,
		AccessToken:  s.AccessToken,
		RefreshToken: s.RefreshToken,
		IDToken:      s.IDToken,
		ExpiresAt:    s.ExpiresAt,
		Identity: identity.Identity{
			ID:       s.Subject,
			Email:    s.Email,
			Metadata: s.Metadata,
		},
	}
}

// TokenRepo persists the provider session so it can be restored later.
type TokenRepo interface {
	Upsert(ctx context.Context, key string, session StoredSession) error
	Get(ctx context.Context, key string) (StoredSession, error)
	Delete(ctx context.Context, key string) error
}

// InMemoryTokenRepo lives as long as the process.
type InMemoryTokenRepo struct {
	mu       sync.RWMutex
	sessions map[string]StoredSession
}

func NewInMemoryTokenRepo() *InMemoryTokenRepo {
	return &InMemoryTokenRepo{
		sessions: make(map[string]StoredSession),
	}
}

func (r *InMemoryTokenRepo) Upsert(_ context.Context, key string, session StoredSession) error {
	if key == "" {
		return errors.New("key is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[key] = session
	return nil
}

func (r *InMemoryTokenRepo) Get(_ context.Context, key string) (StoredSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[key]
	if !ok {
		return StoredSession{}, ErrSessionNotFound
	}
	return s, nil
}

func (r *InMemoryTokenRepo) Delete(_ context.Context, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, key)
	return nil
}
