// Package profiles holds the durable user profile that the session manager
// shows alongside an identity.
package profiles

import (
	"context"
	"strings"
	"time"

	"github.com/jrsteele09/go-auth-session/identity"
	"github.com/jrsteele09/go-auth-session/internal/utils"
)

// Provenance records where a profile came from.
type Provenance string

const (
	ProvenanceFallback Provenance = "fallback" // synthesized from identity metadata
	ProvenanceEnriched Provenance = "enriched" // fetched from the profile store
)

// StatusActive is the status given to every synthesized profile.
const StatusActive = "active"

// defaultDisplayName is used when neither metadata nor email yields a name.
const defaultDisplayName = "User"

type Profile struct {
	ID          string     `json:"id"`                   // Same as the identity ID
	DisplayName string     `json:"display_name"`         // Name shown in the UI
	Email       string     `json:"email,omitempty"`      // Contact email
	IsAdmin     bool       `json:"is_admin"`             // Grants admin surfaces
	Status      string     `json:"status"`               // Account status, e.g. "active"
	AvatarURL   *string    `json:"avatar_url,omitempty"` // Optional avatar
	Bio         *string    `json:"bio,omitempty"`        // Optional biography
	Provenance  Provenance `json:"provenance"`           // Fallback or enriched
	CreatedAt   time.Time  `json:"created_at,omitempty"` // Set by the profile store
	UpdatedAt   time.Time  `json:"updated_at,omitempty"` // Set by the profile store
}

// Store is the durable profile backend.
type Store interface {
	// FetchProfile returns nil, nil when no record exists for the identity.
	FetchProfile(ctx context.Context, id identity.Identity) (*Profile, error)
	CreateProfile(ctx context.Context, id identity.Identity) (*Profile, error)
}

// Fallback synthesizes a profile from identity data alone. It is
// deterministic, so repeated calls for the same identity are equal.
func Fallback(id identity.Identity) *Profile {
	return &Profile{
		ID:          id.ID,
		DisplayName: DisplayNameFor(id),
		Email:       id.Email,
		IsAdmin:     false,
		Status:      StatusActive,
		Provenance:  ProvenanceFallback,
	}
}

// DisplayNameFor picks the metadata name, then the email local-part, then
// "User".
func DisplayNameFor(id identity.Identity) string {
	if name := id.Name(); name != "" {
		return name
	}
	if local, _, ok := strings.Cut(id.Email, "@"); ok && strings.TrimSpace(local) != "" {
		return strings.TrimSpace(local)
	}
	return defaultDisplayName
}

// IsEnriched reports whether the profile came from the profile store.
func (p *Profile) IsEnriched() bool {
	return p != nil && p.Provenance == ProvenanceEnriched
}

// Clone copies the profile including its optional fields.
func (p *Profile) Clone() *Profile {
	if p == nil {
		return nil
	}
	c := *p
	c.AvatarURL = utils.Clone(p.AvatarURL)
	c.Bio = utils.Clone(p.Bio)
	return &c
}

// NewRecord builds the profile a store creates for a first-time identity.
func NewRecord(id identity.Identity, now time.Time) *Profile {
	p := Fallback(id)
	p.Provenance = ProvenanceEnriched
	p.CreatedAt = now
	p.UpdatedAt = now
	if avatar, ok := id.Metadata["avatar_url"].(string); ok {
		p.AvatarURL = utils.NilIfBlank(avatar)
	}
	return p
}
