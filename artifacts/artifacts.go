// Package artifacts is the local key-value cache for data namespaced to a
// single identity (drafts, cached lists, UI preferences). The session
// manager only ever purges it.
package artifacts

import (
	"context"
	"time"

	apperrors "github.com/jrsteele09/go-auth-session/internal/errors"
)

// ErrNotFound is returned by Get for a missing or expired key.
var ErrNotFound = apperrors.ErrNotFound

// Purger removes everything cached for one identity.
type Purger interface {
	PurgeIdentity(ctx context.Context, identityID string) error
}

// Store is the full cache surface used by consumers of the session.
type Store interface {
	Purger
	Put(ctx context.Context, identityID, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, identityID, key string) ([]byte, error)
}

func validate(identityID, key string) error {
	if identityID == "" {
		return apperrors.Wrapf(apperrors.ErrInvalidKey, "identityID is required")
	}
	if key == "" {
		return apperrors.Wrapf(apperrors.ErrInvalidKey, "key is required")
	}
	return nil
}
