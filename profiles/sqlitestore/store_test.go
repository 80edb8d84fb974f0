package sqlitestore_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/jrsteele09/go-auth-session/identity"
	"github.com/jrsteele09/go-auth-session/internal/utils"
	"github.com/jrsteele09/go-auth-session/profiles"
	"github.com/jrsteele09/go-auth-session/profiles/sqlitestore"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)

func openStore(t *testing.T) *sqlitestore.Store {
	t.Helper()
	s, err := sqlitestore.Open(filepath.Join(t.TempDir(), "profiles.db"), sqlitestore.WithNowTime(func() time.Time { return fixedNow }))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := sqlitestore.Open("  ")
	require.Error(t, err)
}

func TestFetchMissingReturnsNil(t *testing.T) {
	s := openStore(t)
	p, err := s.FetchProfile(context.Background(), identity.Identity{ID: "nobody"})
	require.NoError(t, err)
	require.Nil(t, p)
}

func TestCreateThenFetch(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	id := identity.Identity{ID: "u1", Email: "ada@example.com", Metadata: map[string]any{"name": "Ada"}}

	created, err := s.CreateProfile(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "u1", created.ID)
	require.Equal(t, "Ada", created.DisplayName)
	require.True(t, created.IsEnriched())
	require.Equal(t, fixedNow, created.CreatedAt)

	fetched, err := s.FetchProfile(ctx, id)
	require.NoError(t, err)
	require.Equal(t, created, fetched)
}

func TestCreateKeepsExistingRecord(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, &profiles.Profile{
		ID:          "u1",
		DisplayName: "Admin Ada",
		IsAdmin:     true,
		Status:      "active",
		Bio:         utils.Ptr("first programmer"),
	}))

	p, err := s.CreateProfile(ctx, identity.Identity{ID: "u1", Email: "ada@example.com"})
	require.NoError(t, err)
	require.Equal(t, "Admin Ada", p.DisplayName)
	require.True(t, p.IsAdmin)
	require.Equal(t, "first programmer", utils.Value(p.Bio))
	require.Nil(t, p.AvatarURL)
}
