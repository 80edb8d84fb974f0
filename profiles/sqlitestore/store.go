// Package sqlitestore keeps durable profile records in a local SQLite file.
package sqlitestore

import (
	"context"
	"database/sql"
	"path/filepath"
	"strings"
	"time"

	"github.com/jrsteele09/go-auth-session/identity"
	"github.com/jrsteele09/go-auth-session/profiles"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS profiles (
	id           TEXT PRIMARY KEY,
	display_name TEXT NOT NULL,
	email        TEXT NOT NULL DEFAULT '',
	is_admin     INTEGER NOT NULL DEFAULT 0,
	status       TEXT NOT NULL DEFAULT 'active',
	avatar_url   TEXT,
	bio          TEXT,
	created_at   INTEGER NOT NULL,
	updated_at   INTEGER NOT NULL
);
`

const selectProfile = `
SELECT id, display_name, email, is_admin, status, avatar_url, bio, created_at, updated_at
FROM profiles
WHERE id = ?1;
`

const insertProfile = `
INSERT INTO profiles (id, display_name, email, is_admin, status, avatar_url, bio, created_at, updated_at)
VALUES (?1, ?2, ?3, ?4, ?5, ?6, ?7, ?8, ?9)
ON CONFLICT(id) DO NOTHING;
`

const upsertProfile = `
INSERT INTO profiles (id, display_name, email, is_admin, status, avatar_url, bio, created_at, updated_at)
VALUES (?1, ?2, ?3, ?4, ?5, ?6, ?7, ?8, ?9)
ON CONFLICT(id) DO UPDATE SET
	display_name = excluded.display_name,
	email        = excluded.email,
	is_admin     = excluded.is_admin,
	status       = excluded.status,
	avatar_url   = excluded.avatar_url,
	bio          = excluded.bio,
	updated_at   = excluded.updated_at;
`

var _ profiles.Store = (*Store)(nil)

// Store implements profiles.Store over SQLite.
type Store struct {
	db      *sql.DB
	nowTime func() time.Time
}

// StoreOption modifies a Store.
type StoreOption func(*Store)

// WithNowTime sets the clock used for created/updated timestamps.
func WithNowTime(nowFunc func() time.Time) StoreOption {
	return func(s *Store) {
		s.nowTime = nowFunc
	}
}

// Open opens (creating if needed) the profile database at path and applies
// the schema.
func Open(path string, options ...StoreOption) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("[sqlitestore.Open] storage path is required")
	}

	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "[sqlitestore.Open] open sqlite db")
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "[sqlitestore.Open] ping sqlite db")
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "[sqlitestore.Open] apply schema")
	}

	s := &Store{db: db, nowTime: time.Now}
	for _, opt := range options {
		opt(s)
	}
	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) FetchProfile(ctx context.Context, id identity.Identity) (*profiles.Profile, error) {
	if id.ID == "" {
		return nil, errors.New("[FetchProfile] identity id is required")
	}
	p, err := scanProfile(s.db.QueryRowContext(ctx, selectProfile, id.ID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "[FetchProfile] identity %s", id.ID)
	}
	return p, nil
}

// CreateProfile inserts a record derived from the identity. An existing
// record wins and is returned unchanged.
func (s *Store) CreateProfile(ctx context.Context, id identity.Identity) (*profiles.Profile, error) {
	if id.ID == "" {
		return nil, errors.New("[CreateProfile] identity id is required")
	}
	p := profiles.NewRecord(id, s.nowTime().UTC())
	if _, err := s.db.ExecContext(ctx, insertProfile, profileArgs(p)...); err != nil {
		return nil, errors.Wrapf(err, "[CreateProfile] identity %s", id.ID)
	}
	return s.FetchProfile(ctx, id)
}

// Upsert writes p, replacing every mutable column.
func (s *Store) Upsert(ctx context.Context, p *profiles.Profile) error {
	if p == nil || p.ID == "" {
		return errors.New("[Upsert] profile id is required")
	}
	c := p.Clone()
	now := s.nowTime().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	if _, err := s.db.ExecContext(ctx, upsertProfile, profileArgs(c)...); err != nil {
		return errors.Wrapf(err, "[Upsert] profile %s", p.ID)
	}
	return nil
}

func profileArgs(p *profiles.Profile) []any {
	return []any{
		p.ID,
		p.DisplayName,
		p.Email,
		boolToInt(p.IsAdmin),
		p.Status,
		nullString(p.AvatarURL),
		nullString(p.Bio),
		p.CreatedAt.UTC().UnixMilli(),
		p.UpdatedAt.UTC().UnixMilli(),
	}
}

func scanProfile(row *sql.Row) (*profiles.Profile, error) {
	var (
		p                    profiles.Profile
		isAdmin              int64
		avatar, bio          sql.NullString
		createdAt, updatedAt int64
	)
	if err := row.Scan(&p.ID, &p.DisplayName, &p.Email, &isAdmin, &p.Status, &avatar, &bio, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	p.IsAdmin = isAdmin != 0
	if avatar.Valid {
		p.AvatarURL = &avatar.String
	}
	if bio.Valid {
		p.Bio = &bio.String
	}
	p.CreatedAt = time.UnixMilli(createdAt).UTC()
	p.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	p.Provenance = profiles.ProvenanceEnriched
	return &p, nil
}

func nullString(v *string) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *v, Valid: true}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
