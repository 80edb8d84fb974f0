package oidcclient

import (
	"context"
	"encoding/json"

	apperrors "github.com/jrsteele09/go-auth-session/internal/errors"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// RedisTokenRepo keeps the provider session in Redis so it survives a
// process restart.
type RedisTokenRepo struct {
	client redis.UniversalClient
	prefix string
}

var _ TokenRepo = (*RedisTokenRepo)(nil)

func NewRedisTokenRepo(client redis.UniversalClient) *RedisTokenRepo {
	return &RedisTokenRepo{
		client: client,
		prefix: "oidc_session:",
	}
}

func (r *RedisTokenRepo) key(key string) string {
	return r.prefix + key
}

func (r *RedisTokenRepo) Upsert(ctx context.Context, key string, session StoredSession) error {
	if key == "" {
		return apperrors.Wrapf(apperrors.ErrInvalidKey, "oidc session: key is required")
	}
	data, err := json.Marshal(session)
	if err != nil {
		return errors.Wrap(err, "oidc session: marshal")
	}
	// No TTL: an expired access token is still worth restoring while the
	// refresh token is valid.
	return r.client.Set(ctx, r.key(key), data, 0).Err()
}

func (r *RedisTokenRepo) Get(ctx context.Context, key string) (StoredSession, error) {
	val, err := r.client.Get(ctx, r.key(key)).Bytes()
	if err == redis.Nil {
		return StoredSession{}, ErrSessionNotFound
	}
	if err != nil {
		return StoredSession{}, errors.Wrap(err, "oidc session: get")
	}
	var s StoredSession
	if err := json.Unmarshal(val, &s); err != nil {
		return StoredSession{}, apperrors.Wrapf(apperrors.ErrCorruptedRecord, "oidc session %s: %v", key, err)
	}
	return s, nil
}

func (r *RedisTokenRepo) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.key(key)).Err()
}
