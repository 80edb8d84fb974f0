package artifacts

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const (
	defaultPrefix = "artifact:"
	scanBatch     = 100
)

// RedisStore keeps artifacts under "<prefix><len(identityID)>:<identityID>:<key>".
// The length prefix stops one identity's namespace from matching another's.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore creates a Redis-backed artifact store.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: defaultPrefix,
	}
}

// WithPrefix namespaces every key under prefix instead of "artifact:".
func (r *RedisStore) WithPrefix(prefix string) *RedisStore {
	r.prefix = prefix
	return r
}

func (r *RedisStore) namespace(identityID string) string {
	return r.prefix + strconv.Itoa(len(identityID)) + ":" + identityID + ":"
}

func (r *RedisStore) key(identityID, key string) string {
	return r.namespace(identityID) + key
}

var globEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

func (r *RedisStore) Put(ctx context.Context, identityID, key string, value []byte, ttl time.Duration) error {
	if err := validate(identityID, key); err != nil {
		return err
	}
	if err := r.client.Set(ctx, r.key(identityID, key), value, ttl).Err(); err != nil {
		return errors.Wrap(err, "artifacts: set")
	}
	return nil
}

func (r *RedisStore) Get(ctx context.Context, identityID, key string) ([]byte, error) {
	if err := validate(identityID, key); err != nil {
		return nil, err
	}
	val, err := r.client.Get(ctx, r.key(identityID, key)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "artifacts: get")
	}
	return val, nil
}

// PurgeIdentity scans and deletes every key under the identity's namespace.
func (r *RedisStore) PurgeIdentity(ctx context.Context, identityID string) error {
	if err := validate(identityID, "*"); err != nil {
		return err
	}
	pattern := globEscaper.Replace(r.namespace(identityID)) + "*"
	var cursor uint64
	for {
		keys, next, err := r.client.Scan(ctx, cursor, pattern, scanBatch).Result()
		if err != nil {
			return errors.Wrap(err, "artifacts: scan")
		}
		if len(keys) > 0 {
			if err := r.client.Del(ctx, keys...).Err(); err != nil {
				return errors.Wrap(err, "artifacts: del")
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}
