package linkstore

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "linkgate:"

// upsertScript runs atomically on the server. user_id and created_at are only
// written when the hash is new.
var upsertScript = redis.NewScript(`
local created = 0
if redis.call('EXISTS', KEYS[1]) == 0 then
  redis.call('HSET', KEYS[1], 'user_id', ARGV[1], 'created_at', ARGV[8])
  created = 1
end
redis.call('HSET', KEYS[1], 'handle', ARGV[2], 'username', ARGV[3], 'backend_user_id', ARGV[4],
  'base_url', ARGV[5], 'origin', ARGV[6], 'connect_token', ARGV[7], 'valid', '1', 'updated_at', ARGV[8])
local uid = redis.call('HGET', KEYS[1], 'user_id')
redis.call('SET', ARGV[9] .. uid, ARGV[2])
return created
`)

type redisStore struct {
	client *redis.Client
	prefix string
}

// NewRedis wraps an existing client. Records live in hashes under
// <prefix>link:<handle> with a <prefix>user:<id> -> handle index.
func NewRedis(client *redis.Client, prefix string) (Store, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client required")
	}
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &redisStore{client: client, prefix: prefix}, nil
}

func (s *redisStore) linkKey(handle string) string { return s.prefix + "link:" + handle }
func (s *redisStore) userPrefix() string          { return s.prefix + "user:" }

func (s *redisStore) Get(ctx context.Context, handle string) (Record, error) {
	fields, err := s.client.HGetAll(ctx, s.linkKey(handle)).Result()
	if err != nil {
		return Record{}, err
	}
	if len(fields) == 0 {
		return Record{}, ErrNotFound
	}
	return decodeHash(fields)
}

func (s *redisStore) GetByUser(ctx context.Context, userID string) (Record, error) {
	handle, err := s.client.Get(ctx, s.userPrefix()+userID).Result()
	if err == redis.Nil {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, err
	}
	return s.Get(ctx, handle)
}

func (s *redisStore) Upsert(ctx context.Context, u Update) (Record, bool, error) {
	u = u.normalized()
	at := strconv.FormatInt(u.At.UnixMilli(), 10)
	created, err := upsertScript.Run(ctx, s.client, []string{s.linkKey(u.Handle)},
		u.UserID, u.Handle, u.Username, u.BackendUserID, u.BaseURL, u.Origin, u.ConnectToken, at, s.userPrefix(),
	).Int()
	if err != nil {
		return Record{}, false, fmt.Errorf("upsert link %s: %w", u.Handle, err)
	}
	rec, err := s.Get(ctx, u.Handle)
	if err != nil {
		return Record{}, false, err
	}
	return rec, created == 1, nil
}

func (s *redisStore) SetValid(ctx context.Context, handle string, valid bool) error {
	key := s.linkKey(handle)
	flag := "0"
	if valid {
		flag = "1"
	}
	// WATCH keeps a concurrent delete from resurrecting a partial hash.
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, "valid", flag)
			return nil
		})
		return err
	}, key)
	return err
}

func (s *redisStore) List(ctx context.Context) ([]Record, error) {
	var cursor uint64
	pattern := s.prefix + "link:*"
	var out []Record
	for {
		keys, next, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, err
		}
		for _, key := range keys {
			rec, err := s.Get(ctx, strings.TrimPrefix(key, s.prefix+"link:"))
			if err != nil {
				continue
			}
			out = append(out, rec)
		}
		if next == 0 {
			break
		}
		cursor = next
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Handle < out[j].Handle })
	return out, nil
}

func (s *redisStore) Close() error {
	return s.client.Close()
}

func decodeHash(f map[string]string) (Record, error) {
	created, err := strconv.ParseInt(f["created_at"], 10, 64)
	if err != nil {
		return Record{}, fmt.Errorf("corrupt link hash %q: created_at: %w", f["handle"], err)
	}
	updated, err := strconv.ParseInt(f["updated_at"], 10, 64)
	if err != nil {
		return Record{}, fmt.Errorf("corrupt link hash %q: updated_at: %w", f["handle"], err)
	}
	return Record{
		UserID:        f["user_id"],
		Handle:        f["handle"],
		Username:      f["username"],
		BackendUserID: f["backend_user_id"],
		BaseURL:       f["base_url"],
		Origin:        f["origin"],
		ConnectToken:  f["connect_token"],
		Valid:         f["valid"] == "1",
		CreatedAt:     time.UnixMilli(created).UTC(),
		UpdatedAt:     time.UnixMilli(updated).UTC(),
	}, nil
}
