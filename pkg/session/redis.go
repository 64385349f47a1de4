package session

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "resume-workflow:session:"

// RedisStore persists session snapshots as JSON in Redis so partial state
// survives the process and can be inspected later.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// RedisOptions configures a RedisStore.
type RedisOptions struct {
	Address  string
	Password string
	DB       int
	TTL      time.Duration
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, opts RedisOptions) (store *RedisStore, err error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Address,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	err = client.Ping(ctx).Err()
	if err != nil {
		_ = client.Close()
		err = errors.Wrapf(err, "redis ping failed: %s", opts.Address)
		return store, err
	}

	store = NewRedisStoreWithClient(client, opts.TTL)
	return store, err
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client *redis.Client, ttl time.Duration) (store *RedisStore) {
	store = &RedisStore{
		client: client,
		ttl:    ttl,
	}
	return store
}

// Save writes the session snapshot. A zero TTL keeps it until deleted.
func (r *RedisStore) Save(ctx context.Context, s *Session) (err error) {
	if s == nil || s.ID == "" {
		err = errors.New("session id is required")
		return err
	}

	var data []byte
	data, err = json.Marshal(s)
	if err != nil {
		err = errors.Wrap(err, "failed to marshal session")
		return err
	}

	err = r.client.Set(ctx, keyPrefix+s.ID, data, r.ttl).Err()
	if err != nil {
		err = errors.Wrapf(err, "failed to save session %s", s.ID)
		return err
	}

	return err
}

// Load reads a session snapshot.
func (r *RedisStore) Load(ctx context.Context, id string) (s *Session, err error) {
	var data []byte
	data, err = r.client.Get(ctx, keyPrefix+id).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			err = errors.Wrapf(ErrNotFound, "session %s", id)
			return s, err
		}
		err = errors.Wrapf(err, "failed to load session %s", id)
		return s, err
	}

	s = &Session{}
	err = json.Unmarshal(data, s)
	if err != nil {
		err = errors.Wrapf(err, "failed to parse session %s", id)
		return s, err
	}

	return s, err
}

// Delete removes a session snapshot.
func (r *RedisStore) Delete(ctx context.Context, id string) (err error) {
	err = r.client.Del(ctx, keyPrefix+id).Err()
	if err != nil {
		err = errors.Wrapf(err, "failed to delete session %s", id)
		return err
	}
	return err
}

// Close closes the underlying client.
func (r *RedisStore) Close() (err error) {
	err = r.client.Close()
	return err
}
