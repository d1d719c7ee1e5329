package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	d "github.com/fjod/orderflow/internal/domain"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the lock only if we still own it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

type RedisStore struct {
	client  *redis.Client
	ttl     time.Duration
	lockTTL time.Duration
}

// NewRedisStore keeps sessions for ttl. lockTTL must outlive the longest
// operation run under the lock, or a second request may take it over.
func NewRedisStore(client *redis.Client, ttl, lockTTL time.Duration) *RedisStore {
	return &RedisStore{
		client:  client,
		ttl:     ttl,
		lockTTL: lockTTL,
	}
}

func (r *RedisStore) Get(ctx context.Context, id string) (*d.CheckoutSession, error) {
	data, err := r.client.Get(ctx, sessionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	var s d.CheckoutSession
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("unmarshal session failed: %w", err)
	}
	return &s, nil
}

// Save refreshes the TTL on every write, so an active checkout never expires.
func (r *RedisStore) Save(ctx context.Context, s *d.CheckoutSession) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal session failed: %w", err)
	}
	if err := r.client.Set(ctx, sessionKey(s.ID), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

func (r *RedisStore) Delete(ctx context.Context, id string) error {
	if err := r.client.Del(ctx, sessionKey(id)).Err(); err != nil {
		return fmt.Errorf("redis delete failed: %w", err)
	}
	return nil
}

func (r *RedisStore) Lock(ctx context.Context, id string) (func(), error) {
	token := uuid.New().String()
	ok, err := r.client.SetNX(ctx, lockKey(id), token, r.lockTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lock failed: %w", err)
	}
	if !ok {
		return nil, ErrSessionBusy
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = releaseScript.Run(ctx, r.client, []string{lockKey(id)}, token).Err()
	}, nil
}

func sessionKey(id string) string {
	return fmt.Sprintf("checkout:session:%s", id)
}

func lockKey(id string) string {
	return fmt.Sprintf("checkout:lock:%s", id)
}
