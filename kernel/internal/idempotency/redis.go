package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisEnvelope is the value stored per key. Pending reservations carry only
// the principal; Finalize rewrites the envelope with the snapshot.
type redisEnvelope struct {
	Principal string          `json:"principal"`
	Pending   bool            `json:"pending"`
	Status    int             `json:"status,omitempty"`
	Response  json.RawMessage `json:"response,omitempty"`
}

// RedisStore keeps reservations in Redis. Expiry is delegated to the key TTL,
// so PurgeExpired is a no-op.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore constructs a RedisStore with the given TTL (DefaultTTL when 0).
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{client: client, ttl: ttl}
}

func (s *RedisStore) key(key string) string {
	return "kernel:idem:" + key
}

// Reserve claims key with SET NX; the atomicity of the write settles races.
func (s *RedisStore) Reserve(ctx context.Context, key, principal string) (Reservation, error) {
	env, err := json.Marshal(redisEnvelope{Principal: principal, Pending: true})
	if err != nil {
		return Reservation{}, fmt.Errorf("marshal envelope: %w", err)
	}

	ok, err := s.client.SetNX(ctx, s.key(key), env, s.ttl).Result()
	if err != nil {
		return Reservation{}, fmt.Errorf("reserve key: %w", err)
	}
	if ok {
		return Reservation{New: true}, nil
	}

	raw, err := s.client.Get(ctx, s.key(key)).Bytes()
	if err == redis.Nil {
		// The winner expired between SETNX and GET; treat as a fresh claim on
		// the next attempt.
		return Reservation{}, ErrPending
	}
	if err != nil {
		return Reservation{}, fmt.Errorf("read reservation: %w", err)
	}
	var stored redisEnvelope
	if err := json.Unmarshal(raw, &stored); err != nil {
		return Reservation{}, fmt.Errorf("decode reservation: %w", err)
	}
	if stored.Principal != principal {
		return Reservation{}, ErrConflict
	}
	if stored.Pending {
		return Reservation{Pending: true}, ErrPending
	}
	return Reservation{Status: stored.Status, Response: stored.Response}, nil
}

// Finalize rewrites the envelope with the snapshot, preserving the original
// TTL so a replay window is not extended by the finalize.
func (s *RedisStore) Finalize(ctx context.Context, key string, status int, response []byte) error {
	raw, err := s.client.Get(ctx, s.key(key)).Bytes()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read reservation: %w", err)
	}
	var stored redisEnvelope
	if err := json.Unmarshal(raw, &stored); err != nil {
		return fmt.Errorf("decode reservation: %w", err)
	}
	stored.Pending = false
	stored.Status = status
	stored.Response = response
	out, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := s.client.Set(ctx, s.key(key), out, redis.KeepTTL).Err(); err != nil {
		return fmt.Errorf("finalize key: %w", err)
	}
	return nil
}

// Release drops a still-pending reservation.
func (s *RedisStore) Release(ctx context.Context, key string) error {
	raw, err := s.client.Get(ctx, s.key(key)).Bytes()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read reservation: %w", err)
	}
	var stored redisEnvelope
	if err := json.Unmarshal(raw, &stored); err != nil {
		return fmt.Errorf("decode reservation: %w", err)
	}
	if !stored.Pending {
		return nil
	}
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("release key: %w", err)
	}
	return nil
}

// PurgeExpired is a no-op: Redis evicts keys itself when their TTL lapses.
func (s *RedisStore) PurgeExpired(ctx context.Context) (int, error) {
	return 0, nil
}
