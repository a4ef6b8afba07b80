package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/shohag/teamsrelay/internal/models"
)

// RedisCredentialStore keeps the sealed credential in Redis so several relay
// instances can share it. Each identity is one JSON value.
type RedisCredentialStore struct {
	client redis.UniversalClient
	prefix string
}

var _ CredentialStore = (*RedisCredentialStore)(nil)

func NewRedisCredentialStore(client redis.UniversalClient, prefix string) *RedisCredentialStore {
	return &RedisCredentialStore{client: client, prefix: prefix}
}

type redisCredential struct {
	Identity     string `json:"identity"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresAtMs  int64  `json:"expires_at_ms"`
	Scope        string `json:"scope"`
	UpdatedAtMs  int64  `json:"updated_at_ms"`
}

func (s *RedisCredentialStore) key(identity string) string {
	return fmt.Sprintf("%s:credential:%s", s.prefix, identity)
}

func (s *RedisCredentialStore) GetCredential(ctx context.Context, identity string) (*models.SealedCredential, error) {
	return s.get(ctx, s.client, identity)
}

// getter is satisfied by both the client and a WATCH transaction.
type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *RedisCredentialStore) get(ctx context.Context, c getter, identity string) (*models.SealedCredential, error) {
	raw, err := c.Get(ctx, s.key(identity)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("load credential: %w", err)
	}
	var rc redisCredential
	if err := json.Unmarshal(raw, &rc); err != nil {
		return nil, fmt.Errorf("decode credential: %w", err)
	}
	return &models.SealedCredential{
		Identity:     rc.Identity,
		AccessToken:  rc.AccessToken,
		RefreshToken: rc.RefreshToken,
		ExpiresAt:    time.UnixMilli(rc.ExpiresAtMs).UTC(),
		Scope:        rc.Scope,
		UpdatedAt:    time.UnixMilli(rc.UpdatedAtMs).UTC(),
	}, nil
}

func encodeCredential(c *models.SealedCredential) ([]byte, error) {
	payload, err := json.Marshal(redisCredential{
		Identity:     c.Identity,
		AccessToken:  c.AccessToken,
		RefreshToken: c.RefreshToken,
		ExpiresAtMs:  c.ExpiresAt.UnixMilli(),
		Scope:        c.Scope,
		UpdatedAtMs:  c.UpdatedAt.UnixMilli(),
	})
	if err != nil {
		return nil, fmt.Errorf("encode credential: %w", err)
	}
	return payload, nil
}

func (s *RedisCredentialStore) PutCredential(ctx context.Context, c *models.SealedCredential) error {
	payload, err := encodeCredential(c)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.key(c.Identity), payload, 0).Err(); err != nil {
		return fmt.Errorf("persist credential: %w", err)
	}
	return nil
}

// SwapCredential uses WATCH/MULTI so a concurrent writer between the read
// and the write aborts the transaction instead of being overwritten.
func (s *RedisCredentialStore) SwapCredential(ctx context.Context, expected time.Time, c *models.SealedCredential) (bool, error) {
	payload, err := encodeCredential(c)
	if err != nil {
		return false, err
	}

	key := s.key(c.Identity)
	swapped := false
	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := s.get(ctx, tx, c.Identity)
		if err != nil {
			return err
		}
		if cur == nil || cur.ExpiresAt.UnixMilli() != expected.UnixMilli() {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			return nil
		})
		if err != nil {
			return err
		}
		swapped = true
		return nil
	}, key)

	if errors.Is(err, redis.TxFailedErr) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("swap credential: %w", err)
	}
	return swapped, nil
}

func (s *RedisCredentialStore) DeleteCredential(ctx context.Context, identity string) error {
	if err := s.client.Del(ctx, s.key(identity)).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("delete credential: %w", err)
	}
	return nil
}
