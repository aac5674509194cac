package pairing

import (
	"context"
	"errors"
	"fmt"

	redis "github.com/redis/go-redis/v9"
)

// RedisStore keeps pairings in Redis as one string key per badge, so a
// restarted relay keeps its pairings.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// RedisConfig holds the connection settings for NewRedisStore.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// NewRedisStore connects and pings the server.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis %s: %w", cfg.Addr, err)
	}

	return &RedisStore{client: client, prefix: cfg.Prefix}, nil
}

func (s *RedisStore) key(badge string) string {
	return s.prefix + badge
}

func (s *RedisStore) Pair(ctx context.Context, a, b string) error {
	if a == b {
		return ErrSelfPair
	}

	for _, badge := range []string{a, b} {
		if err := s.Unpair(ctx, badge); err != nil {
			return err
		}
	}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key(a), b, 0)
		pipe.Set(ctx, s.key(b), a, 0)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis pair %s %s: %w", a, b, err)
	}
	return nil
}

func (s *RedisStore) Unpair(ctx context.Context, a string) error {
	peer, err := s.Peer(ctx, a)
	if errors.Is(err, ErrNotPaired) {
		return nil
	}
	if err != nil {
		return err
	}

	keys := []string{s.key(a)}
	if back, err := s.Peer(ctx, peer); err == nil && back == a {
		keys = append(keys, s.key(peer))
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis DEL %v: %w", keys, err)
	}
	return nil
}

func (s *RedisStore) Peer(ctx context.Context, a string) (string, error) {
	val, err := s.client.Get(ctx, s.key(a)).Result()
	if errors.Is(err, redis.Nil) || (err == nil && val == "") {
		return "", ErrNotPaired
	}
	if err != nil {
		return "", fmt.Errorf("redis GET %s: %w", s.key(a), err)
	}
	return val, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
