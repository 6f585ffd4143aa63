package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bazaar/internal/models"

	"github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix = "bazaar:session:"
	redisTimeout   = 5 * time.Second
)

// RedisStorage shares one credential between several client processes of the same
// user (for example a CLI and a background notifier on one machine). The
// constructor context only bounds the initial ping; each later call gets its own
// timeout so the credential can still be cleared while the process shuts down.
type RedisStorage struct {
	rdb *redis.Client
	key string
	now func() time.Time
}

func NewRedisStorage(ctx context.Context, redisURL, profile string) (*RedisStorage, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisStorage{
		rdb: rdb,
		key: redisKeyPrefix + profile,
		now: time.Now,
	}, nil
}

func (s *RedisStorage) Close() error {
	return s.rdb.Close()
}

func (s *RedisStorage) LoadCredential() (models.Credential, error) {
	ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
	defer cancel()

	data, err := s.rdb.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.Credential{}, models.ErrNotFound
	}
	if err != nil {
		return models.Credential{}, err
	}

	var dbCred DBCredential
	if err := dbCred.UnmarshalBinary(data); err != nil {
		return models.Credential{}, fmt.Errorf("failed to unmarshal credential: %w", err)
	}
	return models.Credential{
		Token:              dbCred.Token,
		RequiresOnboarding: dbCred.RequiresOnboarding,
	}, nil
}

func (s *RedisStorage) SaveCredential(cred models.Credential) error {
	dbCred := &DBCredential{
		Token:              cred.Token,
		RequiresOnboarding: cred.RequiresOnboarding,
		UpdatedAt:          s.now().Unix(),
	}
	data, err := dbCred.MarshalBinary()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
	defer cancel()
	return s.rdb.Set(ctx, s.key, data, 0).Err()
}

func (s *RedisStorage) DeleteCredential() error {
	ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
	defer cancel()
	return s.rdb.Del(ctx, s.key).Err()
}
