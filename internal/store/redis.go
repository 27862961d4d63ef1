package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const scanBatch = 100

type redisStore struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// NewRedis constructs a redis-backed lease store. Each record lives under
// prefix+macid and carries a key TTL matching the lease cutoff, so redis
// drops expired leases on its own. now must be the clock the lease manager
// uses; nil selects the UTC wall clock.
func NewRedis(cfg *RedisConfig, now func() time.Time) (Store, error) {
	if cfg == nil {
		return nil, fmt.Errorf("redis configuration missing")
	}
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis address required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "portlease:mac:"
	}
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &redisStore{
		client: client,
		prefix: prefix,
		now:    now,
	}, nil
}

func (s *redisStore) key(macID string) string {
	return s.prefix + macID
}

func (s *redisStore) Save(ctx context.Context, rec Record) error {
	if rec.MacID == "" {
		return fmt.Errorf("macid required")
	}
	ttl := rec.CutoffTime.Sub(s.now())
	if ttl <= 0 {
		return s.Delete(ctx, rec.MacID)
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.key(rec.MacID), data, ttl).Err()
}

func (s *redisStore) Delete(ctx context.Context, macID string) error {
	return s.client.Del(ctx, s.key(macID)).Err()
}

func (s *redisStore) List(ctx context.Context) ([]Record, error) {
	var (
		cursor  uint64
		records []Record
	)
	pattern := s.prefix + "*"
	for {
		keys, next, err := s.client.Scan(ctx, cursor, pattern, scanBatch).Result()
		if err != nil {
			return nil, err
		}
		if len(keys) > 0 {
			batch, err := s.fetch(ctx, keys)
			if err != nil {
				return nil, err
			}
			records = append(records, batch...)
		}
		if next == 0 {
			break
		}
		cursor = next
	}
	return records, nil
}

func (s *redisStore) fetch(ctx context.Context, keys []string) ([]Record, error) {
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	out := make([]Record, 0, len(values))
	for i, value := range values {
		raw, ok := value.(string)
		if !ok {
			// expired between SCAN and MGET
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("decode %s: %w", keys[i], err)
		}
		if rec.MacID == "" {
			rec.MacID = strings.TrimPrefix(keys[i], s.prefix)
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *redisStore) Driver() string {
	return DriverRedis
}

func (s *redisStore) Close(context.Context) error {
	return s.client.Close()
}
