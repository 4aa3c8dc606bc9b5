package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "loginfail:"

// RedisAttemptStore keeps failures in one sorted set per identifier, scored
// by attempt time in microseconds. Successes are not stored; recording one
// deletes the set.
type RedisAttemptStore struct {
	rdb       redis.Cmdable
	retention time.Duration
}

// NewRedisAttemptStore creates a store whose keys expire after retention
func NewRedisAttemptStore(rdb redis.Cmdable, retention time.Duration) *RedisAttemptStore {
	return &RedisAttemptStore{rdb: rdb, retention: retention}
}

func (s *RedisAttemptStore) key(identifier string) string {
	return redisKeyPrefix + identifier
}

func (s *RedisAttemptStore) FailuresSince(ctx context.Context, identifier string, since time.Time) (int, time.Time, error) {
	key := s.key(identifier)
	min := "(" + strconv.FormatInt(since.UnixMicro(), 10)

	count, err := s.rdb.ZCount(ctx, key, min, "+inf").Result()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("failed to count failures: %w", err)
	}
	if count == 0 {
		return 0, time.Time{}, nil
	}

	oldest, err := s.rdb.ZRangeByScoreWithScores(ctx, key, &redis.ZRangeBy{
		Min:   min,
		Max:   "+inf",
		Count: 1,
	}).Result()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("failed to read oldest failure: %w", err)
	}
	var earliest time.Time
	if len(oldest) > 0 {
		earliest = time.UnixMicro(int64(oldest[0].Score)).UTC()
	}
	return int(count), earliest, nil
}

func (s *RedisAttemptStore) Record(ctx context.Context, identifier string, success bool, at time.Time) error {
	key := s.key(identifier)
	if success {
		return s.rdb.Del(ctx, key).Err()
	}

	pipe := s.rdb.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(at.UnixMicro()), Member: uuid.NewString()})
	if s.retention > 0 {
		pipe.Expire(ctx, key, s.retention)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record failure: %w", err)
	}
	return nil
}

func (s *RedisAttemptStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	max := "(" + strconv.FormatInt(cutoff.UnixMicro(), 10)
	var removed int64
	iter := s.rdb.Scan(ctx, 0, redisKeyPrefix+"*", 200).Iterator()
	for iter.Next(ctx) {
		n, err := s.rdb.ZRemRangeByScore(ctx, iter.Val(), "-inf", max).Result()
		if err != nil {
			return removed, fmt.Errorf("failed to prune %s: %w", iter.Val(), err)
		}
		removed += n
	}
	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("failed to scan failure keys: %w", err)
	}
	return removed, nil
}

func (s *RedisAttemptStore) ClearFailuresWithSuffix(ctx context.Context, suffix string) (int64, error) {
	if suffix == "" {
		return 0, fmt.Errorf("suffix is required")
	}
	var removed int64
	iter := s.rdb.Scan(ctx, 0, redisKeyPrefix+"*"+escapeGlob(strings.ToLower(suffix)), 200).Iterator()
	for iter.Next(ctx) {
		n, err := s.rdb.ZCard(ctx, iter.Val()).Result()
		if err != nil {
			return removed, fmt.Errorf("failed to size %s: %w", iter.Val(), err)
		}
		if err := s.rdb.Del(ctx, iter.Val()).Err(); err != nil {
			return removed, fmt.Errorf("failed to clear %s: %w", iter.Val(), err)
		}
		removed += n
	}
	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("failed to scan failure keys: %w", err)
	}
	return removed, nil
}

var globEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

func escapeGlob(s string) string {
	return globEscaper.Replace(s)
}
