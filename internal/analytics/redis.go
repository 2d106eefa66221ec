// Package analytics keeps per-profile delivery counters in Redis.
//
// Counters are bucketed by hour and expire after the retention window, so
// the /status surface can report recent delivery volume per profile
// without scanning the delivery table.
package analytics

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisSink struct {
	client    *redis.Client
	retention time.Duration
}

func NewRedisSink(client *redis.Client, retention time.Duration) *RedisSink {
	return &RedisSink{client: client, retention: retention}
}

// RecordDelivery increments the hourly counter for a delivery outcome.
// Errors are logged, never propagated: the pipeline must not stall on a
// sick Redis.
func (s *RedisSink) RecordDelivery(ctx context.Context, profile string, outcome string, at time.Time) {
	key := buildKey(profile, outcome, at)

	pipe := s.client.Pipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, s.retention)

	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("analytics: record delivery %s/%s: %v", profile, outcome, err)
	}
}

// DeliveryCounts returns the counters for the given profile over the last
// n hourly buckets, most recent first.
func (s *RedisSink) DeliveryCounts(ctx context.Context, profile string, outcome string, now time.Time, hours int) ([]int64, error) {
	keys := make([]string, hours)
	for i := 0; i < hours; i++ {
		keys[i] = buildKey(profile, outcome, now.Add(-time.Duration(i)*time.Hour))
	}

	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget: %w", err)
	}

	counts := make([]int64, hours)
	for i, v := range vals {
		if v == nil {
			continue
		}
		var n int64
		fmt.Sscanf(v.(string), "%d", &n)
		counts[i] = n
	}
	return counts, nil
}

func buildKey(profile, outcome string, t time.Time) string {
	return fmt.Sprintf("kf:d:%s:%s:%s", profile, outcome, truncateToBucket(t))
}

func truncateToBucket(t time.Time) string {
	return t.UTC().Format("2006010215")
}
