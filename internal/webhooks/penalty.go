package webhooks

import (
	"context"
	"fmt"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Signature-failure throttling. A source that keeps sending bad
// signatures earns an exponential backoff instead of free verification
// work.
const (
	sigFailureThreshold = 5
	sigFailureWindow    = 15 * time.Minute
	sigBackoffBase      = time.Minute
	sigBackoffMax       = time.Hour
)

// PenaltyStore tracks bad-signature counts per source IP.
type PenaltyStore interface {
	// Throttled returns the remaining backoff for a source, 0 when clear.
	Throttled(ctx context.Context, sourceIP string) (time.Duration, error)
	// RecordFailure counts one bad signature from the source.
	RecordFailure(ctx context.Context, sourceIP string) error
}

func backoffFor(failures int64) time.Duration {
	over := failures - sigFailureThreshold
	if over < 0 {
		over = 0
	}
	if over > 10 {
		over = 10
	}
	backoff := sigBackoffBase << uint(over)
	if backoff > sigBackoffMax {
		backoff = sigBackoffMax
	}
	return backoff
}

// NewPenaltyStore returns a Redis-backed store when a client is given so
// all norad replicas share the counts, and an in-process store otherwise.
func NewPenaltyStore(client goredis.UniversalClient) PenaltyStore {
	if client == nil {
		return newMemoryPenalties()
	}
	return &redisPenalties{client: client}
}

type redisPenalties struct {
	client goredis.UniversalClient
}

func sigFailKey(ip string) string { return "webhook:sigfail:" + ip }
func sigBanKey(ip string) string  { return "webhook:sigban:" + ip }

func (r *redisPenalties) Throttled(ctx context.Context, sourceIP string) (time.Duration, error) {
	ttl, err := r.client.PTTL(ctx, sigBanKey(sourceIP)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to check signature backoff: %w", err)
	}
	if ttl > 0 {
		return ttl, nil
	}
	return 0, nil
}

func (r *redisPenalties) RecordFailure(ctx context.Context, sourceIP string) error {
	count, err := r.client.Incr(ctx, sigFailKey(sourceIP)).Result()
	if err != nil {
		return fmt.Errorf("failed to count signature failure: %w", err)
	}
	if count == 1 {
		if err := r.client.Expire(ctx, sigFailKey(sourceIP), sigFailureWindow).Err(); err != nil {
			return fmt.Errorf("failed to window signature failures: %w", err)
		}
	}
	if count >= sigFailureThreshold {
		if err := r.client.Set(ctx, sigBanKey(sourceIP), count, backoffFor(count)).Err(); err != nil {
			return fmt.Errorf("failed to set signature backoff: %w", err)
		}
	}
	return nil
}

type penaltyBucket struct {
	windowStart time.Time
	failures    int64
	bannedUntil time.Time
	lastSeen    time.Time
}

type memoryPenalties struct {
	mu      sync.Mutex
	buckets map[string]*penaltyBucket
}

func newMemoryPenalties() *memoryPenalties {
	return &memoryPenalties{buckets: make(map[string]*penaltyBucket)}
}

func (m *memoryPenalties) Throttled(_ context.Context, sourceIP string) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	bucket, ok := m.buckets[sourceIP]
	if !ok {
		return 0, nil
	}
	if remaining := time.Until(bucket.bannedUntil); remaining > 0 {
		return remaining, nil
	}
	return 0, nil
}

func (m *memoryPenalties) RecordFailure(_ context.Context, sourceIP string) error {
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	for ip, bucket := range m.buckets {
		if now.Sub(bucket.lastSeen) > sigFailureWindow && now.After(bucket.bannedUntil) {
			delete(m.buckets, ip)
		}
	}

	bucket, ok := m.buckets[sourceIP]
	if !ok || now.Sub(bucket.windowStart) >= sigFailureWindow {
		bucket = &penaltyBucket{windowStart: now}
		m.buckets[sourceIP] = bucket
	}

	bucket.lastSeen = now
	bucket.failures++
	if bucket.failures >= sigFailureThreshold {
		bucket.bannedUntil = now.Add(backoffFor(bucket.failures))
	}
	return nil
}
