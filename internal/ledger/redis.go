package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/industrion/jobharvest/internal/pipeline"
)

const (
	redisURLPrefix = "jobharvest:url:"
	redisFpPrefix  = "jobharvest:fp:"
)

// Redis is a shared ledger for deployments where several workers dedup
// against the same store. Mark races are settled by SETNX on the
// fingerprint key.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedis connects using opts. A zero ttl keeps entries forever.
func NewRedis(opts *redis.Options, ttl time.Duration) *Redis {
	return &Redis{client: redis.NewClient(opts), ttl: ttl}
}

func (r *Redis) SeenURL(ctx context.Context, url string) (bool, error) {
	n, err := r.client.Exists(ctx, redisURLPrefix+url).Result()
	if err != nil {
		return false, pipeline.Transient("redis exists", err)
	}
	return n > 0, nil
}

func (r *Redis) SeenFingerprint(ctx context.Context, fingerprint string) (bool, error) {
	n, err := r.client.Exists(ctx, redisFpPrefix+fingerprint).Result()
	if err != nil {
		return false, pipeline.Transient("redis exists", err)
	}
	return n > 0, nil
}

// Mark claims the fingerprint key and records the source URL. Only the
// caller whose SETNX lands observes first == true.
func (r *Redis) Mark(ctx context.Context, entry pipeline.LedgerEntry) (bool, error) {
	value := fmt.Sprintf("%s|%s|%s|%s",
		entry.CanonicalURL, entry.Title, entry.Company, entry.FirstSeen.UTC().Format(time.RFC3339))
	first, err := r.client.SetNX(ctx, redisFpPrefix+entry.Fingerprint, value, r.ttl).Result()
	if err != nil {
		return false, pipeline.Transient("redis setnx", err)
	}
	if first {
		if err := r.client.Set(ctx, redisURLPrefix+entry.URL, entry.Fingerprint, r.ttl).Err(); err != nil {
			return true, pipeline.Transient("redis set", err)
		}
	}
	return first, nil
}

// Close releases the client connection.
func (r *Redis) Close() error {
	return r.client.Close()
}
