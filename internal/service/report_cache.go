package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/spec-kit/user-directory/internal/domain"
)

const reportCacheKeyPrefix = "reports:users:"

// ReportCache stores rendered report bytes in Redis keyed by snapshot
// fingerprint. It is strictly best-effort: a nil or unreachable client
// bypasses caching and correctness never depends on a hit, since the
// renderer is deterministic for a given fingerprint.
type ReportCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewReportCache wraps a Redis client. If ttl is 0 it defaults to 5 minutes.
func NewReportCache(rdb *redis.Client, ttl time.Duration) *ReportCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &ReportCache{rdb: rdb, ttl: ttl}
}

// Get returns cached report bytes for the fingerprint, if present.
func (c *ReportCache) Get(ctx context.Context, fingerprint string) ([]byte, bool) {
	if c == nil || c.rdb == nil {
		return nil, false
	}
	data, err := c.rdb.Get(ctx, reportCacheKeyPrefix+fingerprint).Bytes()
	if err != nil || len(data) == 0 {
		return nil, false
	}
	return data, true
}

// Set stores report bytes for the fingerprint. Write failures are ignored.
func (c *ReportCache) Set(ctx context.Context, fingerprint string, data []byte) {
	if c == nil || c.rdb == nil {
		return
	}
	_ = c.rdb.Set(ctx, reportCacheKeyPrefix+fingerprint, data, c.ttl).Err()
}

// reportFingerprint hashes everything that influences the rendered bytes:
// the ordered snapshot, the template version and the issuer parameter.
func reportFingerprint(snapshot []domain.User, templateVersion int, issuer string) string {
	h := sha256.New()
	fmt.Fprintf(h, "v%d|%s\n", templateVersion, issuer)
	for _, u := range snapshot {
		fmt.Fprintf(h, "%s|%s|%s|%s|%d|%d\n",
			u.ID, u.FullName, u.Email, u.Status,
			u.CreatedAt.UnixNano(), u.UpdatedAt.UnixNano())
	}
	return hex.EncodeToString(h.Sum(nil))
}
