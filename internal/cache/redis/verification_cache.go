package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/dealbroker/internal/domain"
)

// VerificationCache implements domain.VerificationCache with one JSON string
// per user.
//
// Key schema:
//
//	kyc:{userID} - JSON-encoded domain.VerificationStatus
type VerificationCache struct {
	c *Client
}

// NewVerificationCache creates a VerificationCache backed by the given Client.
func NewVerificationCache(c *Client) *VerificationCache {
	return &VerificationCache{c: c}
}

type cachedStatus struct {
	Tier1 domain.KycStatus `json:"tier1"`
	Tier2 domain.KycStatus `json:"tier2"`
}

// Get returns the cached status and whether one was present.
func (vc *VerificationCache) Get(ctx context.Context, userID string) (domain.VerificationStatus, bool, error) {
	data, err := vc.c.rdb.Get(ctx, vc.c.key("kyc:", userID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.VerificationStatus{}, false, nil
		}
		return domain.VerificationStatus{}, false, fmt.Errorf("redis: get kyc %s: %w", userID, err)
	}
	var cs cachedStatus
	if err := json.Unmarshal(data, &cs); err != nil {
		return domain.VerificationStatus{}, false, fmt.Errorf("redis: unmarshal kyc %s: %w", userID, err)
	}
	return domain.VerificationStatus{Tier1: cs.Tier1, Tier2: cs.Tier2}, true, nil
}

// Set stores status for ttl.
func (vc *VerificationCache) Set(ctx context.Context, userID string, status domain.VerificationStatus, ttl time.Duration) error {
	data, err := json.Marshal(cachedStatus{Tier1: status.Tier1, Tier2: status.Tier2})
	if err != nil {
		return fmt.Errorf("redis: marshal kyc %s: %w", userID, err)
	}
	if err := vc.c.rdb.Set(ctx, vc.c.key("kyc:", userID), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis: set kyc %s: %w", userID, err)
	}
	return nil
}

// Invalidate drops the cached status.
func (vc *VerificationCache) Invalidate(ctx context.Context, userID string) error {
	if err := vc.c.rdb.Del(ctx, vc.c.key("kyc:", userID)).Err(); err != nil {
		return fmt.Errorf("redis: invalidate kyc %s: %w", userID, err)
	}
	return nil
}

var _ domain.VerificationCache = (*VerificationCache)(nil)
