// Package identity is the HTTP client for the KYC provider, plus a caching
// wrapper so repeated status checks reuse a recent answer.
package identity

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/alanyoungcy/dealbroker/internal/domain"
	"github.com/alanyoungcy/dealbroker/internal/platform/apiclient"
)

// Client implements domain.IdentityProvider over the provider's REST API.
type Client struct {
	api *apiclient.Client
}

// NewClient creates a Client.
func NewClient(cfg apiclient.Config) *Client {
	if cfg.Name == "" {
		cfg.Name = "identity"
	}
	return &Client{api: apiclient.New(cfg)}
}

// GetVerificationStatus returns the user's tier-1 and tier-2 decisions. A
// user the provider has never seen is unverified.
func (c *Client) GetVerificationStatus(ctx context.Context, userID string) (domain.VerificationStatus, error) {
	var resp struct {
		Tier1 string `json:"tier1"`
		Tier2 string `json:"tier2"`
	}
	path := fmt.Sprintf("/v1/users/%s/verification", url.PathEscape(userID))
	if err := c.api.Do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		if apiclient.IsStatus(err, http.StatusNotFound) {
			return domain.VerificationStatus{}, nil
		}
		return domain.VerificationStatus{}, err
	}
	return domain.VerificationStatus{
		Tier1: domain.KycStatus(strings.ToUpper(resp.Tier1)),
		Tier2: domain.KycStatus(strings.ToUpper(resp.Tier2)),
	}, nil
}

var _ domain.IdentityProvider = (*Client)(nil)

// Cached answers from a VerificationCache before asking the provider. Only
// final decisions are cached; PENDING is always re-checked.
type Cached struct {
	inner  domain.IdentityProvider
	cache  domain.VerificationCache
	ttl    time.Duration
	logger *slog.Logger
}

// NewCached wraps inner.
func NewCached(inner domain.IdentityProvider, cache domain.VerificationCache, ttl time.Duration, logger *slog.Logger) *Cached {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cached{
		inner:  inner,
		cache:  cache,
		ttl:    ttl,
		logger: logger.With(slog.String("component", "identity_cache")),
	}
}

// GetVerificationStatus implements domain.IdentityProvider. Cache failures
// fall through to the provider.
func (c *Cached) GetVerificationStatus(ctx context.Context, userID string) (domain.VerificationStatus, error) {
	if s, ok, err := c.cache.Get(ctx, userID); err != nil {
		c.logger.WarnContext(ctx, "verification cache read failed",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
	} else if ok {
		return s, nil
	}

	s, err := c.inner.GetVerificationStatus(ctx, userID)
	if err != nil {
		return domain.VerificationStatus{}, err
	}
	if s.Tier2 == domain.KycApproved || s.Tier2 == domain.KycRejected {
		if err := c.cache.Set(ctx, userID, s, c.ttl); err != nil {
			c.logger.WarnContext(ctx, "verification cache write failed",
				slog.String("user_id", userID),
				slog.String("error", err.Error()),
			)
		}
	}
	return s, nil
}

var _ domain.IdentityProvider = (*Cached)(nil)
