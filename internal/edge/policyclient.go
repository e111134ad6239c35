package edge

import (
	"context"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
)

type policyCache struct {
	ETag      string        `json:"etag"`
	FetchedAt time.Time     `json:"fetchedAt"`
	Policy    *DevicePolicy `json:"policy"`
}

// PolicyClient keeps the device policy fresh with conditional GETs and a
// JSON sidecar cache, so a restart while offline still has a policy.
type PolicyClient struct {
	client *Client
	cache  policyCache
	path   string
}

// NewPolicyClient loads the cached policy (if any) from dataDir.
func NewPolicyClient(client *Client, dataDir string) *PolicyClient {
	pc := &PolicyClient{
		client: client,
		path:   filepath.Join(dataDir, "policy_cache.json"),
	}
	loadJSON(pc.path, &pc.cache)
	return pc
}

// Current returns the cached policy, which may be nil before first fetch.
func (pc *PolicyClient) Current() *DevicePolicy {
	return pc.cache.Policy
}

// Stale reports whether the cache has outlived the server's max-age.
func (pc *PolicyClient) Stale(now time.Time) bool {
	if pc.cache.Policy == nil || pc.cache.Policy.Policy == nil {
		return true
	}
	maxAge := time.Duration(pc.cache.Policy.Policy.CacheMaxAgeS) * time.Second
	if maxAge <= 0 {
		maxAge = 5 * time.Minute
	}
	return now.Sub(pc.cache.FetchedAt) >= maxAge
}

// StaleAfter reports whether the cache is older than maxAge, ignoring the
// server max-age. Disabled devices poll on their sleep cadence instead.
func (pc *PolicyClient) StaleAfter(now time.Time, maxAge time.Duration) bool {
	if pc.cache.Policy == nil {
		return true
	}
	return now.Sub(pc.cache.FetchedAt) >= maxAge
}

// Refresh performs the conditional GET. It returns true when the policy
// changed. A 304 only advances the cache timestamp.
func (pc *PolicyClient) Refresh(ctx context.Context) (bool, error) {
	dp, etag, err := pc.client.FetchPolicy(ctx, pc.cache.ETag)
	if err != nil {
		return false, err
	}
	pc.cache.FetchedAt = time.Now().UTC()
	if dp == nil {
		pc.persist()
		return false, nil
	}

	pc.cache.Policy = dp
	pc.cache.ETag = etag
	pc.persist()
	log.Info().
		Str("etag", etag).
		Str("mode", string(dp.OperationMode)).
		Msg("Device policy updated")
	return true, nil
}

func (pc *PolicyClient) persist() {
	if err := saveJSON(pc.path, &pc.cache); err != nil {
		log.Warn().Err(err).Msg("Failed to persist policy cache")
	}
}
