package jobs

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantfold/stockdata/internal/auth"
	"github.com/quantfold/stockdata/internal/cache"
	"github.com/quantfold/stockdata/internal/ratelimit"
)

// CacheSweepJob removes expired cache entries.
type CacheSweepJob struct {
	cache *cache.Cache
	log   zerolog.Logger
}

// NewCacheSweepJob creates the cache sweep job.
func NewCacheSweepJob(c *cache.Cache, log zerolog.Logger) *CacheSweepJob {
	return &CacheSweepJob{cache: c, log: log.With().Str("component", "cache_sweep_job").Logger()}
}

func (j *CacheSweepJob) Name() string { return "cache-sweep" }

func (j *CacheSweepJob) Run() error {
	removed := j.cache.Sweep()
	if removed > 0 {
		j.log.Info().Int("removed", removed).Msg("Swept expired cache entries")
	}
	return nil
}

// RateWindowSweepJob drops rate windows that have been idle for longer
// than twice the configured window, so the tracker map stays bounded.
type RateWindowSweepJob struct {
	tracker *ratelimit.Tracker
	maxIdle time.Duration
	log     zerolog.Logger
}

// NewRateWindowSweepJob creates the rate window sweep job.
func NewRateWindowSweepJob(t *ratelimit.Tracker, window time.Duration, log zerolog.Logger) *RateWindowSweepJob {
	return &RateWindowSweepJob{
		tracker: t,
		maxIdle: 2 * window,
		log:     log.With().Str("component", "rate_sweep_job").Logger(),
	}
}

func (j *RateWindowSweepJob) Name() string { return "rate-window-sweep" }

func (j *RateWindowSweepJob) Run() error {
	removed := j.tracker.Sweep(j.maxIdle)
	if removed > 0 {
		j.log.Info().Int("removed", removed).Msg("Swept idle rate windows")
	}
	return nil
}

// ExpireAPIKeysJob deactivates API keys past their expiry date.
type ExpireAPIKeysJob struct {
	repo *auth.Repository
	log  zerolog.Logger
}

// NewExpireAPIKeysJob creates the key expiry job.
func NewExpireAPIKeysJob(repo *auth.Repository, log zerolog.Logger) *ExpireAPIKeysJob {
	return &ExpireAPIKeysJob{repo: repo, log: log.With().Str("component", "key_expiry_job").Logger()}
}

func (j *ExpireAPIKeysJob) Name() string { return "expire-api-keys" }

func (j *ExpireAPIKeysJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	n, err := j.repo.DeactivateExpiredKeys(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		j.log.Info().Int64("deactivated", n).Msg("Deactivated expired API keys")
	}
	return nil
}
