// Package acquire implements the data acquisition orchestrator: the
// cache → store → external-fetch cascade behind every data request.
package acquire

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/quantfold/stockdata/internal/apperr"
	"github.com/quantfold/stockdata/internal/cache"
	"github.com/quantfold/stockdata/internal/config"
	"github.com/quantfold/stockdata/internal/domain"
	"github.com/quantfold/stockdata/internal/provider"
	"github.com/quantfold/stockdata/internal/store"
)

// Outcome names the terminal state of a fetch. The cascade is an explicit
// state machine: Idle → CacheCheck → {HitReturn | StoreCheck} →
// {StoreSufficientReturn | ExternalFetch} → {MergeAndReturn | FailReturn}.
type Outcome string

const (
	OutcomeHitReturn             Outcome = "hit_return"
	OutcomeStoreSufficientReturn Outcome = "store_sufficient_return"
	OutcomeMergeAndReturn        Outcome = "merge_and_return"
	OutcomeFailReturn            Outcome = "fail_return"
)

// Result is the answer to a FetchRequest.
type Result struct {
	Kind       domain.EntityKind   `json:"kind"`
	Prices     []domain.DailyPrice `json:"prices,omitempty"`
	Info       *domain.Security    `json:"info,omitempty"`
	Statements []domain.Statement  `json:"statements,omitempty"`

	// Stale marks data served from the store past its freshness policy
	// because the provider was unavailable. Availability is preferred
	// over strict freshness.
	Stale bool `json:"stale"`

	// Source names where the data came from: "cache", "store" or "provider".
	Source string `json:"source"`

	Outcome Outcome `json:"-"`
}

// Orchestrator composes the TTL cache, the durable store and the external
// source. Concurrent requests for the same cache key are coalesced: at most
// one external fetch per key is in flight at any time, and all concurrent
// callers share its result.
type Orchestrator struct {
	cache        *cache.Cache
	store        store.Store
	source       provider.Source
	policy       config.FreshnessConfig
	fetchTimeout time.Duration
	group        singleflight.Group
	log          zerolog.Logger
}

// New creates an orchestrator. fetchTimeout bounds a detached provider
// fetch; it should exceed the provider timeout times its retry budget.
func New(c *cache.Cache, st store.Store, src provider.Source, policy config.FreshnessConfig, fetchTimeout time.Duration, log zerolog.Logger) *Orchestrator {
	if fetchTimeout <= 0 {
		fetchTimeout = 2 * time.Minute
	}
	return &Orchestrator{
		cache:        c,
		store:        st,
		source:       src,
		policy:       policy,
		fetchTimeout: fetchTimeout,
		log:          log.With().Str("component", "acquire").Logger(),
	}
}

// Acquire answers a FetchRequest with the freshest acceptable data while
// minimizing external calls. This is the single entry point the routing
// layer calls after admission succeeds.
func (o *Orchestrator) Acquire(ctx context.Context, req domain.FetchRequest) (*Result, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	key := req.CacheKey()

	// CacheCheck: fastest path.
	if v, ok := o.cache.Get(key); ok {
		if res, ok := v.(*Result); ok {
			o.log.Debug().Str("key", key).Msg("Cache hit")
			hit := *res
			hit.Source = "cache"
			hit.Outcome = OutcomeHitReturn
			return &hit, nil
		}
	}

	// StoreCheck: evaluate durable data against the freshness policy.
	snap, err := o.loadSnapshot(ctx, req)
	if err != nil {
		o.log.Error().Err(err).Str("key", key).Msg("Store lookup failed")
		return nil, err
	}
	if snap.sufficient {
		res := snap.toResult(req.Kind, "store", OutcomeStoreSufficientReturn)
		o.cache.Set(key, res, snap.remaining)
		o.log.Debug().Str("key", key).Dur("ttl", snap.remaining).Msg("Store data sufficient")
		return res, nil
	}

	// ExternalFetch: coalesced per key. The fetch runs detached from the
	// caller's context so that a caller timing out does not abort the
	// fetch for everyone else; cache and store are still populated for
	// later callers.
	ch := o.group.DoChan(key, func() (interface{}, error) {
		fctx, cancel := context.WithTimeout(context.Background(), o.fetchTimeout)
		defer cancel()
		return o.fetchAndMerge(fctx, req, snap)
	})

	select {
	case <-ctx.Done():
		return nil, apperr.Timeout("request abandoned while provider fetch in flight", ctx.Err())
	case sf := <-ch:
		if sf.Err != nil {
			return o.resolveFetchFailure(req, snap, sf.Err)
		}
		return sf.Val.(*Result), nil
	}
}

// SearchSecurities looks up stored reference info by symbol or name
// fragment. Search never triggers an external fetch; only symbols already
// seen by the cascade are found.
func (o *Orchestrator) SearchSecurities(ctx context.Context, query, market string, limit int) ([]domain.Security, error) {
	return o.store.SearchSecurities(ctx, query, market, limit)
}

// InvalidateCache removes all cached entries with the given prefix and
// returns the count removed. Administrative hook.
func (o *Orchestrator) InvalidateCache(prefix string) int {
	return o.cache.InvalidatePrefix(prefix)
}

// CacheStats exposes cache population for the monitoring endpoint.
func (o *Orchestrator) CacheStats() cache.Stats {
	return o.cache.Stats()
}

func (o *Orchestrator) loadSnapshot(ctx context.Context, req domain.FetchRequest) (storeSnapshot, error) {
	switch req.Kind {
	case domain.KindPriceSeries:
		prices, err := o.store.GetDailyPrices(ctx, req.Symbol, req.StartDate, req.EndDate)
		if err != nil {
			return storeSnapshot{}, err
		}
		return o.evaluateSeries(req, prices), nil
	case domain.KindReferenceInfo:
		info, err := o.store.GetSecurity(ctx, req.Symbol)
		if err != nil {
			return storeSnapshot{}, err
		}
		return o.evaluateInfo(info), nil
	case domain.KindStatement:
		statements, err := o.store.GetStatements(ctx, req.Symbol, req.PeriodType)
		if err != nil {
			return storeSnapshot{}, err
		}
		return o.evaluateStatements(statements), nil
	default:
		return storeSnapshot{}, apperr.Validation("entity_kind", fmt.Sprintf("unknown entity kind: %s", req.Kind))
	}
}

// fetchAndMerge pulls the missing slice from the provider, upserts it into
// the store (idempotent by natural key) and re-reads the store so the
// caller sees the merged view. On success the cache is populated with a
// full freshness window.
func (o *Orchestrator) fetchAndMerge(ctx context.Context, req domain.FetchRequest, snap storeSnapshot) (*Result, error) {
	key := req.CacheKey()
	res := &Result{Kind: req.Kind, Source: "provider", Outcome: OutcomeMergeAndReturn}

	switch req.Kind {
	case domain.KindPriceSeries:
		fetchStart, fetchEnd := snap.fetchStart, snap.fetchEnd
		if fetchStart == "" || fetchEnd == "" {
			fetchStart, fetchEnd = req.StartDate, req.EndDate
		}
		fetched, err := o.source.FetchSeries(ctx, req.Symbol, fetchStart, fetchEnd)
		if err != nil {
			return nil, err
		}
		if _, err := o.store.UpsertDailyPrices(ctx, fetched); err != nil {
			return nil, err
		}
		merged, err := o.store.GetDailyPrices(ctx, req.Symbol, req.StartDate, req.EndDate)
		if err != nil {
			return nil, err
		}
		res.Prices = merged

	case domain.KindReferenceInfo:
		info, err := o.source.FetchInfo(ctx, req.Symbol)
		if err != nil {
			return nil, err
		}
		if err := o.store.UpsertSecurity(ctx, *info); err != nil {
			return nil, err
		}
		res.Info = info

	case domain.KindStatement:
		fetched, err := o.source.FetchStatements(ctx, req.Symbol, req.PeriodType)
		if err != nil {
			return nil, err
		}
		if _, err := o.store.UpsertStatements(ctx, fetched); err != nil {
			return nil, err
		}
		merged, err := o.store.GetStatements(ctx, req.Symbol, req.PeriodType)
		if err != nil {
			return nil, err
		}
		res.Statements = merged
	}

	o.cache.Set(key, res, o.cacheTTL(req.Kind))
	o.log.Info().
		Str("key", key).
		Str("outcome", string(res.Outcome)).
		Msg("Merged provider data")
	return res, nil
}

// resolveFetchFailure applies the failure policy: stale store data beats a
// hard error, a confirmed not-found is surfaced as SymbolNotFound, and only
// when nothing usable exists does the call fail with DataUnavailable.
func (o *Orchestrator) resolveFetchFailure(req domain.FetchRequest, snap storeSnapshot, fetchErr error) (*Result, error) {
	if snap.usable {
		o.log.Warn().
			Err(fetchErr).
			Str("symbol", req.Symbol).
			Msg("Provider fetch failed, serving stale store data")
		res := snap.toResult(req.Kind, "store", OutcomeFailReturn)
		res.Stale = true
		return res, nil
	}

	if provider.IsNotFound(fetchErr) {
		return nil, apperr.SymbolNotFound(req.Symbol)
	}

	if e, ok := apperr.As(fetchErr); ok && e.Code == apperr.CodeStore {
		return nil, fetchErr
	}

	o.log.Error().Err(fetchErr).Str("symbol", req.Symbol).Msg("Provider fetch failed with nothing usable in store")
	return nil, apperr.DataUnavailable(
		fmt.Sprintf("no data available for %s", req.Symbol), false, fetchErr)
}

func (s storeSnapshot) toResult(kind domain.EntityKind, source string, outcome Outcome) *Result {
	return &Result{
		Kind:       kind,
		Prices:     s.prices,
		Info:       s.info,
		Statements: s.statements,
		Source:     source,
		Outcome:    outcome,
	}
}
