package acquire

import (
	"time"

	"github.com/quantfold/stockdata/internal/domain"
)

// storeSnapshot is the durable store's answer for a request, evaluated
// against the freshness policy.
type storeSnapshot struct {
	prices     []domain.DailyPrice
	info       *domain.Security
	statements []domain.Statement

	// sufficient means the snapshot satisfies the request without an
	// external fetch.
	sufficient bool
	// usable means the snapshot has some data that can be served stale if
	// the provider fails.
	usable bool
	// remaining is the cache TTL when sufficient: the rest of the
	// freshness window.
	remaining time.Duration

	// Narrowed provider fetch window for price series: only the missing
	// slice is requested, not the full range.
	fetchStart string
	fetchEnd   string
}

// requiredTradingDates returns the weekdays in [start, end]. Exchange
// holidays cannot be derived locally, so weekday coverage is the
// completeness approximation; a range containing holidays is served from
// cache between refetches.
func requiredTradingDates(startDate, endDate string) []string {
	start, err := time.Parse(domain.DateLayout, startDate)
	if err != nil {
		return nil
	}
	end, err := time.Parse(domain.DateLayout, endDate)
	if err != nil {
		return nil
	}

	var dates []string
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		if wd := d.Weekday(); wd == time.Saturday || wd == time.Sunday {
			continue
		}
		dates = append(dates, d.Format(domain.DateLayout))
	}
	return dates
}

// evaluateSeries judges stored price data against the request range.
// Complete means every required trading date is covered; for ranges that
// reach the current day, the newest row must additionally be within the
// price freshness policy (intraday bars keep changing).
func (o *Orchestrator) evaluateSeries(req domain.FetchRequest, prices []domain.DailyPrice) storeSnapshot {
	snap := storeSnapshot{prices: prices, usable: len(prices) > 0}

	required := requiredTradingDates(req.StartDate, req.EndDate)
	have := make(map[string]bool, len(prices))
	var newestFetch time.Time
	for _, p := range prices {
		have[p.Date] = true
		if p.FetchedAt.After(newestFetch) {
			newestFetch = p.FetchedAt
		}
	}

	var missing []string
	for _, d := range required {
		if !have[d] {
			missing = append(missing, d)
		}
	}

	today := time.Now().Format(domain.DateLayout)
	reachesToday := req.EndDate >= today

	if len(missing) == 0 {
		age := time.Since(newestFetch)
		if !reachesToday || age < o.policy.Prices {
			snap.sufficient = true
			snap.remaining = o.policy.Prices - age
			if !reachesToday || snap.remaining > o.policy.Prices {
				snap.remaining = o.policy.Prices
			}
			return snap
		}
		// Covered but stale for an open range: refetch the whole window
		// so the latest bars are refreshed.
		snap.fetchStart = req.StartDate
		snap.fetchEnd = req.EndDate
		return snap
	}

	snap.fetchStart = missing[0]
	snap.fetchEnd = missing[len(missing)-1]
	return snap
}

// evaluateInfo judges stored reference info by its recorded fetch time.
func (o *Orchestrator) evaluateInfo(info *domain.Security) storeSnapshot {
	snap := storeSnapshot{info: info, usable: info != nil}
	if info == nil {
		return snap
	}
	age := time.Since(info.FetchedAt)
	if age < o.policy.ReferenceInfo {
		snap.sufficient = true
		snap.remaining = o.policy.ReferenceInfo - age
	}
	return snap
}

// evaluateStatements judges stored statements by the newest recorded fetch
// time.
func (o *Orchestrator) evaluateStatements(statements []domain.Statement) storeSnapshot {
	snap := storeSnapshot{statements: statements, usable: len(statements) > 0}
	if len(statements) == 0 {
		return snap
	}
	var newestFetch time.Time
	for _, st := range statements {
		if st.FetchedAt.After(newestFetch) {
			newestFetch = st.FetchedAt
		}
	}
	age := time.Since(newestFetch)
	if age < o.policy.Statements {
		snap.sufficient = true
		snap.remaining = o.policy.Statements - age
	}
	return snap
}

// cacheTTL returns the full freshness window for a kind, used after a
// provider fetch repopulates the store.
func (o *Orchestrator) cacheTTL(kind domain.EntityKind) time.Duration {
	switch kind {
	case domain.KindPriceSeries:
		return o.policy.Prices
	case domain.KindReferenceInfo:
		return o.policy.ReferenceInfo
	case domain.KindStatement:
		return o.policy.Statements
	default:
		return o.policy.Prices
	}
}
