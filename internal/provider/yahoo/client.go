// Package yahoo implements the external data source against the Yahoo
// Finance public API.
package yahoo

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/quantfold/stockdata/internal/config"
	"github.com/quantfold/stockdata/internal/domain"
	"github.com/quantfold/stockdata/internal/provider"
)

// Client fetches market data from Yahoo Finance. All outbound requests pass
// through a shared rate limiter enforcing minimum inter-call spacing, and
// transient failures are retried with exponential backoff. This throttle
// protects the provider and is distinct from inbound client rate limiting.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	maxRetries int
	backoff    time.Duration
	log        zerolog.Logger
}

// NewClient creates a Yahoo Finance client from provider configuration.
func NewClient(cfg config.ProviderConfig, log zerolog.Logger) *Client {
	minInterval := cfg.MinInterval
	if minInterval <= 0 {
		minInterval = time.Second
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	backoff := cfg.BackoffBase
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}
	return &Client{
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(rate.Every(minInterval), 1),
		maxRetries: cfg.MaxRetries,
		backoff:    backoff,
		log:        log.With().Str("component", "yahoo").Logger(),
	}
}

// chartResponse is the shape of the Yahoo chart API response.
type chartResponse struct {
	Chart struct {
		Result []struct {
			Meta struct {
				Currency     string `json:"currency"`
				ExchangeName string `json:"exchangeName"`
			} `json:"meta"`
			Timestamp  []int64 `json:"timestamp"`
			Indicators struct {
				Quote []struct {
					Open   []*float64 `json:"open"`
					High   []*float64 `json:"high"`
					Low    []*float64 `json:"low"`
					Close  []*float64 `json:"close"`
					Volume []*int64   `json:"volume"`
				} `json:"quote"`
				AdjClose []struct {
					AdjClose []*float64 `json:"adjclose"`
				} `json:"adjclose"`
			} `json:"indicators"`
		} `json:"result"`
		Error *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"chart"`
}

// FetchSeries returns daily bars for [startDate, endDate] inclusive.
func (c *Client) FetchSeries(ctx context.Context, symbol, startDate, endDate string) ([]domain.DailyPrice, error) {
	start, err := time.Parse(domain.DateLayout, startDate)
	if err != nil {
		return nil, provider.NewError(provider.KindProvider, symbol, fmt.Errorf("bad start date: %w", err))
	}
	end, err := time.Parse(domain.DateLayout, endDate)
	if err != nil {
		return nil, provider.NewError(provider.KindProvider, symbol, fmt.Errorf("bad end date: %w", err))
	}

	// period2 is exclusive upstream, extend by one day to include endDate
	endpoint := fmt.Sprintf("%s/v8/finance/chart/%s?interval=1d&period1=%d&period2=%d&events=div%%2Csplit",
		c.baseURL, url.PathEscape(symbol), start.Unix(), end.AddDate(0, 0, 1).Unix())

	body, err := c.doWithRetry(ctx, symbol, endpoint)
	if err != nil {
		return nil, err
	}

	var chart chartResponse
	if err := json.Unmarshal(body, &chart); err != nil {
		return nil, provider.NewError(provider.KindProvider, symbol, fmt.Errorf("decode chart response: %w", err))
	}
	if chart.Chart.Error != nil {
		if strings.EqualFold(chart.Chart.Error.Code, "Not Found") {
			return nil, provider.NewError(provider.KindNotFound, symbol, nil)
		}
		return nil, provider.NewError(provider.KindProvider, symbol,
			fmt.Errorf("chart api error: %s", chart.Chart.Error.Description))
	}
	if len(chart.Chart.Result) == 0 || len(chart.Chart.Result[0].Timestamp) == 0 {
		return nil, provider.NewError(provider.KindNotFound, symbol, nil)
	}

	result := chart.Chart.Result[0]
	if len(result.Indicators.Quote) == 0 {
		return nil, provider.NewError(provider.KindProvider, symbol, fmt.Errorf("chart response missing quote data"))
	}
	quote := result.Indicators.Quote[0]

	now := time.Now()
	prices := make([]domain.DailyPrice, 0, len(result.Timestamp))
	for i, ts := range result.Timestamp {
		o, h, l, cl := deref(quote.Open, i), deref(quote.High, i), deref(quote.Low, i), deref(quote.Close, i)
		if o == 0 && h == 0 && l == 0 && cl == 0 {
			continue // null bars (holidays etc.)
		}
		adj := cl
		if len(result.Indicators.AdjClose) > 0 {
			if v := deref(result.Indicators.AdjClose[0].AdjClose, i); v != 0 {
				adj = v
			}
		}
		var vol int64
		if i < len(quote.Volume) && quote.Volume[i] != nil {
			vol = *quote.Volume[i]
		}
		prices = append(prices, domain.DailyPrice{
			Symbol:    symbol,
			Date:      time.Unix(ts, 0).UTC().Format(domain.DateLayout),
			Open:      o,
			High:      h,
			Low:       l,
			Close:     cl,
			AdjClose:  adj,
			Volume:    vol,
			FetchedAt: now,
		})
	}
	sort.Slice(prices, func(i, j int) bool { return prices[i].Date < prices[j].Date })

	c.log.Debug().Str("symbol", symbol).Int("bars", len(prices)).Msg("Fetched daily series")
	return prices, nil
}

// quoteSummaryResponse is the shape of the Yahoo quoteSummary API response.
type quoteSummaryResponse struct {
	QuoteSummary struct {
		Result []struct {
			Price *struct {
				LongName     string `json:"longName"`
				ShortName    string `json:"shortName"`
				Currency     string `json:"currency"`
				ExchangeName string `json:"exchangeName"`
			} `json:"price"`
			SummaryProfile *struct {
				Sector   string `json:"sector"`
				Industry string `json:"industry"`
			} `json:"summaryProfile"`
			IncomeStatementHistory          *statementHistory `json:"incomeStatementHistory"`
			IncomeStatementHistoryQuarterly *statementHistory `json:"incomeStatementHistoryQuarterly"`
			BalanceSheetHistory             *balanceHistory   `json:"balanceSheetHistory"`
			BalanceSheetHistoryQuarterly    *balanceHistory   `json:"balanceSheetHistoryQuarterly"`
		} `json:"result"`
		Error *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"quoteSummary"`
}

type rawValue struct {
	Raw *float64 `json:"raw"`
}

type incomeStatement struct {
	EndDate         struct{ Fmt string } `json:"endDate"`
	TotalRevenue    rawValue             `json:"totalRevenue"`
	GrossProfit     rawValue             `json:"grossProfit"`
	OperatingIncome rawValue             `json:"operatingIncome"`
	NetIncome       rawValue             `json:"netIncome"`
}

type statementHistory struct {
	IncomeStatementHistory []incomeStatement `json:"incomeStatementHistory"`
}

type balanceSheet struct {
	EndDate          struct{ Fmt string } `json:"endDate"`
	TotalAssets      rawValue             `json:"totalAssets"`
	TotalLiab        rawValue             `json:"totalLiab"`
	StockholderEquity rawValue            `json:"totalStockholderEquity"`
}

type balanceHistory struct {
	BalanceSheetStatements []balanceSheet `json:"balanceSheetStatements"`
}

// FetchInfo returns reference information for a symbol.
func (c *Client) FetchInfo(ctx context.Context, symbol string) (*domain.Security, error) {
	body, err := c.doWithRetry(ctx, symbol, c.summaryURL(symbol, "price,summaryProfile"))
	if err != nil {
		return nil, err
	}

	qs, err := c.decodeSummary(symbol, body)
	if err != nil {
		return nil, err
	}
	result := qs.QuoteSummary.Result[0]
	if result.Price == nil {
		return nil, provider.NewError(provider.KindNotFound, symbol, nil)
	}

	name := result.Price.LongName
	if name == "" {
		name = result.Price.ShortName
	}
	if name == "" {
		name = symbol
	}
	market := domain.Market(symbol)
	currency := result.Price.Currency
	if currency == "" {
		if market == "jp" {
			currency = "JPY"
		} else {
			currency = "USD"
		}
	}

	sec := &domain.Security{
		Symbol:    symbol,
		Name:      name,
		Market:    market,
		Currency:  currency,
		Exchange:  result.Price.ExchangeName,
		FetchedAt: time.Now(),
	}
	if result.SummaryProfile != nil {
		sec.Sector = result.SummaryProfile.Sector
		sec.Industry = result.SummaryProfile.Industry
	}
	c.log.Debug().Str("symbol", symbol).Str("name", sec.Name).Msg("Fetched reference info")
	return sec, nil
}

// FetchStatements returns income statement and balance sheet history merged
// by period end.
func (c *Client) FetchStatements(ctx context.Context, symbol, periodType string) ([]domain.Statement, error) {
	modules := []string{}
	if periodType == "" || periodType == "quarterly" {
		modules = append(modules, "incomeStatementHistoryQuarterly", "balanceSheetHistoryQuarterly")
	}
	if periodType == "" || periodType == "annual" {
		modules = append(modules, "incomeStatementHistory", "balanceSheetHistory")
	}

	body, err := c.doWithRetry(ctx, symbol, c.summaryURL(symbol, strings.Join(modules, ",")))
	if err != nil {
		return nil, err
	}
	qs, err := c.decodeSummary(symbol, body)
	if err != nil {
		return nil, err
	}
	result := qs.QuoteSummary.Result[0]

	byKey := make(map[string]*domain.Statement)
	now := time.Now()
	collect := func(periodType string, income *statementHistory, balance *balanceHistory) {
		if income != nil {
			for _, is := range income.IncomeStatementHistory {
				if is.EndDate.Fmt == "" {
					continue
				}
				st := statementFor(byKey, symbol, periodType, is.EndDate.Fmt, now)
				st.Revenue = is.TotalRevenue.Raw
				st.GrossProfit = is.GrossProfit.Raw
				st.OperatingIncome = is.OperatingIncome.Raw
				st.NetIncome = is.NetIncome.Raw
			}
		}
		if balance != nil {
			for _, bs := range balance.BalanceSheetStatements {
				if bs.EndDate.Fmt == "" {
					continue
				}
				st := statementFor(byKey, symbol, periodType, bs.EndDate.Fmt, now)
				st.TotalAssets = bs.TotalAssets.Raw
				st.TotalDebt = bs.TotalLiab.Raw
				st.ShareholdersEquity = bs.StockholderEquity.Raw
			}
		}
	}
	collect("quarterly", result.IncomeStatementHistoryQuarterly, result.BalanceSheetHistoryQuarterly)
	collect("annual", result.IncomeStatementHistory, result.BalanceSheetHistory)

	statements := make([]domain.Statement, 0, len(byKey))
	for _, st := range byKey {
		statements = append(statements, *st)
	}
	sort.Slice(statements, func(i, j int) bool { return statements[i].PeriodEnd > statements[j].PeriodEnd })

	c.log.Debug().Str("symbol", symbol).Int("statements", len(statements)).Msg("Fetched financial statements")
	return statements, nil
}

func statementFor(byKey map[string]*domain.Statement, symbol, periodType, periodEnd string, fetchedAt time.Time) *domain.Statement {
	key := periodType + "|" + periodEnd
	if st, ok := byKey[key]; ok {
		return st
	}
	st := &domain.Statement{
		Symbol:     symbol,
		PeriodType: periodType,
		PeriodEnd:  periodEnd,
		FetchedAt:  fetchedAt,
	}
	byKey[key] = st
	return st
}

func (c *Client) summaryURL(symbol, modules string) string {
	return fmt.Sprintf("%s/v10/finance/quoteSummary/%s?modules=%s",
		c.baseURL, url.PathEscape(symbol), url.QueryEscape(modules))
}

func (c *Client) decodeSummary(symbol string, body []byte) (*quoteSummaryResponse, error) {
	var qs quoteSummaryResponse
	if err := json.Unmarshal(body, &qs); err != nil {
		return nil, provider.NewError(provider.KindProvider, symbol, fmt.Errorf("decode summary response: %w", err))
	}
	if qs.QuoteSummary.Error != nil {
		if strings.EqualFold(qs.QuoteSummary.Error.Code, "Not Found") {
			return nil, provider.NewError(provider.KindNotFound, symbol, nil)
		}
		return nil, provider.NewError(provider.KindProvider, symbol,
			fmt.Errorf("summary api error: %s", qs.QuoteSummary.Error.Description))
	}
	if len(qs.QuoteSummary.Result) == 0 {
		return nil, provider.NewError(provider.KindNotFound, symbol, nil)
	}
	return &qs, nil
}

// doWithRetry performs a throttled GET with bounded retries. Only transient
// failures are retried; not-found and confirmed provider errors surface on
// the first occurrence.
func (c *Client) doWithRetry(ctx context.Context, symbol, endpoint string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := c.backoff << (attempt - 1)
			c.log.Debug().
				Str("symbol", symbol).
				Int("attempt", attempt+1).
				Dur("backoff", backoff).
				Msg("Retrying provider request")
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, provider.NewError(provider.KindTransient, symbol, ctx.Err())
			}
		}

		body, err := c.doOnce(ctx, symbol, endpoint)
		if err == nil {
			return body, nil
		}
		if !provider.IsTransient(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

func (c *Client) doOnce(ctx context.Context, symbol, endpoint string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, provider.NewError(provider.KindTransient, symbol, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, provider.NewError(provider.KindProvider, symbol, err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; stockdata/1.0)")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, provider.NewError(provider.KindTransient, symbol, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, provider.NewError(provider.KindTransient, symbol, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return body, nil
	case resp.StatusCode == http.StatusNotFound:
		return nil, provider.NewError(provider.KindNotFound, symbol, nil)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, provider.NewError(provider.KindTransient, symbol,
			fmt.Errorf("status %d", resp.StatusCode))
	default:
		return nil, provider.NewError(provider.KindProvider, symbol,
			fmt.Errorf("status %d: %s", resp.StatusCode, truncate(string(body), 200)))
	}
}

func deref(vals []*float64, i int) float64 {
	if i < len(vals) && vals[i] != nil {
		return *vals[i]
	}
	return 0
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
