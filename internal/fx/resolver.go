// Package fx resolves the USD/KRW rate used for local-currency reserves.
package fx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"kis-autotrader/pkg/cache"
	"kis-autotrader/pkg/exchanges/kis"
)

const (
	cacheKey  = "USDKRW"
	cacheTTL  = 10 * time.Minute
	userAgent = "Mozilla/5.0 (compatible; kis-autotrader/1.0)"

	DefaultFallbackURL = "https://query1.finance.yahoo.com/v8/finance/chart/KRW=X"
)

// Rate sources.
const (
	SourceBulletin = "kis_present_balance_frst_bltn_exrt"
	SourceBase     = "kis_present_balance_bass_exrt"
	SourceExternal = "external_chart"
)

var ErrUnavailable = errors.New("fx: rate unavailable")

// Result is a resolved rate. Rate is zero when nothing resolved.
type Result struct {
	Rate      decimal.Decimal `json:"rate"`
	Source    string          `json:"source"`
	FetchedAt time.Time       `json:"fetched_at"`
	Err       string          `json:"error,omitempty"`
}

// OK reports whether a positive rate was resolved.
func (r Result) OK() bool { return r.Rate.IsPositive() }

// PresentBalancer is the brokerage feed.
type PresentBalancer interface {
	PresentBalance(ctx context.Context, currency string) (*kis.PresentBalance, error)
}

// Resolver resolves the rate from the brokerage feed, then the external
// chart feed, caching successes only.
type Resolver struct {
	broker      PresentBalancer
	fallbackURL string
	httpClient  *http.Client
	now         func() time.Time
	cache       *cache.TTLCache[Result]

	// OnResolve observes outcomes by source ("none" on failure).
	OnResolve func(source string)
}

// NewResolver creates a resolver. broker may be nil to skip the brokerage feed.
func NewResolver(broker PresentBalancer, fallbackURL string, now func() time.Time) *Resolver {
	if fallbackURL == "" {
		fallbackURL = DefaultFallbackURL
	}
	if now == nil {
		now = time.Now
	}
	return &Resolver{
		broker:      broker,
		fallbackURL: fallbackURL,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		now:         now,
		cache:       cache.NewTTLCache[Result](cacheTTL, now),
	}
}

// Cached returns the cached result without any remote call.
func (r *Resolver) Cached() (Result, bool) {
	return r.cache.Get(cacheKey)
}

// Resolve returns a cached rate or fetches a fresh one.
func (r *Resolver) Resolve(ctx context.Context) Result {
	if res, ok := r.cache.Get(cacheKey); ok {
		return res
	}

	var errs []error
	if r.broker != nil {
		res, err := r.fromBroker(ctx)
		if err == nil {
			return r.store(res)
		}
		errs = append(errs, err)
	}

	res, err := r.fromExternal(ctx)
	if err == nil {
		return r.store(res)
	}
	errs = append(errs, err)

	joined := errors.Join(errs...)
	log.Printf("⚠️ fx: %v", joined)
	if r.OnResolve != nil {
		r.OnResolve("none")
	}
	return Result{Rate: decimal.Zero, FetchedAt: r.now(), Err: joined.Error()}
}

func (r *Resolver) store(res Result) Result {
	r.cache.Set(cacheKey, res)
	log.Printf("💱 fx: USD/KRW %s (%s)", res.Rate.StringFixed(2), res.Source)
	if r.OnResolve != nil {
		r.OnResolve(res.Source)
	}
	return res
}

func (r *Resolver) fromBroker(ctx context.Context) (Result, error) {
	pb, err := r.broker.PresentBalance(ctx, "USD")
	if err != nil {
		return Result{}, fmt.Errorf("present balance: %w", err)
	}
	if pb.FirstBulletinRate.IsPositive() {
		return Result{Rate: pb.FirstBulletinRate, Source: SourceBulletin, FetchedAt: r.now()}, nil
	}
	for _, rate := range pb.BaseRates {
		if rate.IsPositive() {
			return Result{Rate: rate, Source: SourceBase, FetchedAt: r.now()}, nil
		}
	}
	return Result{}, fmt.Errorf("present balance: %w", ErrUnavailable)
}

type chartResponse struct {
	Chart struct {
		Result []struct {
			Meta struct {
				RegularMarketPrice float64 `json:"regularMarketPrice"`
			} `json:"meta"`
		} `json:"result"`
		Error *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"chart"`
}

func (r *Resolver) fromExternal(ctx context.Context) (Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.fallbackURL, nil)
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("external feed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("external feed: unexpected status code: %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, err
	}

	var data chartResponse
	if err := json.Unmarshal(body, &data); err != nil {
		return Result{}, fmt.Errorf("external feed: %w", err)
	}
	if data.Chart.Error != nil {
		return Result{}, fmt.Errorf("external feed: %s - %s", data.Chart.Error.Code, data.Chart.Error.Description)
	}
	if len(data.Chart.Result) == 0 {
		return Result{}, fmt.Errorf("external feed: empty result")
	}
	rate := decimal.NewFromFloat(data.Chart.Result[0].Meta.RegularMarketPrice)
	if !rate.IsPositive() {
		return Result{}, fmt.Errorf("external feed: %w", ErrUnavailable)
	}
	return Result{Rate: rate, Source: SourceExternal, FetchedAt: r.now()}, nil
}
