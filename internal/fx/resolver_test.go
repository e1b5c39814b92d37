package fx

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"kis-autotrader/pkg/exchanges/kis"
)

type stubBroker struct {
	pb    *kis.PresentBalance
	err   error
	calls atomic.Int32
}

func (s *stubBroker) PresentBalance(context.Context, string) (*kis.PresentBalance, error) {
	s.calls.Add(1)
	return s.pb, s.err
}

func chartServer(t *testing.T, body string, status int, hits *atomic.Int32) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Header.Get("User-Agent") == "" {
			t.Errorf("missing User-Agent")
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv.URL
}

func TestResolvePriority(t *testing.T) {
	var hits atomic.Int32
	url := chartServer(t, `{"chart":{"result":[{"meta":{"regularMarketPrice":1390.5}}]}}`, 200, &hits)

	tests := []struct {
		name   string
		broker *stubBroker
		want   string
		source string
	}{
		{"bulletin rate", &stubBroker{pb: &kis.PresentBalance{FirstBulletinRate: decimal.RequireFromString("1385.2")}}, "1385.2", SourceBulletin},
		{"first positive base rate", &stubBroker{pb: &kis.PresentBalance{BaseRates: []decimal.Decimal{decimal.Zero, decimal.RequireFromString("1380")}}}, "1380", SourceBase},
		{"broker error falls back", &stubBroker{err: errors.New("boom")}, "1390.5", SourceExternal},
		{"broker empty falls back", &stubBroker{pb: &kis.PresentBalance{}}, "1390.5", SourceExternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewResolver(tt.broker, url, nil)
			res := r.Resolve(context.Background())
			if !res.OK() || !res.Rate.Equal(decimal.RequireFromString(tt.want)) || res.Source != tt.source {
				t.Fatalf("got %+v", res)
			}
		})
	}
}

func TestResolveCachesSuccessOnly(t *testing.T) {
	var hits atomic.Int32
	url := chartServer(t, `{"chart":{"result":[],"error":{"code":"Not Found","description":"x"}}}`, 200, &hits)
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	broker := &stubBroker{err: errors.New("down")}
	r := NewResolver(broker, url, clock)

	if res := r.Resolve(context.Background()); res.OK() || res.Err == "" {
		t.Fatalf("expected failure, got %+v", res)
	}
	if _, ok := r.Cached(); ok {
		t.Fatalf("failures must not be cached")
	}

	broker.err = nil
	broker.pb = &kis.PresentBalance{FirstBulletinRate: decimal.NewFromInt(1400)}
	if res := r.Resolve(context.Background()); !res.OK() {
		t.Fatalf("expected success, got %+v", res)
	}
	before := broker.calls.Load()
	now = now.Add(9 * time.Minute)
	if res := r.Resolve(context.Background()); !res.OK() || broker.calls.Load() != before {
		t.Fatalf("expected cached result within ttl")
	}
	now = now.Add(2 * time.Minute)
	r.Resolve(context.Background())
	if broker.calls.Load() != before+1 {
		t.Fatalf("expected refetch after ttl")
	}
}
