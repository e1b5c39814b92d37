package kis

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"kis-autotrader/pkg/exchanges/common"
)

type fakeTokens struct {
	invalidated atomic.Int32
}

func (f *fakeTokens) Token(context.Context) (string, error) { return "Bearer test", nil }
func (f *fakeTokens) Invalidate()                          { f.invalidated.Add(1) }

func noSleep(context.Context, time.Duration) error { return nil }

func newTestClient(t *testing.T, mode common.Mode, h http.HandlerFunc) (*Client, *fakeTokens) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	tokens := &fakeTokens{}
	c := New(Config{
		Mode:              mode,
		BaseURL:           srv.URL,
		AppKey:            "key",
		AppSecret:         "secret",
		AccountNo:         "12345678-01",
		RequestsPerSecond: 1000,
	}, tokens)
	c.Sleep = noSleep
	return c, tokens
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestExpiredTokenInvalidatesAndRetries(t *testing.T) {
	var calls atomic.Int32
	c, tokens := newTestClient(t, common.ModeMock, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("authorization") != "Bearer test" {
			t.Errorf("missing bearer token")
		}
		if calls.Add(1) == 1 {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"rt_cd": "1", "msg_cd": "EGW00123", "msg1": "expired"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"rt_cd": "0", "output": map[string]string{"last": "187.42"}})
	})

	price, err := c.CurrentPrice(context.Background(), "NASD", "AAPL")
	if err != nil {
		t.Fatalf("CurrentPrice: %v", err)
	}
	if !price.Equal(decimal.RequireFromString("187.42")) {
		t.Fatalf("price = %s", price)
	}
	if tokens.invalidated.Load() != 1 {
		t.Fatalf("expected one invalidation, got %d", tokens.invalidated.Load())
	}
	if calls.Load() != 2 {
		t.Fatalf("expected 2 calls, got %d", calls.Load())
	}
}

func TestRateLimitExhausts(t *testing.T) {
	var calls atomic.Int32
	var retries atomic.Int32
	c, _ := newTestClient(t, common.ModeReal, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"rt_cd": "1", "msg_cd": "EGW00201"})
	})
	c.OnRetry = func(string, common.Class) { retries.Add(1) }

	_, err := c.CurrentPrice(context.Background(), "NAS", "TSLA")
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected rate-limited error, got %v", err)
	}
	if calls.Load() != 3 || retries.Load() != 2 {
		t.Fatalf("calls=%d retries=%d", calls.Load(), retries.Load())
	}
}

func TestTransientValidationOnlyOnBalance(t *testing.T) {
	var balanceCalls, buyableCalls atomic.Int32
	c, _ := newTestClient(t, common.ModeMock, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case pathBalance:
			if balanceCalls.Add(1) < 3 {
				writeJSON(w, http.StatusOK, map[string]string{"rt_cd": "1", "msg_cd": "OPSQ2000"})
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"rt_cd": "0",
				"output1": []map[string]string{
					{"ovrs_pdno": "aapl", "ovrs_cblc_qty": "10", "ord_psbl_qty": "10", "evlu_pfls_rt": "6.01", "ovrs_excg_cd": "NASD"},
					{"ovrs_pdno": "", "ovrs_cblc_qty": "0"},
				},
			})
		case pathBuyable:
			buyableCalls.Add(1)
			writeJSON(w, http.StatusOK, map[string]string{"rt_cd": "1", "msg_cd": "OPSQ2000"})
		}
	})

	holdings, err := c.Balance(context.Background(), "NASD", "USD")
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if len(holdings) != 1 || holdings[0].Symbol != "AAPL" || holdings[0].Qty != 10 {
		t.Fatalf("unexpected holdings %+v", holdings)
	}
	if !holdings[0].ProfitRate.Equal(decimal.RequireFromString("6.01")) {
		t.Fatalf("profit rate = %s", holdings[0].ProfitRate)
	}
	if balanceCalls.Load() != 3 {
		t.Fatalf("balance calls = %d, want 3", balanceCalls.Load())
	}

	if _, err := c.BuyableAmount(context.Background(), "NASD", "AAPL", decimal.NewFromInt(100)); err == nil {
		t.Fatalf("expected buyable failure")
	}
	if buyableCalls.Load() != 1 {
		t.Fatalf("buyable should not retry validation codes, calls = %d", buyableCalls.Load())
	}
}

func TestPlaceOrderBody(t *testing.T) {
	c, _ := newTestClient(t, common.ModeReal, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != pathOrder || r.Method != http.MethodPost {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("tr_id"); got != "TTTS1002U" {
			t.Errorf("tr_id = %s", got)
		}
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		want := map[string]string{
			"CANO": "12345678", "ACNT_PRDT_CD": "01", "OVRS_EXCG_CD": "SEHK",
			"PDNO": "00700", "ORD_QTY": "100", "OVRS_ORD_UNPR": "312.40", "ORD_DVSN": "00",
		}
		for k, v := range want {
			if body[k] != v {
				t.Errorf("%s = %q, want %q", k, body[k], v)
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"rt_cd": "0", "output": map[string]string{"ODNO": "0030112233"}})
	})

	res, err := c.PlaceOrder(context.Background(), common.OrderRequest{
		Symbol: "00700", Exchange: "SEHK", Side: common.SideBuy, Qty: 100, Price: "312.40",
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if res.OrderNo != "0030112233" {
		t.Fatalf("order no = %s", res.OrderNo)
	}
}

func TestOrderHistoryPaginates(t *testing.T) {
	var pages atomic.Int32
	c, _ := newTestClient(t, common.ModeReal, func(w http.ResponseWriter, r *http.Request) {
		n := pages.Add(1)
		if n == 2 && r.Header.Get("tr_cont") != "N" {
			t.Errorf("continuation request missing tr_cont=N")
		}
		if n == 1 {
			w.Header().Set("tr_cont", "M")
			writeJSON(w, http.StatusOK, map[string]any{
				"rt_cd": "0", "ctx_area_nk200": "NEXT", "ctx_area_fk200": "F",
				"output": []map[string]string{{"odno": "1", "pdno": "AAPL", "sll_buy_dvsn_cd": "02", "ord_dt": "20260302", "ft_ord_qty": "5", "ft_ccld_qty": "5", "nccs_qty": "0"}},
			})
			return
		}
		w.Header().Set("tr_cont", "D")
		writeJSON(w, http.StatusOK, map[string]any{
			"rt_cd":  "0",
			"output": []map[string]string{{"odno": "2", "pdno": "AAPL", "sll_buy_dvsn_cd": "01", "ord_dt": "20260301", "ft_ord_qty": "5", "ft_ccld_qty": "2", "nccs_qty": "3"}},
		})
	})

	rows, err := c.OrderHistory(context.Background(), HistoryQuery{Start: "20260201", End: "20260302"})
	if err != nil {
		t.Fatalf("OrderHistory: %v", err)
	}
	if len(rows) != 2 || pages.Load() != 2 {
		t.Fatalf("rows=%d pages=%d", len(rows), pages.Load())
	}
	if rows[0].Side != common.SideBuy || rows[1].Side != common.SideSell {
		t.Fatalf("side decoding wrong: %+v", rows)
	}
	if fillStatus(rows[0]) != common.StatusFilled || fillStatus(rows[1]) != common.StatusPartial {
		t.Fatalf("fill status mapping wrong")
	}
}

func TestAskLevels(t *testing.T) {
	c, _ := newTestClient(t, common.ModeReal, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("EXCD") != "NAS" {
			t.Errorf("EXCD = %s", r.URL.Query().Get("EXCD"))
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"rt_cd":   "0",
			"output2": map[string]string{"pask1": "10.01", "vask1": "3", "pask2": "10.02", "vask2": "7", "pask3": "", "vask3": ""},
		})
	})
	levels, err := c.AskLevels(context.Background(), "NASD", "XYZ")
	if err != nil {
		t.Fatalf("AskLevels: %v", err)
	}
	if len(levels) != 2 || levels[1].Qty != 7 {
		t.Fatalf("unexpected levels %+v", levels)
	}
}

func TestIssueToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["appkey"] == "limited" {
			writeJSON(w, http.StatusForbidden, map[string]string{"error_code": "EGW00133", "error_description": "1 per minute"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"access_token": "abc", "expires_in": 86400})
	}))
	defer srv.Close()

	res, err := IssueToken(context.Background(), nil, srv.URL, "key", "secret")
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	if res.AccessToken != "abc" || res.ExpiresIn != 24*time.Hour {
		t.Fatalf("unexpected result %+v", res)
	}

	_, err = IssueToken(context.Background(), nil, srv.URL, "limited", "secret")
	var tokErr *TokenError
	if !errors.As(err, &tokErr) || !tokErr.RateLimited() {
		t.Fatalf("expected rate-limited token error, got %v", err)
	}
}
