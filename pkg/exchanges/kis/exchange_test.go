package kis

import (
	"errors"
	"net/http"
	"testing"

	"kis-autotrader/pkg/exchanges/common"
)

func TestExchangeNormalization(t *testing.T) {
	orderTests := map[string]string{
		"NAS": "NASD", "nys": "NYSE", "AMS": "AMEX",
		"BAQ": "NASD", "BAY": "NYSE", "BAA": "AMEX",
		"NASD": "NASD", "SEHK": "SEHK", "": "NASD",
	}
	for in, want := range orderTests {
		if got := OrderExchange(in); got != want {
			t.Errorf("OrderExchange(%q) = %q, want %q", in, got, want)
		}
	}
	quoteTests := map[string]string{
		"NASD": "NAS", "NYSE": "NYS", "AMEX": "AMS", "NAS": "NAS", "": "NAS",
	}
	for in, want := range quoteTests {
		if got := QuoteExchange(in); got != want {
			t.Errorf("QuoteExchange(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestOrderTrID(t *testing.T) {
	tests := []struct {
		exchange string
		side     common.Side
		mode     common.Mode
		want     string
	}{
		{"NASD", common.SideBuy, common.ModeMock, "VTTT1002U"},
		{"NASD", common.SideBuy, common.ModeReal, "TTTT1002U"},
		{"NYSE", common.SideSell, common.ModeMock, "VTTT1001U"},
		{"AMEX", common.SideSell, common.ModeReal, "TTTT1006U"},
		{"SEHK", common.SideBuy, common.ModeReal, "TTTS1002U"},
		{"SEHK", common.SideSell, common.ModeMock, "VTTS1001U"},
		{"TKSE", common.SideBuy, common.ModeMock, "VTTS0308U"},
		{"TKSE", common.SideSell, common.ModeReal, "TTTS0307U"},
		{"SHAA", common.SideBuy, common.ModeReal, "TTTS0202U"},
		{"SHAA", common.SideSell, common.ModeMock, "VTTS1005U"},
		{"SZAA", common.SideBuy, common.ModeMock, "VTTS0305U"},
		{"SZAA", common.SideSell, common.ModeReal, "TTTS0304U"},
		{"HASE", common.SideBuy, common.ModeReal, "TTTS0311U"},
		{"VNSE", common.SideSell, common.ModeMock, "VTTS0310U"},
		{"XXXX", common.SideBuy, common.ModeReal, "TTTT1002U"},
		{"NAS", common.SideSell, common.ModeReal, "TTTT1006U"},
	}
	for _, tt := range tests {
		t.Run(tt.exchange+"/"+string(tt.side)+"/"+string(tt.mode), func(t *testing.T) {
			if got := OrderTrID(tt.exchange, tt.side, tt.mode); got != tt.want {
				t.Fatalf("got %s, want %s", got, tt.want)
			}
		})
	}
}

func TestReviseCancelTrID(t *testing.T) {
	tests := map[string][2]string{
		"NASD": {"VTTT1004U", "TTTT1004U"},
		"SEHK": {"VTTS1003U", "TTTS1003U"},
		"TKSE": {"VTTS0309U", "TTTS0309U"},
		"SHAA": {"VTTS0302U", "TTTS0302U"},
		"SZAA": {"VTTS0306U", "TTTS0306U"},
		"HASE": {"VTTS0312U", "TTTS0312U"},
		"VNSE": {"VTTS0312U", "TTTS0312U"},
	}
	for ex, want := range tests {
		if got := ReviseCancelTrID(ex, common.ModeMock); got != want[0] {
			t.Errorf("%s mock: got %s want %s", ex, got, want[0])
		}
		if got := ReviseCancelTrID(ex, common.ModeReal); got != want[1] {
			t.Errorf("%s real: got %s want %s", ex, got, want[1])
		}
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		transient bool
		want      common.Class
	}{
		{"nil", nil, false, common.ClassSuccess},
		{"expired", &APIError{Status: 200, RtCd: "1", MsgCd: "EGW00123"}, false, common.ClassExpiredToken},
		{"invalid token", &APIError{Status: 500, MsgCd: "EGW00121"}, false, common.ClassExpiredToken},
		{"tps limit in 500 body", &APIError{Status: 500, MsgCd: "EGW00201"}, false, common.ClassRateLimited},
		{"token issue limit", &APIError{Status: 200, RtCd: "1", MsgCd: "EGW00133"}, false, common.ClassRateLimited},
		{"http 429", &APIError{Status: 429}, false, common.ClassRateLimited},
		{"validation on balance", &APIError{Status: 200, RtCd: "1", MsgCd: "OPSQ2001"}, true, common.ClassTransient},
		{"validation elsewhere", &APIError{Status: 200, RtCd: "1", MsgCd: "OPSQ2001"}, false, common.ClassTerminal},
		{"apbk on balance", &APIError{Status: 200, RtCd: "1", MsgCd: "APBK0013"}, true, common.ClassTransient},
		{"business failure", &APIError{Status: 200, RtCd: "1", MsgCd: "APBK0919"}, true, common.ClassTerminal},
		{"network", errors.New("dial tcp: refused"), false, common.ClassTerminal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err, tt.transient); got != tt.want {
				t.Fatalf("Classify = %v, want %v", got, tt.want)
			}
		})
	}

	if !errors.Is(&APIError{MsgCd: "EGW00123"}, ErrExpiredToken) {
		t.Fatalf("APIError should match ErrExpiredToken")
	}
	if !errors.Is(&APIError{Status: http.StatusTooManyRequests}, ErrRateLimited) {
		t.Fatalf("429 should match ErrRateLimited")
	}
}

func TestBaseURLFor(t *testing.T) {
	tests := []struct {
		mode       common.Mode
		configured string
		want       string
	}{
		{common.ModeMock, "", MockBaseURL},
		{common.ModeReal, "  ", RealBaseURL},
		{common.ModeReal, "https://proxy.local:9443/", "https://proxy.local:9443"},
	}
	for _, tt := range tests {
		if got := BaseURLFor(tt.mode, tt.configured); got != tt.want {
			t.Errorf("BaseURLFor(%s, %q) = %q, want %q", tt.mode, tt.configured, got, tt.want)
		}
	}
	// The token issuer and the client must agree on a blank setting.
	if c := New(Config{Mode: common.ModeReal}, nil); c.cfg.BaseURL != BaseURLFor(common.ModeReal, "") {
		t.Errorf("client base = %q", c.cfg.BaseURL)
	}
}
