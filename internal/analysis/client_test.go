package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func noSleep(context.Context, time.Duration) error { return nil }

func TestMockToggle(t *testing.T) {
	c := NewClient(Config{Mock: true})
	got, err := c.Candidates(context.Background())
	if err != nil || len(got) != 1 || got[0].Symbol != "TSLA" || got[0].Exchange != "NAS" {
		t.Fatalf("unexpected %+v %v", got, err)
	}
}

func TestStartAndPoll(t *testing.T) {
	var started atomic.Bool
	var polls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/analysis/start":
			started.Store(true)
			w.WriteHeader(http.StatusAccepted)
		case r.Method == http.MethodGet && r.URL.Path == "/analysis":
			if !started.Load() {
				_ = json.NewEncoder(w).Encode(map[string]any{"running": false, "updated_at": "t0", "buy": []any{"OLD"}})
				return
			}
			if polls.Add(1) < 3 {
				_ = json.NewEncoder(w).Encode(map[string]any{"running": true, "updated_at": "t0"})
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]any{
				"running": false, "updated_at": "t1",
				"buy":  []any{"aapl", map[string]any{"code": "0700", "exchange": "hks", "score": 0.9}, "AAPL", ""},
				"sell": []any{"MSFT"},
			})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewClient(Config{URL: srv.URL + "/analysis/"})
	c.Sleep = noSleep
	got, err := c.Candidates(context.Background())
	if err != nil {
		t.Fatalf("Candidates: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 candidates, got %+v", got)
	}
	if got[0].Symbol != "AAPL" || got[0].Exchange != "NAS" {
		t.Fatalf("first candidate %+v", got[0])
	}
	if got[1].Symbol != "0700" || got[1].Exchange != "HKS" || got[1].Meta["score"] != 0.9 {
		t.Fatalf("second candidate %+v", got[1])
	}
}

func TestPollTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"running": true, "updated_at": "t0"})
	}))
	defer srv.Close()

	c := NewClient(Config{URL: srv.URL, Timeout: time.Millisecond})
	c.Sleep = func(context.Context, time.Duration) error { time.Sleep(2 * time.Millisecond); return nil }
	if _, err := c.Candidates(context.Background()); !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
}
