// Package analysis fetches buy candidates from the external analysis service.
package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"kis-autotrader/pkg/exchanges/common"
)

const (
	defaultPollInterval = 5 * time.Second
	defaultTimeout      = 120 * time.Second
	defaultExchange     = "NAS"
)

// ErrTimeout is returned when the analysis run does not finish in time.
var ErrTimeout = errors.New("analysis: timed out waiting for results")

// Candidate is one buy suggestion.
type Candidate struct {
	Symbol   string         `json:"code"`
	Exchange string         `json:"exchange"`
	Meta     map[string]any `json:"meta,omitempty"`
}

type payload struct {
	Running   bool              `json:"running"`
	UpdatedAt string            `json:"updated_at"`
	Buy       []json.RawMessage `json:"buy"`
}

// Config configures a Client.
type Config struct {
	URL     string // GET returns results, URL+"/start" triggers a run
	Mock    bool   // return a fixed candidate without calling the service
	Timeout time.Duration
	Poll    time.Duration
}

// Client runs the start-and-poll protocol.
type Client struct {
	cfg  Config
	http *http.Client

	// Sleep waits between polls; tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
}

// NewClient creates an analysis client.
func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Poll <= 0 {
		cfg.Poll = defaultPollInterval
	}
	cfg.URL = strings.TrimRight(cfg.URL, "/")
	return &Client{
		cfg:   cfg,
		http:  &http.Client{Timeout: 10 * time.Second},
		Sleep: common.SleepContext,
	}
}

// Candidates triggers an analysis run and waits until it finishes: either
// the running flag clears after the trigger or updated_at changes. Any sell
// list in the payload is ignored.
func (c *Client) Candidates(ctx context.Context) ([]Candidate, error) {
	if c.cfg.Mock {
		return []Candidate{{Symbol: "TSLA", Exchange: defaultExchange}}, nil
	}
	if c.cfg.URL == "" {
		return nil, errors.New("analysis: url not configured")
	}

	baseline, err := c.fetch(ctx)
	if err != nil {
		return nil, err
	}
	if err := c.start(ctx); err != nil {
		log.Printf("⚠️ analysis: start failed, using current results: %v", err)
		return parseBuys(baseline.Buy), nil
	}

	deadline := time.Now().Add(c.cfg.Timeout)
	sawRunning := false
	for {
		if err := c.Sleep(ctx, c.cfg.Poll); err != nil {
			return nil, err
		}
		cur, err := c.fetch(ctx)
		switch {
		case err != nil:
			log.Printf("⚠️ analysis: poll: %v", err)
		case cur.Running:
			sawRunning = true
		case sawRunning || cur.UpdatedAt != baseline.UpdatedAt:
			buys := parseBuys(cur.Buy)
			log.Printf("✓ analysis: %d buy candidates (updated_at=%s)", len(buys), cur.UpdatedAt)
			return buys, nil
		}
		if time.Now().After(deadline) {
			return nil, ErrTimeout
		}
	}
}

func (c *Client) start(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL+"/start", bytes.NewReader([]byte("{}")))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusConflict {
		return fmt.Errorf("start: http %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) fetch(ctx context.Context) (*payload, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.URL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("analysis: fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("analysis: fetch: http %d", resp.StatusCode)
	}
	var p payload
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return nil, fmt.Errorf("analysis: decode: %w", err)
	}
	return &p, nil
}

// parseBuys accepts plain symbols or {code, exchange, ...} objects, drops
// blanks and duplicates, and keeps order.
func parseBuys(items []json.RawMessage) []Candidate {
	seen := make(map[string]bool)
	out := make([]Candidate, 0, len(items))
	for _, raw := range items {
		var cand Candidate
		var sym string
		if err := json.Unmarshal(raw, &sym); err == nil {
			cand.Symbol = sym
		} else {
			var obj map[string]any
			if err := json.Unmarshal(raw, &obj); err != nil {
				continue
			}
			cand.Symbol, _ = obj["code"].(string)
			cand.Exchange, _ = obj["exchange"].(string)
			delete(obj, "code")
			delete(obj, "exchange")
			if len(obj) > 0 {
				cand.Meta = obj
			}
		}
		cand.Symbol = strings.ToUpper(strings.TrimSpace(cand.Symbol))
		cand.Exchange = strings.ToUpper(strings.TrimSpace(cand.Exchange))
		if cand.Exchange == "" {
			cand.Exchange = defaultExchange
		}
		if cand.Symbol == "" || seen[cand.Symbol] {
			continue
		}
		seen[cand.Symbol] = true
		out = append(out, cand)
	}
	return out
}
