// Package kis is a REST client for the brokerage's overseas-equity API.
package kis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"kis-autotrader/pkg/exchanges/common"
)

const (
	MockBaseURL = "https://openapivts.koreainvestment.com:29443"
	RealBaseURL = "https://openapi.koreainvestment.com:9443"
)

// TokenSource supplies bearer tokens and drops a cached token on request.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Invalidate()
}

// Config holds per-mode credentials and tuning.
type Config struct {
	Mode      common.Mode
	BaseURL   string
	AppKey    string
	AppSecret string
	AccountNo string // "12345678-01" or ten digits

	// RequestsPerSecond paces outbound calls. Zero picks 2 for mock, 15 for real.
	RequestsPerSecond float64
	MaxAttempts       int
	BackoffStep       time.Duration
	Timeout           time.Duration
}

// Client performs authenticated calls with one retry policy.
type Client struct {
	cfg        Config
	httpClient *http.Client
	tokens     TokenSource
	limiter    *rate.Limiter

	// OnRetry observes every retried call (metrics).
	OnRetry func(path string, class common.Class)
	// Sleep overrides backoff waits in tests.
	Sleep func(ctx context.Context, d time.Duration) error
}

// BaseURLFor returns the API root for mode, falling back to the venue
// default when configured is blank.
func BaseURLFor(mode common.Mode, configured string) string {
	configured = strings.TrimRight(strings.TrimSpace(configured), "/")
	if configured != "" {
		return configured
	}
	if mode == common.ModeReal {
		return RealBaseURL
	}
	return MockBaseURL
}

// New builds a client. tokens may be nil for unauthenticated use.
func New(cfg Config, tokens TokenSource) *Client {
	cfg.BaseURL = BaseURLFor(cfg.Mode, cfg.BaseURL)
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 2
		if cfg.Mode == common.ModeReal {
			cfg.RequestsPerSecond = 15
		}
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BackoffStep <= 0 {
		cfg.BackoffStep = time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		tokens:     tokens,
		limiter:    rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
	}
}

// Mode returns the configured mode.
func (c *Client) Mode() common.Mode { return c.cfg.Mode }

func (c *Client) account() (cano, prdt string, err error) {
	acct := strings.ReplaceAll(strings.TrimSpace(c.cfg.AccountNo), "-", "")
	if len(acct) < 10 {
		return "", "", ErrNoAccount
	}
	return acct[:8], acct[8:10], nil
}

// request describes one endpoint call.
type request struct {
	method string
	path   string
	trID   string
	query  url.Values
	body   any
	trCont string
	// transient enables the transient-validation retry class.
	transient bool
}

// response is a successful call's payload.
type response struct {
	body   []byte
	header http.Header
}

type envelope struct {
	RtCd  string `json:"rt_cd"`
	MsgCd string `json:"msg_cd"`
	Msg1  string `json:"msg1"`
}

// call runs req under the retry policy and logs once on final failure.
func (c *Client) call(ctx context.Context, req request) (*response, error) {
	var out *response
	policy := common.Policy{
		MaxAttempts: c.cfg.MaxAttempts,
		Classify:    func(err error) common.Class { return Classify(err, req.transient) },
		Backoff:     common.LinearBackoff(c.cfg.BackoffStep),
		Sleep:       c.Sleep,
		OnRetry: func(retry int, class common.Class, err error) {
			if class == common.ClassExpiredToken && c.tokens != nil {
				c.tokens.Invalidate()
			}
			if class != common.ClassTransient {
				log.Printf("🔄 kis: %s retry %d (%s): %v", req.path, retry, class, err)
			}
			if c.OnRetry != nil {
				c.OnRetry(req.path, class)
			}
		},
	}
	if req.transient {
		policy.TransientRetries = 2
	}

	class, err := common.Retry(ctx, policy, func(ctx context.Context) error {
		res, err := c.once(ctx, req)
		if err != nil {
			return err
		}
		out = res
		return nil
	})
	if err != nil {
		log.Printf("❌ kis: %s %s failed (%s): %v", req.method, req.path, class, err)
		return nil, err
	}
	return out, nil
}

func (c *Client) once(ctx context.Context, req request) (*response, error) {
	var token string
	if c.tokens != nil {
		t, err := c.tokens.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNoToken, err)
		}
		token = t
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	endpoint := c.cfg.BaseURL + req.path
	if len(req.query) > 0 {
		endpoint += "?" + req.query.Encode()
	}
	var bodyReader io.Reader
	if req.body != nil {
		payload, err := json.Marshal(req.body)
		if err != nil {
			return nil, fmt.Errorf("encode %s body: %w", req.path, err)
		}
		bodyReader = bytes.NewReader(payload)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.method, endpoint, bodyReader)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json; charset=utf-8")
	httpReq.Header.Set("appkey", c.cfg.AppKey)
	httpReq.Header.Set("appsecret", c.cfg.AppSecret)
	httpReq.Header.Set("tr_id", req.trID)
	httpReq.Header.Set("custtype", "P")
	if token != "" {
		httpReq.Header.Set("authorization", token)
	}
	if req.trCont != "" {
		httpReq.Header.Set("tr_cont", req.trCont)
	}

	res, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", req.path, err)
	}

	var env envelope
	_ = json.Unmarshal(body, &env)
	if res.StatusCode != http.StatusOK || env.RtCd != "0" {
		return nil, &APIError{
			Status: res.StatusCode,
			RtCd:   env.RtCd,
			MsgCd:  env.MsgCd,
			Msg:    env.Msg1,
			TrID:   req.trID,
			Path:   req.path,
		}
	}
	return &response{body: body, header: res.Header}, nil
}

func decode[T any](res *response, path string) (*T, error) {
	var v T
	if err := json.Unmarshal(res.body, &v); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return &v, nil
}

// TokenResult is a freshly issued token.
type TokenResult struct {
	AccessToken string
	ExpiresIn   time.Duration
}

// IssueToken requests a new access token. It is never retried here; the
// caller owns cooldown policy.
func IssueToken(ctx context.Context, httpClient *http.Client, baseURL, appKey, appSecret string) (*TokenResult, error) {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	payload, err := json.Marshal(map[string]string{
		"grant_type": "client_credentials",
		"appkey":     appKey,
		"appsecret":  appSecret,
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(baseURL, "/")+"/oauth2/tokenP", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	res, err := httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		AccessToken string          `json:"access_token"`
		ExpiresIn   json.RawMessage `json:"expires_in"`
		ErrorCode   string          `json:"error_code"`
		ErrorDesc   string          `json:"error_description"`
	}
	_ = json.Unmarshal(body, &parsed)
	if res.StatusCode != http.StatusOK || parsed.AccessToken == "" {
		return nil, &TokenError{Status: res.StatusCode, Code: parsed.ErrorCode, Description: parsed.ErrorDesc}
	}

	expires := int64(86400)
	if n := Num(strings.Trim(string(parsed.ExpiresIn), `"`)).Int(); n > 0 {
		expires = n
	}
	return &TokenResult{AccessToken: parsed.AccessToken, ExpiresIn: time.Duration(expires) * time.Second}, nil
}

// IsNoToken reports whether err came from an unavailable token.
func IsNoToken(err error) bool {
	return errors.Is(err, ErrNoToken)
}
