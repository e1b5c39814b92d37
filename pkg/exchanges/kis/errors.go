package kis

import (
	"errors"
	"fmt"
	"net/http"

	"kis-autotrader/pkg/exchanges/common"
)

var (
	ErrExpiredToken = errors.New("kis: access token expired")
	ErrRateLimited  = errors.New("kis: rate limited")
	ErrNoToken      = errors.New("kis: no access token available")
	ErrNoAccount    = errors.New("kis: account number not configured")
)

// Result codes observed from the brokerage. The grouping is empirical.
var (
	expiredTokenCodes = map[string]bool{
		"EGW00123": true, // token expired
		"EGW00121": true, // token invalid
	}
	rateLimitCodes = map[string]bool{
		"EGW00201": true, // per-second transaction limit
		"EGW00133": true, // token issuance limited to once per minute
	}
	// Account validation hiccups that clear on retry. Only balance-family
	// endpoints treat them as retryable.
	transientValidationCodes = map[string]bool{
		"OPSQ2000": true,
		"OPSQ2001": true,
		"OPSQ2002": true,
		"APBK0013": true,
	}
)

// APIError is a non-success response: a transport status other than 200, or
// HTTP 200 with rt_cd != "0".
type APIError struct {
	Status int
	RtCd   string
	MsgCd  string
	Msg    string
	TrID   string
	Path   string
}

func (e *APIError) Error() string {
	if e.MsgCd != "" || e.Msg != "" {
		return fmt.Sprintf("kis %s (%s): status %d rt_cd=%s %s %s", e.Path, e.TrID, e.Status, e.RtCd, e.MsgCd, e.Msg)
	}
	return fmt.Sprintf("kis %s (%s): status %d", e.Path, e.TrID, e.Status)
}

// Is lets callers test against the sentinel classes.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrExpiredToken:
		return expiredTokenCodes[e.MsgCd]
	case ErrRateLimited:
		return rateLimitCodes[e.MsgCd] || e.Status == http.StatusTooManyRequests
	}
	return false
}

// Classify maps an error from one call to a retry class. transientOK enables
// the transient-validation class for balance-family endpoints.
func Classify(err error, transientOK bool) common.Class {
	if err == nil {
		return common.ClassSuccess
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return common.ClassTerminal
	}
	switch {
	case expiredTokenCodes[apiErr.MsgCd]:
		return common.ClassExpiredToken
	case rateLimitCodes[apiErr.MsgCd], apiErr.Status == http.StatusTooManyRequests:
		return common.ClassRateLimited
	case transientOK && transientValidationCodes[apiErr.MsgCd]:
		return common.ClassTransient
	default:
		return common.ClassTerminal
	}
}

// TokenError is a failed token issuance.
type TokenError struct {
	Status      int
	Code        string
	Description string
}

func (e *TokenError) Error() string {
	return fmt.Sprintf("kis token issue: status %d %s %s", e.Status, e.Code, e.Description)
}

// RateLimited reports whether issuance hit the once-per-minute limit.
func (e *TokenError) RateLimited() bool {
	return e.Code == "EGW00133"
}
