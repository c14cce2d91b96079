// internal/aggregator/errors.go
package aggregator

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNoRoute means the aggregator found no executable route: no pool
	// yet, or zero output. This is the steady state while waiting for
	// liquidity.
	ErrNoRoute = errors.New("no route available")

	// ErrThrottled means the provider asked us to slow down (HTTP 429).
	ErrThrottled = errors.New("aggregator rate limit hit")

	// ErrTransient covers network failures and provider-side errors worth retrying.
	ErrTransient = errors.New("transient aggregator error")

	// ErrBadRequest is a permanent rejection of the request itself.
	ErrBadRequest = errors.New("aggregator rejected request")

	// ErrInvalidResponse means the body could not be understood.
	ErrInvalidResponse = errors.New("invalid aggregator response")
)

// Provider error codes returned in the JSON body.
const (
	codeFailedToBuildTx = 1001
	codeNoQuote         = 1002
	codeNotFound        = 1003
	codeNotProcessable  = 1004
	codeRateLimit       = 1005
	codeServerError     = 1006
	codeSlippage        = 1007
	codeThirdParty      = 1008
	codeTimeout         = 1009
)

// APIError is a non-2xx answer from the aggregator.
type APIError struct {
	Status  int
	Code    int
	Message string
	Kind    error
}

func (e *APIError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("aggregator HTTP %d (code %d): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("aggregator HTTP %d: %s", e.Status, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.Kind
}

// classify maps an HTTP status and provider code onto an error kind.
func classify(status, code int) error {
	switch code {
	case codeNoQuote, codeNotFound:
		return ErrNoRoute
	case codeRateLimit:
		return ErrThrottled
	case codeServerError, codeThirdParty, codeTimeout, codeFailedToBuildTx, codeSlippage:
		return ErrTransient
	case codeNotProcessable:
		return ErrBadRequest
	}

	switch {
	case status == http.StatusNotFound:
		return ErrNoRoute
	case status == http.StatusTooManyRequests:
		return ErrThrottled
	case status == http.StatusRequestTimeout || status >= 500:
		return ErrTransient
	default:
		return ErrBadRequest
	}
}
