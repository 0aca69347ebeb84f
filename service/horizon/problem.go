package horizon

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/stellar/go-stellar-sdk/clients/horizonclient"
	"github.com/stellar/go-stellar-sdk/support/render/problem"
)

// ErrMalformedResponse is wrapped by every error caused by a response body
// that could not be decoded.
var ErrMalformedResponse = errors.New("horizon: malformed response")

// ErrStreamClosed is returned by PaymentStream.Next once the stream has been
// closed locally.
var ErrStreamClosed = errors.New("horizon: stream closed")

// NewProblem returns the error the SDK produces for a problem response with
// the given status.
func NewProblem(status int, title string) error {
	return &horizonclient.Error{
		Problem: problem.P{
			Type:   problemType(status),
			Title:  title,
			Status: status,
		},
	}
}

// ParseProblem builds a problem error from a non-2xx response body. Bodies
// that are not problem documents still produce a problem carrying the status.
func ParseProblem(status int, body []byte) error {
	var p problem.P
	if err := json.Unmarshal(body, &p); err != nil || p.Status == 0 {
		p = problem.P{
			Type:   problemType(status),
			Title:  http.StatusText(status),
			Status: status,
			Detail: truncate(string(body), 256),
		}
	}
	p.Status = status
	return &horizonclient.Error{Problem: p}
}

// StatusCode returns the HTTP status of a Horizon problem error.
func StatusCode(err error) (int, bool) {
	var herr *horizonclient.Error
	if !errors.As(err, &herr) {
		return 0, false
	}
	if herr.Problem.Status != 0 {
		return herr.Problem.Status, true
	}
	if herr.Response != nil {
		return herr.Response.StatusCode, true
	}
	return 0, false
}

// IsNotFound reports whether err is a Horizon 404 problem.
func IsNotFound(err error) bool {
	status, ok := StatusCode(err)
	return ok && status == http.StatusNotFound
}

// IsProblem reports whether err is a problem response from the node, as
// opposed to a transport failure.
func IsProblem(err error) bool {
	_, ok := StatusCode(err)
	return ok
}

// Temporary reports whether retrying a request that failed with err later
// may succeed. Transport failures are temporary.
func Temporary(err error) bool {
	status, ok := StatusCode(err)
	if !ok {
		return !errors.Is(err, ErrMalformedResponse)
	}
	return status == http.StatusTooManyRequests || status >= 500
}

func problemType(status int) string {
	switch status {
	case http.StatusNotFound:
		return "https://stellar.org/horizon-errors/not_found"
	case http.StatusTooManyRequests:
		return "https://stellar.org/horizon-errors/rate_limit_exceeded"
	case http.StatusServiceUnavailable:
		return "https://stellar.org/horizon-errors/service_unavailable"
	default:
		return "about:blank"
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
