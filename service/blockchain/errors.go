package blockchain

import (
	"errors"
	"fmt"

	"github.com/brojonat/kinclient/service/horizon"
)

var (
	// ErrAccountNotFound is returned by queries that need an account to exist.
	// Queries that can express absence as a value return that instead.
	ErrAccountNotFound = errors.New("account not found")

	ErrTransactionNotFound = errors.New("transaction not found")

	// ErrFriendbotUnavailable is returned when the environment has no faucet.
	ErrFriendbotUnavailable = errors.New("friendbot is not available on this environment")

	// ErrNetworkMismatch is returned when the node serves a different network
	// than the configured passphrase names.
	ErrNetworkMismatch = errors.New("network passphrase mismatch")

	ErrListenerClosed = errors.New("payment listener closed")

	ErrInvalidArgument = errors.New("invalid argument")
)

// NetworkError is a transport failure, a timeout, or a server-side error
// that may succeed when retried.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s: network error: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ProtocolError is a response the client cannot use: a malformed body, an
// unexpected rejection, or a node on the wrong network. Retrying does not help.
type ProtocolError struct {
	Op  string
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: protocol error: %v", e.Op, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// ClassifyError wraps an endpoint failure into NetworkError or ProtocolError.
// Callers handle not-found before calling it.
func ClassifyError(op string, err error) error {
	switch {
	case horizon.IsProblem(err):
		if horizon.Temporary(err) {
			return &NetworkError{Op: op, Err: err}
		}
		return &ProtocolError{Op: op, Err: err}
	case errors.Is(err, horizon.ErrMalformedResponse):
		return &ProtocolError{Op: op, Err: err}
	default:
		return &NetworkError{Op: op, Err: err}
	}
}
