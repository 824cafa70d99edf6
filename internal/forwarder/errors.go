package forwarder

import (
	"errors"
	"fmt"
)

var (
	// ErrRoutingKeyNotFound means the sniffed bytes carried no session id.
	ErrRoutingKeyNotFound = errors.New("routing key not found")

	// ErrSniffTimeout means the client sent no routable request in time.
	ErrSniffTimeout = errors.New("sniff timed out")
)

// BindError reports a listener that could not be bound.
type BindError struct {
	Port int
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("bind port %d: %v", e.Port, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

// BackendDialError reports a failed connection to a session's backend.
type BackendDialError struct {
	SessionID string
	Address   string
	Err       error
}

func (e *BackendDialError) Error() string {
	return fmt.Sprintf("dial backend %s for session %s: %v", e.Address, e.SessionID, e.Err)
}

func (e *BackendDialError) Unwrap() error { return e.Err }
