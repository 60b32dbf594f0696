package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for the client domain.
var (
	// Connection lifecycle.
	ErrNotConnected     = fmt.Errorf("not connected to gateway")
	ErrConnectTimeout   = fmt.Errorf("connection timeout")
	ErrConnectionClosed = fmt.Errorf("connection closed")
	ErrHandshakeFailed  = fmt.Errorf("gateway handshake failed")

	// Request/response.
	ErrRequestTimeout = fmt.Errorf("request timed out")
	ErrProtocol       = fmt.Errorf("protocol error")
	ErrApplication    = fmt.Errorf("gateway rejected request")

	ErrInvalidInput = fmt.Errorf("invalid input")
)

// DomainError wraps a sentinel error with operation context.
type DomainError struct {
	Op     string // operation name (e.g., "Client.Request")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// IsTimeout reports whether err is a connect or request timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrConnectTimeout) || errors.Is(err, ErrRequestTimeout)
}
