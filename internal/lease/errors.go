package lease

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindInvalidClientID  Kind = "invalid_client_id"
	KindInvalidParameter Kind = "invalid_parameter"
	KindPoolExhausted    Kind = "pool_exhausted"
	KindNotFound         Kind = "not_found"
	KindStorage          Kind = "storage"
	KindUnknown          Kind = "unknown"
)

var (
	ErrInvalidClientID = errors.New("invalid client id")
	ErrInvalidMinutes  = errors.New("invalid minutes")
	ErrPoolExhausted   = errors.New("port pool exhausted")
	ErrLeaseNotFound   = errors.New("no active lease")
	ErrTableNotEmpty   = errors.New("lease table not empty")
)

// Error carries the failing operation and a kind the transport layer maps
// to a response. Cause is one of the sentinels above or a store error.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Kind, e.Op, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Kind, e.Op, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func newError(kind Kind, op, message string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Cause: cause}
}

// KindOf returns the kind of the first *Error in the chain.
func KindOf(err error) Kind {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind
	}
	return KindUnknown
}
