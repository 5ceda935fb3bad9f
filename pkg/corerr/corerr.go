// Package corerr classifies failures crossing component boundaries so callers
// can branch on the kind of failure instead of matching driver messages.
package corerr

import (
	"errors"

	pkgerrors "github.com/pkg/errors"
)

type Kind string

const (
	Internal            Kind = "internal"
	NotFound            Kind = "not_found"
	QuotaExceeded       Kind = "quota_exceeded"
	PoolExhausted       Kind = "pool_exhausted"
	ConnectTimeout      Kind = "connect_timeout"
	StatementTimeout    Kind = "statement_timeout"
	UpstreamUnavailable Kind = "upstream_unavailable"
	ValidationFailed    Kind = "validation_failed"
)

type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Op + ": " + string(e.Kind)
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// E builds a classified error. A nil err produces a bare kind error with a stack.
func E(kind Kind, op string, err error) error {
	if err == nil {
		err = pkgerrors.New(string(kind))
	} else {
		err = pkgerrors.WithStack(err)
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf is E with a formatted cause.
func Errorf(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: pkgerrors.Errorf(format, args...)}
}

// KindOf returns the outermost kind in the chain, or Internal when none is set.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
