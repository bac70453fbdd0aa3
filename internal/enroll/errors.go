package enroll

import (
	"errors"
	"fmt"
)

// Kind is the stable category of a failed configuration request.
type Kind string

const (
	KindValidation      Kind = "validation"
	KindNotFound        Kind = "not_found"
	KindForbidden       Kind = "forbidden"
	KindRotationFailure Kind = "rotation_failure"
	KindIssuanceFailure Kind = "issuance_failure"
	KindStorage         Kind = "storage"
	KindIO              Kind = "io"
	KindRender          Kind = "render"
	KindInternal        Kind = "internal"
)

// Error is a failed configuration request. Msg is safe to return to the caller.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf returns the kind of err, KindInternal for errors not produced by
// this package and the empty kind for nil.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
