package mailerr

import "errors"

// Kind tags the outcome of a queued operation.
type Kind int

const (
	KindSuccess Kind = iota
	KindAuthFailure
	KindProtocolFailure
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindSuccess:
		return "success"
	case KindAuthFailure:
		return "auth_failure"
	case KindProtocolFailure:
		return "protocol_failure"
	case KindNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// Result is the tagged outcome delivered to observers in place of an error
// crossing the worker boundary.
type Result struct {
	Kind Kind
	Err  error
}

// OK reports whether the result is a success.
func (r Result) OK() bool {
	return r.Kind == KindSuccess
}

func (r Result) Error() string {
	if r.Err == nil {
		return r.Kind.String()
	}
	return r.Err.Error()
}

// ResultOf classifies err. Anything that is neither an auth failure nor a
// not-found condition counts as a protocol failure.
func ResultOf(err error) Result {
	switch {
	case err == nil:
		return Result{Kind: KindSuccess}
	case IsAuthError(err):
		return Result{Kind: KindAuthFailure, Err: err}
	case errors.Is(err, ErrNotFound):
		return Result{Kind: KindNotFound, Err: err}
	default:
		return Result{Kind: KindProtocolFailure, Err: err}
	}
}
