package pgcache

import (
	"errors"
	"fmt"
)

// Error taxonomy per spec §7. Each wraps an underlying cause (where one
// exists) so callers can both errors.Is against the sentinel kind and
// inspect the original error with errors.Unwrap.

// Kind identifies which taxonomy bucket an Error belongs to.
type Kind string

const (
	KindBackendUnavailable Kind = "backend_unavailable"
	KindEncoding           Kind = "encoding"
	KindLoader             Kind = "loader"
	KindCancelled          Kind = "cancelled"
	KindClosed             Kind = "closed"
	KindConfig             Kind = "config"
)

// Error is the concrete error type returned by every public pgcache
// operation that fails for a reason in the taxonomy.
type Error struct {
	Kind Kind
	Key  []byte // empty when not key-scoped (e.g. ConfigError)
	Op   string // operation name, e.g. "get", "set", "schema.ensure"
	Err  error
}

func (e *Error) Error() string {
	if e.Key != nil {
		return fmt.Sprintf("pgcache: %s %s key=%q: %v", e.Op, e.Kind, string(e.Key), e.Err)
	}

	return fmt.Sprintf("pgcache: %s %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is supports errors.Is(err, ErrBackendUnavailable) style checks by
// matching on Kind, since the wrapped Err varies per occurrence.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}

	return t.Kind == e.Kind || e.Kind == t.Kind
}

// Sentinels usable with errors.Is. They carry no Err/Op/Key of their
// own; they exist purely as comparison targets.
var (
	ErrBackendUnavailable = &Error{Kind: KindBackendUnavailable}
	ErrEncoding           = &Error{Kind: KindEncoding}
	ErrLoader             = &Error{Kind: KindLoader}
	ErrCancelled          = &Error{Kind: KindCancelled}
	ErrClosed             = &Error{Kind: KindClosed}
	ErrConfig             = &Error{Kind: KindConfig}
)

func newError(kind Kind, op string, key []byte, err error) *Error {
	return &Error{Kind: kind, Op: op, Key: key, Err: err}
}

func backendUnavailable(op string, key []byte, err error) error {
	return newError(KindBackendUnavailable, op, key, err)
}

func encodingError(op string, key []byte, err error) error {
	return newError(KindEncoding, op, key, err)
}

// wrapLoaderError wraps a caller loader's error; it is delivered
// unchanged in content to every current waiter but is never cached.
func wrapLoaderError(key []byte, err error) error {
	return newError(KindLoader, "get", key, err)
}

func cancelledError(op string, key []byte, err error) error {
	return newError(KindCancelled, op, key, err)
}

func closedError(op string) error {
	return newError(KindClosed, op, nil, errors.New("cache is closed"))
}

func configError(field string, err error) error {
	return newError(KindConfig, "new", nil, fmt.Errorf("%s: %w", field, err))
}
