// Package kinderr classifies errors into the kinds enumerated in
// SPEC_FULL.md §7. Kinds that already have a natural trace.Error shape
// (NotFound, AlreadyExists, ConnectionProblem, ...) are left to
// trace.Is*; this package only adds the handful of domain-specific kinds
// trace has no opinion about.
package kinderr

import (
	"fmt"

	"github.com/gravitational/trace"
)

// Kind is one of the domain-specific error kinds from SPEC_FULL.md §7 that
// has no corresponding trace.Is* predicate.
type Kind int

const (
	_ Kind = iota
	EndOfData
	KeyUnavailable
	SerialExhausted
	ManifestRejected
	DuplicateCertificate
	UnknownApplication
	CryptoFailure
	RemoteUnreachable
)

func (k Kind) String() string {
	switch k {
	case EndOfData:
		return "end-of-data"
	case KeyUnavailable:
		return "key-unavailable"
	case SerialExhausted:
		return "serial-exhausted"
	case ManifestRejected:
		return "manifest-rejected"
	case DuplicateCertificate:
		return "duplicate-certificate"
	case UnknownApplication:
		return "unknown-application"
	case CryptoFailure:
		return "crypto-failure"
	case RemoteUnreachable:
		return "remote-unreachable"
	default:
		return "unknown-kind"
	}
}

// kindError tags an underlying trace-wrapped error with a Kind, without
// disturbing the wrapped error's own trace/message behavior.
type kindError struct {
	kind Kind
	err  error
}

func (e *kindError) Error() string { return e.err.Error() }
func (e *kindError) Unwrap() error { return e.err }

// New builds a fresh error tagged with kind, with a trace stack attached.
func New(kind Kind, format string, args ...interface{}) error {
	return &kindError{kind: kind, err: trace.Errorf(fmt.Sprintf(format, args...))}
}

// Wrap tags err with kind, preserving its trace via trace.Wrap. An optional
// message is attached the same way trace.Wrap attaches one.
func Wrap(kind Kind, err error, msg ...string) error {
	if err == nil {
		return nil
	}
	if len(msg) == 0 {
		return &kindError{kind: kind, err: trace.Wrap(err)}
	}
	return &kindError{kind: kind, err: trace.Wrap(err, msg[0])}
}

// Is reports whether err (or anything in its Unwrap chain) was tagged kind.
func Is(err error, kind Kind) bool {
	for err != nil {
		if ke, ok := err.(*kindError); ok && ke.kind == kind {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// KindOf returns the first tagged Kind found in err's Unwrap chain, used by
// callers (the reconciler's SyncError reporting) that need to classify a
// failure rather than test it against one specific Kind.
func KindOf(err error) (Kind, bool) {
	for err != nil {
		if ke, ok := err.(*kindError); ok {
			return ke.kind, true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return 0, false
		}
		err = u.Unwrap()
	}
	return 0, false
}
