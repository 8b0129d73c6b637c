package procutil

import (
	"context"
	"io"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/gravitational/trace"
	"github.com/gravitational/trace/trail"
)

// FromGRPC classifies an error returned by a bus RPC into a trace error,
// preserving context/EOF cases that trail.FromGRPC does not special-case.
func FromGRPC(err error) error {
	switch {
	case err == io.EOF:
		fallthrough
	case status.Code(err) == codes.Canceled, err == context.Canceled:
		fallthrough
	case status.Code(err) == codes.DeadlineExceeded, err == context.DeadlineExceeded:
		return trace.Wrap(err)
	default:
		return trail.FromGRPC(err)
	}
}

// IsCanceled reports whether err is a context/gRPC cancellation.
func IsCanceled(err error) bool {
	err = trace.Unwrap(err)
	return err == context.Canceled || status.Code(err) == codes.Canceled
}

// IsDeadline reports whether err is a context/gRPC deadline expiry, the
// shape raised by the bus's 5-second per-call timeout.
func IsDeadline(err error) bool {
	err = trace.Unwrap(err)
	return err == context.DeadlineExceeded || status.Code(err) == codes.DeadlineExceeded
}
