// Package procutil holds small process-lifecycle helpers shared by the
// daemon entrypoint: fatal exit, signal-driven shutdown, and gRPC error
// classification.
package procutil

import (
	"os"

	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"
)

// Bail logs err (expanding aggregates into one line each) and exits non-zero.
func Bail(err error) {
	if agg, ok := trace.Unwrap(err).(trace.Aggregate); ok {
		for _, e := range agg.Errors() {
			log.WithError(e).Error("securitymgrd: terminating")
		}
	} else {
		log.WithError(err).Error("securitymgrd: terminating")
	}
	os.Exit(1)
}
