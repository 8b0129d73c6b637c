package procutil

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
)

// Terminable is anything that can wind down gracefully or be killed outright.
// The agent facade, the admin API Server and the daemon's App implement it.
type Terminable interface {
	// Shutdown drains in-flight work and returns once idle, or ctx expires.
	Shutdown(context.Context) error
	// Close terminates immediately, abandoning in-flight work.
	Close()
}

// ServeSignals blocks until SIGTERM/SIGINT, then shuts app down: SIGTERM goes
// straight to a graceful shutdown, a first SIGINT attempts graceful shutdown
// in the background, and a second SIGINT forces an immediate Close.
func ServeSignals(app Terminable, shutdownTimeout time.Duration) {
	ctx := context.Background()
	sigC := make(chan os.Signal, 1)
	signal.Notify(sigC,
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer signal.Stop(sigC)

	gracefulShutdown := func() {
		tctx, tcancel := context.WithTimeout(ctx, shutdownTimeout)
		defer tcancel()
		log.Info("attempting graceful shutdown")
		if err := app.Shutdown(tctx); err != nil {
			log.Info("graceful shutdown failed, forcing close")
			app.Close()
		}
	}
	var alreadyInterrupted bool
	for sig := range sigC {
		switch sig {
		case syscall.SIGTERM:
			gracefulShutdown()
			return
		case syscall.SIGINT:
			if alreadyInterrupted {
				app.Close()
				return
			}
			go gracefulShutdown()
			alreadyInterrupted = true
		}
	}
}
