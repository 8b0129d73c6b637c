// Package testutil provides a small testify suite base shared by the
// reconciler, agent facade and admin API tests: a cancellable test
// context plus helpers for starting and tearing down a long-running
// component under test.
package testutil

import (
	"context"
	"os"
	"time"

	"github.com/alljoyn/core-securitymgr/internal/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

// Suite is embedded by package test suites that need a scoped context and
// a way to run/stop a background component during the test.
type Suite struct {
	suite.Suite
	outerCtx context.Context
	ctx      context.Context
	running  Runnable
}

// Runnable is a long-running component with the Run/WaitReady/Err/Shutdown
// shape of the agent facade and the admin API Server.
type Runnable interface {
	Run(ctx context.Context) error
	WaitReady(ctx context.Context) (bool, error)
	Err() error
	Shutdown(ctx context.Context) error
}

// SetContext creates a fresh test context with the given timeout, plus an
// outer context with slightly more slack for the component under test so
// assertions fail before the component's own context expires.
func (s *Suite) SetContext(timeout time.Duration) (outer, inner context.Context) {
	t := s.T()
	t.Helper()
	require.Nil(t, s.outerCtx, "context already set for this test")

	ctx, _ := logger.With(context.Background(), "test", t.Name())
	outerCtx, outerCancel := context.WithTimeout(ctx, timeout+100*time.Millisecond)
	innerCtx, innerCancel := context.WithTimeout(outerCtx, timeout)
	t.Cleanup(func() {
		innerCancel()
		outerCancel()
		s.outerCtx, s.ctx = nil, nil
	})
	s.outerCtx, s.ctx = outerCtx, innerCtx
	return outerCtx, innerCtx
}

// OuterCtx returns (creating if needed) the outer test context.
func (s *Suite) OuterCtx() context.Context {
	if s.outerCtx != nil {
		return s.outerCtx
	}
	outer, _ := s.SetContext(5 * time.Second)
	return outer
}

// Ctx returns (creating if needed) the inner test context.
func (s *Suite) Ctx() context.Context {
	if s.ctx != nil {
		return s.ctx
	}
	_, ctx := s.SetContext(5 * time.Second)
	return ctx
}

// NewTmpFile creates a temp file removed on test cleanup.
func (s *Suite) NewTmpFile(pattern string) *os.File {
	t := s.T()
	t.Helper()
	f, err := os.CreateTemp("", pattern)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, os.Remove(f.Name()))
	})
	return f
}

// Start runs r in the background and waits for it to report ready,
// registering a Shutdown on test cleanup.
func (s *Suite) Start(r Runnable) {
	t := s.T()
	t.Helper()
	require.Nil(t, s.running, "a component is already running for this test")

	ctx := s.OuterCtx()
	go func() {
		if err := r.Run(ctx); err != nil {
			panic(err)
		}
	}()
	t.Cleanup(func() {
		assert.NoError(t, r.Shutdown(ctx))
		assert.NoError(t, r.Err())
		s.running = nil
	})

	ok, err := r.WaitReady(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	s.running = r
}
