package main

import (
	"context"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/alljoyn/core-securitymgr/internal/capability"
	"github.com/alljoyn/core-securitymgr/internal/model"
)

// Prober reports the application bound to busName, as known to whatever
// keeps that record (here, the daemon's own registry): its public key and
// its current claim state. ok is false for a bus name the caller has never
// recorded, in which case PollingMonitor skips the announcement entirely.
// Liveness, whether busName answers at all, is PollingMonitor's own
// concern; the claim state it reports comes from the caller.
type Prober func(busName string) (pub model.PublicKey, claimState model.ClaimState, ok bool)

// PollingMonitor is a minimal, standalone capability.AppMonitor: it dials
// each configured bus name on an interval and reports an announcement
// whenever reachability or claim state changes. AppMonitor is treated as
// an external, opaque collaborator whose real announcement protocol is
// out of scope here; this is only what the `securitymgrd` daemon needs to
// have something concrete to run against. An errgroup-driven loop idles
// between passes rather than busy-polling.
type PollingMonitor struct {
	resolve  Resolver
	busNames []string
	interval time.Duration
	dialTO   time.Duration
	probe    Prober

	mu       sync.Mutex
	last     map[string]capability.StateAnnouncement
	handler  func(old, new *capability.StateAnnouncement)
	stopOnce sync.Once
	stop     chan struct{}
}

// Resolver maps a bus name to a dialable network address, the same shape
// busproxy uses to find a session's transport endpoint.
type Resolver func(busName string) (string, error)

// NewPollingMonitor builds a PollingMonitor over busNames, probing each
// one every interval using resolve to find its address and probe to read
// its recorded claim state.
func NewPollingMonitor(resolve Resolver, busNames []string, interval, dialTimeout time.Duration, probe Prober) *PollingMonitor {
	return &PollingMonitor{
		resolve:  resolve,
		busNames: busNames,
		interval: interval,
		dialTO:   dialTimeout,
		probe:    probe,
		last:     make(map[string]capability.StateAnnouncement),
		stop:     make(chan struct{}),
	}
}

var _ capability.AppMonitor = (*PollingMonitor)(nil)

// Start begins the polling loop, delivering announcements to handler until
// ctx is done or Stop is called.
func (m *PollingMonitor) Start(ctx context.Context, handler func(old, new *capability.StateAnnouncement)) error {
	m.mu.Lock()
	m.handler = handler
	m.mu.Unlock()

	eg, egCtx := errgroup.WithContext(ctx)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-egCtx.Done():
			return eg.Wait()
		case <-m.stop:
			return eg.Wait()
		case <-ticker.C:
			busNames := m.busNames
			eg.Go(func() error {
				for _, busName := range busNames {
					m.pollOne(egCtx, busName)
				}
				return nil
			})
		}
	}
}

// Stop ends the polling loop.
func (m *PollingMonitor) Stop(ctx context.Context) error {
	m.stopOnce.Do(func() { close(m.stop) })
	return nil
}

// Ping probes busName immediately, outside of the normal poll cadence.
func (m *PollingMonitor) Ping(ctx context.Context, busName string) error {
	m.pollOne(ctx, busName)
	return nil
}

func (m *PollingMonitor) pollOne(ctx context.Context, busName string) {
	addr, err := m.resolve(busName)
	if err != nil {
		log.WithField("bus_name", busName).WithError(err).Debug("resolving bus name for liveness poll")
		return
	}

	pub, claimState, ok := m.probe(busName)
	if !ok {
		return
	}
	reachable := m.dial(ctx, addr)

	next := capability.StateAnnouncement{BusName: busName, PublicKey: pub, ClaimState: claimState}
	if !reachable {
		next.BusName = ""
	}

	m.mu.Lock()
	prev, seen := m.last[busName]
	handler := m.handler
	m.last[busName] = next
	m.mu.Unlock()

	if seen && prev == next {
		return
	}

	if handler != nil {
		var old *capability.StateAnnouncement
		if seen {
			old = &prev
		}
		handler(old, &next)
	}
}

func (m *PollingMonitor) dial(ctx context.Context, addr string) bool {
	dialer := &net.Dialer{Timeout: m.dialTO}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
