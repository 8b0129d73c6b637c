// Package reconciler implements StateReconciler (C10, SPEC_FULL.md §4.7):
// the single-consumer worker that drives a claimed application's remote
// state (policy, memberships, identity) back into agreement with
// PersistedStore whenever AppMonitor reports a sighting. A job.Process-
// spawned loop reads off a channel, calls job.SetReady once the loop is
// live, and drains on job.Stopped before exiting. Events are processed one
// at a time by design: SPEC_FULL.md §5 requires a single writer per
// application's remote state at any moment, so cross-application
// concurrency here is intentionally 1.
package reconciler

import (
	"context"
	"sync"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/alljoyn/core-securitymgr/internal/ca"
	"github.com/alljoyn/core-securitymgr/internal/capability"
	"github.com/alljoyn/core-securitymgr/internal/certutil"
	"github.com/alljoyn/core-securitymgr/internal/job"
	"github.com/alljoyn/core-securitymgr/internal/kinderr"
	"github.com/alljoyn/core-securitymgr/internal/logger"
	"github.com/alljoyn/core-securitymgr/internal/model"
	"github.com/alljoyn/core-securitymgr/internal/registry"
	"github.com/alljoyn/core-securitymgr/internal/store"
)

// queueCapacity bounds how many pending sightings the worker can lag
// behind by before new ones are dropped (logged, not silently lost). The
// monitor will re-announce, so a dropped event just delays a sync.
const queueCapacity = 256

// SecurityEvent carries the (old, new) announcement pair an AppMonitor
// sighting produced, as merged into the registry. New is never nil; Old is
// nil on a first sighting.
type SecurityEvent struct {
	Old *capability.StateAnnouncement
	New *capability.StateAnnouncement
}

// SyncError is emitted whenever update_application fails partway, so a
// listener (internal/notify's email alert) can surface it. There is no automatic retry: the next monitor sighting
// or an explicit sync_with_applications call re-enters and tries again.
type SyncError struct {
	PublicKey model.PublicKey
	Kind      kinderr.Kind
	Err       error
}

// ErrorListener is notified of every SyncError, outside of any lock.
type ErrorListener func(SyncError)

// Reconciler is C10.
type Reconciler struct {
	store    store.PersistedStore
	proxy    capability.RemoteAppProxy
	registry *registry.Registry
	clock    clockwork.Clock

	mu        sync.Mutex
	listeners []ErrorListener
	stopping  bool
	process   *job.Process
	ready     *job.Readiness
	result    job.FutureResult

	queue chan SecurityEvent

	// dispatch tracks in-flight listener-dispatch goroutines spawned by
	// reportError, so Shutdown can drain them before returning instead of
	// leaking a notification past the worker's own exit.
	dispatch errgroup.Group
}

// New constructs a Reconciler. Call Run to start its worker.
func New(st store.PersistedStore, proxy capability.RemoteAppProxy, reg *registry.Registry) *Reconciler {
	return &Reconciler{
		store:    st,
		proxy:    proxy,
		registry: reg,
		clock:    clockwork.NewRealClock(),
		queue:    make(chan SecurityEvent, queueCapacity),
		result:   job.NewFutureResult(),
	}
}

// WithClock overrides the clock used to bound per-call timeouts, letting
// tests exercise RemoteUnreachable handling with a clockwork.FakeClock
// instead of a real 5-second wait.
func (r *Reconciler) WithClock(clock clockwork.Clock) *Reconciler {
	r.clock = clock
	return r
}

// AddErrorListener registers l to be called on every future SyncError.
func (r *Reconciler) AddErrorListener(l ErrorListener) {
	r.mu.Lock()
	r.listeners = append(r.listeners, l)
	r.mu.Unlock()
}

// Enqueue schedules ev for processing. Called from the AppMonitor callback
// (via the agent facade); never blocks the caller for long. Once the
// queue is full the event is dropped with a warning; while the worker is
// stopping it is dropped without logging. Either way the next sighting
// retries.
func (r *Reconciler) Enqueue(ctx context.Context, ev SecurityEvent) {
	r.mu.Lock()
	stopping := r.stopping
	r.mu.Unlock()
	if stopping {
		return
	}

	select {
	case r.queue <- ev:
	default:
		logger.Get(ctx).Warn("reconciler queue full, dropping sighting")
	}
}

// Run starts the worker and blocks until the process is stopped. Satisfies
// testutil.Suite's Runnable, matching the agent facade's own workers.
func (r *Reconciler) Run(ctx context.Context) error {
	process := job.NewProcess(ctx)
	ready := &job.Readiness{}

	r.mu.Lock()
	r.process, r.ready = process, ready
	r.mu.Unlock()

	process.SpawnFunc(r.worker, job.Critical(true), job.WithReadiness(ready), job.WithResult(r.result))

	<-process.Done()
	return nil
}

// WaitReady reports once the worker loop has started reading the queue.
func (r *Reconciler) WaitReady(ctx context.Context) (bool, error) {
	r.mu.Lock()
	ready := r.ready
	r.mu.Unlock()
	if ready == nil {
		return false, trace.BadParameter("reconciler has not been started")
	}
	return ready.WaitReady(ctx)
}

// Err returns the worker's terminal error, if any.
func (r *Reconciler) Err() error {
	return r.result.Err()
}

// Shutdown stops accepting new events, signals the worker to drain the
// queue and exit, and waits for it to finish.
func (r *Reconciler) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.stopping = true
	process := r.process
	r.mu.Unlock()

	if process == nil {
		return nil
	}
	if err := process.Shutdown(ctx); err != nil {
		return err
	}
	// The worker has exited, but a reportError call it made just before
	// exiting may still be delivering to listeners on its own goroutine.
	return r.dispatch.Wait()
}

func (r *Reconciler) worker(ctx context.Context) error {
	job.SetReady(ctx, true)
	stopped := job.Stopped(ctx)

	for {
		select {
		case ev := <-r.queue:
			r.updateApplication(ctx, ev)
		case <-stopped:
			r.drain(ctx)
			return nil
		}
	}
}

func (r *Reconciler) drain(ctx context.Context) {
	for {
		select {
		case ev := <-r.queue:
			r.updateApplication(ctx, ev)
		default:
			return
		}
	}
}

// updateApplication implements SPEC_FULL.md §4.7's update_application:
// policy before memberships before identity, any failure aborts the
// remaining steps and is reported as a SyncError, and a fully successful
// pass clears updates_pending.
func (r *Reconciler) updateApplication(ctx context.Context, ev SecurityEvent) {
	pub := ev.New.PublicKey
	logCtx, log := logger.WithFields(ctx, map[string]interface{}{"app": pub.AKI(), "bus": ev.New.BusName})

	app, err := r.store.GetManagedApplication(logCtx, pub)
	if kinderr.Is(err, kinderr.EndOfData) {
		// Not (or no longer) a managed application: tell the remote to
		// drop whatever security state it still holds for us.
		r.resetRemote(logCtx, ev.New.BusName, pub)
		return
	}
	if err != nil {
		r.reportError(pub, err)
		return
	}

	online, ok := r.registry.Get(pub)
	if !ok || online.Offline() {
		return
	}
	busName := online.BusName

	if err := r.updatePolicy(logCtx, busName, pub); err != nil {
		log.WithError(err).Error("policy sync failed")
		r.reportError(pub, err)
		return
	}
	if err := r.updateMemberships(logCtx, busName, app); err != nil {
		log.WithError(err).Error("membership sync failed")
		r.reportError(pub, err)
		return
	}
	if err := r.updateIdentity(logCtx, busName, pub); err != nil {
		log.WithError(err).Error("identity sync failed")
		r.reportError(pub, err)
		return
	}

	changed, err := r.store.UpdatesCompleted(logCtx, pub)
	if err != nil {
		r.reportError(pub, err)
		return
	}
	if changed {
		r.registry.SetUpdatesPending(pub, false)
	}
}

func (r *Reconciler) resetRemote(ctx context.Context, busName string, pub model.PublicKey) {
	if busName == "" {
		return
	}
	callCtx, cancel := capability.WithCallTimeout(ctx, r.clock)
	defer cancel()
	if err := r.proxy.Reset(callCtx, busName); err != nil {
		logger.Get(ctx).WithError(err).Warn("resetting unmanaged remote failed")
	}
}

// updatePolicy pushes the stored policy when its version differs from
// what the remote currently reports.
func (r *Reconciler) updatePolicy(ctx context.Context, busName string, pub model.PublicKey) error {
	localPolicy, err := r.store.GetPolicy(ctx, pub)
	if kinderr.Is(err, kinderr.EndOfData) {
		return nil
	}
	if err != nil {
		return trace.Wrap(err)
	}

	callCtx, cancel := capability.WithCallTimeout(ctx, r.clock)
	defer cancel()
	remotePolicy, err := r.proxy.GetPolicy(callCtx, busName)
	if err != nil {
		return trace.Wrap(err)
	}

	if remotePolicy.Version == localPolicy.Version {
		return nil
	}

	callCtx, cancel = capability.WithCallTimeout(ctx, r.clock)
	defer cancel()
	return trace.Wrap(r.proxy.UpdatePolicy(callCtx, busName, localPolicy))
}

// updateMemberships installs every membership certificate stored for app
// that the remote doesn't already have. InstallMembership reporting
// DuplicateCertificate is treated as success, not failure, since the
// membership is already in the state we want it in.
func (r *Reconciler) updateMemberships(ctx context.Context, busName string, app model.Application) error {
	certs, err := r.store.GetCertificates(ctx, store.CertQuery{Kind: model.CertKindMembership, Subject: app.PublicKey})
	if err != nil {
		return trace.Wrap(err)
	}

	for _, cert := range certs {
		callCtx, cancel := capability.WithCallTimeout(ctx, r.clock)
		err := r.proxy.InstallMembership(callCtx, busName, capability.RemoteCertChain{cert.DER})
		cancel()
		if err != nil && !kinderr.Is(err, kinderr.DuplicateCertificate) {
			return trace.Wrap(err)
		}
	}
	return nil
}

// updateIdentity pushes a fresh identity certificate chain when the
// remote's current serial differs from the one stored locally. The
// comparison SPEC_FULL.md §13 mandates be numeric, not textual.
func (r *Reconciler) updateIdentity(ctx context.Context, busName string, pub model.PublicKey) error {
	stored, err := r.store.GetCertificate(ctx, store.CertQuery{Kind: model.CertKindIdentity, Subject: pub})
	if kinderr.Is(err, kinderr.EndOfData) {
		return nil
	}
	if err != nil {
		return trace.Wrap(err)
	}

	manifest, err := r.store.GetManifest(ctx, pub)
	if err != nil && !kinderr.Is(err, kinderr.EndOfData) {
		return trace.Wrap(err)
	}

	callCtx, cancel := capability.WithCallTimeout(ctx, r.clock)
	remoteChain, err := r.proxy.GetIdentity(callCtx, busName)
	cancel()
	if err != nil {
		return trace.Wrap(err)
	}

	needsPush := len(remoteChain) == 0
	if !needsPush {
		remoteCert, err := certutil.Decode(remoteChain[0], model.CertKindIdentity)
		if err != nil {
			return trace.Wrap(err)
		}
		needsPush, err = ca.SerialDiffers(stored.Serial, remoteCert.Serial)
		if err != nil {
			return trace.Wrap(err)
		}
	}
	if !needsPush {
		return nil
	}

	callCtx, cancel = capability.WithCallTimeout(ctx, r.clock)
	defer cancel()
	return trace.Wrap(r.proxy.UpdateIdentity(callCtx, busName, capability.RemoteCertChain{stored.DER}, manifest))
}

// reportError hands the SyncError to every registered listener on its own
// goroutine, tracked by r.dispatch, so a slow listener (e.g. internal/notify
// dialing out to SMTP) never blocks the single reconciler worker from
// picking up the next queued event.
func (r *Reconciler) reportError(pub model.PublicKey, err error) {
	kind, _ := kinderr.KindOf(err)
	syncErr := SyncError{PublicKey: pub, Kind: kind, Err: err}

	r.mu.Lock()
	listeners := append([]ErrorListener(nil), r.listeners...)
	r.mu.Unlock()

	r.dispatch.Go(func() error {
		for _, l := range listeners {
			l(syncErr)
		}
		return nil
	})
}
