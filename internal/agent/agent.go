// Package agent implements the Agent facade (C12, SPEC_FULL.md §4.8): the
// single entry point that wires PersistedStore, CertificateAuthority,
// AppMonitor and RemoteAppProxy together, bootstraps the local bus
// attachment's own trust (claim_self), and exposes claim/get/sync/listener
// operations to callers. One constructor takes its collaborators, an
// init() step runs before the main loop, and a job.Process composes the
// background workers the facade owns.
package agent

import (
	"context"
	"sync"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/alljoyn/core-securitymgr/internal/ca"
	"github.com/alljoyn/core-securitymgr/internal/capability"
	"github.com/alljoyn/core-securitymgr/internal/claim"
	"github.com/alljoyn/core-securitymgr/internal/job"
	"github.com/alljoyn/core-securitymgr/internal/kinderr"
	"github.com/alljoyn/core-securitymgr/internal/logger"
	"github.com/alljoyn/core-securitymgr/internal/manifest"
	"github.com/alljoyn/core-securitymgr/internal/model"
	"github.com/alljoyn/core-securitymgr/internal/policygen"
	"github.com/alljoyn/core-securitymgr/internal/reconciler"
	"github.com/alljoyn/core-securitymgr/internal/registry"
	"github.com/alljoyn/core-securitymgr/internal/store"
)

// dispatchQueueCapacity bounds how far the listener-dispatch worker may lag
// behind the registry before a notification is dropped with a warning
// (listeners never see it; GetApplications still reflects current state).
const dispatchQueueCapacity = 256

// ApplicationListener is notified with the before/after pair whenever a
// tracked application's online state changes, delivered off of the
// listener-dispatch worker so neither the registry lock nor the store lock
// is ever held across the callback (SPEC_FULL.md §5).
type ApplicationListener func(old, new model.OnlineApplication)

// CertificateAuthority is the narrow slice of C4 the facade depends on:
// claim.Minter plus the bootstrap operation claim_self needs.
type CertificateAuthority interface {
	claim.Minter
	RegisterAgent(ctx context.Context, agentIdentity model.IdentityInfo, agentPub model.PublicKey, manifestDigest [32]byte) (ca.RegisterResult, error)
}

type dispatchEvent struct {
	old, new model.OnlineApplication
}

type listenerEntry struct {
	id uint64
	fn ApplicationListener
}

// Agent is C12.
type Agent struct {
	store       store.PersistedStore
	ca          CertificateAuthority
	monitor     capability.AppMonitor
	proxy       capability.RemoteAppProxy
	registry    *registry.Registry
	reconciler  *reconciler.Reconciler
	claimDriver *claim.Driver
	clock       clockwork.Clock

	selfBusName  string
	selfIdentity model.IdentityInfo

	dispatch chan dispatchEvent

	mu             sync.Mutex
	listeners      []listenerEntry
	nextListenerID uint64

	process        *job.Process
	monitorReady   *job.Readiness
	dispatchReady  *job.Readiness
	monitorResult  job.FutureResult
	dispatchResult job.FutureResult
}

// New constructs an Agent. selfBusName identifies the agent's own bus
// attachment (excluded from the registry as a remote application);
// selfIdentity names the identity minted for it on first run. Call Run to
// bootstrap and start the facade's background workers.
func New(st store.PersistedStore, certAuthority CertificateAuthority, monitor capability.AppMonitor, proxy capability.RemoteAppProxy, selfBusName string, selfIdentity model.IdentityInfo) *Agent {
	reg := registry.New(selfBusName)
	return &Agent{
		store:          st,
		ca:             certAuthority,
		monitor:        monitor,
		proxy:          proxy,
		registry:       reg,
		reconciler:     reconciler.New(st, proxy, reg),
		claimDriver:    claim.New(st, certAuthority, proxy, reg),
		clock:          clockwork.NewRealClock(),
		selfBusName:    selfBusName,
		selfIdentity:   selfIdentity,
		dispatch:       make(chan dispatchEvent, dispatchQueueCapacity),
		monitorResult:  job.NewFutureResult(),
		dispatchResult: job.NewFutureResult(),
	}
}

// WithClock overrides the clock used by the facade and the components it
// owns (reconciler, claim driver) to bound RemoteAppProxy call timeouts.
func (a *Agent) WithClock(clock clockwork.Clock) *Agent {
	a.clock = clock
	a.reconciler.WithClock(clock)
	a.claimDriver.WithClock(clock)
	return a
}

// SetManifestListener installs the listener consulted by every future
// Claim attempt (not claim_self, which has no manifest to approve: the
// agent proposes its own default policy).
func (a *Agent) SetManifestListener(l claim.ManifestListener) {
	a.claimDriver.SetManifestListener(l)
}

// AddSyncErrorListener registers l to be called on every future
// reconciliation failure (SPEC_FULL.md's SyncError notification), a thin
// passthrough to the facade's own reconciler so callers (internal/notify)
// never need a direct reference to it.
func (a *Agent) AddSyncErrorListener(l reconciler.ErrorListener) {
	a.reconciler.AddErrorListener(l)
}

// Claim runs ClaimDriver's eight-step protocol for pubKey.
func (a *Agent) Claim(ctx context.Context, pubKey model.PublicKey, identityInfo model.IdentityInfo) error {
	return trace.Wrap(a.claimDriver.Claim(ctx, pubKey, identityInfo))
}

// GetApplication returns the registry's current view of pubKey.
func (a *Agent) GetApplication(pubKey model.PublicKey) (model.OnlineApplication, error) {
	online, ok := a.registry.Get(pubKey)
	if !ok {
		return model.OnlineApplication{}, kinderr.New(kinderr.UnknownApplication, "application not found")
	}
	return online, nil
}

// GetApplications returns every tracked application matching filter.
// Pass model.ClaimStateUnknown to return all of them regardless of state.
func (a *Agent) GetApplications(filter model.ClaimState) []model.OnlineApplication {
	return a.registry.List(filter)
}

// SyncWithApplications enqueues an immediate reconciliation pass for each
// of apps, or for every Claimed application if apps is nil. Applications
// no longer tracked by the registry are skipped rather than erroring; this
// is a best-effort nudge, not a transactional batch operation.
func (a *Agent) SyncWithApplications(ctx context.Context, apps []model.PublicKey) error {
	targets := apps
	if targets == nil {
		for _, online := range a.registry.List(model.ClaimStateClaimed) {
			targets = append(targets, online.PublicKey)
		}
	}

	for _, pub := range targets {
		online, ok := a.registry.Get(pub)
		if !ok {
			continue
		}
		ann := capability.StateAnnouncement{BusName: online.BusName, PublicKey: pub, ClaimState: online.ClaimState}
		a.reconciler.Enqueue(ctx, reconciler.SecurityEvent{New: &ann})
	}
	return nil
}

// RegisterApplicationListener installs l and returns a token usable with
// UnregisterApplicationListener.
func (a *Agent) RegisterApplicationListener(l ApplicationListener) uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nextListenerID++
	id := a.nextListenerID
	a.listeners = append(a.listeners, listenerEntry{id: id, fn: l})
	return id
}

// UnregisterApplicationListener removes the listener previously returned
// by RegisterApplicationListener, if still installed.
func (a *Agent) UnregisterApplicationListener(id uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, e := range a.listeners {
		if e.id == id {
			a.listeners = append(a.listeners[:i], a.listeners[i+1:]...)
			return
		}
	}
}

// PublicKeyInfo returns the CA's own (public key, AKI).
func (a *Agent) PublicKeyInfo() (model.KeyInfo, error) {
	return a.ca.PublicKeyInfo()
}

// Run bootstraps the facade (init) and then starts its background
// workers: AppMonitor's announcement loop, the listener-dispatch worker,
// and the reconciler. Blocks until the process is stopped.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.init(ctx); err != nil {
		return trace.Wrap(err)
	}

	process := job.NewProcess(ctx)
	monitorReady := &job.Readiness{}
	dispatchReady := &job.Readiness{}

	a.mu.Lock()
	a.process = process
	a.monitorReady, a.dispatchReady = monitorReady, dispatchReady
	a.mu.Unlock()

	process.SpawnFunc(a.reconciler.Run, job.Critical(true))
	process.SpawnFunc(a.runMonitor, job.Critical(true), job.WithReadiness(monitorReady), job.WithResult(a.monitorResult))
	process.SpawnFunc(a.runDispatcher, job.Critical(true), job.WithReadiness(dispatchReady), job.WithResult(a.dispatchResult))

	<-process.Done()
	return nil
}

// WaitReady reports once the monitor loop, the listener-dispatch worker
// and the reconciler have all started.
func (a *Agent) WaitReady(ctx context.Context) (bool, error) {
	a.mu.Lock()
	monitorReady, dispatchReady := a.monitorReady, a.dispatchReady
	a.mu.Unlock()
	if monitorReady == nil || dispatchReady == nil {
		return false, trace.BadParameter("agent has not been started")
	}

	if ok, err := monitorReady.WaitReady(ctx); !ok || err != nil {
		return ok, err
	}
	if ok, err := dispatchReady.WaitReady(ctx); !ok || err != nil {
		return ok, err
	}
	return a.reconciler.WaitReady(ctx)
}

// Err returns the first terminal error among the facade's workers, if any.
func (a *Agent) Err() error {
	if err := a.reconciler.Err(); err != nil {
		return err
	}
	if err := a.monitorResult.Err(); err != nil {
		return err
	}
	return a.dispatchResult.Err()
}

// Shutdown stops the reconciler and the facade's own workers, waiting for
// all to finish.
func (a *Agent) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	process := a.process
	a.mu.Unlock()
	if process == nil {
		return nil
	}

	if err := a.reconciler.Shutdown(ctx); err != nil {
		logger.Get(ctx).WithError(err).Warn("reconciler shutdown")
	}
	return process.Shutdown(ctx)
}

// Close cancels every background worker immediately, abandoning in-flight
// reconciliation rather than draining it. Satisfies procutil.Terminable,
// used by cmd/securitymgrd as the fast-path fallback when Shutdown's
// graceful drain times out.
func (a *Agent) Close() {
	a.mu.Lock()
	process := a.process
	a.mu.Unlock()
	if process != nil {
		process.Close()
	}
}

// init runs SPEC_FULL.md §4.8's four bootstrap steps: load the CA's own
// key info, claim_self if this is the first run, load managed
// applications into the registry, and subscribe the reconciler to
// registry-observed state.
func (a *Agent) init(ctx context.Context) error {
	info, err := a.ca.PublicKeyInfo()
	if err != nil {
		return trace.Wrap(err)
	}

	_, err = a.store.GetManagedApplication(ctx, info.PublicKey)
	switch {
	case kinderr.Is(err, kinderr.EndOfData):
		if err := a.claimSelf(ctx, info); err != nil {
			return trace.Wrap(err)
		}
	case err != nil:
		return trace.Wrap(err)
	}

	apps, err := a.store.GetManagedApplications(ctx)
	if err != nil {
		return trace.Wrap(err)
	}
	managed := apps[:0]
	for _, app := range apps {
		if app.PublicKey != info.PublicKey {
			managed = append(managed, app)
		}
	}
	a.registry.Load(managed)
	a.registry.AddListener(a.onRegistryChange(ctx))
	return nil
}

// claimSelf is SPEC_FULL.md §4.8 step 2: generate a local identity,
// default policy and admin-group membership, persist them in one
// transaction, then push the claim to the local bus attachment. A failed
// local claim rolls back the store commit so the next init retries from
// scratch, matching the KeyUnavailable/init error-table entry's "retried
// on next init" propagation.
func (a *Agent) claimSelf(ctx context.Context, info model.KeyInfo) error {
	adminGroup := model.Group{Authority: info.PublicKey, GUID: model.AdminGroupGUID, Name: ca.AdminGroupName}
	policy := policygen.DefaultPolicy([]model.Group{adminGroup})

	digest, err := manifest.Digest(policy)
	if err != nil {
		return trace.Wrap(err)
	}

	result, err := a.ca.RegisterAgent(ctx, a.selfIdentity, info.PublicKey, digest)
	if err != nil {
		return trace.Wrap(err)
	}

	selfApp := model.Application{PublicKey: info.PublicKey, AuthorityKeyID: info.AKI}
	err = a.store.Transaction(ctx, func(ctx context.Context) error {
		if err := a.store.StoreGroup(ctx, result.AdminGroup); err != nil {
			return trace.Wrap(err)
		}
		if err := a.store.StoreApplication(ctx, selfApp, false); err != nil {
			return trace.Wrap(err)
		}
		if err := a.store.StoreCertificate(ctx, result.Identity, false); err != nil {
			return trace.Wrap(err)
		}
		if err := a.store.StoreCertificate(ctx, result.Membership, false); err != nil {
			return trace.Wrap(err)
		}
		return trace.Wrap(a.store.StorePolicy(ctx, info.PublicKey, policy))
	})
	if err != nil {
		return trace.Wrap(err)
	}

	callCtx, cancel := capability.WithCallTimeout(ctx, a.clock)
	defer cancel()
	claimErr := a.proxy.Claim(callCtx, a.selfBusName, info.PublicKey, result.AdminGroup, capability.RemoteCertChain{result.Identity.DER}, policy)
	if claimErr != nil {
		if rmErr := a.store.RemoveApplication(ctx, info.PublicKey); rmErr != nil {
			logger.Get(ctx).WithError(rmErr).Error("removing self application after failed local claim")
		}
		return trace.Wrap(claimErr)
	}
	return nil
}

// onRegistryChange bridges AppRegistry's synchronous notification (already
// outside its own lock) into the facade's buffered dispatch queue, and
// separately re-enqueues a reconciler pass whenever updates_pending flips
// on. Whoever flips the persisted flag (the claim driver, an admin API)
// also calls Registry.SetUpdatesPending to keep the two in step.
func (a *Agent) onRegistryChange(ctx context.Context) registry.ChangeListener {
	return func(old, new model.OnlineApplication) {
		select {
		case a.dispatch <- dispatchEvent{old: old, new: new}:
		default:
			logger.Get(ctx).Warn("listener dispatch queue full, dropping notification")
		}

		if !old.UpdatesPending && new.UpdatesPending {
			ann := capability.StateAnnouncement{BusName: new.BusName, PublicKey: new.PublicKey, ClaimState: new.ClaimState}
			a.reconciler.Enqueue(ctx, reconciler.SecurityEvent{New: &ann})
		}
	}
}

func (a *Agent) runMonitor(ctx context.Context) error {
	job.SetReady(ctx, true)
	return trace.Wrap(a.monitor.Start(ctx, func(old, new *capability.StateAnnouncement) {
		a.registry.ObserveAnnouncement(new.BusName, new.PublicKey, new.ClaimState)
		a.reconciler.Enqueue(ctx, reconciler.SecurityEvent{Old: old, New: new})
	}))
}

func (a *Agent) runDispatcher(ctx context.Context) error {
	job.SetReady(ctx, true)
	stopped := job.Stopped(ctx)

	for {
		select {
		case ev := <-a.dispatch:
			a.deliverListeners(ev)
		case <-stopped:
			a.drainDispatch()
			return nil
		}
	}
}

func (a *Agent) drainDispatch() {
	for {
		select {
		case ev := <-a.dispatch:
			a.deliverListeners(ev)
		default:
			return
		}
	}
}

func (a *Agent) deliverListeners(ev dispatchEvent) {
	a.mu.Lock()
	snapshot := make([]listenerEntry, len(a.listeners))
	copy(snapshot, a.listeners)
	a.mu.Unlock()

	for _, e := range snapshot {
		e.fn(ev.old, ev.new)
	}
}
