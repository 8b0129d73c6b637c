package main

import (
	"context"

	"github.com/gravitational/trace"

	"github.com/alljoyn/core-securitymgr/internal/adminapi"
	"github.com/alljoyn/core-securitymgr/internal/agent"
	"github.com/alljoyn/core-securitymgr/internal/busproxy"
	"github.com/alljoyn/core-securitymgr/internal/ca"
	"github.com/alljoyn/core-securitymgr/internal/claim/cliapprove"
	"github.com/alljoyn/core-securitymgr/internal/logger"
	"github.com/alljoyn/core-securitymgr/internal/model"
	"github.com/alljoyn/core-securitymgr/internal/notify"
	"github.com/alljoyn/core-securitymgr/internal/procutil"
	"github.com/alljoyn/core-securitymgr/internal/store"
)

// serialAllocatorRef defers binding ca.New's SerialAllocator to the actual
// *store.SQLStore: the CA must be constructed before the store (the store
// needs the CA's own public key getter), but the store is the only
// SerialAllocator this daemon has. set is called once store.Open succeeds,
// before any certificate operation runs.
type serialAllocatorRef struct {
	store *store.SQLStore
}

func (r *serialAllocatorRef) set(s *store.SQLStore) { r.store = s }

func (r *serialAllocatorRef) GetNewSerial(ctx context.Context) (string, error) {
	if r.store == nil {
		return "", trace.BadParameter("serial allocator used before store was opened")
	}
	return r.store.GetNewSerial(ctx)
}

// App composes every component SPEC_FULL.md's daemon needs: the persisted
// store, the certificate authority, the bus proxy, the polling liveness
// monitor, the agent facade, the admin HTTP surface and the optional email
// notifier. A single constructor builds every collaborator, then Run
// blocks until signaled.
type App struct {
	cfg *StartCmdConfig

	db       *store.PostgresDB
	st       *store.SQLStore
	certAuth *ca.CertificateAuthority
	proxy    *busproxy.Proxy
	monitor  *PollingMonitor
	agent    *agent.Agent
	admin    *adminapi.Server
	notifier *notify.Notifier
}

var _ procutil.Terminable = (*App)(nil)

// NewApp wires every collaborator. It opens and pings the PostgreSQL pool,
// initializes the CA key and applies the store schema; bus sessions and the
// admin listener start only once Run starts the agent facade and the admin
// API.
func NewApp(ctx context.Context, cfg *StartCmdConfig) (*App, error) {
	db, err := store.OpenPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	serials := &serialAllocatorRef{}
	certAuth := ca.New(ca.StdCrypto{}, ca.NewKeyStore(cfg.CAKeyDir), serials)
	if err := certAuth.Initialize(); err != nil {
		db.Close()
		return nil, trace.Wrap(err)
	}

	st, err := store.Open(ctx, db, certAuth.PublicKey)
	if err != nil {
		db.Close()
		return nil, trace.Wrap(err)
	}
	serials.set(st)

	resolve := staticResolver(cfg.BusNames)
	creds := busproxy.TLSCredentialSource{}
	proxy, err := busproxy.New(resolve, creds, cfg.MaxSessions)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	a := &App{cfg: cfg, db: db, st: st, certAuth: certAuth, proxy: proxy}

	a.monitor = NewPollingMonitor(Resolver(resolve), cfg.BusNames, cfg.PollInterval, cfg.DialTimeout, a.probeApplication)

	selfIdentity := model.IdentityInfo{GUID: model.NewGUID(), Name: cfg.SelfIdentityName}
	a.agent = agent.New(st, certAuth, a.monitor, proxy, cfg.SelfBusName, selfIdentity)
	a.agent.SetManifestListener(cliapprove.New())

	if cfg.NotifyConfig.Enabled() {
		ncfg := cfg.NotifyConfig.toNotifyConfig()
		if err := ncfg.CheckAndSetDefaults(); err != nil {
			return nil, trace.Wrap(err)
		}
		a.notifier = notify.New(ncfg)
		a.agent.AddSyncErrorListener(a.notifier.OnSyncError)
	}

	a.admin = adminapi.New(cfg.Addr, a.agent)

	return a, nil
}

// probeApplication backs the polling monitor's Prober: it reports the
// claim state this daemon already has on record for busName, via the
// public key GetApplications associates with it. A bus name that no
// tracked application currently carries reports ok=false, so the monitor
// never fabricates an announcement for an application it knows nothing
// about.
func (a *App) probeApplication(busName string) (model.PublicKey, model.ClaimState, bool) {
	for _, online := range a.agent.GetApplications(model.ClaimStateUnknown) {
		if online.BusName == busName {
			return online.PublicKey, online.ClaimState, true
		}
	}
	return model.PublicKey{}, model.ClaimStateUnknown, false
}

// Run starts the admin API and the agent facade, blocking until both
// finish (normally, only on Shutdown/Close).
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 2)
	go func() { errCh <- trace.Wrap(a.admin.Run(ctx)) }()
	go func() { errCh <- trace.Wrap(a.agent.Run(ctx)) }()

	first := <-errCh
	second := <-errCh
	return trace.NewAggregate(first, second)
}

// WaitReady reports once the agent facade and the admin API have started.
func (a *App) WaitReady(ctx context.Context) (bool, error) {
	ok, err := a.agent.WaitReady(ctx)
	if !ok || err != nil {
		return ok, trace.Wrap(err)
	}
	return a.admin.WaitReady(ctx)
}

// Shutdown drains the agent facade and the admin API, then releases the
// database pool.
func (a *App) Shutdown(ctx context.Context) error {
	err := trace.NewAggregate(a.agent.Shutdown(ctx), a.admin.Shutdown(ctx))
	if closeErr := a.db.Close(); closeErr != nil {
		logger.Get(ctx).WithError(closeErr).Warn("closing postgres pool")
	}
	return err
}

// Close tears everything down immediately, skipping the graceful drain.
func (a *App) Close() {
	a.agent.Close()
	a.admin.Close()
	a.db.Close()
}

// staticResolver builds a Resolver over a fixed bus-name allowlist: each
// name in cfg.BusNames resolves to itself, meaning the operator is
// expected to pass dialable host:port strings as bus names directly. A
// production deployment would back this with the same discovery the real
// AppMonitor uses; this daemon has no such service to delegate to.
func staticResolver(busNames []string) busproxy.Resolver {
	allowed := make(map[string]struct{}, len(busNames))
	for _, name := range busNames {
		allowed[name] = struct{}{}
	}
	return func(busName string) (string, error) {
		if _, ok := allowed[busName]; !ok {
			return "", trace.NotFound("bus name %q is not configured", busName)
		}
		return busName, nil
	}
}
