package reconciler_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/alljoyn/core-securitymgr/internal/capability"
	"github.com/alljoyn/core-securitymgr/internal/kinderr"
	"github.com/alljoyn/core-securitymgr/internal/model"
	"github.com/alljoyn/core-securitymgr/internal/reconciler"
	"github.com/alljoyn/core-securitymgr/internal/registry"
	"github.com/alljoyn/core-securitymgr/internal/store"
	"github.com/alljoyn/core-securitymgr/internal/testutil"
)

// fakeStore is a minimal in-memory store.PersistedStore covering exactly
// what update_application reads and writes; every other method is
// unreachable from these tests and is a stub returning zero values.
type fakeStore struct {
	mu sync.Mutex

	apps            map[model.PublicKey]model.Application
	policies        map[model.PublicKey]model.Policy
	manifests       map[model.PublicKey]model.Policy
	identityCerts   map[model.PublicKey]model.Certificate
	membershipCerts map[model.PublicKey][]model.Certificate
	updatesPending  map[model.PublicKey]bool
	completedCalls  int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		apps:            map[model.PublicKey]model.Application{},
		policies:        map[model.PublicKey]model.Policy{},
		manifests:       map[model.PublicKey]model.Policy{},
		identityCerts:   map[model.PublicKey]model.Certificate{},
		membershipCerts: map[model.PublicKey][]model.Certificate{},
		updatesPending:  map[model.PublicKey]bool{},
	}
}

func (f *fakeStore) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func (f *fakeStore) StoreApplication(ctx context.Context, app model.Application, upsert bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.apps[app.PublicKey] = app
	return nil
}

func (f *fakeStore) RemoveApplication(ctx context.Context, pub model.PublicKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.apps, pub)
	return nil
}

func (f *fakeStore) GetManagedApplication(ctx context.Context, pub model.PublicKey) (model.Application, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	app, ok := f.apps[pub]
	if !ok {
		return model.Application{}, kinderr.New(kinderr.EndOfData, "no such application")
	}
	return app, nil
}

func (f *fakeStore) GetManagedApplications(ctx context.Context) ([]model.Application, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Application
	for _, app := range f.apps {
		out = append(out, app)
	}
	return out, nil
}

func (f *fakeStore) StoreCertificate(ctx context.Context, cert model.Certificate, upsert bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch cert.Kind {
	case model.CertKindIdentity:
		f.identityCerts[cert.SubjectPublicKey] = cert
	case model.CertKindMembership:
		f.membershipCerts[cert.SubjectPublicKey] = append(f.membershipCerts[cert.SubjectPublicKey], cert)
	}
	return nil
}

func (f *fakeStore) GetCertificate(ctx context.Context, q store.CertQuery) (model.Certificate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if q.Kind == model.CertKindIdentity {
		cert, ok := f.identityCerts[q.Subject]
		if !ok {
			return model.Certificate{}, kinderr.New(kinderr.EndOfData, "no identity certificate")
		}
		return cert, nil
	}
	return model.Certificate{}, kinderr.New(kinderr.EndOfData, "no certificate")
}

func (f *fakeStore) GetCertificates(ctx context.Context, q store.CertQuery) ([]model.Certificate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if q.Kind == model.CertKindMembership {
		return f.membershipCerts[q.Subject], nil
	}
	return nil, nil
}

func (f *fakeStore) RemoveCertificate(ctx context.Context, q store.CertQuery) error { return nil }

func (f *fakeStore) StorePolicy(ctx context.Context, pub model.PublicKey, policy model.Policy) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.policies[pub] = policy
	return nil
}

func (f *fakeStore) GetPolicy(ctx context.Context, pub model.PublicKey) (model.Policy, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	policy, ok := f.policies[pub]
	if !ok {
		return model.Policy{}, kinderr.New(kinderr.EndOfData, "no policy")
	}
	return policy, nil
}

func (f *fakeStore) StoreManifest(ctx context.Context, pub model.PublicKey, policy model.Policy) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.manifests[pub] = policy
	return nil
}

func (f *fakeStore) GetManifest(ctx context.Context, pub model.PublicKey) (model.Policy, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	policy, ok := f.manifests[pub]
	if !ok {
		return model.Policy{}, kinderr.New(kinderr.EndOfData, "no manifest")
	}
	return policy, nil
}

func (f *fakeStore) StoreGroup(ctx context.Context, g model.Group) error { return nil }
func (f *fakeStore) RemoveGroup(ctx context.Context, authority model.PublicKey, guid model.GUID) error {
	return nil
}
func (f *fakeStore) GetGroup(ctx context.Context, authority model.PublicKey, guid model.GUID) (model.Group, error) {
	return model.Group{}, kinderr.New(kinderr.EndOfData, "no group")
}
func (f *fakeStore) GetGroups(ctx context.Context) ([]model.Group, error) { return nil, nil }

func (f *fakeStore) StoreIdentity(ctx context.Context, id model.Identity) error { return nil }
func (f *fakeStore) RemoveIdentity(ctx context.Context, authority model.PublicKey, guid model.GUID) error {
	return nil
}
func (f *fakeStore) GetIdentity(ctx context.Context, authority model.PublicKey, guid model.GUID) (model.Identity, error) {
	return model.Identity{}, kinderr.New(kinderr.EndOfData, "no identity")
}
func (f *fakeStore) GetIdentities(ctx context.Context) ([]model.Identity, error) { return nil, nil }

func (f *fakeStore) GetNewSerial(ctx context.Context) (string, error) { return "1", nil }

func (f *fakeStore) UpdatesCompleted(ctx context.Context, pub model.PublicKey) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completedCalls++
	was := f.updatesPending[pub]
	f.updatesPending[pub] = false
	return was, nil
}

func (f *fakeStore) SetUpdatesPending(ctx context.Context, pub model.PublicKey, pending bool) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	was := f.updatesPending[pub]
	f.updatesPending[pub] = pending
	return was != pending, nil
}

// fakeProxy is a minimal capability.RemoteAppProxy recording every call it
// receives, with scripted responses and errors set up per test.
type fakeProxy struct {
	mu sync.Mutex

	policy            model.Policy
	identityChain     capability.RemoteCertChain
	installErr        error
	installedCount    int
	updatePolicyCount int
	updateIDCount     int
	resetCalls        []string
}

func (p *fakeProxy) Claim(ctx context.Context, busName string, caPub model.PublicKey, adminGroup model.Group, idChain capability.RemoteCertChain, manifest model.Policy) error {
	return nil
}

func (p *fakeProxy) GetIdentity(ctx context.Context, busName string) (capability.RemoteCertChain, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.identityChain, nil
}

func (p *fakeProxy) UpdateIdentity(ctx context.Context, busName string, idChain capability.RemoteCertChain, manifest model.Policy) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updateIDCount++
	return nil
}

func (p *fakeProxy) InstallMembership(ctx context.Context, busName string, chain capability.RemoteCertChain) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.installedCount++
	return p.installErr
}

func (p *fakeProxy) UpdatePolicy(ctx context.Context, busName string, policy model.Policy) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updatePolicyCount++
	p.policy = policy
	return nil
}

func (p *fakeProxy) GetPolicy(ctx context.Context, busName string) (model.Policy, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.policy, nil
}

func (p *fakeProxy) GetManifestTemplate(ctx context.Context, busName string) (model.Policy, error) {
	return model.Policy{}, nil
}

func (p *fakeProxy) Reset(ctx context.Context, busName string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resetCalls = append(p.resetCalls, busName)
	return nil
}

type ReconcilerSuite struct {
	testutil.Suite
}

func TestReconcilerSuite(t *testing.T) {
	suite.Run(t, new(ReconcilerSuite))
}

func (s *ReconcilerSuite) announce(reg *registry.Registry, pub model.PublicKey, busName string) capability.StateAnnouncement {
	reg.ObserveAnnouncement(busName, pub, model.ClaimStateClaimed)
	return capability.StateAnnouncement{BusName: busName, PublicKey: pub, ClaimState: model.ClaimStateClaimed}
}

func (s *ReconcilerSuite) TestPushesPolicyWhenVersionDiffers() {
	t := s.T()
	st := newFakeStore()
	proxy := &fakeProxy{}
	reg := registry.New("self")

	pub := model.PublicKey{1, 2, 3}
	require.NoError(t, st.StoreApplication(s.Ctx(), model.Application{PublicKey: pub}, false))
	require.NoError(t, st.StorePolicy(s.Ctx(), pub, model.Policy{Version: 2}))

	r := reconciler.New(st, proxy, reg)
	s.Start(r)

	new := s.announce(reg, pub, "bus:1")
	r.Enqueue(s.Ctx(), reconciler.SecurityEvent{New: &new})

	require.Eventually(t, func() bool {
		proxy.mu.Lock()
		defer proxy.mu.Unlock()
		return proxy.updatePolicyCount == 1 && proxy.policy.Version == 2
	}, time.Second, 10*time.Millisecond)
}

func (s *ReconcilerSuite) TestInstallsMembershipsTreatingDuplicateAsSuccess() {
	t := s.T()
	st := newFakeStore()
	proxy := &fakeProxy{installErr: kinderr.New(kinderr.DuplicateCertificate, "already installed")}
	reg := registry.New("self")

	pub := model.PublicKey{4, 5, 6}
	require.NoError(t, st.StoreApplication(s.Ctx(), model.Application{PublicKey: pub}, false))
	require.NoError(t, st.StoreCertificate(s.Ctx(), model.Certificate{Kind: model.CertKindMembership, SubjectPublicKey: pub, DER: []byte("cert")}, false))

	r := reconciler.New(st, proxy, reg)

	var errs []reconciler.SyncError
	var mu sync.Mutex
	r.AddErrorListener(func(e reconciler.SyncError) {
		mu.Lock()
		errs = append(errs, e)
		mu.Unlock()
	})

	s.Start(r)
	new := s.announce(reg, pub, "bus:2")
	r.Enqueue(s.Ctx(), reconciler.SecurityEvent{New: &new})

	require.Eventually(t, func() bool {
		proxy.mu.Lock()
		defer proxy.mu.Unlock()
		return proxy.installedCount == 1
	}, time.Second, 10*time.Millisecond)

	// Duplicate is success, not a SyncError; give the async path a moment to
	// (not) fire before asserting.
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.Empty(t, errs)
}

func (s *ReconcilerSuite) TestPushesIdentityWhenRemoteHasNone() {
	t := s.T()
	st := newFakeStore()
	proxy := &fakeProxy{}
	reg := registry.New("self")

	pub := model.PublicKey{7, 8, 9}
	require.NoError(t, st.StoreApplication(s.Ctx(), model.Application{PublicKey: pub}, false))
	require.NoError(t, st.StoreCertificate(s.Ctx(), model.Certificate{Kind: model.CertKindIdentity, SubjectPublicKey: pub, Serial: "5", DER: []byte("identity")}, false))

	r := reconciler.New(st, proxy, reg)
	s.Start(r)

	new := s.announce(reg, pub, "bus:3")
	r.Enqueue(s.Ctx(), reconciler.SecurityEvent{New: &new})

	require.Eventually(t, func() bool {
		proxy.mu.Lock()
		defer proxy.mu.Unlock()
		return proxy.updateIDCount == 1
	}, time.Second, 10*time.Millisecond)
}

func (s *ReconcilerSuite) TestFullSyncClearsUpdatesPending() {
	t := s.T()
	st := newFakeStore()
	proxy := &fakeProxy{}
	reg := registry.New("self")

	pub := model.PublicKey{10, 11}
	require.NoError(t, st.StoreApplication(s.Ctx(), model.Application{PublicKey: pub}, false))
	st.updatesPending[pub] = true

	r := reconciler.New(st, proxy, reg)
	s.Start(r)

	new := s.announce(reg, pub, "bus:4")
	r.Enqueue(s.Ctx(), reconciler.SecurityEvent{New: &new})

	require.Eventually(t, func() bool {
		st.mu.Lock()
		defer st.mu.Unlock()
		return st.completedCalls == 1
	}, time.Second, 10*time.Millisecond)

	app, ok := reg.Get(pub)
	require.True(t, ok)
	require.Eventually(t, func() bool {
		a, _ := reg.Get(pub)
		return !a.UpdatesPending
	}, time.Second, 10*time.Millisecond)
	_ = app
}

func (s *ReconcilerSuite) TestResetsRemoteForUnmanagedApplication() {
	t := s.T()
	st := newFakeStore()
	proxy := &fakeProxy{}
	reg := registry.New("self")

	pub := model.PublicKey{12, 13}
	r := reconciler.New(st, proxy, reg)
	s.Start(r)

	new := s.announce(reg, pub, "bus:5")
	r.Enqueue(s.Ctx(), reconciler.SecurityEvent{New: &new})

	require.Eventually(t, func() bool {
		proxy.mu.Lock()
		defer proxy.mu.Unlock()
		return len(proxy.resetCalls) == 1 && proxy.resetCalls[0] == "bus:5"
	}, time.Second, 10*time.Millisecond)
}
