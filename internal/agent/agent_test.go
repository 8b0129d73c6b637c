package agent_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/alljoyn/core-securitymgr/internal/agent"
	"github.com/alljoyn/core-securitymgr/internal/ca"
	"github.com/alljoyn/core-securitymgr/internal/capability"
	"github.com/alljoyn/core-securitymgr/internal/kinderr"
	"github.com/alljoyn/core-securitymgr/internal/model"
	"github.com/alljoyn/core-securitymgr/internal/store"
	"github.com/alljoyn/core-securitymgr/internal/testutil"
)

// fakeStore is a minimal in-memory store.PersistedStore covering exactly
// what Agent.init, claim_self and SyncWithApplications touch.
type fakeStore struct {
	mu sync.Mutex

	apps      map[model.PublicKey]model.Application
	certs     map[model.PublicKey][]model.Certificate
	policies  map[model.PublicKey]model.Policy
	groups    map[model.GUID]model.Group
	removed   []model.PublicKey
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		apps:     map[model.PublicKey]model.Application{},
		certs:    map[model.PublicKey][]model.Certificate{},
		policies: map[model.PublicKey]model.Policy{},
		groups:   map[model.GUID]model.Group{},
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
	f.removed = append(f.removed, pub)
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
	f.certs[cert.SubjectPublicKey] = append(f.certs[cert.SubjectPublicKey], cert)
	return nil
}

func (f *fakeStore) GetCertificate(ctx context.Context, q store.CertQuery) (model.Certificate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.certs[q.Subject] {
		if c.Kind == q.Kind {
			return c, nil
		}
	}
	return model.Certificate{}, kinderr.New(kinderr.EndOfData, "no certificate")
}

func (f *fakeStore) GetCertificates(ctx context.Context, q store.CertQuery) ([]model.Certificate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Certificate
	for _, c := range f.certs[q.Subject] {
		if c.Kind == q.Kind {
			out = append(out, c)
		}
	}
	return out, nil
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
	return nil
}
func (f *fakeStore) GetManifest(ctx context.Context, pub model.PublicKey) (model.Policy, error) {
	return model.Policy{}, kinderr.New(kinderr.EndOfData, "no manifest")
}

func (f *fakeStore) StoreGroup(ctx context.Context, g model.Group) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.groups[g.GUID] = g
	return nil
}
func (f *fakeStore) RemoveGroup(ctx context.Context, authority model.PublicKey, guid model.GUID) error {
	return nil
}
func (f *fakeStore) GetGroup(ctx context.Context, authority model.PublicKey, guid model.GUID) (model.Group, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.groups[guid]
	if !ok {
		return model.Group{}, kinderr.New(kinderr.EndOfData, "no group")
	}
	return g, nil
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
	return false, nil
}
func (f *fakeStore) SetUpdatesPending(ctx context.Context, pub model.PublicKey, pending bool) (bool, error) {
	return false, nil
}

// fakeCA implements agent.CertificateAuthority against a fixed public key,
// recording RegisterAgent calls so claim_self's bootstrap can be asserted.
type fakeCA struct {
	mu sync.Mutex

	pub             model.PublicKey
	registerCalls   int
	registerErr     error
}

func (c *fakeCA) PublicKeyInfo() (model.KeyInfo, error) {
	return model.KeyInfo{PublicKey: c.pub, AKI: c.pub.AKI()}, nil
}
func (c *fakeCA) PublicKey() model.PublicKey { return c.pub }

func (c *fakeCA) MintIdentity(ctx context.Context, app model.Application, identityInfo model.IdentityInfo, manifestDigest [32]byte) (model.Certificate, error) {
	return model.Certificate{
		Kind:             model.CertKindIdentity,
		Serial:           "7",
		SubjectPublicKey: app.PublicKey,
		SubjectCN:        app.AKI(),
		ManifestDigest:   manifestDigest,
		DER:              []byte("identity-der"),
	}, nil
}

func (c *fakeCA) RegisterAgent(ctx context.Context, agentIdentity model.IdentityInfo, agentPub model.PublicKey, manifestDigest [32]byte) (ca.RegisterResult, error) {
	c.mu.Lock()
	c.registerCalls++
	c.mu.Unlock()
	if c.registerErr != nil {
		return ca.RegisterResult{}, c.registerErr
	}
	adminGroup := model.Group{Authority: agentPub, GUID: model.AdminGroupGUID, Name: ca.AdminGroupName}
	return ca.RegisterResult{
		AdminGroup: adminGroup,
		Identity: model.Certificate{
			Kind: model.CertKindIdentity, Serial: "1", SubjectPublicKey: agentPub,
			ManifestDigest: manifestDigest, DER: []byte("self-identity-der"),
		},
		Membership: model.Certificate{
			Kind: model.CertKindMembership, Serial: "2", SubjectPublicKey: agentPub,
			Guild: model.AdminGroupGUID, DER: []byte("self-membership-der"),
		},
	}, nil
}

// fakeMonitor is a controllable capability.AppMonitor: Start blocks until
// stopped, recording the handler so tests can drive announcements directly.
type fakeMonitor struct {
	mu      sync.Mutex
	handler func(old, new *capability.StateAnnouncement)
	pings   []string
}

func (m *fakeMonitor) Start(ctx context.Context, handler func(old, new *capability.StateAnnouncement)) error {
	m.mu.Lock()
	m.handler = handler
	m.mu.Unlock()
	<-ctx.Done()
	return nil
}
func (m *fakeMonitor) Stop(ctx context.Context) error { return nil }
func (m *fakeMonitor) Ping(ctx context.Context, busName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pings = append(m.pings, busName)
	return nil
}

func (m *fakeMonitor) announce(old, new *capability.StateAnnouncement) {
	m.mu.Lock()
	h := m.handler
	m.mu.Unlock()
	if h != nil {
		h(old, new)
	}
}

// fakeProxy is a minimal capability.RemoteAppProxy recording every call.
type fakeProxy struct {
	mu sync.Mutex

	claimed           []string
	claimErr          error
	updatePolicyCount int
	resetCalls        []string
	policy            model.Policy
}

func (p *fakeProxy) Claim(ctx context.Context, busName string, caPub model.PublicKey, adminGroup model.Group, idChain capability.RemoteCertChain, manifest model.Policy) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.claimErr != nil {
		return p.claimErr
	}
	p.claimed = append(p.claimed, busName)
	return nil
}
func (p *fakeProxy) GetIdentity(ctx context.Context, busName string) (capability.RemoteCertChain, error) {
	return nil, nil
}
func (p *fakeProxy) UpdateIdentity(ctx context.Context, busName string, idChain capability.RemoteCertChain, manifest model.Policy) error {
	return nil
}
func (p *fakeProxy) InstallMembership(ctx context.Context, busName string, chain capability.RemoteCertChain) error {
	return nil
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

type AgentSuite struct {
	testutil.Suite
}

func TestAgentSuite(t *testing.T) {
	suite.Run(t, new(AgentSuite))
}

func (s *AgentSuite) TestClaimSelfBootstrapsOnFirstRun() {
	t := s.T()
	st := newFakeStore()
	cert := &fakeCA{pub: model.PublicKey{1, 1, 1}}
	monitor := &fakeMonitor{}
	proxy := &fakeProxy{}

	a := agent.New(st, cert, monitor, proxy, "self-bus", model.IdentityInfo{GUID: model.NewGUID(), Name: "agent"})
	s.Start(a)

	require.Equal(t, 1, cert.registerCalls)
	_, err := st.GetManagedApplication(s.Ctx(), cert.pub)
	require.NoError(t, err)

	proxy.mu.Lock()
	claimed := append([]string(nil), proxy.claimed...)
	proxy.mu.Unlock()
	require.Equal(t, []string{"self-bus"}, claimed)

	require.Empty(t, a.GetApplications(model.ClaimStateUnknown), "the agent's own bus attachment is never added to the registry")
	_, err = a.GetApplication(cert.pub)
	require.Error(t, err, "the agent's own bus attachment is excluded from the registry")
}

func (s *AgentSuite) TestGetApplicationsReflectsMonitorAnnouncements() {
	t := s.T()
	st := newFakeStore()
	cert := &fakeCA{pub: model.PublicKey{2, 2, 2}}
	monitor := &fakeMonitor{}
	proxy := &fakeProxy{}

	existing := model.PublicKey{9, 8, 7}
	require.NoError(t, st.StoreApplication(context.Background(), model.Application{PublicKey: existing}, false))

	a := agent.New(st, cert, monitor, proxy, "self-bus", model.IdentityInfo{})
	s.Start(a)

	ann := capability.StateAnnouncement{BusName: "bus:42", PublicKey: existing, ClaimState: model.ClaimStateClaimed}
	monitor.announce(nil, &ann)

	require.Eventually(t, func() bool {
		online, err := a.GetApplication(existing)
		return err == nil && online.BusName == "bus:42" && online.ClaimState == model.ClaimStateClaimed
	}, time.Second, 10*time.Millisecond)
}

func (s *AgentSuite) TestSyncWithApplicationsEnqueuesReconcilerWork() {
	t := s.T()
	st := newFakeStore()
	cert := &fakeCA{pub: model.PublicKey{3, 3, 3}}
	monitor := &fakeMonitor{}
	proxy := &fakeProxy{}

	pub := model.PublicKey{5, 5, 5}
	require.NoError(t, st.StoreApplication(context.Background(), model.Application{PublicKey: pub}, false))
	require.NoError(t, st.StorePolicy(context.Background(), pub, model.Policy{Version: 9}))

	a := agent.New(st, cert, monitor, proxy, "self-bus", model.IdentityInfo{})
	s.Start(a)

	ann := capability.StateAnnouncement{BusName: "bus:7", PublicKey: pub, ClaimState: model.ClaimStateClaimed}
	monitor.announce(nil, &ann)
	require.Eventually(t, func() bool {
		online, err := a.GetApplication(pub)
		return err == nil && online.BusName == "bus:7"
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, a.SyncWithApplications(s.Ctx(), nil))

	require.Eventually(t, func() bool {
		proxy.mu.Lock()
		defer proxy.mu.Unlock()
		return proxy.updatePolicyCount == 1 && proxy.policy.Version == 9
	}, time.Second, 10*time.Millisecond)
}

func (s *AgentSuite) TestApplicationListenerReceivesNotifications() {
	t := s.T()
	st := newFakeStore()
	cert := &fakeCA{pub: model.PublicKey{4, 4, 4}}
	monitor := &fakeMonitor{}
	proxy := &fakeProxy{}

	pub := model.PublicKey{6, 6, 6}
	require.NoError(t, st.StoreApplication(context.Background(), model.Application{PublicKey: pub}, false))

	a := agent.New(st, cert, monitor, proxy, "self-bus", model.IdentityInfo{})

	var mu sync.Mutex
	var seen []model.OnlineApplication
	a.RegisterApplicationListener(func(old, new model.OnlineApplication) {
		mu.Lock()
		seen = append(seen, new)
		mu.Unlock()
	})

	s.Start(a)

	ann := capability.StateAnnouncement{BusName: "bus:9", PublicKey: pub, ClaimState: model.ClaimStateClaimed}
	monitor.announce(nil, &ann)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, o := range seen {
			if o.PublicKey == pub && o.BusName == "bus:9" {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)
}

func (s *AgentSuite) TestUnregisterApplicationListenerStopsDelivery() {
	t := s.T()
	st := newFakeStore()
	cert := &fakeCA{pub: model.PublicKey{8, 8, 8}}
	monitor := &fakeMonitor{}
	proxy := &fakeProxy{}

	a := agent.New(st, cert, monitor, proxy, "self-bus", model.IdentityInfo{})

	var calls int
	var mu sync.Mutex
	id := a.RegisterApplicationListener(func(old, new model.OnlineApplication) {
		mu.Lock()
		calls++
		mu.Unlock()
	})
	a.UnregisterApplicationListener(id)

	s.Start(a)

	pub := model.PublicKey{11, 12}
	ann := capability.StateAnnouncement{BusName: "bus:11", PublicKey: pub, ClaimState: model.ClaimStateClaimable}
	monitor.announce(nil, &ann)

	time.Sleep(30 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.Zero(t, calls)
}
