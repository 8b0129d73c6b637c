// Package busproxy implements capability.RemoteAppProxy (C9) over grpc:
// each call dials a short-lived session to the bus name's resolved
// address, invokes one RPC, and tears the connection back down. There is
// no persistent per-application connection to manage, matching
// SPEC_FULL.md §5's one-outstanding-operation-per-session model. Error
// classification reuses internal/procutil.FromGRPC rather than
// re-deriving it.
package busproxy

import (
	"context"
	"time"

	"github.com/gravitational/trace"
	"github.com/sethvargo/go-limiter"
	"github.com/sethvargo/go-limiter/memorystore"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/semaphore"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/alljoyn/core-securitymgr/internal/backoff"
	"github.com/alljoyn/core-securitymgr/internal/capability"
	"github.com/alljoyn/core-securitymgr/internal/kinderr"
	"github.com/alljoyn/core-securitymgr/internal/logger"
	"github.com/alljoyn/core-securitymgr/internal/model"
	"github.com/alljoyn/core-securitymgr/internal/procutil"
)

// Proxy is the concrete capability.RemoteAppProxy.
type Proxy struct {
	resolve      Resolver
	creds        CredentialSource
	sessions     *semaphore.Weighted
	claimLimiter limiter.Store
	dialOpts     []grpc.DialOption
}

// Option customizes New.
type Option func(*Proxy)

// WithDialOptions appends extra grpc.DialOptions (used by tests to inject
// grpc.WithContextDialer against an in-memory listener).
func WithDialOptions(opts ...grpc.DialOption) Option {
	return func(p *Proxy) { p.dialOpts = append(p.dialOpts, opts...) }
}

// WithClaimLimiter overrides the default per-bus-name Claim rate limiter.
func WithClaimLimiter(store limiter.Store) Option {
	return func(p *Proxy) { p.claimLimiter = store }
}

// New builds a Proxy. maxSessions bounds how many bus sessions (across all
// applications) may be open concurrently, per SPEC_FULL.md §11's
// x/sync/semaphore commitment.
func New(resolve Resolver, creds CredentialSource, maxSessions int64, opts ...Option) (*Proxy, error) {
	defaultLimiter, err := memorystore.New(&memorystore.Config{
		Tokens:   5,
		Interval: time.Minute,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	p := &Proxy{
		resolve:      resolve,
		creds:        creds,
		sessions:     semaphore.NewWeighted(maxSessions),
		claimLimiter: defaultLimiter,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Claim implements capability.RemoteAppProxy. Rate-limited per busName so a
// misbehaving or retrying claimer can't hammer a remote during bootstrap.
func (p *Proxy) Claim(ctx context.Context, busName string, caPub model.PublicKey, adminGroup model.Group, idChain capability.RemoteCertChain, manifest model.Policy) error {
	_, _, _, ok, err := p.claimLimiter.Take(ctx, busName)
	if err != nil {
		return trace.Wrap(err)
	}
	if !ok {
		return kinderr.New(kinderr.RemoteUnreachable, "claim rate limit exceeded for bus %s", busName)
	}

	req := &claimRequest{CAPublicKey: caPub, AdminGroup: adminGroup, IdentityChain: idChain, Manifest: manifest}
	var resp claimResponse
	if err := p.call(ctx, busName, true, methodClaim, req, &resp); err != nil {
		return err
	}
	p.logDebug(ctx, "claim", resp.DebugJSON)
	return nil
}

// GetIdentity implements capability.RemoteAppProxy.
func (p *Proxy) GetIdentity(ctx context.Context, busName string) (capability.RemoteCertChain, error) {
	var resp getIdentityResponse
	if err := p.call(ctx, busName, false, methodGetIdentity, &getIdentityRequest{}, &resp); err != nil {
		return nil, err
	}
	p.logDebug(ctx, "get_identity", resp.DebugJSON)
	return resp.Chain, nil
}

// UpdateIdentity implements capability.RemoteAppProxy.
func (p *Proxy) UpdateIdentity(ctx context.Context, busName string, idChain capability.RemoteCertChain, manifest model.Policy) error {
	req := &updateIdentityRequest{Chain: idChain, Manifest: manifest}
	var resp updateIdentityResponse
	if err := p.call(ctx, busName, false, methodUpdateIdentity, req, &resp); err != nil {
		return err
	}
	p.logDebug(ctx, "update_identity", resp.DebugJSON)
	return nil
}

// InstallMembership implements capability.RemoteAppProxy.
func (p *Proxy) InstallMembership(ctx context.Context, busName string, chain capability.RemoteCertChain) error {
	req := &installMembershipRequest{Chain: chain}
	var resp installMembershipResponse
	if err := p.call(ctx, busName, false, methodInstallMembership, req, &resp); err != nil {
		return err
	}
	p.logDebug(ctx, "install_membership", resp.DebugJSON)
	return nil
}

// UpdatePolicy implements capability.RemoteAppProxy.
func (p *Proxy) UpdatePolicy(ctx context.Context, busName string, policy model.Policy) error {
	req := &updatePolicyRequest{Policy: policy}
	var resp updatePolicyResponse
	if err := p.call(ctx, busName, false, methodUpdatePolicy, req, &resp); err != nil {
		return err
	}
	p.logDebug(ctx, "update_policy", resp.DebugJSON)
	return nil
}

// GetPolicy implements capability.RemoteAppProxy.
func (p *Proxy) GetPolicy(ctx context.Context, busName string) (model.Policy, error) {
	var resp getPolicyResponse
	if err := p.call(ctx, busName, false, methodGetPolicy, &getPolicyRequest{}, &resp); err != nil {
		return model.Policy{}, err
	}
	p.logDebug(ctx, "get_policy", resp.DebugJSON)
	return resp.Policy, nil
}

// GetManifestTemplate implements capability.RemoteAppProxy, over an
// anonymous session since no certificate exists yet.
func (p *Proxy) GetManifestTemplate(ctx context.Context, busName string) (model.Policy, error) {
	var resp getManifestTemplateResponse
	if err := p.call(ctx, busName, true, methodGetManifestTemplate, &getManifestTemplateRequest{}, &resp); err != nil {
		return model.Policy{}, err
	}
	p.logDebug(ctx, "get_manifest_template", resp.DebugJSON)
	return resp.Manifest, nil
}

// Reset implements capability.RemoteAppProxy.
func (p *Proxy) Reset(ctx context.Context, busName string) error {
	var resp resetResponse
	if err := p.call(ctx, busName, false, methodReset, &resetRequest{}, &resp); err != nil {
		return err
	}
	p.logDebug(ctx, "reset", resp.DebugJSON)
	return nil
}

// call acquires a session slot, dials busName (retrying a transient dial
// failure with a decorrelated-jitter backoff until ctx gives out), invokes
// method, and releases the slot again. Every session is scoped to exactly
// one RPC, matching SPEC_FULL.md §5's single-outstanding-operation rule.
func (p *Proxy) call(ctx context.Context, busName string, anonymous bool, method string, req, reply interface{}) error {
	if err := p.sessions.Acquire(ctx, 1); err != nil {
		return kinderr.Wrap(kinderr.RemoteUnreachable, err, "acquiring bus session slot")
	}
	defer p.sessions.Release(1)

	conn, err := p.dial(ctx, busName, anonymous)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := conn.Invoke(ctx, method, req, reply, grpc.CallContentSubtype(codecName)); err != nil {
		return classifyGRPCErr(err)
	}
	return nil
}

func (p *Proxy) dial(ctx context.Context, busName string, anonymous bool) (*grpc.ClientConn, error) {
	addr, err := p.resolve(busName)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	var creds = p.creds.Anonymous()
	if !anonymous {
		creds, err = p.creds.Authenticated()
		if err != nil {
			return nil, trace.Wrap(err)
		}
	}

	opts := append([]grpc.DialOption{grpc.WithTransportCredentials(creds), grpc.WithBlock()}, p.dialOpts...)

	retry := backoff.Decorr(25*time.Millisecond, 250*time.Millisecond)
	for {
		conn, err := grpc.DialContext(ctx, addr, opts...)
		if err == nil {
			return conn, nil
		}
		classified := classifyGRPCErr(err)
		if !kinderr.Is(classified, kinderr.RemoteUnreachable) {
			return nil, classified
		}
		if waitErr := retry.Do(ctx); waitErr != nil {
			return nil, classified
		}
	}
}

// classifyGRPCErr layers a kinderr Kind on top of procutil.FromGRPC's
// trace-shaped classification: a canceled/deadline-exceeded/unavailable
// session and an AlreadyExists reply (the remote already holds a cert we
// tried to install) are the two kinds the reconciler and claim driver key
// their retry/idempotency decisions on; everything else is still a
// RemoteUnreachable, since nothing below this package can do anything
// about an error it doesn't recognize except treat the session as lost.
func classifyGRPCErr(err error) error {
	if err == nil {
		return nil
	}
	wrapped := procutil.FromGRPC(err)

	if procutil.IsCanceled(err) || procutil.IsDeadline(err) || status.Code(err) == codes.Unavailable {
		return kinderr.Wrap(kinderr.RemoteUnreachable, wrapped)
	}
	if status.Code(err) == codes.AlreadyExists {
		return kinderr.Wrap(kinderr.DuplicateCertificate, wrapped)
	}
	return kinderr.Wrap(kinderr.RemoteUnreachable, wrapped)
}

// logDebug pulls a couple of fields out of an optional raw diagnostics
// blob with gjson, rather than decoding it fully, when one is attached.
func (p *Proxy) logDebug(ctx context.Context, op string, raw []byte) {
	if len(raw) == 0 {
		return
	}
	result := gjson.ParseBytes(raw)
	logger.Get(ctx).WithFields(map[string]interface{}{
		"op":      op,
		"state":   result.Get("state").String(),
		"session": result.Get("session_id").String(),
	}).Debug("bus diagnostics")
}
