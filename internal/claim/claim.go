// Package claim implements ClaimDriver (C11, SPEC_FULL.md §4.6): the
// one-shot trust-bootstrap exchange that transitions a remote application
// from Claimable to Claimed. The eight-step sequence below is followed
// exactly, including the commit-then-publish ordering that makes a failed
// or lost bus reply idempotent against retry.
package claim

import (
	"context"
	"sync"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/alljoyn/core-securitymgr/internal/capability"
	"github.com/alljoyn/core-securitymgr/internal/kinderr"
	"github.com/alljoyn/core-securitymgr/internal/logger"
	"github.com/alljoyn/core-securitymgr/internal/manifest"
	"github.com/alljoyn/core-securitymgr/internal/model"
	"github.com/alljoyn/core-securitymgr/internal/registry"
	"github.com/alljoyn/core-securitymgr/internal/store"
)

// ManifestListener decides whether a claim attempt's proposed manifest is
// acceptable. The reference implementation (internal/claim/cliapprove)
// prompts an operator at the terminal; any other implementation (an
// allow-list, an HTTP approval queue) only needs to satisfy this one
// method.
type ManifestListener interface {
	Approve(ctx context.Context, app model.Application, manifest model.Policy) bool
}

// Minter is the narrow slice of CertificateAuthority the claim driver
// depends on, named separately so tests can fake it without a whole CA.
type Minter interface {
	PublicKeyInfo() (model.KeyInfo, error)
	PublicKey() model.PublicKey
	MintIdentity(ctx context.Context, app model.Application, identityInfo model.IdentityInfo, manifestDigest [32]byte) (model.Certificate, error)
}

// Driver is C11.
type Driver struct {
	store    store.PersistedStore
	ca       Minter
	proxy    capability.RemoteAppProxy
	registry *registry.Registry
	clock    clockwork.Clock

	mu       sync.Mutex
	listener ManifestListener
}

// New constructs a Driver. It has no manifest listener installed until
// SetManifestListener is called, matching SPEC_FULL.md §4.6 step 1: a
// claim attempted before one is installed fails ManifestRejected.
func New(st store.PersistedStore, ca Minter, proxy capability.RemoteAppProxy, reg *registry.Registry) *Driver {
	return &Driver{store: st, ca: ca, proxy: proxy, registry: reg, clock: clockwork.NewRealClock()}
}

// WithClock overrides the clock used to bound per-call RPC timeouts.
func (d *Driver) WithClock(clock clockwork.Clock) *Driver {
	d.clock = clock
	return d
}

// SetManifestListener installs (or replaces) the listener consulted by
// every subsequent Claim.
func (d *Driver) SetManifestListener(l ManifestListener) {
	d.mu.Lock()
	d.listener = l
	d.mu.Unlock()
}

// Claim runs the eight-step protocol for pubKey, minting an identity
// certificate under identityInfo once the manifest is approved.
func (d *Driver) Claim(ctx context.Context, pubKey model.PublicKey, identityInfo model.IdentityInfo) error {
	d.mu.Lock()
	listener := d.listener
	d.mu.Unlock()
	if listener == nil {
		return kinderr.New(kinderr.ManifestRejected, "no manifest listener installed")
	}

	online, ok := d.registry.Get(pubKey)
	if !ok {
		return kinderr.New(kinderr.UnknownApplication, "application not found in registry")
	}
	if online.Offline() {
		return kinderr.New(kinderr.RemoteUnreachable, "application has no live bus session")
	}
	app, busName := online.Application, online.BusName

	templateCtx, cancel := capability.WithCallTimeout(ctx, d.clock)
	proposed, err := d.proxy.GetManifestTemplate(templateCtx, busName)
	cancel()
	if err != nil {
		return trace.Wrap(err)
	}

	if !listener.Approve(ctx, app, proposed) {
		d.resetRemote(ctx, busName)
		return kinderr.New(kinderr.ManifestRejected, "manifest listener declined claim")
	}

	digest, err := manifest.Digest(proposed)
	if err != nil {
		d.resetRemote(ctx, busName)
		return trace.Wrap(err)
	}

	idCert, err := d.commitLocally(ctx, app, identityInfo, proposed, digest)
	if err != nil {
		return trace.Wrap(err)
	}

	if err := d.claimRemote(ctx, busName, app, idCert, proposed); err != nil {
		if rmErr := d.store.RemoveApplication(ctx, app.PublicKey); rmErr != nil {
			logger.Get(ctx).WithError(rmErr).Error("removing application after failed remote claim")
		}
		return trace.Wrap(err)
	}

	d.registry.SetClaimState(app.PublicKey, model.ClaimStateClaimed)
	return nil
}

// commitLocally is step 5: store_application, mint_identity,
// store_certificate, store_manifest all inside one transaction, so a
// partial failure leaves nothing behind.
func (d *Driver) commitLocally(ctx context.Context, app model.Application, identityInfo model.IdentityInfo, proposed model.Policy, digest [32]byte) (model.Certificate, error) {
	var idCert model.Certificate
	err := d.store.Transaction(ctx, func(ctx context.Context) error {
		if err := d.store.StoreApplication(ctx, app, false); err != nil {
			return trace.Wrap(err)
		}

		cert, err := d.ca.MintIdentity(ctx, app, identityInfo, digest)
		if err != nil {
			return trace.Wrap(err)
		}
		if err := d.store.StoreCertificate(ctx, cert, false); err != nil {
			return trace.Wrap(err)
		}
		if err := d.store.StoreManifest(ctx, app.PublicKey, proposed); err != nil {
			return trace.Wrap(err)
		}
		idCert = cert
		return nil
	})
	return idCert, trace.Wrap(err)
}

// claimRemote is steps 6-7: push the claim over the bus, and only on
// failure does the caller roll back the store commit.
func (d *Driver) claimRemote(ctx context.Context, busName string, app model.Application, idCert model.Certificate, proposed model.Policy) error {
	info, err := d.ca.PublicKeyInfo()
	if err != nil {
		return trace.Wrap(err)
	}
	adminGroup, err := d.store.GetGroup(ctx, d.ca.PublicKey(), model.AdminGroupGUID)
	if err != nil {
		return trace.Wrap(err)
	}

	claimCtx, cancel := capability.WithCallTimeout(ctx, d.clock)
	defer cancel()
	return trace.Wrap(d.proxy.Claim(claimCtx, busName, info.PublicKey, adminGroup, capability.RemoteCertChain{idCert.DER}, proposed))
}

func (d *Driver) resetRemote(ctx context.Context, busName string) {
	resetCtx, cancel := capability.WithCallTimeout(ctx, d.clock)
	defer cancel()
	if err := d.proxy.Reset(resetCtx, busName); err != nil {
		logger.Get(ctx).WithError(err).Warn("resetting remote after rejected/failed claim")
	}
}
