package ca

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"sync"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/alljoyn/core-securitymgr/internal/capability"
	"github.com/alljoyn/core-securitymgr/internal/certutil"
	"github.com/alljoyn/core-securitymgr/internal/kinderr"
	"github.com/alljoyn/core-securitymgr/internal/model"
)

// SerialAllocator is the one PersistedStore operation the CA depends on,
// named narrowly so CA tests can fake it without a whole store.
type SerialAllocator interface {
	GetNewSerial(ctx context.Context) (string, error)
}

// AdminGroupName is the well-known admin group's fixed display name
// (SPEC_FULL.md §6).
const AdminGroupName = "Admin group"

// CertificateAuthority is C4. Every access to the CA's private key is
// mediated by mu, matching SPEC_FULL.md §5's "CA private key ... every
// access mediated by a single internal mutex".
type CertificateAuthority struct {
	mu      sync.Mutex
	crypto  capability.Crypto
	keys    *KeyStore
	serials SerialAllocator
	clock   clockwork.Clock
	key     *ecdsa.PrivateKey
	pub     model.PublicKey
}

// New constructs a CertificateAuthority bound to crypto/keys/serials. The
// CA is not yet usable until Initialize has run.
func New(crypto capability.Crypto, keys *KeyStore, serials SerialAllocator) *CertificateAuthority {
	return &CertificateAuthority{crypto: crypto, keys: keys, serials: serials, clock: clockwork.NewRealClock()}
}

// WithClock overrides the CA's clock, used by tests to pin certificate
// validity windows to a fake clock instead of wall-clock time.
func (ca *CertificateAuthority) WithClock(clock clockwork.Clock) *CertificateAuthority {
	ca.clock = clock
	return ca
}

// Initialize loads the CA's key if one was already generated, or
// generates and persists a fresh one on first run.
func (ca *CertificateAuthority) Initialize() error {
	ca.mu.Lock()
	defer ca.mu.Unlock()

	if ca.keys.Has() {
		key, err := ca.keys.Load()
		if err != nil {
			return trace.Wrap(err)
		}
		return ca.setKey(key)
	}

	key, err := ca.crypto.GenerateKey()
	if err != nil {
		return kinderr.Wrap(kinderr.KeyUnavailable, err, "generating CA key")
	}
	if err := ca.keys.Store(key); err != nil {
		return trace.Wrap(err)
	}
	return ca.setKey(key)
}

func (ca *CertificateAuthority) setKey(key *ecdsa.PrivateKey) error {
	pk, err := model.PublicKeyFromECDSA(&key.PublicKey)
	if err != nil {
		return trace.Wrap(err)
	}
	ca.key, ca.pub = key, pk
	return nil
}

// PublicKeyInfo returns the CA's own (public key, AKI), or KeyUnavailable
// if Initialize has not yet run.
func (ca *CertificateAuthority) PublicKeyInfo() (model.KeyInfo, error) {
	ca.mu.Lock()
	defer ca.mu.Unlock()
	if ca.key == nil {
		return model.KeyInfo{}, kinderr.New(kinderr.KeyUnavailable, "CA is uninitialized")
	}
	return model.KeyInfo{PublicKey: ca.pub, AKI: ca.pub.AKI()}, nil
}

// PublicKey returns just the raw public key, used by callers (store,
// reconciler) that canonicalize an empty authority to the CA's key.
func (ca *CertificateAuthority) PublicKey() model.PublicKey {
	ca.mu.Lock()
	defer ca.mu.Unlock()
	return ca.pub
}

// Sign allocates a serial if cert.Serial is empty, sets issuer_cn to the
// CA's own AKI, builds and signs the DER encoding, and returns the
// completed certificate.
func (ca *CertificateAuthority) Sign(ctx context.Context, cert model.Certificate) (model.Certificate, error) {
	ca.mu.Lock()
	defer ca.mu.Unlock()

	if ca.key == nil {
		return model.Certificate{}, kinderr.New(kinderr.KeyUnavailable, "CA is uninitialized")
	}

	if cert.Serial == "" {
		serial, err := ca.serials.GetNewSerial(ctx)
		if err != nil {
			return model.Certificate{}, trace.Wrap(err)
		}
		cert.Serial = serial
	}
	cert.IssuerCN = ca.pub.AKI()

	tmpl, err := certutil.BuildTBS(cert)
	if err != nil {
		return model.Certificate{}, kinderr.Wrap(kinderr.CryptoFailure, err, "building certificate template")
	}
	der, err := certutil.Sign(tmpl, cert.SubjectPublicKey.ECDSA(), ca.key, nil)
	if err != nil {
		return model.Certificate{}, kinderr.Wrap(kinderr.CryptoFailure, err, "signing certificate")
	}
	cert.DER = der
	return cert, nil
}

// MintIdentity builds and signs an identity certificate for app under
// identityInfo, embedding the digest of manifest.
func (ca *CertificateAuthority) MintIdentity(ctx context.Context, app model.Application, identityInfo model.IdentityInfo, manifestDigest [32]byte) (model.Certificate, error) {
	cert := model.Certificate{
		Kind:             model.CertKindIdentity,
		Validity:         certutil.ValidityWindow(ca.clock.Now()),
		SubjectPublicKey: app.PublicKey,
		SubjectCN:        app.AKI(),
		SubjectOU:        identityInfo.Name,
		Alias:            identityInfo.GUID,
		ManifestDigest:   manifestDigest,
	}
	return ca.Sign(ctx, cert)
}

// MintMembership builds and signs a membership certificate placing app
// into group.
func (ca *CertificateAuthority) MintMembership(ctx context.Context, app model.Application, group model.Group) (model.Certificate, error) {
	cert := model.Certificate{
		Kind:             model.CertKindMembership,
		Validity:         certutil.ValidityWindow(ca.clock.Now()),
		SubjectPublicKey: app.PublicKey,
		SubjectCN:        app.AKI(),
		Guild:            group.GUID,
		IsCA:             false,
	}
	return ca.Sign(ctx, cert)
}

// RegisterResult is what RegisterAgent produces: the well-known admin
// group plus the agent's own identity and membership certificates, ready
// for the caller (Agent.claim_self) to commit.
type RegisterResult struct {
	AdminGroup model.Group
	Identity   model.Certificate
	Membership model.Certificate
}

// RegisterAgent bootstraps the CA's own membership in its admin group:
// it builds the well-known admin group record, mints an identity
// certificate for the agent's own public key, and mints a membership
// certificate placing the agent in that group.
func (ca *CertificateAuthority) RegisterAgent(ctx context.Context, agentIdentity model.IdentityInfo, agentPub model.PublicKey, manifestDigest [32]byte) (RegisterResult, error) {
	info, err := ca.PublicKeyInfo()
	if err != nil {
		return RegisterResult{}, trace.Wrap(err)
	}

	adminGroup := model.Group{
		Authority: info.PublicKey,
		GUID:      model.AdminGroupGUID,
		Name:      AdminGroupName,
	}

	agentApp := model.Application{PublicKey: agentPub, AuthorityKeyID: agentPub.AKI()}

	idCert, err := ca.MintIdentity(ctx, agentApp, agentIdentity, manifestDigest)
	if err != nil {
		return RegisterResult{}, trace.Wrap(err)
	}
	memberCert, err := ca.MintMembership(ctx, agentApp, adminGroup)
	if err != nil {
		return RegisterResult{}, trace.Wrap(err)
	}

	return RegisterResult{AdminGroup: adminGroup, Identity: idCert, Membership: memberCert}, nil
}

// SerialDiffers reports whether two decimal serial strings denote
// different certificates. Used by the reconciler to decide whether a
// remote's identity certificate needs updating. Comparison is numeric,
// not textual, since leading zeros are not guaranteed identical.
func SerialDiffers(a, b string) (bool, error) {
	less, err := serialLessThan(a, b)
	if err != nil {
		return false, trace.Wrap(err)
	}
	if less {
		return true, nil
	}
	greater, err := serialLessThan(b, a)
	if err != nil {
		return false, trace.Wrap(err)
	}
	return greater, nil
}

// serialLessThan compares two decimal serial strings numerically.
// SPEC_FULL.md §13 standardizes serial comparison on decimal throughout,
// resolving the source's strtoul/%x inconsistency (Open Question, §9).
func serialLessThan(a, b string) (bool, error) {
	ai, ok := new(big.Int).SetString(a, 10)
	if !ok {
		return false, trace.BadParameter("serial %q is not decimal", a)
	}
	bi, ok := new(big.Int).SetString(b, 10)
	if !ok {
		return false, trace.BadParameter("serial %q is not decimal", b)
	}
	return ai.Cmp(bi) < 0, nil
}
