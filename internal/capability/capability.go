// Package capability declares the boundary interfaces SPEC_FULL.md §1 calls
// out as external collaborators: Crypto, KvTxStore, AppMonitor and
// RemoteAppProxy. The rest of this module is written entirely against
// these interfaces so the wire transport, the store driver and the crypto
// backend can be swapped without touching the certificate authority, the
// reconciler or the claim driver. One interface per external system, a doc
// comment per method naming its failure modes, no concrete implementation
// details leaking into the signature.
package capability

import (
	"context"
	"crypto/ecdsa"
	"database/sql"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/alljoyn/core-securitymgr/internal/model"
)

// Crypto is C1: the ECDSA/SHA-256 primitives the certificate authority
// needs. The CA itself holds its private key in memory after loading it
// from its diskv key store, and signs certificates through certutil.Sign.
type Crypto interface {
	// GenerateKey produces a fresh P-256 keypair.
	GenerateKey() (*ecdsa.PrivateKey, error)
	// Sign computes an ECDSA-with-SHA256 signature over digest using key.
	Sign(key *ecdsa.PrivateKey, digest []byte) (signature []byte, err error)
	// Verify reports whether signature over digest was produced by pub.
	Verify(pub *ecdsa.PublicKey, digest, signature []byte) bool
	// Digest computes SHA-256(data).
	Digest(data []byte) [32]byte
}

// KvTxStore is C2: the durable key/value store underneath PersistedStore,
// supporting parameterized queries scoped to an explicit transaction. The
// concrete sqlstore implementation (internal/store) satisfies this over
// lib/pq; KvTxStore itself is driver-agnostic so a test can substitute an
// in-memory fake.
type KvTxStore interface {
	// Begin opens a new transaction scope. Callers must Commit or Rollback.
	Begin(ctx context.Context) (KvTx, error)
	// Close releases the underlying connection pool.
	Close() error
}

// KvTx is a single transaction scope over KvTxStore.
type KvTx interface {
	// Exec runs a statement with no result rows (insert/update/delete).
	Exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	// Query runs a statement returning rows.
	Query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	// QueryRow runs a statement returning at most one row.
	QueryRow(ctx context.Context, query string, args ...interface{}) *sql.Row
	// Commit finalizes the transaction.
	Commit() error
	// Rollback discards the transaction. Safe to call after Commit; it is
	// then a no-op, matching database/sql's own *sql.Tx semantics.
	Rollback() error
}

// StateAnnouncement is the liveness/claim-state fact an AppMonitor emits on
// every change it observes for a remote application.
type StateAnnouncement struct {
	BusName    string
	PublicKey  model.PublicKey
	ClaimState model.ClaimState
}

// AppMonitor is C8: the announcement/discovery layer. SPEC_FULL.md treats
// this as opaque wire-level behavior; the interface exposes only the
// callback registration and ping-group membership the reconciler and agent
// facade need to drive off of it.
type AppMonitor interface {
	// Start begins emitting announcements to handler until ctx is done or
	// Stop is called. handler receives (old, new); old is the zero value
	// for a first sighting.
	Start(ctx context.Context, handler func(old, new *StateAnnouncement)) error
	// Stop ends the monitor's background activity.
	Stop(ctx context.Context) error
	// Ping requests an immediate liveness probe of busName, used to refresh
	// a single application's state outside the normal announcement cadence.
	Ping(ctx context.Context, busName string) error
}

// RemoteCertChain is the ordered list of DER-encoded certificates a
// RemoteAppProxy call sends or receives, leaf first.
type RemoteCertChain = [][]byte

// RemoteAppProxy is C9: the per-application bus operations named in
// SPEC_FULL.md §6. Every method may block up to 5 seconds waiting for an
// RPC reply; callers pass a context carrying that deadline rather than the
// proxy enforcing it internally, so tests can shrink it.
type RemoteAppProxy interface {
	// Claim transitions the remote application from Claimable to Claimed,
	// installing the CA's public key, the admin group, the identity
	// certificate chain and the requested manifest rules.
	Claim(ctx context.Context, busName string, caPub model.PublicKey, adminGroup model.Group, idChain RemoteCertChain, manifest model.Policy) error
	// GetIdentity fetches the remote's current identity certificate chain.
	GetIdentity(ctx context.Context, busName string) (RemoteCertChain, error)
	// UpdateIdentity pushes a new identity certificate chain and the
	// manifest rules it was minted against.
	UpdateIdentity(ctx context.Context, busName string, idChain RemoteCertChain, manifest model.Policy) error
	// InstallMembership pushes a membership certificate chain.
	InstallMembership(ctx context.Context, busName string, chain RemoteCertChain) error
	// UpdatePolicy pushes a new permission policy.
	UpdatePolicy(ctx context.Context, busName string, policy model.Policy) error
	// GetPolicy fetches the remote's currently installed policy.
	GetPolicy(ctx context.Context, busName string) (model.Policy, error)
	// GetManifestTemplate fetches the remote's claimable manifest, the
	// rule set it is prepared to run under, over an anonymous
	// (ECDHE-NULL) session, before any certificate exists.
	GetManifestTemplate(ctx context.Context, busName string) (model.Policy, error)
	// Reset clears the remote's security state entirely, used both when a
	// Claim fails partway and when an application is removed locally.
	Reset(ctx context.Context, busName string) error
}

// CallTimeout is the fixed per-RPC timeout SPEC_FULL.md §5 mandates for
// every RemoteAppProxy method.
const CallTimeout = 5 * time.Second

// WithCallTimeout derives a context that is canceled when parent is done or
// when CallTimeout has elapsed on clock, whichever comes first. Using an
// injected clockwork.Clock instead of context.WithTimeout's real-time timer
// lets reconciler/claim driver tests exercise the timeout path by advancing
// a clockwork.FakeClock rather than sleeping out a real 5 seconds.
func WithCallTimeout(parent context.Context, clock clockwork.Clock) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	timer := clock.NewTimer(CallTimeout)
	go func() {
		select {
		case <-timer.Chan():
			cancel()
		case <-ctx.Done():
			timer.Stop()
		}
	}()
	return ctx, cancel
}
