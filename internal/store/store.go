// Package store implements PersistedStore (SPEC_FULL.md §4.1): the typed
// schema for applications, certificates, groups, identities, policies,
// manifests and the serial counter, layered over a capability.KvTxStore.
// Every method here is one transaction unless the caller opened its own
// scope with Transaction.
package store

import (
	"context"
	"database/sql"

	"github.com/gravitational/trace"

	"github.com/alljoyn/core-securitymgr/internal/kinderr"
	"github.com/alljoyn/core-securitymgr/internal/model"
)

// CertQuery is the filled-in lookup key passed to GetCertificate: the caller
// sets Kind and the applicable key fields, and the result is filled in on
// success.
type CertQuery struct {
	Kind     model.CertKind
	Subject  model.PublicKey
	Guild    model.GUID
	GuildSet bool
}

// PersistedStore is C3: the durable typed schema described by
// SPEC_FULL.md §4.1/§3. Implementations must guarantee exactly the
// invariants §3 states, in particular that store_application fails
// predictably on upsert=false/true mismatches, and that Transaction either
// fully commits or fully rolls back.
type PersistedStore interface {
	// Transaction runs fn inside a single KvTx scope, committing if fn
	// returns nil and rolling back otherwise. A Transaction call inside fn
	// joins the scope already open instead of starting a new one.
	Transaction(ctx context.Context, fn func(ctx context.Context) error) error

	StoreApplication(ctx context.Context, app model.Application, upsert bool) error
	RemoveApplication(ctx context.Context, pub model.PublicKey) error
	GetManagedApplication(ctx context.Context, pub model.PublicKey) (model.Application, error)
	GetManagedApplications(ctx context.Context) ([]model.Application, error)

	StoreCertificate(ctx context.Context, cert model.Certificate, upsert bool) error
	GetCertificate(ctx context.Context, q CertQuery) (model.Certificate, error)
	GetCertificates(ctx context.Context, q CertQuery) ([]model.Certificate, error)
	RemoveCertificate(ctx context.Context, q CertQuery) error

	StorePolicy(ctx context.Context, pub model.PublicKey, policy model.Policy) error
	GetPolicy(ctx context.Context, pub model.PublicKey) (model.Policy, error)

	StoreManifest(ctx context.Context, pub model.PublicKey, policy model.Policy) error
	GetManifest(ctx context.Context, pub model.PublicKey) (model.Policy, error)

	StoreGroup(ctx context.Context, g model.Group) error
	RemoveGroup(ctx context.Context, authority model.PublicKey, guid model.GUID) error
	GetGroup(ctx context.Context, authority model.PublicKey, guid model.GUID) (model.Group, error)
	GetGroups(ctx context.Context) ([]model.Group, error)

	StoreIdentity(ctx context.Context, id model.Identity) error
	RemoveIdentity(ctx context.Context, authority model.PublicKey, guid model.GUID) error
	GetIdentity(ctx context.Context, authority model.PublicKey, guid model.GUID) (model.Identity, error)
	GetIdentities(ctx context.Context) ([]model.Identity, error)

	// GetNewSerial atomically reads and increments the SerialCounter row,
	// returning the pre-increment value rendered as a decimal string
	// (SPEC_FULL.md §13 standardizes on decimal throughout).
	GetNewSerial(ctx context.Context) (string, error)

	// UpdatesCompleted clears updates_pending for pub and returns whether
	// it actually changed (false if it was already clear), so callers can
	// decide whether to notify listeners.
	UpdatesCompleted(ctx context.Context, pub model.PublicKey) (bool, error)
	// SetUpdatesPending sets updates_pending for pub, returning whether it
	// changed.
	SetUpdatesPending(ctx context.Context, pub model.PublicKey, pending bool) (bool, error)
}

// canonicalizeAuthority implements invariant 6: a group/identity whose
// authority is the zero PublicKey is canonicalized to the CA's own key.
func canonicalizeAuthority(authority, caPub model.PublicKey) model.PublicKey {
	if authority.IsZero() {
		return caPub
	}
	return authority
}

func wrapStorageErr(err error) error {
	if err == nil {
		return nil
	}
	if err == sql.ErrNoRows {
		return kinderr.New(kinderr.EndOfData, "no matching row")
	}
	return trace.Wrap(err)
}
