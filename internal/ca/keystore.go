// Package ca implements the CertificateAuthority (SPEC_FULL.md §4.2): it
// owns the CA keypair, allocates serials through a PersistedStore, and
// mints/signs identity and membership certificates. The CA's key blob is
// kept independent of the PersistedStore's SQL tables (so it survives a
// database wipe/rotation) in a peterbourgon/diskv-backed blob store
// suited to small, infrequently-written local state.
package ca

import (
	"crypto/ecdsa"
	"crypto/x509"

	"github.com/gravitational/trace"
	"github.com/peterbourgon/diskv/v3"

	"github.com/alljoyn/core-securitymgr/internal/kinderr"
)

const caKeyName = "ca-private-key"

// KeyStore persists the CA's private key as a PEM-less DER blob on disk,
// one flat file under diskv's simplest transform, since the CA owns
// exactly one key.
type KeyStore struct {
	dv *diskv.Diskv
}

// NewKeyStore opens (creating if absent) a diskv store rooted at dir.
func NewKeyStore(dir string) *KeyStore {
	dv := diskv.New(diskv.Options{
		BasePath:     dir,
		Transform:    func(string) []string { return nil },
		CacheSizeMax: 1024 * 1024,
	})
	return &KeyStore{dv: dv}
}

// Load returns the persisted CA key, or KeyUnavailable if none has been
// generated yet.
func (k *KeyStore) Load() (*ecdsa.PrivateKey, error) {
	if !k.dv.Has(caKeyName) {
		return nil, kinderr.New(kinderr.KeyUnavailable, "CA key has not been generated")
	}
	der, err := k.dv.Read(caKeyName)
	if err != nil {
		return nil, kinderr.Wrap(kinderr.KeyUnavailable, err, "reading CA key blob")
	}
	key, err := x509.ParseECPrivateKey(der)
	if err != nil {
		return nil, kinderr.Wrap(kinderr.KeyUnavailable, err, "parsing CA key blob")
	}
	return key, nil
}

// Store persists key, overwriting any previous one. Used by the initial
// bootstrap and by explicit key rotation.
func (k *KeyStore) Store(key *ecdsa.PrivateKey) error {
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return trace.Wrap(err, "marshaling CA key")
	}
	if err := k.dv.Write(caKeyName, der); err != nil {
		return trace.Wrap(err, "writing CA key blob")
	}
	return nil
}

// Has reports whether a CA key has already been generated.
func (k *KeyStore) Has() bool {
	return k.dv.Has(caKeyName)
}
