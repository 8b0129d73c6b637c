package ca

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"

	"github.com/alljoyn/core-securitymgr/internal/capability"
)

// StdCrypto is the production capability.Crypto: P-256 ECDSA over
// crypto/rand, SHA-256 digests. The only implementation of this interface
// this module ships; an HSM-backed one would satisfy the same interface
// without any other component noticing the difference.
type StdCrypto struct{}

var _ capability.Crypto = StdCrypto{}

// GenerateKey produces a fresh P-256 keypair.
func (StdCrypto) GenerateKey() (*ecdsa.PrivateKey, error) {
	return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
}

// Sign computes an ASN.1 ECDSA-with-SHA256 signature over digest.
func (StdCrypto) Sign(key *ecdsa.PrivateKey, digest []byte) ([]byte, error) {
	return ecdsa.SignASN1(rand.Reader, key, digest)
}

// Verify reports whether signature over digest was produced by pub.
func (StdCrypto) Verify(pub *ecdsa.PublicKey, digest, signature []byte) bool {
	return ecdsa.VerifyASN1(pub, digest, signature)
}

// Digest computes SHA-256(data).
func (StdCrypto) Digest(data []byte) [32]byte {
	return sha256.Sum256(data)
}
