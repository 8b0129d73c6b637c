package busproxy

import (
	"crypto/tls"
	"crypto/x509"

	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

// CredentialSource supplies the two session flavors SPEC_FULL.md §11
// names: an anonymous (ECDHE-NULL, pre-claim) session used only for
// Claim and GetManifestTemplate, and an ECDSA-authenticated session, using mutual
// TLS under the CA's own certificate, used for everything else. Go's
// crypto/tls has no NULL-cipher suite, so the anonymous flavor is modeled
// as the unauthenticated grpc transport; the point SPEC_FULL.md cares
// about, that no certificate is required or checked before a claim exists,
// carries over exactly.
type CredentialSource interface {
	// Anonymous returns the transport credentials for a pre-claim session.
	Anonymous() credentials.TransportCredentials
	// Authenticated returns the transport credentials for every session
	// after a claim: a client certificate under the CA's own identity,
	// verified by the remote against the CA public key it was claimed with.
	Authenticated() (credentials.TransportCredentials, error)
}

// TLSCredentialSource is the production CredentialSource: Authenticated
// sessions present cert under the CA's root, Anonymous sessions present
// nothing at all.
type TLSCredentialSource struct {
	// ClientCert is the agent's own ECDSA certificate, presented on every
	// authenticated session.
	ClientCert tls.Certificate
	// RootCAs verifies the remote's certificate, when it has one. A bus
	// endpoint claimed by this agent presents a leaf under no external CA,
	// so RootCAs is typically nil and verification is skipped. Trust is
	// established by the claim protocol, not by the transport.
	RootCAs *x509.CertPool
}

func (s TLSCredentialSource) Anonymous() credentials.TransportCredentials {
	return insecure.NewCredentials()
}

func (s TLSCredentialSource) Authenticated() (credentials.TransportCredentials, error) {
	return credentials.NewTLS(&tls.Config{
		Certificates:       []tls.Certificate{s.ClientCert},
		RootCAs:            s.RootCAs,
		InsecureSkipVerify: s.RootCAs == nil,
		MinVersion:         tls.VersionTLS12,
	}), nil
}

// Resolver maps a bus name to a dialable network address. The mapping is
// opaque to this package; a production implementation backs it with
// whatever discovery the AppMonitor itself uses.
type Resolver func(busName string) (string, error)
