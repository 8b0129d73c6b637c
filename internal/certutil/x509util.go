// Package certutil builds and parses the X.509 v3 certificates this CA
// issues: ECDSA-with-SHA256 over a P-256 key, extended with AllJoyn-style
// custom extensions carrying the manifest digest / alias (identity certs)
// or the guild / CA-flag (membership certs), per SPEC_FULL.md §6. PEM
// decode, x509.ParseCertificate and trace-wrapped parse errors handle the
// encoding; the extensions themselves are specific to this system.
package certutil

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"math/big"
	"time"

	"github.com/gravitational/trace"

	"github.com/alljoyn/core-securitymgr/internal/model"
)

// Extension OIDs under a private-enterprise arbitrary arc, one per
// SPEC_FULL.md §6 custom field.
var (
	oidManifestDigest = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 55555, 1, 1}
	oidAlias          = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 55555, 1, 2}
	oidGuild          = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 55555, 1, 3}
	oidCAFlag         = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 55555, 1, 4}
)

// BuildTBS constructs the unsigned *x509.Certificate template for cert,
// ready for x509.CreateCertificate. Callers (internal/ca) fill Serial,
// IssuerCN and Validity before calling this.
func BuildTBS(cert model.Certificate) (*x509.Certificate, error) {
	serial, ok := new(big.Int).SetString(cert.Serial, 10)
	if !ok {
		return nil, trace.BadParameter("serial %q is not a decimal integer", cert.Serial)
	}

	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:         cert.SubjectCN,
			OrganizationalUnit: orNil(cert.SubjectOU),
		},
		Issuer: pkix.Name{
			CommonName: cert.IssuerCN,
		},
		NotBefore:             cert.Validity.NotBefore,
		NotAfter:              cert.Validity.NotAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  cert.IsCA,
		SignatureAlgorithm:    x509.ECDSAWithSHA256,
	}

	switch cert.Kind {
	case model.CertKindIdentity:
		digest := append([]byte(nil), cert.ManifestDigest[:]...)
		ext, err := encodeExt(oidManifestDigest, digest)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		tmpl.ExtraExtensions = append(tmpl.ExtraExtensions, ext)

		aliasExt, err := encodeExt(oidAlias, []byte(cert.Alias.Hex()))
		if err != nil {
			return nil, trace.Wrap(err)
		}
		tmpl.ExtraExtensions = append(tmpl.ExtraExtensions, aliasExt)

	case model.CertKindMembership:
		guildExt, err := encodeExt(oidGuild, cert.Guild[:])
		if err != nil {
			return nil, trace.Wrap(err)
		}
		tmpl.ExtraExtensions = append(tmpl.ExtraExtensions, guildExt)

		caFlag, err := asn1.Marshal(cert.IsCA)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		tmpl.ExtraExtensions = append(tmpl.ExtraExtensions, pkix.Extension{Id: oidCAFlag, Value: caFlag})

	default:
		return nil, trace.BadParameter("unknown certificate kind %d", cert.Kind)
	}

	return tmpl, nil
}

// Sign signs tmpl with signerKey (the CA's private key) over subjectPub and
// returns the signed certificate's DER bytes.
func Sign(tmpl *x509.Certificate, subjectPub *ecdsa.PublicKey, signerKey *ecdsa.PrivateKey, signerCert *x509.Certificate) ([]byte, error) {
	parent := signerCert
	if parent == nil {
		// No issuer certificate: the issuer name comes from tmpl.Issuer.
		parent = &x509.Certificate{Subject: tmpl.Issuer, PublicKey: &signerKey.PublicKey}
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, parent, subjectPub, signerKey)
	if err != nil {
		return nil, trace.Wrap(err, "signing certificate")
	}
	return der, nil
}

// Decode parses a DER-encoded certificate back into a model.Certificate,
// extracting the custom extensions this CA embeds. kind tells the decoder
// which extensions to expect, since x509.Certificate carries no notion of
// "identity vs membership".
func Decode(der []byte, kind model.CertKind) (model.Certificate, error) {
	xc, err := x509.ParseCertificate(der)
	if err != nil {
		return model.Certificate{}, trace.Wrap(err, "parsing certificate DER")
	}

	pub, ok := xc.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return model.Certificate{}, trace.BadParameter("subject public key is not ECDSA")
	}
	subjectPK, err := model.PublicKeyFromECDSA(pub)
	if err != nil {
		return model.Certificate{}, trace.Wrap(err)
	}

	cert := model.Certificate{
		Kind:             kind,
		Serial:           xc.SerialNumber.String(),
		Validity:         model.Validity{NotBefore: xc.NotBefore, NotAfter: xc.NotAfter},
		SubjectPublicKey: subjectPK,
		IssuerCN:         xc.Issuer.CommonName,
		SubjectCN:        xc.Subject.CommonName,
		DER:              der,
	}
	if len(xc.Subject.OrganizationalUnit) > 0 {
		cert.SubjectOU = xc.Subject.OrganizationalUnit[0]
	}

	switch kind {
	case model.CertKindIdentity:
		if raw, ok := findExt(xc.Extensions, oidManifestDigest); ok {
			var digest []byte
			if err := decodeExt(raw, &digest); err != nil {
				return model.Certificate{}, trace.Wrap(err, "decoding manifest digest extension")
			}
			copy(cert.ManifestDigest[:], digest)
		}
		if raw, ok := findExt(xc.Extensions, oidAlias); ok {
			var aliasHex []byte
			if err := decodeExt(raw, &aliasHex); err != nil {
				return model.Certificate{}, trace.Wrap(err, "decoding alias extension")
			}
			// alias is stored as hex text; GUID bytes aren't recoverable
			// from the printed alias alone so callers needing the GUID
			// look it up by subject key instead.
		}
	case model.CertKindMembership:
		if raw, ok := findExt(xc.Extensions, oidGuild); ok {
			var guildBytes []byte
			if err := decodeExt(raw, &guildBytes); err != nil {
				return model.Certificate{}, trace.Wrap(err, "decoding guild extension")
			}
			copy(cert.Guild[:], guildBytes)
		}
		if raw, ok := findExt(xc.Extensions, oidCAFlag); ok {
			var isCA bool
			if _, err := asn1.Unmarshal(raw, &isCA); err != nil {
				return model.Certificate{}, trace.Wrap(err, "decoding ca-flag extension")
			}
			cert.IsCA = isCA
		}
	}

	return cert, nil
}

func encodeExt(oid asn1.ObjectIdentifier, raw []byte) (pkix.Extension, error) {
	val, err := asn1.Marshal(raw)
	if err != nil {
		return pkix.Extension{}, trace.Wrap(err)
	}
	return pkix.Extension{Id: oid, Value: val}, nil
}

func decodeExt(ext pkix.Extension, out *[]byte) error {
	_, err := asn1.Unmarshal(ext.Value, out)
	return trace.Wrap(err)
}

func findExt(exts []pkix.Extension, oid asn1.ObjectIdentifier) (pkix.Extension, bool) {
	for _, e := range exts {
		if e.Id.Equal(oid) {
			return e, true
		}
	}
	return pkix.Extension{}, false
}

func orNil(s string) []string {
	if s == "" {
		return nil
	}
	return []string{s}
}

// ValidityWindow computes the [now-1h, now+10y] window SPEC_FULL.md §4.2
// mandates for identity and membership certificates; the 1-hour back-date
// tolerates clock skew between signer and remote.
func ValidityWindow(now time.Time) model.Validity {
	return model.Validity{
		NotBefore: now.Add(-1 * time.Hour),
		NotAfter:  now.AddDate(10, 0, 0),
	}
}
