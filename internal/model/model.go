// Package model holds the data types shared by the store, the certificate
// authority, the reconciler and the claim driver: applications, groups,
// identities, manifests, policies and certificates, as described in
// SPEC_FULL.md §3.
package model

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/sha1" //nolint:gosec // AKI is defined as SHA-1 of the public key, matching the wire contract in SPEC_FULL.md §6.
	"encoding/hex"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
)

// PublicKey is a P-256 point carried as raw X||Y, 32 bytes each. It is the
// compound-key component for Application, Group and Identity.
type PublicKey [64]byte

// PublicKeyFromECDSA packs an ECDSA P-256 public key into its raw form.
func PublicKeyFromECDSA(pub *ecdsa.PublicKey) (PublicKey, error) {
	var pk PublicKey
	if pub == nil || pub.Curve != elliptic.P256() {
		return pk, trace.BadParameter("public key is not a P-256 point")
	}
	x := pub.X.Bytes()
	y := pub.Y.Bytes()
	copy(pk[32-len(x):32], x)
	copy(pk[64-len(y):64], y)
	return pk, nil
}

// ECDSA reconstructs the *ecdsa.PublicKey from its raw X||Y representation.
func (pk PublicKey) ECDSA() *ecdsa.PublicKey {
	curve := elliptic.P256()
	x := new(big.Int).SetBytes(pk[:32])
	y := new(big.Int).SetBytes(pk[32:])
	return &ecdsa.PublicKey{Curve: curve, X: x, Y: y}
}

// IsZero reports whether pk has never been assigned: the "empty authority"
// case that invariant 6 requires callers to canonicalize to the local CA.
func (pk PublicKey) IsZero() bool {
	return pk == PublicKey{}
}

// AKI is the Authority Key Identifier: SHA-1 of the raw public key, used as
// both issuer_cn and subject_cn on every certificate this CA issues.
func (pk PublicKey) AKI() string {
	sum := sha1.Sum(pk[:]) //nolint:gosec // see AKI contract note above
	return hex.EncodeToString(sum[:])
}

// GUID is a 128-bit group/identity identifier.
type GUID [16]byte

// AdminGroupGUID is the well-known admin-group identifier: all bytes 0xab,
// matching the reference implementation (SPEC_FULL.md §6).
var AdminGroupGUID = GUID{
	0xab, 0xab, 0xab, 0xab, 0xab, 0xab, 0xab, 0xab,
	0xab, 0xab, 0xab, 0xab, 0xab, 0xab, 0xab, 0xab,
}

// NewGUID generates a random GUID via google/uuid.
func NewGUID() GUID {
	return GUID(uuid.New())
}

// Hex renders the GUID as a 32-character lowercase hex string, the form used
// as an identity certificate's "alias" extension.
func (g GUID) Hex() string {
	return hex.EncodeToString(g[:])
}

// String implements fmt.Stringer as the canonical UUID form.
func (g GUID) String() string {
	return uuid.UUID(g).String()
}

// ClaimState is the liveness-observed claim status of a remote application.
type ClaimState int

const (
	ClaimStateUnknown ClaimState = iota
	ClaimStateNotClaimable
	ClaimStateClaimable
	ClaimStateClaimed
	ClaimStateNeedsUpdate
)

func (s ClaimState) String() string {
	switch s {
	case ClaimStateNotClaimable:
		return "not-claimable"
	case ClaimStateClaimable:
		return "claimable"
	case ClaimStateClaimed:
		return "claimed"
	case ClaimStateNeedsUpdate:
		return "needs-update"
	default:
		return "unknown"
	}
}

// ApplicationMeta is the descriptive, non-key part of an Application.
type ApplicationMeta struct {
	AppName         string
	DeviceName      string
	UserDefinedName string
}

// Application is identified by the compound key (PublicKey, AuthorityKeyID).
// AuthorityKeyID is redundant with PublicKey (it's derived from it) but is
// carried explicitly for X.509 subject-CN convenience, per SPEC_FULL.md §3.
type Application struct {
	PublicKey      PublicKey
	AuthorityKeyID string
	UpdatesPending bool
	Meta           ApplicationMeta
}

// AKI returns the application's authority key id, deriving it from
// PublicKey if the stored field was left blank.
func (a Application) AKI() string {
	if a.AuthorityKeyID != "" {
		return a.AuthorityKeyID
	}
	return a.PublicKey.AKI()
}

// OnlineApplication augments Application with ephemeral liveness facts
// tracked only in AppRegistry (C7), never persisted.
type OnlineApplication struct {
	Application
	BusName    string
	ClaimState ClaimState
}

// Offline reports whether the application currently has no live bus session.
func (o OnlineApplication) Offline() bool {
	return o.BusName == ""
}

// Group is a named collection of applications under a CA's authority.
type Group struct {
	Authority PublicKey
	GUID      GUID
	Name      string
	Desc      string
}

// Identity describes a named identity minted under a CA's authority.
type Identity struct {
	Authority PublicKey
	GUID      GUID
	Name      string
}

// MemberType constrains which bus interface members a Rule applies to.
type MemberType int

const (
	MemberAny MemberType = iota
	MemberMethod
	MemberProperty
	MemberSignal
)

// Action is a bitmask of permitted operations on a matched member.
type Action uint8

const (
	ActionProvide Action = 1 << iota
	ActionModify
	ActionObserve
)

// Member is one (name-pattern, type, action-mask) triple inside a Rule.
type Member struct {
	NamePattern string
	Type        MemberType
	Actions     Action
}

// Rule grants a set of Members on interfaces matching InterfacePattern.
type Rule struct {
	InterfacePattern string
	Members          []Member
}

// PeerKind discriminates the tagged union Peer represents.
type PeerKind int

const (
	PeerAnyTrusted PeerKind = iota
	PeerFromCA
	PeerWithMembership
)

// Peer identifies who an ACL's rules apply to.
type Peer struct {
	Kind            PeerKind
	CAPublicKey     PublicKey // valid when Kind == PeerFromCA
	GroupAuthority  PublicKey // valid when Kind == PeerWithMembership
	GroupGUID       GUID      // valid when Kind == PeerWithMembership
}

// ACL binds a set of Peers to the Rules that apply to them.
type ACL struct {
	Peers []Peer
	Rules []Rule
}

// Policy is a versioned, ordered set of ACLs pushed to a claimed application.
type Policy struct {
	Version uint32
	ACLs    []ACL
}

// CertKind discriminates identity vs. membership certificates in storage.
type CertKind int

const (
	CertKindIdentity CertKind = iota
	CertKindMembership
)

// Validity is the certificate's not-before/not-after window.
type Validity struct {
	NotBefore time.Time
	NotAfter  time.Time
}

// Certificate is the common shape of identity and membership certificates;
// fields not applicable to a given Kind are left zero.
type Certificate struct {
	Kind             CertKind
	Serial           string
	Validity         Validity
	SubjectPublicKey PublicKey
	IssuerCN         string
	SubjectCN        string
	SubjectOU        string // identity only
	Alias            GUID   // identity only: identity GUID
	ManifestDigest   [32]byte // identity only
	Guild            GUID     // membership only: group GUID
	IsCA             bool     // membership only, always false for leaf certs
	DER              []byte   // signed DER encoding
}

// IdentityCertificate is a storage/API-facing alias that documents intent.
type IdentityCertificate = Certificate

// MembershipCertificate is a storage/API-facing alias that documents intent.
type MembershipCertificate = Certificate

// IdentityInfo is the caller-supplied descriptor for a to-be-minted identity.
type IdentityInfo struct {
	GUID GUID
	Name string
}

// KeyInfo is the CA's public identity: its public key and derived AKI.
type KeyInfo struct {
	PublicKey PublicKey
	AKI       string
}
