// Package manifest implements the ManifestCodec (SPEC_FULL.md §4.5): a
// canonical, deterministic encoding of the Rule/Peer permission set an
// application presents when claimed, plus the SHA-256 digest embedded in
// its identity certificate's manifest-digest extension. The fast-path
// marshal wrapper runs a jsoniter config in a canonical (sorted,
// HTML-unescaped) mode rather than jsoniter's "fastest" mode, since
// digests must be stable across runs.
package manifest

import (
	"crypto/sha256"

	jsoniter "github.com/json-iterator/go"

	"github.com/gravitational/trace"
	"golang.org/x/exp/slices"

	"github.com/alljoyn/core-securitymgr/internal/kinderr"
	"github.com/alljoyn/core-securitymgr/internal/model"
)

// canonicalJSON sorts map keys and never escapes HTML, so two manifests
// with identical content always digest identically.
var canonicalJSON = jsoniter.Config{
	EscapeHTML:             false,
	SortMapKeys:            true,
	ValidateJsonRawMessage: true,
}.Froze()

// wireRule/wirePeer/wireACL/wireManifest mirror model's types field-for-field
// but with JSON tags, keeping the wire shape independent of Go field
// renames in the model package.
type wireMember struct {
	NamePattern string `json:"name_pattern"`
	Type        int    `json:"type"`
	Actions     uint8  `json:"actions"`
}

type wireRule struct {
	InterfacePattern string       `json:"interface_pattern"`
	Members          []wireMember `json:"members"`
}

type wirePeer struct {
	Kind           int    `json:"kind"`
	CAPublicKey    string `json:"ca_public_key,omitempty"`
	GroupAuthority string `json:"group_authority,omitempty"`
	GroupGUID      string `json:"group_guid,omitempty"`
}

type wireACL struct {
	Peers []wirePeer `json:"peers"`
	Rules []wireRule `json:"rules"`
}

type wireManifest struct {
	Version uint32    `json:"version"`
	ACLs    []wireACL `json:"acls"`
}

// FromRules builds the canonical wire form of policy and marshals it.
func FromRules(policy model.Policy) ([]byte, error) {
	w := toWire(policy)
	data, err := canonicalJSON.Marshal(w)
	if err != nil {
		return nil, trace.Wrap(err, "marshaling manifest")
	}
	return data, nil
}

// FromBytes parses raw manifest bytes back into a model.Policy, rejecting
// malformed input as kinderr.ManifestRejected.
func FromBytes(data []byte) (model.Policy, error) {
	var w wireManifest
	if err := canonicalJSON.Unmarshal(data, &w); err != nil {
		return model.Policy{}, kinderr.Wrap(kinderr.ManifestRejected, err, "parsing manifest")
	}
	return fromWire(w), nil
}

// Digest computes the SHA-256 of the canonical encoding of policy, the
// value embedded in an identity certificate's manifest-digest extension.
// An empty manifest (no ACLs at all) has no meaningful digest and is
// rejected as kinderr.EndOfData.
func Digest(policy model.Policy) ([32]byte, error) {
	if len(policy.ACLs) == 0 {
		return [32]byte{}, kinderr.New(kinderr.EndOfData, "manifest has no ACLs")
	}
	data, err := FromRules(policy)
	if err != nil {
		return [32]byte{}, trace.Wrap(err)
	}
	return sha256.Sum256(data), nil
}

// VerifyDigest decodes data and reports whether it canonically digests to
// want, returning the decoded policy on a match. The claim driver does not
// call it; it computes the manifest digest with Digest.
func VerifyDigest(data []byte, want [32]byte) (model.Policy, error) {
	policy, err := FromBytes(data)
	if err != nil {
		return model.Policy{}, trace.Wrap(err)
	}
	got, err := Digest(policy)
	if err != nil {
		return model.Policy{}, trace.Wrap(err)
	}
	if got != want {
		return model.Policy{}, kinderr.New(kinderr.ManifestRejected, "manifest digest mismatch: got %x want %x", got, want)
	}
	return policy, nil
}

// InterfacePatterns returns the distinct interface patterns named across
// every rule in every ACL of policy, sorted for stable display. Neither
// `securitymgrd apps list` nor the admin API prints it.
func InterfacePatterns(policy model.Policy) []string {
	var out []string
	for _, acl := range policy.ACLs {
		for _, rule := range acl.Rules {
			if !slices.Contains(out, rule.InterfacePattern) {
				out = append(out, rule.InterfacePattern)
			}
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

func toWire(p model.Policy) wireManifest {
	w := wireManifest{Version: p.Version}
	for _, acl := range p.ACLs {
		wa := wireACL{}
		for _, peer := range acl.Peers {
			wa.Peers = append(wa.Peers, wirePeer{
				Kind:           int(peer.Kind),
				CAPublicKey:    hexOrEmpty(peer.CAPublicKey),
				GroupAuthority: hexOrEmpty(peer.GroupAuthority),
				GroupGUID:      guidHexOrEmpty(peer.GroupGUID),
			})
		}
		for _, rule := range acl.Rules {
			wr := wireRule{InterfacePattern: rule.InterfacePattern}
			for _, m := range rule.Members {
				wr.Members = append(wr.Members, wireMember{
					NamePattern: m.NamePattern,
					Type:        int(m.Type),
					Actions:     uint8(m.Actions),
				})
			}
			wa.Rules = append(wa.Rules, wr)
		}
		w.ACLs = append(w.ACLs, wa)
	}
	return w
}

func fromWire(w wireManifest) model.Policy {
	p := model.Policy{Version: w.Version}
	for _, wa := range w.ACLs {
		acl := model.ACL{}
		for _, wp := range wa.Peers {
			acl.Peers = append(acl.Peers, model.Peer{
				Kind:           model.PeerKind(wp.Kind),
				CAPublicKey:    pubKeyFromHex(wp.CAPublicKey),
				GroupAuthority: pubKeyFromHex(wp.GroupAuthority),
				GroupGUID:      guidFromHex(wp.GroupGUID),
			})
		}
		for _, wr := range wa.Rules {
			rule := model.Rule{InterfacePattern: wr.InterfacePattern}
			for _, wm := range wr.Members {
				rule.Members = append(rule.Members, model.Member{
					NamePattern: wm.NamePattern,
					Type:        model.MemberType(wm.Type),
					Actions:     model.Action(wm.Actions),
				})
			}
			acl.Rules = append(acl.Rules, rule)
		}
		p.ACLs = append(p.ACLs, acl)
	}
	return p
}
