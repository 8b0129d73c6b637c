package manifest_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/alljoyn/core-securitymgr/internal/manifest"
	"github.com/alljoyn/core-securitymgr/internal/model"
)

func samplePolicy() model.Policy {
	return model.Policy{
		Version: 3,
		ACLs: []model.ACL{
			{
				Peers: []model.Peer{
					{Kind: model.PeerWithMembership, GroupGUID: model.NewGUID()},
				},
				Rules: []model.Rule{
					{
						InterfacePattern: "org.alljoyn.*",
						Members: []model.Member{
							{NamePattern: "*", Type: model.MemberMethod, Actions: model.ActionProvide | model.ActionModify},
						},
					},
				},
			},
		},
	}
}

func TestFromRulesFromBytesRoundTrip(t *testing.T) {
	want := samplePolicy()

	data, err := manifest.FromRules(want)
	require.NoError(t, err)

	got, err := manifest.FromBytes(data)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestDigestIsDeterministic(t *testing.T) {
	policy := samplePolicy()

	d1, err := manifest.Digest(policy)
	require.NoError(t, err)
	d2, err := manifest.Digest(policy)
	require.NoError(t, err)
	require.Equal(t, d1, d2)
}

func TestVerifyDigestRejectsMismatch(t *testing.T) {
	policy := samplePolicy()
	digest, err := manifest.Digest(policy)
	require.NoError(t, err)

	other := samplePolicy()
	other.Version = 4
	data, err := manifest.FromRules(other)
	require.NoError(t, err)

	_, err = manifest.VerifyDigest(data, digest)
	require.Error(t, err)
}

func TestVerifyDigestAcceptsMatch(t *testing.T) {
	policy := samplePolicy()
	data, err := manifest.FromRules(policy)
	require.NoError(t, err)
	digest, err := manifest.Digest(policy)
	require.NoError(t, err)

	got, err := manifest.VerifyDigest(data, digest)
	require.NoError(t, err)
	require.Equal(t, policy, got)
}

func TestFromBytesRejectsGarbage(t *testing.T) {
	_, err := manifest.FromBytes([]byte("not json"))
	require.Error(t, err)
}
