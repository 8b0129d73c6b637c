package ca_test

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"strconv"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/alljoyn/core-securitymgr/internal/ca"
	"github.com/alljoyn/core-securitymgr/internal/certutil"
	"github.com/alljoyn/core-securitymgr/internal/model"
)

type fakeCrypto struct{}

func (fakeCrypto) GenerateKey() (*ecdsa.PrivateKey, error) {
	return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
}
func (fakeCrypto) Sign(key *ecdsa.PrivateKey, digest []byte) ([]byte, error) {
	return ecdsa.SignASN1(rand.Reader, key, digest)
}
func (fakeCrypto) Verify(pub *ecdsa.PublicKey, digest, signature []byte) bool {
	return ecdsa.VerifyASN1(pub, digest, signature)
}
func (fakeCrypto) Digest(data []byte) [32]byte { return sha256.Sum256(data) }

type fakeSerials struct{ n int64 }

func (f *fakeSerials) GetNewSerial(ctx context.Context) (string, error) {
	return strconv.FormatInt(atomic.AddInt64(&f.n, 1), 10), nil
}

func newTestCA(t *testing.T) *ca.CertificateAuthority {
	t.Helper()
	keys := ca.NewKeyStore(t.TempDir())
	c := ca.New(fakeCrypto{}, keys, &fakeSerials{})
	require.NoError(t, c.Initialize())
	return c
}

func remotePublicKey(t *testing.T) model.PublicKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	pk, err := model.PublicKeyFromECDSA(&key.PublicKey)
	require.NoError(t, err)
	return pk
}

func TestInitializeIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	keys := ca.NewKeyStore(dir)
	c1 := ca.New(fakeCrypto{}, keys, &fakeSerials{})
	require.NoError(t, c1.Initialize())
	info1, err := c1.PublicKeyInfo()
	require.NoError(t, err)

	keys2 := ca.NewKeyStore(dir)
	c2 := ca.New(fakeCrypto{}, keys2, &fakeSerials{})
	require.NoError(t, c2.Initialize())
	info2, err := c2.PublicKeyInfo()
	require.NoError(t, err)

	require.Equal(t, info1, info2)
}

func TestPublicKeyInfoFailsBeforeInitialize(t *testing.T) {
	keys := ca.NewKeyStore(t.TempDir())
	c := ca.New(fakeCrypto{}, keys, &fakeSerials{})
	_, err := c.PublicKeyInfo()
	require.Error(t, err)
}

func TestMintIdentityProducesVerifiableCertificate(t *testing.T) {
	c := newTestCA(t)
	app := model.Application{PublicKey: remotePublicKey(t)}
	digest := sha256.Sum256([]byte("manifest"))

	cert, err := c.MintIdentity(context.Background(), app, model.IdentityInfo{GUID: model.NewGUID(), Name: "widget"}, digest)
	require.NoError(t, err)
	require.NotEmpty(t, cert.DER)
	require.NotEmpty(t, cert.Serial)

	decoded, err := certutil.Decode(cert.DER, model.CertKindIdentity)
	require.NoError(t, err)
	require.Equal(t, digest, decoded.ManifestDigest)
	require.Equal(t, app.PublicKey, decoded.SubjectPublicKey)
}

func TestMintMembershipEmbedsGuild(t *testing.T) {
	c := newTestCA(t)
	app := model.Application{PublicKey: remotePublicKey(t)}
	group := model.Group{GUID: model.NewGUID()}

	cert, err := c.MintMembership(context.Background(), app, group)
	require.NoError(t, err)

	decoded, err := certutil.Decode(cert.DER, model.CertKindMembership)
	require.NoError(t, err)
	require.Equal(t, group.GUID, decoded.Guild)
	require.False(t, decoded.IsCA)
}

func TestSignAllocatesDistinctSerials(t *testing.T) {
	c := newTestCA(t)
	ctx := context.Background()
	app1 := model.Application{PublicKey: remotePublicKey(t)}
	app2 := model.Application{PublicKey: remotePublicKey(t)}

	c1, err := c.MintMembership(ctx, app1, model.Group{GUID: model.NewGUID()})
	require.NoError(t, err)
	c2, err := c.MintMembership(ctx, app2, model.Group{GUID: model.NewGUID()})
	require.NoError(t, err)

	require.NotEqual(t, c1.Serial, c2.Serial)
	differs, err := ca.SerialDiffers(c1.Serial, c2.Serial)
	require.NoError(t, err)
	require.True(t, differs)
}

func TestRegisterAgentBuildsAdminGroupMembership(t *testing.T) {
	c := newTestCA(t)
	agentPub := remotePublicKey(t)
	digest := sha256.Sum256([]byte("agent-manifest"))

	result, err := c.RegisterAgent(context.Background(), model.IdentityInfo{GUID: model.NewGUID(), Name: "agent"}, agentPub, digest)
	require.NoError(t, err)

	require.Equal(t, model.AdminGroupGUID, result.AdminGroup.GUID)
	require.Equal(t, ca.AdminGroupName, result.AdminGroup.Name)

	decodedMembership, err := certutil.Decode(result.Membership.DER, model.CertKindMembership)
	require.NoError(t, err)
	require.Equal(t, model.AdminGroupGUID, decodedMembership.Guild)
}
