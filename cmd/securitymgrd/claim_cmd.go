package main

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/gravitational/trace"

	"github.com/alljoyn/core-securitymgr/internal/busproxy"
	"github.com/alljoyn/core-securitymgr/internal/ca"
	"github.com/alljoyn/core-securitymgr/internal/claim"
	"github.com/alljoyn/core-securitymgr/internal/claim/cliapprove"
	"github.com/alljoyn/core-securitymgr/internal/model"
	"github.com/alljoyn/core-securitymgr/internal/registry"
	"github.com/alljoyn/core-securitymgr/internal/store"
)

// parsePublicKeyHex decodes the 128-character hex form of a model.PublicKey
// (raw 64-byte X||Y).
func parsePublicKeyHex(s string) (model.PublicKey, error) {
	var pk model.PublicKey
	raw, err := hex.DecodeString(s)
	if err != nil {
		return pk, trace.Wrap(err, "decoding public key hex")
	}
	if len(raw) != len(pk) {
		return pk, trace.BadParameter("public key must be %d bytes, got %d", len(pk), len(raw))
	}
	copy(pk[:], raw)
	return pk, nil
}

// RunClaimCmd claims a single application one-shot: it wires the same
// store/CA/proxy stack the daemon uses, but drives claim.Driver directly
// instead of running the full agent facade, so an operator can bootstrap
// trust for one application without a standing daemon process.
func RunClaimCmd(ctx context.Context, c *ClaimCmdConfig) error {
	pubKey, err := parsePublicKeyHex(c.PubKeyHex)
	if err != nil {
		return trace.Wrap(err)
	}

	db, err := store.OpenPostgres(ctx, c.PostgresDSN)
	if err != nil {
		return trace.Wrap(err)
	}
	defer db.Close()

	serials := &serialAllocatorRef{}
	certAuth := ca.New(ca.StdCrypto{}, ca.NewKeyStore(c.CAKeyDir), serials)
	if err := certAuth.Initialize(); err != nil {
		return trace.Wrap(err)
	}

	st, err := store.Open(ctx, db, certAuth.PublicKey)
	if err != nil {
		return trace.Wrap(err)
	}
	serials.set(st)

	resolve := staticResolver([]string{c.BusName})
	proxy, err := busproxy.New(resolve, busproxy.TLSCredentialSource{}, c.MaxSessions)
	if err != nil {
		return trace.Wrap(err)
	}

	reg := registry.New("")
	apps, err := st.GetManagedApplications(ctx)
	if err != nil {
		return trace.Wrap(err)
	}
	reg.Load(apps)
	reg.ObserveAnnouncement(c.BusName, pubKey, model.ClaimStateClaimable)

	driver := claim.New(st, certAuth, proxy, reg)
	driver.SetManifestListener(cliapprove.New())

	identity := model.IdentityInfo{GUID: model.NewGUID(), Name: c.AppName}
	if err := driver.Claim(ctx, pubKey, identity); err != nil {
		return trace.Wrap(err)
	}

	fmt.Printf("claimed %s (%s)\n", c.BusName, pubKey.AKI())
	return nil
}
