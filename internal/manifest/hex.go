package manifest

import (
	"encoding/hex"

	"github.com/alljoyn/core-securitymgr/internal/model"
)

func hexOrEmpty(pk model.PublicKey) string {
	if pk.IsZero() {
		return ""
	}
	return hex.EncodeToString(pk[:])
}

func guidHexOrEmpty(g model.GUID) string {
	var zero model.GUID
	if g == zero {
		return ""
	}
	return g.Hex()
}

func pubKeyFromHex(s string) model.PublicKey {
	var pk model.PublicKey
	if s == "" {
		return pk
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return pk
	}
	copy(pk[:], b)
	return pk
}

func guidFromHex(s string) model.GUID {
	var g model.GUID
	if s == "" {
		return g
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return g
	}
	copy(g[:], b)
	return g
}
