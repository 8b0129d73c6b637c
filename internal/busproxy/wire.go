package busproxy

import (
	"github.com/alljoyn/core-securitymgr/internal/capability"
	"github.com/alljoyn/core-securitymgr/internal/model"
)

// The request/response pairs below are the wire shapes for each
// capability.RemoteAppProxy method. There is no .proto/protoc step in this
// module, so these are plain gob-encodable structs rather than generated
// protobuf messages; codec.go registers the grpc codec that (de)serializes
// them. DebugJSON is an optional side-channel a real bus implementation may
// attach for diagnostics; when present, logDebug() pulls a couple of fields out
// of it with gjson instead of a second full decode.

const (
	methodClaim               = "/securitymgr.RemoteApp/Claim"
	methodGetIdentity         = "/securitymgr.RemoteApp/GetIdentity"
	methodUpdateIdentity      = "/securitymgr.RemoteApp/UpdateIdentity"
	methodInstallMembership   = "/securitymgr.RemoteApp/InstallMembership"
	methodUpdatePolicy        = "/securitymgr.RemoteApp/UpdatePolicy"
	methodGetPolicy           = "/securitymgr.RemoteApp/GetPolicy"
	methodGetManifestTemplate = "/securitymgr.RemoteApp/GetManifestTemplate"
	methodReset               = "/securitymgr.RemoteApp/Reset"
)

type claimRequest struct {
	CAPublicKey model.PublicKey
	AdminGroup  model.Group
	IdentityChain capability.RemoteCertChain
	Manifest    model.Policy
}

type claimResponse struct {
	DebugJSON []byte
}

type getIdentityRequest struct{}

type getIdentityResponse struct {
	Chain     capability.RemoteCertChain
	DebugJSON []byte
}

type updateIdentityRequest struct {
	Chain    capability.RemoteCertChain
	Manifest model.Policy
}

type updateIdentityResponse struct {
	DebugJSON []byte
}

type installMembershipRequest struct {
	Chain capability.RemoteCertChain
}

type installMembershipResponse struct {
	DebugJSON []byte
}

type updatePolicyRequest struct {
	Policy model.Policy
}

type updatePolicyResponse struct {
	DebugJSON []byte
}

type getPolicyRequest struct{}

type getPolicyResponse struct {
	Policy    model.Policy
	DebugJSON []byte
}

type getManifestTemplateRequest struct{}

type getManifestTemplateResponse struct {
	Manifest  model.Policy
	DebugJSON []byte
}

type resetRequest struct{}

type resetResponse struct {
	DebugJSON []byte
}
