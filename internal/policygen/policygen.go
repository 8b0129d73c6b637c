// Package policygen implements the PolicyGenerator (SPEC_FULL.md §4.4): the
// mechanical translation of a set of groups into the default membership
// policy every claimed application receives. It is deliberately tiny: a
// pure function with no I/O and no side effects.
package policygen

import "github.com/alljoyn/core-securitymgr/internal/model"

// DefaultPolicy emits one ACL per group in groups: a single peer granting
// membership in that group, and a single catch-all rule granting
// Provide|Modify on every member of every interface. Version is left zero
// for the caller to assign; the agent facade's claimSelf, its only caller,
// persists the policy with that zero version.
func DefaultPolicy(groups []model.Group) model.Policy {
	policy := model.Policy{ACLs: make([]model.ACL, 0, len(groups))}
	for _, g := range groups {
		policy.ACLs = append(policy.ACLs, model.ACL{
			Peers: []model.Peer{
				{Kind: model.PeerWithMembership, GroupAuthority: g.Authority, GroupGUID: g.GUID},
			},
			Rules: []model.Rule{
				{
					InterfacePattern: "*",
					Members: []model.Member{
						{NamePattern: "*", Type: model.MemberAny, Actions: model.ActionProvide | model.ActionModify},
					},
				},
			},
		})
	}
	return policy
}
