// Package cliapprove provides the reference claim.ManifestListener: an
// interactive yes/no prompt at the terminal, built on
// promptui.Prompt{IsConfirm: true}.
package cliapprove

import (
	"context"
	"fmt"
	"strings"

	"github.com/manifoldco/promptui"

	"github.com/alljoyn/core-securitymgr/internal/model"
)

// Listener prompts an operator to approve or deny each claim attempt.
type Listener struct{}

// New returns a Listener.
func New() *Listener {
	return &Listener{}
}

// Approve prints the application and the rule set it is requesting to run
// under, then asks for a y/N confirmation.
func (Listener) Approve(ctx context.Context, app model.Application, manifest model.Policy) bool {
	fmt.Printf("Application %s (%s) requests claim under the following policy:\n", app.AKI(), app.Meta.AppName)
	for _, acl := range manifest.ACLs {
		for _, rule := range acl.Rules {
			fmt.Printf("  interface %s:\n", rule.InterfacePattern)
			for _, member := range rule.Members {
				fmt.Printf("    %s (type=%d actions=%s)\n", member.NamePattern, member.Type, actionString(member.Actions))
			}
		}
	}

	prompt := promptui.Prompt{
		Label:     "Approve this claim",
		IsConfirm: true,
	}
	result, err := prompt.Run()
	if err != nil {
		return false
	}
	return strings.EqualFold(result, "y")
}

func actionString(a model.Action) string {
	var parts []string
	if a&model.ActionProvide != 0 {
		parts = append(parts, "provide")
	}
	if a&model.ActionModify != 0 {
		parts = append(parts, "modify")
	}
	if a&model.ActionObserve != 0 {
		parts = append(parts, "observe")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}
