// Package authz answers "may this token do that" using only the token's
// claims and, for organization actions, the caller's org role.
package authz

import (
	"errors"

	"parabol/api/internal/auth"
)

var (
	ErrNotTeamMember = errors.New("not a member of this team")
	ErrNotSuperUser  = errors.New("super user required")
	ErrForbidden     = errors.New("forbidden")
)

type OrgRole string
type Action string

const (
	RoleBillingLeader OrgRole = "BILLING_LEADER"
	RoleMember        OrgRole = "MEMBER"
)

const (
	ActionAddTeam     Action = "addTeam"
	ActionViewOrg     Action = "viewOrg"
	ActionManageBills Action = "manageBilling"
	ActionRemoveTeam  Action = "removeTeam"
)

// Can reports whether an organization role allows an action.
func Can(role OrgRole, action Action) bool {
	switch role {
	case RoleBillingLeader:
		return true
	case RoleMember:
		return action == ActionAddTeam || action == ActionViewOrg
	default:
		return false
	}
}

func NormalizeOrgRole(role string) OrgRole {
	switch OrgRole(role) {
	case RoleBillingLeader, RoleMember:
		return OrgRole(role)
	default:
		return ""
	}
}

// TeamMember requires teamID to be in the token's tms.
func TeamMember(claims auth.Claims, teamID string) error {
	if teamID == "" || !claims.HasTeam(teamID) {
		return ErrNotTeamMember
	}
	return nil
}

// SUOrTeamMember lets super users through regardless of team.
func SUOrTeamMember(claims auth.Claims, teamID string) error {
	if claims.IsSuperUser() {
		return nil
	}
	return TeamMember(claims, teamID)
}

func SuperUser(claims auth.Claims) error {
	if !claims.IsSuperUser() {
		return ErrNotSuperUser
	}
	return nil
}

// OrgAction checks an org-scoped action for a role read from storage. An
// empty role means the caller is not in the organization.
func OrgAction(claims auth.Claims, role string, action Action) error {
	if claims.IsSuperUser() {
		return nil
	}
	if !Can(NormalizeOrgRole(role), action) {
		return ErrForbidden
	}
	return nil
}
