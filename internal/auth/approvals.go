package auth

import (
	"context"

	"opsgate.org/internal/policy"
)

// Built-in roles recognised by the approval workflow. Role assignment
// itself lives in the identity subsystem; this core only checks whether a
// caller's role may approve a given operation kind.
const (
	RoleHRManager        = "hr_manager"
	RoleTeamLead         = "team_lead"
	RoleITManager        = "it_manager"
	RoleWarehouseManager = "warehouse_manager"
	RoleAdmin            = "admin"
)

// approvalRoles maps each token-gated operation kind to the roles allowed
// to issue tokens for it.
var approvalRoles = map[policy.Kind][]string{
	policy.KindStatusChange:    {RoleHRManager},
	policy.KindAssetAssignment: {RoleHRManager, RoleITManager},
	policy.KindLeaveApproval:   {RoleHRManager, RoleTeamLead},
	policy.KindStockOut:        {RoleWarehouseManager},
	policy.KindStockTransfer:   {RoleWarehouseManager},
	policy.KindStockIn:         {RoleWarehouseManager},
}

// CanApprove reports whether the authenticated caller may issue access
// tokens for the given operation kind. Admin may approve everything.
func CanApprove(ctx context.Context, kind policy.Kind) bool {
	if HasRole(ctx, RoleAdmin) {
		return true
	}
	roles, ok := approvalRoles[kind]
	if !ok {
		return false
	}
	for _, role := range roles {
		if HasRole(ctx, role) {
			return true
		}
	}
	return false
}
