package auth

import (
	"sort"
	"strings"
)

// Permission names guarding the operator surface.
const (
	// PermissionIntentSubmit allows submitting new intents for execution.
	PermissionIntentSubmit = "intent:submit"
	// PermissionRunRead allows reading run state and statistics.
	PermissionRunRead = "run:read"
	// PermissionRunCancel allows cancelling queued or running runs.
	PermissionRunCancel = "run:cancel"
	// PermissionConfirm allows resolving pending authorization confirmations.
	PermissionConfirm = "authz:confirm"
	// PermissionPolicyWrite allows updating risk thresholds at runtime.
	PermissionPolicyWrite = "policy:write"
	// PermissionAdmin implies every other permission.
	PermissionAdmin = "operator:admin"
)

// Built-in roles mapped to permission sets.
const (
	RoleViewer   = "viewer"
	RoleOperator = "operator"
	RoleAdmin    = "admin"
)

var rolePermissions = map[string][]string{
	RoleViewer:   {PermissionRunRead},
	RoleOperator: {PermissionIntentSubmit, PermissionRunRead, PermissionRunCancel, PermissionConfirm},
	RoleAdmin:    {PermissionAdmin},
}

// ExpandRoles resolves role names into the deduplicated permission list they
// grant. Unknown roles contribute nothing.
func ExpandRoles(roles []string) []string {
	seen := make(map[string]struct{})
	for _, role := range roles {
		for _, perm := range rolePermissions[strings.ToLower(strings.TrimSpace(role))] {
			seen[perm] = struct{}{}
		}
	}
	if len(seen) == 0 {
		return nil
	}
	result := make([]string, 0, len(seen))
	for perm := range seen {
		result = append(result, perm)
	}
	sort.Strings(result)
	return result
}
