package auth

import "slices"

// Permission represents a named capability.
type Permission string

// Permission constants.
const (
	PermDeviceRead      Permission = "device:read"
	PermDeviceConfigure Permission = "device:configure"
	PermDeviceLifecycle Permission = "device:lifecycle"
	PermSessionRun      Permission = "session:run"
	PermTopologyManage  Permission = "topology:manage"
)

// rolePermissions maps each role to its granted permissions.
var rolePermissions = map[Role][]Permission{
	RoleViewer: {
		PermDeviceRead,
	},
	RoleOperator: {
		PermDeviceRead,
		PermDeviceConfigure,
		PermSessionRun,
	},
	RoleAdmin: {
		PermDeviceRead,
		PermDeviceConfigure,
		PermSessionRun,
		PermDeviceLifecycle,
		PermTopologyManage,
	},
}

// HasPermission returns true if the given role has the specified permission.
func HasPermission(role Role, perm Permission) bool {
	return slices.Contains(rolePermissions[role], perm)
}

// PermissionsForRole returns all permissions granted to a role, or nil for
// an unknown role.
func PermissionsForRole(role Role) []Permission {
	return slices.Clone(rolePermissions[role])
}
