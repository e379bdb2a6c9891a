package model

// ProjectRole represents the RBAC role of a user within a project.
type ProjectRole string

const (
	RoleOwner  ProjectRole = "owner"
	RoleEditor ProjectRole = "editor"
	RoleViewer ProjectRole = "viewer"
)

// Capabilities is the flat capability set derived from a role. Operations
// consult it once instead of comparing roles inline, so the authorization
// matrix lives in exactly one place.
type Capabilities struct {
	CanView  bool
	CanEdit  bool
	CanApply bool
}

// CapabilitiesFor maps a role to its capabilities. Unknown roles get none.
func CapabilitiesFor(r ProjectRole) Capabilities {
	switch r {
	case RoleOwner:
		return Capabilities{CanView: true, CanEdit: true, CanApply: true}
	case RoleEditor:
		return Capabilities{CanView: true, CanEdit: true}
	case RoleViewer:
		return Capabilities{CanView: true}
	default:
		return Capabilities{}
	}
}

// RoleRank returns the numeric rank of a role (higher = more privileges).
// Only relative ordering matters.
func RoleRank(r ProjectRole) int {
	switch r {
	case RoleOwner:
		return 3
	case RoleEditor:
		return 2
	case RoleViewer:
		return 1
	default:
		return 0
	}
}

// RoleAtLeast reports whether role r has at least the privileges of minRole.
func RoleAtLeast(r, minRole ProjectRole) bool {
	return RoleRank(r) >= RoleRank(minRole)
}
