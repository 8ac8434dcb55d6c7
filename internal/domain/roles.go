// Package domain defines the persisted entities of the storefront bot and the
// MongoDB repositories that read and write them.
package domain

const (
	// RoleOwner represents the bot owner with the highest privileges.
	RoleOwner = "owner"
	// RoleAdmin represents elevated administrators below the owner.
	RoleAdmin = "admin"
	// RoleUser represents a standard customer with no elevated privileges.
	RoleUser = "user"
)

const (
	RolePriorityUser  = 1
	RolePriorityAdmin = 2
	RolePriorityOwner = 3
)

// RolePriority ranks roles so that permission checks can compare them.
// Unknown roles rank below RoleUser.
func RolePriority(role string) int {
	switch role {
	case RoleOwner:
		return RolePriorityOwner
	case RoleAdmin:
		return RolePriorityAdmin
	case RoleUser:
		return RolePriorityUser
	default:
		return 0
	}
}

// IsAdminRole reports whether the role grants access to the admin console.
func IsAdminRole(role string) bool {
	return RolePriority(role) >= RolePriorityAdmin
}
