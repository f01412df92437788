package roles

// Role values as they appear in the "role" claim and the users table.
const (
	SystemAdmin = "system_admin" // Sees every device in every company
	OrgAdmin    = "company_admin" // Sees every device of its own company
	Member      = "user"          // Sees only explicitly granted devices
)

// roleHierarchy defines the role hierarchy levels (higher number = more privileges)
var roleHierarchy = map[string]int{
	Member:      1,
	OrgAdmin:    2,
	SystemAdmin: 3,
}

// ValidRoles returns a slice of all valid roles
func ValidRoles() []string {
	return []string{Member, OrgAdmin, SystemAdmin}
}

// IsValidRole checks if a role is valid
func IsValidRole(role string) bool {
	_, exists := roleHierarchy[role]
	return exists
}

// GetRoleLevel returns the hierarchy level for a role
func GetRoleLevel(role string) int {
	if level, exists := roleHierarchy[role]; exists {
		return level
	}
	return -1
}

// RequiresOrganization reports whether subjects with this role must belong to a company.
func RequiresOrganization(role string) bool {
	return role == OrgAdmin || role == Member
}

// HasPermission checks if a role has at least the required permission level
func HasPermission(userRole, requiredRole string) bool {
	userLevel := GetRoleLevel(userRole)
	requiredLevel := GetRoleLevel(requiredRole)

	if userLevel == -1 || requiredLevel == -1 {
		return false
	}

	return userLevel >= requiredLevel
}
