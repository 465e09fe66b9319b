package rbac

// Role names carried in access tokens.
const (
	RoleClient     = "client"
	RoleAdmin      = "admin"
	RoleSuperAdmin = "super_admin"
)

func IsSuperAdmin(role string) bool { return role == RoleSuperAdmin }

// IsAdmin reports whether role may use the admin routes.
func IsAdmin(role string) bool { return role == RoleAdmin || role == RoleSuperAdmin }
