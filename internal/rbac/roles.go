package rbac

// Role names. Keep these stable; they are part of auth/RBAC contracts.
const (
	// RoleOperator is the normal service-account role (bot shards, relays).
	RoleOperator = "operator"

	// RoleAdmin can inspect the raw queue and force-end calls.
	RoleAdmin = "admin"
)

func IsAdmin(role string) bool { return role == RoleAdmin }
