package auth

import "errors"

type Role string

const (
	RoleBuyer       Role = "buyer"
	RoleOrganizer   Role = "organizer"
	RoleParticipant Role = "participant"
	RoleMaker       Role = "maker"
	RoleRetailer    Role = "retailer"
	RoleMediator    Role = "mediator"
	RoleOperator    Role = "operator"
)

var (
	// ErrInvalidToken signals a missing, malformed or expired bearer token.
	ErrInvalidToken = errors.New("auth: invalid token")
	// ErrInvalidRole signals a role outside the known set.
	ErrInvalidRole = errors.New("auth: invalid role")
)

// Actor is the authenticated caller of an operation.
type Actor struct {
	ID   string
	Role Role
}

// Is reports whether the actor holds one of roles.
func (a Actor) Is(roles ...Role) bool {
	for _, r := range roles {
		if a.Role == r {
			return true
		}
	}
	return false
}

func isValidRole(role Role) bool {
	switch role {
	case RoleBuyer, RoleOrganizer, RoleParticipant, RoleMaker, RoleRetailer, RoleMediator, RoleOperator:
		return true
	default:
		return false
	}
}
