package rbac

import "strings"

type Role string
type Action string

const (
	RoleMember Role = "member"
	RoleAdmin  Role = "admin"
)

const (
	ActionRead    Action = "read"
	ActionPost    Action = "post"
	ActionComment Action = "comment"
	ActionRepair  Action = "repair"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleMember:
		return action == ActionRead || action == ActionPost || action == ActionComment
	default:
		return false
	}
}

// RoleFor returns RoleAdmin when email is one of admins (case-insensitive).
func RoleFor(email string, admins []string) Role {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return RoleMember
	}
	for _, admin := range admins {
		if strings.ToLower(strings.TrimSpace(admin)) == email {
			return RoleAdmin
		}
	}
	return RoleMember
}
