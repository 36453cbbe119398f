package rbac

type Role string
type Action string

const (
	RoleViewer    Role = "viewer"
	RoleCommenter Role = "commenter"
	RoleEditor    Role = "editor"
	RoleAdmin     Role = "admin"
)

const (
	// ActionObserve covers joining a room and reading its history.
	ActionObserve Action = "observe"

	// ActionChat covers chat messages and presence or cursor updates.
	ActionChat  Action = "chat"
	ActionEdit  Action = "edit"
	ActionAdmin Action = "admin"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleEditor:
		return action == ActionObserve || action == ActionChat || action == ActionEdit
	case RoleCommenter:
		return action == ActionObserve || action == ActionChat
	case RoleViewer:
		return action == ActionObserve
	default:
		return false
	}
}

// Normalize maps unknown roles to viewer.
func Normalize(role string) Role {
	switch Role(role) {
	case RoleViewer, RoleCommenter, RoleEditor, RoleAdmin:
		return Role(role)
	default:
		return RoleViewer
	}
}
