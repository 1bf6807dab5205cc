package rbac

type Role string
type Capability string

const (
	RoleViewer Role = "viewer"
	RoleEditor Role = "editor"
	RoleAdmin  Role = "admin"
)

const (
	CapView          Capability = "view"
	CapEdit          Capability = "edit"
	CapDelete        Capability = "delete"
	CapManageMembers Capability = "manage_members"
	CapAssignTasks   Capability = "assign_tasks"
)

// Capabilities is the full permission record derived from a project role.
type Capabilities struct {
	CanView          bool `json:"canView"`
	CanEdit          bool `json:"canEdit"`
	CanDelete        bool `json:"canDelete"`
	CanManageMembers bool `json:"canManageMembers"`
	CanAssignTasks   bool `json:"canAssignTasks"`
}

// For resolves a role into its capability set. Unknown or empty roles get
// nothing.
func For(role Role) Capabilities {
	switch role {
	case RoleAdmin:
		return Capabilities{CanView: true, CanEdit: true, CanDelete: true, CanManageMembers: true, CanAssignTasks: true}
	case RoleEditor:
		return Capabilities{CanView: true, CanEdit: true, CanAssignTasks: true}
	case RoleViewer:
		return Capabilities{CanView: true}
	default:
		return Capabilities{}
	}
}

func (c Capabilities) Allows(capability Capability) bool {
	switch capability {
	case CapView:
		return c.CanView
	case CapEdit:
		return c.CanEdit
	case CapDelete:
		return c.CanDelete
	case CapManageMembers:
		return c.CanManageMembers
	case CapAssignTasks:
		return c.CanAssignTasks
	default:
		return false
	}
}

func Can(role Role, capability Capability) bool {
	return For(role).Allows(capability)
}

// Parse reports whether role names one of the known project roles.
func Parse(role string) (Role, bool) {
	switch Role(role) {
	case RoleViewer, RoleEditor, RoleAdmin:
		return Role(role), true
	default:
		return "", false
	}
}

// Resolve picks the effective role of a user in a project. The owner is
// always admin; otherwise the membership role applies, if any.
func Resolve(userID, ownerID string, memberRole string) Role {
	if userID != "" && userID == ownerID {
		return RoleAdmin
	}
	role, ok := Parse(memberRole)
	if !ok {
		return ""
	}
	return role
}
