package shared

// Core platform permissions.
const (
	PermUsersView   = "users.view"
	PermUsersManage = "users.manage"

	PermRolesView = "roles.view"
	PermRolesEdit = "roles.edit"

	PermPermissionsView = "permissions.view"
)

// Project collaboration permissions.
const (
	PermProjectNoteView   = "view project note"
	PermProjectNoteCreate = "create project note"
	PermProjectNoteEdit   = "edit project note"
	PermProjectNoteDelete = "delete project note"
	PermTaskEdit          = "edit task"
	PermTimeLogCreate     = "create time log"
)

// CoreScopes lists all permissions related to the core platform.
func CoreScopes() []string {
	return []string{
		PermUsersView,
		PermUsersManage,
		PermRolesView,
		PermRolesEdit,
		PermPermissionsView,
	}
}

// ProjectScopes lists the permissions governing project collaboration.
func ProjectScopes() []string {
	return []string{
		PermProjectNoteView,
		PermProjectNoteCreate,
		PermProjectNoteEdit,
		PermProjectNoteDelete,
		PermTaskEdit,
		PermTimeLogCreate,
	}
}
