package permissions

import "time"

// Permission is a named capability such as "edit project note".
type Permission struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// PermissionOverride is an explicit per-user grant (Allowed) or deny (!Allowed).
type PermissionOverride struct {
	UserID         int64     `json:"user_id"`
	PermissionID   int64     `json:"permission_id"`
	PermissionName string    `json:"permission_name"`
	Allowed        bool      `json:"allowed"`
	GrantedBy      *int64    `json:"granted_by,omitempty"`
	Reason         *string   `json:"reason,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// RoleAssignment binds a role to a user, globally when ProjectID is nil.
type RoleAssignment struct {
	UserID    int64      `json:"user_id"`
	RoleID    int64      `json:"role_id"`
	RoleName  string     `json:"role_name"`
	ProjectID *int64     `json:"project_id,omitempty"`
	GrantedBy *int64     `json:"granted_by,omitempty"`
	Reason    *string    `json:"reason,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Expired reports whether the assignment has passed its expiration at now.
func (a RoleAssignment) Expired(now time.Time) bool {
	return a.ExpiresAt != nil && a.ExpiresAt.Before(now)
}

// OverrideInput carries the values written by an override upsert.
type OverrideInput struct {
	UserID       int64
	PermissionID int64
	Allowed      bool
	ActorID      *int64
	Reason       *string
	BatchID      string
}

// AssignRoleInput carries the values written by a role assignment upsert.
type AssignRoleInput struct {
	UserID    int64
	RoleID    int64
	ActorID   *int64
	ProjectID *int64
	Reason    *string
	ExpiresAt *time.Time
}

// ChangeMeta carries the provenance recorded with a delete.
type ChangeMeta struct {
	ActorID *int64
	BatchID string
}

// OverrideTrailEntry is one permission override as seen by the audit trail.
type OverrideTrailEntry struct {
	PermissionID   int64     `json:"permission_id"`
	PermissionName string    `json:"permission_name"`
	Allowed        bool      `json:"allowed"`
	ActorName      *string   `json:"granted_by_name,omitempty"`
	Reason         *string   `json:"reason,omitempty"`
	At             time.Time `json:"updated_at"`
}

// RoleTrailEntry is one role assignment as seen by the audit trail.
type RoleTrailEntry struct {
	RoleID    int64      `json:"role_id"`
	RoleName  string     `json:"role_name"`
	ProjectID *int64     `json:"project_id,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	ActorName *string    `json:"granted_by_name,omitempty"`
	Reason    *string    `json:"reason,omitempty"`
	At        time.Time  `json:"updated_at"`
}

// AuditTrail groups the override and role entries for one user, newest first.
type AuditTrail struct {
	Overrides []OverrideTrailEntry `json:"permissions"`
	Roles     []RoleTrailEntry     `json:"roles"`
}

// ChangeAction names a write recorded in the change log.
type ChangeAction string

const (
	ChangeGrant          ChangeAction = "grant"
	ChangeDeny           ChangeAction = "deny"
	ChangeRemoveOverride ChangeAction = "remove_override"
	ChangeAssignRole     ChangeAction = "assign_role"
	ChangeRemoveRole     ChangeAction = "remove_role"
	ChangeExpireRole     ChangeAction = "expire_role"
)

// ChangeLogEntry is an append-only record of a single override or assignment write.
type ChangeLogEntry struct {
	ID           int64        `json:"id"`
	UserID       int64        `json:"user_id"`
	Action       ChangeAction `json:"action"`
	PermissionID *int64       `json:"permission_id,omitempty"`
	RoleID       *int64       `json:"role_id,omitempty"`
	ProjectID    *int64       `json:"project_id,omitempty"`
	ActorID      *int64       `json:"actor_id,omitempty"`
	Reason       *string      `json:"reason,omitempty"`
	BatchID      *string      `json:"batch_id,omitempty"`
	At           time.Time    `json:"at"`
}

// Snapshot is the cached aggregate of a user's overrides and role assignments.
type Snapshot struct {
	UserID    int64                `json:"user_id"`
	Overrides []PermissionOverride `json:"permissions"`
	Roles     []RoleAssignment     `json:"roles"`
}

// Holder is a user carrying an override or assignment for a given entity.
type Holder struct {
	UserID  int64  `json:"id"`
	Name    string `json:"name"`
	Email   string `json:"email"`
	Allowed *bool  `json:"allowed,omitempty"`
}

// BulkAction selects the operation applied by BulkUpdate.
type BulkAction string

const (
	BulkGrant  BulkAction = "grant"
	BulkDeny   BulkAction = "deny"
	BulkRemove BulkAction = "remove"
)

// BulkRequest applies Action to every (user, permission) pair.
type BulkRequest struct {
	UserIDs       []int64
	PermissionIDs []int64
	Action        BulkAction
	ActorID       *int64
	Reason        *string
}

// BulkPair identifies one (user, permission) pair of a bulk request.
type BulkPair struct {
	UserID       int64 `json:"user_id"`
	PermissionID int64 `json:"permission_id"`
}

// BulkResult reports the pairs committed by a bulk request.
type BulkResult struct {
	BatchID string     `json:"batch_id"`
	Applied []BulkPair `json:"applied"`
}
