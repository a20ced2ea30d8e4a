package permissions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/collabhub/collabhub/internal/platform/db"
)

const (
	pgForeignKeyViolation = "23503"
	pgUniqueViolation     = "23505"
)

type dbtx interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
}

// Repository provides PostgreSQL backed persistence for overrides and role
// assignments. Every write also appends to permission_change_log in the same
// statement.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// PermissionByName looks up a permission by case-insensitive name.
func (r *Repository) PermissionByName(ctx context.Context, name string) (Permission, error) {
	var p Permission
	err := r.pool.QueryRow(ctx, `SELECT id, name FROM permissions WHERE lower(name) = lower($1)`, name).Scan(&p.ID, &p.Name)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Permission{}, ErrNotFound
		}
		return Permission{}, err
	}
	return p, nil
}

// PermissionExists reports whether the permission id is known.
func (r *Repository) PermissionExists(ctx context.Context, id int64) (bool, error) {
	return r.exists(ctx, `SELECT EXISTS (SELECT 1 FROM permissions WHERE id = $1)`, id)
}

// RoleExists reports whether the role id is known.
func (r *Repository) RoleExists(ctx context.Context, id int64) (bool, error) {
	return r.exists(ctx, `SELECT EXISTS (SELECT 1 FROM roles WHERE id = $1)`, id)
}

func (r *Repository) exists(ctx context.Context, query string, id int64) (bool, error) {
	var ok bool
	if err := r.pool.QueryRow(ctx, query, id).Scan(&ok); err != nil {
		return false, err
	}
	return ok, nil
}

const upsertOverrideSQL = `
WITH upserted AS (
	INSERT INTO user_permission_overrides (user_id, permission_id, allowed, granted_by, reason, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
	ON CONFLICT (user_id, permission_id) DO UPDATE
	SET allowed = EXCLUDED.allowed,
	    granted_by = EXCLUDED.granted_by,
	    reason = EXCLUDED.reason,
	    updated_at = NOW()
	RETURNING user_id, permission_id
)
INSERT INTO permission_change_log (user_id, action, permission_id, actor_id, reason, batch_id, occurred_at)
SELECT user_id, $6, permission_id, $4, $5, $7, NOW() FROM upserted`

// UpsertOverride inserts or replaces the override for (user, permission).
// created_at of an existing row is preserved.
func (r *Repository) UpsertOverride(ctx context.Context, in OverrideInput) error {
	action := ChangeDeny
	if in.Allowed {
		action = ChangeGrant
	}
	_, err := r.pool.Exec(ctx, upsertOverrideSQL,
		in.UserID, in.PermissionID, in.Allowed, in.ActorID, in.Reason, string(action), nullableText(in.BatchID))
	return mapError(err)
}

const deleteOverrideSQL = `
WITH deleted AS (
	DELETE FROM user_permission_overrides
	WHERE user_id = $1 AND permission_id = $2
	RETURNING user_id, permission_id
)
INSERT INTO permission_change_log (user_id, action, permission_id, actor_id, batch_id, occurred_at)
SELECT user_id, 'remove_override', permission_id, $3, $4, NOW() FROM deleted`

// DeleteOverride removes the override if present and reports whether a row went away.
func (r *Repository) DeleteOverride(ctx context.Context, userID, permissionID int64, meta ChangeMeta) (bool, error) {
	tag, err := r.pool.Exec(ctx, deleteOverrideSQL, userID, permissionID, meta.ActorID, nullableText(meta.BatchID))
	if err != nil {
		return false, mapError(err)
	}
	return tag.RowsAffected() > 0, nil
}

// FindOverride returns the override for (user, permission) or nil when none exists.
func (r *Repository) FindOverride(ctx context.Context, userID, permissionID int64) (*PermissionOverride, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT o.user_id, o.permission_id, p.name, o.allowed, o.granted_by, o.reason, o.created_at, o.updated_at
		FROM user_permission_overrides o
		JOIN permissions p ON p.id = o.permission_id
		WHERE o.user_id = $1 AND o.permission_id = $2`, userID, permissionID)
	o, err := scanOverride(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &o, nil
}

// ListOverrides returns all overrides of a user, most recently updated first.
func (r *Repository) ListOverrides(ctx context.Context, userID int64) ([]PermissionOverride, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT o.user_id, o.permission_id, p.name, o.allowed, o.granted_by, o.reason, o.created_at, o.updated_at
		FROM user_permission_overrides o
		JOIN permissions p ON p.id = o.permission_id
		WHERE o.user_id = $1
		ORDER BY o.updated_at DESC, o.id DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	overrides := []PermissionOverride{}
	for rows.Next() {
		o, err := scanOverride(rows)
		if err != nil {
			return nil, err
		}
		overrides = append(overrides, o)
	}
	return overrides, rows.Err()
}

const upsertAssignmentSQL = `
WITH upserted AS (
	INSERT INTO user_role_assignments (user_id, role_id, project_id, granted_by, reason, expires_at, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
	ON CONFLICT (user_id, role_id, project_id) DO UPDATE
	SET granted_by = EXCLUDED.granted_by,
	    reason = EXCLUDED.reason,
	    expires_at = EXCLUDED.expires_at,
	    updated_at = NOW()
	RETURNING user_id, role_id, project_id
)
INSERT INTO permission_change_log (user_id, action, role_id, project_id, actor_id, reason, occurred_at)
SELECT user_id, 'assign_role', role_id, project_id, $4, $5, NOW() FROM upserted`

// UpsertRoleAssignment inserts or replaces the assignment for (user, role, project).
// The unique constraint treats NULL project ids as equal.
func (r *Repository) UpsertRoleAssignment(ctx context.Context, in AssignRoleInput) error {
	_, err := r.pool.Exec(ctx, upsertAssignmentSQL,
		in.UserID, in.RoleID, in.ProjectID, in.ActorID, in.Reason, in.ExpiresAt)
	return mapError(err)
}

const deleteAssignmentSQL = `
WITH deleted AS (
	DELETE FROM user_role_assignments
	WHERE user_id = $1 AND role_id = $2 AND project_id IS NOT DISTINCT FROM $3
	RETURNING user_id, role_id, project_id
)
INSERT INTO permission_change_log (user_id, action, role_id, project_id, actor_id, occurred_at)
SELECT user_id, 'remove_role', role_id, project_id, $4, NOW() FROM deleted`

// DeleteRoleAssignment removes the assignment matching the exact triple. A nil
// project id only matches the global assignment.
func (r *Repository) DeleteRoleAssignment(ctx context.Context, userID, roleID int64, projectID *int64, meta ChangeMeta) (bool, error) {
	tag, err := r.pool.Exec(ctx, deleteAssignmentSQL, userID, roleID, projectID, meta.ActorID)
	if err != nil {
		return false, mapError(err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListRoleAssignments returns a user's assignments, most recently updated first.
// A non-nil projectID restricts the result to that project.
func (r *Repository) ListRoleAssignments(ctx context.Context, userID int64, projectID *int64) ([]RoleAssignment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT a.user_id, a.role_id, ro.name, a.project_id, a.granted_by, a.reason, a.expires_at, a.created_at, a.updated_at
		FROM user_role_assignments a
		JOIN roles ro ON ro.id = a.role_id
		WHERE a.user_id = $1 AND ($2::bigint IS NULL OR a.project_id = $2)
		ORDER BY a.updated_at DESC, a.id DESC`, userID, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	assignments := []RoleAssignment{}
	for rows.Next() {
		var a RoleAssignment
		if err := rows.Scan(&a.UserID, &a.RoleID, &a.RoleName, &a.ProjectID, &a.GrantedBy, &a.Reason, &a.ExpiresAt, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, err
		}
		assignments = append(assignments, a)
	}
	return assignments, rows.Err()
}

// HasExpiredAssignments reports whether any assignment of the user expired before now.
func (r *Repository) HasExpiredAssignments(ctx context.Context, userID int64, now time.Time) (bool, error) {
	var ok bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM user_role_assignments
			WHERE user_id = $1 AND expires_at IS NOT NULL AND expires_at < $2
		)`, userID, now).Scan(&ok)
	return ok, err
}

const deleteExpiredSQL = `
WITH expired AS (
	DELETE FROM user_role_assignments
	WHERE expires_at IS NOT NULL AND expires_at < $1
	RETURNING user_id, role_id, project_id
), logged AS (
	INSERT INTO permission_change_log (user_id, action, role_id, project_id, occurred_at)
	SELECT user_id, 'expire_role', role_id, project_id, $1 FROM expired
)
SELECT user_id FROM expired`

// DeleteExpiredAssignments purges assignments whose expires_at is before now and
// returns the owning user id of every deleted row.
func (r *Repository) DeleteExpiredAssignments(ctx context.Context, now time.Time) ([]int64, error) {
	rows, err := r.pool.Query(ctx, deleteExpiredSQL, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var userIDs []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		userIDs = append(userIDs, id)
	}
	return userIDs, rows.Err()
}

// AuditTrail reads both trail sequences from one snapshot.
func (r *Repository) AuditTrail(ctx context.Context, userID int64) (AuditTrail, error) {
	trail := AuditTrail{Overrides: []OverrideTrailEntry{}, Roles: []RoleTrailEntry{}}
	err := db.WithSnapshot(ctx, r.pool, func(tx pgx.Tx) error {
		var err error
		if trail.Overrides, err = overrideTrail(ctx, tx, userID); err != nil {
			return err
		}
		trail.Roles, err = roleTrail(ctx, tx, userID)
		return err
	})
	if err != nil {
		return AuditTrail{}, err
	}
	return trail, nil
}

func overrideTrail(ctx context.Context, q dbtx, userID int64) ([]OverrideTrailEntry, error) {
	rows, err := q.Query(ctx, `
		SELECT o.permission_id, p.name, o.allowed, gu.name, o.reason, o.updated_at
		FROM user_permission_overrides o
		JOIN permissions p ON p.id = o.permission_id
		LEFT JOIN users gu ON gu.id = o.granted_by
		WHERE o.user_id = $1
		ORDER BY o.updated_at DESC, o.id DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	entries := []OverrideTrailEntry{}
	for rows.Next() {
		var e OverrideTrailEntry
		if err := rows.Scan(&e.PermissionID, &e.PermissionName, &e.Allowed, &e.ActorName, &e.Reason, &e.At); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func roleTrail(ctx context.Context, q dbtx, userID int64) ([]RoleTrailEntry, error) {
	rows, err := q.Query(ctx, `
		SELECT a.role_id, ro.name, a.project_id, a.expires_at, gu.name, a.reason, a.updated_at
		FROM user_role_assignments a
		JOIN roles ro ON ro.id = a.role_id
		LEFT JOIN users gu ON gu.id = a.granted_by
		WHERE a.user_id = $1
		ORDER BY a.updated_at DESC, a.id DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	entries := []RoleTrailEntry{}
	for rows.Next() {
		var e RoleTrailEntry
		if err := rows.Scan(&e.RoleID, &e.RoleName, &e.ProjectID, &e.ExpiresAt, &e.ActorName, &e.Reason, &e.At); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ChangeLog returns the append-only history of a user, newest first.
func (r *Repository) ChangeLog(ctx context.Context, userID int64, limit int) ([]ChangeLogEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, user_id, action, permission_id, role_id, project_id, actor_id, reason, batch_id, occurred_at
		FROM permission_change_log
		WHERE user_id = $1
		ORDER BY occurred_at DESC, id DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	entries := []ChangeLogEntry{}
	for rows.Next() {
		var e ChangeLogEntry
		var action string
		if err := rows.Scan(&e.ID, &e.UserID, &action, &e.PermissionID, &e.RoleID, &e.ProjectID, &e.ActorID, &e.Reason, &e.BatchID, &e.At); err != nil {
			return nil, err
		}
		e.Action = ChangeAction(action)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// UsersWithOverride lists users holding any override on the permission.
func (r *Repository) UsersWithOverride(ctx context.Context, permissionID int64) ([]Holder, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT u.id, u.name, u.email, o.allowed
		FROM user_permission_overrides o
		JOIN users u ON u.id = o.user_id
		WHERE o.permission_id = $1
		ORDER BY u.name, u.id`, permissionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	holders := []Holder{}
	for rows.Next() {
		var h Holder
		var allowed bool
		if err := rows.Scan(&h.UserID, &h.Name, &h.Email, &allowed); err != nil {
			return nil, err
		}
		h.Allowed = &allowed
		holders = append(holders, h)
	}
	return holders, rows.Err()
}

// UsersWithRole lists users holding the role in any scope.
func (r *Repository) UsersWithRole(ctx context.Context, roleID int64) ([]Holder, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT DISTINCT u.id, u.name, u.email
		FROM user_role_assignments a
		JOIN users u ON u.id = a.user_id
		WHERE a.role_id = $1
		ORDER BY u.name, u.id`, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	holders := []Holder{}
	for rows.Next() {
		var h Holder
		if err := rows.Scan(&h.UserID, &h.Name, &h.Email); err != nil {
			return nil, err
		}
		holders = append(holders, h)
	}
	return holders, rows.Err()
}

func scanOverride(row pgx.Row) (PermissionOverride, error) {
	var o PermissionOverride
	err := row.Scan(&o.UserID, &o.PermissionID, &o.PermissionName, &o.Allowed, &o.GrantedBy, &o.Reason, &o.CreatedAt, &o.UpdatedAt)
	return o, err
}

func nullableText(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func mapError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgForeignKeyViolation:
			return fmt.Errorf("%w: %s", ErrNotFound, pgErr.ConstraintName)
		case pgUniqueViolation:
			return fmt.Errorf("%w: %s", ErrConflict, pgErr.ConstraintName)
		}
	}
	return err
}
