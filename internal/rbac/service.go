package rbac

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound indicates that the requested record does not exist.
var ErrNotFound = errors.New("rbac: not found")

// rolePermissionsSQL resolves the permissions a user holds through base roles
// and unexpired global role assignments. An assignment is live up to and
// including its expires_at. Project-scoped assignments are left to
// HasProjectPermission.
const rolePermissionsSQL = `
WITH granted_roles AS (
	SELECT role_id FROM user_roles WHERE user_id = $1
	UNION
	SELECT role_id FROM user_role_assignments
	WHERE user_id = $1
	  AND project_id IS NULL
	  AND (expires_at IS NULL OR expires_at >= NOW())
)
SELECT DISTINCT lower(p.name)
FROM role_permissions rp
JOIN permissions p ON p.id = rp.permission_id
WHERE rp.role_id IN (SELECT role_id FROM granted_roles)`

// Service orchestrates RBAC lookups. It is the role tier consulted by the
// override resolver.
type Service struct {
	pool *pgxpool.Pool
}

// NewService constructs a Service backed by the provided pool.
func NewService(pool *pgxpool.Pool) *Service {
	return &Service{pool: pool}
}

// ListRoles returns all roles ordered by name.
func (s *Service) ListRoles(ctx context.Context) ([]Role, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, name, description, created_at, updated_at FROM roles ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []Role
	for rows.Next() {
		var (
			role      Role
			createdAt pgtype.Timestamptz
			updatedAt pgtype.Timestamptz
		)
		if err := rows.Scan(&role.ID, &role.Name, &role.Description, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		role.CreatedAt = createdAt.Time
		role.UpdatedAt = updatedAt.Time
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

// GetRole fetches a role by ID.
func (s *Service) GetRole(ctx context.Context, id int64) (Role, error) {
	var role Role
	err := s.pool.QueryRow(ctx, `SELECT id, name, description, created_at, updated_at FROM roles WHERE id = $1`, id).
		Scan(&role.ID, &role.Name, &role.Description, &role.CreatedAt, &role.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Role{}, ErrNotFound
		}
		return Role{}, err
	}
	return role, nil
}

// ListPermissions returns all permissions ordered by name.
func (s *Service) ListPermissions(ctx context.Context) ([]Permission, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, name, description FROM permissions ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var perms []Permission
	for rows.Next() {
		var p Permission
		if err := rows.Scan(&p.ID, &p.Name, &p.Description); err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	return perms, rows.Err()
}

// HasPermission reports whether the user's roles grant the named permission.
func (s *Service) HasPermission(ctx context.Context, userID int64, permissionName string) (bool, error) {
	name := strings.ToLower(strings.TrimSpace(permissionName))
	if name == "" {
		return false, nil
	}
	var ok bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM (`+rolePermissionsSQL+`) granted(name) WHERE name = $2)`, userID, name).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("rbac: role permission lookup: %w", err)
	}
	return ok, nil
}

// HasProjectPermission also counts unexpired assignments scoped to projectID.
func (s *Service) HasProjectPermission(ctx context.Context, userID, projectID int64, permissionName string) (bool, error) {
	name := strings.ToLower(strings.TrimSpace(permissionName))
	if name == "" {
		return false, nil
	}
	var ok bool
	err := s.pool.QueryRow(ctx, `
SELECT EXISTS (
	SELECT 1
	FROM user_role_assignments ura
	JOIN role_permissions rp ON rp.role_id = ura.role_id
	JOIN permissions p ON p.id = rp.permission_id
	WHERE ura.user_id = $1
	  AND (ura.project_id IS NULL OR ura.project_id = $2)
	  AND (ura.expires_at IS NULL OR ura.expires_at >= NOW())
	  AND lower(p.name) = $3
	UNION ALL
	SELECT 1
	FROM user_roles ur
	JOIN role_permissions rp ON rp.role_id = ur.role_id
	JOIN permissions p ON p.id = rp.permission_id
	WHERE ur.user_id = $1 AND lower(p.name) = $3
)`, userID, projectID, name).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("rbac: project permission lookup: %w", err)
	}
	return ok, nil
}
