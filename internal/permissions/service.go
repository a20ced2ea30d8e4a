package permissions

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/collabhub/collabhub/internal/shared"
)

// MaxReasonLength caps the free-text reason stored with a write.
const MaxReasonLength = 255

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// RepositoryPort defines data access methods for overrides and role assignments.
type RepositoryPort interface {
	OverrideReader
	PermissionExists(ctx context.Context, id int64) (bool, error)
	RoleExists(ctx context.Context, id int64) (bool, error)
	UpsertOverride(ctx context.Context, in OverrideInput) error
	DeleteOverride(ctx context.Context, userID, permissionID int64, meta ChangeMeta) (bool, error)
	ListOverrides(ctx context.Context, userID int64) ([]PermissionOverride, error)
	UpsertRoleAssignment(ctx context.Context, in AssignRoleInput) error
	DeleteRoleAssignment(ctx context.Context, userID, roleID int64, projectID *int64, meta ChangeMeta) (bool, error)
	ListRoleAssignments(ctx context.Context, userID int64, projectID *int64) ([]RoleAssignment, error)
	HasExpiredAssignments(ctx context.Context, userID int64, now time.Time) (bool, error)
	DeleteExpiredAssignments(ctx context.Context, now time.Time) ([]int64, error)
	AuditTrail(ctx context.Context, userID int64) (AuditTrail, error)
	ChangeLog(ctx context.Context, userID int64, limit int) ([]ChangeLogEntry, error)
	UsersWithOverride(ctx context.Context, permissionID int64) ([]Holder, error)
	UsersWithRole(ctx context.Context, roleID int64) ([]Holder, error)
}

// Service manages per-user permission overrides and role assignments. Every
// mutation invalidates the affected user's cached views before returning.
type Service struct {
	repo     RepositoryPort
	resolver *Resolver
	cache    Cache
	logger   *slog.Logger
	clock    func() time.Time
	batchID  func() string
}

// NewService builds Service instance. A nil cache disables caching.
func NewService(repo RepositoryPort, oracle RolePermissionOracle, cache Cache, logger *slog.Logger) *Service {
	if cache == nil {
		cache = NopCache{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:     repo,
		resolver: NewResolver(repo, oracle, logger),
		cache:    cache,
		logger:   logger,
		clock: func() time.Time {
			return time.Now().UTC()
		},
		batchID: func() string {
			return uuid.NewString()
		},
	}
}

// WithClock overrides the internal clock for deterministic tests.
func (s *Service) WithClock(clock func() time.Time) {
	if s != nil && clock != nil {
		s.clock = clock
	}
}

// Resolver exposes the permission resolver backing HasPermission.
func (s *Service) Resolver() *Resolver {
	return s.resolver
}

// GrantPermission records an explicit grant, replacing any existing override.
func (s *Service) GrantPermission(ctx context.Context, userID, permissionID int64, actorID *int64, reason *string) error {
	return s.setOverride(ctx, OverrideInput{UserID: userID, PermissionID: permissionID, Allowed: true, ActorID: actorID, Reason: reason})
}

// DenyPermission records an explicit deny, replacing any existing override.
func (s *Service) DenyPermission(ctx context.Context, userID, permissionID int64, actorID *int64, reason *string) error {
	return s.setOverride(ctx, OverrideInput{UserID: userID, PermissionID: permissionID, Allowed: false, ActorID: actorID, Reason: reason})
}

func (s *Service) setOverride(ctx context.Context, in OverrideInput) error {
	if err := validateIDs(in.UserID, in.PermissionID); err != nil {
		return err
	}
	reason, err := normalizeReason(in.Reason)
	if err != nil {
		return err
	}
	in.Reason = reason
	if err := s.ensurePermission(ctx, in.PermissionID); err != nil {
		return err
	}
	if err := s.repo.UpsertOverride(ctx, in); err != nil {
		return fmt.Errorf("permissions: upsert override: %w", err)
	}
	if err := s.invalidateUser(ctx, in.UserID); err != nil {
		return err
	}
	s.logger.Info("permission override set",
		slog.Int64("user_id", in.UserID),
		slog.Int64("permission_id", in.PermissionID),
		slog.Bool("allowed", in.Allowed),
		slog.Any("actor_id", in.ActorID))
	return nil
}

// RemoveOverride deletes the override for (user, permission). An absent
// override is not an error.
func (s *Service) RemoveOverride(ctx context.Context, userID, permissionID int64) error {
	return s.removeOverride(ctx, userID, permissionID, ChangeMeta{ActorID: actorFromContext(ctx)})
}

func (s *Service) removeOverride(ctx context.Context, userID, permissionID int64, meta ChangeMeta) error {
	if err := validateIDs(userID, permissionID); err != nil {
		return err
	}
	if err := s.ensurePermission(ctx, permissionID); err != nil {
		return err
	}
	removed, err := s.repo.DeleteOverride(ctx, userID, permissionID, meta)
	if err != nil {
		return fmt.Errorf("permissions: delete override: %w", err)
	}
	if err := s.invalidateUser(ctx, userID); err != nil {
		return err
	}
	s.logger.Info("permission override removed",
		slog.Int64("user_id", userID),
		slog.Int64("permission_id", permissionID),
		slog.Bool("existed", removed))
	return nil
}

// AssignRole assigns a role globally (nil ProjectID) or to one project,
// replacing any assignment with the same (user, role, project).
func (s *Service) AssignRole(ctx context.Context, in AssignRoleInput) error {
	if err := validateIDs(in.UserID, in.RoleID); err != nil {
		return err
	}
	if in.ProjectID != nil && *in.ProjectID <= 0 {
		return validationf("project id must be positive")
	}
	reason, err := normalizeReason(in.Reason)
	if err != nil {
		return err
	}
	in.Reason = reason
	if in.ExpiresAt != nil {
		utc := in.ExpiresAt.UTC()
		in.ExpiresAt = &utc
	}
	if err := s.ensureRole(ctx, in.RoleID); err != nil {
		return err
	}
	if err := s.repo.UpsertRoleAssignment(ctx, in); err != nil {
		return fmt.Errorf("permissions: upsert role assignment: %w", err)
	}
	if err := s.invalidateUser(ctx, in.UserID); err != nil {
		return err
	}
	s.logger.Info("role assigned",
		slog.Int64("user_id", in.UserID),
		slog.Int64("role_id", in.RoleID),
		slog.Any("project_id", in.ProjectID),
		slog.Any("expires_at", in.ExpiresAt))
	return nil
}

// RemoveRole deletes the assignment matching (user, role, project) exactly. A
// nil projectID removes only the global assignment.
func (s *Service) RemoveRole(ctx context.Context, userID, roleID int64, projectID *int64) error {
	if err := validateIDs(userID, roleID); err != nil {
		return err
	}
	if err := s.ensureRole(ctx, roleID); err != nil {
		return err
	}
	removed, err := s.repo.DeleteRoleAssignment(ctx, userID, roleID, projectID, ChangeMeta{ActorID: actorFromContext(ctx)})
	if err != nil {
		return fmt.Errorf("permissions: delete role assignment: %w", err)
	}
	if err := s.invalidateUser(ctx, userID); err != nil {
		return err
	}
	s.logger.Info("role removed",
		slog.Int64("user_id", userID),
		slog.Int64("role_id", roleID),
		slog.Any("project_id", projectID),
		slog.Bool("existed", removed))
	return nil
}

// HasPermission answers with override-first semantics.
func (s *Service) HasPermission(ctx context.Context, userID int64, permissionName string) (bool, error) {
	return s.resolver.HasPermission(ctx, userID, permissionName)
}

// Check returns the decision and the tier that produced it.
func (s *Service) Check(ctx context.Context, userID int64, permissionName string) (Decision, error) {
	return s.resolver.Resolve(ctx, userID, permissionName)
}

// CheckInProject resolves the permission with role assignments scoped to
// projectID taken into account.
func (s *Service) CheckInProject(ctx context.Context, userID, projectID int64, permissionName string) (Decision, error) {
	if projectID <= 0 {
		return Decision{}, validationf("project id must be positive")
	}
	return s.resolver.ResolveInProject(ctx, userID, projectID, permissionName)
}

// GetOverrides returns the user's overrides, most recent first.
func (s *Service) GetOverrides(ctx context.Context, userID int64) ([]PermissionOverride, error) {
	var overrides []PermissionOverride
	err := s.cache.Fetch(ctx, UserPermissionsKey(userID), &overrides, func(ctx context.Context) (any, error) {
		return s.repo.ListOverrides(ctx, userID)
	})
	if err != nil {
		return nil, err
	}
	return overrides, nil
}

// GetRoles returns the user's role assignments, optionally filtered by project.
func (s *Service) GetRoles(ctx context.Context, userID int64, projectID *int64) ([]RoleAssignment, error) {
	if projectID != nil {
		return s.repo.ListRoleAssignments(ctx, userID, projectID)
	}
	var roles []RoleAssignment
	err := s.cache.Fetch(ctx, UserRolesKey(userID), &roles, func(ctx context.Context) (any, error) {
		return s.repo.ListRoleAssignments(ctx, userID, nil)
	})
	if err != nil {
		return nil, err
	}
	return roles, nil
}

// Snapshot returns the cached aggregate of overrides and role assignments.
func (s *Service) Snapshot(ctx context.Context, userID int64) (Snapshot, error) {
	overrides, err := s.GetOverrides(ctx, userID)
	if err != nil {
		return Snapshot{}, err
	}
	roles, err := s.GetRoles(ctx, userID, nil)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{UserID: userID, Overrides: overrides, Roles: roles}, nil
}

// HasExpiredRoles reports whether any of the user's assignments has expired,
// whether or not the sweeper has purged it yet.
func (s *Service) HasExpiredRoles(ctx context.Context, userID int64) (bool, error) {
	return s.repo.HasExpiredAssignments(ctx, userID, s.clock())
}

// PurgeExpiredRoles deletes every assignment with expires_at before now and
// returns how many were deleted.
func (s *Service) PurgeExpiredRoles(ctx context.Context, now time.Time) (int, error) {
	userIDs, err := s.repo.DeleteExpiredAssignments(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("permissions: purge expired roles: %w", err)
	}
	seen := make(map[int64]struct{}, len(userIDs))
	for _, id := range userIDs {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		if err := s.invalidateUser(ctx, id); err != nil {
			return len(userIDs), err
		}
	}
	return len(userIDs), nil
}

// UsersWithPermission lists users holding an override on the permission.
func (s *Service) UsersWithPermission(ctx context.Context, permissionID int64) ([]Holder, error) {
	if err := s.ensurePermission(ctx, permissionID); err != nil {
		return nil, err
	}
	return s.repo.UsersWithOverride(ctx, permissionID)
}

// UsersWithRole lists users assigned the role in any scope.
func (s *Service) UsersWithRole(ctx context.Context, roleID int64) ([]Holder, error) {
	if err := s.ensureRole(ctx, roleID); err != nil {
		return nil, err
	}
	return s.repo.UsersWithRole(ctx, roleID)
}

// BulkUpdate applies the action to every (user, permission) pair in order.
// Each pair commits on its own: when a pair fails the batch stops, pairs
// already applied stay committed and a *BulkError describes the failure.
func (s *Service) BulkUpdate(ctx context.Context, req BulkRequest) (BulkResult, error) {
	switch req.Action {
	case BulkGrant, BulkDeny, BulkRemove:
	default:
		return BulkResult{}, validationf("unknown bulk action %q", req.Action)
	}
	if len(req.UserIDs) == 0 || len(req.PermissionIDs) == 0 {
		return BulkResult{}, validationf("bulk update requires users and permissions")
	}
	result := BulkResult{BatchID: s.batchID(), Applied: []BulkPair{}}
	for _, userID := range req.UserIDs {
		for _, permissionID := range req.PermissionIDs {
			pair := BulkPair{UserID: userID, PermissionID: permissionID}
			var err error
			switch req.Action {
			case BulkGrant, BulkDeny:
				err = s.setOverride(ctx, OverrideInput{
					UserID:       userID,
					PermissionID: permissionID,
					Allowed:      req.Action == BulkGrant,
					ActorID:      req.ActorID,
					Reason:       req.Reason,
					BatchID:      result.BatchID,
				})
			case BulkRemove:
				err = s.removeOverride(ctx, userID, permissionID, ChangeMeta{ActorID: req.ActorID, BatchID: result.BatchID})
			}
			if err != nil {
				s.logger.Warn("bulk permission update stopped",
					slog.String("batch_id", result.BatchID),
					slog.Int("applied", len(result.Applied)),
					slog.Any("error", err))
				return result, &BulkError{Pair: pair, Applied: len(result.Applied), Err: err}
			}
			result.Applied = append(result.Applied, pair)
		}
	}
	s.logger.Info("bulk permission update applied",
		slog.String("batch_id", result.BatchID),
		slog.String("action", string(req.Action)),
		slog.Int("pairs", len(result.Applied)))
	return result, nil
}

func (s *Service) ensurePermission(ctx context.Context, id int64) error {
	ok, err := s.repo.PermissionExists(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return &NotFoundError{Entity: "permission", ID: id}
	}
	return nil
}

func (s *Service) ensureRole(ctx context.Context, id int64) error {
	ok, err := s.repo.RoleExists(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return &NotFoundError{Entity: "role", ID: id}
	}
	return nil
}

func (s *Service) invalidateUser(ctx context.Context, userID int64) error {
	if err := s.cache.Invalidate(ctx, UserPermissionsKey(userID), UserRolesKey(userID)); err != nil {
		return fmt.Errorf("permissions: invalidate cache for user %d: %w", userID, err)
	}
	return nil
}

func validateIDs(userID, targetID int64) error {
	if userID <= 0 {
		return validationf("user id must be positive")
	}
	if targetID <= 0 {
		return validationf("target id must be positive")
	}
	return nil
}

func normalizeReason(reason *string) (*string, error) {
	if reason == nil {
		return nil, nil
	}
	trimmed := strings.TrimSpace(*reason)
	if trimmed == "" {
		return nil, nil
	}
	if utf8.RuneCountInString(trimmed) > MaxReasonLength {
		return nil, validationf("reason exceeds %d characters", MaxReasonLength)
	}
	return &trimmed, nil
}

func actorFromContext(ctx context.Context) *int64 {
	id, ok := shared.ActorFromContext(ctx)
	if !ok {
		return nil
	}
	return &id
}
