package permissions

import (
	"context"
	"sort"
)

// AuditTrail returns the user's current overrides and role assignments with
// actor names, each sequence ordered by updated_at, newest first. It reflects
// the rows as they are now; superseded values live only in History.
func (s *Service) AuditTrail(ctx context.Context, userID int64) (AuditTrail, error) {
	if userID <= 0 {
		return AuditTrail{}, validationf("user id must be positive")
	}
	trail, err := s.repo.AuditTrail(ctx, userID)
	if err != nil {
		return AuditTrail{}, err
	}
	sort.SliceStable(trail.Overrides, func(i, j int) bool {
		return trail.Overrides[i].At.After(trail.Overrides[j].At)
	})
	sort.SliceStable(trail.Roles, func(i, j int) bool {
		return trail.Roles[i].At.After(trail.Roles[j].At)
	})
	if trail.Overrides == nil {
		trail.Overrides = []OverrideTrailEntry{}
	}
	if trail.Roles == nil {
		trail.Roles = []RoleTrailEntry{}
	}
	return trail, nil
}

// History returns the append-only change log of a user, newest first,
// including removed and superseded entries.
func (s *Service) History(ctx context.Context, userID int64, limit int) ([]ChangeLogEntry, error) {
	if userID <= 0 {
		return nil, validationf("user id must be positive")
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	return s.repo.ChangeLog(ctx, userID, limit)
}
