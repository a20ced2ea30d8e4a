package permissions

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// RolePermissionOracle answers whether a user holds a permission through the
// roles assigned to them.
type RolePermissionOracle interface {
	HasPermission(ctx context.Context, userID int64, permissionName string) (bool, error)
}

// ProjectPermissionOracle also counts role assignments scoped to one project.
// Oracles that do not implement it answer project checks from global roles.
type ProjectPermissionOracle interface {
	HasProjectPermission(ctx context.Context, userID, projectID int64, permissionName string) (bool, error)
}

// OverrideReader is the slice of the store the resolver consults.
type OverrideReader interface {
	PermissionByName(ctx context.Context, name string) (Permission, error)
	FindOverride(ctx context.Context, userID, permissionID int64) (*PermissionOverride, error)
}

// DecisionSource records which tier produced a decision.
type DecisionSource string

const (
	SourceUnknownPermission DecisionSource = "unknown_permission"
	SourceOverride          DecisionSource = "override"
	SourceRole              DecisionSource = "role"
)

// Decision is the effective permission for one (user, permission) pair.
type Decision struct {
	Allowed bool           `json:"allowed"`
	Source  DecisionSource `json:"source"`
}

// DecisionObserver is notified of every resolved decision.
type DecisionObserver interface {
	ObserveDecision(source string, allowed bool)
}

// Resolver computes effective permissions: an override, when present, is final;
// otherwise the role oracle decides.
type Resolver struct {
	repo     OverrideReader
	oracle   RolePermissionOracle
	logger   *slog.Logger
	observer DecisionObserver
}

// NewResolver builds a Resolver.
func NewResolver(repo OverrideReader, oracle RolePermissionOracle, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{repo: repo, oracle: oracle, logger: logger}
}

// WithObserver attaches a decision observer.
func (r *Resolver) WithObserver(observer DecisionObserver) {
	if r != nil {
		r.observer = observer
	}
}

// HasPermission reports whether the user currently holds the named permission.
func (r *Resolver) HasPermission(ctx context.Context, userID int64, name string) (bool, error) {
	decision, err := r.Resolve(ctx, userID, name)
	if err != nil {
		return false, err
	}
	return decision.Allowed, nil
}

// Resolve returns the decision together with the tier that produced it.
func (r *Resolver) Resolve(ctx context.Context, userID int64, name string) (Decision, error) {
	return r.resolve(ctx, userID, nil, name)
}

// ResolveInProject is Resolve with project-scoped role assignments for
// projectID counted in the role tier. Overrides are per user and apply in
// every project.
func (r *Resolver) ResolveInProject(ctx context.Context, userID, projectID int64, name string) (Decision, error) {
	return r.resolve(ctx, userID, &projectID, name)
}

func (r *Resolver) resolve(ctx context.Context, userID int64, projectID *int64, name string) (Decision, error) {
	name = NormalizeName(name)
	if name == "" {
		return r.observe(Decision{Source: SourceUnknownPermission}), nil
	}
	perm, err := r.repo.PermissionByName(ctx, name)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return r.observe(Decision{Source: SourceUnknownPermission}), nil
		}
		return Decision{}, err
	}

	override, err := r.repo.FindOverride(ctx, userID, perm.ID)
	if err != nil {
		return Decision{}, err
	}
	if override != nil {
		return r.observe(Decision{Allowed: override.Allowed, Source: SourceOverride}), nil
	}

	if r.oracle == nil {
		return r.observe(Decision{Source: SourceRole}), nil
	}
	allowed, err := r.rolesGrant(ctx, userID, projectID, perm.Name)
	if err != nil {
		r.logger.Error("role permission check",
			slog.Int64("user_id", userID),
			slog.Any("project_id", projectID),
			slog.String("permission", perm.Name),
			slog.Any("error", err))
		return Decision{}, err
	}
	return r.observe(Decision{Allowed: allowed, Source: SourceRole}), nil
}

func (r *Resolver) rolesGrant(ctx context.Context, userID int64, projectID *int64, name string) (bool, error) {
	if projectID != nil {
		if scoped, ok := r.oracle.(ProjectPermissionOracle); ok {
			return scoped.HasProjectPermission(ctx, userID, *projectID, name)
		}
	}
	return r.oracle.HasPermission(ctx, userID, name)
}

func (r *Resolver) observe(d Decision) Decision {
	if r.observer != nil {
		r.observer.ObserveDecision(string(d.Source), d.Allowed)
	}
	return d
}

// NormalizeName trims and lower-cases a permission name.
func NormalizeName(name string) string {
	return cases.Lower(language.Und).String(strings.TrimSpace(name))
}
