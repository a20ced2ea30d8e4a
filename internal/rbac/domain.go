package rbac

import (
	"context"
	"time"
)

// Role represents a high-level permission grouping.
type Role struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Permission represents an atomic capability.
type Permission struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Checker answers whether a user currently holds a named permission. The
// override engine satisfies it, so route guards honour explicit grants and
// denies.
type Checker interface {
	HasPermission(ctx context.Context, userID int64, permissionName string) (bool, error)
}
