package permissions

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/go-playground/validator/v10"

	"github.com/collabhub/collabhub/internal/platform/httpx"
	"github.com/collabhub/collabhub/internal/rbac"
	"github.com/collabhub/collabhub/internal/shared"
)

// Handler exposes the override engine to administrators as a JSON API.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
	rbac      rbac.Middleware
	rateLimit func(http.Handler) http.Handler
	clock     func() time.Time
}

// NewHandler builds Handler instance. requestsPerMinute limits each actor.
func NewHandler(logger *slog.Logger, service *Service, rbac rbac.Middleware, requestsPerMinute int) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if requestsPerMinute <= 0 {
		requestsPerMinute = 60
	}
	limiter := httprate.Limit(requestsPerMinute, time.Minute, httprate.WithKeyFuncs(func(r *http.Request) (string, error) {
		if id, ok := shared.ActorFromContext(r.Context()); ok {
			return "user:" + strconv.FormatInt(id, 10), nil
		}
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			return "ip:" + r.RemoteAddr, nil
		}
		return "ip:" + host, nil
	}))
	return &Handler{
		logger:    logger,
		service:   service,
		validator: validator.New(),
		rbac:      rbac,
		rateLimit: limiter,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// MountRoutes registers override routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rateLimit)

		r.Route("/users/{userID}", func(r chi.Router) {
			r.Group(func(r chi.Router) {
				r.Use(h.rbac.RequireAny(shared.PermUsersView, shared.PermUsersManage))
				r.Get("/permissions", h.showUserPermissions)
				r.Get("/permissions/check", h.checkPermission)
				r.Get("/permissions/history", h.showHistory)
			})
			r.Group(func(r chi.Router) {
				r.Use(h.rbac.RequireAll(shared.PermUsersManage))
				r.Post("/permissions/{permissionID}/grant", h.grantPermission)
				r.Post("/permissions/{permissionID}/deny", h.denyPermission)
				r.Delete("/permissions/{permissionID}", h.removeOverride)
				r.Post("/roles/{roleID}", h.assignRole)
				r.Delete("/roles/{roleID}", h.removeRole)
			})
		})

		r.Group(func(r chi.Router) {
			r.Use(h.rbac.RequireAny(shared.PermUsersView, shared.PermUsersManage))
			r.Get("/permissions/{permissionID}/users", h.usersWithPermission)
			r.Get("/roles/{roleID}/users", h.usersWithRole)
		})

		r.With(h.rbac.RequireAll(shared.PermUsersManage)).Post("/permissions/bulk", h.bulkUpdate)
	})
}

type reasonRequest struct {
	Reason *string `json:"reason" validate:"omitempty,max=255"`
}

type assignRoleRequest struct {
	ProjectID *int64     `json:"project_id" validate:"omitempty,gt=0"`
	Reason    *string    `json:"reason" validate:"omitempty,max=255"`
	ExpiresAt *time.Time `json:"expires_at"`
}

type bulkUpdateRequest struct {
	UserIDs       []int64 `json:"user_ids" validate:"required,min=1,dive,gt=0"`
	PermissionIDs []int64 `json:"permission_ids" validate:"required,min=1,dive,gt=0"`
	Action        string  `json:"action" validate:"required,oneof=grant deny remove"`
	Reason        *string `json:"reason" validate:"omitempty,max=255"`
}

type messageResponse struct {
	Message  string    `json:"message"`
	Snapshot *Snapshot `json:"user,omitempty"`
}

type userPermissionsResponse struct {
	Permissions []PermissionOverride `json:"permissions"`
	Roles       []RoleAssignment     `json:"roles"`
	AuditTrail  AuditTrail           `json:"audit_trail"`
	ExpiredRole bool                 `json:"has_expired_roles"`
}

type bulkProblem struct {
	httpx.ProblemDetail
	BatchID string     `json:"batch_id"`
	Applied []BulkPair `json:"applied"`
	Failed  BulkPair   `json:"failed"`
}

func (h *Handler) showUserPermissions(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.pathID(w, r, "userID")
	if !ok {
		return
	}
	ctx := r.Context()
	snapshot, err := h.service.Snapshot(ctx, userID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	trail, err := h.service.AuditTrail(ctx, userID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	expired, err := h.service.HasExpiredRoles(ctx, userID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, userPermissionsResponse{
		Permissions: snapshot.Overrides,
		Roles:       snapshot.Roles,
		AuditTrail:  trail,
		ExpiredRole: expired,
	})
}

func (h *Handler) checkPermission(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.pathID(w, r, "userID")
	if !ok {
		return
	}
	name := strings.TrimSpace(r.URL.Query().Get("name"))
	if name == "" {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "name is required")
		return
	}
	projectID, ok := queryProjectID(w, r)
	if !ok {
		return
	}
	var (
		decision Decision
		err      error
	)
	if projectID != nil {
		decision, err = h.service.CheckInProject(r.Context(), userID, *projectID, name)
	} else {
		decision, err = h.service.Check(r.Context(), userID, name)
	}
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, decision)
}

func (h *Handler) showHistory(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.pathID(w, r, "userID")
	if !ok {
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "limit must be a positive integer")
			return
		}
		limit = parsed
	}
	entries, err := h.service.History(r.Context(), userID, limit)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"history": entries})
}

func (h *Handler) grantPermission(w http.ResponseWriter, r *http.Request) {
	h.setOverride(w, r, true)
}

func (h *Handler) denyPermission(w http.ResponseWriter, r *http.Request) {
	h.setOverride(w, r, false)
}

func (h *Handler) setOverride(w http.ResponseWriter, r *http.Request, allowed bool) {
	userID, ok := h.pathID(w, r, "userID")
	if !ok {
		return
	}
	permissionID, ok := h.pathID(w, r, "permissionID")
	if !ok {
		return
	}
	var req reasonRequest
	if !h.decode(w, r, &req) {
		return
	}
	ctx := r.Context()
	actor := actorFromContext(ctx)
	var err error
	verb := "granted to"
	if allowed {
		err = h.service.GrantPermission(ctx, userID, permissionID, actor, req.Reason)
	} else {
		verb = "denied for"
		err = h.service.DenyPermission(ctx, userID, permissionID, actor, req.Reason)
	}
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respondWithSnapshot(w, r, userID, fmt.Sprintf("Permission %d %s user %d", permissionID, verb, userID))
}

func (h *Handler) removeOverride(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.pathID(w, r, "userID")
	if !ok {
		return
	}
	permissionID, ok := h.pathID(w, r, "permissionID")
	if !ok {
		return
	}
	if err := h.service.RemoveOverride(r.Context(), userID, permissionID); err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, messageResponse{Message: fmt.Sprintf("Permission override removed for user %d", userID)})
}

func (h *Handler) assignRole(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.pathID(w, r, "userID")
	if !ok {
		return
	}
	roleID, ok := h.pathID(w, r, "roleID")
	if !ok {
		return
	}
	var req assignRoleRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.ExpiresAt != nil && !req.ExpiresAt.After(h.clock()) {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "expires_at must be in the future")
		return
	}
	err := h.service.AssignRole(r.Context(), AssignRoleInput{
		UserID:    userID,
		RoleID:    roleID,
		ActorID:   actorFromContext(r.Context()),
		ProjectID: req.ProjectID,
		Reason:    req.Reason,
		ExpiresAt: req.ExpiresAt,
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respondWithSnapshot(w, r, userID, fmt.Sprintf("Role %d assigned to user %d", roleID, userID))
}

func (h *Handler) removeRole(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.pathID(w, r, "userID")
	if !ok {
		return
	}
	roleID, ok := h.pathID(w, r, "roleID")
	if !ok {
		return
	}
	projectID, ok := queryProjectID(w, r)
	if !ok {
		return
	}
	if err := h.service.RemoveRole(r.Context(), userID, roleID, projectID); err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, messageResponse{Message: fmt.Sprintf("Role %d removed from user %d", roleID, userID)})
}

func (h *Handler) usersWithPermission(w http.ResponseWriter, r *http.Request) {
	permissionID, ok := h.pathID(w, r, "permissionID")
	if !ok {
		return
	}
	holders, err := h.service.UsersWithPermission(r.Context(), permissionID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"permission_id": permissionID, "users": holders})
}

func (h *Handler) usersWithRole(w http.ResponseWriter, r *http.Request) {
	roleID, ok := h.pathID(w, r, "roleID")
	if !ok {
		return
	}
	holders, err := h.service.UsersWithRole(r.Context(), roleID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"role_id": roleID, "users": holders})
}

func (h *Handler) bulkUpdate(w http.ResponseWriter, r *http.Request) {
	var req bulkUpdateRequest
	if !h.decode(w, r, &req) {
		return
	}
	result, err := h.service.BulkUpdate(r.Context(), BulkRequest{
		UserIDs:       req.UserIDs,
		PermissionIDs: req.PermissionIDs,
		Action:        BulkAction(req.Action),
		ActorID:       actorFromContext(r.Context()),
		Reason:        req.Reason,
	})
	var bulkErr *BulkError
	if errors.As(err, &bulkErr) {
		status, title := problemFor(bulkErr.Err)
		if status == http.StatusInternalServerError {
			h.logger.Error("bulk permission update", slog.String("batch_id", result.BatchID), slog.Any("error", err))
		}
		httpx.JSON(w, status, bulkProblem{
			ProblemDetail: httpx.ProblemDetail{Title: title, Status: status, Detail: bulkErr.Error()},
			BatchID:       result.BatchID,
			Applied:       result.Applied,
			Failed:        bulkErr.Pair,
		})
		return
	}
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"message":  fmt.Sprintf("Permissions updated for %d users", len(req.UserIDs)),
		"batch_id": result.BatchID,
		"applied":  result.Applied,
	})
}

func (h *Handler) respondWithSnapshot(w http.ResponseWriter, r *http.Request, userID int64, message string) {
	snapshot, err := h.service.Snapshot(r.Context(), userID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, messageResponse{Message: message, Snapshot: &snapshot})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dest any) bool {
	if err := httpx.DecodeJSON(r, dest); err != nil && !errors.Is(err, io.EOF) {
		httpx.Problem(w, http.StatusBadRequest, "Malformed Request", "request body must be valid JSON")
		return false
	}
	if err := h.validator.Struct(dest); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			details := make([]string, 0, len(fieldErrs))
			for _, fieldErr := range fieldErrs {
				details = append(details, fieldErr.Field()+": "+fieldErr.Tag())
			}
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", strings.Join(details, "; "))
			return false
		}
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return false
	}
	return true
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", name+" must be a positive integer")
		return 0, false
	}
	return id, true
}

func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	status, title := problemFor(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("permissions request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
		httpx.Problem(w, status, title, "")
		return
	}
	httpx.Problem(w, status, title, err.Error())
}

func problemFor(err error) (int, string) {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound, "Not Found"
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest, "Validation Failed"
	case errors.Is(err, ErrConflict):
		return http.StatusConflict, "Conflict"
	default:
		return http.StatusInternalServerError, "Internal Error"
	}
}

// queryProjectID reads the optional project_id query parameter.
func queryProjectID(w http.ResponseWriter, r *http.Request) (*int64, bool) {
	raw := r.URL.Query().Get("project_id")
	if raw == "" {
		return nil, true
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "project_id must be a positive integer")
		return nil, false
	}
	return &id, true
}
