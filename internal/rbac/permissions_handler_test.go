package rbac

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/collabhub/collabhub/internal/shared"
)

type stubCatalog struct {
	roles []Role
	perms []Permission
	err   error
}

func (s stubCatalog) ListPermissions(context.Context) ([]Permission, error) {
	return s.perms, s.err
}

func (s stubCatalog) ListRoles(context.Context) ([]Role, error) {
	return s.roles, s.err
}

func (s stubCatalog) GetRole(_ context.Context, id int64) (Role, error) {
	if s.err != nil {
		return Role{}, s.err
	}
	for _, role := range s.roles {
		if role.ID == id {
			return role, nil
		}
	}
	return Role{}, ErrNotFound
}

func newCatalogRouter(catalog Catalog, perms map[string]bool) http.Handler {
	r := chi.NewRouter()
	NewPermissionsHandler(nil, catalog, Middleware{Checker: &stubChecker{perms: perms}}).MountRoutes(r)
	return r
}

func getAs(t *testing.T, router http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	req = req.WithContext(shared.ContextWithActor(req.Context(), 1))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func TestCatalogShowsRole(t *testing.T) {
	catalog := stubCatalog{roles: []Role{{ID: 3, Name: "Project Manager"}}}
	router := newCatalogRouter(catalog, map[string]bool{shared.PermRolesView: true})

	rr := getAs(t, router, "/roles/3")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var role Role
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &role))
	assert.Equal(t, "Project Manager", role.Name)

	assert.Equal(t, http.StatusNotFound, getAs(t, router, "/roles/99").Code)
	assert.Equal(t, http.StatusBadRequest, getAs(t, router, "/roles/abc").Code)
}

func TestCatalogListsWithEmptyArrays(t *testing.T) {
	router := newCatalogRouter(stubCatalog{}, map[string]bool{shared.PermUsersManage: true})

	rr := getAs(t, router, "/roles")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"roles":[]}`, rr.Body.String())

	rr = getAs(t, router, "/permissions")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"permissions":[]}`, rr.Body.String())
}

func TestCatalogRequiresPermission(t *testing.T) {
	router := newCatalogRouter(stubCatalog{}, map[string]bool{shared.PermPermissionsView: true})
	assert.Equal(t, http.StatusForbidden, getAs(t, router, "/roles/3").Code)
	assert.Equal(t, http.StatusOK, getAs(t, router, "/permissions").Code)
}

func TestCatalogStoreErrorIsInternal(t *testing.T) {
	router := newCatalogRouter(stubCatalog{err: errors.New("pool closed")}, map[string]bool{shared.PermUsersManage: true})
	assert.Equal(t, http.StatusInternalServerError, getAs(t, router, "/roles/3").Code)
}
