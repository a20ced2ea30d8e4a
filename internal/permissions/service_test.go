package permissions

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/collabhub/collabhub/internal/shared"
)

var serviceNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestService(t *testing.T) (*Service, *memoryRepo, *stubOracle, *recordingCache) {
	t.Helper()
	repo := newMemoryRepo()
	oracle := newStubOracle()
	cache := &recordingCache{}
	svc := NewService(repo, oracle, cache, nil)
	svc.WithClock(func() time.Time { return serviceNow })
	svc.batchID = func() string { return "batch-1" }
	return svc, repo, oracle, cache
}

func TestOverrideTakesPrecedenceOverRoles(t *testing.T) {
	ctx := context.Background()
	svc, _, oracle, _ := newTestService(t)
	oracle.allow(7, "edit task")

	allowed, err := svc.HasPermission(ctx, 7, "edit task")
	require.NoError(t, err)
	assert.True(t, allowed, "role grants edit task")

	require.NoError(t, svc.DenyPermission(ctx, 7, 20, ptr(int64(1)), ptr("suspended from tasks")))
	allowed, err = svc.HasPermission(ctx, 7, "edit task")
	require.NoError(t, err)
	assert.False(t, allowed, "deny override beats role grant")

	require.NoError(t, svc.GrantPermission(ctx, 7, 20, ptr(int64(1)), nil))
	allowed, err = svc.HasPermission(ctx, 7, "Edit Task ")
	require.NoError(t, err)
	assert.True(t, allowed, "grant override wins and lookup ignores case")

	require.NoError(t, svc.RemoveOverride(ctx, 7, 20))
	decision, err := svc.Check(ctx, 7, "edit task")
	require.NoError(t, err)
	assert.Equal(t, Decision{Allowed: true, Source: SourceRole}, decision)
}

func TestGrantOverrideWithoutRole(t *testing.T) {
	ctx := context.Background()
	svc, _, _, _ := newTestService(t)

	allowed, err := svc.HasPermission(ctx, 8, "create time log")
	require.NoError(t, err)
	assert.False(t, allowed)

	require.NoError(t, svc.GrantPermission(ctx, 8, 30, nil, nil))
	decision, err := svc.Check(ctx, 8, "create time log")
	require.NoError(t, err)
	assert.Equal(t, Decision{Allowed: true, Source: SourceOverride}, decision)
}

func TestUnknownPermissionIsDenied(t *testing.T) {
	ctx := context.Background()
	svc, _, oracle, _ := newTestService(t)
	oracle.allow(7, "launch rockets")

	decision, err := svc.Check(ctx, 7, "launch rockets")
	require.NoError(t, err)
	assert.Equal(t, Decision{Allowed: false, Source: SourceUnknownPermission}, decision)
	assert.Zero(t, oracle.calls, "oracle is not consulted for unknown permissions")

	allowed, err := svc.HasPermission(ctx, 7, "   ")
	require.NoError(t, err)
	assert.False(t, allowed)
}

func TestUpsertOverrideIsIdempotent(t *testing.T) {
	ctx := context.Background()
	svc, repo, _, _ := newTestService(t)

	require.NoError(t, svc.GrantPermission(ctx, 7, 10, ptr(int64(1)), ptr("first")))
	first, err := svc.GetOverrides(ctx, 7)
	require.NoError(t, err)
	require.Len(t, first, 1)

	require.NoError(t, svc.DenyPermission(ctx, 7, 10, ptr(int64(1)), ptr("second")))
	second, err := svc.GetOverrides(ctx, 7)
	require.NoError(t, err)
	require.Len(t, second, 1)

	assert.Equal(t, 1, repo.overrideCount())
	assert.False(t, second[0].Allowed)
	assert.Equal(t, "second", *second[0].Reason)
	assert.True(t, first[0].CreatedAt.Equal(second[0].CreatedAt), "created_at survives the upsert")
	assert.True(t, second[0].UpdatedAt.After(first[0].UpdatedAt))
}

func TestGrantUnknownPermissionReturnsNotFound(t *testing.T) {
	ctx := context.Background()
	svc, repo, _, _ := newTestService(t)

	err := svc.GrantPermission(ctx, 7, 999, nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
	var notFound *NotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "permission", notFound.Entity)
	assert.Equal(t, int64(999), notFound.ID)
	assert.Zero(t, repo.overrideCount())

	err = svc.AssignRole(ctx, AssignRoleInput{UserID: 7, RoleID: 42})
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "role", notFound.Entity)
}

func TestRemoveAbsentOverrideIsNoop(t *testing.T) {
	ctx := context.Background()
	svc, repo, _, _ := newTestService(t)

	require.NoError(t, svc.RemoveOverride(ctx, 7, 10))
	require.NoError(t, svc.RemoveRole(ctx, 7, 3, nil))
	assert.Empty(t, repo.log)
}

func TestRemoveOverrideRecordsActorFromContext(t *testing.T) {
	svc, repo, _, _ := newTestService(t)
	ctx := shared.ContextWithActor(context.Background(), 1)

	require.NoError(t, svc.GrantPermission(ctx, 7, 10, ptr(int64(1)), nil))
	require.NoError(t, svc.RemoveOverride(ctx, 7, 10))

	require.Len(t, repo.log, 2)
	last := repo.log[1]
	assert.Equal(t, ChangeRemoveOverride, last.Action)
	require.NotNil(t, last.ActorID)
	assert.Equal(t, int64(1), *last.ActorID)
}

func TestRoleAssignmentScoping(t *testing.T) {
	ctx := context.Background()
	svc, _, _, _ := newTestService(t)
	project := ptr(int64(5))

	require.NoError(t, svc.AssignRole(ctx, AssignRoleInput{UserID: 7, RoleID: 3}))
	require.NoError(t, svc.AssignRole(ctx, AssignRoleInput{UserID: 7, RoleID: 3, ProjectID: project}))
	require.NoError(t, svc.AssignRole(ctx, AssignRoleInput{UserID: 7, RoleID: 3, ProjectID: project, Reason: ptr("again")}))

	all, err := svc.GetRoles(ctx, 7, nil)
	require.NoError(t, err)
	assert.Len(t, all, 2, "global and project assignments coexist, repeats upsert")

	scoped, err := svc.GetRoles(ctx, 7, project)
	require.NoError(t, err)
	require.Len(t, scoped, 1)
	require.NotNil(t, scoped[0].ProjectID)
	assert.Equal(t, int64(5), *scoped[0].ProjectID)
	assert.Equal(t, "again", *scoped[0].Reason)

	require.NoError(t, svc.RemoveRole(ctx, 7, 3, nil))
	remaining, err := svc.GetRoles(ctx, 7, nil)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.NotNil(t, remaining[0].ProjectID, "removing the global assignment keeps the project one")
}

func TestAssignRoleRejectsInvalidProject(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	err := svc.AssignRole(context.Background(), AssignRoleInput{UserID: 7, RoleID: 3, ProjectID: ptr(int64(0))})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestPastExpiryIsExpiredImmediately(t *testing.T) {
	ctx := context.Background()
	svc, _, _, _ := newTestService(t)

	expired, err := svc.HasExpiredRoles(ctx, 7)
	require.NoError(t, err)
	assert.False(t, expired)

	require.NoError(t, svc.AssignRole(ctx, AssignRoleInput{UserID: 7, RoleID: 4, ExpiresAt: ptr(serviceNow.Add(time.Hour))}))
	expired, err = svc.HasExpiredRoles(ctx, 7)
	require.NoError(t, err)
	assert.False(t, expired)

	require.NoError(t, svc.AssignRole(ctx, AssignRoleInput{UserID: 7, RoleID: 3, ExpiresAt: ptr(serviceNow.Add(-time.Minute))}))
	expired, err = svc.HasExpiredRoles(ctx, 7)
	require.NoError(t, err)
	assert.True(t, expired)
}

func TestPurgeExpiredRoles(t *testing.T) {
	ctx := context.Background()
	svc, repo, _, cache := newTestService(t)

	require.NoError(t, svc.AssignRole(ctx, AssignRoleInput{UserID: 7, RoleID: 3, ExpiresAt: ptr(serviceNow.Add(-time.Hour))}))
	require.NoError(t, svc.AssignRole(ctx, AssignRoleInput{UserID: 7, RoleID: 4, ExpiresAt: ptr(serviceNow.Add(time.Hour))}))
	require.NoError(t, svc.AssignRole(ctx, AssignRoleInput{UserID: 8, RoleID: 3}))
	require.NoError(t, svc.AssignRole(ctx, AssignRoleInput{UserID: 8, RoleID: 4, ExpiresAt: ptr(serviceNow)}))
	before := len(cache.keys())

	purged, err := svc.PurgeExpiredRoles(ctx, serviceNow)
	require.NoError(t, err)
	assert.Equal(t, 1, purged)
	assert.Equal(t, 3, repo.assignmentCount(), "future, exact-now and non-expiring rows stay")
	assert.Equal(t, []CacheKey{UserPermissionsKey(7), UserRolesKey(7)}, cache.keys()[before:])

	expired, err := svc.HasExpiredRoles(ctx, 7)
	require.NoError(t, err)
	assert.False(t, expired)

	purged, err = svc.PurgeExpiredRoles(ctx, serviceNow)
	require.NoError(t, err)
	assert.Zero(t, purged)

	history, err := svc.History(ctx, 7, 1)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, ChangeExpireRole, history[0].Action)
}

func TestBulkUpdateStopsAtFirstFailure(t *testing.T) {
	ctx := context.Background()
	svc, repo, _, _ := newTestService(t)
	injected := errors.New("connection reset")
	repo.failUpsert = func(in OverrideInput) error {
		if in.UserID == 8 && in.PermissionID == 20 {
			return injected
		}
		return nil
	}

	result, err := svc.BulkUpdate(ctx, BulkRequest{
		UserIDs:       []int64{7, 8},
		PermissionIDs: []int64{10, 20},
		Action:        BulkGrant,
		ActorID:       ptr(int64(1)),
		Reason:        ptr("quarterly access review"),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, injected)

	var bulkErr *BulkError
	require.ErrorAs(t, err, &bulkErr)
	assert.Equal(t, BulkPair{UserID: 8, PermissionID: 20}, bulkErr.Pair)
	assert.Equal(t, 3, bulkErr.Applied)
	assert.Equal(t, "batch-1", result.BatchID)
	assert.Equal(t, []BulkPair{{7, 10}, {7, 20}, {8, 10}}, result.Applied)
	assert.Equal(t, 3, repo.overrideCount(), "pairs before the failure stay committed")

	for _, entry := range repo.log {
		require.NotNil(t, entry.BatchID)
		assert.Equal(t, "batch-1", *entry.BatchID)
	}
}

func TestBulkRemove(t *testing.T) {
	ctx := context.Background()
	svc, repo, _, _ := newTestService(t)
	require.NoError(t, svc.GrantPermission(ctx, 7, 10, nil, nil))
	require.NoError(t, svc.DenyPermission(ctx, 8, 10, nil, nil))

	result, err := svc.BulkUpdate(ctx, BulkRequest{UserIDs: []int64{7, 8}, PermissionIDs: []int64{10}, Action: BulkRemove})
	require.NoError(t, err)
	assert.Len(t, result.Applied, 2)
	assert.Zero(t, repo.overrideCount())
}

func TestBulkUpdateValidation(t *testing.T) {
	ctx := context.Background()
	svc, _, _, _ := newTestService(t)

	_, err := svc.BulkUpdate(ctx, BulkRequest{UserIDs: []int64{7}, PermissionIDs: []int64{10}, Action: "revoke"})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = svc.BulkUpdate(ctx, BulkRequest{PermissionIDs: []int64{10}, Action: BulkGrant})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestOverrideValidation(t *testing.T) {
	ctx := context.Background()
	svc, repo, _, _ := newTestService(t)

	assert.ErrorIs(t, svc.GrantPermission(ctx, 0, 10, nil, nil), ErrValidation)
	assert.ErrorIs(t, svc.GrantPermission(ctx, 7, -1, nil, nil), ErrValidation)
	assert.ErrorIs(t, svc.GrantPermission(ctx, 7, 10, nil, ptr(strings.Repeat("x", MaxReasonLength+1))), ErrValidation)

	require.NoError(t, svc.GrantPermission(ctx, 7, 10, nil, ptr(strings.Repeat("é", MaxReasonLength))))
	require.NoError(t, svc.GrantPermission(ctx, 7, 20, nil, ptr("   ")))
	override, err := repo.FindOverride(ctx, 7, 20)
	require.NoError(t, err)
	require.NotNil(t, override)
	assert.Nil(t, override.Reason, "blank reasons are stored as null")
}

func TestMutationsInvalidateUserViews(t *testing.T) {
	ctx := context.Background()
	svc, _, _, cache := newTestService(t)
	want := []CacheKey{UserPermissionsKey(7), UserRolesKey(7)}

	require.NoError(t, svc.GrantPermission(ctx, 7, 10, nil, nil))
	assert.Equal(t, want, cache.keys())

	require.NoError(t, svc.RemoveOverride(ctx, 7, 10))
	require.NoError(t, svc.AssignRole(ctx, AssignRoleInput{UserID: 7, RoleID: 3}))
	require.NoError(t, svc.RemoveRole(ctx, 7, 3, nil))
	assert.Len(t, cache.keys(), 8)
}

func TestHoldersQueries(t *testing.T) {
	ctx := context.Background()
	svc, _, _, _ := newTestService(t)
	require.NoError(t, svc.GrantPermission(ctx, 7, 10, nil, nil))
	require.NoError(t, svc.DenyPermission(ctx, 8, 10, nil, nil))
	require.NoError(t, svc.AssignRole(ctx, AssignRoleInput{UserID: 8, RoleID: 4}))
	require.NoError(t, svc.AssignRole(ctx, AssignRoleInput{UserID: 8, RoleID: 4, ProjectID: ptr(int64(5))}))

	holders, err := svc.UsersWithPermission(ctx, 10)
	require.NoError(t, err)
	require.Len(t, holders, 2)
	assert.Equal(t, "Grace Hopper", holders[0].Name)
	assert.True(t, *holders[0].Allowed)
	assert.False(t, *holders[1].Allowed)

	members, err := svc.UsersWithRole(ctx, 4)
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, int64(8), members[0].UserID)

	_, err = svc.UsersWithRole(ctx, 99)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCheckInProjectRejectsInvalidProject(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	_, err := svc.CheckInProject(context.Background(), 7, 0, "edit task")
	require.ErrorIs(t, err, ErrValidation)
}

func TestConcurrentOverrideWritesKeepOneRow(t *testing.T) {
	svc, repo, _, _ := newTestService(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var err error
			if i%2 == 0 {
				err = svc.GrantPermission(ctx, 7, 10, ptr(adminID), nil)
			} else {
				err = svc.DenyPermission(ctx, 7, 10, ptr(adminID), nil)
			}
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, repo.overrideCount())
	override, err := repo.FindOverride(ctx, 7, 10)
	require.NoError(t, err)
	require.NotNil(t, override)

	history, err := svc.History(ctx, 7, 100)
	require.NoError(t, err)
	require.Len(t, history, 16)
	want := ChangeDeny
	if override.Allowed {
		want = ChangeGrant
	}
	assert.Equal(t, want, history[0].Action, "stored state matches the last write")
}
