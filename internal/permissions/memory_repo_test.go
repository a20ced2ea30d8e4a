package permissions

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

type overrideKey struct {
	userID       int64
	permissionID int64
}

type assignmentKey struct {
	userID    int64
	roleID    int64
	projectID int64
}

func keyFor(userID, roleID int64, projectID *int64) assignmentKey {
	key := assignmentKey{userID: userID, roleID: roleID}
	if projectID != nil {
		key.projectID = *projectID
	}
	return key
}

type memoryUser struct {
	name  string
	email string
}

// memoryRepo mirrors the Postgres repository semantics in memory.
type memoryRepo struct {
	mu sync.Mutex

	clock       time.Time
	permissions map[int64]Permission
	roles       map[int64]string
	users       map[int64]memoryUser
	overrides   map[overrideKey]PermissionOverride
	assignments map[assignmentKey]RoleAssignment
	log         []ChangeLogEntry

	failUpsert func(in OverrideInput) error
	failList   error
	listCalls  int
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		clock: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC),
		permissions: map[int64]Permission{
			1:  {ID: 1, Name: "users.view"},
			2:  {ID: 2, Name: "users.manage"},
			10: {ID: 10, Name: "edit project note"},
			20: {ID: 20, Name: "edit task"},
			30: {ID: 30, Name: "create time log"},
		},
		roles: map[int64]string{
			3: "Project Manager",
			4: "Developer",
		},
		users: map[int64]memoryUser{
			1: {name: "Ada Admin", email: "ada@example.com"},
			7: {name: "Grace Hopper", email: "grace@example.com"},
			8: {name: "Linus Dev", email: "linus@example.com"},
		},
		overrides:   map[overrideKey]PermissionOverride{},
		assignments: map[assignmentKey]RoleAssignment{},
	}
}

// tick advances the repository clock so each write gets a distinct timestamp.
func (m *memoryRepo) tick() time.Time {
	m.clock = m.clock.Add(time.Second)
	return m.clock
}

func (m *memoryRepo) appendLog(entry ChangeLogEntry) {
	entry.ID = int64(len(m.log) + 1)
	entry.At = m.clock
	m.log = append(m.log, entry)
}

func batchPtr(id string) *string {
	if id == "" {
		return nil
	}
	return &id
}

func (m *memoryRepo) PermissionByName(_ context.Context, name string) (Permission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.permissions {
		if strings.EqualFold(p.Name, name) {
			return p, nil
		}
	}
	return Permission{}, ErrNotFound
}

func (m *memoryRepo) PermissionExists(_ context.Context, id int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.permissions[id]
	return ok, nil
}

func (m *memoryRepo) RoleExists(_ context.Context, id int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.roles[id]
	return ok, nil
}

func (m *memoryRepo) UpsertOverride(_ context.Context, in OverrideInput) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failUpsert != nil {
		if err := m.failUpsert(in); err != nil {
			return err
		}
	}
	now := m.tick()
	key := overrideKey{userID: in.UserID, permissionID: in.PermissionID}
	row, exists := m.overrides[key]
	if !exists {
		row = PermissionOverride{UserID: in.UserID, PermissionID: in.PermissionID, CreatedAt: now}
	}
	row.PermissionName = m.permissions[in.PermissionID].Name
	row.Allowed = in.Allowed
	row.GrantedBy = in.ActorID
	row.Reason = in.Reason
	row.UpdatedAt = now
	m.overrides[key] = row

	action := ChangeDeny
	if in.Allowed {
		action = ChangeGrant
	}
	permissionID := in.PermissionID
	m.appendLog(ChangeLogEntry{UserID: in.UserID, Action: action, PermissionID: &permissionID, ActorID: in.ActorID, Reason: in.Reason, BatchID: batchPtr(in.BatchID)})
	return nil
}

func (m *memoryRepo) DeleteOverride(_ context.Context, userID, permissionID int64, meta ChangeMeta) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := overrideKey{userID: userID, permissionID: permissionID}
	if _, ok := m.overrides[key]; !ok {
		return false, nil
	}
	delete(m.overrides, key)
	m.tick()
	m.appendLog(ChangeLogEntry{UserID: userID, Action: ChangeRemoveOverride, PermissionID: &permissionID, ActorID: meta.ActorID, BatchID: batchPtr(meta.BatchID)})
	return true, nil
}

func (m *memoryRepo) FindOverride(_ context.Context, userID, permissionID int64) (*PermissionOverride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.overrides[overrideKey{userID: userID, permissionID: permissionID}]
	if !ok {
		return nil, nil
	}
	return &row, nil
}

func (m *memoryRepo) ListOverrides(_ context.Context, userID int64) ([]PermissionOverride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listCalls++
	if m.failList != nil {
		return nil, m.failList
	}
	out := []PermissionOverride{}
	for _, row := range m.overrides {
		if row.UserID == userID {
			out = append(out, row)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (m *memoryRepo) UpsertRoleAssignment(_ context.Context, in AssignRoleInput) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.tick()
	key := keyFor(in.UserID, in.RoleID, in.ProjectID)
	row, exists := m.assignments[key]
	if !exists {
		row = RoleAssignment{UserID: in.UserID, RoleID: in.RoleID, ProjectID: in.ProjectID, CreatedAt: now}
	}
	row.RoleName = m.roles[in.RoleID]
	row.GrantedBy = in.ActorID
	row.Reason = in.Reason
	row.ExpiresAt = in.ExpiresAt
	row.UpdatedAt = now
	m.assignments[key] = row

	roleID := in.RoleID
	m.appendLog(ChangeLogEntry{UserID: in.UserID, Action: ChangeAssignRole, RoleID: &roleID, ProjectID: in.ProjectID, ActorID: in.ActorID, Reason: in.Reason})
	return nil
}

func (m *memoryRepo) DeleteRoleAssignment(_ context.Context, userID, roleID int64, projectID *int64, meta ChangeMeta) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := keyFor(userID, roleID, projectID)
	if _, ok := m.assignments[key]; !ok {
		return false, nil
	}
	delete(m.assignments, key)
	m.tick()
	m.appendLog(ChangeLogEntry{UserID: userID, Action: ChangeRemoveRole, RoleID: &roleID, ProjectID: projectID, ActorID: meta.ActorID})
	return true, nil
}

func (m *memoryRepo) ListRoleAssignments(_ context.Context, userID int64, projectID *int64) ([]RoleAssignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []RoleAssignment{}
	for _, row := range m.assignments {
		if row.UserID != userID {
			continue
		}
		if projectID != nil && (row.ProjectID == nil || *row.ProjectID != *projectID) {
			continue
		}
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (m *memoryRepo) HasExpiredAssignments(_ context.Context, userID int64, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range m.assignments {
		if row.UserID == userID && row.Expired(now) {
			return true, nil
		}
	}
	return false, nil
}

func (m *memoryRepo) DeleteExpiredAssignments(_ context.Context, now time.Time) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var userIDs []int64
	for key, row := range m.assignments {
		if !row.Expired(now) {
			continue
		}
		delete(m.assignments, key)
		roleID := row.RoleID
		m.appendLog(ChangeLogEntry{UserID: row.UserID, Action: ChangeExpireRole, RoleID: &roleID, ProjectID: row.ProjectID})
		userIDs = append(userIDs, row.UserID)
	}
	return userIDs, nil
}

func (m *memoryRepo) actorName(id *int64) *string {
	if id == nil {
		return nil
	}
	user, ok := m.users[*id]
	if !ok {
		return nil
	}
	name := user.name
	return &name
}

func (m *memoryRepo) AuditTrail(_ context.Context, userID int64) (AuditTrail, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var trail AuditTrail
	for _, row := range m.overrides {
		if row.UserID != userID {
			continue
		}
		trail.Overrides = append(trail.Overrides, OverrideTrailEntry{
			PermissionID:   row.PermissionID,
			PermissionName: row.PermissionName,
			Allowed:        row.Allowed,
			ActorName:      m.actorName(row.GrantedBy),
			Reason:         row.Reason,
			At:             row.UpdatedAt,
		})
	}
	for _, row := range m.assignments {
		if row.UserID != userID {
			continue
		}
		trail.Roles = append(trail.Roles, RoleTrailEntry{
			RoleID:    row.RoleID,
			RoleName:  row.RoleName,
			ProjectID: row.ProjectID,
			ExpiresAt: row.ExpiresAt,
			ActorName: m.actorName(row.GrantedBy),
			Reason:    row.Reason,
			At:        row.UpdatedAt,
		})
	}
	return trail, nil
}

func (m *memoryRepo) ChangeLog(_ context.Context, userID int64, limit int) ([]ChangeLogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []ChangeLogEntry{}
	for i := len(m.log) - 1; i >= 0 && len(out) < limit; i-- {
		if m.log[i].UserID == userID {
			out = append(out, m.log[i])
		}
	}
	return out, nil
}

func (m *memoryRepo) UsersWithOverride(_ context.Context, permissionID int64) ([]Holder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []Holder{}
	for _, row := range m.overrides {
		if row.PermissionID != permissionID {
			continue
		}
		allowed := row.Allowed
		user := m.users[row.UserID]
		out = append(out, Holder{UserID: row.UserID, Name: user.name, Email: user.email, Allowed: &allowed})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (m *memoryRepo) UsersWithRole(_ context.Context, roleID int64) ([]Holder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := map[int64]struct{}{}
	out := []Holder{}
	for _, row := range m.assignments {
		if row.RoleID != roleID {
			continue
		}
		if _, ok := seen[row.UserID]; ok {
			continue
		}
		seen[row.UserID] = struct{}{}
		user := m.users[row.UserID]
		out = append(out, Holder{UserID: row.UserID, Name: user.name, Email: user.email})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (m *memoryRepo) overrideCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.overrides)
}

func (m *memoryRepo) assignmentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.assignments)
}

// stubOracle answers role checks from a fixed table.
type stubOracle struct {
	mu      sync.Mutex
	granted map[int64]map[string]bool
	scoped  map[int64]map[int64]map[string]bool
	err     error
	calls   int
}

func newStubOracle() *stubOracle {
	return &stubOracle{granted: map[int64]map[string]bool{}, scoped: map[int64]map[int64]map[string]bool{}}
}

// allowInProject grants names through a role assigned to one project only.
func (o *stubOracle) allowInProject(userID, projectID int64, names ...string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.scoped[userID] == nil {
		o.scoped[userID] = map[int64]map[string]bool{}
	}
	if o.scoped[userID][projectID] == nil {
		o.scoped[userID][projectID] = map[string]bool{}
	}
	for _, name := range names {
		o.scoped[userID][projectID][name] = true
	}
}

func (o *stubOracle) allow(userID int64, names ...string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.granted[userID] == nil {
		o.granted[userID] = map[string]bool{}
	}
	for _, name := range names {
		o.granted[userID][name] = true
	}
}

func (o *stubOracle) HasPermission(_ context.Context, userID int64, permissionName string) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls++
	if o.err != nil {
		return false, o.err
	}
	return o.granted[userID][permissionName], nil
}

func (o *stubOracle) HasProjectPermission(_ context.Context, userID, projectID int64, permissionName string) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls++
	if o.err != nil {
		return false, o.err
	}
	return o.granted[userID][permissionName] || o.scoped[userID][projectID][permissionName], nil
}

// recordingCache passes through to the loader and remembers invalidations.
type recordingCache struct {
	NopCache
	mu          sync.Mutex
	invalidated []CacheKey
}

func (c *recordingCache) Invalidate(_ context.Context, keys ...CacheKey) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidated = append(c.invalidated, keys...)
	return nil
}

func (c *recordingCache) keys() []CacheKey {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]CacheKey(nil), c.invalidated...)
}

func ptr[T any](v T) *T {
	return &v
}
