package access

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// memStore is an in-memory AdminStore for tests.
type memStore struct {
	mu           sync.Mutex
	principals   map[int64]Principal
	roles        map[string]Role
	roleGrants   map[string]map[string]CRUD
	groupGrants  map[string]map[string]Effect
	memberships  map[int64]map[string]struct{}
	overrides    map[int64]map[string]Override
	capabilities map[string]Capability
	features     map[string]Feature
	modules      map[string]Module

	principalCalls int
	failPrincipal  error
	failGrants     error
	failFeature    error
}

var _ AdminStore = (*memStore)(nil)

func newMemStore() *memStore {
	return &memStore{
		principals:   map[int64]Principal{},
		roles:        map[string]Role{},
		roleGrants:   map[string]map[string]CRUD{},
		groupGrants:  map[string]map[string]Effect{},
		memberships:  map[int64]map[string]struct{}{},
		overrides:    map[int64]map[string]Override{},
		capabilities: map[string]Capability{},
		features:     map[string]Feature{},
		modules:      map[string]Module{},
	}
}

func (m *memStore) withCapabilities(codes ...string) *memStore {
	for _, code := range codes {
		m.capabilities[code] = Capability{Code: code, Module: "core"}
	}
	return m
}

func (m *memStore) withPrincipal(id int64, completion int, roles ...string) *memStore {
	m.principals[id] = Principal{ID: id, Active: true, ProfileCompletion: completion, Roles: roles}
	for _, r := range roles {
		if _, ok := m.roles[r]; !ok {
			m.roles[r] = Role{Code: r, Name: r}
		}
	}
	return m
}

func (m *memStore) withRoleGrant(role, capability string, crud CRUD) *memStore {
	if _, ok := m.roles[role]; !ok {
		m.roles[role] = Role{Code: role, Name: role}
	}
	if m.roleGrants[role] == nil {
		m.roleGrants[role] = map[string]CRUD{}
	}
	m.roleGrants[role][capability] = crud
	return m
}

func (m *memStore) withGroup(principalID int64, group string) *memStore {
	if m.memberships[principalID] == nil {
		m.memberships[principalID] = map[string]struct{}{}
	}
	m.memberships[principalID][group] = struct{}{}
	return m
}

func (m *memStore) withGroupGrant(group, capability string, effect Effect) *memStore {
	if m.groupGrants[group] == nil {
		m.groupGrants[group] = map[string]Effect{}
	}
	m.groupGrants[group][capability] = effect
	return m
}

func (m *memStore) withOverride(principalID int64, capability string, effect Effect) *memStore {
	if m.overrides[principalID] == nil {
		m.overrides[principalID] = map[string]Override{}
	}
	m.overrides[principalID][capability] = Override{PrincipalID: principalID, CapabilityCode: capability, Effect: effect}
	return m
}

// updatePrincipal edits a principal record in place, the way the upstream
// profile service would, without going through Admin.
func (m *memStore) updatePrincipal(id int64, edit func(*Principal)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.principals[id]
	edit(&p)
	m.principals[id] = p
}

func (m *memStore) Principal(_ context.Context, id int64) (Principal, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.principalCalls++
	if m.failPrincipal != nil {
		return Principal{}, false, m.failPrincipal
	}
	p, ok := m.principals[id]
	if !ok {
		return Principal{}, false, nil
	}
	roles := make([]string, 0, len(p.Roles))
	for _, r := range p.Roles {
		if _, exists := m.roles[r]; exists {
			roles = append(roles, r)
		}
	}
	p.Roles = roles
	return p, true, nil
}

func (m *memStore) RoleGrants(_ context.Context, principalID int64) ([]RoleGrant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failGrants != nil {
		return nil, m.failGrants
	}
	var out []RoleGrant
	for _, role := range m.principals[principalID].Roles {
		if _, ok := m.roles[role]; !ok {
			continue
		}
		for capability, crud := range m.roleGrants[role] {
			out = append(out, RoleGrant{RoleCode: role, CapabilityCode: capability, CRUD: crud})
		}
	}
	return out, nil
}

func (m *memStore) GroupGrants(_ context.Context, principalID int64) ([]GroupGrant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []GroupGrant
	for group := range m.memberships[principalID] {
		for capability, effect := range m.groupGrants[group] {
			out = append(out, GroupGrant{GroupCode: group, CapabilityCode: capability, Effect: effect})
		}
	}
	return out, nil
}

func (m *memStore) Overrides(_ context.Context, principalID int64) ([]Override, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Override
	for _, o := range m.overrides[principalID] {
		out = append(out, o)
	}
	return out, nil
}

func (m *memStore) Capabilities(_ context.Context, codes []string) (map[string]Capability, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[string]Capability{}
	for _, code := range codes {
		if c, ok := m.capabilities[code]; ok {
			out[code] = c
		}
	}
	return out, nil
}

func (m *memStore) Feature(_ context.Context, code string) (Feature, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failFeature != nil {
		return Feature{}, false, m.failFeature
	}
	f, ok := m.features[code]
	return f, ok, nil
}

func (m *memStore) Module(_ context.Context, key string) (Module, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mod, ok := m.modules[key]
	return mod, ok, nil
}

func (m *memStore) GetRole(_ context.Context, code string) (Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	role, ok := m.roles[code]
	if !ok {
		return Role{}, ErrNotFound
	}
	return role, nil
}

func (m *memStore) ListRoles(context.Context) ([]Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Role, 0, len(m.roles))
	for _, r := range m.roles {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (m *memStore) UpsertRole(_ context.Context, role Role) (Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.roles[role.Code] = role
	return role, nil
}

func (m *memStore) DeleteRole(_ context.Context, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.roles[code]; !ok {
		return ErrNotFound
	}
	for _, p := range m.principals {
		for _, r := range p.Roles {
			if r == code {
				return ErrRoleInUse
			}
		}
	}
	delete(m.roles, code)
	delete(m.roleGrants, code)
	return nil
}

func (m *memStore) AssignRole(_ context.Context, principalID int64, roleCode string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.principals[principalID]
	if !ok {
		return ErrNotFound
	}
	for _, r := range p.Roles {
		if r == roleCode {
			return nil
		}
	}
	p.Roles = append(p.Roles, roleCode)
	m.principals[principalID] = p
	return nil
}

func (m *memStore) RevokeRole(_ context.Context, principalID int64, roleCode string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.principals[principalID]
	if !ok {
		return ErrNotFound
	}
	kept := p.Roles[:0:0]
	for _, r := range p.Roles {
		if r != roleCode {
			kept = append(kept, r)
		}
	}
	if len(kept) == len(p.Roles) {
		return ErrNotFound
	}
	p.Roles = kept
	m.principals[principalID] = p
	return nil
}

func (m *memStore) AssignGroup(_ context.Context, principalID int64, groupCode string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.withGroup(principalID, groupCode)
	return nil
}

func (m *memStore) RevokeGroup(_ context.Context, principalID int64, groupCode string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.memberships[principalID][groupCode]; !ok {
		return ErrNotFound
	}
	delete(m.memberships[principalID], groupCode)
	return nil
}

func (m *memStore) UpsertRoleGrant(_ context.Context, g RoleGrant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.withRoleGrant(g.RoleCode, g.CapabilityCode, g.CRUD)
	return nil
}

func (m *memStore) DeleteRoleGrant(_ context.Context, roleCode, capabilityCode string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.roleGrants[roleCode][capabilityCode]; !ok {
		return ErrNotFound
	}
	delete(m.roleGrants[roleCode], capabilityCode)
	return nil
}

func (m *memStore) UpsertGroupGrant(_ context.Context, g GroupGrant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.withGroupGrant(g.GroupCode, g.CapabilityCode, g.Effect)
	return nil
}

func (m *memStore) DeleteGroupGrant(_ context.Context, groupCode, capabilityCode string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.groupGrants[groupCode][capabilityCode]; !ok {
		return ErrNotFound
	}
	delete(m.groupGrants[groupCode], capabilityCode)
	return nil
}

func (m *memStore) UpsertOverride(_ context.Context, o Override) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.overrides[o.PrincipalID] == nil {
		m.overrides[o.PrincipalID] = map[string]Override{}
	}
	m.overrides[o.PrincipalID][o.CapabilityCode] = o
	return nil
}

func (m *memStore) DeleteOverride(_ context.Context, principalID int64, capabilityCode string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.overrides[principalID][capabilityCode]; !ok {
		return ErrNotFound
	}
	delete(m.overrides[principalID], capabilityCode)
	return nil
}

func (m *memStore) UpsertCapability(_ context.Context, c Capability) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.capabilities[c.Code] = c
	return nil
}

func (m *memStore) UpsertFeature(_ context.Context, f Feature) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.features[f.Code] = f
	return nil
}

func (m *memStore) UpsertModule(_ context.Context, mod Module) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.modules[mod.Key] = mod
	return nil
}

var errStoreDown = errors.New("store down")
