package access

import "context"

// Store is the read side of the access data model. Implementations return
// found=false or empty slices for missing data and reserve errors for storage
// failures.
type Store interface {
	Principal(ctx context.Context, id int64) (Principal, bool, error)
	// RoleGrants returns grants of every role the principal holds. Assignments
	// pointing at deleted roles must not produce grants.
	RoleGrants(ctx context.Context, principalID int64) ([]RoleGrant, error)
	GroupGrants(ctx context.Context, principalID int64) ([]GroupGrant, error)
	Overrides(ctx context.Context, principalID int64) ([]Override, error)
	// Capabilities returns the definitions of the requested codes that exist.
	Capabilities(ctx context.Context, codes []string) (map[string]Capability, error)
	Feature(ctx context.Context, code string) (Feature, bool, error)
	Module(ctx context.Context, key string) (Module, bool, error)
}

// AdminStore is the write side used by Admin.
type AdminStore interface {
	Store
	GetRole(ctx context.Context, code string) (Role, error)
	ListRoles(ctx context.Context) ([]Role, error)
	UpsertRole(ctx context.Context, role Role) (Role, error)
	// DeleteRole removes an unassigned, non-system role.
	DeleteRole(ctx context.Context, code string) error
	AssignRole(ctx context.Context, principalID int64, roleCode string) error
	RevokeRole(ctx context.Context, principalID int64, roleCode string) error
	AssignGroup(ctx context.Context, principalID int64, groupCode string) error
	RevokeGroup(ctx context.Context, principalID int64, groupCode string) error
	UpsertRoleGrant(ctx context.Context, grant RoleGrant) error
	DeleteRoleGrant(ctx context.Context, roleCode, capabilityCode string) error
	UpsertGroupGrant(ctx context.Context, grant GroupGrant) error
	DeleteGroupGrant(ctx context.Context, groupCode, capabilityCode string) error
	UpsertOverride(ctx context.Context, override Override) error
	DeleteOverride(ctx context.Context, principalID int64, capabilityCode string) error
	UpsertCapability(ctx context.Context, capability Capability) error
	UpsertFeature(ctx context.Context, feature Feature) error
	UpsertModule(ctx context.Context, module Module) error
}
