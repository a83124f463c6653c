package access

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/partsbay/partsbay/internal/shared"
)

// Invalidator drops cached grant data after a mutation.
type Invalidator interface {
	Bump(ctx context.Context) error
}

// Auditor records administrative actions.
type Auditor interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// WarmQueue schedules re-population of a principal's cached grants.
type WarmQueue interface {
	EnqueueWarm(ctx context.Context, principalID int64) error
}

// RoleInput creates or updates a role.
type RoleInput struct {
	Code        string `json:"code" validate:"required,max=64"`
	Name        string `json:"name" validate:"required,max=128"`
	Description string `json:"description" validate:"max=512"`
	System      bool   `json:"system"`
}

// RoleGrantInput sets the CRUD flags a role grants on a capability.
type RoleGrantInput struct {
	RoleCode       string `json:"role_code" validate:"required"`
	CapabilityCode string `json:"capability_code" validate:"required"`
	CRUD           CRUD   `json:"crud"`
}

// GroupGrantInput sets the effect a group grants on a capability.
type GroupGrantInput struct {
	GroupCode      string `json:"group_code" validate:"required"`
	CapabilityCode string `json:"capability_code" validate:"required"`
	Effect         Effect `json:"effect" validate:"required,oneof=ALLOW DENY"`
}

// OverrideInput sets a per-principal override.
type OverrideInput struct {
	PrincipalID    int64  `json:"principal_id" validate:"required,gt=0"`
	CapabilityCode string `json:"capability_code" validate:"required"`
	Effect         Effect `json:"effect" validate:"required,oneof=ALLOW DENY"`
	Reason         string `json:"reason" validate:"max=512"`
}

// FeatureInput configures feature visibility.
type FeatureInput struct {
	Code               string     `json:"code" validate:"required"`
	Visibility         Visibility `json:"visibility" validate:"required,oneof=SHOW HIDE RESTRICTED"`
	RequiredCompletion *int       `json:"required_completion" validate:"omitempty,max=100"`
}

// ModuleInput configures a module.
type ModuleInput struct {
	Key          string `json:"key" validate:"required"`
	Enabled      bool   `json:"enabled"`
	RequiredRole string `json:"required_role"`
}

// CapabilityInput defines or soft-disables a capability.
type CapabilityInput struct {
	Code        string `json:"code" validate:"required,max=64"`
	Module      string `json:"module" validate:"required"`
	Description string `json:"description" validate:"max=512"`
	Disabled    bool   `json:"disabled"`
}

// Admin performs the mutations that later resolutions observe. Structural
// invariants such as system role protection are enforced here, not in the
// resolver.
type Admin struct {
	store       AdminStore
	invalidator Invalidator
	auditor     Auditor
	warm        WarmQueue
	validate    *validator.Validate
	logger      *slog.Logger
}

// AdminOption configures Admin.
type AdminOption func(*Admin)

// WithInvalidator attaches the cache invalidator.
func WithInvalidator(inv Invalidator) AdminOption {
	return func(a *Admin) { a.invalidator = inv }
}

// WithAuditor attaches the audit recorder.
func WithAuditor(auditor Auditor) AdminOption {
	return func(a *Admin) { a.auditor = auditor }
}

// WithWarmQueue attaches the cache warm queue.
func WithWarmQueue(q WarmQueue) AdminOption {
	return func(a *Admin) { a.warm = q }
}

// WithAdminLogger sets the logger.
func WithAdminLogger(logger *slog.Logger) AdminOption {
	return func(a *Admin) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// NewAdmin constructs an Admin service.
func NewAdmin(store AdminStore, opts ...AdminOption) *Admin {
	a := &Admin{store: store, validate: validator.New(), logger: slog.Default()}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// ListRoles returns all roles.
func (a *Admin) ListRoles(ctx context.Context) ([]Role, error) {
	return a.store.ListRoles(ctx)
}

// SaveRole creates or updates a role. The system flag cannot be cleared once set.
func (a *Admin) SaveRole(ctx context.Context, actorID int64, in RoleInput) (Role, error) {
	if err := a.check(in); err != nil {
		return Role{}, err
	}
	code := normalizeCode(in.Code)
	existing, err := a.store.GetRole(ctx, code)
	switch {
	case err == nil:
		if existing.System && !in.System {
			return Role{}, ErrSystemRole
		}
	case !errors.Is(err, ErrNotFound):
		return Role{}, err
	}
	role, err := a.store.UpsertRole(ctx, Role{
		Code:        code,
		Name:        strings.TrimSpace(in.Name),
		Description: strings.TrimSpace(in.Description),
		System:      in.System,
	})
	if err != nil {
		return Role{}, err
	}
	if err := a.afterMutation(ctx, actorID, "role.save", "role", code, 0, map[string]any{"system": in.System}); err != nil {
		return Role{}, err
	}
	return role, nil
}

// DeleteRole removes a role that is neither a system role nor still assigned.
func (a *Admin) DeleteRole(ctx context.Context, actorID int64, code string) error {
	code = normalizeCode(code)
	role, err := a.store.GetRole(ctx, code)
	if err != nil {
		return err
	}
	if role.System {
		return ErrSystemRole
	}
	if err := a.store.DeleteRole(ctx, code); err != nil {
		return err
	}
	return a.afterMutation(ctx, actorID, "role.delete", "role", code, 0, nil)
}

// AssignRole gives a principal a role.
func (a *Admin) AssignRole(ctx context.Context, actorID, principalID int64, roleCode string) error {
	roleCode = normalizeCode(roleCode)
	if principalID <= 0 || roleCode == "" {
		return fmt.Errorf("%w: principal and role required", ErrValidation)
	}
	if _, err := a.store.GetRole(ctx, roleCode); err != nil {
		return err
	}
	if err := a.store.AssignRole(ctx, principalID, roleCode); err != nil {
		return err
	}
	return a.afterMutation(ctx, actorID, "role.assign", "principal", formatID(principalID), principalID, map[string]any{"role": roleCode})
}

// RevokeRole removes a role from a principal. Overrides are left untouched.
func (a *Admin) RevokeRole(ctx context.Context, actorID, principalID int64, roleCode string) error {
	roleCode = normalizeCode(roleCode)
	if err := a.store.RevokeRole(ctx, principalID, roleCode); err != nil {
		return err
	}
	return a.afterMutation(ctx, actorID, "role.revoke", "principal", formatID(principalID), principalID, map[string]any{"role": roleCode})
}

// AssignGroup adds a principal to a group.
func (a *Admin) AssignGroup(ctx context.Context, actorID, principalID int64, groupCode string) error {
	groupCode = normalizeCode(groupCode)
	if principalID <= 0 || groupCode == "" {
		return fmt.Errorf("%w: principal and group required", ErrValidation)
	}
	if err := a.store.AssignGroup(ctx, principalID, groupCode); err != nil {
		return err
	}
	return a.afterMutation(ctx, actorID, "group.assign", "principal", formatID(principalID), principalID, map[string]any{"group": groupCode})
}

// RevokeGroup removes a principal from a group.
func (a *Admin) RevokeGroup(ctx context.Context, actorID, principalID int64, groupCode string) error {
	groupCode = normalizeCode(groupCode)
	if err := a.store.RevokeGroup(ctx, principalID, groupCode); err != nil {
		return err
	}
	return a.afterMutation(ctx, actorID, "group.revoke", "principal", formatID(principalID), principalID, map[string]any{"group": groupCode})
}

// SetRoleGrant sets the CRUD flags of a role on a capability. Clearing every
// flag revokes the grant, which system roles refuse.
func (a *Admin) SetRoleGrant(ctx context.Context, actorID int64, in RoleGrantInput) error {
	if err := a.check(in); err != nil {
		return err
	}
	if !in.CRUD.Any() {
		return a.RevokeRoleGrant(ctx, actorID, in.RoleCode, in.CapabilityCode)
	}
	grant := RoleGrant{
		RoleCode:       normalizeCode(in.RoleCode),
		CapabilityCode: normalizeCode(in.CapabilityCode),
		CRUD:           in.CRUD,
	}
	if _, err := a.store.GetRole(ctx, grant.RoleCode); err != nil {
		return err
	}
	if err := a.requireCapability(ctx, grant.CapabilityCode); err != nil {
		return err
	}
	if err := a.store.UpsertRoleGrant(ctx, grant); err != nil {
		return err
	}
	return a.afterMutation(ctx, actorID, "role_grant.set", "role", grant.RoleCode, 0, map[string]any{
		"capability": grant.CapabilityCode,
		"crud":       grant.CRUD,
	})
}

// RevokeRoleGrant removes a capability grant from a non-system role.
func (a *Admin) RevokeRoleGrant(ctx context.Context, actorID int64, roleCode, capabilityCode string) error {
	roleCode = normalizeCode(roleCode)
	capabilityCode = normalizeCode(capabilityCode)
	role, err := a.store.GetRole(ctx, roleCode)
	if err != nil {
		return err
	}
	if role.System {
		return ErrSystemRole
	}
	if err := a.store.DeleteRoleGrant(ctx, roleCode, capabilityCode); err != nil {
		return err
	}
	return a.afterMutation(ctx, actorID, "role_grant.revoke", "role", roleCode, 0, map[string]any{"capability": capabilityCode})
}

// SetGroupGrant sets the effect a group grants on a capability.
func (a *Admin) SetGroupGrant(ctx context.Context, actorID int64, in GroupGrantInput) error {
	in.Effect = Effect(strings.ToUpper(strings.TrimSpace(string(in.Effect))))
	if err := a.check(in); err != nil {
		return err
	}
	grant := GroupGrant{
		GroupCode:      normalizeCode(in.GroupCode),
		CapabilityCode: normalizeCode(in.CapabilityCode),
		Effect:         in.Effect,
	}
	if err := a.requireCapability(ctx, grant.CapabilityCode); err != nil {
		return err
	}
	if err := a.store.UpsertGroupGrant(ctx, grant); err != nil {
		return err
	}
	return a.afterMutation(ctx, actorID, "group_grant.set", "group", grant.GroupCode, 0, map[string]any{
		"capability": grant.CapabilityCode,
		"effect":     grant.Effect,
	})
}

// RevokeGroupGrant removes a group's grant on a capability.
func (a *Admin) RevokeGroupGrant(ctx context.Context, actorID int64, groupCode, capabilityCode string) error {
	groupCode = normalizeCode(groupCode)
	capabilityCode = normalizeCode(capabilityCode)
	if err := a.store.DeleteGroupGrant(ctx, groupCode, capabilityCode); err != nil {
		return err
	}
	return a.afterMutation(ctx, actorID, "group_grant.revoke", "group", groupCode, 0, map[string]any{"capability": capabilityCode})
}

// SetOverride upserts the single override of a principal on a capability.
func (a *Admin) SetOverride(ctx context.Context, actorID int64, in OverrideInput) error {
	in.Effect = Effect(strings.ToUpper(strings.TrimSpace(string(in.Effect))))
	if err := a.check(in); err != nil {
		return err
	}
	o := Override{
		PrincipalID:    in.PrincipalID,
		CapabilityCode: normalizeCode(in.CapabilityCode),
		Effect:         in.Effect,
		Reason:         strings.TrimSpace(in.Reason),
		AssignedBy:     actorID,
	}
	if err := a.requireCapability(ctx, o.CapabilityCode); err != nil {
		return err
	}
	if err := a.store.UpsertOverride(ctx, o); err != nil {
		return err
	}
	return a.afterMutation(ctx, actorID, "override.set", "principal", formatID(o.PrincipalID), o.PrincipalID, map[string]any{
		"capability": o.CapabilityCode,
		"effect":     o.Effect,
		"reason":     o.Reason,
	})
}

// RevokeOverride deletes a principal's override on a capability.
func (a *Admin) RevokeOverride(ctx context.Context, actorID, principalID int64, capabilityCode string) error {
	capabilityCode = normalizeCode(capabilityCode)
	if err := a.store.DeleteOverride(ctx, principalID, capabilityCode); err != nil {
		return err
	}
	return a.afterMutation(ctx, actorID, "override.revoke", "principal", formatID(principalID), principalID, map[string]any{"capability": capabilityCode})
}

// SaveCapability defines a capability or toggles its soft-disabled flag.
func (a *Admin) SaveCapability(ctx context.Context, actorID int64, in CapabilityInput) error {
	if err := a.check(in); err != nil {
		return err
	}
	c := Capability{
		Code:        normalizeCode(in.Code),
		Module:      normalizeCode(in.Module),
		Description: strings.TrimSpace(in.Description),
		Disabled:    in.Disabled,
	}
	if err := a.store.UpsertCapability(ctx, c); err != nil {
		return err
	}
	return a.afterMutation(ctx, actorID, "capability.save", "capability", c.Code, 0, map[string]any{"disabled": c.Disabled})
}

// SaveFeature configures feature visibility. RESTRICTED requires a threshold
// between 0 and 100.
func (a *Admin) SaveFeature(ctx context.Context, actorID int64, in FeatureInput) error {
	in.Visibility = Visibility(strings.ToUpper(strings.TrimSpace(string(in.Visibility))))
	if err := a.check(in); err != nil {
		return err
	}
	if in.Visibility == VisibilityRestricted {
		if in.RequiredCompletion == nil || *in.RequiredCompletion < 0 {
			return fmt.Errorf("%w: restricted feature requires a threshold between 0 and 100", ErrValidation)
		}
	}
	f := Feature{Code: normalizeCode(in.Code), Visibility: in.Visibility, RequiredCompletion: in.RequiredCompletion}
	if err := a.store.UpsertFeature(ctx, f); err != nil {
		return err
	}
	return a.afterMutation(ctx, actorID, "feature.save", "feature", f.Code, 0, map[string]any{"visibility": f.Visibility})
}

// SaveModule enables, disables or role-restricts a module.
func (a *Admin) SaveModule(ctx context.Context, actorID int64, in ModuleInput) error {
	if err := a.check(in); err != nil {
		return err
	}
	m := Module{Key: normalizeCode(in.Key), Enabled: in.Enabled, RequiredRole: normalizeCode(in.RequiredRole)}
	if err := a.store.UpsertModule(ctx, m); err != nil {
		return err
	}
	return a.afterMutation(ctx, actorID, "module.save", "module", m.Key, 0, map[string]any{
		"enabled":       m.Enabled,
		"required_role": m.RequiredRole,
	})
}

// requireCapability refuses grants on codes with no capability definition,
// which the loader would drop. Soft-disabled capabilities are accepted.
func (a *Admin) requireCapability(ctx context.Context, code string) error {
	defs, err := a.store.Capabilities(ctx, []string{code})
	if err != nil {
		return err
	}
	for defined := range defs {
		if normalizeCode(defined) == code {
			return nil
		}
	}
	return fmt.Errorf("%w: capability %q", ErrNotFound, code)
}

func (a *Admin) check(in any) error {
	if err := a.validate.Struct(in); err != nil {
		return fmt.Errorf("%w: %s", ErrValidation, err.Error())
	}
	return nil
}

// afterMutation invalidates caches, writes the audit trail and schedules a
// warm-up. The write has already been committed when this runs, so the audit
// record is written even when invalidation fails. A failed invalidation is
// returned to the caller: until some Bump succeeds other nodes may still
// serve the previous grants.
func (a *Admin) afterMutation(ctx context.Context, actorID int64, action, entity, entityID string, principalID int64, meta map[string]any) error {
	logger := a.logger.With(slog.String("action", action), slog.String("entity", entity), slog.String("entity_id", entityID))
	var invalidateErr error
	if a.invalidator != nil {
		if err := a.invalidator.Bump(ctx); err != nil {
			logger.Error("access invalidate", slog.Any("error", err))
			invalidateErr = fmt.Errorf("access: invalidate after %s: %w", action, err)
		}
	}
	if a.auditor != nil {
		if err := a.auditor.Record(ctx, shared.AuditLog{
			ActorID:  actorID,
			Action:   action,
			Entity:   entity,
			EntityID: entityID,
			Meta:     meta,
		}); err != nil {
			logger.Error("access audit", slog.Any("error", err))
		}
	}
	if invalidateErr != nil {
		return invalidateErr
	}
	if a.warm != nil && principalID > 0 {
		if err := a.warm.EnqueueWarm(ctx, principalID); err != nil {
			logger.Warn("access warm enqueue", slog.Any("error", err))
		}
	}
	logger.Info("access mutation", slog.Int64("actor_id", actorID))
	return nil
}

func formatID(id int64) string {
	return strconv.FormatInt(id, 10)
}
