package access

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/partsbay/partsbay/internal/platform/db"
)

type dbtx interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
}

// Pool is the subset of *pgxpool.Pool the repository needs.
type Pool interface {
	dbtx
	db.TxBeginner
}

var _ AdminStore = (*Repository)(nil)

// Repository provides PostgreSQL backed persistence for the access data model.
type Repository struct {
	pool Pool
	db   dbtx
}

// NewRepository constructs a repository.
func NewRepository(pool Pool) *Repository {
	return &Repository{pool: pool, db: pool}
}

// Principal loads a principal with its role codes. Assignments to deleted roles are skipped.
func (r *Repository) Principal(ctx context.Context, id int64) (Principal, bool, error) {
	var p Principal
	err := r.db.QueryRow(ctx, `SELECT id, active, profile_completion FROM principals WHERE id = $1`, id).
		Scan(&p.ID, &p.Active, &p.ProfileCompletion)
	if errors.Is(err, pgx.ErrNoRows) {
		return Principal{}, false, nil
	}
	if err != nil {
		return Principal{}, false, err
	}
	rows, err := r.db.Query(ctx, `
SELECT pr.role_code
FROM principal_roles pr
JOIN roles r ON r.code = pr.role_code
WHERE pr.principal_id = $1
ORDER BY pr.role_code`, id)
	if err != nil {
		return Principal{}, false, err
	}
	roles, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return Principal{}, false, err
	}
	p.Roles = roles
	return p, true, nil
}

// ActivePrincipalIDs lists every active principal, ordered by id.
func (r *Repository) ActivePrincipalIDs(ctx context.Context) ([]int64, error) {
	rows, err := r.db.Query(ctx, `SELECT id FROM principals WHERE active ORDER BY id`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[int64])
}

// RoleGrants returns grants of every existing role the principal holds.
func (r *Repository) RoleGrants(ctx context.Context, principalID int64) ([]RoleGrant, error) {
	rows, err := r.db.Query(ctx, `
SELECT rg.role_code, rg.capability_code, rg.can_create, rg.can_read, rg.can_update, rg.can_delete
FROM principal_roles pr
JOIN roles r ON r.code = pr.role_code
JOIN role_grants rg ON rg.role_code = r.code
WHERE pr.principal_id = $1`, principalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var grants []RoleGrant
	for rows.Next() {
		var g RoleGrant
		if err := rows.Scan(&g.RoleCode, &g.CapabilityCode, &g.CRUD.Create, &g.CRUD.Read, &g.CRUD.Update, &g.CRUD.Delete); err != nil {
			return nil, err
		}
		grants = append(grants, g)
	}
	return grants, rows.Err()
}

// GroupGrants returns grants of every existing group the principal belongs to.
func (r *Repository) GroupGrants(ctx context.Context, principalID int64) ([]GroupGrant, error) {
	rows, err := r.db.Query(ctx, `
SELECT gg.group_code, gg.capability_code, gg.effect
FROM principal_groups pg
JOIN access_groups g ON g.code = pg.group_code
JOIN group_grants gg ON gg.group_code = g.code
WHERE pg.principal_id = $1`, principalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var grants []GroupGrant
	for rows.Next() {
		var g GroupGrant
		var effect string
		if err := rows.Scan(&g.GroupCode, &g.CapabilityCode, &effect); err != nil {
			return nil, err
		}
		g.Effect = Effect(effect)
		grants = append(grants, g)
	}
	return grants, rows.Err()
}

// Overrides returns the overrides of a principal.
func (r *Repository) Overrides(ctx context.Context, principalID int64) ([]Override, error) {
	rows, err := r.db.Query(ctx, `
SELECT principal_id, capability_code, effect, COALESCE(reason, ''), assigned_by, assigned_at
FROM capability_overrides
WHERE principal_id = $1`, principalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var overrides []Override
	for rows.Next() {
		var o Override
		var effect string
		if err := rows.Scan(&o.PrincipalID, &o.CapabilityCode, &effect, &o.Reason, &o.AssignedBy, &o.AssignedAt); err != nil {
			return nil, err
		}
		o.Effect = Effect(effect)
		overrides = append(overrides, o)
	}
	return overrides, rows.Err()
}

// Capabilities returns the definitions of the requested codes.
func (r *Repository) Capabilities(ctx context.Context, codes []string) (map[string]Capability, error) {
	rows, err := r.db.Query(ctx, `
SELECT code, module, description, disabled
FROM capabilities
WHERE code = ANY($1)`, codes)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]Capability, len(codes))
	for rows.Next() {
		var c Capability
		if err := rows.Scan(&c.Code, &c.Module, &c.Description, &c.Disabled); err != nil {
			return nil, err
		}
		out[c.Code] = c
	}
	return out, rows.Err()
}

// Feature loads a feature visibility record.
func (r *Repository) Feature(ctx context.Context, code string) (Feature, bool, error) {
	var f Feature
	var visibility string
	err := r.db.QueryRow(ctx, `SELECT code, visibility, required_completion FROM features WHERE code = $1`, code).
		Scan(&f.Code, &visibility, &f.RequiredCompletion)
	if errors.Is(err, pgx.ErrNoRows) {
		return Feature{}, false, nil
	}
	if err != nil {
		return Feature{}, false, err
	}
	f.Visibility = Visibility(visibility)
	return f, true, nil
}

// Module loads a module configuration.
func (r *Repository) Module(ctx context.Context, key string) (Module, bool, error) {
	var m Module
	err := r.db.QueryRow(ctx, `SELECT key, enabled, COALESCE(required_role, '') FROM modules WHERE key = $1`, key).
		Scan(&m.Key, &m.Enabled, &m.RequiredRole)
	if errors.Is(err, pgx.ErrNoRows) {
		return Module{}, false, nil
	}
	if err != nil {
		return Module{}, false, err
	}
	return m, true, nil
}

// GetRole fetches a role by code.
func (r *Repository) GetRole(ctx context.Context, code string) (Role, error) {
	var role Role
	err := r.db.QueryRow(ctx, `SELECT code, name, description, is_system, created_at, updated_at FROM roles WHERE code = $1`, code).
		Scan(&role.Code, &role.Name, &role.Description, &role.System, &role.CreatedAt, &role.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Role{}, ErrNotFound
	}
	if err != nil {
		return Role{}, err
	}
	return role, nil
}

// ListRoles returns all roles ordered by code.
func (r *Repository) ListRoles(ctx context.Context) ([]Role, error) {
	rows, err := r.db.Query(ctx, `SELECT code, name, description, is_system, created_at, updated_at FROM roles ORDER BY code`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []Role
	for rows.Next() {
		var role Role
		if err := rows.Scan(&role.Code, &role.Name, &role.Description, &role.System, &role.CreatedAt, &role.UpdatedAt); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

// UpsertRole inserts or updates a role.
func (r *Repository) UpsertRole(ctx context.Context, role Role) (Role, error) {
	err := r.db.QueryRow(ctx, `
INSERT INTO roles (code, name, description, is_system, created_at, updated_at)
VALUES ($1, $2, $3, $4, NOW(), NOW())
ON CONFLICT (code) DO UPDATE SET name = EXCLUDED.name, description = EXCLUDED.description,
	is_system = EXCLUDED.is_system, updated_at = NOW()
RETURNING created_at, updated_at`, role.Code, role.Name, role.Description, role.System).
		Scan(&role.CreatedAt, &role.UpdatedAt)
	if err != nil {
		return Role{}, mapPgError(err)
	}
	return role, nil
}

// DeleteRole removes a role when no principal holds it. The assignment check
// and the delete run in one serializable transaction.
func (r *Repository) DeleteRole(ctx context.Context, code string) error {
	return db.WithTx(ctx, r.pool, pgx.Serializable, func(tx pgx.Tx) error {
		var assigned int
		if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM principal_roles WHERE role_code = $1`, code).Scan(&assigned); err != nil {
			return err
		}
		if assigned > 0 {
			return ErrRoleInUse
		}
		if _, err := tx.Exec(ctx, `DELETE FROM role_grants WHERE role_code = $1`, code); err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, `DELETE FROM roles WHERE code = $1 AND is_system = FALSE`, code)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// AssignRole links a principal to a role.
func (r *Repository) AssignRole(ctx context.Context, principalID int64, roleCode string) error {
	_, err := r.db.Exec(ctx, `
INSERT INTO principal_roles (principal_id, role_code, created_at) VALUES ($1, $2, NOW())
ON CONFLICT (principal_id, role_code) DO NOTHING`, principalID, roleCode)
	return mapPgError(err)
}

// RevokeRole unlinks a principal from a role.
func (r *Repository) RevokeRole(ctx context.Context, principalID int64, roleCode string) error {
	return r.execAffecting(ctx, `DELETE FROM principal_roles WHERE principal_id = $1 AND role_code = $2`, principalID, roleCode)
}

// AssignGroup links a principal to a group, creating the group when missing.
func (r *Repository) AssignGroup(ctx context.Context, principalID int64, groupCode string) error {
	if _, err := r.db.Exec(ctx, `INSERT INTO access_groups (code) VALUES ($1) ON CONFLICT (code) DO NOTHING`, groupCode); err != nil {
		return mapPgError(err)
	}
	_, err := r.db.Exec(ctx, `
INSERT INTO principal_groups (principal_id, group_code, created_at) VALUES ($1, $2, NOW())
ON CONFLICT (principal_id, group_code) DO NOTHING`, principalID, groupCode)
	return mapPgError(err)
}

// RevokeGroup unlinks a principal from a group.
func (r *Repository) RevokeGroup(ctx context.Context, principalID int64, groupCode string) error {
	return r.execAffecting(ctx, `DELETE FROM principal_groups WHERE principal_id = $1 AND group_code = $2`, principalID, groupCode)
}

// UpsertRoleGrant sets a role's CRUD flags on a capability.
func (r *Repository) UpsertRoleGrant(ctx context.Context, g RoleGrant) error {
	_, err := r.db.Exec(ctx, `
INSERT INTO role_grants (role_code, capability_code, can_create, can_read, can_update, can_delete)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (role_code, capability_code) DO UPDATE SET can_create = EXCLUDED.can_create,
	can_read = EXCLUDED.can_read, can_update = EXCLUDED.can_update, can_delete = EXCLUDED.can_delete`,
		g.RoleCode, g.CapabilityCode, g.CRUD.Create, g.CRUD.Read, g.CRUD.Update, g.CRUD.Delete)
	return mapPgError(err)
}

// DeleteRoleGrant removes a role grant.
func (r *Repository) DeleteRoleGrant(ctx context.Context, roleCode, capabilityCode string) error {
	return r.execAffecting(ctx, `DELETE FROM role_grants WHERE role_code = $1 AND capability_code = $2`, roleCode, capabilityCode)
}

// UpsertGroupGrant sets a group's effect on a capability.
func (r *Repository) UpsertGroupGrant(ctx context.Context, g GroupGrant) error {
	if _, err := r.db.Exec(ctx, `INSERT INTO access_groups (code) VALUES ($1) ON CONFLICT (code) DO NOTHING`, g.GroupCode); err != nil {
		return mapPgError(err)
	}
	_, err := r.db.Exec(ctx, `
INSERT INTO group_grants (group_code, capability_code, effect) VALUES ($1, $2, $3)
ON CONFLICT (group_code, capability_code) DO UPDATE SET effect = EXCLUDED.effect`,
		g.GroupCode, g.CapabilityCode, string(g.Effect))
	return mapPgError(err)
}

// DeleteGroupGrant removes a group grant.
func (r *Repository) DeleteGroupGrant(ctx context.Context, groupCode, capabilityCode string) error {
	return r.execAffecting(ctx, `DELETE FROM group_grants WHERE group_code = $1 AND capability_code = $2`, groupCode, capabilityCode)
}

// UpsertOverride writes the single override of a principal on a capability.
func (r *Repository) UpsertOverride(ctx context.Context, o Override) error {
	_, err := r.db.Exec(ctx, `
INSERT INTO capability_overrides (principal_id, capability_code, effect, reason, assigned_by, assigned_at)
VALUES ($1, $2, $3, NULLIF($4, ''), $5, NOW())
ON CONFLICT (principal_id, capability_code) DO UPDATE SET effect = EXCLUDED.effect,
	reason = EXCLUDED.reason, assigned_by = EXCLUDED.assigned_by, assigned_at = EXCLUDED.assigned_at`,
		o.PrincipalID, o.CapabilityCode, string(o.Effect), o.Reason, o.AssignedBy)
	return mapPgError(err)
}

// DeleteOverride revokes an override.
func (r *Repository) DeleteOverride(ctx context.Context, principalID int64, capabilityCode string) error {
	return r.execAffecting(ctx, `DELETE FROM capability_overrides WHERE principal_id = $1 AND capability_code = $2`, principalID, capabilityCode)
}

// UpsertCapability defines or updates a capability.
func (r *Repository) UpsertCapability(ctx context.Context, c Capability) error {
	_, err := r.db.Exec(ctx, `
INSERT INTO capabilities (code, module, description, disabled) VALUES ($1, $2, $3, $4)
ON CONFLICT (code) DO UPDATE SET module = EXCLUDED.module, description = EXCLUDED.description, disabled = EXCLUDED.disabled`,
		c.Code, c.Module, c.Description, c.Disabled)
	return mapPgError(err)
}

// UpsertFeature writes a feature visibility record.
func (r *Repository) UpsertFeature(ctx context.Context, f Feature) error {
	_, err := r.db.Exec(ctx, `
INSERT INTO features (code, visibility, required_completion) VALUES ($1, $2, $3)
ON CONFLICT (code) DO UPDATE SET visibility = EXCLUDED.visibility, required_completion = EXCLUDED.required_completion`,
		f.Code, string(f.Visibility), f.RequiredCompletion)
	return mapPgError(err)
}

// UpsertModule writes a module configuration.
func (r *Repository) UpsertModule(ctx context.Context, m Module) error {
	_, err := r.db.Exec(ctx, `
INSERT INTO modules (key, enabled, required_role) VALUES ($1, $2, NULLIF($3, ''))
ON CONFLICT (key) DO UPDATE SET enabled = EXCLUDED.enabled, required_role = EXCLUDED.required_role`,
		m.Key, m.Enabled, m.RequiredRole)
	return mapPgError(err)
}

func (r *Repository) execAffecting(ctx context.Context, sql string, args ...interface{}) error {
	tag, err := r.db.Exec(ctx, sql, args...)
	if err != nil {
		return mapPgError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func mapPgError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return fmt.Errorf("%w: %s", ErrDuplicate, pgErr.ConstraintName)
		case "23503":
			return fmt.Errorf("%w: %s", ErrNotFound, pgErr.ConstraintName)
		}
	}
	return err
}
