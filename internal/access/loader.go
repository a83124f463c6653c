package access

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// Sources are the three raw grant collections of a principal.
type Sources struct {
	// Resolved is false when the principal is unknown or deactivated.
	Resolved  bool         `json:"resolved"`
	Principal Principal    `json:"principal"`
	Roles     []RoleGrant  `json:"roles"`
	Groups    []GroupGrant `json:"groups"`
	Overrides []Override   `json:"overrides"`
}

// RoleCodes returns the principal's raw role membership.
func (s Sources) RoleCodes() []string {
	return normalizeCodes(s.Principal.Roles)
}

// SourceLoader fetches the grant sources of a principal.
type SourceLoader interface {
	Load(ctx context.Context, principalID int64) (Sources, error)
}

// Loader reads grant sources from a Store.
type Loader struct {
	store Store
}

// NewLoader constructs a Loader.
func NewLoader(store Store) *Loader {
	return &Loader{store: store}
}

// Load returns the role, group and override grants of a principal. Unknown
// or deactivated principals yield empty sources without error. Grants on
// capabilities that are undefined or disabled are dropped.
func (l *Loader) Load(ctx context.Context, principalID int64) (Sources, error) {
	principal, found, err := l.store.Principal(ctx, principalID)
	if err != nil {
		return Sources{}, fmt.Errorf("access: load principal %d: %w", principalID, err)
	}
	if !found || !principal.Active {
		return Sources{Principal: Principal{ID: principalID}}, nil
	}
	principal.Roles = normalizeCodes(principal.Roles)

	var (
		roles     []RoleGrant
		groups    []GroupGrant
		overrides []Override
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		rows, err := l.store.RoleGrants(gctx, principalID)
		if err != nil {
			return fmt.Errorf("access: load role grants: %w", err)
		}
		roles = rows
		return nil
	})
	g.Go(func() error {
		rows, err := l.store.GroupGrants(gctx, principalID)
		if err != nil {
			return fmt.Errorf("access: load group grants: %w", err)
		}
		groups = rows
		return nil
	})
	g.Go(func() error {
		rows, err := l.store.Overrides(gctx, principalID)
		if err != nil {
			return fmt.Errorf("access: load overrides: %w", err)
		}
		overrides = rows
		return nil
	})
	if err := g.Wait(); err != nil {
		return Sources{}, err
	}

	codes := make([]string, 0, len(roles)+len(groups)+len(overrides))
	for i := range roles {
		roles[i].RoleCode = normalizeCode(roles[i].RoleCode)
		roles[i].CapabilityCode = normalizeCode(roles[i].CapabilityCode)
		codes = append(codes, roles[i].CapabilityCode)
	}
	for i := range groups {
		groups[i].GroupCode = normalizeCode(groups[i].GroupCode)
		groups[i].CapabilityCode = normalizeCode(groups[i].CapabilityCode)
		codes = append(codes, groups[i].CapabilityCode)
	}
	for i := range overrides {
		overrides[i].CapabilityCode = normalizeCode(overrides[i].CapabilityCode)
		codes = append(codes, overrides[i].CapabilityCode)
	}
	codes = normalizeCodes(codes)

	active := map[string]Capability{}
	if len(codes) > 0 {
		defs, err := l.store.Capabilities(ctx, codes)
		if err != nil {
			return Sources{}, fmt.Errorf("access: load capabilities: %w", err)
		}
		for code, def := range defs {
			if def.Disabled {
				continue
			}
			active[normalizeCode(code)] = def
		}
	}

	return Sources{
		Resolved:  true,
		Principal: principal,
		Roles:     keepDefined(roles, active, func(g RoleGrant) string { return g.CapabilityCode }),
		Groups:    keepDefined(groups, active, func(g GroupGrant) string { return g.CapabilityCode }),
		Overrides: keepDefined(overrides, active, func(o Override) string { return o.CapabilityCode }),
	}, nil
}

func keepDefined[T any](rows []T, active map[string]Capability, code func(T) string) []T {
	out := make([]T, 0, len(rows))
	for _, row := range rows {
		if _, ok := active[code(row)]; ok {
			out = append(out, row)
		}
	}
	return out
}
