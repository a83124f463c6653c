package access

// Merge computes one effective record per capability code appearing in any
// source. Precedence is override > group > role:
//
//   - role grants are unioned per CRUD sub-right across every held role
//   - a group grant replaces the role record entirely with a single boolean;
//     when several groups touch the same capability, DENY wins
//   - an override replaces whatever the lower tiers produced
//
// Grants with an unset effect are ignored. Capabilities without any grant
// are absent from the result.
func Merge(src Sources) Permissions {
	out := make(Permissions)
	if !src.Resolved {
		return out
	}

	roleCRUD := make(map[string]CRUD)
	for _, g := range src.Roles {
		code := normalizeCode(g.CapabilityCode)
		if code == "" {
			continue
		}
		roleCRUD[code] = roleCRUD[code].Union(g.CRUD)
	}
	for code, crud := range roleCRUD {
		crud := crud
		out[code] = EffectivePermission{
			CapabilityCode: code,
			Source:         SourceRole,
			Allowed:        crud.Any(),
			CRUD:           &crud,
		}
	}

	groupEffect := make(map[string]Effect)
	for _, g := range src.Groups {
		code := normalizeCode(g.CapabilityCode)
		if code == "" || !g.Effect.Valid() {
			continue
		}
		if groupEffect[code] == EffectDeny {
			continue
		}
		groupEffect[code] = g.Effect
	}
	for code, effect := range groupEffect {
		out[code] = EffectivePermission{
			CapabilityCode: code,
			Source:         SourceGroup,
			Allowed:        effect == EffectAllow,
		}
	}

	for _, o := range src.Overrides {
		code := normalizeCode(o.CapabilityCode)
		if code == "" || !o.Effect.Valid() {
			continue
		}
		out[code] = EffectivePermission{
			CapabilityCode: code,
			Source:         SourceOverride,
			Allowed:        o.Effect == EffectAllow,
		}
	}
	return out
}

// decideCapability turns a merged permission set into a decision for one action.
func decideCapability(perms Permissions, capability string, action Action) Decision {
	perm, ok := perms.Lookup(capability)
	if !ok {
		return deny("", "no grant for capability")
	}
	if perm.Allows(action) {
		return allow(perm.Source, "granted by "+string(perm.Source))
	}
	return deny(perm.Source, "denied by "+string(perm.Source))
}
