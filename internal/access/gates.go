package access

import "fmt"

// EvaluateFeature applies the feature visibility rules. A missing feature
// record means SHOW. RESTRICTED compares the principal's profile completion
// (0 when the principal is unresolved) with the required threshold; a missing
// or negative threshold never passes.
func EvaluateFeature(feature Feature, found bool, src Sources) Decision {
	if !found {
		return allow("", "feature not configured")
	}
	switch feature.Visibility {
	case VisibilityShow:
		return allow("", "feature shown")
	case VisibilityHide:
		return deny("", "feature hidden")
	case VisibilityRestricted:
		if feature.RequiredCompletion == nil || *feature.RequiredCompletion < 0 {
			return deny("", "feature threshold misconfigured")
		}
		completion := 0
		if src.Resolved {
			completion = src.Principal.ProfileCompletion
		}
		required := *feature.RequiredCompletion
		if completion >= required {
			return allow("", fmt.Sprintf("profile completion %d%% meets %d%%", completion, required))
		}
		return deny("", fmt.Sprintf("profile completion %d%% below %d%%", completion, required))
	default:
		return deny("", "feature visibility unknown")
	}
}

// EvaluateModule applies the module enablement and required-role rules
// against raw role membership, not against merged capabilities. Unknown
// modules are denied.
func EvaluateModule(module Module, found bool, src Sources) Decision {
	if !found {
		return deny("", "module not configured")
	}
	if !module.Enabled {
		return deny("", "module disabled")
	}
	required := normalizeCode(module.RequiredRole)
	if required == "" {
		return allow("", "module enabled")
	}
	for _, code := range src.RoleCodes() {
		if code == required {
			return allow(SourceRole, "holds required role "+required)
		}
	}
	return deny(SourceRole, "missing required role "+required)
}
