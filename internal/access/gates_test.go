package access

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func intPtr(v int) *int { return &v }

func TestEvaluateFeature(t *testing.T) {
	member := Sources{Resolved: true, Principal: Principal{ID: 1, Active: true, ProfileCompletion: 30}}
	unresolvedSrc := Sources{Principal: Principal{ID: 2}}

	cases := []struct {
		name    string
		feature Feature
		found   bool
		src     Sources
		allowed bool
	}{
		{name: "missing record shows", found: false, src: member, allowed: true},
		{name: "show", feature: Feature{Visibility: VisibilityShow}, found: true, src: member, allowed: true},
		{name: "hide", feature: Feature{Visibility: VisibilityHide}, found: true, src: member},
		{name: "restricted below threshold", feature: Feature{Visibility: VisibilityRestricted, RequiredCompletion: intPtr(50)}, found: true, src: member},
		{name: "restricted at threshold", feature: Feature{Visibility: VisibilityRestricted, RequiredCompletion: intPtr(30)}, found: true, src: member, allowed: true},
		{name: "restricted missing threshold", feature: Feature{Visibility: VisibilityRestricted}, found: true, src: member},
		{name: "restricted negative threshold", feature: Feature{Visibility: VisibilityRestricted, RequiredCompletion: intPtr(-1)}, found: true, src: member},
		{name: "unresolved principal counts as zero", feature: Feature{Visibility: VisibilityRestricted, RequiredCompletion: intPtr(1)}, found: true, src: unresolvedSrc},
		{name: "zero threshold admits unresolved", feature: Feature{Visibility: VisibilityRestricted, RequiredCompletion: intPtr(0)}, found: true, src: unresolvedSrc, allowed: true},
		{name: "unknown visibility", feature: Feature{Visibility: "BETA"}, found: true, src: member},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := EvaluateFeature(tc.feature, tc.found, tc.src)
			require.Equal(t, tc.allowed, d.Allowed(), d.Reason)
		})
	}
}

func TestScenarioDRestrictedFeatureIgnoresCapability(t *testing.T) {
	src := Sources{
		Resolved:  true,
		Principal: Principal{ID: 1, Active: true, ProfileCompletion: 30},
		Roles:     []RoleGrant{{RoleCode: "power", CapabilityCode: "ai_tools_use", CRUD: CRUD{Read: true}}},
	}
	require.True(t, Merge(src).Allows("ai_tools_use", ActionRead))

	d := EvaluateFeature(Feature{Code: "ai_tools", Visibility: VisibilityRestricted, RequiredCompletion: intPtr(50)}, true, src)
	require.False(t, d.Allowed())
	require.Equal(t, "profile completion 30% below 50%", d.Reason)
}

func TestEvaluateModule(t *testing.T) {
	staff := Sources{Resolved: true, Principal: Principal{ID: 1, Active: true, Roles: []string{"STAFF"}}}

	require.False(t, EvaluateModule(Module{}, false, staff).Allowed())
	require.False(t, EvaluateModule(Module{Key: "reports", Enabled: false}, true, staff).Allowed())
	require.True(t, EvaluateModule(Module{Key: "reports", Enabled: true}, true, staff).Allowed())
	require.True(t, EvaluateModule(Module{Key: "reports", Enabled: true}, true, Sources{}).Allowed())
}

func TestEvaluateModuleDisabledDeniesEveryRole(t *testing.T) {
	everyone := Sources{Resolved: true, Principal: Principal{ID: 1, Active: true, Roles: []string{"admin", "branch_manager", "staff"}}}
	d := EvaluateModule(Module{Key: "reports", Enabled: false, RequiredRole: "admin"}, true, everyone)
	require.False(t, d.Allowed())
	require.Equal(t, "module disabled", d.Reason)
}

func TestScenarioERequiredRoleUsesMembership(t *testing.T) {
	module := Module{Key: "reports", Enabled: true, RequiredRole: "BRANCH_MANAGER"}
	src := Sources{Resolved: true, Principal: Principal{ID: 1, Active: true, Roles: []string{"STAFF"}}}

	d := EvaluateModule(module, true, src)
	require.False(t, d.Allowed())
	require.Equal(t, "missing required role branch_manager", d.Reason)

	src.Principal.Roles = append(src.Principal.Roles, "branch_manager")
	d = EvaluateModule(module, true, src)
	require.True(t, d.Allowed())
	require.Equal(t, SourceRole, d.Source)
}
