package access

import (
	"sort"
	"time"
)

// Action is one of the four CRUD sub-rights a capability carries.
type Action string

const (
	ActionCreate Action = "create"
	ActionRead   Action = "read"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// ParseAction validates a raw action string.
func ParseAction(raw string) (Action, error) {
	switch a := Action(normalizeCode(raw)); a {
	case ActionCreate, ActionRead, ActionUpdate, ActionDelete:
		return a, nil
	default:
		return "", ErrInvalidAction
	}
}

// Effect is the tri-state outcome carried by group grants and overrides.
// The zero value means unset.
type Effect string

const (
	EffectAllow Effect = "ALLOW"
	EffectDeny  Effect = "DENY"
)

// Valid reports whether the effect is ALLOW or DENY.
func (e Effect) Valid() bool {
	return e == EffectAllow || e == EffectDeny
}

// Source tags which grant tier produced an effective permission.
type Source string

const (
	SourceRole     Source = "role"
	SourceGroup    Source = "group"
	SourceOverride Source = "override"
)

// CRUD holds the four independent sub-rights of a role grant.
type CRUD struct {
	Create bool `json:"create"`
	Read   bool `json:"read"`
	Update bool `json:"update"`
	Delete bool `json:"delete"`
}

// Any reports whether at least one sub-right is granted.
func (c CRUD) Any() bool {
	return c.Create || c.Read || c.Update || c.Delete
}

// Allows reports whether the given action is granted.
func (c CRUD) Allows(action Action) bool {
	switch action {
	case ActionCreate:
		return c.Create
	case ActionRead:
		return c.Read
	case ActionUpdate:
		return c.Update
	case ActionDelete:
		return c.Delete
	default:
		return false
	}
}

// Union ORs each sub-right with other.
func (c CRUD) Union(other CRUD) CRUD {
	return CRUD{
		Create: c.Create || other.Create,
		Read:   c.Read || other.Read,
		Update: c.Update || other.Update,
		Delete: c.Delete || other.Delete,
	}
}

// Principal is the identity being checked.
type Principal struct {
	ID                int64    `json:"id"`
	Active            bool     `json:"active"`
	ProfileCompletion int      `json:"profile_completion"`
	Roles             []string `json:"roles"`
}

// HasRole reports whether the principal holds the role code.
func (p Principal) HasRole(code string) bool {
	code = normalizeCode(code)
	for _, r := range p.Roles {
		if normalizeCode(r) == code {
			return true
		}
	}
	return false
}

// Capability is a named unit of access control scoped to a module.
type Capability struct {
	Code        string `json:"code"`
	Module      string `json:"module"`
	Description string `json:"description"`
	Disabled    bool   `json:"disabled"`
}

// Role is a bundle of CRUD capability grants.
type Role struct {
	Code        string    `json:"code"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	System      bool      `json:"system"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// RoleGrant is one capability grant contributed by a role.
type RoleGrant struct {
	RoleCode       string `json:"role_code"`
	CapabilityCode string `json:"capability_code"`
	CRUD           CRUD   `json:"crud"`
}

// GroupGrant is one coarse capability grant contributed by a group.
type GroupGrant struct {
	GroupCode      string `json:"group_code"`
	CapabilityCode string `json:"capability_code"`
	Effect         Effect `json:"effect"`
}

// Override is an authoritative per-principal effect on one capability.
type Override struct {
	PrincipalID    int64     `json:"principal_id"`
	CapabilityCode string    `json:"capability_code"`
	Effect         Effect    `json:"effect"`
	Reason         string    `json:"reason,omitempty"`
	AssignedBy     int64     `json:"assigned_by"`
	AssignedAt     time.Time `json:"assigned_at"`
}

// Visibility controls how a feature is exposed.
type Visibility string

const (
	VisibilityShow       Visibility = "SHOW"
	VisibilityHide       Visibility = "HIDE"
	VisibilityRestricted Visibility = "RESTRICTED"
)

// Valid reports whether v is a known visibility mode.
func (v Visibility) Valid() bool {
	return v == VisibilityShow || v == VisibilityHide || v == VisibilityRestricted
}

// Feature is a visibility gate independent from capabilities.
type Feature struct {
	Code       string     `json:"code"`
	Visibility Visibility `json:"visibility"`
	// RequiredCompletion is only meaningful for RESTRICTED features.
	RequiredCompletion *int `json:"required_completion,omitempty"`
}

// Module is a coarse functional area.
type Module struct {
	Key          string `json:"key"`
	Enabled      bool   `json:"enabled"`
	RequiredRole string `json:"required_role,omitempty"`
}

// EffectivePermission is the merged outcome for one capability. CRUD is only
// set when the winning source is SourceRole; group and override records apply
// Allowed uniformly to every action.
type EffectivePermission struct {
	CapabilityCode string `json:"capability_code"`
	Source         Source `json:"source"`
	Allowed        bool   `json:"allowed"`
	CRUD           *CRUD  `json:"crud,omitempty"`
}

// Allows reports whether the record grants the action.
func (p EffectivePermission) Allows(action Action) bool {
	if p.Source == SourceRole && p.CRUD != nil {
		return p.CRUD.Allows(action)
	}
	switch action {
	case ActionCreate, ActionRead, ActionUpdate, ActionDelete:
		return p.Allowed
	default:
		return false
	}
}

// Permissions is the merged permission set of a principal keyed by capability code.
type Permissions map[string]EffectivePermission

// Lookup returns the record for a capability code.
func (p Permissions) Lookup(code string) (EffectivePermission, bool) {
	perm, ok := p[normalizeCode(code)]
	return perm, ok
}

// Allows reports whether the capability grants the action. Absent capabilities are denied.
func (p Permissions) Allows(code string, action Action) bool {
	perm, ok := p.Lookup(code)
	if !ok {
		return false
	}
	return perm.Allows(action)
}

// List returns the records ordered by capability code.
func (p Permissions) List() []EffectivePermission {
	out := make([]EffectivePermission, 0, len(p))
	for _, perm := range p {
		out = append(out, perm)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CapabilityCode < out[j].CapabilityCode })
	return out
}

// Outcome is the result category of an access decision.
type Outcome string

const (
	OutcomeAllowed Outcome = "allowed"
	OutcomeDenied  Outcome = "denied"
	// OutcomeUnresolvable is returned when the principal cannot be resolved.
	// Callers treat it as denied.
	OutcomeUnresolvable Outcome = "unresolvable"
)

// Decision is the answer to an access check.
type Decision struct {
	Outcome Outcome `json:"outcome"`
	Source  Source  `json:"source,omitempty"`
	Reason  string  `json:"reason"`
}

// Allowed reports whether the decision grants access.
func (d Decision) Allowed() bool {
	return d.Outcome == OutcomeAllowed
}

func allow(source Source, reason string) Decision {
	return Decision{Outcome: OutcomeAllowed, Source: source, Reason: reason}
}

func deny(source Source, reason string) Decision {
	return Decision{Outcome: OutcomeDenied, Source: source, Reason: reason}
}

func unresolvable(reason string) Decision {
	return Decision{Outcome: OutcomeUnresolvable, Reason: reason}
}
