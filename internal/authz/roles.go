// Package authz resolves a principal's canonical roles and computes the
// territory a principal may read or write for each resource.
package authz

import "slices"

// Role is one of the canonical roles. Nothing outside Resolve looks at the
// legacy user level.
type Role string

const (
	ManufacturerAdmin Role = "manufacturer_admin"
	DistributorStaff  Role = "distributor_staff"
	WorkshopStaff     Role = "workshop_staff"
	Customer          Role = "customer"
)

// StaffRoles may operate on service jobs on behalf of a workshop.
var StaffRoles = []Role{ManufacturerAdmin, DistributorStaff, WorkshopStaff}

var canonical = map[Role]bool{
	ManufacturerAdmin: true,
	DistributorStaff:  true,
	WorkshopStaff:     true,
	Customer:          true,
}

var legacyLevels = map[string]Role{
	"admin":       ManufacturerAdmin,
	"distributor": DistributorStaff,
	"maintenance": WorkshopStaff,
	"user":        Customer,
	"normal":      Customer,
}

// RoleSet is an ordered, duplicate-free set of canonical roles.
type RoleSet []Role

// Has reports whether r is in the set.
func (s RoleSet) Has(r Role) bool {
	return slices.Contains(s, r)
}

// Strings returns the roles as plain strings.
func (s RoleSet) Strings() []string {
	out := make([]string, len(s))
	for i, r := range s {
		out[i] = string(r)
	}
	return out
}

// Resolve maps a user's stored role representations to the canonical set.
// A non-empty explicit array is authoritative and unknown entries are
// dropped. Otherwise the legacy level is looked up; unknown levels yield an
// empty set.
func Resolve(explicit []string, legacyLevel string) RoleSet {
	if len(explicit) > 0 {
		var out RoleSet
		for _, s := range explicit {
			r := Role(s)
			if canonical[r] && !out.Has(r) {
				out = append(out, r)
			}
		}
		return out
	}
	if r, ok := legacyLevels[legacyLevel]; ok {
		return RoleSet{r}
	}
	return RoleSet{}
}

// LegacyLevel returns the legacy scalar level equivalent to r, the inverse of
// the fallback table used by Resolve.
func LegacyLevel(r Role) string {
	switch r {
	case ManufacturerAdmin:
		return "admin"
	case DistributorStaff:
		return "distributor"
	case WorkshopStaff:
		return "maintenance"
	default:
		return "user"
	}
}

// HasAny reports whether p holds at least one of allowed. It stops at the
// first match. No role is treated as a wildcard here.
func HasAny(p *Principal, allowed ...Role) bool {
	if p == nil {
		return false
	}
	for _, r := range allowed {
		if p.Roles.Has(r) {
			return true
		}
	}
	return false
}
