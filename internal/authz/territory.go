package authz

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"gorm.io/gorm"
)

// Resource names a territory-scoped table.
type Resource string

const (
	ServiceJobs Resource = "service_jobs"
	Workshops   Resource = "workshops"
	Scooters    Resource = "scooters"
	Users       Resource = "users"
)

// ScopeKind is the outcome class of a territory computation.
type ScopeKind int

const (
	Denied ScopeKind = iota
	Unrestricted
	Filtered
)

// Clause restricts Column to Values. Clauses of a Scope are OR'ed.
type Clause struct {
	Column string
	Values []string
}

// Scope bounds the rows of one resource visible to one principal.
type Scope struct {
	Kind    ScopeKind
	Clauses []Clause
}

// Empty reports whether the scope is a filter that can match nothing.
func (s Scope) Empty() bool {
	if s.Kind != Filtered {
		return false
	}
	for _, c := range s.Clauses {
		if len(c.Values) > 0 {
			return false
		}
	}
	return true
}

// Apply restricts a query to the scope. It is meant for db.Scopes and must
// run before rows are read or written. Denied matches nothing.
func (s Scope) Apply(db *gorm.DB) *gorm.DB {
	switch s.Kind {
	case Unrestricted:
		return db
	case Filtered:
		var conds []string
		var args []any
		for _, c := range s.Clauses {
			if len(c.Values) == 0 {
				continue
			}
			conds = append(conds, c.Column+" IN ?")
			args = append(args, c.Values)
		}
		if len(conds) == 0 {
			return db.Where("1 = 0")
		}
		return db.Where("("+strings.Join(conds, " OR ")+")", args...)
	default:
		return db.Where("1 = 0")
	}
}

// Permits evaluates the scope against column values of a row that is not
// in the store yet, such as the target of a create.
func (s Scope) Permits(attrs map[string]string) bool {
	switch s.Kind {
	case Unrestricted:
		return true
	case Filtered:
		for _, c := range s.Clauses {
			if v := attrs[c.Column]; v != "" && slices.Contains(c.Values, v) {
				return true
			}
		}
	}
	return false
}

// WorkshopRef is what the scoper needs to know about a workshop.
type WorkshopRef struct {
	Active              bool
	ParentDistributorID *string
}

// Directory answers the affiliation lookups territory rules depend on.
type Directory interface {
	ActiveWorkshopIDs(ctx context.Context, distributorID string) ([]string, error)
	// Workshop returns nil when the workshop does not exist.
	Workshop(ctx context.Context, workshopID string) (*WorkshopRef, error)
	OwnedScooterIDs(ctx context.Context, userID string) ([]string, error)
}

// binding maps each rule onto the columns of one resource. An empty column
// means the rule does not apply to that resource.
type binding struct {
	distributorColumn         string // = own distributor
	distributorWorkshopColumn string // in active workshops of own distributor
	workshopColumn            string // = own workshop
	workshopParentColumn      string // = parent distributor of own workshop
	ownerColumn               string // = own user id
	ownedScooterColumn        string // in scooters registered to self
}

var bindings = map[Resource]binding{
	ServiceJobs: {
		distributorWorkshopColumn: "workshop_id",
		workshopColumn:            "workshop_id",
		ownerColumn:               "customer_id",
	},
	Workshops: {
		distributorColumn: "parent_distributor_id",
		workshopColumn:    "id",
	},
	Scooters: {
		distributorColumn:    "distributor_id",
		workshopParentColumn: "distributor_id",
		ownedScooterColumn:   "id",
	},
	Users: {
		distributorColumn:         "distributor_id",
		distributorWorkshopColumn: "workshop_id",
		workshopColumn:            "workshop_id",
		ownerColumn:               "id",
	},
}

// Scoper computes territory scopes.
type Scoper struct {
	dir Directory
}

// NewScoper returns a Scoper using dir for affiliation lookups.
func NewScoper(dir Directory) *Scoper {
	return &Scoper{dir: dir}
}

// Scope returns the territory of p on resource r. Rules are tried in fixed
// order: admin, distributor, workshop, customer; the first rule that both
// matches the principal and has a binding on r decides.
func (s *Scoper) Scope(ctx context.Context, p *Principal, r Resource) (Scope, error) {
	b, ok := bindings[r]
	if !ok || p == nil {
		return Scope{Kind: Denied}, nil
	}

	if p.Roles.Has(ManufacturerAdmin) {
		return Scope{Kind: Unrestricted}, nil
	}

	if p.Roles.Has(DistributorStaff) && p.DistributorID != nil &&
		(b.distributorColumn != "" || b.distributorWorkshopColumn != "") {
		d := *p.DistributorID
		var clauses []Clause
		if b.distributorColumn != "" {
			clauses = append(clauses, Clause{Column: b.distributorColumn, Values: []string{d}})
		}
		if b.distributorWorkshopColumn != "" {
			ids, err := s.dir.ActiveWorkshopIDs(ctx, d)
			if err != nil {
				return Scope{}, fmt.Errorf("resolve distributor workshops: %w", err)
			}
			clauses = append(clauses, Clause{Column: b.distributorWorkshopColumn, Values: ids})
		}
		return Scope{Kind: Filtered, Clauses: clauses}, nil
	}

	if p.Roles.Has(WorkshopStaff) && p.WorkshopID != nil &&
		(b.workshopColumn != "" || b.workshopParentColumn != "") {
		w := *p.WorkshopID
		ws, err := s.dir.Workshop(ctx, w)
		if err != nil {
			return Scope{}, fmt.Errorf("resolve workshop: %w", err)
		}
		// Staff of a missing or deactivated workshop see nothing, matching
		// the distributor rule which only counts active workshops.
		if ws == nil || !ws.Active {
			return Scope{Kind: Filtered}, nil
		}
		var clauses []Clause
		if b.workshopColumn != "" {
			clauses = append(clauses, Clause{Column: b.workshopColumn, Values: []string{w}})
		}
		if b.workshopParentColumn != "" && ws.ParentDistributorID != nil {
			clauses = append(clauses, Clause{Column: b.workshopParentColumn, Values: []string{*ws.ParentDistributorID}})
		}
		return Scope{Kind: Filtered, Clauses: clauses}, nil
	}

	if p.Roles.Has(Customer) && (b.ownerColumn != "" || b.ownedScooterColumn != "") {
		var clauses []Clause
		if b.ownerColumn != "" {
			clauses = append(clauses, Clause{Column: b.ownerColumn, Values: []string{p.ID}})
		}
		if b.ownedScooterColumn != "" {
			ids, err := s.dir.OwnedScooterIDs(ctx, p.ID)
			if err != nil {
				return Scope{}, fmt.Errorf("resolve owned scooters: %w", err)
			}
			clauses = append(clauses, Clause{Column: b.ownedScooterColumn, Values: ids})
		}
		return Scope{Kind: Filtered, Clauses: clauses}, nil
	}

	return Scope{Kind: Denied}, nil
}
