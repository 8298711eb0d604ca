package authz

// Principal is the identity behind one request. It is built per request by
// the session validator and must not be modified afterwards.
type Principal struct {
	ID            string
	Email         string
	Roles         RoleSet
	Active        bool
	DistributorID *string
	WorkshopID    *string
}

// View is the JSON shape of a principal returned to clients.
type View struct {
	ID            string   `json:"id"`
	Email         string   `json:"email"`
	Roles         []string `json:"roles"`
	DistributorID *string  `json:"distributor_id"`
	WorkshopID    *string  `json:"workshop_id"`
}

// View returns the client-facing representation of p.
func (p *Principal) View() View {
	return View{
		ID:            p.ID,
		Email:         p.Email,
		Roles:         p.Roles.Strings(),
		DistributorID: p.DistributorID,
		WorkshopID:    p.WorkshopID,
	}
}
