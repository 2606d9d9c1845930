package domain

type Role string

const (
	RoleCustomer Role = "customer"
	RoleStaff    Role = "staff"
	RoleAdmin    Role = "admin"
	RoleSystem   Role = "system"
)

// Actor identifies who is driving an operation. PartnerID scopes a staff
// member to one partner's pickups; empty means unscoped.
type Actor struct {
	ID        string `json:"id"`
	Role      Role   `json:"role"`
	PartnerID string `json:"partner_id,omitempty"`
}

// SystemActor is used by the expiry scheduler.
var SystemActor = Actor{ID: "system", Role: RoleSystem}

func (a Actor) Valid() bool {
	switch a.Role {
	case RoleCustomer, RoleStaff, RoleAdmin, RoleSystem:
		return a.ID != ""
	}
	return false
}

func (a Actor) IsStaff() bool {
	return a.Role == RoleStaff || a.Role == RoleAdmin
}

// CanRedeemFor reports whether the actor may hand over goods for a
// reservation owned by partnerID.
func (a Actor) CanRedeemFor(partnerID string) bool {
	switch a.Role {
	case RoleAdmin, RoleSystem:
		return true
	case RoleStaff:
		return a.PartnerID == "" || partnerID == "" || a.PartnerID == partnerID
	}
	return false
}
