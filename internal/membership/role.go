package membership

import "fmt"

// Role is the account type stored with each user.
type Role string

const (
	RoleMember Role = "member"
	RoleAdmin  Role = "admin"
)

// ParseRole validates a stored or submitted role.
func ParseRole(s string) (Role, error) {
	switch r := Role(s); r {
	case RoleMember, RoleAdmin:
		return r, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, s)
	}
}

// Capabilities answers what an actor may do. Operations gated on privileges
// ask for a capability instead of comparing role strings.
type Capabilities interface {
	CanManageCatalog() bool
	CanViewAdminOverview() bool
}

type memberCapabilities struct{}

func (memberCapabilities) CanManageCatalog() bool     { return false }
func (memberCapabilities) CanViewAdminOverview() bool { return false }

type adminCapabilities struct{}

func (adminCapabilities) CanManageCatalog() bool     { return true }
func (adminCapabilities) CanViewAdminOverview() bool { return true }

// Capabilities returns the capability set of the role. Unknown roles get
// member capabilities.
func (r Role) Capabilities() Capabilities {
	if r == RoleAdmin {
		return adminCapabilities{}
	}
	return memberCapabilities{}
}
