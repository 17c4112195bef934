package auth

import (
	"net/http"
)

// Canonical role names on the kernel API.
const (
	RoleAdmin    = "admin"
	RoleOperator = "operator"
	RoleApprover = "approver"
	RoleAuditor  = "auditor"
)

// HasRole reports whether the principal carries the role. Admin implies every
// role. A peer CN equal to the role name counts as holding it, which lets
// service certs carry their role in the subject.
func HasRole(p *Principal, role string) bool {
	if p == nil {
		return false
	}
	for _, r := range p.Roles {
		if r == role || r == RoleAdmin {
			return true
		}
	}
	if p.PeerCN != "" && p.PeerCN == role {
		return true
	}
	return false
}

// RequireRole allows the request only when the principal has the role.
func RequireRole(role string) func(http.Handler) http.Handler {
	return RequireAnyRole(role)
}

// RequireAnyRole allows the request when the principal has any of the roles.
func RequireAnyRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p := FromContext(r.Context())
			for _, role := range roles {
				if HasRole(p, role) {
					next.ServeHTTP(w, r)
					return
				}
			}
			http.Error(w, "forbidden", http.StatusForbidden)
		})
	}
}
