package auth

import (
	"errors"
	"net/http"
	"strings"
)

var ErrForbidden = errors.New("forbidden")

const (
	RoleViewer   = "viewer"
	RoleOperator = "operator"
	RoleAdmin    = "admin"
)

// Roles are ordered; each one includes the rights of those before it.
var roleOrder = []string{RoleViewer, RoleOperator, RoleAdmin}

func rank(role string) int {
	role = strings.ToLower(strings.TrimSpace(role))
	for i, known := range roleOrder {
		if role == known {
			return i + 1
		}
	}
	return 0
}

// HasAtLeast reports whether the strongest of roles covers required.
// Unknown required roles are never satisfied.
func HasAtLeast(roles []string, required string) bool {
	need := rank(required)
	if need == 0 {
		return false
	}
	for _, role := range roles {
		if rank(role) >= need {
			return true
		}
	}
	return false
}

// RequiredRoleForRequest maps reads to viewer, run control to operator and
// deletion to admin.
func RequiredRoleForRequest(r *http.Request) string {
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return RoleViewer
	case http.MethodDelete:
		return RoleAdmin
	default:
		return RoleOperator
	}
}

func MethodRoleAuthorizer() AuthorizeFunc {
	return func(r *http.Request, identity Identity) error {
		if required := RequiredRoleForRequest(r); !HasAtLeast(identity.Roles, required) {
			return errors.Join(ErrForbidden, errors.New("requires role "+required))
		}
		return nil
	}
}
