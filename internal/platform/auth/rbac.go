package auth

import (
	"errors"
	"net/http"
	"strings"
)

var ErrForbidden = errors.New("forbidden")

// The orchestrator knows three access tiers. Viewers read runs, change
// sets and deployments; editors also dispatch runs and decide
// approvals; admin exists for operator tokens and implies both.
const (
	RoleViewer = "viewer"
	RoleEditor = "editor"
	RoleAdmin  = "admin"
)

// HasAtLeast reports whether any of roles meets the required tier.
// Unknown role names carry no tier at all.
func HasAtLeast(roles []string, required string) bool {
	need := tier(required)
	if need == 0 {
		return false
	}
	for _, role := range roles {
		if tier(role) >= need {
			return true
		}
	}
	return false
}

func tier(role string) int {
	switch strings.ToLower(strings.TrimSpace(role)) {
	case RoleViewer:
		return 1
	case RoleEditor:
		return 2
	case RoleAdmin:
		return 3
	}
	return 0
}

// RequiredRoleForRequest maps the HTTP method to the tier it needs:
// reads are viewer-grade, dispatching runs and deciding approvals are
// editor-grade.
func RequiredRoleForRequest(r *http.Request) string {
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return RoleViewer
	default:
		return RoleEditor
	}
}
