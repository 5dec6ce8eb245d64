// Package access provides the static session and permission sources the
// daemon plugs into the security pipeline.
package access

import (
	"crypto/sha256"
	"fmt"
	"net/http"
	"strings"

	"github.com/developingchet/admission-guard/internal/config"
	"github.com/developingchet/admission-guard/internal/security"
)

// Wildcard matches any action or scope in a grant.
const Wildcard = "*"

// TokenProvider authenticates static bearer tokens. Tokens are held only as
// SHA-256 digests.
type TokenProvider struct {
	users map[[sha256.Size]byte]security.User
}

// NewTokenProvider indexes grants. Duplicate tokens are rejected.
func NewTokenProvider(grants []config.TokenGrant) (*TokenProvider, error) {
	users := make(map[[sha256.Size]byte]security.User, len(grants))
	for i, g := range grants {
		sum := sha256.Sum256([]byte(g.Token))
		if _, dup := users[sum]; dup {
			return nil, fmt.Errorf("API token #%d is a duplicate", i+1)
		}
		users[sum] = security.User{ID: g.UserID, Role: g.Role}
	}
	return &TokenProvider{users: users}, nil
}

// Session resolves "Authorization: Bearer <token>". Missing or unknown tokens
// yield an anonymous request.
func (p *TokenProvider) Session(r *http.Request) (*security.User, error) {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return nil, nil
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, nil
	}
	u, found := p.users[sha256.Sum256([]byte(token))]
	if !found {
		return nil, nil
	}
	return &u, nil
}

// Len returns the number of known tokens.
func (p *TokenProvider) Len() int { return len(p.users) }

// RoleMatrix grants permissions per role.
type RoleMatrix struct {
	grants map[string][]security.Permission
}

// NewRoleMatrix builds a matrix from parsed ROLE_PERMISSIONS entries.
func NewRoleMatrix(grants []config.RoleGrant) *RoleMatrix {
	m := &RoleMatrix{grants: make(map[string][]security.Permission)}
	for _, g := range grants {
		m.grants[g.Role] = append(m.grants[g.Role], security.Permission{
			Resource: g.Resource, Action: g.Action, Scope: g.Scope,
		})
	}
	return m
}

// HasPermission reports whether role holds perm. An unscoped grant covers
// every scope; a scoped grant covers only its own scope.
func (m *RoleMatrix) HasPermission(role string, perm security.Permission) bool {
	for _, g := range m.grants[role] {
		if g.Resource != perm.Resource {
			continue
		}
		if g.Action != perm.Action && g.Action != Wildcard {
			continue
		}
		if g.Scope == "" || g.Scope == Wildcard || g.Scope == perm.Scope {
			return true
		}
	}
	return false
}

// Roles lists roles with at least one grant.
func (m *RoleMatrix) Roles() []string {
	out := make([]string, 0, len(m.grants))
	for r := range m.grants {
		out = append(out, r)
	}
	return out
}

var (
	_ security.SessionProvider     = (*TokenProvider)(nil)
	_ security.PermissionValidator = (*RoleMatrix)(nil)
)
