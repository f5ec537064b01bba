package permissions

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Resolver answers "what permissions does this subject hold in this tenant".
// Approval authority checks depend on it. Implementations may back this with
// an external directory sync; the static resolver below is the default.
type Resolver interface {
	// PermissionsFor returns the permission strings held by a subject
	PermissionsFor(ctx context.Context, tenantID uuid.UUID, subject string) ([]string, error)

	// RolesFor returns the role names held by a subject
	RolesFor(ctx context.Context, tenantID uuid.UUID, subject string) ([]string, error)
}

// Well-known roles and the permissions they grant by default
const (
	RoleViewer        = "viewer"
	RoleEngineer      = "engineer"
	RoleApprover      = "approver"
	RoleFinOpsAdmin   = "finops_admin"
	RolePlatformAdmin = "platform_admin"
)

// Permissions referenced by routing rules
const (
	PermApproveNonprod  = "gate:approve:nonprod"
	PermApproveProd     = "gate:approve:prod"
	PermApproveCritical = "gate:approve:critical"
	PermManagePolicy    = "gate:policy:manage"
	PermManageBudget    = "gate:budget:manage"
)

var defaultRoleGrants = map[string][]string{
	RoleViewer:        {},
	RoleEngineer:      {PermApproveNonprod},
	RoleApprover:      {PermApproveNonprod, PermApproveProd},
	RoleFinOpsAdmin:   {PermApproveNonprod, PermApproveProd, PermApproveCritical, PermManageBudget},
	RolePlatformAdmin: {PermApproveNonprod, PermApproveProd, PermApproveCritical, PermManagePolicy, PermManageBudget},
}

// StaticResolver resolves permissions from default role grants plus group
// mappings synced into memory. Safe for concurrent use.
type StaticResolver struct {
	mu sync.RWMutex
	// subject -> roles, keyed per tenant
	assignments map[uuid.UUID]map[string][]string
	// extra grants layered on top of role defaults
	grants map[string][]string
	logger *zap.Logger
}

// NewStaticResolver creates a resolver with the default role grant table
func NewStaticResolver(logger *zap.Logger) *StaticResolver {
	grants := make(map[string][]string, len(defaultRoleGrants))
	for role, perms := range defaultRoleGrants {
		grants[role] = append([]string(nil), perms...)
	}
	return &StaticResolver{
		assignments: make(map[uuid.UUID]map[string][]string),
		grants:      grants,
		logger:      logger,
	}
}

// AssignRoles sets the roles a subject holds in a tenant, replacing any
// previous assignment. Used by group-sync and by tests.
func (r *StaticResolver) AssignRoles(tenantID uuid.UUID, subject string, roles ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tenant, ok := r.assignments[tenantID]
	if !ok {
		tenant = make(map[string][]string)
		r.assignments[tenantID] = tenant
	}
	tenant[subject] = append([]string(nil), roles...)
}

// GrantRolePermission adds a permission to a role beyond the defaults
func (r *StaticResolver) GrantRolePermission(role, permission string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.grants[role] {
		if p == permission {
			return
		}
	}
	r.grants[role] = append(r.grants[role], permission)
}

// RolesFor returns the roles assigned to a subject in a tenant
func (r *StaticResolver) RolesFor(_ context.Context, tenantID uuid.UUID, subject string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tenant, ok := r.assignments[tenantID]
	if !ok {
		return nil, nil
	}
	return append([]string(nil), tenant[subject]...), nil
}

// PermissionsFor returns the union of permissions across the subject's roles
func (r *StaticResolver) PermissionsFor(ctx context.Context, tenantID uuid.UUID, subject string) ([]string, error) {
	roles, err := r.RolesFor(ctx, tenantID, subject)
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]struct{})
	var perms []string
	for _, role := range roles {
		for _, p := range r.grants[role] {
			if _, ok := seen[p]; ok {
				continue
			}
			seen[p] = struct{}{}
			perms = append(perms, p)
		}
	}
	return perms, nil
}

// HasPermission reports whether the permission list contains the given grant
func HasPermission(perms []string, want string) bool {
	for _, p := range perms {
		if p == want {
			return true
		}
	}
	return false
}

// HasAnyRole reports whether the subject holds any of the allowed roles
func HasAnyRole(roles, allowed []string) bool {
	for _, r := range roles {
		for _, a := range allowed {
			if r == a {
				return true
			}
		}
	}
	return false
}
