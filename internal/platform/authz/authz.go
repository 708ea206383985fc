package authz

import (
	"context"
	"errors"
	"os"
	"strings"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	fileadapter "github.com/casbin/casbin/v2/persist/file-adapter"

	"hrmpay/internal/domain/auth"
)

// AnyTenant in a policy's domain column grants across tenants.
const AnyTenant = "*"

const defaultModel = `
[request_definition]
r = sub, dom, obj, act

[policy_definition]
p = sub, dom, obj, act

[role_definition]
g = _, _

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = g(r.sub, p.sub) && (p.dom == "*" || r.dom == p.dom) && r.obj == p.obj && r.act == p.act
`

// Authorizer answers role permission checks from a casbin policy.
type Authorizer struct {
	enforcer *casbin.Enforcer
}

// NewAuthorizer loads the model and policy files. A missing model file falls
// back to the built-in model; a missing policy file to auth.RolePermissions.
func NewAuthorizer(modelPath, policyPath string) (*Authorizer, error) {
	m, err := loadModel(modelPath)
	if err != nil {
		return nil, err
	}
	enforcer, err := casbin.NewEnforcer(m)
	if err != nil {
		return nil, err
	}
	if fileExists(policyPath) {
		enforcer.SetAdapter(fileadapter.NewAdapter(policyPath))
		if err := enforcer.LoadPolicy(); err != nil {
			return nil, err
		}
		return &Authorizer{enforcer: enforcer}, nil
	}
	for role, perms := range auth.RolePermissions {
		for _, perm := range perms {
			obj, act := SplitPermission(perm)
			if _, err := enforcer.AddPolicy(SubjectFromRole(role), AnyTenant, obj, act); err != nil {
				return nil, err
			}
		}
	}
	return &Authorizer{enforcer: enforcer}, nil
}

func loadModel(path string) (model.Model, error) {
	if fileExists(path) {
		return model.NewModelFromFile(path)
	}
	return model.NewModelFromString(defaultModel)
}

func SubjectFromRole(role string) string {
	role = strings.TrimSpace(strings.ToLower(role))
	if role == "" {
		role = "anonymous"
	}
	return "role:" + role
}

// SplitPermission turns "payroll.run" into object "payroll" and action "run".
func SplitPermission(permission string) (string, string) {
	idx := strings.LastIndex(permission, ".")
	if idx < 0 {
		return permission, "*"
	}
	return permission[:idx], permission[idx+1:]
}

func (a *Authorizer) HasPermission(ctx context.Context, user auth.UserContext, permission string) (bool, error) {
	if a == nil || a.enforcer == nil {
		return false, errors.New("authz: authorizer not configured")
	}
	obj, act := SplitPermission(permission)
	return a.enforcer.Enforce(SubjectFromRole(user.RoleName), strings.ToLower(strings.TrimSpace(user.TenantID)), obj, act)
}

func fileExists(path string) bool {
	if strings.TrimSpace(path) == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
