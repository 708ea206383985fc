package middleware

import (
	"context"
	"net/http"

	"hrmpay/internal/domain/auth"
	"hrmpay/internal/transport/http/api"
)

type PermissionStore interface {
	HasPermission(ctx context.Context, user auth.UserContext, permission string) (bool, error)
}

// RequireAnyPermission passes when the user holds at least one of the permissions.
func RequireAnyPermission(store PermissionStore, permissions ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, ok := GetUser(r.Context())
			if !ok {
				api.Fail(w, http.StatusUnauthorized, "unauthorized", "authentication required", GetRequestID(r.Context()))
				return
			}

			for _, permission := range permissions {
				allowed, err := store.HasPermission(r.Context(), user, permission)
				if err != nil {
					api.Fail(w, http.StatusInternalServerError, "permission_error", "permission check failed", GetRequestID(r.Context()))
					return
				}
				if allowed {
					next.ServeHTTP(w, r)
					return
				}
			}
			api.Fail(w, http.StatusForbidden, "forbidden", "insufficient permissions", GetRequestID(r.Context()))
		})
	}
}

func RequirePermission(permission string, store PermissionStore) func(http.Handler) http.Handler {
	return RequireAnyPermission(store, permission)
}
