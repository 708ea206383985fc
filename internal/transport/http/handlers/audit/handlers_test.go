package audithandler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"hrmpay/internal/domain/audit"
	"hrmpay/internal/domain/auth"
	"hrmpay/internal/platform/authz"
	"hrmpay/internal/transport/http/middleware"
)

type fakeLister struct {
	filter audit.Filter
	limit  int
	events []audit.Event
}

func (f *fakeLister) Count(ctx context.Context, tenantID string, filter audit.Filter) (int, error) {
	return len(f.events), nil
}

func (f *fakeLister) List(ctx context.Context, tenantID string, filter audit.Filter, limit, offset int) ([]audit.Event, error) {
	f.filter, f.limit = filter, limit
	return f.events, nil
}

func newRouter(t *testing.T, lister *fakeLister) http.Handler {
	t.Helper()
	perms, err := authz.NewAuthorizer("", "")
	if err != nil {
		t.Fatalf("authorizer: %v", err)
	}
	r := chi.NewRouter()
	NewHandler(lister, perms).RegisterRoutes(r)
	return r
}

func request(user auth.UserContext, path string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	return req.WithContext(middleware.WithUser(req.Context(), user))
}

func TestListEventsFiltersByEntity(t *testing.T) {
	lister := &fakeLister{events: []audit.Event{{ID: "a1", Action: audit.ActionPayslipSend, EntityType: audit.EntityPayslip, EntityID: "ps-1"}}}
	router := newRouter(t, lister)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, request(auth.UserContext{TenantID: "T", UserID: "hr-1", RoleName: auth.RoleHR}, "/audit/events?entityType=payslip&entityId=ps-1&limit=1000"))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d %s", rec.Code, rec.Body.String())
	}
	if lister.filter.EntityID != "ps-1" || lister.filter.EntityType != audit.EntityPayslip || lister.limit != 500 {
		t.Fatalf("unexpected filter %+v limit %d", lister.filter, lister.limit)
	}
	if rec.Header().Get("X-Total-Count") != "1" || !strings.Contains(rec.Body.String(), `"action":"payslip.send"`) {
		t.Fatalf("unexpected response: %s", rec.Body.String())
	}
}

func TestListEventsRejectsUnknownEntity(t *testing.T) {
	router := newRouter(t, &fakeLister{})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, request(auth.UserContext{TenantID: "T", UserID: "hr-1", RoleName: auth.RoleHR}, "/audit/events?entityType=leave"))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestListEventsRequiresAuditPermission(t *testing.T) {
	router := newRouter(t, &fakeLister{})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, request(auth.UserContext{TenantID: "T", UserID: "m-1", RoleName: auth.RoleManager}, "/audit/events"))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}
