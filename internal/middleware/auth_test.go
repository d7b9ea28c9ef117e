package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shoplocal/payments-system/internal/model"
)

func TestAuthMiddleware_WithValidToken(t *testing.T) {
	m := NewAuthMiddleware("test-secret")

	token, err := m.IssueToken(42, model.RoleVendor)
	if err != nil {
		t.Fatalf("IssueToken error: %v", err)
	}

	nextCalled := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		nextCalled = true
		id, ok := GetUserIDFromContext(r.Context())
		if !ok {
			t.Fatalf("user id not in context")
		}
		if id != 42 {
			t.Fatalf("user id from context = %d, want 42", id)
		}
		role, ok := GetRoleFromContext(r.Context())
		if !ok || role != model.RoleVendor {
			t.Fatalf("role from context = %q, want vendor", role)
		}
	})

	r := httptest.NewRequest(http.MethodGet, "/protected", nil)
	r.Header.Set("Authorization", "Bearer "+token)

	handler := m.Middleware(next)
	handler.ServeHTTP(httptest.NewRecorder(), r)

	if !nextCalled {
		t.Fatalf("next handler was not called")
	}
}

func TestAuthMiddleware_WithoutToken(t *testing.T) {
	m := NewAuthMiddleware("test-secret")

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("next handler should not be called")
	})

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/protected", nil)

	handler := m.Middleware(next)
	handler.ServeHTTP(w, r)

	if w.Result().StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", w.Result().StatusCode, http.StatusUnauthorized)
	}
}

func TestAuthMiddleware_WithForeignKey(t *testing.T) {
	issuer := NewAuthMiddleware("other-secret")
	m := NewAuthMiddleware("test-secret")

	token, err := issuer.IssueToken(42, model.RoleBuyer)
	if err != nil {
		t.Fatalf("IssueToken error: %v", err)
	}

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("next handler should not be called")
	})

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/protected", nil)
	r.Header.Set("Authorization", "Bearer "+token)

	handler := m.Middleware(next)
	handler.ServeHTTP(w, r)

	if w.Result().StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", w.Result().StatusCode, http.StatusUnauthorized)
	}
}

func TestRequireRole(t *testing.T) {
	m := NewAuthMiddleware("test-secret")

	tests := []struct {
		name       string
		role       model.Role
		allowed    []model.Role
		wantStatus int
	}{
		{"admin allowed", model.RoleAdmin, []model.Role{model.RoleAdmin}, http.StatusOK},
		{"vendor allowed among several", model.RoleVendor, []model.Role{model.RoleVendor, model.RoleAdmin}, http.StatusOK},
		{"buyer rejected", model.RoleBuyer, []model.Role{model.RoleAdmin}, http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token, err := m.IssueToken(1, tt.role)
			if err != nil {
				t.Fatalf("IssueToken error: %v", err)
			}

			next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			})

			w := httptest.NewRecorder()
			r := httptest.NewRequest(http.MethodGet, "/admin", nil)
			r.Header.Set("Authorization", "Bearer "+token)

			handler := m.Middleware(RequireRole(tt.allowed...)(next))
			handler.ServeHTTP(w, r)

			if w.Result().StatusCode != tt.wantStatus {
				t.Fatalf("status = %d, want %d", w.Result().StatusCode, tt.wantStatus)
			}
		})
	}
}
