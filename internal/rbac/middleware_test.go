package rbac

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"persona-ledger/internal/auth"

	"github.com/gin-gonic/gin"
)

func serveAs(role string, allowed ...string) int {
	gin.SetMode(gin.TestMode)

	r := gin.New()
	r.GET("/x", func(c *gin.Context) {
		if role != "" {
			c.Request = c.Request.WithContext(auth.WithIdentity(c.Request.Context(), "u", role))
		}
		c.Next()
	}, RequireAnyRole(allowed...), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	return w.Code
}

func TestRequireAnyRole(t *testing.T) {
	cases := []struct {
		name    string
		role    string
		allowed []string
		want    int
	}{
		{"super admin bypasses", RoleSuperAdmin, []string{RoleAdmin}, http.StatusOK},
		{"admin allowed", RoleAdmin, []string{RoleAdmin}, http.StatusOK},
		{"client forbidden on admin route", RoleClient, []string{RoleAdmin}, http.StatusForbidden},
		{"client allowed", RoleClient, []string{RoleClient, RoleAdmin}, http.StatusOK},
		{"missing role", "", []string{RoleClient}, http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := serveAs(tc.role, tc.allowed...); got != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, got)
			}
		})
	}
}

func TestIsAdmin(t *testing.T) {
	if !IsAdmin(RoleAdmin) || !IsAdmin(RoleSuperAdmin) || IsAdmin(RoleClient) {
		t.Fatalf("unexpected IsAdmin results")
	}
}
