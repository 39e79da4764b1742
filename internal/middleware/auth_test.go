package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAuthMiddleware(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	h := AuthMiddleware(next)

	tests := []struct {
		name     string
		path     string
		cookie   string
		header   map[string]string
		want     int
		location string
	}{
		{name: "login page is public", path: "/login", want: http.StatusTeapot},
		{name: "login form is public", path: "/auth/login", want: http.StatusTeapot},
		{name: "metrics are public", path: "/metrics", want: http.StatusTeapot},
		{name: "static assets are public", path: "/static/app.js", want: http.StatusTeapot},
		{name: "browser is redirected", path: "/annotate", want: http.StatusSeeOther, location: "/login"},
		{name: "api gets 401", path: "/api/faults", want: http.StatusUnauthorized},
		{name: "websocket gets 401", path: "/ws/faults", want: http.StatusUnauthorized},
		{name: "xhr gets 401", path: "/media/a.jpg", header: map[string]string{"X-Requested-With": "XMLHttpRequest"}, want: http.StatusUnauthorized},
		{name: "wrong cookie value", path: "/api/faults", cookie: "yes", want: http.StatusUnauthorized},
		{name: "authenticated", path: "/api/faults", cookie: "true", want: http.StatusTeapot},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			if tt.cookie != "" {
				req.AddCookie(&http.Cookie{Name: AuthCookie, Value: tt.cookie})
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, tt.want, rec.Code)
			if tt.location != "" {
				assert.Equal(t, tt.location, rec.Header().Get("Location"))
			}
		})
	}
}
