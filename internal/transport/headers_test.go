package transport

import (
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHeaders(t *testing.T) {
	tests := []struct {
		name    string
		headers *Headers
		tls     bool
		want    map[string]string
	}{
		{
			name:    "defaults",
			headers: DefaultHeaders(),
			want: map[string]string{
				"Content-Security-Policy":   "default-src 'self'; connect-src 'self' ws: wss:; object-src 'none'; frame-ancestors 'self'; base-uri 'self'",
				"X-Frame-Options":           "SAMEORIGIN",
				"X-Content-Type-Options":    "nosniff",
				"Strict-Transport-Security": "",
			},
		},
		{
			name:    "hsts over tls",
			headers: DefaultHeaders(),
			tls:     true,
			want:    map[string]string{"Strict-Transport-Security": "max-age=31536000"},
		},
		{
			name:    "empty directives skipped",
			headers: &Headers{CSP: []Directive{{Name: "img-src"}, {Name: "default-src", Values: []string{"'none'"}}}},
			want: map[string]string{
				"Content-Security-Policy": "default-src 'none'",
				"X-Frame-Options":         "",
			},
		},
		{
			name: "nil sends none",
			want: map[string]string{"Content-Security-Policy": "", "X-Content-Type-Options": ""},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := NewServer(nil, WithHeaders(tt.headers))
			req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
			if tt.tls {
				req.TLS = &tls.ConnectionState{}
			}
			rec := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rec, req)

			assert.Equal(t, http.StatusOK, rec.Code)
			for k, v := range tt.want {
				assert.Equal(t, v, rec.Header().Get(k), k)
			}
		})
	}
}
