package transport

import (
	"fmt"
	"net/http"
	"strings"
)

// Headers are the security headers set on every response.
type Headers struct {
	// CSP directives in output order. Empty values are skipped.
	CSP            []Directive
	FrameOptions   string
	ReferrerPolicy string
	NoSniff        bool
	// HSTSMaxAge is sent only over TLS. Zero disables the header.
	HSTSMaxAge     int
}

// Directive is one Content-Security-Policy directive.
type Directive struct {
	Name   string
	Values []string
}

// DefaultHeaders allow same-origin resources and websocket connections back
// to the server.
func DefaultHeaders() *Headers {
	return &Headers{
		CSP: []Directive{
			{Name: "default-src", Values: []string{"'self'"}},
			{Name: "connect-src", Values: []string{"'self'", "ws:", "wss:"}},
			{Name: "object-src", Values: []string{"'none'"}},
			{Name: "frame-ancestors", Values: []string{"'self'"}},
			{Name: "base-uri", Values: []string{"'self'"}},
		},
		FrameOptions:   "SAMEORIGIN",
		ReferrerPolicy: "strict-origin-when-cross-origin",
		NoSniff:        true,
		HSTSMaxAge:     31536000,
	}
}

// WithHeaders replaces the security headers. Nil sends none.
func WithHeaders(h *Headers) Option {
	return func(s *Server) { s.headers = h }
}

// Middleware sets the headers before calling next.
func (h *Headers) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.apply(w, r)
		next.ServeHTTP(w, r)
	})
}

func (h *Headers) apply(w http.ResponseWriter, r *http.Request) {
	if h == nil {
		return
	}
	if csp := h.policy(); csp != "" {
		w.Header().Set("Content-Security-Policy", csp)
	}
	if h.FrameOptions != "" {
		w.Header().Set("X-Frame-Options", h.FrameOptions)
	}
	if h.ReferrerPolicy != "" {
		w.Header().Set("Referrer-Policy", h.ReferrerPolicy)
	}
	if h.NoSniff {
		w.Header().Set("X-Content-Type-Options", "nosniff")
	}
	if h.HSTSMaxAge > 0 && r.TLS != nil {
		w.Header().Set("Strict-Transport-Security", fmt.Sprintf("max-age=%d", h.HSTSMaxAge))
	}
}

func (h *Headers) policy() string {
	directives := make([]string, 0, len(h.CSP))
	for _, d := range h.CSP {
		if len(d.Values) == 0 {
			continue
		}
		directives = append(directives, d.Name+" "+strings.Join(d.Values, " "))
	}
	return strings.Join(directives, "; ")
}
