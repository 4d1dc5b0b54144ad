package api

import "net/http"

// SecurityHeaders are set on every response. The API only ever returns JSON
// or metrics text, so nothing is allowed to load or frame it.
type SecurityHeaders struct {
	ContentSecurityPolicy string
	FrameOptions          string
	ReferrerPolicy        string
	ContentTypeOptions    string
	CacheControl          string
}

func defaultSecurityHeaders() SecurityHeaders {
	return SecurityHeaders{
		ContentSecurityPolicy: "default-src 'none'; frame-ancestors 'none'",
		FrameOptions:          "DENY",
		ReferrerPolicy:        "no-referrer",
		ContentTypeOptions:    "nosniff",
		CacheControl:          "no-store",
	}
}

func (s SecurityHeaders) withDefaults() SecurityHeaders {
	d := defaultSecurityHeaders()
	if s.ContentSecurityPolicy == "" {
		s.ContentSecurityPolicy = d.ContentSecurityPolicy
	}
	if s.FrameOptions == "" {
		s.FrameOptions = d.FrameOptions
	}
	if s.ReferrerPolicy == "" {
		s.ReferrerPolicy = d.ReferrerPolicy
	}
	if s.ContentTypeOptions == "" {
		s.ContentTypeOptions = d.ContentTypeOptions
	}
	if s.CacheControl == "" {
		s.CacheControl = d.CacheControl
	}
	return s
}

func securityHeaders(cfg SecurityHeaders) func(http.Handler) http.Handler {
	cfg = cfg.withDefaults()
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("Content-Security-Policy", cfg.ContentSecurityPolicy)
			h.Set("X-Frame-Options", cfg.FrameOptions)
			h.Set("Referrer-Policy", cfg.ReferrerPolicy)
			h.Set("X-Content-Type-Options", cfg.ContentTypeOptions)
			if h.Get("Cache-Control") == "" {
				h.Set("Cache-Control", cfg.CacheControl)
			}
			if r.TLS != nil {
				h.Set("Strict-Transport-Security", "max-age=63072000; includeSubDomains")
			}
			next.ServeHTTP(w, r)
		})
	}
}
