package web

import "net/http"

// SecurityHeaders defines the security headers applied to responses.
// Transport-level headers (HSTS and friends) belong to the reverse
// proxy; only application-specific headers are set here.
type SecurityHeaders struct {
	CSP                 string
	XFrameOptions       string
	XContentTypeOptions string
}

// APISecurityHeaders returns headers for the JSON API endpoints.
func APISecurityHeaders() *SecurityHeaders {
	return &SecurityHeaders{
		CSP:                 "default-src 'none'; frame-ancestors 'none'",
		XFrameOptions:       "DENY",
		XContentTypeOptions: "nosniff",
	}
}

// Apply writes the non-empty headers onto the response.
func (sh *SecurityHeaders) Apply(w http.ResponseWriter) {
	if sh.CSP != "" {
		w.Header().Set("Content-Security-Policy", sh.CSP)
	}
	if sh.XFrameOptions != "" {
		w.Header().Set("X-Frame-Options", sh.XFrameOptions)
	}
	if sh.XContentTypeOptions != "" {
		w.Header().Set("X-Content-Type-Options", sh.XContentTypeOptions)
	}
}

// SecureAPIHandlerFunc wraps an API handler with the API security headers.
func SecureAPIHandlerFunc(handlerFunc http.HandlerFunc) http.HandlerFunc {
	headers := APISecurityHeaders()
	return func(w http.ResponseWriter, r *http.Request) {
		headers.Apply(w)
		handlerFunc(w, r)
	}
}
