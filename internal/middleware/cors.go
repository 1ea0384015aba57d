package middleware

import "net/http"

// CORSMiddleware sets cross-origin headers for the admin dashboard.
// With no origins configured every origin is reflected, which suits the
// dashboard and the agent service living on different hosts in staging.
type CORSMiddleware struct {
	origins map[string]struct{}
}

// NewCORSMiddleware creates the middleware. Passing no origins allows all.
func NewCORSMiddleware(allowedOrigins ...string) *CORSMiddleware {
	c := &CORSMiddleware{}
	if len(allowedOrigins) > 0 {
		c.origins = make(map[string]struct{}, len(allowedOrigins))
		for _, o := range allowedOrigins {
			c.origins[o] = struct{}{}
		}
	}
	return c
}

// Wrap adds CORS headers and short-circuits preflight requests.
func (c *CORSMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" && c.allowed(origin) {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS, PATCH")
			h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Requested-With")
			h.Set("Access-Control-Allow-Credentials", "true")
			h.Set("Access-Control-Max-Age", "86400")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (c *CORSMiddleware) allowed(origin string) bool {
	if c.origins == nil {
		return true
	}
	if _, ok := c.origins[origin]; ok {
		return true
	}
	_, ok := c.origins["*"]
	return ok
}
