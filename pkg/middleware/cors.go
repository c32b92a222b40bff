package middleware

import (
	"net/http"
	"strconv"
	"strings"
)

// Headers the browser must be able to read on every API response.
var defaultExposedHeaders = []string{
	"X-Token-Expires-At",
	"X-Token-Near-Expiry",
	"X-Token-Refresh-Recommended",
	"X-Correlation-ID",
}

// CORSConfig holds configuration for the CORS middleware.
type CORSConfig struct {
	// AllowedOrigins is the list of allowed origins (e.g. "https://crm.example.com").
	// "*" allows any origin.
	AllowedOrigins []string

	// AllowedMethods defaults to GET, POST, PUT, PATCH, DELETE, OPTIONS.
	AllowedMethods []string

	// AllowedHeaders defaults to Accept, Authorization, Content-Type, X-Correlation-ID.
	AllowedHeaders []string

	// ExposedHeaders is merged with the token advisory headers, which are
	// always exposed.
	ExposedHeaders []string

	// MaxAge is how long (in seconds) preflight results can be cached.
	// Defaults to 3600 if 0.
	MaxAge int

	// AllowCredentials lets the browser send the refresh cookie. With
	// credentials the request origin is echoed instead of "*".
	AllowCredentials bool

	// Environment "development" accepts any origin.
	Environment string
}

// DefaultCORSConfig returns a development configuration that accepts any
// origin and carries credentials.
func DefaultCORSConfig() CORSConfig {
	return CORSConfig{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Correlation-ID"},
		MaxAge:           3600,
		AllowCredentials: true,
		Environment:      "development",
	}
}

// CORS returns middleware that handles Cross-Origin Resource Sharing headers
// based on the provided configuration.
func CORS(cfg CORSConfig) func(http.Handler) http.Handler {
	if len(cfg.AllowedMethods) == 0 {
		cfg.AllowedMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}
	}
	if len(cfg.AllowedHeaders) == 0 {
		cfg.AllowedHeaders = []string{"Accept", "Authorization", "Content-Type", "X-Correlation-ID"}
	}
	if cfg.MaxAge == 0 {
		cfg.MaxAge = 3600
	}

	allowAny := cfg.Environment == "development"
	originSet := make(map[string]struct{}, len(cfg.AllowedOrigins))
	for _, o := range cfg.AllowedOrigins {
		if o == "*" {
			allowAny = true
			continue
		}
		originSet[strings.TrimRight(o, "/")] = struct{}{}
	}

	methods := strings.Join(cfg.AllowedMethods, ", ")
	headers := strings.Join(cfg.AllowedHeaders, ", ")
	exposed := strings.Join(mergeHeaders(defaultExposedHeaders, cfg.ExposedHeaders), ", ")
	maxAge := strconv.Itoa(cfg.MaxAge)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			h := w.Header()

			allowed := false
			switch {
			case allowAny && !cfg.AllowCredentials:
				h.Set("Access-Control-Allow-Origin", "*")
				allowed = true
			case origin == "":
			default:
				if _, ok := originSet[origin]; ok || allowAny {
					h.Set("Access-Control-Allow-Origin", origin)
					h.Add("Vary", "Origin")
					allowed = true
				}
			}

			if allowed {
				h.Set("Access-Control-Allow-Methods", methods)
				h.Set("Access-Control-Allow-Headers", headers)
				h.Set("Access-Control-Expose-Headers", exposed)
				h.Set("Access-Control-Max-Age", maxAge)
				if cfg.AllowCredentials {
					h.Set("Access-Control-Allow-Credentials", "true")
				}
			}

			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func mergeHeaders(base, extra []string) []string {
	seen := make(map[string]struct{}, len(base)+len(extra))
	out := make([]string, 0, len(base)+len(extra))
	for _, list := range [][]string{base, extra} {
		for _, hdr := range list {
			hdr = strings.TrimSpace(hdr)
			key := strings.ToLower(hdr)
			if key == "" {
				continue
			}
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, hdr)
		}
	}
	return out
}
