package controlserver

import (
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/rs/cors"
)

// newCORS builds the CORS policy for plain HTTP routes. Patterns use the
// same host matching as the WebSocket origin check.
func newCORS(patterns []string) *cors.Cors {
	opts := cors.Options{
		AllowedMethods: []string{http.MethodGet, http.MethodHead},
		AllowedHeaders: []string{"*"},
	}
	if containsWildcard(patterns) {
		opts.AllowedOrigins = []string{"*"}
	} else {
		opts.AllowOriginFunc = func(origin string) bool {
			return originAllowed(origin, patterns)
		}
	}
	return cors.New(opts)
}

func containsWildcard(patterns []string) bool {
	for _, p := range patterns {
		if strings.TrimSpace(p) == "*" {
			return true
		}
	}
	return false
}

func originAllowed(origin string, patterns []string) bool {
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	for _, pattern := range patterns {
		pattern = strings.ToLower(strings.TrimSpace(pattern))
		target := strings.ToLower(u.Host)
		if strings.Contains(pattern, "://") {
			target = strings.ToLower(u.Scheme + "://" + u.Host)
		}
		if ok, err := path.Match(pattern, target); err == nil && ok {
			return true
		}
	}
	return false
}
