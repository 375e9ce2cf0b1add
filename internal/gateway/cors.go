package gateway

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/basket/shotreport/internal/config"
)

const defaultMaxBodyBytes = 10 << 20

var (
	defaultCORSMethods = []string{http.MethodGet, http.MethodPost, http.MethodOptions}
	defaultCORSHeaders = []string{"Content-Type", "Authorization", "X-API-Key", TraceHeader}
)

// corsPolicy decides which browser origins may call the report API. Origins
// are matched exactly, "*" allows any, and "https://*.example.com" allows
// any subdomain over that scheme.
type originPattern struct {
	scheme string
	suffix string // ".example.com"
}

type corsPolicy struct {
	any      bool
	exact    map[string]bool
	wildcard []originPattern

	methods string
	headers string
	maxAge  string
}

func newCORSPolicy(cfg config.CORSConfig) *corsPolicy {
	p := &corsPolicy{exact: map[string]bool{}}
	for _, origin := range cfg.AllowedOrigins {
		switch {
		case origin == "*":
			p.any = true
		case strings.Contains(origin, "://*."):
			scheme, suffix, _ := strings.Cut(origin, "://*")
			p.wildcard = append(p.wildcard, originPattern{scheme: scheme, suffix: suffix})
		default:
			p.exact[strings.TrimSuffix(origin, "/")] = true
		}
	}
	p.methods = strings.Join(orDefault(cfg.AllowedMethods, defaultCORSMethods), ", ")
	p.headers = strings.Join(orDefault(cfg.AllowedHeaders, defaultCORSHeaders), ", ")
	maxAge := cfg.MaxAge
	if maxAge <= 0 {
		maxAge = 3600
	}
	p.maxAge = strconv.Itoa(maxAge)
	return p
}

func orDefault(v, def []string) []string {
	if len(v) == 0 {
		return def
	}
	return v
}

func (p *corsPolicy) allows(origin string) bool {
	if origin == "" {
		return false
	}
	if p.exact[origin] {
		return true
	}
	scheme, host, ok := strings.Cut(origin, "://")
	if !ok {
		return false
	}
	for _, pat := range p.wildcard {
		if scheme == pat.scheme && strings.HasSuffix(host, pat.suffix) && len(host) > len(pat.suffix) {
			return true
		}
	}
	return false
}

// NewCORSMiddleware applies cfg to every response. With "*" allowed the
// wildcard is sent even on requests without an Origin header. Preflights
// are answered directly: 204 for an allowed origin, 403 otherwise.
func NewCORSMiddleware(cfg config.CORSConfig) func(http.Handler) http.Handler {
	if !cfg.Enabled {
		return func(next http.Handler) http.Handler { return next }
	}
	p := newCORSPolicy(cfg)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			allowed := true
			switch {
			case p.any:
				w.Header().Set("Access-Control-Allow-Origin", "*")
			case p.allows(origin):
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
			default:
				allowed = false
			}
			if allowed {
				w.Header().Set("Access-Control-Allow-Methods", p.methods)
				w.Header().Set("Access-Control-Allow-Headers", p.headers)
				w.Header().Set("Access-Control-Max-Age", p.maxAge)
			}

			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				if !allowed {
					w.WriteHeader(http.StatusForbidden)
					return
				}
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// LimitRequestBody caps request bodies at maxBytes. Requests that declare a
// larger Content-Length are refused with 413 before the handler runs.
func LimitRequestBody(maxBytes int64) func(http.Handler) http.Handler {
	if maxBytes <= 0 {
		maxBytes = defaultMaxBodyBytes
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > maxBytes {
				writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}
