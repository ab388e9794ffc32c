package server

import (
	"crypto/subtle"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"

	"github.com/onnwee/livewatch/config"
)

// authConfig holds admin authentication settings.
type authConfig struct {
	adminUsername string
	adminPassword string
	adminToken    string
	enabled       bool
}

func loadAuthConfig(c *config.Config) *authConfig {
	// Enabled when either basic auth (username+password) or token auth is configured.
	enabled := (c.AdminUsername != "" && c.AdminPassword != "") || c.AdminToken != ""
	if !enabled {
		slog.Warn("admin routes are open: set ADMIN_TOKEN or ADMIN_USERNAME/ADMIN_PASSWORD", slog.String("component", "server"))
	}
	return &authConfig{
		adminUsername: c.AdminUsername,
		adminPassword: c.AdminPassword,
		adminToken:    c.AdminToken,
		enabled:       enabled,
	}
}

// adminAuth protects admin endpoints with token (X-Admin-Token) or Basic auth.
func adminAuth(next http.Handler, cfg *authConfig) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !cfg.enabled {
			next.ServeHTTP(w, r)
			return
		}

		if cfg.adminToken != "" {
			token := r.Header.Get("X-Admin-Token")
			if token != "" && subtle.ConstantTimeCompare([]byte(token), []byte(cfg.adminToken)) == 1 {
				next.ServeHTTP(w, r)
				return
			}
		}

		if cfg.adminUsername != "" && cfg.adminPassword != "" {
			username, password, ok := r.BasicAuth()
			if ok {
				usernameMatch := subtle.ConstantTimeCompare([]byte(username), []byte(cfg.adminUsername)) == 1
				passwordMatch := subtle.ConstantTimeCompare([]byte(password), []byte(cfg.adminPassword)) == 1
				if usernameMatch && passwordMatch {
					next.ServeHTTP(w, r)
					return
				}
			}
		}

		w.Header().Set("WWW-Authenticate", `Basic realm="livewatch admin"`)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		slog.Warn("admin request rejected", slog.String("component", "server"), slog.String("path", r.URL.Path), slog.String("ip", clientIP(r)))
	})
}

type rateLimiterConfig struct {
	enabled       bool
	requestsPerIP int           // max requests per IP per window
	window        time.Duration // refill window
}

func loadRateLimiterConfig(c *config.Config) *rateLimiterConfig {
	cfg := &rateLimiterConfig{enabled: c.RateLimitEnabled, requestsPerIP: c.RateLimitRequestsPerIP, window: c.RateLimitWindow}
	if cfg.requestsPerIP <= 0 {
		cfg.requestsPerIP = 10
	}
	if cfg.window <= 0 {
		cfg.window = time.Minute
	}
	return cfg
}

// ipRateLimiter keeps one token bucket per client IP. Idle buckets expire after two windows.
type ipRateLimiter struct {
	mu       sync.Mutex
	visitors *expirable.LRU[string, *rate.Limiter]
	cfg      *rateLimiterConfig
}

func newIPRateLimiter(cfg *rateLimiterConfig) *ipRateLimiter {
	return &ipRateLimiter{
		visitors: expirable.NewLRU[string, *rate.Limiter](10000, nil, cfg.window*2),
		cfg:      cfg,
	}
}

// allow reports whether ip still has budget in the current window.
func (rl *ipRateLimiter) allow(ip string) bool {
	if !rl.cfg.enabled {
		return true
	}
	rl.mu.Lock()
	lim, ok := rl.visitors.Get(ip)
	if !ok {
		every := rl.cfg.window / time.Duration(rl.cfg.requestsPerIP)
		lim = rate.NewLimiter(rate.Every(every), rl.cfg.requestsPerIP)
		rl.visitors.Add(ip, lim)
	}
	rl.mu.Unlock()
	return lim.Allow()
}

// rateLimitMiddleware rejects clients that exhausted their bucket.
func rateLimitMiddleware(next http.Handler, limiter *ipRateLimiter) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !limiter.allow(ip) {
			w.Header().Set("Retry-After", strconv.Itoa(int(limiter.cfg.window.Seconds())))
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			slog.Debug("admin request throttled", slog.String("component", "server"), slog.String("ip", ip), slog.String("path", r.URL.Path))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP prefers the first X-Forwarded-For hop, then RemoteAddr, without the port.
func clientIP(r *http.Request) string {
	ip := r.RemoteAddr
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		ip, _, _ = strings.Cut(forwarded, ",")
		ip = strings.TrimSpace(ip)
	}
	if host, _, err := net.SplitHostPort(ip); err == nil {
		return host
	}
	return ip
}

type corsConfig struct {
	allowedOrigins []string
	permissive     bool // dev mode allows every origin
}

func loadCORSConfig(c *config.Config) *corsConfig {
	if !c.CORSPermissive && len(c.CORSAllowedOrigins) == 0 {
		slog.Warn("CORS_ALLOWED_ORIGINS is empty, cross-origin requests will be refused", slog.String("component", "server"))
	}
	return &corsConfig{allowedOrigins: c.CORSAllowedOrigins, permissive: c.CORSPermissive}
}

// withCORSConfig answers preflights and sets Access-Control-Allow-Origin for allowed origins.
func withCORSConfig(next http.Handler, cfg *corsConfig) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")

		if cfg.permissive {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Admin-Token, X-Correlation-ID")
		} else if origin != "" && isOriginAllowed(origin, cfg.allowedOrigins) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Admin-Token, X-Correlation-ID")
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// isOriginAllowed checks origin against the list; "*.example.com" matches subdomains.
func isOriginAllowed(origin string, allowedOrigins []string) bool {
	for _, allowed := range allowedOrigins {
		if origin == allowed {
			return true
		}
		if strings.HasPrefix(allowed, "*.") {
			domain := allowed[2:]
			if strings.HasSuffix(origin, "."+domain) || origin == "https://"+domain || origin == "http://"+domain {
				return true
			}
		}
	}
	return false
}
