package ratelimit

import (
	"encoding/json"
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/maltehedderich/admission-control-go/internal/logger"
)

// UserHeader carries the authenticated principal identifier. Authentication
// itself happens upstream; the engine treats the value as an opaque string.
const UserHeader = "X-User-ID"

// Middleware enforces admission control for HTTP requests. The endpoint
// identifier is "{METHOD} {PATH}"; requests without a configured rule pass
// through untouched. Forwarding headers are honored only when the direct
// peer is one of trustedProxies (IPs or CIDR blocks); otherwise the socket
// address keys the bucket.
func Middleware(service *Service, trustedProxies ...string) func(http.Handler) http.Handler {
	log := logger.Get().WithComponent("ratelimit")
	trusted := newProxyMatcher(trustedProxies)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			endpoint := r.Method + " " + r.URL.Path

			rule, ok := service.RuleFor(endpoint)
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			identifier := resolveIdentifier(rule, r, trusted)
			if identifier == "" {
				// A user-scoped rule on an unauthenticated request has no
				// bucket dimension to key on. Admit and leave a trace.
				log.Debug("no identifier for scoped rule, admitting", logger.Fields{
					"rule":  rule.Name,
					"scope": string(rule.Scope),
					"path":  r.URL.Path,
				})
				next.ServeHTTP(w, r)
				return
			}

			result := service.Allow(r.Context(), endpoint, identifier, 0)

			if result.Rule != nil {
				remaining := service.Remaining(r.Context(), endpoint, identifier)
				writeRateLimitHeaders(w, result.Rule, remaining)
			}

			if !result.Allowed {
				writeRateLimitExceeded(w, r, endpoint, result)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// resolveIdentifier derives the caller identifier for the rule's scope.
// Identifiers are opaque; malformed values simply key their own bucket.
func resolveIdentifier(rule *Rule, r *http.Request, trusted *proxyMatcher) string {
	switch rule.Scope {
	case ScopeIP:
		return clientIP(r, trusted)
	case ScopeUser:
		return r.Header.Get(UserHeader)
	case ScopeUserResource:
		user := r.Header.Get(UserHeader)
		if user == "" {
			return ""
		}
		return user + "/" + rule.Resource
	case ScopeGlobal:
		return GlobalIdentifier
	default:
		return ""
	}
}

// clientIP extracts the caller's network address. X-Forwarded-For and
// X-Real-IP come from whoever sent them, so they only count when the
// direct peer is a trusted proxy; a direct caller could otherwise pick
// its own bucket.
func clientIP(r *http.Request, trusted *proxyMatcher) string {
	peer := remoteIP(r)
	if !trusted.contains(peer) {
		return peer
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		// First entry is the original client.
		ips := strings.Split(xff, ",")
		if len(ips) > 0 {
			return strings.TrimSpace(ips[0])
		}
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}

	return peer
}

// remoteIP strips the port from the socket address.
func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// proxyMatcher holds the peers whose forwarding headers are trusted.
type proxyMatcher struct {
	ips  []net.IP
	nets []*net.IPNet
}

func newProxyMatcher(entries []string) *proxyMatcher {
	m := &proxyMatcher{}
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if _, ipNet, err := net.ParseCIDR(entry); err == nil {
			m.nets = append(m.nets, ipNet)
			continue
		}
		if ip := net.ParseIP(entry); ip != nil {
			m.ips = append(m.ips, ip)
		}
	}
	return m
}

func (m *proxyMatcher) contains(addr string) bool {
	ip := net.ParseIP(addr)
	if ip == nil {
		return false
	}
	for _, t := range m.ips {
		if t.Equal(ip) {
			return true
		}
	}
	for _, n := range m.nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// writeRateLimitHeaders adds informational quota headers to every decision.
// Reset is the number of seconds until the bucket is full again.
func writeRateLimitHeaders(w http.ResponseWriter, rule *Rule, remaining int) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rule.MaxTokens))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))

	missing := float64(rule.MaxTokens - remaining)
	resetSeconds := int(math.Ceil(missing * 60 / rule.RefillRate))
	w.Header().Set("X-RateLimit-Reset", strconv.Itoa(resetSeconds))
}

// writeRateLimitExceeded writes the 429 response with a concrete, numeric
// retry interval.
func writeRateLimitExceeded(w http.ResponseWriter, r *http.Request, endpoint string, result Result) {
	retryAfter := int(math.Ceil(result.RetryAfter.Seconds()))
	if retryAfter < 1 {
		retryAfter = 1
	}

	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)

	resp := map[string]interface{}{
		"error":       "rate_limit_exceeded",
		"message":     fmt.Sprintf("Rate limit exceeded for %s, retry in %d seconds", endpoint, retryAfter),
		"endpoint":    endpoint,
		"retry_after": retryAfter,
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
	}
	if id := logger.GetCorrelationID(r.Context()); id != "" {
		resp["correlation_id"] = id
	}

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		fmt.Fprintln(w, "rate limit exceeded")
	}
}
