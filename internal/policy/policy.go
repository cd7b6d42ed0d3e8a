// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package policy evaluates proxy connection requests against the
// access-control policy: IP allow/deny lists plus an ordered list of
// domain/path rules, first-match-wins.
package policy

import (
	"net"
	"strings"
)

// Action is the outcome of a rule or the policy default.
type Action string

const (
	Allow Action = "allow"
	Deny  Action = "deny"
)

// Rule is one entry in the ordered rule list.
type Rule struct {
	Name    string `json:"name,omitempty" toml:"name,omitempty"`
	Domain  string `json:"domain" toml:"domain"` // exact, "*.suffix", or "*"
	Path    string `json:"path,omitempty" toml:"path,omitempty"`
	Action  Action `json:"action" toml:"action"`
	Enabled bool   `json:"enabled" toml:"enabled"`
}

// Policy is the full access-control record.
type Policy struct {
	AllowByDefault bool     `json:"allow_by_default" toml:"allow_by_default"`
	IPBlacklist    []string `json:"ip_blacklist" toml:"ip_blacklist"`
	IPWhitelist    []string `json:"ip_whitelist" toml:"ip_whitelist"`
	Rules          []Rule   `json:"rules" toml:"rules"`
}

// Decision is the result of Check: whether the connection is allowed, and
// if not, why — useful for SOCKS REP/HTTP status mapping and audit logging.
type Decision struct {
	Allowed bool
	Reason  string
}

// Check evaluates (clientIP, targetHost, targetPort, path) against policy,
// in fixed precedence order:
//  1. IP blacklist
//  2. IP whitelist (only enforced when non-empty)
//  3. ordered rule list, first enabled match wins
//  4. default action (Allow iff AllowByDefault)
//
// Port is never pattern-matched by rules; it is informational only (the
// evaluator always returns a decision, never an error).
func Check(p Policy, clientIP, targetHost string, targetPort int, path string) Decision {
	if ipInSet(p.IPBlacklist, clientIP) {
		return Decision{Allowed: false, Reason: "ip blacklisted"}
	}
	if len(p.IPWhitelist) > 0 && !ipInSet(p.IPWhitelist, clientIP) {
		return Decision{Allowed: false, Reason: "ip not whitelisted"}
	}

	for _, rule := range p.Rules {
		if !rule.Enabled {
			continue
		}
		if !matchDomain(rule.Domain, targetHost) {
			continue
		}
		if !matchPath(rule.Path, path) {
			continue
		}
		if rule.Action == Deny {
			reason := "denied by rule"
			if rule.Name != "" {
				reason = "denied by rule " + rule.Name
			}
			return Decision{Allowed: false, Reason: reason}
		}
		return Decision{Allowed: true}
	}

	if p.AllowByDefault {
		return Decision{Allowed: true}
	}
	return Decision{Allowed: false, Reason: "no matching allow rule"}
}

func ipInSet(set []string, ip string) bool {
	for _, entry := range set {
		if entry == ip {
			return true
		}
	}
	return false
}

// matchDomain supports three pattern forms: exact, leading wildcard
// ("*.example.com" matching one or more subdomain labels but not the
// apex), and full wildcard ("*"). Matching is case-insensitive. A
// literal-IP target only matches a literal-IP pattern or "*".
func matchDomain(pattern, host string) bool {
	if pattern == "*" {
		return true
	}
	pattern = strings.ToLower(strings.TrimSpace(pattern))
	host = strings.ToLower(strings.TrimSpace(host))
	if pattern == "" || host == "" {
		return false
	}

	if net.ParseIP(host) != nil {
		// Literal IP targets only match literal-IP patterns (handled by the
		// exact-match fallthrough below) or "*" (handled above).
		return pattern == host
	}

	if strings.HasPrefix(pattern, "*.") {
		suffix := pattern[1:] // ".example.com"
		if !strings.HasSuffix(host, suffix) {
			return false
		}
		// Must have at least one more label than the apex, i.e. host must be
		// strictly longer than suffix[1:] ("example.com") with a "." boundary,
		// which HasSuffix(suffix) with the leading "." already guarantees,
		// and must not equal the apex itself.
		return host != suffix[1:]
	}

	return pattern == host
}

// matchPath is HTTP-only path matching: an empty/omitted pattern matches
// any path, a trailing "*" is a prefix match, otherwise the match is
// exact. Case-sensitive. Only applies when path is non-empty (SOCKS5/
// CONNECT requests have no path).
func matchPath(pattern, path string) bool {
	if pattern == "" {
		return true
	}
	if path == "" {
		// No path supplied (e.g. SOCKS5 CONNECT): a path pattern cannot match.
		return false
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(path, pattern[:len(pattern)-1])
	}
	return pattern == path
}
