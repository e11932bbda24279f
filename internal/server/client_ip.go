package server

import (
	"fmt"
	"net"
	"net/http"
	"strings"
)

// clientIPResolver decides whether forwarding headers can be believed. Only
// requests arriving from a trusted proxy have X-Forwarded-For honoured.
type clientIPResolver struct {
	trusted []*net.IPNet
}

func newClientIPResolver(cfg RateLimitConfig) (*clientIPResolver, error) {
	resolver := &clientIPResolver{}
	for _, entry := range cfg.TrustedProxies {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if !strings.Contains(entry, "/") {
			if ip := net.ParseIP(entry); ip != nil && ip.To4() != nil {
				entry += "/32"
			} else {
				entry += "/128"
			}
		}
		_, network, err := net.ParseCIDR(entry)
		if err != nil {
			return nil, fmt.Errorf("parse trusted proxy %q: %w", entry, err)
		}
		resolver.trusted = append(resolver.trusted, network)
	}
	return resolver, nil
}

func (r *clientIPResolver) trusts(ip string) bool {
	if r == nil {
		return false
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	for _, network := range r.trusted {
		if network.Contains(parsed) {
			return true
		}
	}
	return false
}

// resolveClientIP returns the client address and where it was taken from.
func resolveClientIP(r *http.Request, resolver *clientIPResolver) (string, string) {
	remote := remoteHost(r.RemoteAddr)
	if !resolver.trusts(remote) {
		return remote, "remote_addr"
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		if first := strings.TrimSpace(parts[0]); first != "" {
			return first, "x_forwarded_for"
		}
	}
	if xrip := strings.TrimSpace(r.Header.Get("X-Real-IP")); xrip != "" {
		return xrip, "x_real_ip"
	}
	return remote, "remote_addr"
}

func remoteHost(remoteAddr string) string {
	if remoteAddr == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
