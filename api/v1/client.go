package v1

import (
	"net"
	"net/netip"
	"net/url"
	"strings"

	"github.com/gofiber/fiber/v2"

	"siteline/internal/sessions"
	"siteline/internal/tracking"
)

// Reverse-proxy headers checked after X-Forwarded-For, in order.
var proxyHeaders = []string{
	"X-Real-IP",
	"CF-Connecting-IP",
	"True-Client-IP",
	"X-Client-IP",
}

// getClientIP returns the first public client address found in the proxy
// headers or the connection. It returns "" when there is none, so the rate
// limiter and fingerprint fall back to the client signature.
func getClientIP(c *fiber.Ctx) string {
	if ip := selectPreferredIP(strings.Split(c.Get(fiber.HeaderXForwardedFor), ",")); ip != "" {
		return ip
	}
	for _, header := range proxyHeaders {
		if value := c.Get(header); value != "" {
			if ip := selectPreferredIP([]string{value}); ip != "" {
				return ip
			}
		}
	}
	if forwarded := c.Get(fiber.HeaderForwarded); forwarded != "" {
		if ip := selectPreferredIP(parseForwardedHeader(forwarded)); ip != "" {
			return ip
		}
	}
	if addr := c.Context().RemoteAddr(); addr != nil {
		if ip := selectPreferredIP([]string{addr.String()}); ip != "" {
			return ip
		}
	}
	return selectPreferredIP([]string{c.IP()})
}

// isPrivateIP reports addresses that never identify a client: RFC 1918 and
// RFC 4193 ranges, loopback, link-local and unspecified.
func isPrivateIP(addr netip.Addr) bool {
	addr = addr.Unmap()
	return addr.IsPrivate() ||
		addr.IsLoopback() ||
		addr.IsLinkLocalUnicast() ||
		addr.IsUnspecified()
}

// selectPreferredIP picks the first public IPv4 of values, or the first
// public IPv6 when there is no IPv4.
func selectPreferredIP(values []string) string {
	var ipv6Fallback string
	for _, raw := range values {
		addr, ok := normalizeIP(raw)
		if !ok || isPrivateIP(addr) {
			continue
		}
		if addr.Is4() {
			return addr.String()
		}
		if ipv6Fallback == "" {
			ipv6Fallback = addr.String()
		}
	}
	return ipv6Fallback
}

// normalizeIP parses an address as it appears in proxy headers: quoted,
// bracketed, with a port or a zone.
func normalizeIP(raw string) (netip.Addr, bool) {
	clean := strings.Trim(strings.TrimSpace(raw), "\"")
	if clean == "" {
		return netip.Addr{}, false
	}
	if percent := strings.Index(clean, "%"); percent != -1 {
		clean = clean[:percent]
	}

	if addrPort, err := netip.ParseAddrPort(clean); err == nil {
		return addrPort.Addr().Unmap(), true
	}
	trimmed := strings.TrimSuffix(strings.TrimPrefix(clean, "["), "]")
	if addr, err := netip.ParseAddr(trimmed); err == nil {
		return addr.Unmap(), true
	}
	if host, _, err := net.SplitHostPort(clean); err == nil && host != clean {
		return normalizeIP(host)
	}
	return netip.Addr{}, false
}

func parseForwardedHeader(header string) []string {
	var candidates []string
	for _, entry := range strings.Split(header, ",") {
		for _, part := range strings.Split(entry, ";") {
			part = strings.TrimSpace(part)
			if len(part) > 4 && strings.EqualFold(part[:4], "for=") {
				candidates = append(candidates, part[4:])
			}
		}
	}
	return candidates
}

// clientFrom collects the caller signals of a request. The body may carry a
// fingerprint computed upstream and the session token of the tab.
func clientFrom(c *fiber.Ctx, fingerprint, sessionToken string) tracking.Client {
	userAgent := c.Get(fiber.HeaderUserAgent)
	if forwardedUA := c.Get("X-Forwarded-User-Agent"); forwardedUA != "" {
		userAgent = forwardedUA
	}
	if sessionToken == "" {
		sessionToken = c.Get(SessionTokenHeader)
	}
	return tracking.Client{
		Fingerprint:    fingerprint,
		IP:             getClientIP(c),
		UserAgent:      userAgent,
		AcceptLanguage: c.Get(fiber.HeaderAcceptLanguage),
		DoNotTrack:     c.Get("DNT") == "1" || c.Get("Sec-GPC") == "1",
		SessionToken:   sessionToken,
	}
}

// pageLocation splits a full page URL into its path and UTM parameters.
// An explicit path wins over the URL path.
func pageLocation(rawURL, path string, utm sessions.UTM) (string, sessions.UTM) {
	if rawURL == "" {
		return path, utm
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return path, utm
	}
	if path == "" {
		path = u.EscapedPath()
	}
	q := u.Query()
	fill := func(dst *string, key string) {
		if *dst == "" {
			*dst = q.Get(key)
		}
	}
	fill(&utm.Source, "utm_source")
	fill(&utm.Medium, "utm_medium")
	fill(&utm.Campaign, "utm_campaign")
	fill(&utm.Term, "utm_term")
	fill(&utm.Content, "utm_content")
	return path, utm
}
