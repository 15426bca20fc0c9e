// Package ssrf guards outbound HTTP fetches against server-side request
// forgery. It normalises alternative IPv4 encodings (octal, decimal, hex,
// short forms) before the private-range check, so "http://0177.0.0.1/" is
// recognised as loopback, and pins validated requests to the resolved
// address.
package ssrf

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// ErrBlocked marks a URL rejected by SSRF policy.
var ErrBlocked = errors.New("blocked by ssrf policy")

// blockedHostnames are always rejected regardless of resolution.
var blockedHostnames = map[string]bool{
	"localhost":                true,
	"metadata.google.internal": true,
}

// blockedSuffixes reject internal-looking hostnames.
var blockedSuffixes = []string{".localhost", ".local", ".internal"}

// Target is a validated fetch destination: the original host for the Host
// header and TLS SNI, and the pinned address the dialer must use.
type Target struct {
	Host string
	Port string
	IP   net.IP
}

// normalizeHost lowercases, trims the trailing dot, and unwraps IPv6
// brackets.
func normalizeHost(host string) string {
	h := strings.ToLower(strings.TrimSpace(host))
	h = strings.TrimSuffix(h, ".")
	if strings.HasPrefix(h, "[") && strings.HasSuffix(h, "]") {
		h = h[1 : len(h)-1]
	}
	return h
}

// ParseIPv4Literal parses an IPv4 address in any inet_aton form: dotted
// quads with octal (leading 0) or hex (0x) octets, and 1/2/3-part short
// forms including a single 32-bit decimal or hex number. Returns false when
// the string is not an IPv4 literal at all.
func ParseIPv4Literal(s string) (net.IP, bool) {
	if s == "" {
		return nil, false
	}
	parts := strings.Split(s, ".")
	if len(parts) > 4 {
		return nil, false
	}

	vals := make([]uint64, len(parts))
	for i, p := range parts {
		if p == "" {
			return nil, false
		}
		// ParseUint with base 0 honours 0x hex and leading-zero octal,
		// which is exactly the normalisation naive string checks miss.
		v, err := strconv.ParseUint(p, 0, 64)
		if err != nil {
			return nil, false
		}
		vals[i] = v
	}

	var n uint64
	switch len(vals) {
	case 1: // a — full 32-bit value
		n = vals[0]
	case 2: // a.b — b covers the low 24 bits
		if vals[0] > 0xff || vals[1] > 0xffffff {
			return nil, false
		}
		n = vals[0]<<24 | vals[1]
	case 3: // a.b.c — c covers the low 16 bits
		if vals[0] > 0xff || vals[1] > 0xff || vals[2] > 0xffff {
			return nil, false
		}
		n = vals[0]<<24 | vals[1]<<16 | vals[2]
	case 4:
		for _, v := range vals {
			if v > 0xff {
				return nil, false
			}
		}
		n = vals[0]<<24 | vals[1]<<16 | vals[2]<<8 | vals[3]
	}
	if n > 0xffffffff {
		return nil, false
	}
	return net.IPv4(byte(n>>24), byte(n>>16), byte(n>>8), byte(n)), true
}

// IsPrivateIP reports whether ip falls in a private, loopback, link-local,
// unspecified, or carrier-grade NAT range.
func IsPrivateIP(ip net.IP) bool {
	if ip == nil {
		return true
	}
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsUnspecified() ||
		ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return true
	}
	if v4 := ip.To4(); v4 != nil {
		// 100.64.0.0/10 carrier-grade NAT
		if v4[0] == 100 && v4[1] >= 64 && v4[1] <= 127 {
			return true
		}
	}
	return false
}

// ValidateURL checks scheme, hostname, and every resolved address, and
// returns the pinned target for the dial. Called once per redirect hop.
func ValidateURL(rawURL string) (*Target, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: scheme %q not allowed", ErrBlocked, u.Scheme)
	}

	host := normalizeHost(u.Hostname())
	if host == "" {
		return nil, fmt.Errorf("%w: empty hostname", ErrBlocked)
	}
	if blockedHostnames[host] {
		return nil, fmt.Errorf("%w: hostname %q", ErrBlocked, host)
	}
	for _, suffix := range blockedSuffixes {
		if strings.HasSuffix(host, suffix) {
			return nil, fmt.Errorf("%w: hostname %q", ErrBlocked, host)
		}
	}

	port := u.Port()
	if port == "" {
		if u.Scheme == "https" {
			port = "443"
		} else {
			port = "80"
		}
	}

	// IP literal in any encoding: normalise, check, pin.
	if ip, ok := ParseIPv4Literal(host); ok {
		if IsPrivateIP(ip) {
			return nil, fmt.Errorf("%w: private address %s", ErrBlocked, ip)
		}
		return &Target{Host: host, Port: port, IP: ip}, nil
	}
	if ip := net.ParseIP(host); ip != nil {
		if IsPrivateIP(ip) {
			return nil, fmt.Errorf("%w: private address %s", ErrBlocked, ip)
		}
		return &Target{Host: host, Port: port, IP: ip}, nil
	}

	// Hostname: resolve and check every address, then pin the first.
	ips, err := net.LookupIP(host)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", host, err)
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("resolve %s: no addresses", host)
	}
	for _, ip := range ips {
		if IsPrivateIP(ip) {
			return nil, fmt.Errorf("%w: %s resolves to private address %s", ErrBlocked, host, ip)
		}
	}
	return &Target{Host: host, Port: port, IP: ips[0]}, nil
}
