package hostutil

import (
	"fmt"
	"net"
	"strings"
)

// ValidateHostname reports whether raw is usable as a ServerSpec
// hostname: either an IP literal (v4 or v6) or an RFC 1123 DNS name.
// Classification is delegated to net.ParseIP (after stripping any
// surrounding brackets) rather than hand-rolled dotted-quad/colon
// heuristics, since it already covers IPv4-mapped IPv6. IPv6 literals
// with a zone id ("fe80::1%en0") are not accepted.
func ValidateHostname(raw string) error {
	if ip := net.ParseIP(strings.Trim(raw, "[]")); ip != nil {
		return nil
	}
	if !validDNSName(raw) {
		return fmt.Errorf("invalid hostname %q", raw)
	}
	return nil
}

// validDNSName checks RFC 1123 label rules: 1-63 chars per label, alnum
// or hyphen, no leading/trailing hyphen, 253 chars overall.
func validDNSName(raw string) bool {
	if raw == "" || len(raw) > 253 {
		return false
	}
	for _, label := range strings.Split(raw, ".") {
		if len(label) < 1 || len(label) > 63 {
			return false
		}
		for i, r := range label {
			alnum := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
			if !alnum && r != '-' {
				return false
			}
			if r == '-' && (i == 0 || i == len(label)-1) {
				return false
			}
		}
	}
	return true
}
