package validation

import (
	"net"
	"strings"
)

// IPOrCIDR acepta "10.0.0.0/8", "::1/128" o una IP suelta.
func IPOrCIDR(s string) bool {
	s = strings.TrimSpace(s)
	if strings.Contains(s, "/") {
		_, _, err := net.ParseCIDR(s)
		return err == nil
	}
	return net.ParseIP(s) != nil
}
