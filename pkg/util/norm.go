package util

import (
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
)

var deviceIDRegexp = regexp.MustCompile(`^[0-9a-z]+$`)

// NormalizeMAC normalizes a MAC address to lowercase, colon-separated,
// two hex digits per octet. Accepted input forms: octets separated by ":"
// or "-" (separators may be mixed), with one or two hex digits per octet,
// or a bare 12-digit hex string. Normalization is idempotent.
func NormalizeMAC(mac string) (string, error) {
	if mac == "" {
		return "", NewInvalidParameterError("mac", "empty MAC address")
	}

	var groups []string
	if strings.ContainsAny(mac, ":-") {
		groups = strings.FieldsFunc(mac, func(r rune) bool {
			return r == ':' || r == '-'
		})
	} else {
		if len(mac) != 12 {
			return "", NewInvalidParameterError("mac", fmt.Sprintf("invalid MAC address %q", mac))
		}
		for i := 0; i < 12; i += 2 {
			groups = append(groups, mac[i:i+2])
		}
	}

	if len(groups) != 6 {
		return "", NewInvalidParameterError("mac", fmt.Sprintf("%q: expected 6 octets, got %d", mac, len(groups)))
	}

	out := make([]string, 6)
	for i, g := range groups {
		if len(g) < 1 || len(g) > 2 {
			return "", NewInvalidParameterError("mac", fmt.Sprintf("%q: bad octet %q", mac, g))
		}
		v, err := strconv.ParseUint(g, 16, 8)
		if err != nil {
			return "", NewInvalidParameterError("mac", fmt.Sprintf("%q: bad octet %q", mac, g))
		}
		out[i] = fmt.Sprintf("%02x", v)
	}
	return strings.Join(out, ":"), nil
}

// NormalizeIP validates and normalizes an IPv4 address in dotted-quad form.
// Normalization is idempotent.
func NormalizeIP(ip string) (string, error) {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return "", NewInvalidParameterError("ip", fmt.Sprintf("invalid IP address %q", ip))
	}
	v4 := parsed.To4()
	if v4 == nil || !strings.Contains(ip, ".") {
		return "", NewInvalidParameterError("ip", fmt.Sprintf("not an IPv4 address: %q", ip))
	}
	return v4.String(), nil
}

// IsValidDeviceID reports whether id matches the device id charset [0-9a-z]+.
func IsValidDeviceID(id string) bool {
	return deviceIDRegexp.MatchString(id)
}
