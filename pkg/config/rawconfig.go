package config

import (
	"fmt"
	"regexp"

	"github.com/provd-server/provd/pkg/util"
)

// Raw-config key constants (the closed schema's non-obvious members).
const (
	KeyIP          = "ip"
	KeyHTTPPort    = "http_port"
	KeyTFTPPort    = "tftp_port"
	KeyHTTPBaseURL = "http_base_url"

	KeyDNSEnabled = "dns_enabled"
	KeyDNSIP      = "dns_ip"
	KeyNTPEnabled = "ntp_enabled"
	KeyNTPIP      = "ntp_ip"

	KeyVLANEnabled  = "vlan_enabled"
	KeyVLANID       = "vlan_id"
	KeyVLANPriority = "vlan_priority"

	KeySyslogEnabled = "syslog_enabled"
	KeySyslogIP      = "syslog_ip"
	KeySyslogPort    = "syslog_port"
	KeySyslogLevel   = "syslog_level"

	KeyTimezone = "timezone"
	KeyLocale   = "locale"
	KeyProtocol = "protocol"

	KeySIPProxyIP     = "sip_proxy_ip"
	KeySIPRegistrarIP = "sip_registrar_ip"
	KeySIPSRTPMode    = "sip_srtp_mode"
	KeySIPTransport   = "sip_transport"
	KeySIPLines       = "sip_lines"

	KeySCCPCallManagers = "sccp_call_managers"
	KeyFunckeys         = "funckeys"
)

// Protocols
const (
	ProtocolSIP  = "SIP"
	ProtocolSCCP = "SCCP"
)

// Function key types
const (
	FunckeySpeedDial = "speeddial"
	FunckeyBLF       = "blf"
	FunckeyPark      = "park"
)

const (
	defaultSyslogPort  = 514
	defaultSyslogLevel = "warning"
)

var localeRegexp = regexp.MustCompile(`^[a-z]{2}_[A-Z]{2}$`)

// ValidateRawConfig checks a materialized raw config against the schema
// before it is handed to a plugin. Mandatory keys must be present, gated
// keys must be present when their gate is on, and per-line invariants of
// the configured protocol must hold.
func ValidateRawConfig(raw map[string]interface{}) error {
	for _, key := range []string{KeyIP, KeyHTTPPort, KeyTFTPPort} {
		if _, ok := raw[key]; !ok {
			return util.NewRawConfigError(key, "mandatory key missing")
		}
	}

	gates := []struct{ gate, gated string }{
		{KeyDNSEnabled, KeyDNSIP},
		{KeyNTPEnabled, KeyNTPIP},
		{KeySyslogEnabled, KeySyslogIP},
	}
	for _, g := range gates {
		if rawBool(raw[g.gate]) {
			if _, ok := raw[g.gated]; !ok {
				return util.NewRawConfigError(g.gated, fmt.Sprintf("required when %s is true", g.gate))
			}
		}
	}

	if rawBool(raw[KeyVLANEnabled]) {
		vlanID, ok := rawInt(raw[KeyVLANID])
		if !ok {
			return util.NewRawConfigError(KeyVLANID, "required when vlan_enabled is true")
		}
		if vlanID < 0 || vlanID > 4094 {
			return util.NewRawConfigError(KeyVLANID, fmt.Sprintf("%d out of range 0-4094", vlanID))
		}
		if v, present := raw[KeyVLANPriority]; present {
			prio, ok := rawInt(v)
			if !ok || prio < 0 || prio > 7 {
				return util.NewRawConfigError(KeyVLANPriority, "out of range 0-7")
			}
		}
	}

	if v, present := raw[KeyLocale]; present {
		s, _ := v.(string)
		if !localeRegexp.MatchString(s) {
			return util.NewRawConfigError(KeyLocale, fmt.Sprintf("%q is not of the form xx_XX", s))
		}
	}

	protocol, _ := raw[KeyProtocol].(string)
	switch protocol {
	case "", ProtocolSCCP:
	case ProtocolSIP:
		if err := validateSIPLines(raw); err != nil {
			return err
		}
	default:
		return util.NewRawConfigError(KeyProtocol, fmt.Sprintf("unknown protocol %q", protocol))
	}

	return validateFunckeys(raw)
}

func validateSIPLines(raw map[string]interface{}) error {
	lines, _ := raw[KeySIPLines].(map[string]interface{})
	globalProxy, _ := raw[KeySIPProxyIP].(string)
	for no, v := range lines {
		line, ok := v.(map[string]interface{})
		if !ok {
			return util.NewRawConfigError(KeySIPLines, fmt.Sprintf("line %q is not a mapping", no))
		}
		for _, key := range []string{"username", "password", "display_name"} {
			if s, _ := line[key].(string); s == "" {
				return util.NewRawConfigError(
					fmt.Sprintf("sip_lines.%s.%s", no, key), "required for SIP lines")
			}
		}
		lineProxy, _ := line["proxy_ip"].(string)
		if lineProxy == "" && globalProxy == "" {
			return util.NewRawConfigError(
				fmt.Sprintf("sip_lines.%s.proxy_ip", no), "not resolvable: no line or global proxy")
		}
	}
	return nil
}

func validateFunckeys(raw map[string]interface{}) error {
	funckeys, _ := raw[KeyFunckeys].(map[string]interface{})
	for pos, v := range funckeys {
		fk, ok := v.(map[string]interface{})
		if !ok {
			return util.NewRawConfigError(KeyFunckeys, fmt.Sprintf("funckey %q is not a mapping", pos))
		}
		typ, _ := fk["type"].(string)
		switch typ {
		case FunckeySpeedDial, FunckeyBLF:
			if s, _ := fk["value"].(string); s == "" {
				return util.NewRawConfigError(
					fmt.Sprintf("funckeys.%s.value", pos), "required for speeddial and blf")
			}
		case FunckeyPark:
		default:
			return util.NewRawConfigError(
				fmt.Sprintf("funckeys.%s.type", pos), fmt.Sprintf("unknown type %q", typ))
		}
	}
	return nil
}

// FillDefaults completes a materialized raw config in place: per-line SIP
// fallbacks (auth_username from username, proxy from global, registrar
// from proxy), syslog defaults, SIP transport defaults, and empty
// containers so plugin templates can iterate without presence checks.
// Explicit nulls are stripped first so they read as absent.
func FillDefaults(raw map[string]interface{}) {
	util.StripNulls(raw)

	for _, key := range []string{KeySIPLines, KeySCCPCallManagers, KeyFunckeys} {
		if _, ok := raw[key].(map[string]interface{}); !ok {
			raw[key] = map[string]interface{}{}
		}
	}

	if _, ok := raw[KeySIPSRTPMode]; !ok {
		raw[KeySIPSRTPMode] = "disabled"
	}
	if _, ok := raw[KeySIPTransport]; !ok {
		raw[KeySIPTransport] = "udp"
	}

	if rawBool(raw[KeySyslogEnabled]) {
		if _, ok := raw[KeySyslogPort]; !ok {
			raw[KeySyslogPort] = defaultSyslogPort
		}
		if _, ok := raw[KeySyslogLevel]; !ok {
			raw[KeySyslogLevel] = defaultSyslogLevel
		}
	}

	globalProxy, _ := raw[KeySIPProxyIP].(string)
	globalRegistrar, _ := raw[KeySIPRegistrarIP].(string)
	lines, _ := raw[KeySIPLines].(map[string]interface{})
	for _, v := range lines {
		line, ok := v.(map[string]interface{})
		if !ok {
			continue
		}
		if _, ok := line["auth_username"]; !ok {
			if username, ok := line["username"]; ok {
				line["auth_username"] = username
			}
		}
		if _, ok := line["proxy_ip"]; !ok && globalProxy != "" {
			line["proxy_ip"] = globalProxy
		}
		if _, ok := line["registrar_ip"]; !ok {
			if globalRegistrar != "" {
				line["registrar_ip"] = globalRegistrar
			} else if proxy, ok := line["proxy_ip"]; ok {
				line["registrar_ip"] = proxy
			}
		}
	}
}

// FirstSIPLineUsername returns the username of sip_lines["1"], or "".
func FirstSIPLineUsername(raw map[string]interface{}) string {
	lines, _ := raw[KeySIPLines].(map[string]interface{})
	line, _ := lines["1"].(map[string]interface{})
	username, _ := line["username"].(string)
	return username
}

func rawBool(v interface{}) bool {
	b, _ := v.(bool)
	return b
}

func rawInt(v interface{}) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case float64:
		return int(t), true
	default:
		return 0, false
	}
}
