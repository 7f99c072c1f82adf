package pipeline

import (
	"sort"

	"github.com/provd-server/provd/pkg/plugin"
	"github.com/provd-server/provd/pkg/util"
)

// DHCP option codes carrying identity.
const (
	dhcpOptVendorClass = "60"
)

// StandardExtractor pulls the protocol-level facts every request carries:
// the client address, and for DHCP the hardware address and vendor class.
type StandardExtractor struct{}

func (StandardExtractor) ExtractDevInfo(req *plugin.Request) plugin.DevInfo {
	info := plugin.DevInfo{}
	if req.IP != "" {
		info["ip"] = req.IP
	}
	if req.Type == plugin.RequestDHCP {
		if mac, err := util.NormalizeMAC(req.MAC); err == nil {
			info["mac"] = mac
		}
		if vendor, ok := req.Options[dhcpOptVendorClass]; ok && vendor != "" {
			info["vendor"] = vendor
		}
	}
	return info
}

// AllPluginsExtractor asks every loaded plugin exposing the matching
// extractor capability. The loaded set is consulted on every request, so
// plugin loads and unloads take effect immediately.
type AllPluginsExtractor struct {
	Manager *plugin.Manager

	// Combine folds the per-plugin results into one; nil means Voting.
	Combine CombineFunc
}

func (e *AllPluginsExtractor) ExtractDevInfo(req *plugin.Request) plugin.DevInfo {
	var infos []plugin.DevInfo
	for _, plug := range e.Manager.Loaded() {
		info := extractByType(plug, req)
		if len(info) > 0 {
			infos = append(infos, info)
		}
	}
	combine := e.Combine
	if combine == nil {
		combine = Voting
	}
	return combine(infos)
}

func extractByType(plug plugin.Plugin, req *plugin.Request) plugin.DevInfo {
	switch req.Type {
	case plugin.RequestHTTP:
		if x, ok := plug.(plugin.HTTPDevInfoExtractor); ok {
			return x.ExtractHTTPDevInfo(req)
		}
	case plugin.RequestTFTP:
		if x, ok := plug.(plugin.TFTPDevInfoExtractor); ok {
			return x.ExtractTFTPDevInfo(req)
		}
	case plugin.RequestDHCP:
		if x, ok := plug.(plugin.DHCPDevInfoExtractor); ok {
			return x.ExtractDHCPDevInfo(req)
		}
	}
	return nil
}

// CompositeExtractor runs sub-extractors in order and folds their results.
type CompositeExtractor struct {
	Extractors []Extractor
	Combine    CombineFunc
}

func (e *CompositeExtractor) ExtractDevInfo(req *plugin.Request) plugin.DevInfo {
	var infos []plugin.DevInfo
	for _, x := range e.Extractors {
		info := x.ExtractDevInfo(req)
		if len(info) > 0 {
			infos = append(infos, info)
		}
	}
	combine := e.Combine
	if combine == nil {
		combine = LastSeen
	}
	return combine(infos)
}

// CombineFunc folds several extraction results into one.
type CombineFunc func(infos []plugin.DevInfo) plugin.DevInfo

// LastSeen merges in order; a later value for a key replaces an earlier
// one.
func LastSeen(infos []plugin.DevInfo) plugin.DevInfo {
	if len(infos) == 0 {
		return nil
	}
	out := plugin.DevInfo{}
	for _, info := range infos {
		for k, v := range info {
			out[k] = v
		}
	}
	return out
}

// Voting picks, per key, the value most extractors agree on. Ties go to
// the lexicographically smallest value so the outcome is deterministic.
func Voting(infos []plugin.DevInfo) plugin.DevInfo {
	if len(infos) == 0 {
		return nil
	}
	votes := map[string]map[string]int{}
	for _, info := range infos {
		for k, v := range info {
			if votes[k] == nil {
				votes[k] = map[string]int{}
			}
			votes[k][v]++
		}
	}
	out := plugin.DevInfo{}
	for k, byValue := range votes {
		values := make([]string, 0, len(byValue))
		for v := range byValue {
			values = append(values, v)
		}
		sort.Strings(values)
		best := values[0]
		for _, v := range values[1:] {
			if byValue[v] > byValue[best] {
				best = v
			}
		}
		out[k] = best
	}
	return out
}
