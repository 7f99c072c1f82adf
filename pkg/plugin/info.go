package plugin

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// IfaceVersion is the plugin interface version implemented by this
// runtime. Plugins declaring incompatible min/max bounds are refused at
// load time.
const IfaceVersion = "0.2"

// InfoFilename is the metadata file every installed plugin carries.
const InfoFilename = "plugin-info"

// Info is the parsed plugin-info metadata.
type Info struct {
	Version     string `json:"version"`
	Description string `json:"description"`

	// DescriptionLocales maps locale ("fr_FR") to a localized description.
	DescriptionLocales map[string]string `json:"description_locales,omitempty"`

	// Capabilities maps "vendor,model,version" to capability attributes.
	Capabilities map[string]map[string]interface{} `json:"capabilities,omitempty"`

	IfaceVersionMin string `json:"plugin_iface_version_min,omitempty"`
	IfaceVersionMax string `json:"plugin_iface_version_max,omitempty"`

	// Entry names the compiled-in driver implementing this plugin.
	Entry string `json:"entry,omitempty"`
}

// ReadInfo loads and parses a plugin directory's plugin-info file.
func ReadInfo(dir string) (*Info, error) {
	data, err := os.ReadFile(filepath.Join(dir, InfoFilename))
	if err != nil {
		return nil, fmt.Errorf("reading plugin-info in %s: %w", dir, err)
	}
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("parsing plugin-info in %s: %w", dir, err)
	}
	if info.Version == "" {
		return nil, fmt.Errorf("plugin-info in %s: missing version", dir)
	}
	return &info, nil
}

// CheckIfaceCompat verifies the runtime's plugin interface version against
// the plugin's declared bounds.
func (i *Info) CheckIfaceCompat() error {
	if i.IfaceVersionMin != "" && compareVersions(IfaceVersion, i.IfaceVersionMin) < 0 {
		return fmt.Errorf("plugin requires interface >= %s, runtime has %s",
			i.IfaceVersionMin, IfaceVersion)
	}
	if i.IfaceVersionMax != "" && compareVersions(IfaceVersion, i.IfaceVersionMax) > 0 {
		return fmt.Errorf("plugin requires interface <= %s, runtime has %s",
			i.IfaceVersionMax, IfaceVersion)
	}
	return nil
}

// compareVersions orders dotted-decimal version strings. Non-numeric
// segments compare lexically.
func compareVersions(a, b string) int {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	for i := 0; i < len(as) || i < len(bs); i++ {
		var sa, sb string
		if i < len(as) {
			sa = as[i]
		}
		if i < len(bs) {
			sb = bs[i]
		}
		na, errA := strconv.Atoi(sa)
		nb, errB := strconv.Atoi(sb)
		if errA == nil && errB == nil {
			if na != nb {
				if na < nb {
					return -1
				}
				return 1
			}
			continue
		}
		if c := strings.Compare(sa, sb); c != 0 {
			return c
		}
	}
	return 0
}
