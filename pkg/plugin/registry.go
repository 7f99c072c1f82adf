package plugin

import (
	"fmt"
	"sort"
	"sync"
)

// Params is handed to a driver factory at plugin load.
type Params struct {
	// Dir is the plugin's installed directory (metadata, templates, var/).
	Dir string

	// Info is the parsed plugin-info metadata.
	Info *Info

	// GeneralConfig carries application-wide plugin settings; SpecificConfig
	// carries per-plugin parameterization.
	GeneralConfig  map[string]interface{}
	SpecificConfig map[string]interface{}

	// Sync is the out-of-band resync channel; may be nil.
	Sync SynchronizeService
}

// Factory instantiates a driver for an installed plugin tree.
type Factory func(p Params) (Plugin, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// RegisterDriver registers a compiled-in driver under an entry name,
// referenced by the entry field of plugin-info. Typically called from a
// driver package's init.
func RegisterDriver(entry string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[entry]; dup {
		panic(fmt.Sprintf("plugin: driver %q registered twice", entry))
	}
	registry[entry] = f
}

// LookupDriver resolves an entry name to its factory.
func LookupDriver(entry string) (Factory, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	f, ok := registry[entry]
	return f, ok
}

// Drivers returns the registered entry names, sorted.
func Drivers() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
