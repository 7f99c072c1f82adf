package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"testing"

	"github.com/provd-server/provd/pkg/config"
	"github.com/provd-server/provd/pkg/device"
	"github.com/provd-server/provd/pkg/plugin"
	"github.com/provd-server/provd/pkg/store"
	"github.com/provd-server/provd/pkg/util"
)

// fakeService is an in-memory DeviceService good enough for exercising the
// pipeline stages: equality-only selectors over the identity fields.
type fakeService struct {
	devices map[string]*device.Device
	nextID  int
	nat     bool

	autocreate    *config.Config
	autocreateErr error

	remoteStatePaths []string
	updates          int
}

func newFakeService() *fakeService {
	return &fakeService{
		devices:       make(map[string]*device.Device),
		autocreateErr: fmt.Errorf("no usable autocreate template: %w", util.ErrNotFound),
	}
}

func (s *fakeService) DeviceFind(ctx context.Context, sel store.Selector, opts *store.FindOptions) ([]*device.Device, error) {
	var ids []string
	for id := range s.devices {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out []*device.Device
	for _, id := range ids {
		dev := s.devices[id]
		match := true
		for key, want := range sel {
			var got string
			switch key {
			case "id":
				got = dev.ID
			case "tenant_uuid":
				got = dev.TenantUUID
			default:
				got = deviceField(dev, key)
			}
			if w, _ := want.(string); got != w {
				match = false
				break
			}
		}
		if match {
			out = append(out, dev.Clone())
		}
	}
	return out, nil
}

func (s *fakeService) DeviceGet(ctx context.Context, id string) (*device.Device, error) {
	dev, ok := s.devices[id]
	if !ok {
		return nil, nil
	}
	return dev.Clone(), nil
}

func (s *fakeService) DeviceInsert(ctx context.Context, dev *device.Device) (string, error) {
	s.nextID++
	dev.ID = fmt.Sprintf("dev%d", s.nextID)
	s.devices[dev.ID] = dev.Clone()
	return dev.ID, nil
}

func (s *fakeService) DeviceUpdate(ctx context.Context, dev *device.Device) error {
	if _, ok := s.devices[dev.ID]; !ok {
		return fmt.Errorf("device %s: %w", dev.ID, util.ErrInvalidID)
	}
	s.devices[dev.ID] = dev.Clone()
	s.updates++
	return nil
}

func (s *fakeService) ConfigAutocreate(ctx context.Context) (*config.Config, error) {
	if s.autocreate != nil {
		return s.autocreate, nil
	}
	return nil, s.autocreateErr
}

func (s *fakeService) NATEnabled() bool { return s.nat }

func (s *fakeService) RecordRemoteState(ctx context.Context, dev *device.Device, requestPath string) error {
	s.remoteStatePaths = append(s.remoteStatePaths, requestPath)
	return nil
}

// ============================================================================
// Extractors
// ============================================================================

func TestStandardExtractor(t *testing.T) {
	tests := []struct {
		name string
		req  plugin.Request
		want plugin.DevInfo
	}{
		{
			"http",
			plugin.Request{Type: plugin.RequestHTTP, IP: "192.168.1.10"},
			plugin.DevInfo{"ip": "192.168.1.10"},
		},
		{
			"dhcp",
			plugin.Request{
				Type:    plugin.RequestDHCP,
				IP:      "192.168.1.10",
				MAC:     "AA-BB-CC-DD-EE-FF",
				Options: map[string]string{"60": "acme-phone"},
			},
			plugin.DevInfo{"ip": "192.168.1.10", "mac": "aa:bb:cc:dd:ee:ff", "vendor": "acme-phone"},
		},
		{
			"dhcp with bad mac",
			plugin.Request{Type: plugin.RequestDHCP, IP: "192.168.1.10", MAC: "garbage"},
			plugin.DevInfo{"ip": "192.168.1.10"},
		},
		{
			"no address",
			plugin.Request{Type: plugin.RequestTFTP},
			plugin.DevInfo{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := StandardExtractor{}.ExtractDevInfo(&tt.req)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ExtractDevInfo = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCombiners(t *testing.T) {
	infos := []plugin.DevInfo{
		{"vendor": "acme", "model": "X100"},
		{"vendor": "acme", "model": "X200"},
		{"vendor": "zenith"},
	}

	t.Run("last seen", func(t *testing.T) {
		got := LastSeen(infos)
		want := plugin.DevInfo{"vendor": "zenith", "model": "X200"}
		if !reflect.DeepEqual(got, want) {
			t.Errorf("LastSeen = %v, want %v", got, want)
		}
	})

	t.Run("voting majority", func(t *testing.T) {
		got := Voting(infos)
		if got["vendor"] != "acme" {
			t.Errorf("vendor = %q, want the majority value", got["vendor"])
		}
	})

	t.Run("voting tie", func(t *testing.T) {
		got := Voting(infos)
		// X100 and X200 tie; the smallest value wins deterministically.
		if got["model"] != "X100" {
			t.Errorf("model = %q, want X100 on a tie", got["model"])
		}
	})

	t.Run("empty", func(t *testing.T) {
		if got := LastSeen(nil); got != nil {
			t.Errorf("LastSeen(nil) = %v, want nil", got)
		}
		if got := Voting(nil); got != nil {
			t.Errorf("Voting(nil) = %v, want nil", got)
		}
	})
}

type staticExtractor plugin.DevInfo

func (e staticExtractor) ExtractDevInfo(req *plugin.Request) plugin.DevInfo {
	return plugin.DevInfo(e)
}

func TestCompositeExtractor(t *testing.T) {
	composite := &CompositeExtractor{Extractors: []Extractor{
		staticExtractor{"vendor": "acme", "model": "X100"},
		staticExtractor{"model": "X200"},
	}}
	got := composite.ExtractDevInfo(&plugin.Request{})
	// Later extractors refine earlier ones.
	want := plugin.DevInfo{"vendor": "acme", "model": "X200"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ExtractDevInfo = %v, want %v", got, want)
	}
}

// ============================================================================
// Retrievers
// ============================================================================

func TestKeyRetriever(t *testing.T) {
	svc := newFakeService()
	ctx := context.Background()
	svc.devices["dev1"] = &device.Device{ID: "dev1", MAC: "aa:bb:cc:dd:ee:ff"}

	r := KeyRetriever{InfoKey: "mac", DeviceKey: "mac"}
	dev, err := r.Retrieve(ctx, svc, &plugin.Request{}, plugin.DevInfo{"mac": "aa:bb:cc:dd:ee:ff"})
	if err != nil || dev == nil || dev.ID != "dev1" {
		t.Errorf("Retrieve = (%v, %v), want dev1", dev, err)
	}

	dev, err = r.Retrieve(ctx, svc, &plugin.Request{}, plugin.DevInfo{"mac": "00:00:00:00:00:01"})
	if err != nil || dev != nil {
		t.Errorf("Retrieve of unknown mac = (%v, %v), want (nil, nil)", dev, err)
	}

	dev, err = r.Retrieve(ctx, svc, &plugin.Request{}, plugin.DevInfo{})
	if err != nil || dev != nil {
		t.Errorf("Retrieve without mac = (%v, %v), want (nil, nil)", dev, err)
	}
}

func TestIPRetrieverAmbiguity(t *testing.T) {
	svc := newFakeService()
	ctx := context.Background()
	svc.devices["dev1"] = &device.Device{ID: "dev1", IP: "192.168.1.10"}

	dev, err := IPRetriever{}.Retrieve(ctx, svc, &plugin.Request{}, plugin.DevInfo{"ip": "192.168.1.10"})
	if err != nil || dev == nil || dev.ID != "dev1" {
		t.Fatalf("Retrieve = (%v, %v), want dev1", dev, err)
	}

	// Two devices on the same address and nothing else extracted: no guess.
	svc.devices["dev2"] = &device.Device{ID: "dev2", IP: "192.168.1.10"}
	dev, err = IPRetriever{}.Retrieve(ctx, svc, &plugin.Request{}, plugin.DevInfo{"ip": "192.168.1.10"})
	if err != nil || dev != nil {
		t.Errorf("ambiguous Retrieve = (%v, %v), want (nil, nil)", dev, err)
	}
}

func TestIPRetrieverNarrowing(t *testing.T) {
	svc := newFakeService()
	ctx := context.Background()
	svc.devices["dev1"] = &device.Device{ID: "dev1", IP: "192.168.1.10", MAC: "aa:bb:cc:dd:ee:01", Vendor: "Acme", Model: "X100"}
	svc.devices["dev2"] = &device.Device{ID: "dev2", IP: "192.168.1.10", MAC: "aa:bb:cc:dd:ee:02", Vendor: "Acme", Model: "X200"}
	svc.devices["dev3"] = &device.Device{ID: "dev3", IP: "192.168.1.10", Vendor: "Zenith"}

	tests := []struct {
		name string
		info plugin.DevInfo
		want string
	}{
		{"mac narrows", plugin.DevInfo{"ip": "192.168.1.10", "mac": "aa:bb:cc:dd:ee:02"}, "dev2"},
		{"vendor narrows", plugin.DevInfo{"ip": "192.168.1.10", "vendor": "Zenith"}, "dev3"},
		{"vendor then model", plugin.DevInfo{"ip": "192.168.1.10", "vendor": "Acme", "model": "X100"}, "dev1"},
		{"still ambiguous", plugin.DevInfo{"ip": "192.168.1.10", "vendor": "Acme"}, ""},
		{"foreign mac keeps candidates", plugin.DevInfo{"ip": "192.168.1.10", "mac": "ff:ff:ff:ff:ff:ff"}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev, err := IPRetriever{}.Retrieve(ctx, svc, &plugin.Request{}, tt.info)
			if err != nil {
				t.Fatalf("Retrieve failed: %v", err)
			}
			if tt.want == "" {
				if dev != nil {
					t.Errorf("Retrieve = %v, want nil", dev)
				}
				return
			}
			if dev == nil || dev.ID != tt.want {
				t.Errorf("Retrieve = %v, want %s", dev, tt.want)
			}
		})
	}
}

func TestAddNewRetriever(t *testing.T) {
	svc := newFakeService()
	ctx := context.Background()

	r := AddNewRetriever{TenantUUID: "master"}
	dev, err := r.Retrieve(ctx, svc, &plugin.Request{IP: "192.168.1.10"},
		plugin.DevInfo{"ip": "192.168.1.10", "mac": "aa:bb:cc:dd:ee:ff", "vendor": "acme"})
	if err != nil {
		t.Fatalf("Retrieve failed: %v", err)
	}
	if dev == nil {
		t.Fatal("no device created")
	}
	if dev.TenantUUID != "master" || dev.Added != device.AddedAuto || !dev.IsNew {
		t.Errorf("created device = %+v", dev)
	}
	if dev.MAC != "aa:bb:cc:dd:ee:ff" || dev.Vendor != "acme" {
		t.Errorf("extracted info not applied: %+v", dev)
	}

	// Empty info creates nothing.
	dev, err = r.Retrieve(ctx, svc, &plugin.Request{}, plugin.DevInfo{})
	if err != nil || dev != nil {
		t.Errorf("Retrieve with empty info = (%v, %v), want (nil, nil)", dev, err)
	}
}

func TestStandardChainOrder(t *testing.T) {
	svc := newFakeService()
	ctx := context.Background()
	svc.devices["bymac"] = &device.Device{ID: "bymac", MAC: "aa:bb:cc:dd:ee:ff", IP: "192.168.1.20"}
	svc.devices["byip"] = &device.Device{ID: "byip", IP: "192.168.1.10"}

	chain := StandardChain("master")

	// MAC beats IP.
	dev, err := chain.Retrieve(ctx, svc, &plugin.Request{},
		plugin.DevInfo{"mac": "aa:bb:cc:dd:ee:ff", "ip": "192.168.1.10"})
	if err != nil || dev == nil || dev.ID != "bymac" {
		t.Errorf("Retrieve = (%v, %v), want bymac", dev, err)
	}

	// IP fallback.
	dev, err = chain.Retrieve(ctx, svc, &plugin.Request{}, plugin.DevInfo{"ip": "192.168.1.10"})
	if err != nil || dev == nil || dev.ID != "byip" {
		t.Errorf("Retrieve = (%v, %v), want byip", dev, err)
	}

	// Nothing matches: a device is auto-created.
	dev, err = chain.Retrieve(ctx, svc, &plugin.Request{IP: "192.168.1.99"},
		plugin.DevInfo{"ip": "192.168.1.99", "mac": "00:11:22:33:44:55"})
	if err != nil || dev == nil {
		t.Fatalf("Retrieve = (%v, %v), want a created device", dev, err)
	}
	if dev.Added != device.AddedAuto {
		t.Errorf("created device = %+v", dev)
	}
}

// ============================================================================
// Updaters
// ============================================================================

func TestAddInfoUpdater(t *testing.T) {
	svc := newFakeService()
	dev := &device.Device{ID: "dev1", Vendor: "acme"}
	info := plugin.DevInfo{"vendor": "zenith", "model": "X100"}

	if err := (AddInfoUpdater{}).Update(context.Background(), svc, dev, &plugin.Request{}, info); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if dev.Vendor != "acme" {
		t.Errorf("known field overwritten: %q", dev.Vendor)
	}
	if dev.Model != "X100" {
		t.Errorf("missing field not filled: %q", dev.Model)
	}
}

func TestDynamicUpdater(t *testing.T) {
	svc := newFakeService()
	dev := &device.Device{ID: "dev1", IP: "192.168.1.10", Vendor: "acme", Version: "1.0"}
	info := plugin.DevInfo{"ip": "192.168.1.99", "vendor": "zenith", "version": "2.0"}

	u := DynamicUpdater{Keys: []string{"ip", "version"}}
	if err := u.Update(context.Background(), svc, dev, &plugin.Request{}, info); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if dev.IP != "192.168.1.99" || dev.Version != "2.0" {
		t.Errorf("listed keys not refreshed: %+v", dev)
	}
	if dev.Vendor != "acme" {
		t.Errorf("unlisted key overwritten: %q", dev.Vendor)
	}

	all := DynamicUpdater{}
	if err := all.Update(context.Background(), svc, dev, &plugin.Request{}, info); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if dev.Vendor != "zenith" {
		t.Errorf("with no key list every key should win: %q", dev.Vendor)
	}
}

func TestAutocreateConfigUpdater(t *testing.T) {
	ctx := context.Background()

	t.Run("assigns", func(t *testing.T) {
		svc := newFakeService()
		svc.autocreate = &config.Config{ID: "autoprov123"}
		dev := &device.Device{ID: "dev1"}
		if err := (AutocreateConfigUpdater{}).Update(ctx, svc, dev, &plugin.Request{}, nil); err != nil {
			t.Fatalf("Update failed: %v", err)
		}
		if dev.Config != "autoprov123" {
			t.Errorf("Config = %q, want autoprov123", dev.Config)
		}
	})

	t.Run("no template", func(t *testing.T) {
		svc := newFakeService()
		dev := &device.Device{ID: "dev1"}
		if err := (AutocreateConfigUpdater{}).Update(ctx, svc, dev, &plugin.Request{}, nil); err != nil {
			t.Errorf("missing template should not be an error: %v", err)
		}
		if dev.Config != "" {
			t.Errorf("Config = %q, want empty", dev.Config)
		}
	})

	t.Run("existing config untouched", func(t *testing.T) {
		svc := newFakeService()
		svc.autocreate = &config.Config{ID: "autoprov123"}
		dev := &device.Device{ID: "dev1", Config: "mine"}
		if err := (AutocreateConfigUpdater{}).Update(ctx, svc, dev, &plugin.Request{}, nil); err != nil {
			t.Fatalf("Update failed: %v", err)
		}
		if dev.Config != "mine" {
			t.Errorf("Config = %q, want mine", dev.Config)
		}
	})
}

func TestRemoveOutdatedIPUpdater(t *testing.T) {
	ctx := context.Background()

	t.Run("clears others", func(t *testing.T) {
		svc := newFakeService()
		svc.devices["dev1"] = &device.Device{ID: "dev1", IP: "192.168.1.10"}
		svc.devices["dev2"] = &device.Device{ID: "dev2", IP: "192.168.1.10"}

		dev := svc.devices["dev1"].Clone()
		if err := (RemoveOutdatedIPUpdater{}).Update(ctx, svc, dev, &plugin.Request{}, nil); err != nil {
			t.Fatalf("Update failed: %v", err)
		}
		if svc.devices["dev2"].IP != "" {
			t.Errorf("other device kept the address: %q", svc.devices["dev2"].IP)
		}
		if svc.devices["dev1"].IP != "192.168.1.10" {
			t.Error("the device's own record must keep its address")
		}
	})

	t.Run("nat disables eviction", func(t *testing.T) {
		svc := newFakeService()
		svc.nat = true
		svc.devices["dev1"] = &device.Device{ID: "dev1", IP: "192.168.1.10"}
		svc.devices["dev2"] = &device.Device{ID: "dev2", IP: "192.168.1.10"}

		dev := svc.devices["dev1"].Clone()
		if err := (RemoveOutdatedIPUpdater{}).Update(ctx, svc, dev, &plugin.Request{}, nil); err != nil {
			t.Fatalf("Update failed: %v", err)
		}
		if svc.devices["dev2"].IP != "192.168.1.10" {
			t.Error("addresses must be left alone under NAT")
		}
	})
}

// ============================================================================
// Associator
// ============================================================================

const assocDriverEntry = "pipeline-assoc-driver"

func init() {
	plugin.RegisterDriver(assocDriverEntry, func(p plugin.Params) (plugin.Plugin, error) {
		support, _ := p.SpecificConfig["support"].(int)
		return &assocPlugin{
			Base:    plugin.NewBase(p.Dir, p.Info),
			support: plugin.DeviceSupport(support),
		}, nil
	})
}

type assocPlugin struct {
	plugin.Base
	support plugin.DeviceSupport
}

func (p *assocPlugin) Configure(dev *device.Device, raw map[string]interface{}) error { return nil }

func (p *assocPlugin) Associate(info plugin.DevInfo) plugin.DeviceSupport { return p.support }

func newAssocManager(t *testing.T, supports map[string]int) *plugin.Manager {
	t.Helper()
	dir := t.TempDir()
	for id := range supports {
		pdir := filepath.Join(dir, id)
		if err := os.MkdirAll(pdir, 0o755); err != nil {
			t.Fatal(err)
		}
		info, _ := json.Marshal(map[string]interface{}{"version": "1.0", "entry": assocDriverEntry})
		if err := os.WriteFile(filepath.Join(pdir, plugin.InfoFilename), info, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	m, err := plugin.NewManager(plugin.ManagerConfig{PluginsDir: dir, CacheDir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { m.Close() })
	for id, support := range supports {
		if _, err := m.Load(id, nil, map[string]interface{}{"support": support}); err != nil {
			t.Fatalf("Load(%s) failed: %v", id, err)
		}
	}
	return m
}

func TestAssociatorUpdater(t *testing.T) {
	ctx := context.Background()
	info := plugin.DevInfo{"vendor": "acme"}

	t.Run("best support wins", func(t *testing.T) {
		m := newAssocManager(t, map[string]int{
			"plug-a": int(plugin.SupportComplete),
			"plug-b": int(plugin.SupportProbable),
		})
		dev := &device.Device{ID: "dev1"}
		u := AssociatorUpdater{Manager: m}
		if err := u.Update(ctx, newFakeService(), dev, &plugin.Request{}, info); err != nil {
			t.Fatalf("Update failed: %v", err)
		}
		if dev.Plugin != "plug-a" {
			t.Errorf("Plugin = %q, want plug-a", dev.Plugin)
		}
	})

	t.Run("highest id breaks ties", func(t *testing.T) {
		m := newAssocManager(t, map[string]int{
			"plug-a": int(plugin.SupportProbable),
			"plug-b": int(plugin.SupportProbable),
		})
		dev := &device.Device{ID: "dev1"}
		u := AssociatorUpdater{Manager: m}
		if err := u.Update(ctx, newFakeService(), dev, &plugin.Request{}, info); err != nil {
			t.Fatalf("Update failed: %v", err)
		}
		if dev.Plugin != "plug-b" {
			t.Errorf("Plugin = %q, want plug-b", dev.Plugin)
		}
	})

	t.Run("below threshold", func(t *testing.T) {
		m := newAssocManager(t, map[string]int{
			"plug-a": int(plugin.SupportUnknown),
		})
		dev := &device.Device{ID: "dev1"}
		u := AssociatorUpdater{Manager: m}
		if err := u.Update(ctx, newFakeService(), dev, &plugin.Request{}, info); err != nil {
			t.Fatalf("Update failed: %v", err)
		}
		if dev.Plugin != "" {
			t.Errorf("Plugin = %q, want no association below probable", dev.Plugin)
		}
	})

	t.Run("existing plugin untouched", func(t *testing.T) {
		m := newAssocManager(t, map[string]int{
			"plug-a": int(plugin.SupportExact),
		})
		dev := &device.Device{ID: "dev1", Plugin: "mine"}
		u := AssociatorUpdater{Manager: m}
		if err := u.Update(ctx, newFakeService(), dev, &plugin.Request{}, info); err != nil {
			t.Fatalf("Update failed: %v", err)
		}
		if dev.Plugin != "mine" {
			t.Errorf("Plugin = %q, want mine", dev.Plugin)
		}
	})
}

// ============================================================================
// Processor
// ============================================================================

func TestProcessorPersistsChanges(t *testing.T) {
	svc := newFakeService()
	svc.devices["dev1"] = &device.Device{ID: "dev1", MAC: "aa:bb:cc:dd:ee:ff"}

	p := &Processor{
		Svc:       svc,
		Extractor: StandardExtractor{},
		Retriever: &FirstRetriever{Retrievers: []Retriever{
			KeyRetriever{InfoKey: "mac", DeviceKey: "mac"},
		}},
		Updaters: []Updater{DynamicUpdater{Keys: []string{"ip"}}},
	}
	req := &plugin.Request{
		Type: plugin.RequestDHCP,
		IP:   "192.168.1.10",
		MAC:  "aa:bb:cc:dd:ee:ff",
	}
	dev, err := p.Process(context.Background(), req)
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if dev == nil || dev.ID != "dev1" {
		t.Fatalf("Process returned %+v", dev)
	}
	if svc.devices["dev1"].IP != "192.168.1.10" {
		t.Error("updated device not persisted")
	}
	if req.Device == nil || req.Device.ID != "dev1" {
		t.Error("device not attached to the request")
	}
	if len(svc.remoteStatePaths) != 0 {
		t.Error("remote state recorded despite a persisted change")
	}
}

func TestProcessorRecordsRemoteStateWhenUnchanged(t *testing.T) {
	svc := newFakeService()
	svc.devices["dev1"] = &device.Device{ID: "dev1", IP: "192.168.1.10"}

	p := &Processor{
		Svc:       svc,
		Extractor: StandardExtractor{},
		Retriever: &FirstRetriever{Retrievers: []Retriever{IPRetriever{}}},
	}
	req := &plugin.Request{
		Type: plugin.RequestHTTP,
		IP:   "192.168.1.10",
		Path: "/001122334455.cfg",
		HTTP: &http.Request{},
	}
	if _, err := p.Process(context.Background(), req); err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if svc.updates != 0 {
		t.Error("no-op request should not write the device")
	}
	if len(svc.remoteStatePaths) != 1 || svc.remoteStatePaths[0] != "/001122334455.cfg" {
		t.Errorf("remote state paths = %v", svc.remoteStatePaths)
	}
}

func TestProcessorNoMatch(t *testing.T) {
	svc := newFakeService()
	p := &Processor{
		Svc:       svc,
		Extractor: StandardExtractor{},
		Retriever: &FirstRetriever{Retrievers: []Retriever{IPRetriever{}}},
	}
	dev, err := p.Process(context.Background(), &plugin.Request{Type: plugin.RequestTFTP, IP: "10.0.0.1"})
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if dev != nil {
		t.Errorf("Process = %+v, want nil for an unidentified request", dev)
	}
}
