package pipeline

import (
	"context"

	"github.com/provd-server/provd/pkg/device"
	"github.com/provd-server/provd/pkg/plugin"
	"github.com/provd-server/provd/pkg/store"
	"github.com/provd-server/provd/pkg/util"
)

// FirstRetriever tries each sub-retriever in order and returns the first
// device found. The canonical chain is MAC, IP, UUID, SN, then AddNew.
type FirstRetriever struct {
	Retrievers []Retriever
}

func (r *FirstRetriever) Retrieve(ctx context.Context, svc DeviceService, req *plugin.Request, info plugin.DevInfo) (*device.Device, error) {
	for _, sub := range r.Retrievers {
		dev, err := sub.Retrieve(ctx, svc, req, info)
		if err != nil {
			return nil, err
		}
		if dev != nil {
			return dev, nil
		}
	}
	return nil, nil
}

// StandardChain is the default retrieval order. tenantUUID is the tenant
// auto-created devices land in.
func StandardChain(tenantUUID string) Retriever {
	return &FirstRetriever{Retrievers: []Retriever{
		KeyRetriever{InfoKey: "mac", DeviceKey: "mac"},
		IPRetriever{},
		KeyRetriever{InfoKey: "uuid", DeviceKey: "uuid"},
		KeyRetriever{InfoKey: "sn", DeviceKey: "sn"},
		AddNewRetriever{TenantUUID: tenantUUID},
	}}
}

// KeyRetriever matches one extracted key against one stored device field.
type KeyRetriever struct {
	InfoKey   string
	DeviceKey string
}

func (r KeyRetriever) Retrieve(ctx context.Context, svc DeviceService, req *plugin.Request, info plugin.DevInfo) (*device.Device, error) {
	value := info[r.InfoKey]
	if value == "" {
		return nil, nil
	}
	devs, err := svc.DeviceFind(ctx, store.Selector{r.DeviceKey: value}, nil)
	if err != nil || len(devs) == 0 {
		return nil, err
	}
	return devs[0], nil
}

// IPRetriever matches by source address. Addresses are reused and shared,
// so several devices may sit on one address; the other extracted fields
// narrow such a match, and only a still-ambiguous one yields nothing.
type IPRetriever struct{}

func (IPRetriever) Retrieve(ctx context.Context, svc DeviceService, req *plugin.Request, info plugin.DevInfo) (*device.Device, error) {
	ip := info["ip"]
	if ip == "" {
		return nil, nil
	}
	devs, err := svc.DeviceFind(ctx, store.Selector{"ip": ip}, nil)
	if err != nil {
		return nil, err
	}
	if len(devs) > 1 {
		devs = narrowByInfo(devs, info)
	}
	if len(devs) != 1 {
		return nil, nil
	}
	return devs[0], nil
}

// narrowByInfo filters an ambiguous address match on the remaining
// extracted identity fields. A field only filters when it was extracted
// and at least one candidate carries it.
func narrowByInfo(devs []*device.Device, info plugin.DevInfo) []*device.Device {
	fields := []struct {
		key   string
		value func(*device.Device) string
	}{
		{"mac", func(d *device.Device) string { return d.MAC }},
		{"vendor", func(d *device.Device) string { return d.Vendor }},
		{"model", func(d *device.Device) string { return d.Model }},
	}
	for _, f := range fields {
		want := info[f.key]
		if want == "" {
			continue
		}
		var kept []*device.Device
		for _, d := range devs {
			if f.value(d) == want {
				kept = append(kept, d)
			}
		}
		if len(kept) > 0 {
			devs = kept
		}
		if len(devs) == 1 {
			return devs
		}
	}
	return devs
}

// AddNewRetriever creates a device from the extracted info when nothing
// matched. It never matches an existing device, so it belongs at the end
// of a chain.
type AddNewRetriever struct {
	// TenantUUID is the tenant newly seen devices are filed under.
	TenantUUID string
}

func (r AddNewRetriever) Retrieve(ctx context.Context, svc DeviceService, req *plugin.Request, info plugin.DevInfo) (*device.Device, error) {
	if len(info) == 0 {
		return nil, nil
	}
	dev := &device.Device{
		TenantUUID: r.TenantUUID,
		Added:      device.AddedAuto,
		IsNew:      true,
	}
	applyDevInfo(dev, info)

	id, err := svc.DeviceInsert(ctx, dev)
	if err != nil {
		return nil, err
	}
	util.SecurityEvent("New device created automatically from %s: %s", req.IP, id)
	return svc.DeviceGet(ctx, id)
}

// applyDevInfo copies extracted keys onto the device record.
func applyDevInfo(dev *device.Device, info plugin.DevInfo) {
	for key, value := range info {
		if value == "" {
			continue
		}
		switch key {
		case "ip":
			dev.IP = value
		case "mac":
			dev.MAC = value
		case "vendor":
			dev.Vendor = value
		case "model":
			dev.Model = value
		case "version":
			dev.Version = value
		case "sn":
			dev.SN = value
		case "uuid":
			dev.UUID = value
		case "remote_state_sip_username":
			dev.RemoteStateSIPUsername = value
		}
	}
}
