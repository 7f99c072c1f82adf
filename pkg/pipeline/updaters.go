package pipeline

import (
	"context"
	"errors"

	"github.com/provd-server/provd/pkg/device"
	"github.com/provd-server/provd/pkg/plugin"
	"github.com/provd-server/provd/pkg/store"
	"github.com/provd-server/provd/pkg/util"
)

// AddInfoUpdater fills fields the device record is missing, never
// overwriting what is already known.
type AddInfoUpdater struct{}

func (AddInfoUpdater) Update(ctx context.Context, svc DeviceService, dev *device.Device, req *plugin.Request, info plugin.DevInfo) error {
	filtered := plugin.DevInfo{}
	for k, v := range info {
		if deviceField(dev, k) == "" {
			filtered[k] = v
		}
	}
	applyDevInfo(dev, filtered)
	return nil
}

// DynamicUpdater overwrites the listed keys with freshly extracted values;
// with no keys listed every extracted key wins. Volatile facts like the
// address and the firmware version stay current this way.
type DynamicUpdater struct {
	Keys []string
}

func (u DynamicUpdater) Update(ctx context.Context, svc DeviceService, dev *device.Device, req *plugin.Request, info plugin.DevInfo) error {
	if len(u.Keys) == 0 {
		applyDevInfo(dev, info)
		return nil
	}
	filtered := plugin.DevInfo{}
	for _, k := range u.Keys {
		if v, ok := info[k]; ok {
			filtered[k] = v
		}
	}
	applyDevInfo(dev, filtered)
	return nil
}

// AutocreateConfigUpdater gives a config-less device a fresh config
// instantiated from the autocreate template. Without a template the device
// simply stays config-less.
type AutocreateConfigUpdater struct{}

func (AutocreateConfigUpdater) Update(ctx context.Context, svc DeviceService, dev *device.Device, req *plugin.Request, info plugin.DevInfo) error {
	if dev.Config != "" {
		return nil
	}
	c, err := svc.ConfigAutocreate(ctx)
	if err != nil {
		if errors.Is(err, util.ErrNotFound) {
			return nil
		}
		return err
	}
	dev.Config = c.ID
	return nil
}

// RemoveOutdatedIPUpdater clears the address of other devices claiming this
// device's address: a DHCP lease moved on. Disabled under NAT, where many
// devices legitimately share one public address.
type RemoveOutdatedIPUpdater struct{}

func (RemoveOutdatedIPUpdater) Update(ctx context.Context, svc DeviceService, dev *device.Device, req *plugin.Request, info plugin.DevInfo) error {
	if svc.NATEnabled() || dev.IP == "" {
		return nil
	}
	others, err := svc.DeviceFind(ctx, store.Selector{"ip": dev.IP}, nil)
	if err != nil {
		return err
	}
	for _, other := range others {
		if other.ID == dev.ID {
			continue
		}
		other.IP = ""
		if err := svc.DeviceUpdate(ctx, other); err != nil {
			util.WithDevice(other.ID).Warnf("Failed to clear outdated address: %v", err)
		}
	}
	return nil
}

// AssociatorUpdater picks a plugin for a plugin-less device by polling
// every loaded plugin's associator. A candidate must reach probable
// support; among equals the highest plugin id wins, so a newer firmware
// revision of the same family takes precedence.
type AssociatorUpdater struct {
	Manager *plugin.Manager
}

func (u AssociatorUpdater) Update(ctx context.Context, svc DeviceService, dev *device.Device, req *plugin.Request, info plugin.DevInfo) error {
	if dev.Plugin != "" || len(info) == 0 {
		return nil
	}

	var bestID string
	best := plugin.SupportNone
	for _, plug := range u.Manager.Loaded() {
		assoc, ok := plug.(plugin.Associator)
		if !ok {
			continue
		}
		support := assoc.Associate(info)
		if support > best || (support == best && plug.ID() > bestID) {
			best = support
			bestID = plug.ID()
		}
	}
	if best < plugin.SupportProbable {
		return nil
	}
	util.WithDevice(dev.ID).Debugf("Associated plugin %s (support %d)", bestID, best)
	dev.Plugin = bestID
	return nil
}

// deviceField reads the device field backing an extracted key.
func deviceField(dev *device.Device, key string) string {
	switch key {
	case "ip":
		return dev.IP
	case "mac":
		return dev.MAC
	case "vendor":
		return dev.Vendor
	case "model":
		return dev.Model
	case "version":
		return dev.Version
	case "sn":
		return dev.SN
	case "uuid":
		return dev.UUID
	case "remote_state_sip_username":
		return dev.RemoteStateSIPUsername
	}
	return ""
}
