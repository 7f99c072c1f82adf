package provd

import (
	"context"
	"fmt"
	"path"
	"reflect"

	"github.com/provd-server/provd/pkg/config"
	"github.com/provd-server/provd/pkg/device"
	"github.com/provd-server/provd/pkg/plugin"
	"github.com/provd-server/provd/pkg/store"
	"github.com/provd-server/provd/pkg/util"
)

// DeviceInsert adds a device and configures it when its plugin and config
// allow. The stored configured flag always reflects whether configuration
// files are actually on disk.
func (a *App) DeviceInsert(ctx context.Context, dev *device.Device) (string, error) {
	if err := a.lock.Lock(ctx); err != nil {
		return "", err
	}
	defer a.lock.Unlock()
	return a.deviceInsertLocked(ctx, dev)
}

func (a *App) deviceInsertLocked(ctx context.Context, dev *device.Device) (string, error) {
	if err := dev.Normalize(); err != nil {
		return "", err
	}
	if err := dev.Validate(); err != nil {
		return "", err
	}
	if _, err := a.tenants.GetOrCreate(ctx, dev.TenantUUID); err != nil {
		return "", err
	}

	dev.Configured = false
	doc, err := dev.ToDocument()
	if err != nil {
		return "", err
	}
	id, err := a.devices.Insert(ctx, doc)
	if err != nil {
		return "", err
	}
	dev.ID = id

	a.configureIfPossible(ctx, dev)
	if dev.Configured {
		doc, err = dev.ToDocument()
		if err != nil {
			return id, err
		}
		if err := a.devices.Update(ctx, doc); err != nil {
			return id, err
		}
	}
	util.WithDevice(id).Infof("Inserted device (configured=%v)", dev.Configured)
	return id, nil
}

// DeviceUpdate replaces a device. When the change affects provisioning
// (plugin, config, identity fields) the device is deconfigured with its old
// plugin and reconfigured with the new one. A transient config left behind
// by a config switch is reaped.
func (a *App) DeviceUpdate(ctx context.Context, dev *device.Device) error {
	if err := a.lock.Lock(ctx); err != nil {
		return err
	}
	defer a.lock.Unlock()
	return a.deviceUpdateLocked(ctx, dev)
}

func (a *App) deviceUpdateLocked(ctx context.Context, dev *device.Device) error {
	if err := dev.Normalize(); err != nil {
		return err
	}
	if err := dev.Validate(); err != nil {
		return err
	}

	old, err := a.deviceGet(ctx, dev.ID)
	if err != nil {
		return err
	}
	if old == nil {
		return fmt.Errorf("device %s: %w", dev.ID, util.ErrInvalidID)
	}
	if old.TenantUUID != dev.TenantUUID {
		return fmt.Errorf("device %s belongs to tenant %s: %w", dev.ID, old.TenantUUID, util.ErrTenantMismatch)
	}

	if device.NeedsReconfiguration(old, dev) {
		a.deconfigureDevice(old)
		a.configureIfPossible(ctx, dev)
	} else {
		dev.Configured = old.Configured
	}

	oldDoc, err := old.ToDocument()
	if err != nil {
		return err
	}
	newDoc, err := dev.ToDocument()
	if err != nil {
		return err
	}
	if !reflect.DeepEqual(oldDoc, newDoc) {
		if err := a.devices.Update(ctx, newDoc); err != nil {
			return err
		}
	}

	// A device walking away from an autocreated config orphans it.
	if old.Config != "" && old.Config != dev.Config {
		a.reapTransientConfig(ctx, old.Config)
	}
	return nil
}

// DeviceDelete removes a device, deconfiguring it first and reaping its
// transient config if it had one.
func (a *App) DeviceDelete(ctx context.Context, id string) error {
	if err := a.lock.Lock(ctx); err != nil {
		return err
	}
	defer a.lock.Unlock()
	return a.deviceDeleteLocked(ctx, id)
}

func (a *App) deviceDeleteLocked(ctx context.Context, id string) error {
	dev, err := a.deviceGet(ctx, id)
	if err != nil {
		return err
	}
	if dev == nil {
		return fmt.Errorf("device %s: %w", id, util.ErrInvalidID)
	}
	a.deconfigureDevice(dev)
	if err := a.devices.Delete(ctx, id); err != nil {
		return err
	}
	if dev.Config != "" {
		a.reapTransientConfig(ctx, dev.Config)
	}
	util.WithDevice(id).Infof("Deleted device")
	return nil
}

// DeviceReconfigure regenerates a device's configuration files.
func (a *App) DeviceReconfigure(ctx context.Context, id string) error {
	if err := a.lock.Lock(ctx); err != nil {
		return err
	}
	defer a.lock.Unlock()
	return a.deviceReconfigureLocked(ctx, id)
}

func (a *App) deviceReconfigureLocked(ctx context.Context, id string) error {
	dev, err := a.deviceGet(ctx, id)
	if err != nil {
		return err
	}
	if dev == nil {
		return fmt.Errorf("device %s: %w", id, util.ErrInvalidID)
	}
	wasConfigured := dev.Configured
	a.deconfigureDevice(dev)
	a.configureIfPossible(ctx, dev)
	if dev.Configured != wasConfigured {
		doc, err := dev.ToDocument()
		if err != nil {
			return err
		}
		return a.devices.Update(ctx, doc)
	}
	return nil
}

// DeviceSynchronize asks a configured device to refetch its configuration.
// It runs under the read lock: many synchronizations may proceed at once,
// but none overlap a mutation.
func (a *App) DeviceSynchronize(ctx context.Context, id string) error {
	if err := a.lock.RLock(ctx); err != nil {
		return err
	}
	defer a.lock.RUnlock()

	dev, err := a.deviceGet(ctx, id)
	if err != nil {
		return err
	}
	if dev == nil {
		return fmt.Errorf("device %s: %w", id, util.ErrInvalidID)
	}
	if !dev.Configured {
		return fmt.Errorf("device %s is not configured: %w", id, util.ErrSynchronizeFailed)
	}
	plug, ok := a.plugins.Get(dev.Plugin)
	if !ok {
		return fmt.Errorf("plugin %s: %w", dev.Plugin, util.ErrNotLoaded)
	}
	raw, err := a.deviceRawConfig(ctx, dev)
	if err != nil {
		return err
	}
	if raw == nil {
		return fmt.Errorf("device %s has no usable config: %w", id, util.ErrSynchronizeFailed)
	}
	if err := plug.Synchronize(ctx, dev, raw); err != nil {
		return fmt.Errorf("%v: %w", err, util.ErrSynchronizeFailed)
	}
	return nil
}

// DeviceGet returns a device, or nil when unknown. Lock-free.
func (a *App) DeviceGet(ctx context.Context, id string) (*device.Device, error) {
	return a.deviceGet(ctx, id)
}

func (a *App) deviceGet(ctx context.Context, id string) (*device.Device, error) {
	doc, err := a.devices.Retrieve(ctx, id)
	if err != nil || doc == nil {
		return nil, err
	}
	return device.FromDocument(doc)
}

// DeviceFind queries the device collection. Lock-free.
func (a *App) DeviceFind(ctx context.Context, sel store.Selector, opts *store.FindOptions) ([]*device.Device, error) {
	docs, err := a.devices.Find(ctx, sel, opts)
	if err != nil {
		return nil, err
	}
	devs := make([]*device.Device, 0, len(docs))
	for _, doc := range docs {
		dev, err := device.FromDocument(doc)
		if err != nil {
			return nil, err
		}
		devs = append(devs, dev)
	}
	return devs, nil
}

// ===========================================================================
// Configure / deconfigure plumbing
// ===========================================================================

// deviceRawConfig materializes the flattened raw config for a device, or
// nil when the device's config id is unknown.
func (a *App) deviceRawConfig(ctx context.Context, dev *device.Device) (map[string]interface{}, error) {
	base, err := a.deviceRawConfigBase(ctx, dev.TenantUUID)
	if err != nil {
		return nil, err
	}
	raw, err := a.configs.Flatten(ctx, dev.Config, base)
	if err != nil || raw == nil {
		return nil, err
	}
	config.FillDefaults(raw)
	return raw, nil
}

// configureIfPossible attempts to write the device's configuration files,
// setting dev.Configured accordingly. A device missing its plugin or
// config, or whose plugin rejects the raw config, simply stays
// unconfigured; only infrastructure failures surface in the log.
func (a *App) configureIfPossible(ctx context.Context, dev *device.Device) {
	dev.Configured = false
	if dev.Plugin == "" || dev.Config == "" {
		return
	}
	plug, ok := a.plugins.Get(dev.Plugin)
	if !ok {
		util.WithDevice(dev.ID).Debugf("Plugin %s not loaded; leaving device unconfigured", dev.Plugin)
		return
	}
	raw, err := a.deviceRawConfig(ctx, dev)
	if err != nil {
		util.WithDevice(dev.ID).Errorf("Failed to materialize raw config: %v", err)
		return
	}
	if raw == nil {
		util.WithDevice(dev.ID).Debugf("Config %s does not exist; leaving device unconfigured", dev.Config)
		return
	}
	if err := config.ValidateRawConfig(raw); err != nil {
		util.WithDevice(dev.ID).Warnf("Raw config %s failed validation: %v", dev.Config, err)
		return
	}
	if err := plug.Configure(dev, raw); err != nil {
		util.WithDevice(dev.ID).Errorf("Plugin %s failed to configure device: %v", dev.Plugin, err)
		return
	}
	dev.Configured = true
}

// deconfigureDevice removes the device's configuration files when present.
func (a *App) deconfigureDevice(dev *device.Device) {
	if !dev.Configured {
		return
	}
	if plug, ok := a.plugins.Get(dev.Plugin); ok {
		if err := plug.Deconfigure(dev); err != nil {
			util.WithDevice(dev.ID).Errorf("Plugin %s failed to deconfigure device: %v", dev.Plugin, err)
		}
	}
	dev.Configured = false
}

// reapTransientConfig deletes an autocreated config once no device points
// at it anymore.
func (a *App) reapTransientConfig(ctx context.Context, configID string) {
	cfg, err := a.configs.Retrieve(ctx, configID)
	if err != nil || cfg == nil || !cfg.Transient {
		return
	}
	inUse, err := a.devices.FindOne(ctx, store.Selector{"config": configID})
	if err != nil || inUse != nil {
		return
	}
	if err := a.configs.Delete(ctx, configID); err != nil {
		util.Logger.Warnf("Failed to reap transient config %s: %v", configID, err)
	}
}

// RecordRemoteState closes the provisioning feedback loop. When a
// configured device fetches its remote-state trigger file, the first SIP
// line username of its materialized config is what the device now runs
// with; persist it so the resync path can notify by peer.
func (a *App) RecordRemoteState(ctx context.Context, dev *device.Device, requestPath string) error {
	if !dev.Configured || requestPath == "" {
		return nil
	}
	plug, ok := a.plugins.Get(dev.Plugin)
	if !ok {
		return nil
	}
	trigger, ok := plug.(plugin.RemoteStateTrigger)
	if !ok {
		return nil
	}
	filename := trigger.RemoteStateTriggerFilename(dev)
	if filename == "" || path.Base(requestPath) != filename {
		return nil
	}

	raw, err := a.deviceRawConfig(ctx, dev)
	if err != nil || raw == nil {
		return err
	}
	username := config.FirstSIPLineUsername(raw)
	if username == "" || username == dev.RemoteStateSIPUsername {
		return nil
	}
	dev.RemoteStateSIPUsername = username
	util.WithDevice(dev.ID).Infof("Device confirmed configuration for SIP username %s", username)
	return a.DeviceUpdate(ctx, dev)
}
