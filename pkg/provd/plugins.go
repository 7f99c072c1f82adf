package provd

import (
	"context"
	"errors"

	"github.com/provd-server/provd/pkg/config"
	"github.com/provd-server/provd/pkg/oip"
	"github.com/provd-server/provd/pkg/store"
	"github.com/provd-server/provd/pkg/util"
)

// PluginUpdateIndex refetches the repository index.
func (a *App) PluginUpdateIndex(ctx context.Context) error {
	err := a.plugins.UpdateIndex(ctx)
	a.idxMu.Lock()
	a.indexReached = err == nil
	a.idxMu.Unlock()
	return err
}

// PluginInstall downloads, extracts and loads a plugin, then reconfigures
// every device bound to it. The download runs without the app lock so
// requests keep flowing; only the load step serializes. Progress is
// observable through the returned tree while the operation runs; the
// channel yields the final error (or nil) exactly once.
func (a *App) PluginInstall(ctx context.Context, id string) (*oip.OIP, <-chan error) {
	prog := oip.New("install")
	done := make(chan error, 1)

	go func() {
		err := a.pluginInstall(ctx, id, prog)
		if err != nil {
			prog.SetState(oip.StateFail)
		} else {
			prog.SetState(oip.StateSuccess)
		}
		done <- err
		close(done)
	}()
	return prog, done
}

// PluginUpgrade reinstalls a plugin in place. Same pipeline as install: the
// new tree replaces the old atomically, then the plugin is reloaded.
func (a *App) PluginUpgrade(ctx context.Context, id string) (*oip.OIP, <-chan error) {
	return a.PluginInstall(ctx, id)
}

func (a *App) pluginInstall(ctx context.Context, id string, prog *oip.OIP) error {
	prog.SetState(oip.StateProgress)
	if err := a.plugins.Install(ctx, id, prog); err != nil {
		return err
	}

	if err := a.lock.Lock(ctx); err != nil {
		return err
	}
	defer a.lock.Unlock()

	if _, ok := a.plugins.Get(id); ok {
		if err := a.plugins.Unload(id); err != nil {
			return err
		}
	}
	return a.pluginLoadLocked(ctx, id)
}

// PluginUninstall unloads and removes a plugin. Devices bound to it lose
// their configured state; their files went away with the plugin tree.
func (a *App) PluginUninstall(ctx context.Context, id string) error {
	if err := a.lock.Lock(ctx); err != nil {
		return err
	}
	defer a.lock.Unlock()

	if err := a.deconfigureDevicesOf(ctx, id); err != nil {
		return err
	}
	if err := a.plugins.Unload(id); err != nil && !errors.Is(err, util.ErrNotLoaded) {
		return err
	}
	return a.plugins.Uninstall(id)
}

// PluginReload re-instantiates a loaded plugin, picking up changed
// templates or service configuration, and reconfigures its devices.
func (a *App) PluginReload(ctx context.Context, id string) error {
	if err := a.lock.Lock(ctx); err != nil {
		return err
	}
	defer a.lock.Unlock()

	if err := a.plugins.Unload(id); err != nil && !errors.Is(err, util.ErrNotLoaded) {
		return err
	}
	return a.pluginLoadLocked(ctx, id)
}

// LoadAll loads every installed plugin at startup. A plugin that fails to
// load is skipped; the rest of the fleet must come up.
func (a *App) LoadAll(ctx context.Context) error {
	if err := a.lock.Lock(ctx); err != nil {
		return err
	}
	defer a.lock.Unlock()

	installed, err := a.plugins.Installed()
	if err != nil {
		return err
	}
	for id := range installed {
		if err := a.pluginLoadLocked(ctx, id); err != nil {
			util.WithPlugin(id).Errorf("Failed to load plugin at startup: %v", err)
		}
	}
	return nil
}

// pluginLoadLocked loads one plugin, applies its common configuration and
// reconfigures its devices. Must be called with the write lock held.
func (a *App) pluginLoadLocked(ctx context.Context, id string) error {
	svc := a.ServiceConfig()
	generalCfg := map[string]interface{}{
		"locale":      svc.Locale,
		"nat_enabled": a.NATEnabled(),
	}
	plug, err := a.plugins.Load(id, generalCfg, nil)
	if err != nil {
		return err
	}

	common := a.commonRawConfig(ctx)
	if err := plug.ConfigureCommon(common); err != nil {
		util.WithPlugin(id).Errorf("Common configuration failed: %v", err)
	}
	return a.reconfigureDevicesOf(ctx, id)
}

// commonRawConfig is the raw config handed to ConfigureCommon: the
// flattened "base" config when one exists, the server seed otherwise.
func (a *App) commonRawConfig(ctx context.Context) map[string]interface{} {
	raw, err := a.configs.Flatten(ctx, "base", a.baseRawConfig())
	if err != nil || raw == nil {
		return a.baseRawConfig()
	}
	config.FillDefaults(raw)
	return raw
}

func (a *App) reconfigureDevicesOf(ctx context.Context, pluginID string) error {
	docs, err := a.devices.Find(ctx, store.Selector{"plugin": pluginID}, nil)
	if err != nil {
		return err
	}
	for _, doc := range docs {
		if err := a.deviceReconfigureLocked(ctx, store.DocumentID(doc)); err != nil {
			util.WithDevice(store.DocumentID(doc)).Errorf("Reconfigure after plugin load failed: %v", err)
		}
	}
	return nil
}

func (a *App) deconfigureDevicesOf(ctx context.Context, pluginID string) error {
	docs, err := a.devices.Find(ctx, store.Selector{"plugin": pluginID}, nil)
	if err != nil {
		return err
	}
	for _, doc := range docs {
		dev, err := a.deviceGet(ctx, store.DocumentID(doc))
		if err != nil || dev == nil || !dev.Configured {
			continue
		}
		a.deconfigureDevice(dev)
		devDoc, err := dev.ToDocument()
		if err != nil {
			continue
		}
		if err := a.devices.Update(ctx, devDoc); err != nil {
			util.WithDevice(dev.ID).Errorf("Failed to persist deconfigured device: %v", err)
		}
	}
	return nil
}
