package provd

import (
	"context"
	"fmt"

	"github.com/provd-server/provd/pkg/config"
	"github.com/provd-server/provd/pkg/store"
	"github.com/provd-server/provd/pkg/util"
)

// ConfigInsert adds a config and reconfigures every device whose effective
// raw config it may change (devices on the config itself or on any of its
// descendants).
func (a *App) ConfigInsert(ctx context.Context, c *config.Config) (string, error) {
	if err := a.lock.Lock(ctx); err != nil {
		return "", err
	}
	defer a.lock.Unlock()

	id, err := a.configs.Insert(ctx, c)
	if err != nil {
		return "", err
	}
	if err := a.reconfigureAffected(ctx, id); err != nil {
		return id, err
	}
	return id, nil
}

// ConfigUpdate replaces a config and propagates the change down the
// inheritance graph.
func (a *App) ConfigUpdate(ctx context.Context, c *config.Config) error {
	if err := a.lock.Lock(ctx); err != nil {
		return err
	}
	defer a.lock.Unlock()

	if err := a.configs.Update(ctx, c); err != nil {
		return err
	}
	return a.reconfigureAffected(ctx, c.ID)
}

// ConfigDelete removes a config. Devices pointing directly at it fall back
// to unconfigured; devices on descendant configs are reconfigured against
// the spliced inheritance graph.
func (a *App) ConfigDelete(ctx context.Context, id string) error {
	if err := a.lock.Lock(ctx); err != nil {
		return err
	}
	defer a.lock.Unlock()

	descendants, err := a.configs.Descendants(ctx, id)
	if err != nil {
		return err
	}
	if err := a.configs.Delete(ctx, id); err != nil {
		return err
	}

	orphans, err := a.devices.Find(ctx, store.Selector{"config": id}, nil)
	if err != nil {
		return err
	}
	for _, doc := range orphans {
		dev, err := a.deviceGet(ctx, store.DocumentID(doc))
		if err != nil || dev == nil {
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

	return a.reconfigureConfigs(ctx, descendants)
}

// ConfigGet returns a config, or nil when unknown. Lock-free.
func (a *App) ConfigGet(ctx context.Context, id string) (*config.Config, error) {
	return a.configs.Retrieve(ctx, id)
}

// ConfigFind queries the config collection. Lock-free.
func (a *App) ConfigFind(ctx context.Context, sel store.Selector, opts *store.FindOptions) ([]*config.Config, error) {
	return a.configs.Find(ctx, sel, opts)
}

// ConfigRaw materializes the flattened raw config of a config id, defaults
// applied, or nil when the id is unknown. The server base excludes any
// tenant provisioning key since no device is involved.
func (a *App) ConfigRaw(ctx context.Context, id string) (map[string]interface{}, error) {
	raw, err := a.configs.Flatten(ctx, id, a.baseRawConfig())
	if err != nil || raw == nil {
		return nil, err
	}
	config.FillDefaults(raw)
	return raw, nil
}

// ConfigAutocreate instantiates a new config from the autocreate template.
func (a *App) ConfigAutocreate(ctx context.Context) (*config.Config, error) {
	if err := a.lock.Lock(ctx); err != nil {
		return nil, err
	}
	defer a.lock.Unlock()

	c, err := a.configs.Autocreate(ctx)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, fmt.Errorf("no usable autocreate template: %w", util.ErrNotFound)
	}
	return c, nil
}

// reconfigureAffected reconfigures devices on id and on all its
// descendants. Must be called with the write lock held.
func (a *App) reconfigureAffected(ctx context.Context, id string) error {
	descendants, err := a.configs.Descendants(ctx, id)
	if err != nil {
		return err
	}
	return a.reconfigureConfigs(ctx, append([]string{id}, descendants...))
}

// reconfigureConfigs reconfigures every device whose config id is in ids.
func (a *App) reconfigureConfigs(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	members := make([]interface{}, len(ids))
	for i, id := range ids {
		members[i] = id
	}
	docs, err := a.devices.Find(ctx, store.Selector{"config": map[string]interface{}{"$in": members}}, nil)
	if err != nil {
		return err
	}
	for _, doc := range docs {
		if err := a.deviceReconfigureLocked(ctx, store.DocumentID(doc)); err != nil {
			util.WithDevice(store.DocumentID(doc)).Errorf("Reconfigure after config change failed: %v", err)
		}
	}
	return nil
}
