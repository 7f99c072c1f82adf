package provd

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-redis/redis/v8"

	"github.com/provd-server/provd/pkg/config"
	"github.com/provd-server/provd/pkg/plugin"
	"github.com/provd-server/provd/pkg/store"
	"github.com/provd-server/provd/pkg/tenant"
	"github.com/provd-server/provd/pkg/util"
)

// ServiceConfig is the persisted, mutable service configuration. Unlike the
// daemon Config it survives restarts: it lives as a singleton document in
// the configuration collection and every setter writes through.
type ServiceConfig struct {
	PluginServer string             `json:"plugin_server,omitempty"`
	Proxies      plugin.ProxyConfig `json:"proxies"`
	Locale       string             `json:"locale,omitempty"`
	NATEnabled   bool               `json:"nat_enabled"`
}

const serviceConfigID = "service"

// App ties the device store, the config engine, the plugin manager and the
// tenant registry together under one reader-writer lock. Mutating
// operations (device insert/update/delete, config changes, plugin
// lifecycle) take the write lock; synchronize takes the read lock; plain
// retrievals take no lock at all.
type App struct {
	cfg *Config

	devices store.Collection
	configs *config.Engine
	tenants *tenant.Service
	plugins *plugin.Manager

	lock RWLock

	// svcMu guards the service configuration only.
	svcMu   sync.Mutex
	svcCfg  ServiceConfig
	svcColl store.Collection

	// redisClient is nil for the memory backend; used by Status.
	redisClient *redis.Client

	// busConnected is flipped by the bus consumer.
	busMu        sync.Mutex
	busConnected bool

	// indexReached records whether the last repository index fetch worked.
	idxMu        sync.Mutex
	indexReached bool

	keyGen store.IDGenerator
}

// Collections groups the store collections the app operates on.
type Collections struct {
	Devices       store.Collection
	Configs       store.Collection
	Tenants       store.Collection
	Configuration store.Collection
}

// NewApp builds the application core. The plugin manager is created here so
// its repository callbacks can read the live service configuration.
func NewApp(cfg *Config, colls Collections, sync plugin.SynchronizeService, redisClient *redis.Client) (*App, error) {
	app := &App{
		cfg:         cfg,
		devices:     colls.Devices,
		configs:     config.NewEngine(colls.Configs),
		tenants:     tenant.NewService(colls.Tenants),
		svcColl:     colls.Configuration,
		redisClient: redisClient,
		keyGen:      store.URandomGenerator{Length: 16},
	}

	if err := app.loadServiceConfig(context.Background()); err != nil {
		return nil, fmt.Errorf("loading service configuration: %w", err)
	}

	mgr, err := plugin.NewManager(plugin.ManagerConfig{
		PluginsDir: cfg.PluginsDir(),
		CacheDir:   cfg.CacheDir(),
		ServerURL:  func() string { return app.ServiceConfig().PluginServer },
		Proxies:    func() plugin.ProxyConfig { return app.ServiceConfig().Proxies },
		Sync:       sync,
	})
	if err != nil {
		return nil, err
	}
	app.plugins = mgr
	return app, nil
}

// Close shuts the plugin manager and the store down.
func (a *App) Close() error {
	var first error
	if err := a.plugins.Close(); err != nil {
		first = err
	}
	for _, coll := range []store.Collection{a.devices, a.svcColl} {
		if err := coll.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Tenants exposes the tenant service to the HTTP layer.
func (a *App) Tenants() *tenant.Service { return a.tenants }

// Plugins exposes the plugin manager for read-only queries.
func (a *App) Plugins() *plugin.Manager { return a.plugins }

// Configs exposes the config engine for read-only queries.
func (a *App) Configs() *config.Engine { return a.configs }

// NATEnabled reports whether NAT mode is active, from either the daemon
// config or the persisted service configuration.
func (a *App) NATEnabled() bool {
	return a.cfg.General.NATEnabled || a.ServiceConfig().NATEnabled
}

// ===========================================================================
// Service configuration
// ===========================================================================

func (a *App) loadServiceConfig(ctx context.Context) error {
	doc, err := a.svcColl.Retrieve(ctx, serviceConfigID)
	if err != nil {
		return err
	}
	a.svcMu.Lock()
	defer a.svcMu.Unlock()
	if doc == nil {
		a.svcCfg = ServiceConfig{Locale: "en_US"}
		_, err := a.svcColl.Insert(ctx, a.serviceConfigDocument())
		return err
	}
	a.svcCfg.PluginServer, _ = doc["plugin_server"].(string)
	a.svcCfg.Locale, _ = doc["locale"].(string)
	a.svcCfg.NATEnabled, _ = doc["nat_enabled"].(bool)
	if proxies, ok := doc["proxies"].(map[string]interface{}); ok {
		a.svcCfg.Proxies.HTTP, _ = proxies["http"].(string)
		a.svcCfg.Proxies.HTTPS, _ = proxies["https"].(string)
		a.svcCfg.Proxies.FTP, _ = proxies["ftp"].(string)
	}
	return nil
}

// serviceConfigDocument must be called with svcMu held.
func (a *App) serviceConfigDocument() store.Document {
	return store.Document{
		"id":            serviceConfigID,
		"plugin_server": a.svcCfg.PluginServer,
		"locale":        a.svcCfg.Locale,
		"nat_enabled":   a.svcCfg.NATEnabled,
		"proxies": map[string]interface{}{
			"http":  a.svcCfg.Proxies.HTTP,
			"https": a.svcCfg.Proxies.HTTPS,
			"ftp":   a.svcCfg.Proxies.FTP,
		},
	}
}

// ServiceConfig returns a copy of the current service configuration.
func (a *App) ServiceConfig() ServiceConfig {
	a.svcMu.Lock()
	defer a.svcMu.Unlock()
	return a.svcCfg
}

// SetServiceConfig applies fn to the service configuration and persists the
// result.
func (a *App) SetServiceConfig(ctx context.Context, fn func(*ServiceConfig)) error {
	a.svcMu.Lock()
	defer a.svcMu.Unlock()
	fn(&a.svcCfg)
	return a.svcColl.Update(ctx, a.serviceConfigDocument())
}

// SeedPluginServer sets the plugin repository URL on first start only: a
// value already persisted in the service configuration wins over the
// settings file.
func (a *App) SeedPluginServer(ctx context.Context, url string) error {
	a.svcMu.Lock()
	defer a.svcMu.Unlock()
	if url == "" || a.svcCfg.PluginServer != "" {
		return nil
	}
	a.svcCfg.PluginServer = url
	return a.svcColl.Update(ctx, a.serviceConfigDocument())
}

// ===========================================================================
// Base raw config
// ===========================================================================

// baseRawConfig is the server-derived seed every flatten starts from: the
// addresses and ports devices must reach us on.
func (a *App) baseRawConfig() map[string]interface{} {
	gen := a.cfg.General
	return map[string]interface{}{
		config.KeyIP:          gen.ExternalIP,
		config.KeyHTTPPort:    gen.HTTPPort,
		config.KeyTFTPPort:    gen.TFTPPort,
		config.KeyHTTPBaseURL: fmt.Sprintf("http://%s:%d", gen.ExternalIP, gen.HTTPPort),
	}
}

// deviceRawConfigBase extends the base raw config for one device. Under
// url-key authentication the device's tenant provisioning key becomes part
// of the advertised HTTP base URL, so devices fetch through it.
func (a *App) deviceRawConfigBase(ctx context.Context, tenantUUID string) (map[string]interface{}, error) {
	base := a.baseRawConfig()
	if a.cfg.General.HTTPAuthStrategy != "url_key" || tenantUUID == "" {
		return base, nil
	}
	key, err := a.tenantProvisioningKey(ctx, tenantUUID)
	if err != nil {
		return nil, err
	}
	gen := a.cfg.General
	base[config.KeyHTTPBaseURL] = fmt.Sprintf("http://%s:%d/%s", gen.ExternalIP, gen.HTTPPort, key)
	return base, nil
}

// tenantProvisioningKey returns the tenant's key, generating and persisting
// one on first use.
func (a *App) tenantProvisioningKey(ctx context.Context, tenantUUID string) (string, error) {
	t, err := a.tenants.GetOrCreate(ctx, tenantUUID)
	if err != nil {
		return "", err
	}
	if t.ProvisioningKey != "" {
		return t.ProvisioningKey, nil
	}
	key := a.keyGen.Next()
	if err := a.tenants.SetProvisioningKey(ctx, tenantUUID, key); err != nil {
		return "", err
	}
	return key, nil
}

// ===========================================================================
// Tenant removal and status
// ===========================================================================

// RemoveTenant deletes a tenant and every device it owns. Driven by the bus
// consumer on tenant-deleted events.
func (a *App) RemoveTenant(ctx context.Context, tenantUUID string) error {
	if err := a.lock.Lock(ctx); err != nil {
		return err
	}
	defer a.lock.Unlock()

	docs, err := a.devices.Find(ctx, store.Selector{"tenant_uuid": tenantUUID}, nil)
	if err != nil {
		return err
	}
	for _, doc := range docs {
		if err := a.deviceDeleteLocked(ctx, store.DocumentID(doc)); err != nil {
			util.Logger.WithField("tenant_uuid", tenantUUID).
				Warnf("Failed to delete device %s of removed tenant: %v", store.DocumentID(doc), err)
		}
	}
	util.Logger.Infof("Removed tenant %s and %d device(s)", tenantUUID, len(docs))
	return a.tenants.Remove(ctx, tenantUUID)
}

// SetBusConnected records the bus consumer's connection state for Status.
func (a *App) SetBusConnected(up bool) {
	a.busMu.Lock()
	a.busConnected = up
	a.busMu.Unlock()
}

// Status reports subsystem reachability: the document store, the bus
// consumer and the plugin repository. Each value is "ok" or "fail".
func (a *App) Status(ctx context.Context) map[string]string {
	st := map[string]string{
		"rest_api":      "ok",
		"db":            "ok",
		"bus_consumer":  "fail",
		"plugin_server": "fail",
	}
	if a.redisClient != nil {
		if err := a.redisClient.Ping(ctx).Err(); err != nil {
			st["db"] = "fail"
		}
	}
	a.busMu.Lock()
	if a.busConnected || !a.cfg.Bus.Enabled {
		st["bus_consumer"] = "ok"
	}
	a.busMu.Unlock()
	a.idxMu.Lock()
	if a.indexReached {
		st["plugin_server"] = "ok"
	}
	a.idxMu.Unlock()
	return st
}
