package plugin

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/provd-server/provd/pkg/oip"
	"github.com/provd-server/provd/pkg/util"
)

// Observer is notified of plugin load and unload transitions.
type Observer interface {
	PluginLoaded(id string)
	PluginUnloaded(id string)
}

// ManagerConfig configures the plugin manager.
type ManagerConfig struct {
	// PluginsDir holds one subdirectory per installed plugin plus the
	// cached installable index.
	PluginsDir string

	// CacheDir holds downloaded tarballs; may be purged post-extract.
	CacheDir string

	// ServerURL returns the current plugin repository URL.
	ServerURL func() string

	// Proxies returns the current outbound proxy settings.
	Proxies func() ProxyConfig

	// Sync is handed to drivers at instantiation; may be nil.
	Sync SynchronizeService
}

// Manager owns the plugin lifecycle: install/upgrade/uninstall of plugin
// trees on disk, load/unload of driver instances, and the installable
// index. The loaded mapping is not persisted; it is rebuilt from the
// plugins directory on startup.
type Manager struct {
	cfg  ManagerConfig
	repo *repoClient

	mu         sync.Mutex
	loaded     map[string]Plugin
	installing map[string]bool
	observers  []Observer

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewManager creates a plugin manager rooted at cfg.PluginsDir.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if err := os.MkdirAll(cfg.PluginsDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating plugins directory: %w", err)
	}
	if cfg.ServerURL == nil {
		cfg.ServerURL = func() string { return "" }
	}
	if cfg.Proxies == nil {
		cfg.Proxies = func() ProxyConfig { return ProxyConfig{} }
	}
	m := &Manager{
		cfg:        cfg,
		repo:       newRepoClient(cfg.ServerURL, cfg.Proxies),
		loaded:     make(map[string]Plugin),
		installing: make(map[string]bool),
		done:       make(chan struct{}),
	}
	if err := m.startWatcher(); err != nil {
		// Watching is best-effort: the installed list is computed on
		// demand, the watcher only logs out-of-band changes.
		util.Warnf("plugin: cannot watch %s: %v", cfg.PluginsDir, err)
	}
	return m, nil
}

// Close stops the watcher and unloads every plugin.
func (m *Manager) Close() error {
	close(m.done)
	if m.watcher != nil {
		m.watcher.Close()
	}
	for _, id := range m.LoadedIDs() {
		if err := m.Unload(id); err != nil {
			util.WithPlugin(id).Warnf("unload on close: %v", err)
		}
	}
	return nil
}

// ============================================================================
// Installable / installed views
// ============================================================================

// Installable returns the installable set from the cached index. A missing
// or corrupt index yields an empty set.
func (m *Manager) Installable() map[string]*PackageInfo {
	return ParseIndex(m.cfg.PluginsDir)
}

// UpdateIndex redownloads the installable index from the repository.
func (m *Manager) UpdateIndex(ctx context.Context) error {
	return m.repo.FetchIndex(ctx, m.cfg.PluginsDir)
}

// Installed enumerates the plugins directory, returning id -> metadata for
// every subdirectory carrying a valid plugin-info file.
func (m *Manager) Installed() (map[string]*Info, error) {
	entries, err := os.ReadDir(m.cfg.PluginsDir)
	if err != nil {
		return nil, fmt.Errorf("listing plugins directory: %w", err)
	}
	installed := make(map[string]*Info)
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		info, err := ReadInfo(filepath.Join(m.cfg.PluginsDir, e.Name()))
		if err != nil {
			util.WithPlugin(e.Name()).Debugf("skipping: %v", err)
			continue
		}
		installed[e.Name()] = info
	}
	return installed, nil
}

// IsInstalled reports whether a plugin tree is present on disk.
func (m *Manager) IsInstalled(id string) bool {
	_, err := ReadInfo(filepath.Join(m.cfg.PluginsDir, id))
	return err == nil
}

// ============================================================================
// Install / upgrade / uninstall
// ============================================================================

// Install downloads (or reuses a cached tarball for) the identified
// package and extracts it into the plugins directory. Progress is reported
// through prog, with the download as a sub-operation. Partially-extracted
// trees are never left behind: extraction happens in a temporary sibling
// directory renamed into place.
//
// Upgrade shares this contract: installing over an existing tree replaces
// it atomically.
func (m *Manager) Install(ctx context.Context, id string, prog *oip.OIP) error {
	m.mu.Lock()
	if m.installing[id] {
		m.mu.Unlock()
		return fmt.Errorf("plugin %q: install already in progress", id)
	}
	m.installing[id] = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.installing, id)
		m.mu.Unlock()
	}()

	pkg, ok := m.Installable()[id]
	if !ok {
		return fmt.Errorf("plugin %q: %w", id, util.ErrNotFound)
	}

	prog.SetState(oip.StateProgress)

	tarball := filepath.Join(m.cfg.CacheDir, pkg.Filename)
	if _, err := os.Stat(tarball); err != nil {
		dl := oip.New("download")
		prog.AddSub(dl)
		dl.SetState(oip.StateProgress)
		path, err := m.repo.FetchPackage(ctx, pkg, m.cfg.CacheDir, dl)
		if err != nil {
			dl.SetState(oip.StateFail)
			return err
		}
		dl.SetState(oip.StateSuccess)
		tarball = path
	}

	if err := m.extract(id, tarball); err != nil {
		return err
	}
	util.WithPlugin(id).Infof("installed version %s", pkg.Version)
	return nil
}

// Uninstall removes a plugin's directory tree. The plugin must be
// unloaded first.
func (m *Manager) Uninstall(id string) error {
	m.mu.Lock()
	_, isLoaded := m.loaded[id]
	m.mu.Unlock()
	if isLoaded {
		return fmt.Errorf("plugin %q: cannot uninstall while loaded", id)
	}
	if !m.IsInstalled(id) {
		return fmt.Errorf("plugin %q: %w", id, util.ErrNotFound)
	}
	if err := os.RemoveAll(filepath.Join(m.cfg.PluginsDir, id)); err != nil {
		return fmt.Errorf("uninstalling plugin %q: %w", id, err)
	}
	util.WithPlugin(id).Infof("uninstalled")
	return nil
}

// extract unpacks a tarball into a temporary sibling of the target
// directory and renames it into place, replacing any previous tree.
func (m *Manager) extract(id, tarball string) error {
	tmpRoot, err := os.MkdirTemp(m.cfg.PluginsDir, "."+id+"-extract-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmpRoot)

	if err := untar(tarball, tmpRoot); err != nil {
		return fmt.Errorf("extracting %s: %w", filepath.Base(tarball), err)
	}

	extracted := filepath.Join(tmpRoot, id)
	if _, err := os.Stat(extracted); err != nil {
		// Tarball rooted at its content rather than the plugin id
		entries, readErr := os.ReadDir(tmpRoot)
		if readErr != nil || len(entries) != 1 || !entries[0].IsDir() {
			return fmt.Errorf("extracting %s: no %s directory in package", filepath.Base(tarball), id)
		}
		extracted = filepath.Join(tmpRoot, entries[0].Name())
	}

	target := filepath.Join(m.cfg.PluginsDir, id)
	if err := os.RemoveAll(target); err != nil {
		return err
	}
	return os.Rename(extracted, target)
}

func untar(tarball, dest string) error {
	f, err := os.Open(tarball)
	if err != nil {
		return err
	}
	defer f.Close()

	var reader io.Reader = f
	if strings.HasSuffix(tarball, ".gz") || strings.HasSuffix(tarball, ".tgz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return err
		}
		defer gz.Close()
		reader = gz
	}

	tr := tar.NewReader(reader)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		name := filepath.Clean(hdr.Name)
		if name == "." || strings.HasPrefix(name, "..") || filepath.IsAbs(name) {
			continue
		}
		path := filepath.Join(dest, name)
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(path, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return err
			}
			out, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(hdr.Mode)&0o777)
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return err
			}
			if err := out.Close(); err != nil {
				return err
			}
		}
	}
}

// ============================================================================
// Load / unload
// ============================================================================

// Load reads the plugin's metadata, checks interface compatibility,
// resolves its driver and instantiates it. One plugin id loads at a time.
func (m *Manager) Load(id string, generalCfg, specificCfg map[string]interface{}) (Plugin, error) {
	m.mu.Lock()
	if _, dup := m.loaded[id]; dup {
		m.mu.Unlock()
		return nil, fmt.Errorf("plugin %q: already loaded", id)
	}
	m.mu.Unlock()

	dir := filepath.Join(m.cfg.PluginsDir, id)
	info, err := ReadInfo(dir)
	if err != nil {
		return nil, err
	}
	if err := info.CheckIfaceCompat(); err != nil {
		return nil, fmt.Errorf("plugin %q: %w", id, err)
	}

	entry := info.Entry
	if entry == "" {
		entry = id
	}
	factory, ok := LookupDriver(entry)
	if !ok {
		return nil, fmt.Errorf("plugin %q: no driver registered for entry %q", id, entry)
	}

	pg, err := factory(Params{
		Dir:            dir,
		Info:           info,
		GeneralConfig:  generalCfg,
		SpecificConfig: specificCfg,
		Sync:           m.cfg.Sync,
	})
	if err != nil {
		return nil, fmt.Errorf("plugin %q: instantiating driver: %w", id, err)
	}
	pg.SetID(id)

	m.mu.Lock()
	if _, dup := m.loaded[id]; dup {
		m.mu.Unlock()
		pg.Close()
		return nil, fmt.Errorf("plugin %q: already loaded", id)
	}
	m.loaded[id] = pg
	observers := append([]Observer(nil), m.observers...)
	m.mu.Unlock()

	for _, o := range observers {
		o.PluginLoaded(id)
	}
	util.WithPlugin(id).Infof("loaded (version %s)", info.Version)
	return pg, nil
}

// Unload closes the plugin instance, tolerating close errors, and removes
// it from the loaded mapping.
func (m *Manager) Unload(id string) error {
	m.mu.Lock()
	pg, ok := m.loaded[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("plugin %q: %w", id, util.ErrNotLoaded)
	}
	delete(m.loaded, id)
	observers := append([]Observer(nil), m.observers...)
	m.mu.Unlock()

	if err := pg.Close(); err != nil {
		util.WithPlugin(id).Warnf("close: %v", err)
	}
	for _, o := range observers {
		o.PluginUnloaded(id)
	}
	util.WithPlugin(id).Infof("unloaded")
	return nil
}

// Get returns a loaded plugin instance.
func (m *Manager) Get(id string) (Plugin, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pg, ok := m.loaded[id]
	return pg, ok
}

// LoadedIDs returns the loaded plugin ids, sorted.
func (m *Manager) LoadedIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.loaded))
	for id := range m.loaded {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Loaded returns the loaded plugin instances, ordered by id.
func (m *Manager) Loaded() []Plugin {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.loaded))
	for id := range m.loaded {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	plugins := make([]Plugin, 0, len(ids))
	for _, id := range ids {
		plugins = append(plugins, m.loaded[id])
	}
	return plugins
}

// AddObserver registers for load/unload notifications.
func (m *Manager) AddObserver(o Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, o)
}

// ============================================================================
// Plugins-directory watch
// ============================================================================

func (m *Manager) startWatcher() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(m.cfg.PluginsDir); err != nil {
		watcher.Close()
		return err
	}
	m.watcher = watcher

	go func() {
		for {
			select {
			case <-m.done:
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
					util.Debugf("plugin: plugins directory changed: %s", ev)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				util.Warnf("plugin: watching plugins directory: %v", err)
			}
		}
	}()
	return nil
}
