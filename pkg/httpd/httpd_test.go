package httpd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/provd-server/provd/pkg/device"
	"github.com/provd-server/provd/pkg/pipeline"
	"github.com/provd-server/provd/pkg/plugin"
	"github.com/provd-server/provd/pkg/provd"
	"github.com/provd-server/provd/pkg/store"
)

const (
	testDriverEntry = "httpd-test-driver"
	testPluginID    = "webtest-1.0"
)

func init() {
	plugin.RegisterDriver(testDriverEntry, func(p plugin.Params) (plugin.Plugin, error) {
		return &webPlugin{Base: plugin.NewBase(p.Dir, p.Info)}, nil
	})
}

// webPlugin serves a canned body for every path so tests can see which path
// reached the plugin's HTTP surface.
type webPlugin struct {
	plugin.Base
}

func (p *webPlugin) Configure(dev *device.Device, raw map[string]interface{}) error { return nil }

func (p *webPlugin) HTTPService() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "served %s", r.URL.Path)
	})
}

func newTestServer(t *testing.T, trustedProxies int, urlKeyAuth bool) (*Server, *provd.App) {
	t.Helper()
	cfg := provd.DefaultConfig()
	cfg.General.BaseStorageDir = t.TempDir()

	dir := filepath.Join(cfg.PluginsDir(), testPluginID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	info, _ := json.Marshal(map[string]interface{}{"version": "1.0", "entry": testDriverEntry})
	if err := os.WriteFile(filepath.Join(dir, plugin.InfoFilename), info, 0o644); err != nil {
		t.Fatal(err)
	}

	colls := provd.Collections{
		Devices: store.NewMemory(&store.Options{
			Indexes: []string{"mac", "ip", "sn", "uuid", "plugin", "config", "tenant_uuid"},
		}),
		Configs:       store.NewMemory(&store.Options{Indexes: []string{"role"}}),
		Tenants:       store.NewMemory(&store.Options{Indexes: []string{"provisioning_key"}}),
		Configuration: store.NewMemory(nil),
	}
	app, err := provd.NewApp(cfg, colls, nil, nil)
	if err != nil {
		t.Fatalf("NewApp failed: %v", err)
	}
	t.Cleanup(func() { app.Close() })
	if err := app.LoadAll(context.Background()); err != nil {
		t.Fatalf("LoadAll failed: %v", err)
	}

	proc := &pipeline.Processor{
		Svc:       app,
		Extractor: pipeline.StandardExtractor{},
		Retriever: pipeline.StandardChain("master"),
		Updaters: []pipeline.Updater{
			pipeline.AddInfoUpdater{},
			pipeline.DynamicUpdater{Keys: []string{"ip"}},
		},
	}
	return NewServer("127.0.0.1:0", app, proc, trustedProxies, urlKeyAuth), app
}

func insertWebDevice(t *testing.T, app *provd.App, ip string) string {
	t.Helper()
	dev := &device.Device{TenantUUID: "master", IP: ip, Plugin: testPluginID}
	id, err := app.DeviceInsert(context.Background(), dev)
	if err != nil {
		t.Fatalf("DeviceInsert failed: %v", err)
	}
	return id
}

func do(s *Server, r *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, r)
	return rec
}

func TestHandleFile(t *testing.T) {
	s, app := newTestServer(t, 0, false)
	insertWebDevice(t, app, "192.0.2.10")

	r := httptest.NewRequest(http.MethodGet, "/phone.cfg", nil)
	r.RemoteAddr = "192.0.2.10:5060"
	rec := do(s, r)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := rec.Body.String(); got != "served /phone.cfg" {
		t.Errorf("body = %q", got)
	}
}

func TestHandleFileUnknownDevice(t *testing.T) {
	s, _ := newTestServer(t, 0, false)

	// An unidentifiable client gets a device auto-created, but with no
	// plugin bound there is nothing to serve.
	r := httptest.NewRequest(http.MethodGet, "/phone.cfg", nil)
	r.RemoteAddr = "198.51.100.1:1024"
	rec := do(s, r)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestHandleFileMethod(t *testing.T) {
	s, _ := newTestServer(t, 0, false)
	r := httptest.NewRequest(http.MethodPut, "/phone.cfg", bytes.NewReader([]byte("x")))
	if rec := do(s, r); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
}

func TestHandleFileURLKey(t *testing.T) {
	s, app := newTestServer(t, 0, true)
	insertWebDevice(t, app, "192.0.2.10")
	if err := app.Tenants().SetProvisioningKey(context.Background(), "master", "secretkey1"); err != nil {
		t.Fatalf("SetProvisioningKey failed: %v", err)
	}

	r := httptest.NewRequest(http.MethodGet, "/secretkey1/phone.cfg", nil)
	r.RemoteAddr = "192.0.2.10:5060"
	rec := do(s, r)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := rec.Body.String(); got != "served /phone.cfg" {
		t.Errorf("body = %q, key segment should be stripped", got)
	}

	r = httptest.NewRequest(http.MethodGet, "/wrongkey/phone.cfg", nil)
	r.RemoteAddr = "192.0.2.10:5060"
	if rec := do(s, r); rec.Code != http.StatusNotFound {
		t.Errorf("status with bad key = %d, want 404", rec.Code)
	}
}

func TestHandleDHCPInfo(t *testing.T) {
	s, app := newTestServer(t, 0, false)
	ctx := context.Background()

	body, _ := json.Marshal(map[string]interface{}{
		"ip":      "192.0.2.20",
		"mac":     "AA:BB:CC:DD:EE:01",
		"op":      "commit",
		"options": map[string]string{"60": "acme-phone"},
	})
	r := httptest.NewRequest(http.MethodPost, "/dhcpinfo", bytes.NewReader(body))
	rec := do(s, r)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}

	devs, err := app.DeviceFind(ctx, store.Selector{"mac": "aa:bb:cc:dd:ee:01"}, nil)
	if err != nil || len(devs) != 1 {
		t.Fatalf("device not auto-created: %v (err %v)", devs, err)
	}
	if devs[0].IP != "192.0.2.20" || devs[0].Added != device.AddedAuto {
		t.Errorf("created device = %+v", devs[0])
	}
}

func TestHandleDHCPInfoNonCommit(t *testing.T) {
	s, app := newTestServer(t, 0, false)

	body, _ := json.Marshal(map[string]interface{}{
		"ip": "192.0.2.30", "mac": "aa:bb:cc:dd:ee:02", "op": "expiry",
	})
	r := httptest.NewRequest(http.MethodPost, "/dhcpinfo", bytes.NewReader(body))
	if rec := do(s, r); rec.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", rec.Code)
	}

	devs, _ := app.DeviceFind(context.Background(), store.Selector{"mac": "aa:bb:cc:dd:ee:02"}, nil)
	if len(devs) != 0 {
		t.Error("non-commit operation must not create devices")
	}
}

func TestHandleDHCPInfoBadRequests(t *testing.T) {
	s, _ := newTestServer(t, 0, false)

	r := httptest.NewRequest(http.MethodGet, "/dhcpinfo", nil)
	if rec := do(s, r); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET status = %d, want 405", rec.Code)
	}

	r = httptest.NewRequest(http.MethodPost, "/dhcpinfo", bytes.NewReader([]byte("{")))
	if rec := do(s, r); rec.Code != http.StatusBadRequest {
		t.Errorf("malformed body status = %d, want 400", rec.Code)
	}

	body, _ := json.Marshal(map[string]interface{}{"ip": "not-an-ip", "op": "commit"})
	r = httptest.NewRequest(http.MethodPost, "/dhcpinfo", bytes.NewReader(body))
	if rec := do(s, r); rec.Code != http.StatusBadRequest {
		t.Errorf("invalid ip status = %d, want 400", rec.Code)
	}
}

func TestHandleStatus(t *testing.T) {
	s, _ := newTestServer(t, 0, false)

	r := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := do(s, r)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var st map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatalf("decoding status body: %v", err)
	}
	if st["rest_api"] != "ok" || st["db"] != "ok" {
		t.Errorf("status body = %v", st)
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		trusted    int
		remoteAddr string
		xff        string
		want       string
	}{
		{"no proxies", 0, "192.0.2.10:5060", "203.0.113.1", "192.0.2.10"},
		{"one proxy", 1, "10.0.0.1:80", "203.0.113.1", "203.0.113.1"},
		{"one proxy long chain", 1, "10.0.0.1:80", "203.0.113.1, 10.0.0.2", "10.0.0.2"},
		{"two proxies", 2, "10.0.0.1:80", "203.0.113.1, 10.0.0.2", "203.0.113.1"},
		{"more trusted than hops", 3, "10.0.0.1:80", "203.0.113.1", "203.0.113.1"},
		{"proxy without header", 1, "10.0.0.1:80", "", "10.0.0.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := newTestServer(t, tt.trusted, false)
			r := httptest.NewRequest(http.MethodGet, "/x", nil)
			r.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}
			if got := s.clientIP(r); got != tt.want {
				t.Errorf("clientIP = %q, want %q", got, tt.want)
			}
		})
	}
}
