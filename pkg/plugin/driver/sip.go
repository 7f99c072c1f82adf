// Package driver holds the compiled-in plugin drivers. The std-sip driver
// provisions generic SIP phones: one text configuration file per device,
// fetched by MAC over TFTP or HTTP.
package driver

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"text/template"

	"github.com/provd-server/provd/pkg/config"
	"github.com/provd-server/provd/pkg/device"
	"github.com/provd-server/provd/pkg/plugin"
	"github.com/provd-server/provd/pkg/util"
)

// Entry is the plugin-info entry name binding to this driver.
const Entry = "std-sip"

func init() {
	plugin.RegisterDriver(Entry, newSIPDriver)
}

// filenameRegexp matches the per-device file: 12 hex digits plus .cfg,
// optionally under a directory prefix.
var filenameRegexp = regexp.MustCompile(`(?i)(?:^|/)([0-9a-f]{12})\.cfg$`)

// defaultTemplate is used when the plugin tree ships no template of its
// own.
const defaultTemplate = `# generated by provd
{{range $i, $line := .SIPLines}}
[line{{$i}}]
username={{index $line "username"}}
auth_username={{index $line "auth_username"}}
password={{index $line "password"}}
display_name={{index $line "display_name"}}
proxy={{index $line "proxy_ip"}}
registrar={{index $line "registrar_ip"}}
{{end}}
`

type sipDriver struct {
	plugin.Base

	sync plugin.SynchronizeService
	tpl  *template.Template

	// tftpbootDir is where device files land and are served from.
	tftpbootDir string
}

func newSIPDriver(p plugin.Params) (plugin.Plugin, error) {
	d := &sipDriver{
		Base:        plugin.NewBase(p.Dir, p.Info),
		sync:        p.Sync,
		tftpbootDir: filepath.Join(p.Dir, "var", "tftpboot"),
	}
	if err := os.MkdirAll(d.tftpbootDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating tftpboot dir: %w", err)
	}

	tplPath := filepath.Join(p.Dir, "templates", "base.tpl")
	if data, err := os.ReadFile(tplPath); err == nil {
		tpl, err := template.New("base").Parse(string(data))
		if err != nil {
			return nil, fmt.Errorf("parsing %s: %w", tplPath, err)
		}
		d.tpl = tpl
	} else {
		d.tpl = template.Must(template.New("base").Parse(defaultTemplate))
	}
	return d, nil
}

// deviceFilename is the per-device config file name: the bare MAC plus
// .cfg.
func deviceFilename(dev *device.Device) string {
	if dev.MAC == "" {
		return ""
	}
	return strings.ReplaceAll(dev.MAC, ":", "") + ".cfg"
}

func (d *sipDriver) Configure(dev *device.Device, raw map[string]interface{}) error {
	filename := deviceFilename(dev)
	if filename == "" {
		return fmt.Errorf("device %s has no MAC address", dev.ID)
	}

	var lines []map[string]interface{}
	if ls, ok := raw[config.KeySIPLines].(map[string]interface{}); ok {
		nos := make([]string, 0, len(ls))
		for no := range ls {
			nos = append(nos, no)
		}
		sort.Strings(nos)
		for _, no := range nos {
			if m, ok := ls[no].(map[string]interface{}); ok {
				lines = append(lines, m)
			}
		}
	}
	data := struct {
		Device   *device.Device
		Raw      map[string]interface{}
		SIPLines []map[string]interface{}
	}{dev, raw, lines}

	tmp, err := os.CreateTemp(d.tftpbootDir, filename+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if err := d.tpl.Execute(tmp, data); err != nil {
		tmp.Close()
		return fmt.Errorf("rendering config for %s: %w", dev.ID, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), filepath.Join(d.tftpbootDir, filename))
}

func (d *sipDriver) Deconfigure(dev *device.Device) error {
	filename := deviceFilename(dev)
	if filename == "" {
		return nil
	}
	err := os.Remove(filepath.Join(d.tftpbootDir, filename))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (d *sipDriver) Synchronize(ctx context.Context, dev *device.Device, raw map[string]interface{}) error {
	if d.sync == nil {
		return fmt.Errorf("no synchronize service available")
	}
	username := dev.RemoteStateSIPUsername
	if username == "" {
		username = config.FirstSIPLineUsername(raw)
	}
	return d.sync.CheckSync(ctx, username, dev.IP)
}

// ===========================================================================
// Capabilities
// ===========================================================================

func (d *sipDriver) extractFromPath(req *plugin.Request) plugin.DevInfo {
	m := filenameRegexp.FindStringSubmatch(req.Path)
	if m == nil {
		return nil
	}
	mac, err := util.NormalizeMAC(m[1])
	if err != nil {
		return nil
	}
	return plugin.DevInfo{"mac": mac}
}

func (d *sipDriver) ExtractHTTPDevInfo(req *plugin.Request) plugin.DevInfo {
	info := d.extractFromPath(req)
	if info == nil || req.HTTP == nil {
		return info
	}
	// "Vendor Model/Version" is the common user-agent shape.
	ua := req.HTTP.UserAgent()
	if fields := strings.Fields(ua); len(fields) == 2 {
		if model, version, ok := strings.Cut(fields[1], "/"); ok {
			info["vendor"] = fields[0]
			info["model"] = model
			info["version"] = version
		}
	}
	return info
}

func (d *sipDriver) ExtractTFTPDevInfo(req *plugin.Request) plugin.DevInfo {
	return d.extractFromPath(req)
}

// Associate scores by the capability table of plugin-info: a vendor match
// is probable, vendor and model complete, all three exact.
func (d *sipDriver) Associate(info plugin.DevInfo) plugin.DeviceSupport {
	vendor, model, version := info["vendor"], info["model"], info["version"]
	if vendor == "" {
		return plugin.SupportNone
	}
	best := plugin.SupportNone
	for key := range d.Info().Capabilities {
		parts := strings.Split(key, ",")
		if len(parts) != 3 || !strings.EqualFold(parts[0], vendor) {
			continue
		}
		support := plugin.SupportProbable
		if model != "" && strings.EqualFold(parts[1], model) {
			support = plugin.SupportComplete
			if version != "" && parts[2] == version {
				support = plugin.SupportExact
			}
		}
		if support > best {
			best = support
		}
	}
	return best
}

func (d *sipDriver) HTTPService() http.Handler {
	return http.FileServer(http.Dir(d.tftpbootDir))
}

func (d *sipDriver) HandleReadRequest(req *plugin.Request, rsp plugin.TFTPResponse) {
	m := filenameRegexp.FindStringSubmatch(req.Path)
	if m == nil {
		rsp.Reject(1, "file not found")
		return
	}
	f, err := os.Open(filepath.Join(d.tftpbootDir, strings.ToLower(m[1])+".cfg"))
	if err != nil {
		rsp.Reject(1, "file not found")
		return
	}
	rsp.Accept(f)
}

func (d *sipDriver) RemoteStateTriggerFilename(dev *device.Device) string {
	return deviceFilename(dev)
}

func (d *sipDriver) IsSensitiveFilename(name string) bool {
	// Per-device files carry SIP credentials.
	return filenameRegexp.MatchString(name)
}
