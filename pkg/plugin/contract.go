// Package plugin defines the plugin contract and the plugin lifecycle
// manager. A plugin is an installed directory tree (metadata, templates,
// var/ output area) bound to a compiled-in driver that produces the
// firmware and configuration files a device family expects.
package plugin

import (
	"context"
	"io"
	"net/http"

	"github.com/provd-server/provd/pkg/device"
)

// RequestType tags the protocol a device request arrived on.
type RequestType int

const (
	RequestHTTP RequestType = iota
	RequestTFTP
	RequestDHCP
)

func (t RequestType) String() string {
	switch t {
	case RequestHTTP:
		return "HTTP"
	case RequestTFTP:
		return "TFTP"
	case RequestDHCP:
		return "DHCP"
	default:
		return "unknown"
	}
}

// Request is a protocol-neutral device request flowing through the
// processing pipeline.
type Request struct {
	Type RequestType

	// IP is the client address, already normalized.
	IP string

	// Path is the requested filename (HTTP path or TFTP filename).
	// Empty for DHCP.
	Path string

	// MAC and Options are set for DHCP requests (option code -> raw value).
	MAC     string
	Options map[string]string

	// HTTP is the underlying request for HTTP traffic, nil otherwise.
	HTTP *http.Request

	// Device is filled in by the pipeline once retrieval succeeds.
	Device *device.Device
}

// DevInfo is the device information extracted from a request: a flat
// mapping over the keys ip, mac, vendor, model, version, sn and uuid.
type DevInfo map[string]string

// DeviceSupport is an associator's confidence that its plugin should
// handle a given device.
type DeviceSupport int

const (
	SupportNone       DeviceSupport = 0
	SupportImprobable DeviceSupport = 100
	SupportUnknown    DeviceSupport = 200
	SupportProbable   DeviceSupport = 300
	SupportIncomplete DeviceSupport = 400
	SupportComplete   DeviceSupport = 500
	SupportExact      DeviceSupport = 600
)

// Plugin is the mandatory part of the contract. Optional capabilities
// (extractors, services, associator, remote-state hooks) are discovered by
// type assertion; a missing capability means the slot is absent.
type Plugin interface {
	// ID returns the plugin id, assigned by the manager at load time.
	ID() string
	SetID(id string)

	// Info returns the plugin metadata.
	Info() *Info

	// ConfigureCommon writes plugin-global files from the base raw config.
	ConfigureCommon(raw map[string]interface{}) error

	// Configure writes the device's files for the given materialized raw
	// config. It must be synchronous and non-blocking (local file writes).
	Configure(dev *device.Device, raw map[string]interface{}) error

	// Deconfigure removes the device's files.
	Deconfigure(dev *device.Device) error

	// Synchronize hints the device to refetch its configuration. May block.
	Synchronize(ctx context.Context, dev *device.Device, raw map[string]interface{}) error

	// Close releases plugin resources at unload.
	Close() error
}

// HTTPDevInfoExtractor extracts device info from an HTTP request.
type HTTPDevInfoExtractor interface {
	ExtractHTTPDevInfo(req *Request) DevInfo
}

// TFTPDevInfoExtractor extracts device info from a TFTP read request.
type TFTPDevInfoExtractor interface {
	ExtractTFTPDevInfo(req *Request) DevInfo
}

// DHCPDevInfoExtractor extracts device info from pushed DHCP information.
type DHCPDevInfoExtractor interface {
	ExtractDHCPDevInfo(req *Request) DevInfo
}

// Associator scores how well the plugin matches extracted device info.
type Associator interface {
	Associate(info DevInfo) DeviceSupport
}

// HTTPService serves the plugin's file subtree over HTTP.
type HTTPService interface {
	HTTPService() http.Handler
}

// PathPreprocessor rewrites request paths before file lookup.
type PathPreprocessor interface {
	PathPreprocess(path string) string
}

// TFTPResponse is handed to a TFTP service to answer a read request.
type TFTPResponse interface {
	Accept(f io.ReadCloser)
	Reject(errCode uint16, errMsg string)
	Ignore()
}

// TFTPService answers TFTP read requests from the plugin's file subtree.
type TFTPService interface {
	HandleReadRequest(req *Request, rsp TFTPResponse)
}

// RemoteStateTrigger names the file the device will fetch next once its
// configuration is applied; the pipeline uses it to close the feedback
// loop on the published SIP username.
type RemoteStateTrigger interface {
	RemoteStateTriggerFilename(dev *device.Device) string
}

// SensitiveFileChecker governs security-event logging on file serving.
type SensitiveFileChecker interface {
	IsSensitiveFilename(name string) bool
}

// SynchronizeService is the out-of-band resync channel (the AMI notifier)
// handed to drivers at instantiation.
type SynchronizeService interface {
	CheckSync(ctx context.Context, sipUsername, ip string) error
}

// Base provides id/info/dir storage and no-op lifecycle defaults for
// drivers to embed.
type Base struct {
	id   string
	info *Info

	// Dir is the plugin's installed directory.
	Dir string
}

// NewBase creates a Base for a driver rooted at dir.
func NewBase(dir string, info *Info) Base {
	return Base{Dir: dir, info: info}
}

func (b *Base) ID() string      { return b.id }
func (b *Base) SetID(id string) { b.id = id }
func (b *Base) Info() *Info     { return b.info }

func (b *Base) ConfigureCommon(raw map[string]interface{}) error { return nil }

func (b *Base) Deconfigure(dev *device.Device) error { return nil }

func (b *Base) Synchronize(ctx context.Context, dev *device.Device, raw map[string]interface{}) error {
	return nil
}

func (b *Base) Close() error { return nil }
