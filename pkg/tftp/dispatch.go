package tftp

import (
	"context"
	"time"

	"github.com/provd-server/provd/pkg/pipeline"
	"github.com/provd-server/provd/pkg/plugin"
	"github.com/provd-server/provd/pkg/provd"
	"github.com/provd-server/provd/pkg/util"
)

// Dispatcher runs read requests through the identification pipeline and
// hands them to the matched device's plugin.
type Dispatcher struct {
	App       *provd.App
	Processor *pipeline.Processor

	// Timeout bounds identification per request; zero means 30 seconds.
	Timeout time.Duration
}

func (d *Dispatcher) HandleRead(req *Request, rsp Response) {
	timeout := d.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	ip, err := util.NormalizeIP(req.Addr.IP.String())
	if err != nil {
		ip = ""
	}
	preq := &plugin.Request{
		Type: plugin.RequestTFTP,
		IP:   ip,
		Path: req.Filename,
	}
	dev, err := d.Processor.Process(ctx, preq)
	if err != nil {
		util.Logger.Errorf("Request pipeline failed for %q: %v", req.Filename, err)
	}
	if dev == nil || dev.Plugin == "" {
		rsp.Reject(ErrFileNotFound, "file not found")
		return
	}
	plug, ok := d.App.Plugins().Get(dev.Plugin)
	if !ok {
		rsp.Reject(ErrFileNotFound, "file not found")
		return
	}

	servePath := preq.Path
	if pp, ok := plug.(plugin.PathPreprocessor); ok {
		servePath = pp.PathPreprocess(servePath)
		preq.Path = servePath
	}
	if sc, ok := plug.(plugin.SensitiveFileChecker); ok && sc.IsSensitiveFilename(servePath) {
		util.SecurityEvent("Sensitive file %s requested by %s from %s", servePath, dev.ID, ip)
	}

	svc, ok := plug.(plugin.TFTPService)
	if !ok {
		rsp.Reject(ErrFileNotFound, "file not found")
		return
	}
	svc.HandleReadRequest(preq, rsp)
}
