// Package pipeline identifies the device behind an incoming provisioning
// request. A request flows through three stages: extraction pulls device
// information out of the request, retrieval maps that information to a
// stored device (possibly creating one), and the updaters fold the new
// information back into the device record.
package pipeline

import (
	"context"
	"reflect"

	"github.com/provd-server/provd/pkg/config"
	"github.com/provd-server/provd/pkg/device"
	"github.com/provd-server/provd/pkg/plugin"
	"github.com/provd-server/provd/pkg/store"
	"github.com/provd-server/provd/pkg/util"
)

// DeviceService is what the pipeline needs from the application core. The
// concrete implementation serializes mutations behind the app lock.
type DeviceService interface {
	DeviceFind(ctx context.Context, sel store.Selector, opts *store.FindOptions) ([]*device.Device, error)
	DeviceGet(ctx context.Context, id string) (*device.Device, error)
	DeviceInsert(ctx context.Context, dev *device.Device) (string, error)
	DeviceUpdate(ctx context.Context, dev *device.Device) error
	ConfigAutocreate(ctx context.Context) (*config.Config, error)
	NATEnabled() bool

	// RecordRemoteState notes the SIP username a device has materialized,
	// based on the file it just requested.
	RecordRemoteState(ctx context.Context, dev *device.Device, requestPath string) error
}

// Extractor pulls device information out of a request. A nil result means
// the extractor learned nothing.
type Extractor interface {
	ExtractDevInfo(req *plugin.Request) plugin.DevInfo
}

// Retriever maps extracted information to a stored device, or nil when no
// device matches.
type Retriever interface {
	Retrieve(ctx context.Context, svc DeviceService, req *plugin.Request, info plugin.DevInfo) (*device.Device, error)
}

// Updater folds extracted information into the retrieved device. Updaters
// mutate dev in place; the processor persists once at the end.
type Updater interface {
	Update(ctx context.Context, svc DeviceService, dev *device.Device, req *plugin.Request, info plugin.DevInfo) error
}

// Processor runs the three stages for every request. Stage failures are
// isolated: an erroring component degrades identification but never kills
// the serving path.
type Processor struct {
	Svc       DeviceService
	Extractor Extractor
	Retriever Retriever
	Updaters  []Updater
}

// Process identifies the device behind req and attaches it to req.Device.
// It returns the device, which is nil when identification failed.
func (p *Processor) Process(ctx context.Context, req *plugin.Request) (*device.Device, error) {
	var info plugin.DevInfo
	if p.Extractor != nil {
		info = p.Extractor.ExtractDevInfo(req)
	}
	util.Logger.Debugf("Extracted device info from %s request: %v", req.Type, info)

	dev, err := p.Retriever.Retrieve(ctx, p.Svc, req, info)
	if err != nil {
		return nil, err
	}
	if dev == nil {
		util.Logger.Debugf("No device matched %s request from %s", req.Type, req.IP)
		return nil, nil
	}

	updated := dev.Clone()
	for _, u := range p.Updaters {
		if err := u.Update(ctx, p.Svc, updated, req, info); err != nil {
			util.WithDevice(dev.ID).Warnf("Device updater failed: %v", err)
		}
	}
	if !devicesEqual(dev, updated) {
		if err := p.Svc.DeviceUpdate(ctx, updated); err != nil {
			util.WithDevice(dev.ID).Errorf("Failed to persist device update: %v", err)
			updated = dev
		}
	} else if err := p.Svc.RecordRemoteState(ctx, updated, req.Path); err != nil {
		util.WithDevice(dev.ID).Warnf("Failed to record remote state: %v", err)
	}

	req.Device = updated
	return updated, nil
}

func devicesEqual(a, b *device.Device) bool {
	da, err := a.ToDocument()
	if err != nil {
		return false
	}
	db, err := b.ToDocument()
	if err != nil {
		return false
	}
	return reflect.DeepEqual(da, db)
}
