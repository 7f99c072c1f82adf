// Package device defines the provisioned-endpoint record and its
// validation and normalization rules.
package device

import (
	"encoding/json"
	"fmt"

	"github.com/provd-server/provd/pkg/store"
	"github.com/provd-server/provd/pkg/util"
)

// Added records how a device entered the store.
const (
	AddedAuto   = "auto"
	AddedManual = "manual"
)

// Device is an IP phone (or other provisionable endpoint) known to provd.
//
// Plugin and Config are references by id; both may dangle (the referenced
// plugin or config no longer exists) without being an error. Configured is
// the authoritative truth about whether the plugin has successfully written
// this device's files for the current materialized raw config.
type Device struct {
	ID          string `json:"id,omitempty"`
	TenantUUID  string `json:"tenant_uuid"`
	MAC         string `json:"mac,omitempty"`
	IP          string `json:"ip,omitempty"`
	Vendor      string `json:"vendor,omitempty"`
	Model       string `json:"model,omitempty"`
	Version     string `json:"version,omitempty"`
	SN          string `json:"sn,omitempty"`
	UUID        string `json:"uuid,omitempty"`
	Description string `json:"description,omitempty"`

	Plugin string `json:"plugin,omitempty"`
	Config string `json:"config,omitempty"`

	Configured bool   `json:"configured"`
	IsNew      bool   `json:"is_new,omitempty"`
	Added      string `json:"added,omitempty"`

	// RemoteStateSIPUsername is the last SIP username observed as published
	// to the device (the remote-state feedback loop).
	RemoteStateSIPUsername string `json:"remote_state_sip_username,omitempty"`

	// Options carries raw DHCP options (code -> value) observed for the
	// device; a change here forces reconfiguration.
	Options map[string]string `json:"options,omitempty"`
}

// Normalize rewrites MAC and IP into canonical form. Both are optional;
// normalization is idempotent.
func (d *Device) Normalize() error {
	if d.MAC != "" {
		mac, err := util.NormalizeMAC(d.MAC)
		if err != nil {
			return err
		}
		d.MAC = mac
	}
	if d.IP != "" {
		ip, err := util.NormalizeIP(d.IP)
		if err != nil {
			return err
		}
		d.IP = ip
	}
	return nil
}

// Validate checks structural invariants, reporting every violation at
// once. The referenced plugin and config are deliberately not checked:
// dangling references are legal.
func (d *Device) Validate() error {
	var v util.ValidationBuilder
	v.Add(d.TenantUUID != "", "tenant_uuid is mandatory")
	v.Add(d.ID == "" || util.IsValidDeviceID(d.ID),
		fmt.Sprintf("id %q does not match [0-9a-z]+", d.ID))
	v.Add(d.Added == "" || d.Added == AddedAuto || d.Added == AddedManual,
		fmt.Sprintf("unknown added value %q", d.Added))
	return v.Build()
}

// NeedsReconfiguration reports whether replacing old with new requires the
// plugin to rewrite the device's files. An IP change alone does not.
func NeedsReconfiguration(old, new *Device) bool {
	if old.Plugin != new.Plugin ||
		old.Config != new.Config ||
		old.MAC != new.MAC ||
		old.UUID != new.UUID ||
		old.Vendor != new.Vendor ||
		old.Model != new.Model ||
		old.Version != new.Version {
		return true
	}
	if len(old.Options) != len(new.Options) {
		return true
	}
	for k, v := range old.Options {
		if new.Options[k] != v {
			return true
		}
	}
	return false
}

// Clone returns a deep copy.
func (d *Device) Clone() *Device {
	c := *d
	if d.Options != nil {
		c.Options = make(map[string]string, len(d.Options))
		for k, v := range d.Options {
			c.Options[k] = v
		}
	}
	return &c
}

// ToDocument converts the device to its stored document form.
func (d *Device) ToDocument() (store.Document, error) {
	raw, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("encoding device %q: %w", d.ID, err)
	}
	var doc store.Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("encoding device %q: %w", d.ID, err)
	}
	return doc, nil
}

// FromDocument decodes a stored document into a Device.
func FromDocument(doc store.Document) (*Device, error) {
	if doc == nil {
		return nil, nil
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("decoding device document: %w", err)
	}
	var d Device
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("decoding device document: %w", err)
	}
	return &d, nil
}
