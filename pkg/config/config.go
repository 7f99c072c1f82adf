// Package config implements the configuration model: a directed forest of
// config records whose materialized raw config is the recursive deep-merge
// of ancestors, plus the raw-config schema validation and defaults.
package config

import (
	"encoding/json"
	"fmt"

	"github.com/provd-server/provd/pkg/store"
)

// Roles a config may carry. At most one config per store holds each of
// RoleDefault and RoleAutocreate.
const (
	RoleDefault    = "default"
	RoleAutocreate = "autocreate"
)

// Config is a node in the configuration forest.
//
// ParentIDs is ordered: the leftmost parent wins on merge conflicts
// between parents (it is merged last while flattening). Transient configs
// live only as long as a device references them and may not themselves be
// parents.
type Config struct {
	ID        string                 `json:"id,omitempty"`
	ParentIDs []string               `json:"parent_ids"`
	RawConfig map[string]interface{} `json:"raw_config"`
	Role      string                 `json:"role,omitempty"`
	Deletable bool                   `json:"deletable"`
	Transient bool                   `json:"transient,omitempty"`
	XType     string                 `json:"X_type,omitempty"`
	Label     string                 `json:"label,omitempty"`
}

// New returns a config with defaults applied (deletable, empty leaf).
func New(id string) *Config {
	return &Config{
		ID:        id,
		Deletable: true,
		RawConfig: map[string]interface{}{},
	}
}

// Clone returns a deep copy.
func (c *Config) Clone() *Config {
	doc, err := c.ToDocument()
	if err != nil {
		// Round-tripping a Config cannot fail: it only holds JSON types
		panic(fmt.Sprintf("config: cloning %q: %v", c.ID, err))
	}
	clone, err := FromDocument(doc)
	if err != nil {
		panic(fmt.Sprintf("config: cloning %q: %v", c.ID, err))
	}
	return clone
}

// ToDocument converts the config to its stored document form.
func (c *Config) ToDocument() (store.Document, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encoding config %q: %w", c.ID, err)
	}
	var doc store.Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("encoding config %q: %w", c.ID, err)
	}
	return doc, nil
}

// FromDocument decodes a stored document. A document without an explicit
// deletable flag reads as deletable.
func FromDocument(doc store.Document) (*Config, error) {
	if doc == nil {
		return nil, nil
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("decoding config document: %w", err)
	}
	var c Config
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("decoding config document: %w", err)
	}
	if _, ok := doc["deletable"]; !ok {
		c.Deletable = true
	}
	if c.RawConfig == nil {
		c.RawConfig = map[string]interface{}{}
	}
	return &c, nil
}
