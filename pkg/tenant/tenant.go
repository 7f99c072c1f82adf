// Package tenant manages the tenant registry and per-tenant provisioning
// keys used for url-key device authentication.
package tenant

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/provd-server/provd/pkg/store"
	"github.com/provd-server/provd/pkg/util"
)

// Provisioning key bounds. The key is a URL-safe secret embedded as the
// first HTTP path segment when url-key auth is enabled.
const (
	MinKeyLength = 8
	MaxKeyLength = 256
)

var keyRegexp = regexp.MustCompile(`^[A-Za-z0-9\-$~.]+$`)

// Tenant is one provisioning tenant.
type Tenant struct {
	UUID            string `json:"id"`
	ProvisioningKey string `json:"provisioning_key,omitempty"`
}

// Service manages the tenants collection. Keys are unique across tenants
// when non-empty; any number of tenants may hold no key.
type Service struct {
	coll store.Collection
}

// NewService creates a tenant service over the tenants collection.
func NewService(coll store.Collection) *Service {
	return &Service{coll: coll}
}

// ValidateKey checks provisioning-key format: length 8-256, charset
// [A-Za-z0-9\-$~.].
func ValidateKey(key string) error {
	if len(key) < MinKeyLength || len(key) > MaxKeyLength {
		return util.NewInvalidParameterError("provisioning_key",
			fmt.Sprintf("length %d out of range %d-%d", len(key), MinKeyLength, MaxKeyLength))
	}
	if !keyRegexp.MatchString(key) {
		return util.NewInvalidParameterError("provisioning_key", "invalid character")
	}
	return nil
}

// Get returns a tenant, or nil when unknown.
func (s *Service) Get(ctx context.Context, uuid string) (*Tenant, error) {
	doc, err := s.coll.Retrieve(ctx, uuid)
	if err != nil || doc == nil {
		return nil, err
	}
	return fromDocument(doc), nil
}

// GetOrCreate returns the tenant, creating an empty record on first sight.
func (s *Service) GetOrCreate(ctx context.Context, uuid string) (*Tenant, error) {
	t, err := s.Get(ctx, uuid)
	if err != nil {
		return nil, err
	}
	if t != nil {
		return t, nil
	}
	t = &Tenant{UUID: uuid}
	if _, err := s.coll.Insert(ctx, toDocument(t)); err != nil {
		return nil, err
	}
	return t, nil
}

// SetProvisioningKey validates and assigns a tenant's key, enforcing
// cross-tenant uniqueness. An empty key clears the assignment.
func (s *Service) SetProvisioningKey(ctx context.Context, uuid, key string) error {
	if key != "" {
		if err := ValidateKey(key); err != nil {
			return err
		}
		existing, err := s.GetByProvisioningKey(ctx, key)
		if err != nil {
			return err
		}
		if existing != nil && existing.UUID != uuid {
			return util.NewInvalidParameterError("provisioning_key", "already assigned to another tenant")
		}
	}

	t, err := s.GetOrCreate(ctx, uuid)
	if err != nil {
		return err
	}
	t.ProvisioningKey = key
	return s.coll.Update(ctx, toDocument(t))
}

// GetByProvisioningKey resolves a key to its tenant, or nil.
func (s *Service) GetByProvisioningKey(ctx context.Context, key string) (*Tenant, error) {
	if key == "" {
		return nil, nil
	}
	doc, err := s.coll.FindOne(ctx, store.Selector{"provisioning_key": key})
	if err != nil || doc == nil {
		return nil, err
	}
	return fromDocument(doc), nil
}

// Remove deletes a tenant record. Unknown tenants are not an error: the
// bus consumer may deliver deletions for tenants provd never saw.
func (s *Service) Remove(ctx context.Context, uuid string) error {
	err := s.coll.Delete(ctx, uuid)
	if err != nil && !errorsIsInvalidID(err) {
		return err
	}
	return nil
}

// All returns every known tenant.
func (s *Service) All(ctx context.Context) ([]*Tenant, error) {
	docs, err := s.coll.Find(ctx, store.Selector{}, nil)
	if err != nil {
		return nil, err
	}
	tenants := make([]*Tenant, 0, len(docs))
	for _, doc := range docs {
		tenants = append(tenants, fromDocument(doc))
	}
	return tenants, nil
}

func toDocument(t *Tenant) store.Document {
	doc := store.Document{"id": t.UUID}
	if t.ProvisioningKey != "" {
		doc["provisioning_key"] = t.ProvisioningKey
	}
	return doc
}

func fromDocument(doc store.Document) *Tenant {
	t := &Tenant{UUID: store.DocumentID(doc)}
	t.ProvisioningKey, _ = doc["provisioning_key"].(string)
	return t
}

func errorsIsInvalidID(err error) bool {
	return errors.Is(err, util.ErrInvalidID)
}
