// Package store implements the provd document store: schemaless JSON
// documents addressed by string id, with MongoDB-flavored selectors,
// projection, sorting and pagination. Two backends are provided: an
// in-memory map (tests, standalone mode) and Redis.
package store

import (
	"context"
)

// Document is a schemaless JSON-style document. Nested values use
// map[string]interface{} and []interface{}, as produced by encoding/json.
type Document = map[string]interface{}

// Selector selects documents: a dotted-key maps either to a scalar
// (equality) or to an operator object ({"$in": [...]}, {"$gt": 5}, ...).
type Selector = map[string]interface{}

// SortDirection orders Find results on a dotted key.
type SortDirection int

const (
	SortAsc  SortDirection = 1
	SortDesc SortDirection = -1
)

// FindOptions controls projection, pagination and ordering of Find.
type FindOptions struct {
	Fields  []string
	Skip    int
	Limit   int
	SortKey string
	SortDir SortDirection
}

// Collection is a mutable document collection.
//
// Retrieve returns (nil, nil) when the id is unknown: absence is an
// expected outcome, not an error. Insert fails with util.ErrInvalidID when
// the provided id already exists; Update and Delete fail with it when the
// id is unknown. Delete fails with util.ErrNonDeletable when the document
// carries deletable=false.
type Collection interface {
	Insert(ctx context.Context, doc Document) (string, error)
	Update(ctx context.Context, doc Document) error
	Delete(ctx context.Context, id string) error
	Retrieve(ctx context.Context, id string) (Document, error)
	Find(ctx context.Context, sel Selector, opts *FindOptions) ([]Document, error)
	FindOne(ctx context.Context, sel Selector) (Document, error)
	Close() error
}

// Options configures a collection backend.
type Options struct {
	// Generator allocates ids for documents inserted without one.
	// Defaults to the uuid generator.
	Generator IDGenerator

	// Indexes lists dotted keys to maintain equality indexes on. Indexed
	// lookups never change semantics, only performance; maintenance is
	// synchronous with writes.
	Indexes []string
}

func (o *Options) generator() IDGenerator {
	if o == nil || o.Generator == nil {
		return UUIDGenerator{}
	}
	return o.Generator
}

func (o *Options) indexes() []string {
	if o == nil {
		return nil
	}
	return o.Indexes
}
