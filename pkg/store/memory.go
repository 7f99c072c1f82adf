package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/provd-server/provd/pkg/util"
)

// memoryCollection is the in-memory backend. Every operation is internally
// consistent under its own mutex; cross-operation ordering is the caller's
// concern (the application's read-write lock).
type memoryCollection struct {
	mu        sync.RWMutex
	docs      map[string]Document
	generator IDGenerator

	// Equality indexes: dotted key -> encoded value -> id set
	indexKeys []string
	indexes   map[string]map[string]map[string]struct{}
}

// NewMemory creates an empty in-memory collection.
func NewMemory(opts *Options) Collection {
	c := &memoryCollection{
		docs:      make(map[string]Document),
		generator: opts.generator(),
		indexKeys: opts.indexes(),
		indexes:   make(map[string]map[string]map[string]struct{}),
	}
	for _, k := range c.indexKeys {
		c.indexes[k] = make(map[string]map[string]struct{})
	}
	return c
}

func (c *memoryCollection) Insert(ctx context.Context, doc Document) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	doc = util.DeepCopyMap(doc)
	id := DocumentID(doc)
	if id != "" {
		if _, exists := c.docs[id]; exists {
			return "", fmt.Errorf("inserting %q: id already exists: %w", id, util.ErrInvalidID)
		}
	} else {
		for i := 0; ; i++ {
			if i == maxIDAttempts {
				return "", util.ErrGeneratorExhausted
			}
			id = c.generator.Next()
			if _, exists := c.docs[id]; !exists {
				break
			}
		}
		doc["id"] = id
	}

	c.docs[id] = doc
	c.indexAdd(id, doc)
	return id, nil
}

func (c *memoryCollection) Update(ctx context.Context, doc Document) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := DocumentID(doc)
	old, exists := c.docs[id]
	if id == "" || !exists {
		return fmt.Errorf("updating %q: %w", id, util.ErrInvalidID)
	}
	c.indexRemove(id, old)
	doc = util.DeepCopyMap(doc)
	c.docs[id] = doc
	c.indexAdd(id, doc)
	return nil
}

func (c *memoryCollection) Delete(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	doc, exists := c.docs[id]
	if !exists {
		return fmt.Errorf("deleting %q: %w", id, util.ErrInvalidID)
	}
	if deletable, ok := doc["deletable"].(bool); ok && !deletable {
		return fmt.Errorf("deleting %q: %w", id, util.ErrNonDeletable)
	}
	c.indexRemove(id, doc)
	delete(c.docs, id)
	return nil
}

func (c *memoryCollection) Retrieve(ctx context.Context, id string) (Document, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	doc, exists := c.docs[id]
	if !exists {
		return nil, nil
	}
	return util.DeepCopyMap(doc), nil
}

func (c *memoryCollection) Find(ctx context.Context, sel Selector, opts *FindOptions) ([]Document, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var result []Document
	for _, id := range c.candidates(sel) {
		doc := c.docs[id]
		if Match(doc, sel) {
			result = append(result, util.DeepCopyMap(doc))
		}
	}
	return applyFindOptions(result, opts), nil
}

func (c *memoryCollection) FindOne(ctx context.Context, sel Selector) (Document, error) {
	docs, err := c.Find(ctx, sel, &FindOptions{Limit: 1})
	if err != nil || len(docs) == 0 {
		return nil, err
	}
	return docs[0], nil
}

func (c *memoryCollection) Close() error {
	return nil
}

// candidates narrows the scan through an equality index when the selector
// holds a scalar clause on an indexed key. Falls back to a full scan.
func (c *memoryCollection) candidates(sel Selector) []string {
	for _, key := range c.indexKeys {
		cond, ok := sel[key]
		if !ok {
			continue
		}
		if m, isMap := cond.(map[string]interface{}); isMap && isOperatorObject(m) {
			continue
		}
		ids := c.indexes[key][encodeIndexValue(cond)]
		out := make([]string, 0, len(ids))
		for id := range ids {
			out = append(out, id)
		}
		return out
	}
	out := make([]string, 0, len(c.docs))
	for id := range c.docs {
		out = append(out, id)
	}
	return out
}

func (c *memoryCollection) indexAdd(id string, doc Document) {
	for _, key := range c.indexKeys {
		for _, v := range valuesAtKey(doc, key) {
			enc := encodeIndexValue(v)
			if c.indexes[key][enc] == nil {
				c.indexes[key][enc] = make(map[string]struct{})
			}
			c.indexes[key][enc][id] = struct{}{}
		}
	}
}

func (c *memoryCollection) indexRemove(id string, doc Document) {
	for _, key := range c.indexKeys {
		for _, v := range valuesAtKey(doc, key) {
			enc := encodeIndexValue(v)
			if set := c.indexes[key][enc]; set != nil {
				delete(set, id)
				if len(set) == 0 {
					delete(c.indexes[key], enc)
				}
			}
		}
	}
}

// encodeIndexValue folds numerically-equal values onto one index entry, so
// an index hit agrees with valueEqual.
func encodeIndexValue(v interface{}) string {
	if f, ok := toFloat(v); ok {
		return fmt.Sprintf("n:%g", f)
	}
	return fmt.Sprintf("%T:%v", v, v)
}
