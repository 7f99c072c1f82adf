package config

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/provd-server/provd/pkg/store"
	"github.com/provd-server/provd/pkg/util"
)

// Engine maintains the parent/child graph over the config collection and
// computes flattened raw configs. The in-memory indexes are rebuilt lazily
// on first need and patched in step with every mutation.
//
// The engine does pure config-store work; propagating mutations to
// affected devices is the application's concern.
type Engine struct {
	coll store.Collection

	mu       sync.Mutex
	built    bool
	parents  map[string][]string
	children map[string]map[string]struct{}
}

// NewEngine creates an engine over the configs collection.
func NewEngine(coll store.Collection) *Engine {
	return &Engine{
		coll:     coll,
		parents:  make(map[string][]string),
		children: make(map[string]map[string]struct{}),
	}
}

// Insert validates and stores a new config, then patches the indexes.
// Returns the allocated id.
func (e *Engine) Insert(ctx context.Context, c *Config) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.ensureIndexes(ctx); err != nil {
		return "", err
	}
	if err := e.validate(ctx, c, false); err != nil {
		return "", err
	}

	doc, err := c.ToDocument()
	if err != nil {
		return "", err
	}
	id, err := e.coll.Insert(ctx, doc)
	if err != nil {
		return "", err
	}
	c.ID = id
	e.indexSet(id, c.ParentIDs)
	return id, nil
}

// Update validates and stores a changed config, then patches the indexes.
func (e *Engine) Update(ctx context.Context, c *Config) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.ensureIndexes(ctx); err != nil {
		return err
	}
	if err := e.validate(ctx, c, true); err != nil {
		return err
	}

	doc, err := c.ToDocument()
	if err != nil {
		return err
	}
	if err := e.coll.Update(ctx, doc); err != nil {
		return err
	}
	e.indexSet(c.ID, c.ParentIDs)
	return nil
}

// Delete removes a config and splices the graph: every direct child gets
// its parent list rewritten to replace the deleted config with the deleted
// config's own parents, order-preserving and deduplicated.
func (e *Engine) Delete(ctx context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.ensureIndexes(ctx); err != nil {
		return err
	}

	c, err := e.retrieve(ctx, id)
	if err != nil {
		return err
	}
	if c == nil {
		return fmt.Errorf("deleting config %q: %w", id, util.ErrInvalidID)
	}
	if err := e.coll.Delete(ctx, id); err != nil {
		return err
	}

	childIDs := make([]string, 0, len(e.children[id]))
	for childID := range e.children[id] {
		childIDs = append(childIDs, childID)
	}
	e.indexRemove(id)

	for _, childID := range childIDs {
		child, err := e.retrieve(ctx, childID)
		if err != nil || child == nil {
			continue
		}
		child.ParentIDs = spliceParents(child.ParentIDs, id, c.ParentIDs)
		doc, err := child.ToDocument()
		if err != nil {
			return err
		}
		if err := e.coll.Update(ctx, doc); err != nil {
			return fmt.Errorf("splicing child %q of %q: %w", childID, id, err)
		}
		e.indexSet(childID, child.ParentIDs)
	}
	return nil
}

// Retrieve returns a config, or nil when the id is unknown.
func (e *Engine) Retrieve(ctx context.Context, id string) (*Config, error) {
	return e.retrieve(ctx, id)
}

// Find returns configs matching a selector.
func (e *Engine) Find(ctx context.Context, sel store.Selector, opts *store.FindOptions) ([]*Config, error) {
	docs, err := e.coll.Find(ctx, sel, opts)
	if err != nil {
		return nil, err
	}
	configs := make([]*Config, 0, len(docs))
	for _, doc := range docs {
		c, err := FromDocument(doc)
		if err != nil {
			return nil, err
		}
		configs = append(configs, c)
	}
	return configs, nil
}

// Descendants returns every config below id in the forest (excluding id).
func (e *Engine) Descendants(ctx context.Context, id string) ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	visited := map[string]bool{id: true}
	var out []string
	var walk func(string)
	walk = func(n string) {
		for child := range e.children[n] {
			if visited[child] {
				continue
			}
			visited[child] = true
			out = append(out, child)
			walk(child)
		}
	}
	walk(id)
	return out, nil
}

// Flatten materializes the raw config for id: a deep copy of base, merged
// with every ancestor leaf from furthest to nearest, then the node's own
// leaf. Within one node's parent list the leftmost parent is merged last,
// so it wins on conflict. Returns nil when the id is unknown.
func (e *Engine) Flatten(ctx context.Context, id string, base map[string]interface{}) (map[string]interface{}, error) {
	c, err := e.retrieve(ctx, id)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, nil
	}

	acc := util.DeepCopyMap(base)
	if acc == nil {
		acc = map[string]interface{}{}
	}
	visited := make(map[string]bool)
	if err := e.flattenInto(ctx, id, acc, visited); err != nil {
		return nil, err
	}
	return acc, nil
}

func (e *Engine) flattenInto(ctx context.Context, id string, acc map[string]interface{}, visited map[string]bool) error {
	if visited[id] {
		return nil
	}
	visited[id] = true

	c, err := e.retrieve(ctx, id)
	if err != nil {
		return err
	}
	if c == nil {
		return nil // dangling parent reference
	}
	// Rightmost parent first: the leftmost parent merges last and wins
	for i := len(c.ParentIDs) - 1; i >= 0; i-- {
		if err := e.flattenInto(ctx, c.ParentIDs[i], acc, visited); err != nil {
			return err
		}
	}
	util.DeepMerge(acc, c.RawConfig)
	return nil
}

// Autocreate spawns a fresh transient config from the autocreate template.
// Returns nil when there is no template or the template carries no first
// SIP line username to seed the new config with.
func (e *Engine) Autocreate(ctx context.Context) (*Config, error) {
	doc, err := e.coll.FindOne(ctx, store.Selector{"role": RoleAutocreate})
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, nil
	}
	template, err := FromDocument(doc)
	if err != nil {
		return nil, err
	}

	username := FirstSIPLineUsername(template.RawConfig)
	if username == "" {
		return nil, nil
	}

	c := New(template.ID + store.UUIDGenerator{}.Next())
	c.ParentIDs = []string{template.ID}
	c.Transient = true
	c.RawConfig = map[string]interface{}{
		KeySIPLines: map[string]interface{}{
			"1": map[string]interface{}{"username": username},
		},
	}
	if _, err := e.Insert(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// ============================================================================
// Validation
// ============================================================================

func (e *Engine) validate(ctx context.Context, c *Config, isUpdate bool) error {
	if isUpdate && c.ID == "" {
		return fmt.Errorf("updating config: %w", util.ErrInvalidID)
	}

	for _, pid := range c.ParentIDs {
		if pid == c.ID && c.ID != "" {
			return util.NewInvalidParameterError("parent_ids", "config cannot be its own parent")
		}
		if strings.TrimSpace(pid) == "" {
			return util.NewInvalidParameterError("parent_ids", "empty parent id")
		}
		parent, err := e.retrieve(ctx, pid)
		if err != nil {
			return err
		}
		if parent != nil && parent.Transient {
			return util.NewInvalidParameterError("parent_ids",
				fmt.Sprintf("transient config %q may not be a parent", pid))
		}
	}

	if c.ID != "" {
		if cycle, err := e.wouldCycle(c.ID, c.ParentIDs); err != nil {
			return err
		} else if cycle {
			return util.NewInvalidParameterError("parent_ids", "parent chain forms a cycle")
		}
	}

	if c.Transient && len(e.children[c.ID]) > 0 {
		return util.NewInvalidParameterError("transient",
			"config with children may not become transient")
	}

	if c.Role == RoleDefault || c.Role == RoleAutocreate {
		sel := store.Selector{"role": c.Role}
		if c.ID != "" {
			sel["id"] = map[string]interface{}{"$ne": c.ID}
		}
		existing, err := e.coll.FindOne(ctx, sel)
		if err != nil {
			return err
		}
		if existing != nil {
			return util.NewInvalidParameterError("role",
				fmt.Sprintf("another config already has role %q", c.Role))
		}
	}
	return nil
}

// wouldCycle reports whether id is among the ancestors reachable through
// newParents, using the in-memory parent index for everything but the new
// edge set.
func (e *Engine) wouldCycle(id string, newParents []string) (bool, error) {
	visited := make(map[string]bool)
	var stack []string
	stack = append(stack, newParents...)
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if n == id {
			return true, nil
		}
		if visited[n] {
			continue
		}
		visited[n] = true
		stack = append(stack, e.parents[n]...)
	}
	return false, nil
}

// ============================================================================
// Index maintenance
// ============================================================================

func (e *Engine) ensureIndexes(ctx context.Context) error {
	if e.built {
		return nil
	}
	docs, err := e.coll.Find(ctx, store.Selector{}, &store.FindOptions{Fields: []string{"id", "parent_ids"}})
	if err != nil {
		return fmt.Errorf("building config indexes: %w", err)
	}
	e.parents = make(map[string][]string)
	e.children = make(map[string]map[string]struct{})
	for _, doc := range docs {
		c, err := FromDocument(doc)
		if err != nil {
			return err
		}
		e.indexSet(c.ID, c.ParentIDs)
	}
	e.built = true
	return nil
}

func (e *Engine) indexSet(id string, parentIDs []string) {
	for _, old := range e.parents[id] {
		if set := e.children[old]; set != nil {
			delete(set, id)
			if len(set) == 0 {
				delete(e.children, old)
			}
		}
	}
	e.parents[id] = append([]string(nil), parentIDs...)
	for _, pid := range parentIDs {
		if e.children[pid] == nil {
			e.children[pid] = make(map[string]struct{})
		}
		e.children[pid][id] = struct{}{}
	}
}

func (e *Engine) indexRemove(id string) {
	for _, pid := range e.parents[id] {
		if set := e.children[pid]; set != nil {
			delete(set, id)
			if len(set) == 0 {
				delete(e.children, pid)
			}
		}
	}
	delete(e.parents, id)
}

func (e *Engine) retrieve(ctx context.Context, id string) (*Config, error) {
	if id == "" {
		return nil, nil
	}
	doc, err := e.coll.Retrieve(ctx, id)
	if err != nil {
		return nil, err
	}
	return FromDocument(doc)
}

// spliceParents replaces removed with its own parents in parentIDs,
// preserving order and dropping duplicates.
func spliceParents(parentIDs []string, removed string, replacement []string) []string {
	var out []string
	seen := make(map[string]bool)
	appendID := func(id string) {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	for _, pid := range parentIDs {
		if pid == removed {
			for _, rid := range replacement {
				appendID(rid)
			}
			continue
		}
		appendID(pid)
	}
	return out
}
