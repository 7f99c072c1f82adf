package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"

	"github.com/provd-server/provd/pkg/util"
)

// redisCollection stores each document as a JSON value in a per-collection
// hash ("provd:<name>", field = document id). Equality indexes are kept in
// companion sets ("provd:<name>:idx:<key>:<value>") maintained in the same
// pipeline as the write.
type redisCollection struct {
	client    *redis.Client
	name      string
	generator IDGenerator
	indexKeys []string
}

// NewRedis creates a Redis-backed collection over an existing client.
func NewRedis(client *redis.Client, name string, opts *Options) Collection {
	return &redisCollection{
		client:    client,
		name:      name,
		generator: opts.generator(),
		indexKeys: opts.indexes(),
	}
}

func (c *redisCollection) hashKey() string {
	return "provd:" + c.name
}

func (c *redisCollection) indexSetKey(key string, v interface{}) string {
	return fmt.Sprintf("provd:%s:idx:%s:%s", c.name, key, encodeIndexValue(v))
}

func (c *redisCollection) Insert(ctx context.Context, doc Document) (string, error) {
	id := DocumentID(doc)
	if id != "" {
		exists, err := c.client.HExists(ctx, c.hashKey(), id).Result()
		if err != nil {
			return "", fmt.Errorf("checking id %q: %w", id, err)
		}
		if exists {
			return "", fmt.Errorf("inserting %q: id already exists: %w", id, util.ErrInvalidID)
		}
	} else {
		for i := 0; ; i++ {
			if i == maxIDAttempts {
				return "", util.ErrGeneratorExhausted
			}
			id = c.generator.Next()
			exists, err := c.client.HExists(ctx, c.hashKey(), id).Result()
			if err != nil {
				return "", fmt.Errorf("checking id %q: %w", id, err)
			}
			if !exists {
				break
			}
		}
		doc = util.DeepCopyMap(doc)
		doc["id"] = id
	}

	if err := c.write(ctx, id, doc); err != nil {
		return "", err
	}
	return id, nil
}

func (c *redisCollection) Update(ctx context.Context, doc Document) error {
	id := DocumentID(doc)
	old, err := c.Retrieve(ctx, id)
	if err != nil {
		return err
	}
	if id == "" || old == nil {
		return fmt.Errorf("updating %q: %w", id, util.ErrInvalidID)
	}
	if err := c.unindex(ctx, id, old); err != nil {
		return err
	}
	return c.write(ctx, id, doc)
}

func (c *redisCollection) Delete(ctx context.Context, id string) error {
	doc, err := c.Retrieve(ctx, id)
	if err != nil {
		return err
	}
	if doc == nil {
		return fmt.Errorf("deleting %q: %w", id, util.ErrInvalidID)
	}
	if deletable, ok := doc["deletable"].(bool); ok && !deletable {
		return fmt.Errorf("deleting %q: %w", id, util.ErrNonDeletable)
	}
	if err := c.unindex(ctx, id, doc); err != nil {
		return err
	}
	if err := c.client.HDel(ctx, c.hashKey(), id).Err(); err != nil {
		return fmt.Errorf("deleting %q: %w", id, err)
	}
	return nil
}

func (c *redisCollection) Retrieve(ctx context.Context, id string) (Document, error) {
	raw, err := c.client.HGet(ctx, c.hashKey(), id).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("retrieving %q: %w", id, err)
	}
	var doc Document
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("decoding %q: %w", id, err)
	}
	return doc, nil
}

func (c *redisCollection) Find(ctx context.Context, sel Selector, opts *FindOptions) ([]Document, error) {
	ids, scanAll, err := c.candidates(ctx, sel)
	if err != nil {
		return nil, err
	}

	var rawDocs []string
	if scanAll {
		all, err := c.client.HGetAll(ctx, c.hashKey()).Result()
		if err != nil {
			return nil, fmt.Errorf("scanning %s: %w", c.name, err)
		}
		for _, raw := range all {
			rawDocs = append(rawDocs, raw)
		}
	} else if len(ids) > 0 {
		vals, err := c.client.HMGet(ctx, c.hashKey(), ids...).Result()
		if err != nil {
			return nil, fmt.Errorf("fetching candidates in %s: %w", c.name, err)
		}
		for _, v := range vals {
			if s, ok := v.(string); ok {
				rawDocs = append(rawDocs, s)
			}
		}
	}

	var result []Document
	for _, raw := range rawDocs {
		var doc Document
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			util.Warnf("store: skipping malformed document in %s: %v", c.name, err)
			continue
		}
		if Match(doc, sel) {
			result = append(result, doc)
		}
	}
	return applyFindOptions(result, opts), nil
}

func (c *redisCollection) FindOne(ctx context.Context, sel Selector) (Document, error) {
	docs, err := c.Find(ctx, sel, &FindOptions{Limit: 1})
	if err != nil || len(docs) == 0 {
		return nil, err
	}
	return docs[0], nil
}

func (c *redisCollection) Close() error {
	// The client is shared across collections; the owner closes it.
	return nil
}

func (c *redisCollection) candidates(ctx context.Context, sel Selector) ([]string, bool, error) {
	for _, key := range c.indexKeys {
		cond, ok := sel[key]
		if !ok {
			continue
		}
		if m, isMap := cond.(map[string]interface{}); isMap && isOperatorObject(m) {
			continue
		}
		ids, err := c.client.SMembers(ctx, c.indexSetKey(key, cond)).Result()
		if err != nil {
			return nil, false, fmt.Errorf("reading index %s: %w", key, err)
		}
		return ids, false, nil
	}
	return nil, true, nil
}

func (c *redisCollection) write(ctx context.Context, id string, doc Document) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encoding %q: %w", id, err)
	}
	pipe := c.client.TxPipeline()
	pipe.HSet(ctx, c.hashKey(), id, raw)
	for _, key := range c.indexKeys {
		for _, v := range valuesAtKey(doc, key) {
			pipe.SAdd(ctx, c.indexSetKey(key, v), id)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("writing %q: %w", id, err)
	}
	return nil
}

func (c *redisCollection) unindex(ctx context.Context, id string, doc Document) error {
	pipe := c.client.TxPipeline()
	for _, key := range c.indexKeys {
		for _, v := range valuesAtKey(doc, key) {
			pipe.SRem(ctx, c.indexSetKey(key, v), id)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("unindexing %q: %w", id, err)
	}
	return nil
}
