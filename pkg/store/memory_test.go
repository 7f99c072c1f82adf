package store

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/provd-server/provd/pkg/util"
)

func TestMemoryInsertRetrieve(t *testing.T) {
	ctx := context.Background()
	c := NewMemory(nil)

	id, err := c.Insert(ctx, Document{"mac": "00:11:22:33:44:55"})
	if err != nil {
		t.Fatalf("Insert() failed: %v", err)
	}
	if id == "" {
		t.Fatal("Insert() should allocate an id")
	}

	doc, err := c.Retrieve(ctx, id)
	if err != nil {
		t.Fatalf("Retrieve() failed: %v", err)
	}
	if doc == nil || doc["mac"] != "00:11:22:33:44:55" {
		t.Errorf("Retrieve() = %v", doc)
	}

	// Retrieve of an unknown id is (nil, nil), not an error.
	doc, err = c.Retrieve(ctx, "nope")
	if err != nil || doc != nil {
		t.Errorf("Retrieve(unknown) = (%v, %v), want (nil, nil)", doc, err)
	}
}

func TestMemoryInsertDuplicateID(t *testing.T) {
	ctx := context.Background()
	c := NewMemory(nil)

	if _, err := c.Insert(ctx, Document{"id": "d1"}); err != nil {
		t.Fatal(err)
	}
	_, err := c.Insert(ctx, Document{"id": "d1"})
	if !errors.Is(err, util.ErrInvalidID) {
		t.Errorf("duplicate insert error = %v, want ErrInvalidID", err)
	}
}

// fixedGenerator always yields the same id, to exercise collision retry.
type fixedGenerator struct{ id string }

func (g fixedGenerator) Next() string { return g.id }

func TestMemoryGeneratorExhaustion(t *testing.T) {
	ctx := context.Background()
	c := NewMemory(&Options{Generator: fixedGenerator{id: "only"}})

	if _, err := c.Insert(ctx, Document{}); err != nil {
		t.Fatalf("first insert should use the generated id: %v", err)
	}
	_, err := c.Insert(ctx, Document{})
	if !errors.Is(err, util.ErrGeneratorExhausted) {
		t.Errorf("second insert error = %v, want ErrGeneratorExhausted", err)
	}
}

func TestMemoryUpdate(t *testing.T) {
	ctx := context.Background()
	c := NewMemory(nil)

	if _, err := c.Insert(ctx, Document{"id": "d1", "v": "old"}); err != nil {
		t.Fatal(err)
	}
	if err := c.Update(ctx, Document{"id": "d1", "v": "new"}); err != nil {
		t.Fatalf("Update() failed: %v", err)
	}
	doc, _ := c.Retrieve(ctx, "d1")
	if doc["v"] != "new" {
		t.Errorf("Update() did not persist: %v", doc)
	}

	err := c.Update(ctx, Document{"id": "unknown"})
	if !errors.Is(err, util.ErrInvalidID) {
		t.Errorf("Update(unknown) error = %v, want ErrInvalidID", err)
	}
}

func TestMemoryDelete(t *testing.T) {
	ctx := context.Background()
	c := NewMemory(nil)

	if _, err := c.Insert(ctx, Document{"id": "d1"}); err != nil {
		t.Fatal(err)
	}
	if err := c.Delete(ctx, "d1"); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	if doc, _ := c.Retrieve(ctx, "d1"); doc != nil {
		t.Error("document should be gone after Delete()")
	}

	err := c.Delete(ctx, "d1")
	if !errors.Is(err, util.ErrInvalidID) {
		t.Errorf("Delete(unknown) error = %v, want ErrInvalidID", err)
	}
}

func TestMemoryDeleteNonDeletable(t *testing.T) {
	ctx := context.Background()
	c := NewMemory(nil)

	if _, err := c.Insert(ctx, Document{"id": "base", "deletable": false}); err != nil {
		t.Fatal(err)
	}
	err := c.Delete(ctx, "base")
	if !errors.Is(err, util.ErrNonDeletable) {
		t.Errorf("Delete(non-deletable) error = %v, want ErrNonDeletable", err)
	}
	if doc, _ := c.Retrieve(ctx, "base"); doc == nil {
		t.Error("non-deletable document must survive")
	}
}

func TestMemoryFindEquivalentToRetrieve(t *testing.T) {
	ctx := context.Background()
	c := NewMemory(nil)

	if _, err := c.Insert(ctx, Document{"id": "d1", "mac": "aa:bb:cc:dd:ee:ff"}); err != nil {
		t.Fatal(err)
	}

	byID, err := c.Find(ctx, Selector{"id": "d1"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	retrieved, _ := c.Retrieve(ctx, "d1")
	if len(byID) != 1 || !reflect.DeepEqual(byID[0], retrieved) {
		t.Errorf("find({id}) = %v, retrieve = %v; want identical", byID, retrieved)
	}
}

func TestMemoryFindWithIndexes(t *testing.T) {
	ctx := context.Background()
	c := NewMemory(&Options{Indexes: []string{"mac", "config"}})

	seed := []Document{
		{"id": "d1", "mac": "00:00:00:00:00:01", "config": "c1"},
		{"id": "d2", "mac": "00:00:00:00:00:02", "config": "c1"},
		{"id": "d3", "mac": "00:00:00:00:00:03", "config": "c2"},
	}
	for _, doc := range seed {
		if _, err := c.Insert(ctx, doc); err != nil {
			t.Fatal(err)
		}
	}

	docs, err := c.Find(ctx, Selector{"config": "c1"}, &FindOptions{SortKey: "id"})
	if err != nil {
		t.Fatal(err)
	}
	if ids := idsOf(docs); !reflect.DeepEqual(ids, []string{"d1", "d2"}) {
		t.Errorf("indexed find = %v, want [d1 d2]", ids)
	}

	// Index must follow updates.
	if err := c.Update(ctx, Document{"id": "d3", "mac": "00:00:00:00:00:03", "config": "c1"}); err != nil {
		t.Fatal(err)
	}
	docs, _ = c.Find(ctx, Selector{"config": "c2"}, nil)
	if len(docs) != 0 {
		t.Errorf("stale index entry: %v", docs)
	}
	docs, _ = c.Find(ctx, Selector{"config": "c1"}, nil)
	if len(docs) != 3 {
		t.Errorf("index missed updated doc: %v", docs)
	}

	// And deletions.
	if err := c.Delete(ctx, "d1"); err != nil {
		t.Fatal(err)
	}
	docs, _ = c.Find(ctx, Selector{"mac": "00:00:00:00:00:01"}, nil)
	if len(docs) != 0 {
		t.Errorf("deleted doc still indexed: %v", docs)
	}
}

func TestMemoryFindOne(t *testing.T) {
	ctx := context.Background()
	c := NewMemory(nil)

	doc, err := c.FindOne(ctx, Selector{"x": 1})
	if err != nil || doc != nil {
		t.Errorf("FindOne on empty = (%v, %v), want (nil, nil)", doc, err)
	}

	if _, err := c.Insert(ctx, Document{"id": "d1", "x": float64(1)}); err != nil {
		t.Fatal(err)
	}
	doc, err = c.FindOne(ctx, Selector{"x": 1})
	if err != nil || doc == nil {
		t.Fatalf("FindOne = (%v, %v)", doc, err)
	}
}

func TestMemoryIsolation(t *testing.T) {
	ctx := context.Background()
	c := NewMemory(nil)

	orig := Document{"id": "d1", "nested": map[string]interface{}{"k": "v"}}
	if _, err := c.Insert(ctx, orig); err != nil {
		t.Fatal(err)
	}

	// Mutating the inserted doc must not affect the stored copy.
	orig["nested"].(map[string]interface{})["k"] = "mutated"
	doc, _ := c.Retrieve(ctx, "d1")
	if doc["nested"].(map[string]interface{})["k"] != "v" {
		t.Error("collection should deep-copy on insert")
	}

	// Mutating a retrieved doc must not affect the stored copy either.
	doc["nested"].(map[string]interface{})["k"] = "mutated"
	again, _ := c.Retrieve(ctx, "d1")
	if again["nested"].(map[string]interface{})["k"] != "v" {
		t.Error("collection should deep-copy on retrieve")
	}
}
