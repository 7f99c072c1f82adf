package store

import (
	"strings"

	"github.com/provd-server/provd/pkg/util"
)

// DocumentID returns the document's id, or "" if absent.
func DocumentID(doc Document) string {
	id, _ := doc["id"].(string)
	return id
}

// valuesAtKey resolves a dotted key against a document, flattening through
// lists: a list value contributes every element, and a list of maps matches
// if any element matches. The returned slice holds every value found; an
// empty slice means the key is absent.
func valuesAtKey(doc Document, dottedKey string) []interface{} {
	parts := strings.Split(dottedKey, ".")
	current := []interface{}{map[string]interface{}(doc)}

	for _, part := range parts {
		var next []interface{}
		for _, v := range current {
			switch t := v.(type) {
			case map[string]interface{}:
				if child, ok := t[part]; ok {
					next = append(next, child)
				}
			case []interface{}:
				for _, elem := range t {
					if m, ok := elem.(map[string]interface{}); ok {
						if child, ok := m[part]; ok {
							next = append(next, child)
						}
					}
				}
			}
		}
		current = next
		if len(current) == 0 {
			return nil
		}
	}

	// Flatten one trailing list level so $contains and equality see elements
	var out []interface{}
	for _, v := range current {
		out = append(out, v)
	}
	return out
}

// firstValueAtKey returns the first value at a dotted key and whether any
// value exists. Used for sorting, where one representative value suffices.
func firstValueAtKey(doc Document, dottedKey string) (interface{}, bool) {
	vals := valuesAtKey(doc, dottedKey)
	if len(vals) == 0 {
		return nil, false
	}
	return vals[0], true
}

// project returns a copy of doc restricted to the given dotted keys.
// The id field is always retained. Only top-level and nested map keys are
// projected; lists are copied whole.
func project(doc Document, fields []string) Document {
	if len(fields) == 0 {
		return util.DeepCopyMap(doc)
	}
	out := Document{}
	if id, ok := doc["id"]; ok {
		out["id"] = id
	}
	for _, f := range fields {
		copyPath(doc, out, strings.Split(f, "."))
	}
	return out
}

func copyPath(src, dst map[string]interface{}, parts []string) {
	v, ok := src[parts[0]]
	if !ok {
		return
	}
	if len(parts) == 1 {
		dst[parts[0]] = util.DeepCopyValue(v)
		return
	}
	srcChild, ok := v.(map[string]interface{})
	if !ok {
		return
	}
	dstChild, ok := dst[parts[0]].(map[string]interface{})
	if !ok {
		dstChild = map[string]interface{}{}
		dst[parts[0]] = dstChild
	}
	copyPath(srcChild, dstChild, parts[1:])
}
