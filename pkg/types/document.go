// Package types provides the core data types for eSocial event ingestion.
package types

import "strings"

// Document is a nested mapping produced by flattening an XML subtree.
// Leaves are strings; inner nodes are Document or map[string]any.
type Document map[string]any

// Get walks a dotted path ("ideEvento.nrRecibo") and returns the value found.
func (d Document) Get(path string) (any, bool) {
	var cur any = map[string]any(d)
	for _, key := range strings.Split(path, ".") {
		var m map[string]any
		switch v := cur.(type) {
		case Document:
			m = v
		case map[string]any:
			m = v
		default:
			return nil, false
		}
		next, ok := m[key]
		if !ok {
			return nil, false
		}
		cur = next
	}
	return cur, true
}

// String returns the leaf at path when it is a non-empty string.
func (d Document) String(path string) (string, bool) {
	v, ok := d.Get(path)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}
