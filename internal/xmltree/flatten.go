// Package xmltree converts eSocial XML documents into generic nested mappings.
package xmltree

import (
	"sort"
	"strings"

	"github.com/beevik/etree"
	"github.com/eesocial/eesocial/pkg/types"
)

// signatureTag names the XML-DSig subtree carried by every signed event.
const signatureTag = "Signature"

// Kind tells which variant a Node holds.
type Kind uint8

const (
	// KindLeaf is an element without child elements; Text holds its content.
	KindLeaf Kind = iota
	// KindMap is an element with child elements; Fields holds them by local name.
	KindMap
)

// Node is a flattened element.
type Node struct {
	Kind   Kind
	Text   string
	Fields map[string]Node
}

// Flatten converts el into a Node. Elements with children become maps keyed
// by local name, others become leaves holding their text. Signature children
// are dropped at every level. When siblings share a local name the last one wins.
func Flatten(el *etree.Element) Node {
	children := el.ChildElements()
	if len(children) == 0 {
		return Node{Kind: KindLeaf, Text: el.Text()}
	}

	fields := make(map[string]Node, len(children))
	for _, child := range children {
		name := LocalName(child)
		if name == signatureTag {
			continue
		}
		fields[name] = Flatten(child)
	}
	return Node{Kind: KindMap, Fields: fields}
}

// LocalName returns the element name without namespace, accepting both the
// "{uri}Name" and "prefix:Name" notations.
func LocalName(el *etree.Element) string {
	return localName(el.Tag)
}

func localName(tag string) string {
	if i := strings.LastIndexByte(tag, '}'); i >= 0 {
		tag = tag[i+1:]
	}
	if i := strings.LastIndexByte(tag, ':'); i >= 0 {
		tag = tag[i+1:]
	}
	return tag
}

// IsLeaf reports whether n holds text rather than children.
func (n Node) IsLeaf() bool {
	return n.Kind == KindLeaf
}

// Value returns the node as a string (leaf) or map[string]any (map).
func (n Node) Value() any {
	if n.Kind == KindLeaf {
		return n.Text
	}
	m := make(map[string]any, len(n.Fields))
	for k, v := range n.Fields {
		m[k] = v.Value()
	}
	return m
}

// Document returns the fields of a map node as a types.Document.
// A leaf yields an empty document.
func (n Node) Document() types.Document {
	doc := make(types.Document, len(n.Fields))
	if n.Kind == KindLeaf {
		return doc
	}
	for k, v := range n.Fields {
		doc[k] = v.Value()
	}
	return doc
}

// Keys returns the field names of a map node in sorted order.
func (n Node) Keys() []string {
	keys := make([]string, 0, len(n.Fields))
	for k := range n.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
