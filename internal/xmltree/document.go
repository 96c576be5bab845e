package xmltree

import (
	"bytes"
	"strings"
	"unicode/utf8"

	"github.com/beevik/etree"
	"github.com/eesocial/eesocial/internal/errors"
)

var utf8BOM = []byte("\xef\xbb\xbf")

// Wildcard matches any local name in a Path.
const Wildcard = "*"

// Path is a sequence of local names leading from a root element down to a
// descendant. Each step takes the first child whose local name matches.
type Path []string

// Default paths for eSocial event download documents.
var (
	EnvelopePath = Path{"retornoProcessamentoDownload", "evento", "eSocial", Wildcard}
	ResponsePath = Path{"retornoProcessamentoDownload", "recibo", "eSocial", Wildcard}
)

// ParsePath parses a slash separated path such as "a/b/*/d".
func ParsePath(s string) Path {
	s = strings.Trim(s, "/")
	if s == "" {
		return nil
	}
	return Path(strings.Split(s, "/"))
}

// String returns the slash separated form of the path.
func (p Path) String() string {
	return strings.Join(p, "/")
}

// Parse decodes UTF-8 XML text into a document tree.
func Parse(data []byte) (*etree.Document, error) {
	data = bytes.TrimPrefix(data, utf8BOM)
	if !utf8.Valid(data) {
		return nil, errors.NewDocumentError(errors.CodeDecodeFailed, "document is not valid UTF-8", nil)
	}

	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		return nil, errors.NewDocumentError(errors.CodeParseFailed, "failed to parse XML", err)
	}
	if doc.Root() == nil {
		return nil, errors.NewDocumentError(errors.CodeParseFailed, "document has no root element", nil)
	}
	return doc, nil
}

// Locate descends from root along path and returns the element reached.
func Locate(root *etree.Element, path Path) (*etree.Element, bool) {
	cur := root
	for _, name := range path {
		var next *etree.Element
		for _, child := range cur.ChildElements() {
			if name == Wildcard || LocalName(child) == name {
				next = child
				break
			}
		}
		if next == nil {
			return nil, false
		}
		cur = next
	}
	return cur, true
}

// Find is Locate returning a PATH_NOT_FOUND error on a miss.
func Find(root *etree.Element, path Path) (*etree.Element, error) {
	el, ok := Locate(root, path)
	if !ok {
		return nil, errors.NewDocumentError(errors.CodePathNotFound, "element not found at "+path.String(), nil)
	}
	return el, nil
}
