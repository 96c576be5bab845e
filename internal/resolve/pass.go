// Package resolve links exclusion and rectification events to the events
// they refer to through receipt numbers.
package resolve

import (
	"strings"

	apperr "github.com/eesocial/eesocial/internal/errors"
	"github.com/eesocial/eesocial/internal/store"
	"github.com/eesocial/eesocial/pkg/types"
)

// Reference fields read from candidate events.
const (
	FieldExcludedReceipt  = "envelope.infoExclusao.nrRecEvt"
	FieldRectifiedReceipt = "envelope.ideEvento.nrRecibo"
)

// Pass describes one relationship type.
//
// Candidates are events matching Selector that are not yet resolved. For each
// candidate, ReferenceField holds the receipt of the target event; the
// candidate's own receipt is written to LinkField on the target.
type Pass struct {
	Name           string
	Selector       store.Filter
	ReferenceField string
	LinkField      string
}

// ExclusionPass links S-3000 events to the events they cancel.
func ExclusionPass() Pass {
	return Pass{
		Name:           "exclusion",
		Selector:       store.Where(store.Eq(types.FieldTable, types.TableExclusion)),
		ReferenceField: FieldExcludedReceipt,
		LinkField:      types.FieldExcludedBy,
	}
}

// RectificationPass links rectifying events to the events they supersede.
func RectificationPass() Pass {
	return Pass{
		Name:           "rectification",
		Selector:       store.Where(store.Exists(FieldRectifiedReceipt)),
		ReferenceField: FieldRectifiedReceipt,
		LinkField:      types.FieldRectifiedBy,
	}
}

// Validate checks the pass fields.
func (p Pass) Validate() error {
	if p.Name == "" {
		return apperr.NewResolveError(apperr.CodeInvalidField, "pass has no name", nil)
	}
	if err := p.Selector.Validate(); err != nil {
		return err
	}
	if err := store.ValidateField(p.ReferenceField); err != nil {
		return err
	}
	if err := store.ValidateField(p.LinkField); err != nil {
		return err
	}
	if p.LinkField == types.FieldResolved || p.LinkField == types.FieldID {
		return apperr.NewResolveError(apperr.CodeInvalidField, "link field "+p.LinkField+" is reserved", nil)
	}
	return nil
}

// referenceOf reads a string field of an event by its stored path.
func referenceOf(evt *types.Event, field string) (string, bool) {
	root, rest, ok := strings.Cut(field, ".")
	if !ok {
		return "", false
	}
	switch root {
	case "envelope":
		return evt.Envelope.String(rest)
	case "response":
		return evt.Response.String(rest)
	default:
		return "", false
	}
}
