package types

import "time"

// Field paths used by the store and the resolver. Paths are dotted and
// relative to the stored event document.
const (
	FieldID          = "id"
	FieldTable       = "table"
	FieldReceipt     = "response.recibo.nrRecibo"
	FieldExcludedBy  = "excludedBy"
	FieldRectifiedBy = "rectifiedBy"
	FieldResolved    = "resolved"
)

// TableExclusion is the envelope root name of S-3000 exclusion events.
const TableExclusion = "evtExclusao"

// Event is one flattened eSocial event document.
type Event struct {
	// ID is the document identifier taken from the archive entry name
	ID string `json:"id" bson:"id"`

	// Table is the local name of the envelope root element (e.g. "evtAdmissao")
	Table string `json:"table" bson:"table"`

	// Code is the event code from the entry name (e.g. "S-2200")
	Code string `json:"code,omitempty" bson:"code,omitempty"`

	// Archive is the stem of the archive the event was read from
	Archive string `json:"archive,omitempty" bson:"archive,omitempty"`

	// Envelope is the submitted event payload
	Envelope Document `json:"envelope" bson:"envelope"`

	// Response is the acknowledgment payload; holds recibo.nrRecibo once accepted
	Response Document `json:"response" bson:"response"`

	// ExcludedBy is the receipt of the S-3000 event that cancelled this one
	ExcludedBy string `json:"excludedBy,omitempty" bson:"excludedBy,omitempty"`

	// RectifiedBy is the receipt of the event that superseded this one
	RectifiedBy string `json:"rectifiedBy,omitempty" bson:"rectifiedBy,omitempty"`

	// Resolved marks an exclusion/rectification event whose link was written
	Resolved bool `json:"resolved,omitempty" bson:"resolved,omitempty"`

	// IngestedAt is when the event was inserted
	IngestedAt time.Time `json:"ingestedAt" bson:"ingestedAt"`
}

// Receipt returns the event's own receipt number, if it has one.
func (e *Event) Receipt() string {
	s, _ := e.Response.String("recibo.nrRecibo")
	return s
}
