// Package store provides the document store holding events and archive records.
package store

import (
	"context"
	"fmt"
	"regexp"
	"sort"

	apperr "github.com/eesocial/eesocial/internal/errors"
	"github.com/eesocial/eesocial/pkg/types"
)

// Store is a document store with two collections: events and archives.
// Implementations enforce uniqueness of the event id and of the event
// receipt number (response.recibo.nrRecibo) when present.
type Store interface {
	// Init creates collections and unique indexes. It is safe to call repeatedly.
	Init(ctx context.Context) error

	// InsertEvents inserts a batch of new events. A duplicate id or receipt
	// aborts the batch with a DUPLICATE_KEY error.
	InsertEvents(ctx context.Context, events []*types.Event) error

	// FindEvent returns the first event matching filter or a NOT_FOUND error.
	FindEvent(ctx context.Context, filter Filter) (*types.Event, error)

	// FindEvents returns all events matching filter.
	FindEvents(ctx context.Context, filter Filter) ([]*types.Event, error)

	// CountEvents returns the number of events matching filter.
	CountEvents(ctx context.Context, filter Filter) (int64, error)

	// UpdateEvents applies all updates in one batch and returns the number
	// of events modified. Each update touches at most one event.
	UpdateEvents(ctx context.Context, updates []Update) (int64, error)

	// EventIDs calls fn for every stored event id.
	EventIDs(ctx context.Context, fn func(id string) error) error

	// FindArchive returns the first archive record matching filter or a NOT_FOUND error.
	FindArchive(ctx context.Context, filter Filter) (*types.ArchiveRecord, error)

	// InsertArchive records a fully ingested archive.
	InsertArchive(ctx context.Context, rec *types.ArchiveRecord) error

	// Close releases the underlying connection.
	Close() error
}

// Op is a condition operator.
type Op int

const (
	OpEq Op = iota
	OpExists
	OpAbsent
)

func (o Op) String() string {
	switch o {
	case OpEq:
		return "eq"
	case OpExists:
		return "exists"
	case OpAbsent:
		return "absent"
	default:
		return fmt.Sprintf("op(%d)", int(o))
	}
}

// Condition tests one dotted field path of a document.
type Condition struct {
	Field string
	Op    Op
	Value any
}

// Filter is a conjunction of conditions. An empty filter matches everything.
type Filter []Condition

// Where builds a filter from conditions.
func Where(conds ...Condition) Filter {
	return Filter(conds)
}

// Eq matches documents whose field equals value.
func Eq(field string, value any) Condition {
	return Condition{Field: field, Op: OpEq, Value: value}
}

// Exists matches documents that carry field.
func Exists(field string) Condition {
	return Condition{Field: field, Op: OpExists}
}

// Absent matches documents that do not carry field.
func Absent(field string) Condition {
	return Condition{Field: field, Op: OpAbsent}
}

// And returns a new filter with conds appended.
func (f Filter) And(conds ...Condition) Filter {
	out := make(Filter, 0, len(f)+len(conds))
	out = append(out, f...)
	return append(out, conds...)
}

// Validate checks every field path.
func (f Filter) Validate() error {
	for _, c := range f {
		if err := ValidateField(c.Field); err != nil {
			return err
		}
	}
	return nil
}

// Update sets top-level fields on the event matched by Filter.
type Update struct {
	Filter Filter
	Set    map[string]any
}

// Validate checks the filter and the set fields.
func (u Update) Validate() error {
	if len(u.Filter) == 0 {
		return apperr.NewStoreError(apperr.CodeInvalidField, "update without filter", nil)
	}
	if len(u.Set) == 0 {
		return apperr.NewStoreError(apperr.CodeInvalidField, "update without fields", nil)
	}
	if err := u.Filter.Validate(); err != nil {
		return err
	}
	for _, k := range u.SetKeys() {
		if err := ValidateField(k); err != nil {
			return err
		}
	}
	return nil
}

// SetKeys returns the updated field names in sorted order.
func (u Update) SetKeys() []string {
	keys := make([]string, 0, len(u.Set))
	for k := range u.Set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

var fieldPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)*$`)

// ValidateField rejects anything but dotted identifier paths.
func ValidateField(field string) error {
	if !fieldPattern.MatchString(field) {
		return apperr.NewStoreError(apperr.CodeInvalidField, fmt.Sprintf("invalid field path %q", field), nil)
	}
	return nil
}
