package resolve

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/eesocial/eesocial/internal/store"
	"github.com/eesocial/eesocial/pkg/types"
)

// PassResult summarises one pass.
type PassResult struct {
	Pass       string
	Candidates int   // unresolved events matching the selector
	Linked     int   // candidates whose target was found
	Unmatched  int   // candidates whose target is not stored yet
	Skipped    int   // candidates without a reference or own receipt
	Modified   int64 // documents changed by the update batch
}

// Resolver runs relationship passes against a store.
type Resolver struct {
	store  store.Store
	logger *slog.Logger
}

// New creates a resolver.
func New(st store.Store, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{store: st, logger: logger}
}

// Run executes one pass. Every link found in the scan is written in a single
// update batch; a scan without links writes nothing. Unmatched candidates are
// left untouched so a later run can link them.
func (r *Resolver) Run(ctx context.Context, p Pass) (PassResult, error) {
	res := PassResult{Pass: p.Name}
	if err := p.Validate(); err != nil {
		return res, err
	}

	r.logger.Info("resolving relationships", "pass", p.Name)

	candidates, err := r.store.FindEvents(ctx, p.Selector.And(store.Absent(types.FieldResolved)))
	if err != nil {
		return res, fmt.Errorf("%s pass: %w", p.Name, err)
	}
	res.Candidates = len(candidates)

	var updates []store.Update
	for _, evt := range candidates {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		ref, ok := referenceOf(evt, p.ReferenceField)
		own := evt.Receipt()
		if !ok || own == "" || ref == own {
			r.logger.Debug("candidate skipped", "pass", p.Name, "id", evt.ID)
			res.Skipped++
			continue
		}

		n, err := r.store.CountEvents(ctx, store.Where(store.Eq(types.FieldReceipt, ref)))
		if err != nil {
			return res, fmt.Errorf("%s pass: %w", p.Name, err)
		}
		if n == 0 {
			res.Unmatched++
			continue
		}

		updates = append(updates,
			store.Update{
				Filter: store.Where(store.Eq(types.FieldReceipt, ref), store.Absent(p.LinkField)),
				Set:    map[string]any{p.LinkField: own},
			},
			store.Update{
				Filter: store.Where(store.Eq(types.FieldID, evt.ID)),
				Set:    map[string]any{types.FieldResolved: true},
			},
		)
		res.Linked++
	}

	if len(updates) > 0 {
		res.Modified, err = r.store.UpdateEvents(ctx, updates)
		if err != nil {
			return res, fmt.Errorf("%s pass: %w", p.Name, err)
		}
	}

	r.logger.Info(fmt.Sprintf("linked %d of %d", res.Linked, res.Candidates),
		"pass", p.Name, "unmatched", res.Unmatched, "skipped", res.Skipped, "modified", res.Modified)
	return res, nil
}

// RunAll runs passes in order, by default exclusion then rectification.
// It stops at the first failing pass.
func (r *Resolver) RunAll(ctx context.Context, passes ...Pass) ([]PassResult, error) {
	if len(passes) == 0 {
		passes = []Pass{ExclusionPass(), RectificationPass()}
	}

	results := make([]PassResult, 0, len(passes))
	for _, p := range passes {
		res, err := r.Run(ctx, p)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}
