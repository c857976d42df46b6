// Package reconcile deletes orphaned cell records.
package reconcile

import (
	"context"
	"sort"

	"github.com/rs/zerolog"

	"github.com/hpungsan/codestream/internal/metrics"
)

// Cells is the part of the cell store the reconciler needs.
type Cells interface {
	ListAll(ctx context.Context, code string) ([]string, error)
	Delete(ctx context.Context, code, cellID string) error
}

// Result describes one reconciliation.
type Result struct {
	Stored  int      `json:"stored"`
	Deleted []string `json:"deleted"`
}

// Reconciler removes stored records whose cell is not live.
type Reconciler struct {
	cells  Cells
	logger zerolog.Logger
}

// New returns a reconciler over cells.
func New(cells Cells) *Reconciler {
	return &Reconciler{cells: cells, logger: zerolog.Nop()}
}

// SetLogger sets the logger.
func (r *Reconciler) SetLogger(l zerolog.Logger) {
	r.logger = l
}

// Reconcile deletes every record under code whose id is not in live. Live
// records are never touched. On a delete failure the ids removed so far are
// returned with the error.
func (r *Reconciler) Reconcile(ctx context.Context, code string, live []string) (Result, error) {
	stored, err := r.cells.ListAll(ctx, code)
	if err != nil {
		return Result{}, err
	}
	keep := make(map[string]struct{}, len(live))
	for _, id := range live {
		keep[id] = struct{}{}
	}

	res := Result{Stored: len(stored), Deleted: []string{}}
	for _, id := range stored {
		if _, ok := keep[id]; ok {
			continue
		}
		if err := r.cells.Delete(ctx, code, id); err != nil {
			r.logger.Warn().Err(err).Str("session", code).Str("cell_id", id).Msg("orphan delete failed")
			return res, err
		}
		res.Deleted = append(res.Deleted, id)
		metrics.ReconcileOrphans.Inc()
	}
	sort.Strings(res.Deleted)

	r.logger.Info().
		Str("session", code).
		Int("stored", res.Stored).
		Int("live", len(live)).
		Int("deleted", len(res.Deleted)).
		Msg("reconciled")
	return res, nil
}
