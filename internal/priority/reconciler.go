// Package priority assigns sequential priorities to submitted requests that
// the portal renders without one.
package priority

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
)

// ErrNotConverged is returned when unset entries remain after MaxRounds saves.
var ErrNotConverged = errors.New("priority reconciliation did not converge")

const DefaultMaxRounds = 20

// Page is the requests page. Entries have no stable identity across saves;
// only the unset count and rendering order of the current render matter.
type Page interface {
	Load(ctx context.Context) error
	// MaxAssigned is the highest priority currently set on any request, 0 if none.
	MaxAssigned(ctx context.Context) (int, error)
	UnsetCount(ctx context.Context) (int, error)
	// Fill writes values[i] into the i-th currently unset entry in rendering order.
	Fill(ctx context.Context, values []int) error
	// Save submits the page; the portal re-renders it, possibly with some
	// entries still unset.
	Save(ctx context.Context) error
}

type Reconciler struct {
	page      Page
	maxRounds int
}

// Result describes one reconciliation.
type Result struct {
	Rounds   int
	Assigned []int
}

// NewReconciler returns a reconciler that gives up after maxRounds saves, or
// after as many saves as there were unset entries initially when that is
// larger. maxRounds <= 0 removes the limit.
func NewReconciler(page Page, maxRounds int) *Reconciler {
	return &Reconciler{page: page, maxRounds: maxRounds}
}

// Reconcile loops until the page reports no unset entries. Each round skews
// the running maximum by the round number so values written in a partially
// applied earlier save are never reused.
func (r *Reconciler) Reconcile(ctx context.Context) (Result, error) {
	var res Result

	if err := r.page.Load(ctx); err != nil {
		return res, fmt.Errorf("failed to load requests page: %w", err)
	}

	currentMax, err := r.page.MaxAssigned(ctx)
	if err != nil {
		return res, fmt.Errorf("failed to read assigned priorities: %w", err)
	}

	limit := r.maxRounds
	for round := 1; ; round++ {
		unset, err := r.page.UnsetCount(ctx)
		if err != nil {
			return res, fmt.Errorf("round %d: failed to count unset entries: %w", round, err)
		}
		if round == 1 && limit > 0 {
			// a page that keeps one entry per save still converges
			limit = max(limit, unset)
		}
		if unset == 0 {
			log.Info().
				Int("rounds", res.Rounds).
				Int("assigned", len(res.Assigned)).
				Msg("Priorities reconciled")
			return res, nil
		}

		if limit > 0 && round > limit {
			return res, fmt.Errorf("%w: %d entries still unset after %d rounds", ErrNotConverged, unset, limit)
		}

		if round > 1 {
			observed, err := r.page.MaxAssigned(ctx)
			if err != nil {
				return res, fmt.Errorf("round %d: failed to read assigned priorities: %w", round, err)
			}
			currentMax = max(currentMax, observed)
		}

		currentMax += round
		values := make([]int, unset)
		for i := range values {
			currentMax++
			values[i] = currentMax
		}

		log.Debug().
			Int("round", round).
			Int("unset", unset).
			Ints("values", values).
			Msg("Assigning priorities")

		if err := r.page.Fill(ctx, values); err != nil {
			return res, fmt.Errorf("round %d: failed to fill priorities: %w", round, err)
		}
		if err := r.page.Save(ctx); err != nil {
			return res, fmt.Errorf("round %d: failed to save priorities: %w", round, err)
		}

		res.Rounds = round
		res.Assigned = append(res.Assigned, values...)
	}
}
