package builder

import (
	"context"

	"github.com/basket/shotreport/internal/otel"
	"github.com/basket/shotreport/internal/report"
	"golang.org/x/sync/errgroup"
)

// EqualDiff is a failing state whose diff image matches the reference's.
// Attempt is the index of the matching attempt in timestamp order.
type EqualDiff struct {
	Selector report.Selector   `json:"selector"`
	Attempt  int               `json:"attempt"`
	State    report.ImageState `json:"state"`
}

type candidate struct {
	sel     report.Selector
	attempt int
	state   report.ImageState
}

// FindEqualDiffs scans every attempt of every other lineage, retries
// included, for failing states named like the reference and returns those
// whose diff image is pixel-equal to the reference's. Comparisons run in parallel; a comparison
// that fails counts as not equal. No match yields an empty slice.
func (b *Builder) FindEqualDiffs(ctx context.Context, ref report.Selector) ([]EqualDiff, error) {
	ctx, span := otel.StartSpan(ctx, b.tracer, "report.find_equal_diffs",
		otel.SelectorAttrs(ref.SuitePath, ref.BrowserID, ref.StateName)...)
	defer span.End()

	t, err := b.Tree(ctx)
	if err != nil {
		return nil, err
	}
	latest, ok := t.Latest(ref.SuitePath, ref.BrowserID)
	if !ok {
		return nil, report.ErrNotFound
	}
	refState, _, ok := latest.State(ref.StateName)
	if !ok {
		return nil, report.ErrNotFound
	}
	out := []EqualDiff{}
	if !report.CanFindSameDiffs(refState) || b.differ == nil {
		return out, nil
	}

	refLineage := latest.Lineage()
	var cands []candidate
	t.Root.Walk(func(_ *report.Suite, br *report.BrowserResult) {
		for i, a := range br.Attempts {
			if a.Lineage() == refLineage {
				return
			}
			for _, st := range a.ImagesInfo {
				if st.StateName != refState.StateName || !report.CanFindSameDiffs(st) {
					continue
				}
				cands = append(cands, candidate{
					sel:     report.Selector{SuitePath: a.SuitePath, BrowserID: a.BrowserID, StateName: st.StateName},
					attempt: i,
					state:   st,
				})
			}
		}
	})
	if len(cands) == 0 {
		return out, nil
	}

	equal := make([]bool, len(cands))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.diffConcurrency)
	for i, c := range cands {
		g.Go(func() error {
			eq, err := b.differ.Equal(gctx, refState.DiffImg.Path, c.state.DiffImg.Path)
			if err != nil {
				b.logger.Warn("diff comparison failed", "candidate", c.sel.String(),
					"error", &report.CollaboratorError{Collaborator: "differ", Err: err})
				return nil
			}
			equal[i] = eq
			return nil
		})
	}
	_ = g.Wait()
	b.metrics.EqualDiffChecks.Add(ctx, int64(len(cands)))

	for i, c := range cands {
		if equal[i] {
			out = append(out, EqualDiff{Selector: c.sel, Attempt: c.attempt, State: c.state})
		}
	}
	return out, nil
}
