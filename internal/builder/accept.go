package builder

import (
	"context"
	"errors"

	"github.com/basket/shotreport/internal/bus"
	"github.com/basket/shotreport/internal/otel"
	"github.com/basket/shotreport/internal/report"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// UpdateResult is the outcome of accepting one selector.
type UpdateResult struct {
	Selector report.Selector     `json:"selector"`
	Attempt  *report.TestAttempt `json:"attempt,omitempty"`
	Err      error               `json:"-"`
}

// OK reports whether the selector was accepted.
func (r UpdateResult) OK() bool { return r.Err == nil }

// UpdateReferenceImage promotes the actual image of every selected failing
// state to be its new reference. Selectors of the same lineage share one new
// row with status updated. Each selector gets its own result; a rejected
// selector never stops the others.
func (b *Builder) UpdateReferenceImage(ctx context.Context, selectors []report.Selector) ([]UpdateResult, error) {
	ctx, span := otel.StartSpan(ctx, b.tracer, "report.update_reference", otel.AttrSelectors.Int(len(selectors)))
	defer span.End()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.finalized {
		return nil, ErrFinalized
	}

	t, err := b.treeLocked(ctx)
	if err != nil {
		return nil, err
	}

	results := make([]UpdateResult, len(selectors))
	var order []string
	groups := map[string][]int{}
	for i, sel := range selectors {
		results[i].Selector = sel
		key := report.LineageKey(sel.SuitePath, sel.BrowserID)
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], i)
	}

	for _, key := range order {
		idxs := groups[key]
		first := selectors[idxs[0]]
		latest, ok := t.Latest(first.SuitePath, first.BrowserID)
		if !ok {
			for _, i := range idxs {
				results[i].Err = report.ErrNotFound
			}
			continue
		}

		next := cloneAttempt(latest)
		var accepted []int
		for _, i := range idxs {
			st, stateIdx, ok := latest.State(selectors[i].StateName)
			if !ok {
				results[i].Err = report.ErrNotFound
				continue
			}
			if !report.IsAcceptable(st) {
				results[i].Err = &report.NotAcceptableError{Selector: selectors[i], Status: st.Status}
				continue
			}
			promote(&next.ImagesInfo[stateIdx])
			accepted = append(accepted, i)
		}
		if len(accepted) == 0 {
			continue
		}

		next.Status = report.StatusUpdated
		next.Timestamp = b.nextTimestamp(key, max(b.now().UnixMilli(), latest.Timestamp+1))
		row, err := report.Encode(next)
		if err == nil {
			err = b.store.InsertAttempt(ctx, row)
		}
		if err != nil {
			for _, i := range accepted {
				results[i].Err = err
			}
			continue
		}
		b.lastTS[key] = next.Timestamp

		stored := next
		for _, i := range accepted {
			results[i].Attempt = &stored
			b.bus.Publish(bus.TopicReferenceUpdated, bus.ReferenceUpdatedEvent{
				SuitePath: selectors[i].SuitePath,
				BrowserID: selectors[i].BrowserID,
				StateName: selectors[i].StateName,
				Timestamp: next.Timestamp,
			})
		}
		b.metrics.ReferenceUpdates.Add(ctx, int64(len(accepted)))
		b.logger.Info("reference updated", "suite", next.SuitePath, "browser", next.BrowserID,
			"states", len(accepted), "timestamp", next.Timestamp)
	}

	for _, r := range results {
		if r.Err == nil {
			continue
		}
		b.metrics.AcceptRejects.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", rejectReason(r.Err))))
		b.logger.Warn("accept rejected", "selector", r.Selector.String(), "error", r.Err)
	}
	return results, nil
}

func (b *Builder) treeLocked(ctx context.Context) (report.Tree, error) {
	rows, err := b.store.SelectSuites(ctx)
	if err != nil {
		return report.Tree{}, err
	}
	return report.BuildTree(rows), nil
}

// promote turns a failing state into an updated one whose reference is the
// previous actual image.
func promote(st *report.ImageState) {
	if st.ActualImg != nil {
		actual := *st.ActualImg
		st.ExpectedImg = &actual
	}
	st.DiffImg = nil
	st.DiffClusters = nil
	st.Status = report.StatusUpdated
}

func cloneAttempt(a report.TestAttempt) report.TestAttempt {
	out := a
	out.SuitePath = append([]string(nil), a.SuitePath...)
	out.ImagesInfo = make([]report.ImageState, len(a.ImagesInfo))
	copy(out.ImagesInfo, a.ImagesInfo)
	return out
}

func rejectReason(err error) string {
	var na *report.NotAcceptableError
	switch {
	case errors.As(err, &na):
		return "not_acceptable"
	case errors.Is(err, report.ErrNotFound):
		return "not_found"
	default:
		return "store"
	}
}
