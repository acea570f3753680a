package job

import (
	"context"
	"errors"
	"iter"
	"log/slog"

	"jobfleet/internal/apperrors"
	"jobfleet/internal/observability"
)

// MaxPageSize is the largest page a backend is asked for.
const MaxPageSize = 100

// Lister follows listing cursors until the backend reports no more pages.
type Lister struct {
	client   Client
	pageSize int
	metrics  *observability.Metrics
	logger   *slog.Logger
}

// NewLister creates a Lister. A pageSize outside (0, MaxPageSize] uses MaxPageSize.
func NewLister(client Client, pageSize int, metrics *observability.Metrics) *Lister {
	if pageSize <= 0 || pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}
	return &Lister{
		client:   client,
		pageSize: pageSize,
		metrics:  metrics,
		logger:   slog.With("component", "lister"),
	}
}

// Page fetches the single page starting at cursor ("" for the first page).
func (l *Lister) Page(ctx context.Context, f Filter, cursor string) (*ListPage, error) {
	if err := ValidateStatus(f.Status); err != nil {
		return nil, err
	}
	page, err := l.client.ListJobs(ctx, ListRequest{
		Status:       f.Status,
		NameContains: f.NameContains,
		PageSize:     l.pageSize,
		Cursor:       cursor,
	})
	if err != nil {
		return nil, err
	}
	l.metrics.RecordListPage(ctx, f.Status)
	return page, nil
}

// All yields every matching job in backend order. Each range
// over the sequence starts again from the first page. A failure is yielded
// once as a pagination error and ends the sequence.
func (l *Lister) All(ctx context.Context, f Filter) iter.Seq2[Summary, error] {
	return func(yield func(Summary, error) bool) {
		cursor := ""
		for n := 1; ; n++ {
			page, err := l.Page(ctx, f, cursor)
			if err != nil {
				if !errors.Is(err, apperrors.ErrValidation) {
					err = apperrors.Pagination(n, err)
				}
				yield(Summary{}, err)
				return
			}
			for _, s := range page.Jobs {
				if !yield(s, nil) {
					return
				}
			}
			if page.NextCursor == "" {
				return
			}
			if page.NextCursor == cursor {
				yield(Summary{}, apperrors.Pagination(n, errors.New("backend returned the same cursor twice")))
				return
			}
			cursor = page.NextCursor
		}
	}
}

// List returns every matching job. On failure partial results are discarded.
func (l *Lister) List(ctx context.Context, f Filter) ([]Summary, error) {
	var jobs []Summary
	for s, err := range l.All(ctx, f) {
		if err != nil {
			l.logger.Error("Job listing failed", "status", f.Status, "nameContains", f.NameContains, "error", err)
			return nil, err
		}
		jobs = append(jobs, s)
	}
	l.logger.Debug("Jobs listed", "status", f.Status, "nameContains", f.NameContains, "count", len(jobs))
	return jobs, nil
}
