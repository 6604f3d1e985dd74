package reader

import (
	"context"
	"sort"
	"time"

	"histflow/models"
)

// PageOrder tells Paginate which end of the requested range a provider
// fills first when a page is truncated.
type PageOrder int

const (
	OldestFirst PageOrder = iota
	NewestFirst
)

// PageFunc requests the bars opening within the inclusive [from, to] range.
type PageFunc func(ctx context.Context, from, to time.Time) ([]models.Bar, error)

// Paginate collects every bar of w using pages of at most limit rows. The
// result is sorted by time and only holds bars opening inside w.
func Paginate(ctx context.Context, w models.MonthWindow, limit int, order PageOrder, fetch PageFunc) ([]models.Bar, error) {
	from := w.Start
	to := w.End.Add(-time.Millisecond)
	var out []models.Bar
	for !to.Before(from) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page, err := fetch(ctx, from, to)
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			break
		}
		oldest, newest := page[0].Time, page[0].Time
		for _, b := range page {
			if b.Time.Before(oldest) {
				oldest = b.Time
			}
			if b.Time.After(newest) {
				newest = b.Time
			}
			if w.Contains(b.Time) {
				out = append(out, b)
			}
		}
		if limit <= 0 || len(page) < limit {
			break
		}
		switch order {
		case OldestFirst:
			next := newest.Add(time.Millisecond)
			if !next.After(from) {
				return sortBars(out), nil
			}
			from = next
		case NewestFirst:
			prev := oldest.Add(-time.Millisecond)
			if !prev.Before(to) {
				return sortBars(out), nil
			}
			to = prev
		}
	}
	return sortBars(out), nil
}

func sortBars(bars []models.Bar) []models.Bar {
	sort.SliceStable(bars, func(i, j int) bool { return bars[i].Time.Before(bars[j].Time) })
	return bars
}

// PaginateSpans requests w in consecutive inclusive spans no longer than
// span. It suits providers whose truncation order is undocumented: span is
// chosen so that a single request never exceeds the provider's row limit.
func PaginateSpans(ctx context.Context, w models.MonthWindow, span time.Duration, fetch PageFunc) ([]models.Bar, error) {
	if span <= 0 {
		span = w.End.Sub(w.Start)
	}
	var out []models.Bar
	for from := w.Start; from.Before(w.End); from = from.Add(span) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		to := from.Add(span - time.Millisecond)
		if last := w.End.Add(-time.Millisecond); to.After(last) {
			to = last
		}
		page, err := fetch(ctx, from, to)
		if err != nil {
			return nil, err
		}
		for _, b := range page {
			if w.Contains(b.Time) {
				out = append(out, b)
			}
		}
	}
	return sortBars(out), nil
}
