// Package calendar splits acquisition ranges into calendar-month windows.
package calendar

import (
	"time"

	"histflow/models"
)

// MonthStart returns 00:00 on the first day of t's month, in t's location.
func MonthStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location())
}

// NextMonth returns the first instant of the month after t's month.
func NextMonth(t time.Time) time.Time {
	return MonthStart(t).AddDate(0, 1, 0)
}

// Partition splits [start, end) into contiguous month windows. The first
// window begins at start, every later window begins on the first of a month
// and the last one is clipped to end. It returns nil when start is not
// before end.
func Partition(start, end time.Time) []models.MonthWindow {
	if !start.Before(end) {
		return nil
	}
	var windows []models.MonthWindow
	cursor := start
	for cursor.Before(end) {
		next := NextMonth(cursor)
		if next.After(end) {
			next = end
		}
		windows = append(windows, models.MonthWindow{Start: cursor, End: next})
		cursor = next
	}
	return windows
}

// PartitionRange is Partition over a DateRange.
func PartitionRange(r models.DateRange) []models.MonthWindow {
	return Partition(r.Start, r.End)
}
