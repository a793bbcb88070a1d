package types

import (
	"fmt"
	"time"
)

// PartitionLayout is the time partition key format (UTC day).
const PartitionLayout = "20060102"

// DateLayout is the format of date strings in client-supplied ranges.
const DateLayout = "2006-01-02"

// PartitionFor returns the partition key for t (YYYYMMDD in UTC).
func PartitionFor(t time.Time) string {
	return t.UTC().Format(PartitionLayout)
}

// PartitionTime parses a partition key back to midnight UTC of that day.
func PartitionTime(key string) (time.Time, error) {
	t, err := time.ParseInLocation(PartitionLayout, key, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid partition key %q: %w", key, err)
	}
	return t, nil
}

// TimeRange is a half-open range of partition keys [Start, End).
// An empty Start or End leaves that side unbounded.
type TimeRange struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// Contains reports whether the partition key falls inside the range.
// Keys are fixed-width YYYYMMDD so lexical order equals date order.
func (r TimeRange) Contains(partition string) bool {
	if r.Start != "" && partition < r.Start {
		return false
	}
	if r.End != "" && partition >= r.End {
		return false
	}
	return true
}

// InRanges reports whether the partition is covered by any range.
// No ranges means the whole table.
func InRanges(partition string, ranges []TimeRange) bool {
	if len(ranges) == 0 {
		return true
	}
	for _, r := range ranges {
		if r.Contains(partition) {
			return true
		}
	}
	return false
}

// ParseRange builds a TimeRange from "YYYY-MM-DD" dates; end is exclusive.
func ParseRange(start, end string) (TimeRange, error) {
	var r TimeRange
	if start != "" {
		t, err := time.ParseInLocation(DateLayout, start, time.UTC)
		if err != nil {
			return TimeRange{}, fmt.Errorf("invalid range start %q: %w", start, err)
		}
		r.Start = PartitionFor(t)
	}
	if end != "" {
		t, err := time.ParseInLocation(DateLayout, end, time.UTC)
		if err != nil {
			return TimeRange{}, fmt.Errorf("invalid range end %q: %w", end, err)
		}
		r.End = PartitionFor(t)
	}
	if r.Start != "" && r.End != "" && r.Start >= r.End {
		return TimeRange{}, fmt.Errorf("range start %s must be before end %s", start, end)
	}
	return r, nil
}

// DayRange returns the range covering exactly the day of t.
func DayRange(t time.Time) TimeRange {
	day := t.UTC().Truncate(24 * time.Hour)
	return TimeRange{Start: PartitionFor(day), End: PartitionFor(day.AddDate(0, 0, 1))}
}
