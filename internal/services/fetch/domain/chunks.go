package domain

import "time"

// DateChunk is a bounded inclusive sub range of an operation's window
type DateChunk struct {
	Start time.Time
	End   time.Time
}

// Days reports the chunk width in calendar days, inclusive
func (c DateChunk) Days() int {
	return int(c.End.Sub(c.Start).Hours()/24) + 1
}

// SplitRange cuts [since, until] into contiguous non overlapping chunks of
// at most maxDays calendar days. Dates are truncated to midnight UTC.
// The union of the chunks always equals the original range
func SplitRange(since, until time.Time, maxDays int) []DateChunk {
	since = midnight(since)
	until = midnight(until)
	if until.Before(since) {
		return nil
	}
	if maxDays <= 0 {
		maxDays = 7
	}

	var out []DateChunk
	for cur := since; !cur.After(until); {
		end := cur.AddDate(0, 0, maxDays-1)
		if end.After(until) {
			end = until
		}
		out = append(out, DateChunk{Start: cur, End: end})
		cur = end.AddDate(0, 0, 1)
	}
	return out
}

func midnight(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
