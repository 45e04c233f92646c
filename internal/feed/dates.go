package feed

import "time"

// dateStep separates synthesized dates of consecutive undated entries.
const dateStep = time.Second

// assignDates returns one date per entry. Entries with a publish time keep
// it; an undated entry at position i gets fetchedAt, truncated to the
// second, minus i steps. Dates therefore decrease along the document: an
// entry earlier in the document gets a later date than the ones after it,
// matching feeds that list newest first, and sorting by date descending
// reproduces document order.
func assignDates(entries []ParsedEntry, fetchedAt time.Time) []time.Time {
	base := fetchedAt.UTC().Truncate(time.Second)
	dates := make([]time.Time, len(entries))
	for i, e := range entries {
		if e.Published != nil {
			dates[i] = e.Published.UTC()
			continue
		}
		dates[i] = base.Add(-time.Duration(i) * dateStep)
	}
	return dates
}
