package goals

import (
	"sort"

	"siteline/internal/events"
)

// sortRecords orders records by timestamp. Page views sort before events at
// the same instant, then by id.
func sortRecords(records []events.Record) {
	sort.SliceStable(records, func(i, j int) bool {
		a, b := records[i], records[j]
		if !a.Timestamp().Equal(b.Timestamp()) {
			return a.Timestamp().Before(b.Timestamp())
		}
		if a.Kind() != b.Kind() {
			return a.Kind() == events.KindPageView
		}
		return a.ID() < b.ID()
	})
}
