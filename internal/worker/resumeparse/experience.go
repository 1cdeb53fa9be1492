package resumeparse

import (
	"math"
	"sort"
	"time"

	"github.com/hirelens/pipeline/internal/domain"
)

const daysPerYear = 365.25

// TotalYears computes total professional experience from employment
// intervals: open intervals end at now, overlapping intervals are unioned so
// concurrent positions never double-count. Vendor-reported totals are
// ignored in favor of this local computation.
func TotalYears(spans []domain.Experience, now time.Time) float64 {
	type interval struct{ start, end time.Time }
	ivs := make([]interval, 0, len(spans))
	for _, e := range spans {
		end := now
		if e.EndDate != nil {
			end = *e.EndDate
		}
		if end.Before(e.StartDate) {
			continue
		}
		ivs = append(ivs, interval{start: e.StartDate, end: end})
	}
	if len(ivs) == 0 {
		return 0
	}
	sort.Slice(ivs, func(i, j int) bool { return ivs[i].start.Before(ivs[j].start) })

	var days float64
	cur := ivs[0]
	for _, iv := range ivs[1:] {
		if !iv.start.After(cur.end) {
			if iv.end.After(cur.end) {
				cur.end = iv.end
			}
			continue
		}
		days += cur.end.Sub(cur.start).Hours() / 24
		cur = iv
	}
	days += cur.end.Sub(cur.start).Hours() / 24

	return math.Floor(days/daysPerYear*100+0.5) / 100
}
