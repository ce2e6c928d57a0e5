// Package purger implements the time-bucketed retention policy: recent items
// are kept densely, older items thin out to one per day, week, month and
// year. The algorithm is pure; callers decide what deletion means.
package purger

import (
	"sort"
	"time"
)

// Purger computes the deletion set for items of type T. Key extracts the
// item's timestamp. End anchors the policy (zero means now); Start, when
// non-nil, exempts everything older than it.
//
// Calendar buckets (day, ISO week, month, year) use the civil calendar in
// End's location.
type Purger[T any] struct {
	Key   func(T) time.Time
	End   time.Time
	Start *time.Time
}

// Purge returns every input item not in the keep set, ordered by key
// ascending. Ties within a bucket go to the latest timestamp; exact ties keep
// the earliest input position.
func (p Purger[T]) Purge(items []T) []T {
	end := p.End
	if end.IsZero() {
		end = time.Now()
	}
	loc := end.Location()

	keep := make([]bool, len(items))

	startOfYesterday := midnight(end, loc).AddDate(0, 0, -1)

	type bucketKey struct {
		kind string
		a, b int
	}
	// bucket -> index of current representative
	reps := map[bucketKey]int{}
	consider := func(k bucketKey, i int) {
		j, ok := reps[k]
		if !ok || p.Key(items[i]).After(p.Key(items[j])) {
			reps[k] = i
		}
	}

	weekCutoff := end.AddDate(0, -1, 0)
	monthCutoff := end.AddDate(0, 0, -365)

	for i, item := range items {
		ts := p.Key(item)

		if p.Start != nil && ts.Before(*p.Start) {
			keep[i] = true
			continue
		}
		if !ts.Before(startOfYesterday) {
			keep[i] = true
			continue
		}

		local := ts.In(loc)
		year, month, day := local.Date()

		if !ts.Before(end.AddDate(0, 0, -7)) {
			consider(bucketKey{"day", year*10000 + int(month)*100 + day, 0}, i)
		}
		if !ts.Before(weekCutoff) {
			isoYear, isoWeek := local.ISOWeek()
			consider(bucketKey{"week", isoYear, isoWeek}, i)
		}
		if !ts.Before(monthCutoff) {
			consider(bucketKey{"month", year, int(month)}, i)
		}
		consider(bucketKey{"year", year, 0}, i)
	}

	for _, i := range reps {
		keep[i] = true
	}

	type indexed struct {
		item T
		pos  int
	}
	var doomed []indexed
	for i, item := range items {
		if !keep[i] {
			doomed = append(doomed, indexed{item, i})
		}
	}
	sort.SliceStable(doomed, func(i, j int) bool {
		a, b := p.Key(doomed[i].item), p.Key(doomed[j].item)
		if a.Equal(b) {
			return doomed[i].pos < doomed[j].pos
		}
		return a.Before(b)
	})

	out := make([]T, len(doomed))
	for i, d := range doomed {
		out[i] = d.item
	}
	return out
}

func midnight(t time.Time, loc *time.Location) time.Time {
	year, month, day := t.In(loc).Date()
	return time.Date(year, month, day, 0, 0, 0, 0, loc)
}
