package crawler

import "github.com/ericvolp12/feedcrawl/pkg/feed"

// StopFunc inspects the pages processed so far in a run and reports whether
// the run should end early.
type StopFunc func(pages []feed.BatchResult) bool

// DuplicateSaturation stops once the last consecutive pages each had at
// least ratio of their records already stored. Pages that returned nothing
// count as saturated.
func DuplicateSaturation(ratio float64, consecutive int) StopFunc {
	if consecutive < 1 {
		consecutive = 1
	}
	return func(pages []feed.BatchResult) bool {
		if len(pages) < consecutive {
			return false
		}
		for _, p := range pages[len(pages)-consecutive:] {
			if !saturated(p, ratio) {
				return false
			}
		}
		return true
	}
}

func saturated(p feed.BatchResult, ratio float64) bool {
	if p.RecordsFetched == 0 {
		return true
	}
	return float64(p.Duplicates)/float64(p.RecordsFetched) >= ratio
}
