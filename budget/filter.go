// Package budget bounds the geometric complexity handed to the renderer.
package budget

import (
	"sort"

	"github.com/richinex/annolayer/model"
)

// Result is the outcome of a Filter call.
// Kept is not guaranteed to preserve input order.
type Result struct {
	Kept          []model.Element
	SkippedCount  int
	SkippedPoints int
}

// Filter applies a per-element point cap and then a total point cap.
//
// Pass 1 drops every element with more than perElementMax points.
// Pass 2 runs only when the survivors exceed totalMax: survivors are sorted by
// point count, largest first (ties keep input order), and accepted greedily
// while the running total stays within totalMax. Largest shapes are therefore
// evicted before small ones.
//
// A limit <= 0 disables that cap.
func Filter(elements []model.Element, perElementMax, totalMax int) Result {
	var res Result
	survivors := make([]model.Element, 0, len(elements))
	total := 0

	for _, e := range elements {
		n := e.PointCount()
		if perElementMax > 0 && n > perElementMax {
			res.SkippedCount++
			res.SkippedPoints += n
			continue
		}
		survivors = append(survivors, e)
		total += n
	}

	if totalMax <= 0 || total <= totalMax {
		res.Kept = survivors
		return res
	}

	sort.SliceStable(survivors, func(i, j int) bool {
		return survivors[i].PointCount() > survivors[j].PointCount()
	})

	res.Kept = make([]model.Element, 0, len(survivors))
	running := 0
	for _, e := range survivors {
		n := e.PointCount()
		if running+n > totalMax {
			res.SkippedCount++
			res.SkippedPoints += n
			continue
		}
		running += n
		res.Kept = append(res.Kept, e)
	}
	return res
}
