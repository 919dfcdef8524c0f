// Package diffproj computes the identity-weight difference between
// two folders already indexed by a scan's fingerprint store.
package diffproj

import (
	"fmt"
	"sort"

	"github.com/ivoronin/folderdedup/internal/store"
	"github.com/ivoronin/folderdedup/internal/types"
)

// Entry is one identity present on only one side, or on both sides
// with differing weights.
type Entry struct {
	Identity    types.Identity
	LeftWeight  int64 // 0 if absent on the left
	RightWeight int64 // 0 if absent on the right
}

// Diff is the result of comparing two FolderInfo records.
type Diff struct {
	OnlyLeft   []Entry
	OnlyRight  []Entry
	Mismatched []Entry
}

// Compute loads leftRel and rightRel from st and produces their diff,
// Entries within each section are sorted by weight
// descending, then identity ascending for a stable, reviewable order.
func Compute(st *store.Store, leftRel, rightRel string) (*Diff, error) {
	left, err := st.Get(leftRel)
	if err != nil {
		return nil, fmt.Errorf("load %q: %w", leftRel, err)
	}
	if left == nil {
		return nil, fmt.Errorf("folder not found in index: %q", leftRel)
	}
	right, err := st.Get(rightRel)
	if err != nil {
		return nil, fmt.Errorf("load %q: %w", rightRel, err)
	}
	if right == nil {
		return nil, fmt.Errorf("folder not found in index: %q", rightRel)
	}

	d := &Diff{}
	for id, lw := range left.FileWeights {
		rw, ok := right.FileWeights[id]
		switch {
		case !ok:
			d.OnlyLeft = append(d.OnlyLeft, Entry{Identity: id, LeftWeight: lw})
		case rw != lw:
			d.Mismatched = append(d.Mismatched, Entry{Identity: id, LeftWeight: lw, RightWeight: rw})
		}
	}
	for id, rw := range right.FileWeights {
		if _, ok := left.FileWeights[id]; !ok {
			d.OnlyRight = append(d.OnlyRight, Entry{Identity: id, RightWeight: rw})
		}
	}

	sortEntries(d.OnlyLeft, func(e Entry) int64 { return e.LeftWeight })
	sortEntries(d.OnlyRight, func(e Entry) int64 { return e.RightWeight })
	sortEntries(d.Mismatched, func(e Entry) int64 { return max64(e.LeftWeight, e.RightWeight) })

	return d, nil
}

func sortEntries(entries []Entry, weightOf func(Entry) int64) {
	sort.Slice(entries, func(i, j int) bool {
		wi, wj := weightOf(entries[i]), weightOf(entries[j])
		if wi != wj {
			return wi > wj
		}
		return entries[i].Identity < entries[j].Identity
	})
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
