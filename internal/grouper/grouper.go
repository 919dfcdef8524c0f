// Package grouper clusters folders by weighted-Jaccard similarity over
// their file identity weights, selects a canonical member per cluster,
// and suppresses clusters wholly descended from an already-accepted
// one.
//
// Candidate generation is bucket-pruned rather than the full
// O(N²) pairwise scan; each bucket's intersection work fans out via
// golang.org/x/sync/errgroup, the same supervised-fan-out primitive
// mutagen-io/mutagen uses for its own parallel tree comparisons, so a
// single bucket's error aborts the whole grouping phase instead of
// being silently dropped.
package grouper

import (
	"context"
	"math/bits"
	"runtime"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/ivoronin/folderdedup/internal/store"
	"github.com/ivoronin/folderdedup/internal/types"
)

// DefaultMinSimilarity is the grouper's default Jaccard threshold.
const DefaultMinSimilarity = 0.80

// maxPreClusterSize bounds how large a connected component can grow
// before it is split by greedy sub-clustering.
const maxPreClusterSize = 16

// sparseEdgeThreshold is the cluster size above which only
// max-spanning + canonical-incident edges are emitted.
const sparseEdgeThreshold = 8

// Options configures a grouping pass.
type Options struct {
	MinSimilarity float64 // default DefaultMinSimilarity if zero
	Concurrency   int     // bucket-parallel workers; 0 = NumCPU
}

type candidate struct {
	a, b int // indices into folders
}

type edge struct {
	a, b int
	sim  float64
}

// Group clusters every FolderInfo in st and returns the surviving
// groups (post descendant-suppression), ordered by canonical depth
// ascending.
func Group(ctx context.Context, st *store.Store, opts Options) ([]*types.GroupInfo, error) {
	threshold := opts.MinSimilarity
	if threshold <= 0 {
		threshold = DefaultMinSimilarity
	}

	var folders []*types.FolderInfo
	if err := st.All(func(fi *types.FolderInfo) bool {
		folders = append(folders, fi)
		return true
	}); err != nil {
		return nil, err
	}

	buckets := bucketFolders(folders)
	candidates := generateCandidates(buckets, folders, threshold)
	edges, err := computeSimilarities(ctx, folders, candidates, threshold, opts.Concurrency)
	if err != nil {
		return nil, err
	}

	components := connectedComponents(len(folders), edges)
	simIndex := indexEdges(edges)

	var groups []*types.GroupInfo
	for _, comp := range components {
		if len(comp) < 2 {
			continue
		}
		for _, members := range subCluster(comp, simIndex) {
			if len(members) < 2 {
				continue
			}
			g := buildGroup(folders, members, simIndex, threshold)
			groups = append(groups, g)
		}
	}

	sort.Slice(groups, func(i, j int) bool {
		di, dj := depth(groups[i].Canonical().RelativePath), depth(groups[j].Canonical().RelativePath)
		if di != dj {
			return di < dj
		}
		return groups[i].Canonical().RelativePath < groups[j].Canonical().RelativePath
	})

	return suppressDescendants(groups), nil
}

// bucketKey is (⌊log2 total_bytes⌋, ⌊log2 file_count⌋).
type bucketKey struct {
	bytesLog, countLog int
}

func bucketFolders(folders []*types.FolderInfo) map[bucketKey][]int {
	buckets := make(map[bucketKey][]int)
	for i, fi := range folders {
		if fi.TotalBytes == 0 && fi.FileCount == 0 {
			continue // empty folders never group
		}
		key := bucketKey{bytesLog: log2Floor(fi.TotalBytes), countLog: log2Floor(int64(fi.FileCount))}
		buckets[key] = append(buckets[key], i)
	}
	return buckets
}

func log2Floor(n int64) int {
	if n <= 0 {
		return 0
	}
	return bits.Len64(uint64(n)) - 1
}

func generateCandidates(buckets map[bucketKey][]int, folders []*types.FolderInfo, threshold float64) []candidate {
	var out []candidate
	for _, indices := range buckets {
		for i := 0; i < len(indices); i++ {
			for j := i + 1; j < len(indices); j++ {
				a, b := folders[indices[i]], folders[indices[j]]
				if sizeRatioPasses(a.TotalBytes, b.TotalBytes, threshold) {
					out = append(out, candidate{a: indices[i], b: indices[j]})
				}
			}
		}
	}
	return out
}

func sizeRatioPasses(aTotal, bTotal int64, threshold float64) bool {
	if aTotal == 0 || bTotal == 0 {
		return false
	}
	minT, maxT := float64(aTotal), float64(bTotal)
	if minT > maxT {
		minT, maxT = maxT, minT
	}
	return minT/maxT >= threshold
}

// computeSimilarities evaluates weighted Jaccard for each candidate
// pair concurrently, via streaming intersection over the smaller
// file_weights map, keeping only pairs meeting threshold.
func computeSimilarities(ctx context.Context, folders []*types.FolderInfo, candidates []candidate, threshold float64, concurrency int) ([]edge, error) {
	results := make([]edge, len(candidates))
	ok := make([]bool, len(candidates))

	if concurrency <= 0 {
		concurrency = runtime.NumCPU()
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	for idx, c := range candidates {
		idx, c := idx, c
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return gctx.Err()
			default:
			}
			sim := weightedJaccard(folders[c.a].FileWeights, folders[c.b].FileWeights)
			if sim >= threshold {
				results[idx] = edge{a: c.a, b: c.b, sim: sim}
				ok[idx] = true
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var edges []edge
	for i, keep := range ok {
		if keep {
			edges = append(edges, results[i])
		}
	}
	return edges, nil
}

// weightedJaccard streams over the smaller map so the work is
// bounded by min(len(wA), len(wB)) rather than the union size.
func weightedJaccard(wA, wB map[types.Identity]int64) float64 {
	if len(wA) == 0 && len(wB) == 0 {
		return 0
	}
	small, large := wA, wB
	if len(wB) < len(wA) {
		small, large = wB, wA
	}

	var num, den float64
	seen := make(map[types.Identity]bool, len(small))
	for k, sv := range small {
		lv := large[k]
		num += float64(min64(sv, lv))
		den += float64(max64(sv, lv))
		seen[k] = true
	}
	for k, lv := range large {
		if seen[k] {
			continue
		}
		num += 0
		den += float64(lv)
	}
	if den == 0 {
		return 0
	}
	return num / den
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// connectedComponents finds components of the graph (n vertices, the
// given edges) via union-find.
func connectedComponents(n int, edges []edge) [][]int {
	parent := make([]int, n)
	for i := range parent {
		parent[i] = i
	}
	var find func(int) int
	find = func(x int) int {
		for parent[x] != x {
			parent[x] = parent[parent[x]]
			x = parent[x]
		}
		return x
	}
	union := func(a, b int) {
		ra, rb := find(a), find(b)
		if ra != rb {
			parent[ra] = rb
		}
	}
	for _, e := range edges {
		union(e.a, e.b)
	}

	groupsByRoot := make(map[int][]int)
	touched := make(map[int]bool)
	for _, e := range edges {
		touched[e.a] = true
		touched[e.b] = true
	}
	for v := range touched {
		r := find(v)
		groupsByRoot[r] = append(groupsByRoot[r], v)
	}

	var components [][]int
	for _, members := range groupsByRoot {
		sort.Ints(members)
		components = append(components, members)
	}
	return components
}

func indexEdges(edges []edge) map[[2]int]float64 {
	idx := make(map[[2]int]float64, len(edges))
	for _, e := range edges {
		a, b := e.a, e.b
		if a > b {
			a, b = b, a
		}
		idx[[2]int{a, b}] = e.sim
	}
	return idx
}

func simOf(idx map[[2]int]float64, a, b int) (float64, bool) {
	if a > b {
		a, b = b, a
	}
	sim, ok := idx[[2]int{a, b}]
	return sim, ok
}

// subCluster splits a pre-cluster larger than K into one or more
// bounded sub-clusters via greedy max-similarity expansion from the
// highest-degree vertex.
func subCluster(component []int, simIndex map[[2]int]float64) [][]int {
	if len(component) <= maxPreClusterSize {
		return [][]int{component}
	}

	remaining := make(map[int]bool, len(component))
	for _, v := range component {
		remaining[v] = true
	}

	degree := make(map[int]int)
	for _, v := range component {
		for _, w := range component {
			if v == w {
				continue
			}
			if _, ok := simOf(simIndex, v, w); ok {
				degree[v]++
			}
		}
	}

	var subClusters [][]int
	for len(remaining) > 0 {
		seed := highestDegreeAmong(remaining, degree)
		cluster := []int{seed}
		delete(remaining, seed)

		for len(cluster) < maxPreClusterSize && len(remaining) > 0 {
			best, bestSim := -1, -1.0
			for cand := range remaining {
				// Max similarity to any current cluster member.
				localBest := -1.0
				for _, m := range cluster {
					if sim, ok := simOf(simIndex, cand, m); ok && sim > localBest {
						localBest = sim
					}
				}
				if localBest > bestSim {
					best, bestSim = cand, localBest
				}
			}
			if best < 0 || bestSim < 0 {
				break
			}
			cluster = append(cluster, best)
			delete(remaining, best)
		}
		sort.Ints(cluster)
		subClusters = append(subClusters, cluster)
	}
	return subClusters
}

func highestDegreeAmong(remaining map[int]bool, degree map[int]int) int {
	best, bestDeg := -1, -1
	for v := range remaining {
		if degree[v] > bestDeg || (degree[v] == bestDeg && v < best) {
			best, bestDeg = v, degree[v]
		}
	}
	return best
}

func buildGroup(folders []*types.FolderInfo, members []int, simIndex map[[2]int]float64, threshold float64) *types.GroupInfo {
	sort.Slice(members, func(i, j int) bool {
		return folderLess(folders[members[i]], folders[members[j]])
	})

	groupFolders := make([]*types.FolderInfo, len(members))
	for i, idx := range members {
		groupFolders[i] = folders[idx]
	}

	label := classify(groupFolders, members, simIndex, threshold)
	pairs := pairwiseEdges(members, simIndex)

	return &types.GroupInfo{
		GroupID:            groupID(groupFolders),
		Label:              label,
		CanonicalIndex:     0, // members are pre-sorted canonical-first
		Members:            groupFolders,
		PairwiseSimilarity: pairs,
	}
}

// folderLess orders canonical selection: shallowest depth first, then
// lexicographic relative path.
func folderLess(a, b *types.FolderInfo) bool {
	da, db := depth(a.RelativePath), depth(b.RelativePath)
	if da != db {
		return da < db
	}
	return a.RelativePath < b.RelativePath
}

func depth(relPath string) int {
	if relPath == "." {
		return 0
	}
	return strings.Count(relPath, "/") + 1
}

func classify(members []*types.FolderInfo, indices []int, simIndex map[[2]int]float64, threshold float64) types.GroupLabel {
	allIdentical := true
	for i := 0; i < len(indices); i++ {
		for j := i + 1; j < len(indices); j++ {
			sim, ok := simOf(simIndex, indices[i], indices[j])
			if !ok || sim < threshold {
				// Should not happen within a connected sub-cluster pair
				// unless pruned by sub-clustering; treat as non-identical.
				allIdentical = false
				continue
			}
			if sim < 1.0 || members[i].TotalBytes != members[j].TotalBytes || members[i].FileCount != members[j].FileCount {
				allIdentical = false
			}
		}
	}
	if allIdentical {
		return types.LabelIdentical
	}
	return types.LabelNearDuplicate
}

// pairwiseEdges emits the full matrix for small clusters, or
// max-spanning-tree + canonical-incident edges for clusters larger
// than sparseEdgeThreshold.
func pairwiseEdges(indices []int, simIndex map[[2]int]float64) []types.PairSimilarity {
	n := len(indices)
	if n <= sparseEdgeThreshold {
		var pairs []types.PairSimilarity
		for i := 0; i < n; i++ {
			for j := i + 1; j < n; j++ {
				if sim, ok := simOf(simIndex, indices[i], indices[j]); ok {
					pairs = append(pairs, types.PairSimilarity{I: i, J: j, Sim: sim})
				}
			}
		}
		return pairs
	}
	return sparseEdges(indices, simIndex)
}

func sparseEdges(indices []int, simIndex map[[2]int]float64) []types.PairSimilarity {
	n := len(indices)
	seen := make(map[[2]int]bool)
	var pairs []types.PairSimilarity

	add := func(i, j int) {
		a, b := i, j
		if a > b {
			a, b = b, a
		}
		if seen[[2]int{a, b}] {
			return
		}
		if sim, ok := simOf(simIndex, indices[a], indices[b]); ok {
			pairs = append(pairs, types.PairSimilarity{I: a, J: b, Sim: sim})
			seen[[2]int{a, b}] = true
		}
	}

	// Max-spanning tree via a simple Prim's variant over available
	// similarity edges.
	inTree := make([]bool, n)
	inTree[0] = true
	for count := 1; count < n; count++ {
		bestI, bestJ, bestSim := -1, -1, -1.0
		for i := 0; i < n; i++ {
			if !inTree[i] {
				continue
			}
			for j := 0; j < n; j++ {
				if inTree[j] {
					continue
				}
				if sim, ok := simOf(simIndex, indices[i], indices[j]); ok && sim > bestSim {
					bestI, bestJ, bestSim = i, j, sim
				}
			}
		}
		if bestJ < 0 {
			break
		}
		add(bestI, bestJ)
		inTree[bestJ] = true
	}

	// Canonical (index 0) incident edges.
	for j := 1; j < n; j++ {
		add(0, j)
	}

	return pairs
}

func groupID(members []*types.FolderInfo) string {
	parts := make([]string, len(members))
	for i, m := range members {
		parts[i] = m.RelativePath
	}
	sort.Strings(parts)
	return strings.Join(parts, "|")
}

// suppressDescendants drops any group whose every member is a strict
// descendant of some member of an already-accepted group, crossing
// labels. The flag lands on the specific accepted group(s) the
// suppressed group's members actually descend from, not on whichever
// group happened to be accepted immediately before it.
func suppressDescendants(groups []*types.GroupInfo) []*types.GroupInfo {
	var accepted []*types.GroupInfo
	pathOwner := make(map[string]*types.GroupInfo)

	for _, g := range groups {
		ancestorOwners := make(map[*types.GroupInfo]bool)
		suppressed := true
		for _, m := range g.Members {
			owner := nearestAncestorOwner(m.RelativePath, pathOwner)
			if owner == nil {
				suppressed = false
				break
			}
			ancestorOwners[owner] = true
		}
		if suppressed {
			for owner := range ancestorOwners {
				owner.SuppressedDescendants = true
			}
			continue
		}
		accepted = append(accepted, g)
		for _, m := range g.Members {
			pathOwner[m.RelativePath] = g
		}
	}
	return accepted
}

// nearestAncestorOwner returns the accepted group owning the deepest
// strict ancestor path of relPath, or nil if relPath descends from no
// accepted path.
func nearestAncestorOwner(relPath string, pathOwner map[string]*types.GroupInfo) *types.GroupInfo {
	var best *types.GroupInfo
	bestDepth := -1
	for path, owner := range pathOwner {
		if isStrictDescendant(relPath, path) && depth(path) > bestDepth {
			best = owner
			bestDepth = depth(path)
		}
	}
	return best
}

func isStrictDescendant(relPath, ancestor string) bool {
	if ancestor == "." {
		return relPath != "."
	}
	return strings.HasPrefix(relPath, ancestor+"/")
}
