package grouper

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/ivoronin/folderdedup/internal/store"
	"github.com/ivoronin/folderdedup/internal/types"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "folders.db"))
	if err != nil {
		t.Fatalf("store.Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func putFolder(t *testing.T, st *store.Store, relPath string, weights map[types.Identity]int64, fileCount int) {
	t.Helper()
	fi := types.NewFolderInfo("/root/"+relPath, relPath, weights, fileCount, false)
	if err := st.Put(fi); err != nil {
		t.Fatalf("Put(%s) failed: %v", relPath, err)
	}
}

// TestGroupNestedIdenticalFolders mirrors the "nested identical X
// folders" scenario: X, A/X, B/nested/X all contain the identical file
// f (1024 bytes). Expected one identical group, canonical X.
func TestGroupNestedIdenticalFolders(t *testing.T) {
	st := newTestStore(t)
	weights := map[types.Identity]int64{"f.txt\x001024": 1024}

	putFolder(t, st, "X", weights, 1)
	putFolder(t, st, "A/X", weights, 1)
	putFolder(t, st, "B/nested/X", weights, 1)

	// A and B each carry enough additional unrelated content (rolled up
	// from files outside X) that their similarity to X falls below
	// threshold, even though X's contents are a subset of theirs.
	withExtra := map[types.Identity]int64{"f.txt\x001024": 1024}
	for i := 0; i < 20; i++ {
		withExtra[types.Identity(string(rune('g'+i))+"\x00999999")] = 999999
	}
	putFolder(t, st, "A", withExtra, 21)
	putFolder(t, st, "B", withExtra, 21)
	putFolder(t, st, "B/nested", withExtra, 21)

	groups, err := Group(context.Background(), st, Options{})
	if err != nil {
		t.Fatalf("Group() failed: %v", err)
	}

	var xGroup *types.GroupInfo
	for _, g := range groups {
		if g.Canonical().RelativePath == "X" {
			xGroup = g
		}
	}
	if xGroup == nil {
		t.Fatalf("no group with canonical X found among %d groups", len(groups))
	}
	if xGroup.Label != types.LabelIdentical {
		t.Errorf("expected identical label, got %s", xGroup.Label)
	}
	if len(xGroup.Members) != 3 {
		t.Errorf("expected 3 members, got %d: %+v", len(xGroup.Members), xGroup.Members)
	}
}

func TestGroupEmptyFoldersNeverGroup(t *testing.T) {
	st := newTestStore(t)
	putFolder(t, st, "empty1", nil, 0)
	putFolder(t, st, "empty2", nil, 0)

	groups, err := Group(context.Background(), st, Options{})
	if err != nil {
		t.Fatalf("Group() failed: %v", err)
	}
	if len(groups) != 0 {
		t.Errorf("expected no groups for empty folders, got %d", len(groups))
	}
}

func TestGroupThresholdDemotesNearDuplicate(t *testing.T) {
	st := newTestStore(t)
	wA := map[types.Identity]int64{"a\x00100": 100, "b\x00100": 100, "c\x00100": 100, "d\x00100": 100}
	wB := map[types.Identity]int64{"a\x00100": 100, "b\x00100": 100, "c\x00100": 100, "e\x00100": 100}

	putFolder(t, st, "p", wA, 4)
	putFolder(t, st, "q", wB, 4)

	groups, err := Group(context.Background(), st, Options{MinSimilarity: 0.5})
	if err != nil {
		t.Fatalf("Group() failed: %v", err)
	}
	if len(groups) != 1 {
		t.Fatalf("expected 1 group, got %d", len(groups))
	}
	if groups[0].Label != types.LabelNearDuplicate {
		t.Errorf("expected near_duplicate, got %s", groups[0].Label)
	}
}

func TestGroupCanonicalIsShallowestThenLexicographic(t *testing.T) {
	st := newTestStore(t)
	weights := map[types.Identity]int64{"f\x001": 1}

	putFolder(t, st, "z/deep", weights, 1)
	putFolder(t, st, "shallow", weights, 1)

	groups, err := Group(context.Background(), st, Options{})
	if err != nil {
		t.Fatalf("Group() failed: %v", err)
	}
	if len(groups) != 1 {
		t.Fatalf("expected 1 group, got %d", len(groups))
	}
	if groups[0].Canonical().RelativePath != "shallow" {
		t.Errorf("expected canonical=shallow, got %s", groups[0].Canonical().RelativePath)
	}
}

func TestGroupDescendantSuppression(t *testing.T) {
	st := newTestStore(t)
	parentWeights := map[types.Identity]int64{"x\x001": 1, "y\x001": 1}

	// Two parents identical to each other (contain the same two files),
	// and their respective X subfolders are also identical to each
	// other. The parent group must suppress the child group.
	putFolder(t, st, "A", parentWeights, 2)
	putFolder(t, st, "B", parentWeights, 2)
	putFolder(t, st, "A/X", map[types.Identity]int64{"x\x001": 1}, 1)
	putFolder(t, st, "B/X", map[types.Identity]int64{"x\x001": 1}, 1)

	groups, err := Group(context.Background(), st, Options{})
	if err != nil {
		t.Fatalf("Group() failed: %v", err)
	}

	for _, g := range groups {
		if g.Canonical().RelativePath == "A/X" || g.Canonical().RelativePath == "B/X" {
			t.Errorf("expected A/X,B/X group to be suppressed by A,B group, found %+v", g)
		}
	}
}

// TestGroupDescendantSuppressionFlagsTrueAncestorNotSibling guards
// against attributing SuppressedDescendants to whichever equal-depth
// group happens to sort adjacent to the suppressed one: an unrelated
// sibling group (M, N) accepted at the same depth as the true parent
// (A, B) must never receive the flag meant for the parent.
func TestGroupDescendantSuppressionFlagsTrueAncestorNotSibling(t *testing.T) {
	st := newTestStore(t)
	parentWeights := map[types.Identity]int64{"x\x001": 1, "y\x001": 1}
	otherWeights := map[types.Identity]int64{"m\x001": 1, "n\x001": 1}

	putFolder(t, st, "A", parentWeights, 2)
	putFolder(t, st, "B", parentWeights, 2)
	putFolder(t, st, "M", otherWeights, 2)
	putFolder(t, st, "N", otherWeights, 2)
	putFolder(t, st, "A/X", map[types.Identity]int64{"x\x001": 1}, 1)
	putFolder(t, st, "B/X", map[types.Identity]int64{"x\x001": 1}, 1)

	groups, err := Group(context.Background(), st, Options{})
	if err != nil {
		t.Fatalf("Group() failed: %v", err)
	}

	var parentGroup, otherGroup *types.GroupInfo
	for _, g := range groups {
		switch g.Canonical().RelativePath {
		case "A":
			parentGroup = g
		case "M":
			otherGroup = g
		}
	}
	if parentGroup == nil {
		t.Fatalf("expected a group canonicalized at A among %+v", groups)
	}
	if otherGroup == nil {
		t.Fatalf("expected a group canonicalized at M among %+v", groups)
	}
	if !parentGroup.SuppressedDescendants {
		t.Errorf("expected A,B group (the true ancestor of A/X,B/X) to carry SuppressedDescendants")
	}
	if otherGroup.SuppressedDescendants {
		t.Errorf("unrelated M,N group must not carry SuppressedDescendants")
	}
}

// TestGroupOrderingIsDeterministicForEqualDepthGroups guards repeated-scan
// stability: equal-depth groups must come out in a stable order across
// repeated calls, not whatever order map iteration and an untied
// sort.Slice happen to produce.
func TestGroupOrderingIsDeterministicForEqualDepthGroups(t *testing.T) {
	st := newTestStore(t)
	putFolder(t, st, "A", map[types.Identity]int64{"x\x001": 1, "y\x001": 1}, 2)
	putFolder(t, st, "B", map[types.Identity]int64{"x\x001": 1, "y\x001": 1}, 2)
	putFolder(t, st, "M", map[types.Identity]int64{"m\x001": 1, "n\x001": 1}, 2)
	putFolder(t, st, "N", map[types.Identity]int64{"m\x001": 1, "n\x001": 1}, 2)

	var orders [][]string
	for i := 0; i < 5; i++ {
		groups, err := Group(context.Background(), st, Options{})
		if err != nil {
			t.Fatalf("Group() failed: %v", err)
		}
		var order []string
		for _, g := range groups {
			order = append(order, g.Canonical().RelativePath)
		}
		orders = append(orders, order)
	}
	for i := 1; i < len(orders); i++ {
		if len(orders[i]) != len(orders[0]) {
			t.Fatalf("run %d produced %v, run 0 produced %v", i, orders[i], orders[0])
		}
		for j := range orders[0] {
			if orders[i][j] != orders[0][j] {
				t.Errorf("run %d order %v diverges from run 0 order %v", i, orders[i], orders[0])
			}
		}
	}
}
