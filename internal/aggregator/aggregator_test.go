package aggregator

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/ivoronin/folderdedup/internal/store"
	"github.com/ivoronin/folderdedup/internal/types"
	"github.com/ivoronin/folderdedup/internal/walker"
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

func fixedTime(offsetSeconds int) time.Time {
	return time.Date(2024, 1, 1, 0, 0, offsetSeconds, 0, time.UTC)
}

func TestAggregatorRollsUpChildIntoParent(t *testing.T) {
	st := newTestStore(t)
	a := New(st, Options{Root: "/root", Mode: types.EqualityNameSize, Structure: types.StructureRelative})

	events := make(chan walker.Event, 16)
	events <- walker.Event{Kind: walker.EventFile, File: &types.FileFingerprint{RelativePath: "sub/f.txt", Size: 10, Weight: 10}}
	events <- walker.Event{Kind: walker.EventFolderClosed, FolderRelPath: "sub"}
	events <- walker.Event{Kind: walker.EventFile, File: &types.FileFingerprint{RelativePath: "g.txt", Size: 5, Weight: 5}}
	events <- walker.Event{Kind: walker.EventFolderClosed, FolderRelPath: "."}
	close(events)

	n, err := a.Run(events)
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if n != 2 {
		t.Errorf("folder count = %d, want 2", n)
	}

	root, err := st.Get(".")
	if err != nil {
		t.Fatalf("Get(.) failed: %v", err)
	}
	if root.TotalBytes != 15 {
		t.Errorf("root TotalBytes = %d, want 15 (rolled up from sub)", root.TotalBytes)
	}

	sub, err := st.Get("sub")
	if err != nil {
		t.Fatalf("Get(sub) failed: %v", err)
	}
	if sub.TotalBytes != 10 {
		t.Errorf("sub TotalBytes = %d, want 10", sub.TotalBytes)
	}
}

func TestAggregatorHardlinkAliasContributesZero(t *testing.T) {
	st := newTestStore(t)
	a := New(st, Options{Root: "/root", Mode: types.EqualityNameSize, Structure: types.StructureRelative})

	events := make(chan walker.Event, 8)
	events <- walker.Event{Kind: walker.EventFile, File: &types.FileFingerprint{RelativePath: "big", Size: 1000, Weight: 1000}}
	events <- walker.Event{Kind: walker.EventFile, File: &types.FileFingerprint{RelativePath: "alias", Size: 1000, Weight: 0}}
	events <- walker.Event{Kind: walker.EventFolderClosed, FolderRelPath: "."}
	close(events)

	if _, err := a.Run(events); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}

	root, err := st.Get(".")
	if err != nil {
		t.Fatalf("Get(.) failed: %v", err)
	}
	if root.TotalBytes != 1000 {
		t.Errorf("TotalBytes = %d, want 1000 (alias must not double-count)", root.TotalBytes)
	}
	if root.FileCount != 2 {
		t.Errorf("FileCount = %d, want 2 (both dirents counted)", root.FileCount)
	}
}

func TestAggregatorUnstablePropagatesToParent(t *testing.T) {
	st := newTestStore(t)
	a := New(st, Options{Root: "/root", Mode: types.EqualityNameSize, Structure: types.StructureRelative})

	events := make(chan walker.Event, 8)
	events <- walker.Event{Kind: walker.EventFolderClosed, FolderRelPath: "sub", LocalUnstable: true}
	events <- walker.Event{Kind: walker.EventFolderClosed, FolderRelPath: ".", LocalUnstable: false}
	close(events)

	if _, err := a.Run(events); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}

	root, err := st.Get(".")
	if err != nil {
		t.Fatalf("Get(.) failed: %v", err)
	}
	if !root.Unstable {
		t.Error("expected root to inherit unstable flag from child")
	}
}

// TestAggregatorRepresentativeIsLexicographicallySmallest guards the
// planner's drift check: the chosen representative must be the same
// file regardless of which folder happens to close first, so repeated
// scans of an unchanged tree pick an identical representative.
func TestAggregatorRepresentativeIsLexicographicallySmallest(t *testing.T) {
	st := newTestStore(t)
	a := New(st, Options{Root: "/root", Mode: types.EqualityNameSize, Structure: types.StructureRelative})

	events := make(chan walker.Event, 16)
	events <- walker.Event{Kind: walker.EventFile, File: &types.FileFingerprint{RelativePath: "sub/z.txt", Size: 10, ModTime: fixedTime(1), Weight: 10}}
	events <- walker.Event{Kind: walker.EventFile, File: &types.FileFingerprint{RelativePath: "sub/a.txt", Size: 20, ModTime: fixedTime(2), Weight: 20}}
	events <- walker.Event{Kind: walker.EventFolderClosed, FolderRelPath: "sub"}
	events <- walker.Event{Kind: walker.EventFile, File: &types.FileFingerprint{RelativePath: "m.txt", Size: 5, ModTime: fixedTime(3), Weight: 5}}
	events <- walker.Event{Kind: walker.EventFolderClosed, FolderRelPath: "."}
	close(events)

	if _, err := a.Run(events); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}

	sub, err := st.Get("sub")
	if err != nil {
		t.Fatalf("Get(sub) failed: %v", err)
	}
	if sub.RepresentativePath != "sub/a.txt" || sub.RepresentativeSize != 20 {
		t.Errorf("sub representative = %q (%d bytes), want sub/a.txt (20 bytes)", sub.RepresentativePath, sub.RepresentativeSize)
	}

	root, err := st.Get(".")
	if err != nil {
		t.Fatalf("Get(.) failed: %v", err)
	}
	if root.RepresentativePath != "m.txt" {
		t.Errorf("root representative = %q, want m.txt (lexicographically smallest across the whole subtree)", root.RepresentativePath)
	}
}
