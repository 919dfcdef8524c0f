package walker

import (
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"
	"testing"

	"github.com/ivoronin/folderdedup/internal/types"
)

func createFile(t *testing.T, path string, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func drain(t *testing.T, w *Walker) []Event {
	t.Helper()
	events, err := w.Run()
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	var all []Event
	for ev := range events {
		all = append(all, ev)
	}
	return all
}

func fileEvents(all []Event) []Event {
	var files []Event
	for _, ev := range all {
		if ev.Kind == EventFile {
			files = append(files, ev)
		}
	}
	return files
}

func TestWalkerBasicFileDiscovery(t *testing.T) {
	root := t.TempDir()
	createFile(t, filepath.Join(root, "a.txt"), "hello")
	createFile(t, filepath.Join(root, "sub", "b.txt"), "world!!")

	w := New(Options{Root: root, Mode: types.EqualityNameSize})
	all := drain(t, w)
	files := fileEvents(all)

	if len(files) != 2 {
		t.Fatalf("expected 2 files, got %d", len(files))
	}

	var sizes []int64
	for _, ev := range files {
		sizes = append(sizes, ev.File.Size)
	}
	sort.Slice(sizes, func(i, j int) bool { return sizes[i] < sizes[j] })
	if sizes[0] != 5 || sizes[1] != 7 {
		t.Errorf("unexpected sizes: %v", sizes)
	}
}

func TestWalkerFolderClosedOrderingChildBeforeParent(t *testing.T) {
	root := t.TempDir()
	createFile(t, filepath.Join(root, "sub", "deep", "f.txt"), "x")

	w := New(Options{Root: root, Mode: types.EqualityNameSize})
	all := drain(t, w)

	closedOrder := make(map[string]int)
	n := 0
	for _, ev := range all {
		if ev.Kind == EventFolderClosed {
			closedOrder[ev.FolderRelPath] = n
			n++
		}
	}

	if closedOrder["sub/deep"] >= closedOrder["sub"] {
		t.Error("expected sub/deep to close before sub")
	}
	if closedOrder["sub"] >= closedOrder["."] {
		t.Error("expected sub to close before root")
	}
}

func TestWalkerExcludesDirectoryPattern(t *testing.T) {
	root := t.TempDir()
	createFile(t, filepath.Join(root, ".git", "config"), "x")
	createFile(t, filepath.Join(root, "keep.txt"), "y")

	w := New(Options{Root: root, Mode: types.EqualityNameSize})
	files := fileEvents(drain(t, w))

	if len(files) != 1 || files[0].File.RelativePath != "keep.txt" {
		t.Errorf("expected only keep.txt, got %+v", files)
	}
}

func TestWalkerIncludePattern(t *testing.T) {
	root := t.TempDir()
	createFile(t, filepath.Join(root, "a.go"), "package a")
	createFile(t, filepath.Join(root, "b.txt"), "text")

	w := New(Options{Root: root, Mode: types.EqualityNameSize, Include: []string{"*.go"}})
	files := fileEvents(drain(t, w))

	if len(files) != 1 || files[0].File.RelativePath != "a.go" {
		t.Errorf("expected only a.go, got %+v", files)
	}
}

func TestWalkerMinSizeSkipsSmallFiles(t *testing.T) {
	root := t.TempDir()
	createFile(t, filepath.Join(root, "small.txt"), "x")
	createFile(t, filepath.Join(root, "big.txt"), "this content is long enough")

	w := New(Options{Root: root, Mode: types.EqualityNameSize, MinSize: 10})
	files := fileEvents(drain(t, w))

	if len(files) != 1 || files[0].File.RelativePath != "big.txt" {
		t.Errorf("expected only big.txt, got %+v", files)
	}
}

func TestWalkerSHA256ModeHashesContent(t *testing.T) {
	root := t.TempDir()
	createFile(t, filepath.Join(root, "a.txt"), "same content")
	createFile(t, filepath.Join(root, "b.txt"), "same content")

	w := New(Options{Root: root, Mode: types.EqualitySHA256})
	files := fileEvents(drain(t, w))

	if len(files) != 2 {
		t.Fatalf("expected 2 files, got %d", len(files))
	}
	if files[0].File.Digest == "" || files[0].File.Digest != files[1].File.Digest {
		t.Errorf("expected identical digests for identical content, got %q and %q",
			files[0].File.Digest, files[1].File.Digest)
	}
}

func TestWalkerSymlinksNeverEmitted(t *testing.T) {
	root := t.TempDir()
	createFile(t, filepath.Join(root, "real.txt"), "data")
	if err := os.Symlink(filepath.Join(root, "real.txt"), filepath.Join(root, "link.txt")); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}

	w := New(Options{Root: root, Mode: types.EqualityNameSize})
	files := fileEvents(drain(t, w))

	if len(files) != 1 || files[0].File.RelativePath != "real.txt" {
		t.Errorf("expected only real.txt, got %+v", files)
	}
}

func TestWalkerHardlinkAliasHasZeroWeight(t *testing.T) {
	root := t.TempDir()
	createFile(t, filepath.Join(root, "big"), "0123456789")
	if err := os.Link(filepath.Join(root, "big"), filepath.Join(root, "alias")); err != nil {
		t.Skipf("hardlinks unsupported: %v", err)
	}

	w := New(Options{Root: root, Mode: types.EqualityNameSize, TrustDeviceBoundaries: true})
	files := fileEvents(drain(t, w))

	if len(files) != 2 {
		t.Fatalf("expected 2 file events, got %d", len(files))
	}

	var totalWeight int64
	for _, ev := range files {
		totalWeight += ev.File.Weight
	}
	if totalWeight != 10 {
		t.Errorf("expected combined weight 10 (one alias zeroed), got %d", totalWeight)
	}
}

func TestWalkerRootNotFound(t *testing.T) {
	w := New(Options{Root: filepath.Join(t.TempDir(), "missing"), Mode: types.EqualityNameSize})
	if _, err := w.Run(); err == nil {
		t.Error("expected error for missing root")
	}
}

func TestWalkerRootNotDirectory(t *testing.T) {
	root := t.TempDir()
	filePath := filepath.Join(root, "file.txt")
	createFile(t, filePath, "x")

	w := New(Options{Root: filePath, Mode: types.EqualityNameSize})
	if _, err := w.Run(); err == nil {
		t.Error("expected error for non-directory root")
	}
}

func TestWalkerCancellationStillClosesRoot(t *testing.T) {
	root := t.TempDir()
	for i := 0; i < 20; i++ {
		createFile(t, filepath.Join(root, "d", string(rune('a'+i)), "f.txt"), "x")
	}

	var cancel atomic.Bool
	cancel.Store(true)
	w := New(Options{Root: root, Mode: types.EqualityNameSize, Cancel: &cancel})
	all := drain(t, w)

	// Even cancelled before starting, the root folder must still close
	// so a downstream aggregator never blocks waiting for it.
	found := false
	for _, ev := range all {
		if ev.Kind == EventFolderClosed && ev.FolderRelPath == "." {
			found = true
		}
	}
	if !found {
		t.Error("expected root EventFolderClosed even when cancelled")
	}
}
