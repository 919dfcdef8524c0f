// Package walker traverses a directory tree under memory/CPU bounds,
// producing a stream of per-file fingerprints and per-folder "closed"
// signals for the aggregator.
//
// # Concurrency Model
//
// The walker uses a fan-out/recursive-goroutine model: one goroutine
// is spawned per subdirectory, and a counting semaphore bounds how
// many directories are being read (and, here, hashed) concurrently.
// This walker must also preserve a causal ordering guarantee not
// needed by a flat collector: a folder's "closed" event is only emitted after
// every descendant folder has already emitted its own "closed" event,
// which is what lets the aggregator fold bottom-up. That ordering
// falls out naturally from waiting on a per-directory sync.WaitGroup
// before emitting the parent's event, rather than a single
// whole-scan WaitGroup.
package walker

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/ivoronin/folderdedup/internal/fpcache"
	"github.com/ivoronin/folderdedup/internal/normalize"
	"github.com/ivoronin/folderdedup/internal/types"
)

// DefaultExcludes are the glob patterns suppressed unless the caller
// overrides Options.Exclude.
var DefaultExcludes = []string{
	".git/", "node_modules/", "__pycache__/", ".cache/", "Thumbs.db", ".DS_Store",
}

const (
	hashChunkSize = 4 << 20 // 4 MiB, per the walker's sha256-mode read contract
	listBatchSize = 1000
)

// EventKind discriminates walker.Event variants.
type EventKind int

const (
	EventFile EventKind = iota
	EventFolderClosed
)

// Event is one item in the walker's output stream: either a file
// fingerprint, or a signal that a folder's descendant emissions are
// all complete.
type Event struct {
	Kind          EventKind
	File          *types.FileFingerprint
	FolderRelPath string // "." for the root
	LocalUnstable bool   // only meaningful for EventFolderClosed
}

// RootError is a fatal, scan-aborting error raised before any
// traversal begins.
type RootError struct {
	Kind string // root_not_found | root_not_directory | root_escape
	Path string
	Err  error
}

func (e *RootError) Error() string { return fmt.Sprintf("%s: %s: %v", e.Kind, e.Path, e.Err) }
func (e *RootError) Unwrap() error { return e.Err }

// Options configures a Walker. Unexported zero values take the
// documented defaults.
type Options struct {
	Root                  string
	Include               []string
	Exclude               []string // nil means DefaultExcludes
	Mode                  types.FileEqualityMode
	MinSize               int64 // files smaller than this are skipped entirely
	Concurrency           int   // capped at min(32, 2*NumCPU); 0 = that cap
	ForceCaseInsensitive  bool
	TrustDeviceBoundaries bool
	Cache                 *fpcache.Cache // may be nil (disabled cache)
	Warn                  func(types.Warning)
	Stats                 *Stats
	Cancel                *atomic.Bool // may be nil
}

// Stats tracks atomic counters updated concurrently by walker
// goroutines without locking.
type Stats struct {
	FoldersScanned atomic.Int64
	FilesScanned   atomic.Int64
	BytesScanned   atomic.Int64
}

// Walker discovers file fingerprints via bounded concurrent traversal.
type Walker struct {
	opts     Options
	absRoot  string
	excludes []string
	sem      types.Semaphore

	aliasMu   sync.Mutex
	aliasSeen map[devIno]bool
}

type devIno struct {
	dev, ino uint64
}

// New creates a Walker for the given options.
func New(opts Options) *Walker {
	if opts.Exclude == nil {
		opts.Exclude = DefaultExcludes
	}
	limit := min(32, 2*runtime.NumCPU())
	concurrency := opts.Concurrency
	if concurrency <= 0 || concurrency > limit {
		concurrency = limit
	}
	opts.Concurrency = concurrency
	if opts.Stats == nil {
		opts.Stats = &Stats{}
	}
	return &Walker{
		opts:      opts,
		excludes:  append([]string(nil), opts.Exclude...),
		sem:       types.NewSemaphore(concurrency),
		aliasSeen: make(map[devIno]bool),
	}
}

// Run validates the root and starts traversal, returning a channel of
// events. The channel is closed once the entire tree (or the
// cancelled subset of it) has been walked. Quarantine directories
// under root are always excluded regardless of caller-supplied
// excludes.
func (w *Walker) Run() (<-chan Event, error) {
	info, err := os.Lstat(w.opts.Root)
	if err != nil {
		return nil, &RootError{Kind: "root_not_found", Path: w.opts.Root, Err: err}
	}
	if info.Mode()&os.ModeSymlink != 0 {
		resolved, err := filepath.EvalSymlinks(w.opts.Root)
		if err != nil {
			return nil, &RootError{Kind: "root_not_found", Path: w.opts.Root, Err: err}
		}
		info, err = os.Stat(resolved)
		if err != nil {
			return nil, &RootError{Kind: "root_not_found", Path: w.opts.Root, Err: err}
		}
		w.opts.Root = resolved
	}
	if !info.IsDir() {
		return nil, &RootError{Kind: "root_not_directory", Path: w.opts.Root}
	}

	absRoot, err := filepath.Abs(w.opts.Root)
	if err != nil {
		return nil, &RootError{Kind: "root_not_found", Path: w.opts.Root, Err: err}
	}
	w.absRoot = filepath.Clean(absRoot)
	w.excludes = append(w.excludes, ".quarantine/")

	events := make(chan Event, 1000)
	go func() {
		defer close(events)
		w.walkDir(w.absRoot, ".", events)
	}()
	return events, nil
}

func (w *Walker) cancelled() bool {
	return w.opts.Cancel != nil && w.opts.Cancel.Load()
}

type subdir struct {
	abs, rel string
}

// walkDir processes one directory: lists entries, hashes/filters
// files (inside the semaphore), then recurses into subdirectories
// (outside the semaphore, so breadth is bounded but depth is not)
// before emitting its own closed signal.
func (w *Walker) walkDir(absPath, relPath string, events chan<- Event) {
	if w.cancelled() {
		events <- Event{Kind: EventFolderClosed, FolderRelPath: relPath}
		return
	}

	w.sem.Acquire()
	entries, listErr := listDir(absPath)
	if listErr != nil {
		w.sem.Release()
		w.warn(relPath, classifyIOErr(listErr), listErr)
		events <- Event{Kind: EventFolderClosed, FolderRelPath: relPath}
		return
	}

	var subdirs []subdir
	localUnstable := false

	for _, entry := range entries {
		if w.cancelled() {
			break
		}
		childAbs := filepath.Join(absPath, entry.Name())
		childRel := joinRel(relPath, normalize.Name(entry.Name(), false))

		if entry.IsDir() {
			if w.matchExclude(childRel, true) {
				continue
			}
			subdirs = append(subdirs, subdir{abs: childAbs, rel: childRel})
			continue
		}

		info, err := entry.Info()
		if err != nil {
			w.warn(childRel, types.WarningIOError, err)
			continue
		}
		if info.Mode()&os.ModeSymlink != 0 {
			continue // never followed, never emitted
		}
		if !info.Mode().IsRegular() {
			continue
		}
		if info.Size() < w.opts.MinSize {
			continue
		}
		if w.matchExclude(childRel, false) || !w.matchInclude(childRel) {
			continue
		}

		w.opts.Stats.FilesScanned.Add(1)
		w.opts.Stats.BytesScanned.Add(info.Size())

		ff, ok := w.processFile(childAbs, childRel, info)
		if !ok {
			localUnstable = true
			continue
		}
		if ff == nil {
			continue // I/O error, already warned
		}
		events <- Event{Kind: EventFile, File: ff}
	}
	w.sem.Release()

	var wg sync.WaitGroup
	for _, sd := range subdirs {
		wg.Add(1)
		go func(sd subdir) {
			defer wg.Done()
			w.walkDir(sd.abs, sd.rel, events)
		}(sd)
	}
	wg.Wait()

	w.opts.Stats.FoldersScanned.Add(1)
	events <- Event{Kind: EventFolderClosed, FolderRelPath: relPath, LocalUnstable: localUnstable}
}

// processFile stats, identifies, and (in sha256 mode) hashes one
// regular file, applying drift detection. ok is false if persistent
// drift forced the file to be skipped; a file skipped for an I/O error
// returns (nil, true).
func (w *Walker) processFile(absPath, relPath string, info os.FileInfo) (*types.FileFingerprint, bool) {
	ff := &types.FileFingerprint{
		RelativePath: relPath,
		Size:         info.Size(),
		ModTime:      info.ModTime(),
	}
	if dev, ino, ok := statDevIno(info); ok {
		ff.Device, ff.Inode, ff.HasDevIno = dev, ino, true
	}
	ff.Weight = w.weightFor(ff)

	if w.opts.Mode != types.EqualitySHA256 {
		return ff, true
	}

	digest, err := w.hashWithCache(absPath, ff)
	if err != nil {
		w.warn(relPath, types.WarningIOError, err)
		return nil, true
	}
	if digest == "" {
		// Persistent drift: already warned inside hashWithCache.
		return nil, false
	}
	ff.Digest = digest
	return ff, true
}

// weightFor returns Size for the first-observed inode, and 0 for
// subsequent aliases, collapsing hard-link duplicates out of folder
// byte totals per the data model's total_bytes contract. The alias key
// includes the device only when TrustDeviceBoundaries is set;
// otherwise the inode number alone identifies a file.
func (w *Walker) weightFor(ff *types.FileFingerprint) int64 {
	if !ff.HasDevIno {
		return ff.Size
	}
	key := devIno{dev: 0, ino: ff.Inode}
	if w.opts.TrustDeviceBoundaries {
		key.dev = ff.Device
	}
	w.aliasMu.Lock()
	defer w.aliasMu.Unlock()
	if w.aliasSeen[key] {
		return 0
	}
	w.aliasSeen[key] = true
	return ff.Size
}

// hashWithCache consults the fingerprint cache, then hashes on miss,
// re-stating after the read to detect drift. Returns ("", nil)
// if drift persisted after one retry (file skipped, not an error).
func (w *Walker) hashWithCache(absPath string, ff *types.FileFingerprint) (string, error) {
	key := fpcache.Key{Device: ff.Device, Inode: ff.Inode, Size: ff.Size, ModTime: ff.ModTime}
	if w.opts.Cache != nil && ff.HasDevIno {
		if cached, err := w.opts.Cache.Lookup(key); err == nil && cached != nil {
			return hex.EncodeToString(cached), nil
		}
	}

	digest, driftErr := w.hashWithDrift(absPath, ff)
	if driftErr != nil {
		if driftErr == errPersistentDrift {
			w.warn(ff.RelativePath, types.WarningUnstable, driftErr)
			return "", nil
		}
		return "", driftErr
	}

	if w.opts.Cache != nil && ff.HasDevIno {
		raw, _ := hex.DecodeString(digest)
		_ = w.opts.Cache.Store(key, raw)
	}
	return digest, nil
}

var errPersistentDrift = fmt.Errorf("unstable_file")

func (w *Walker) hashWithDrift(absPath string, ff *types.FileFingerprint) (string, error) {
	digest, postInfo, err := hashOnce(absPath)
	if err != nil {
		return "", err
	}
	if postInfo.Size() != ff.Size || !postInfo.ModTime().Equal(ff.ModTime) {
		// Rehash once after drift.
		digest2, postInfo2, err := hashOnce(absPath)
		if err != nil {
			return "", err
		}
		if postInfo2.Size() != postInfo.Size() || !postInfo2.ModTime().Equal(postInfo.ModTime()) {
			return "", errPersistentDrift
		}
		return digest2, nil
	}
	return digest, nil
}

func hashOnce(absPath string) (digest string, post os.FileInfo, err error) {
	f, err := os.Open(absPath)
	if err != nil {
		return "", nil, err
	}
	defer func() { _ = f.Close() }()

	h := sha256.New()
	buf := make([]byte, hashChunkSize)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return "", nil, err
	}
	post, err = f.Stat()
	if err != nil {
		return "", nil, err
	}
	return hex.EncodeToString(h.Sum(nil)), post, nil
}

func listDir(dirPath string) ([]os.DirEntry, error) {
	dir, err := os.Open(dirPath)
	if err != nil {
		return nil, err
	}
	defer func() { _ = dir.Close() }()

	var all []os.DirEntry
	for {
		batch, err := dir.ReadDir(listBatchSize)
		all = append(all, batch...)
		if err != nil {
			if err == io.EOF {
				break
			}
			if len(batch) == 0 {
				return all, err
			}
			break
		}
		if len(batch) < listBatchSize {
			break
		}
	}
	return all, nil
}

func (w *Walker) matchExclude(relPath string, isDir bool) bool {
	base := filepath.Base(relPath)
	for _, pattern := range w.excludes {
		if dirOnly := hasTrailingSlash(pattern); dirOnly {
			p := pattern[:len(pattern)-1]
			if isDir && (matchGlob(p, base) || matchGlob(p, relPath)) {
				return true
			}
			continue
		}
		if matchGlob(pattern, base) || matchGlob(pattern, relPath) {
			return true
		}
	}
	return false
}

func (w *Walker) matchInclude(relPath string) bool {
	if len(w.opts.Include) == 0 {
		return true
	}
	base := filepath.Base(relPath)
	for _, pattern := range w.opts.Include {
		if matchGlob(pattern, base) || matchGlob(pattern, relPath) {
			return true
		}
	}
	return false
}

func matchGlob(pattern, name string) bool {
	ok, err := doublestar.Match(pattern, name)
	return err == nil && ok
}

func hasTrailingSlash(s string) bool { return len(s) > 0 && s[len(s)-1] == '/' }

func joinRel(parent, name string) string {
	if parent == "." {
		return name
	}
	return parent + "/" + name
}

func classifyIOErr(err error) types.WarningKind {
	if os.IsPermission(err) {
		return types.WarningPermission
	}
	return types.WarningIOError
}

func (w *Walker) warn(path string, kind types.WarningKind, err error) {
	if w.opts.Warn == nil {
		return
	}
	w.opts.Warn(types.Warning{Path: path, Kind: kind, Message: err.Error()})
}
