// Package aggregator folds a walker's event stream into per-folder
// roll-ups, accumulating file identities bottom-up and persisting each
// folder's FolderInfo into the fingerprint store as soon as its
// subtree is complete.
package aggregator

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/ivoronin/folderdedup/internal/store"
	"github.com/ivoronin/folderdedup/internal/types"
	"github.com/ivoronin/folderdedup/internal/walker"
)

// Options configures how file identities are computed during folding.
type Options struct {
	Root            string // absolute scan root, used to populate FolderInfo.Path
	Mode            types.FileEqualityMode
	Structure       types.StructurePolicy
	CaseInsensitive bool
}

// accumulator holds one folder's in-progress roll-up while its subtree
// is still being walked.
type accumulator struct {
	weights   map[types.Identity]int64
	fileCount int
	unstable  bool
	repFile   *types.FileFingerprint // deterministic representative, see pickRepresentative
}

// Aggregator consumes a walker.Event stream and writes a FolderInfo
// per folder into a store.
type Aggregator struct {
	opts  Options
	st    *store.Store
	stack map[string]*accumulator // relative path -> in-progress accumulator
}

// New creates an Aggregator that writes into st.
func New(st *store.Store, opts Options) *Aggregator {
	return &Aggregator{
		opts:  opts,
		st:    st,
		stack: make(map[string]*accumulator),
	}
}

// Run drains events until the channel closes, persisting a FolderInfo
// for every folder observed. Because the walker guarantees a child's
// EventFolderClosed happens-before its parent's, Run can safely fold
// each child's totals into the parent accumulator the moment the child
// closes, then discard the child accumulator.
func (a *Aggregator) Run(events <-chan walker.Event) (int, error) {
	folderCount := 0
	for ev := range events {
		switch ev.Kind {
		case walker.EventFile:
			a.addFile(ev.File)
		case walker.EventFolderClosed:
			if err := a.closeFolder(ev.FolderRelPath, ev.LocalUnstable); err != nil {
				return folderCount, err
			}
			folderCount++
		}
	}
	return folderCount, nil
}

func (a *Aggregator) addFile(f *types.FileFingerprint) {
	rel := parentOf(f.RelativePath)
	acc := a.acc(rel)
	id := types.FileIdentity(f, a.opts.Mode, a.opts.Structure, a.opts.CaseInsensitive)
	acc.weights[id] += f.Weight
	acc.fileCount++
	pickRepresentative(&acc.repFile, f)
}

// pickRepresentative keeps the lexicographically smallest RelativePath
// seen so far, so the same file is chosen as a folder's drift-check
// representative across repeated scans of an unchanged tree regardless
// of walk order.
func pickRepresentative(cur **types.FileFingerprint, candidate *types.FileFingerprint) {
	if *cur == nil || candidate.RelativePath < (*cur).RelativePath {
		*cur = candidate
	}
}

func (a *Aggregator) closeFolder(relPath string, localUnstable bool) error {
	acc := a.acc(relPath)
	acc.unstable = acc.unstable || localUnstable

	absPath := a.opts.Root
	if relPath != "." {
		absPath = filepath.Join(a.opts.Root, filepath.FromSlash(relPath))
	}
	// Under the relative structure policy in name_size mode, identities
	// are accumulated as root-relative paths; the persisted record keys
	// them relative to this folder instead, so two folders with the same
	// layout compare equal wherever they sit in the tree.
	weights := acc.weights
	if relPath != "." && a.opts.Mode != types.EqualitySHA256 && a.opts.Structure != types.StructureBagOfFiles {
		prefix := relPath + "/"
		if a.opts.CaseInsensitive {
			prefix = strings.ToLower(prefix)
		}
		weights = make(map[types.Identity]int64, len(acc.weights))
		for id, w := range acc.weights {
			weights[types.Identity(strings.TrimPrefix(string(id), prefix))] += w
		}
	}
	fi := types.NewFolderInfo(absPath, relPath, weights, acc.fileCount, acc.unstable)
	if acc.repFile != nil {
		fi.RepresentativePath = acc.repFile.RelativePath
		fi.RepresentativeSize = acc.repFile.Size
		fi.RepresentativeModTime = acc.repFile.ModTime
	}
	if err := a.st.Put(fi); err != nil {
		return fmt.Errorf("persist folder %q: %w", relPath, err)
	}

	delete(a.stack, relPath)
	if relPath == "." {
		return nil
	}

	parentRel := parentOf(relPath)
	parent := a.acc(parentRel)
	for id, w := range acc.weights {
		parent.weights[id] += w
	}
	parent.fileCount += acc.fileCount
	parent.unstable = parent.unstable || acc.unstable
	if acc.repFile != nil {
		pickRepresentative(&parent.repFile, acc.repFile)
	}
	return nil
}

func (a *Aggregator) acc(relPath string) *accumulator {
	if acc, ok := a.stack[relPath]; ok {
		return acc
	}
	acc := &accumulator{
		weights: make(map[types.Identity]int64),
	}
	a.stack[relPath] = acc
	return acc
}

// parentOf returns the relative parent folder of a relative file or
// folder path. parentOf(".") is undefined and never called: the root
// folder's own EventFolderClosed does not roll up further.
func parentOf(relPath string) string {
	i := strings.LastIndexByte(relPath, '/')
	if i < 0 {
		return "."
	}
	return relPath[:i]
}
