// Package types provides the shared data model for the folder
// deduplication engine: file and folder fingerprints, similarity
// groups, scan lifecycle state, and deletion plans.
package types

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"
)

// FileEqualityMode selects how two files are considered "the same".
type FileEqualityMode string

const (
	EqualityNameSize FileEqualityMode = "name_size"
	EqualitySHA256   FileEqualityMode = "sha256"
)

// StructurePolicy selects how folder identity keys are constructed.
type StructurePolicy string

const (
	StructureRelative   StructurePolicy = "relative"
	StructureBagOfFiles StructurePolicy = "bag_of_files"
)

// Identity is the key that determines whether two files are "the same
// file" for grouping purposes. Its construction depends on the scan's
// FileEqualityMode and StructurePolicy (see FileIdentity).
type Identity string

// FileFingerprint is the identity of one file beneath the scan root.
type FileFingerprint struct {
	RelativePath string    // NFC-normalized, "/"-separated, relative to root
	Size         int64     // bytes, non-negative
	ModTime      time.Time // monotonic snapshot at stat time
	Device       uint64
	Inode        uint64
	HasDevIno    bool   // false on filesystems without stable dev/ino
	Digest       string // hex sha256, present only in sha256 mode
	Unstable     bool   // size or mtime changed mid-read
	Weight       int64  // contribution to folder roll-ups; 0 for hard-link aliases
}

// FileIdentity computes the equality key for f under the given mode and
// structure policy. In sha256 mode the digest alone is the identity
// (path components never participate); in name_size mode the identity
// is (path-or-basename, size) depending on policy. caseInsensitive
// folds the name component before comparison, per the normalizer's
// case policy, without altering f.RelativePath itself.
func FileIdentity(f *FileFingerprint, mode FileEqualityMode, policy StructurePolicy, caseInsensitive bool) Identity {
	if mode == EqualitySHA256 {
		return Identity(f.Digest)
	}
	name := f.RelativePath
	if policy == StructureBagOfFiles {
		name = basename(name)
	}
	if caseInsensitive {
		name = strings.ToLower(name)
	}
	return Identity(fmt.Sprintf("%s\x00%d", name, f.Size))
}

func basename(p string) string {
	for i := len(p) - 1; i >= 0; i-- {
		if p[i] == '/' {
			return p[i+1:]
		}
	}
	return p
}

// FolderInfo is the per-folder roll-up described in the data model:
// total bytes, distinct file count, and a compact identity->weight map
// summed over the subtree.
type FolderInfo struct {
	Path            string // absolute
	RelativePath    string // from root; "." for the root itself
	TotalBytes      int64
	FileCount       int
	FileWeights     map[Identity]int64
	FingerprintHash string
	Unstable        bool

	// RepresentativePath is the root-relative path of one file in this
	// folder's subtree (deterministically the lexicographically
	// smallest, so repeated scans of an unchanged tree pick the same
	// one), along with its size and mtime as observed during the scan.
	// Empty if the subtree contains no files. The deletion planner
	// re-stats this file before a confirmed move, since a directory-level
	// os.Stat cannot see content changed in place.
	RepresentativePath    string
	RepresentativeSize    int64
	RepresentativeModTime time.Time
}

// ComputeFingerprintHash derives FolderInfo.FingerprintHash from a
// deterministic sort of (identity, weight) pairs, per the data model's
// "stable hash over sorted pairs" contract.
func ComputeFingerprintHash(weights map[Identity]int64) string {
	keys := make([]string, 0, len(weights))
	for k := range weights {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)

	h := sha256.New()
	for _, k := range keys {
		fmt.Fprintf(h, "%s=%d;", k, weights[Identity(k)])
	}
	return hex.EncodeToString(h.Sum(nil))
}

// NewFolderInfo builds a FolderInfo from an identity->weight map,
// computing TotalBytes and FingerprintHash. FileCount must be supplied
// by the caller since it counts files, not distinct identities (a
// folder may contain duplicate files sharing one identity).
func NewFolderInfo(path, relativePath string, weights map[Identity]int64, fileCount int, unstable bool) *FolderInfo {
	var total int64
	for _, w := range weights {
		total += w
	}
	return &FolderInfo{
		Path:            path,
		RelativePath:    relativePath,
		TotalBytes:      total,
		FileCount:       fileCount,
		FileWeights:     weights,
		FingerprintHash: ComputeFingerprintHash(weights),
		Unstable:        unstable,
	}
}

// GroupLabel classifies a cluster of similar folders.
type GroupLabel string

const (
	LabelIdentical      GroupLabel = "identical"
	LabelNearDuplicate  GroupLabel = "near_duplicate"
	LabelPartialOverlap GroupLabel = "partial_overlap"
)

// PairSimilarity records the similarity of one (i, j) member pair,
// i < j, within a GroupInfo's Members slice.
type PairSimilarity struct {
	I, J int
	Sim  float64
}

// GroupInfo is a cluster of folders whose pairwise similarity meets
// the scan's threshold.
type GroupInfo struct {
	GroupID               string
	Label                 GroupLabel
	CanonicalIndex        int
	Members               []*FolderInfo
	PairwiseSimilarity    []PairSimilarity
	SuppressedDescendants bool
}

// Canonical returns the group's canonical member.
func (g *GroupInfo) Canonical() *FolderInfo {
	return g.Members[g.CanonicalIndex]
}

// Phase is a stage of the scan scheduler's state machine.
type Phase string

const (
	PhaseWalking     Phase = "walking"
	PhaseAggregating Phase = "aggregating"
	PhaseGrouping    Phase = "grouping"
	PhaseDone        Phase = "done"
)

// Status is the lifecycle status of a scan job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// WarningKind classifies a recoverable per-entry condition.
type WarningKind string

const (
	WarningPermission WarningKind = "permission"
	WarningUnstable   WarningKind = "unstable"
	WarningIOError    WarningKind = "io_error"
)

// Warning is a recoverable, per-path condition recorded during a scan.
type Warning struct {
	Path    string
	Kind    WarningKind
	Message string
}

// PhaseRecord captures the start/end/progress of one scheduler phase.
type PhaseRecord struct {
	Phase     Phase
	StartTime time.Time
	EndTime   time.Time // zero value while in progress
	Progress  *float64  // nil = indeterminate
}

// Stats is the running counters tracked by a scan.
type Stats struct {
	FoldersScanned int64
	FilesScanned   int64
	BytesScanned   int64
	Workers        int
}

// ScanReport is the final output of a completed scan.
type ScanReport struct {
	ScanID         string
	RootPath       string
	Groups         []*GroupInfo
	FolderIndexRef string
	Metrics        []PhaseMetrics
	Warnings       []Warning
}

// PhaseMetrics is the per-phase metrics record emitted by the scheduler.
type PhaseMetrics struct {
	Phase             Phase
	StartTime         time.Time
	EndTime           time.Time
	BytesScannedDelta int64
	FoldersProcessed  int64
	FilesProcessed    int64
	PeakRSS           uint64
	WorkersActive     int
}

// ScanState is the lifecycle record of one scan job, owned exclusively
// by the scan scheduler.
type ScanState struct {
	ScanID   string
	RootPath string
	Status   Status
	Phase    Phase
	Phases   []PhaseRecord
	Stats    Stats
	Warnings []Warning
	Report   *ScanReport
}

// DeletionPlan is a staged-but-not-applied quarantine operation.
type DeletionPlan struct {
	PlanID           string
	ScanID           string
	Token            string
	CreatedAt        time.Time
	ExpiresAt        time.Time
	Queue            []string // relative paths to quarantine
	ReclaimableBytes int64
	QuarantineRoot   string
	Confirmed        bool
}

// Semaphore implements a counting semaphore using a buffered channel.
// It limits concurrent access to a resource by blocking when the limit
// is reached.
type Semaphore chan struct{}

// NewSemaphore creates a semaphore that allows up to n concurrent
// acquisitions.
func NewSemaphore(n int) Semaphore { return make(chan struct{}, n) }

// Acquire blocks until a slot is available, then claims it.
func (s Semaphore) Acquire() { s <- struct{}{} }

// Release frees a slot, unblocking one waiting Acquire call.
func (s Semaphore) Release() { <-s }
