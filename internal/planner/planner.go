// Package planner implements the guarded deletion workflow: stage a
// plan, hand back an opaque confirmation token, then move the planned
// folders into a dated quarantine directory only on exact token match.
//
// The atomic move first renames the source folder to a temp name next
// to its quarantine destination, then os.Rename's it into place, so a
// crash mid-move never leaves a half-written quarantine entry.
package planner

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/ivoronin/folderdedup/internal/normalize"
	"github.com/ivoronin/folderdedup/internal/store"
	"github.com/ivoronin/folderdedup/internal/types"
)

// planExpiry is the token's confirmation window.
const planExpiry = 15 * time.Minute

var (
	// ErrCannotPlanCanonical is returned when a requested path is the
	// canonical member of its similarity group.
	ErrCannotPlanCanonical = errors.New("cannot_plan_canonical")
	// ErrNotInFolderIndex is returned for a path the scan never observed.
	ErrNotInFolderIndex = errors.New("not_in_folder_index")
	ErrPlanNotFound     = errors.New("plan_not_found")
	ErrTokenMismatch    = errors.New("token_mismatch")
	ErrTokenExpired     = errors.New("token_expired")
	ErrTokenUsed        = errors.New("token_already_used")
	ErrDriftDetected    = errors.New("drift_detected")
)

// Planner validates and stages deletion plans against one scan's
// fingerprint store and root filesystem.
//
// Plans are persisted to st rather than held only in memory: Create and
// Confirm are typically invoked from separate CLI process runs, so the
// store is the only thing both invocations share.
type Planner struct {
	root   string
	st     *store.Store
	scanID string
	groups []*types.GroupInfo
}

// New creates a Planner bound to one completed scan's root, folder
// index, and similarity groups (used to reject canonical paths).
func New(root, scanID string, st *store.Store, groups []*types.GroupInfo) *Planner {
	return &Planner{
		root:   root,
		scanID: scanID,
		st:     st,
		groups: groups,
	}
}

// Create validates relPaths and stages a plan, returning its opaque
// confirmation token. No filesystem change happens until Confirm.
func (p *Planner) Create(relPaths []string) (*types.DeletionPlan, error) {
	seen := make(map[string]bool, len(relPaths))
	var validated []string
	var reclaimable int64

	for _, raw := range relPaths {
		rel, err := p.validatePath(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", raw, err)
		}
		if seen[rel] {
			continue
		}
		seen[rel] = true

		fi, err := p.st.Get(rel)
		if err != nil {
			return nil, err
		}
		if fi == nil {
			return nil, fmt.Errorf("%s: %w", raw, ErrNotInFolderIndex)
		}
		if p.isCanonical(rel) {
			return nil, fmt.Errorf("%s: %w", raw, ErrCannotPlanCanonical)
		}

		validated = append(validated, rel)
		reclaimable += fi.TotalBytes
	}

	sort.Strings(validated)
	now := time.Now()
	plan := &types.DeletionPlan{
		PlanID:           uuid.NewString(),
		ScanID:           p.scanID,
		Token:            uuid.NewString(),
		CreatedAt:        now,
		ExpiresAt:        now.Add(planExpiry),
		Queue:            validated,
		ReclaimableBytes: reclaimable,
		QuarantineRoot:   filepath.Join(p.root, ".quarantine", now.Format("20060102")),
	}
	if err := p.st.PutPlan(plan); err != nil {
		return nil, fmt.Errorf("persist plan: %w", err)
	}
	return plan, nil
}

// validatePath NFC-normalizes, resolves, and confirms raw lies inside
// root, returning its "/"-separated relative form.
func (p *Planner) validatePath(raw string) (string, error) {
	normalized := normalize.Name(raw, false)
	abs := filepath.Join(p.root, filepath.FromSlash(normalized))
	if _, err := normalize.Confine(abs, p.root); err != nil {
		return "", err
	}
	rel, err := normalize.Relative(abs, p.root)
	if err != nil {
		return "", err
	}
	return rel, nil
}

func (p *Planner) isCanonical(relPath string) bool {
	for _, g := range p.groups {
		if g.Canonical().RelativePath == relPath {
			return true
		}
	}
	return false
}

// ConfirmResult reports the outcome of applying a confirmed plan.
type ConfirmResult struct {
	Moved  []string
	Failed map[string]error
}

// Confirm applies planID if token matches exactly, the token has not
// expired, and has not already been used. Drift is re-checked for
// every queued path before any move begins; if any path drifted,
// Confirm aborts without moving anything.
func (p *Planner) Confirm(planID, token string) (*ConfirmResult, error) {
	plan, err := p.st.GetPlan(planID)
	if err != nil {
		return nil, err
	}
	if plan == nil {
		return nil, ErrPlanNotFound
	}
	if plan.Confirmed {
		return nil, ErrTokenUsed
	}
	if token != plan.Token {
		return nil, ErrTokenMismatch
	}
	if time.Now().After(plan.ExpiresAt) {
		return nil, ErrTokenExpired
	}

	if err := p.checkDrift(plan.Queue); err != nil {
		return nil, err
	}

	plan.Confirmed = true
	if err := p.st.PutPlan(plan); err != nil {
		return nil, fmt.Errorf("persist confirmed plan: %w", err)
	}

	result := &ConfirmResult{Failed: make(map[string]error)}
	for _, rel := range plan.Queue {
		dest, err := p.quarantineMove(plan.QuarantineRoot, rel)
		if err != nil {
			result.Failed[rel] = err
			continue
		}
		result.Moved = append(result.Moved, dest)
	}
	return result, nil
}

// checkDrift re-stats each queued folder and, where the stored record
// carries one, its representative file, comparing (size, mtime)
// against what the scan observed. A missing folder, a folder turned
// into a non-directory, or a representative file whose size or mtime
// no longer matches all count as drift.
func (p *Planner) checkDrift(queue []string) error {
	for _, rel := range queue {
		fi, err := p.st.Get(rel)
		if err != nil {
			return err
		}
		if fi == nil {
			return fmt.Errorf("%s: %w", rel, ErrDriftDetected)
		}
		abs := filepath.Join(p.root, filepath.FromSlash(rel))
		info, err := os.Stat(abs)
		if err != nil {
			return fmt.Errorf("%s: %w", rel, ErrDriftDetected)
		}
		if !info.IsDir() {
			return fmt.Errorf("%s: %w", rel, ErrDriftDetected)
		}
		if fi.RepresentativePath == "" {
			continue
		}
		repAbs := filepath.Join(p.root, filepath.FromSlash(fi.RepresentativePath))
		repInfo, err := os.Stat(repAbs)
		if err != nil {
			return fmt.Errorf("%s: %w", rel, ErrDriftDetected)
		}
		if repInfo.Size() != fi.RepresentativeSize || !repInfo.ModTime().Equal(fi.RepresentativeModTime) {
			return fmt.Errorf("%s: %w", rel, ErrDriftDetected)
		}
	}
	return nil
}

// quarantineMove atomically relocates root/rel to quarantineRoot/rel,
// appending a .N suffix on name collision.
func (p *Planner) quarantineMove(quarantineRoot, rel string) (string, error) {
	src := filepath.Join(p.root, filepath.FromSlash(rel))
	dest := filepath.Join(quarantineRoot, filepath.FromSlash(rel))

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", fmt.Errorf("prepare quarantine dir: %w", err)
	}

	dest = uniquePath(dest)
	tmp := dest + ".folderdedup.tmp"

	if err := os.Rename(src, tmp); err != nil {
		return "", fmt.Errorf("stage move: %w", err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		return "", fmt.Errorf("finalize move: %w", err)
	}
	return dest, nil
}

// uniquePath appends ".N" with the smallest N making the path free, if
// path already exists.
func uniquePath(path string) string {
	if _, err := os.Lstat(path); err != nil {
		return path
	}
	for n := 1; ; n++ {
		candidate := fmt.Sprintf("%s.%d", path, n)
		if _, err := os.Lstat(candidate); err != nil {
			return candidate
		}
	}
}
