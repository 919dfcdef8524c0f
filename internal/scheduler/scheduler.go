// Package scheduler drives one scan through its walking, aggregating,
// and grouping phases, tracking lifecycle state, blended progress, and
// per-phase metrics, and bounding how many scans run concurrently.
//
// Admission control uses golang.org/x/sync/semaphore, a weighted
// counting semaphore, to cap simultaneous active scans independently
// of the walker's own per-scan directory-concurrency semaphore
// (types.Semaphore) — the two bound different resources and must not
// be collapsed into one.
package scheduler

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/ivoronin/folderdedup/internal/aggregator"
	"github.com/ivoronin/folderdedup/internal/grouper"
	"github.com/ivoronin/folderdedup/internal/store"
	"github.com/ivoronin/folderdedup/internal/types"
	"github.com/ivoronin/folderdedup/internal/walker"
)

// phaseWeights blends each phase's contribution to overall progress.
var phaseWeights = map[types.Phase]float64{
	types.PhaseWalking:     0.55,
	types.PhaseAggregating: 0.20,
	types.PhaseGrouping:    0.25,
}

// Admission bounds the number of concurrently running scans.
type Admission struct {
	sem *semaphore.Weighted
}

// NewAdmission creates an Admission controller allowing at most max
// concurrently active scans. max <= 0 means unbounded.
func NewAdmission(max int64) *Admission {
	if max <= 0 {
		max = 1 << 30
	}
	return &Admission{sem: semaphore.NewWeighted(max)}
}

// Acquire blocks until a scan slot is available or ctx is cancelled.
func (a *Admission) Acquire(ctx context.Context) error {
	return a.sem.Acquire(ctx, 1)
}

// Release frees one scan slot.
func (a *Admission) Release() { a.sem.Release(1) }

// Options configures a Scan.
type Options struct {
	ScanID    string
	RootPath  string
	Walker    walker.Options
	Aggregate aggregator.Options
	Group     grouper.Options
	StorePath string // "" uses an ephemeral temp-file store removed at the end
	Progress  func(Snapshot)
	// WarnSink, if set, is called from the warning-drain goroutine for
	// every warning as it arrives, so a CLI can print it live (clearing
	// its progress line first) instead of waiting for the final report.
	WarnSink func(types.Warning)
}

// Snapshot is a point-in-time view of scan progress for reporting.
type Snapshot struct {
	Phase          types.Phase
	Progress       *float64 // nil = indeterminate
	ETA            time.Duration
	FilesScanned   int64
	BytesScanned   int64
	FoldersScanned int64 // known only once walking has finished
}

// Scan runs one scan job end-to-end: walk, aggregate, group.
type Scan struct {
	opts  Options
	state types.ScanState

	mu        sync.Mutex
	cancelled atomic.Bool

	walkStats     walker.Stats
	startTime     time.Time
	phaseProgress map[types.Phase]float64
}

// New creates a Scan in the pending state.
func New(opts Options) *Scan {
	return &Scan{
		opts: opts,
		state: types.ScanState{
			ScanID:   opts.ScanID,
			RootPath: opts.RootPath,
			Status:   types.StatusPending,
		},
		phaseProgress: make(map[types.Phase]float64),
	}
}

// Cancel requests cooperative cancellation. The scan transitions to
// StatusCancelled once the current phase's in-flight unit completes;
// no partial report is emitted.
func (s *Scan) Cancel() { s.cancelled.Store(true) }

// State returns a snapshot of the scan's lifecycle record.
func (s *Scan) State() types.ScanState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Run executes the scan synchronously, returning the final report or
// an error. Warnings collected along the way are attached to the
// report and to the scan state regardless of outcome.
func (s *Scan) Run(ctx context.Context) (*types.ScanReport, error) {
	s.startTime = time.Now()
	s.setStatus(types.StatusRunning)

	st, cleanup, err := s.openStore()
	if err != nil {
		s.setStatus(types.StatusFailed)
		return nil, fmt.Errorf("open fingerprint store: %w", err)
	}
	defer cleanup()

	// Warnings flow through a buffered channel drained by a dedicated
	// goroutine: each warning is recorded for the final report and, if
	// a sink is configured, handed to it immediately rather than held
	// until the scan completes. finishWarnings closes the channel,
	// waits for the drain goroutine to catch up, and stamps whatever
	// was collected onto the scan state — including on a failed or
	// cancelled run, so warnings observed before a fatal error are
	// never silently lost.
	warnCh := make(chan types.Warning, 100)
	var warnings []types.Warning
	var warnMu sync.Mutex
	drainDone := make(chan struct{})
	go func() {
		defer close(drainDone)
		for w := range warnCh {
			warnMu.Lock()
			warnings = append(warnings, w)
			warnMu.Unlock()
			if s.opts.WarnSink != nil {
				s.opts.WarnSink(w)
			}
		}
	}()
	collectWarning := func(w types.Warning) { warnCh <- w }
	finishWarnings := func() []types.Warning {
		close(warnCh)
		<-drainDone
		warnMu.Lock()
		defer warnMu.Unlock()
		s.mu.Lock()
		s.state.Warnings = warnings
		s.mu.Unlock()
		return warnings
	}

	folderCount, err := s.runWalkAndAggregate(ctx, st, collectWarning)
	if err != nil {
		finishWarnings()
		s.setStatus(types.StatusFailed)
		return nil, err
	}
	if s.cancelled.Load() {
		finishWarnings()
		s.setStatus(types.StatusCancelled)
		return nil, nil
	}

	s.mu.Lock()
	s.phaseProgress[types.PhaseAggregating] = 1.0
	s.mu.Unlock()

	groups, err := s.runGroup(ctx, st)
	if err != nil {
		finishWarnings()
		s.setStatus(types.StatusFailed)
		return nil, err
	}
	warnings = finishWarnings()
	if s.cancelled.Load() {
		s.setStatus(types.StatusCancelled)
		return nil, nil
	}

	s.mu.Lock()
	s.phaseProgress[types.PhaseGrouping] = 1.0
	s.mu.Unlock()
	s.enterPhase(types.PhaseDone)

	if s.opts.StorePath != "" {
		if err := st.PutGroups(groups); err != nil {
			s.setStatus(types.StatusFailed)
			return nil, fmt.Errorf("persist groups: %w", err)
		}
	}

	report := &types.ScanReport{
		ScanID:         s.opts.ScanID,
		RootPath:       s.opts.RootPath,
		Groups:         groups,
		FolderIndexRef: s.opts.StorePath,
		Warnings:       warnings,
		Metrics:        s.metricsSnapshot(folderCount),
	}

	s.mu.Lock()
	s.state.Status = types.StatusCompleted
	s.state.Report = report
	s.mu.Unlock()

	return report, nil
}

func (s *Scan) openStore() (*store.Store, func(), error) {
	path := s.opts.StorePath
	ephemeral := path == ""
	if ephemeral {
		f, err := os.CreateTemp("", "folderdedup-store-*.db")
		if err != nil {
			return nil, nil, fmt.Errorf("create temp store file: %w", err)
		}
		path = f.Name()
		_ = f.Close()
		_ = os.Remove(path) // bbolt creates its own file; only the name is reused
	}

	st, err := store.Open(path)
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() {
		if ephemeral {
			_ = st.Remove()
		} else {
			_ = st.Close()
		}
	}
	return st, cleanup, nil
}

func (s *Scan) runWalkAndAggregate(ctx context.Context, st *store.Store, warn func(types.Warning)) (int, error) {
	s.enterPhase(types.PhaseWalking)
	s.opts.Walker.Cancel = &s.cancelled
	s.opts.Walker.Warn = warn
	s.opts.Walker.Stats = &s.walkStats
	s.opts.Walker.Root = s.opts.RootPath

	w := walker.New(s.opts.Walker)
	events, err := w.Run()
	if err != nil {
		return 0, err
	}

	stopProgress := s.startProgressReporter(ctx)
	defer stopProgress()

	s.enterPhase(types.PhaseAggregating)
	s.opts.Aggregate.Root = s.opts.RootPath
	agg := aggregator.New(st, s.opts.Aggregate)
	return agg.Run(events)
}

func (s *Scan) runGroup(ctx context.Context, st *store.Store) ([]*types.GroupInfo, error) {
	s.enterPhase(types.PhaseGrouping)
	return grouper.Group(ctx, st, s.opts.Group)
}

func (s *Scan) enterPhase(phase types.Phase) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if n := len(s.state.Phases); n > 0 {
		s.state.Phases[n-1].EndTime = now
	}
	s.state.Phase = phase
	s.state.Phases = append(s.state.Phases, types.PhaseRecord{Phase: phase, StartTime: now})
}

func (s *Scan) setStatus(status types.Status) {
	s.mu.Lock()
	s.state.Status = status
	s.mu.Unlock()
}

// startProgressReporter periodically emits a blended Snapshot. Walking
// progress has no reliable total (folder count vs. queue depth is
// unknowable in general), so it always reports as indeterminate;
// aggregating and grouping contribute their weighted share once
// complete.
func (s *Scan) startProgressReporter(ctx context.Context) func() {
	if s.opts.Progress == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(250 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.opts.Progress(s.snapshot())
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return func() { close(done) }
}

func (s *Scan) snapshot() Snapshot {
	s.mu.Lock()
	phase := s.state.Phase
	s.mu.Unlock()

	return Snapshot{
		Phase:          phase,
		Progress:       s.blendedProgress(phase),
		ETA:            s.estimateETA(),
		FilesScanned:   s.walkStats.FilesScanned.Load(),
		BytesScanned:   s.walkStats.BytesScanned.Load(),
		FoldersScanned: s.walkStats.FoldersScanned.Load(),
	}
}

// blendedProgress returns nil while walking is in flight (its own
// contribution is indeterminate, which makes the overall blend
// indeterminate too), and the weighted sum of completed phases once
// walking has finished.
func (s *Scan) blendedProgress(phase types.Phase) *float64 {
	if phase == types.PhaseWalking {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	total := phaseWeights[types.PhaseWalking] // walking counted as fully done once we're past it
	for p, w := range phaseWeights {
		if p == types.PhaseWalking {
			continue
		}
		total += s.phaseProgress[p] * w
	}
	return &total
}

// estimateETA always returns zero (unknown). The walker has no advance
// knowledge of total tree size, so no throughput-based estimate is
// computed in any phase. Later phases report remaining work via their
// progress fraction instead.
func (s *Scan) estimateETA() time.Duration {
	return 0
}

func (s *Scan) metricsSnapshot(foldersProcessed int) []types.PhaseMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()

	metrics := make([]types.PhaseMetrics, 0, len(s.state.Phases))
	for _, p := range s.state.Phases {
		m := types.PhaseMetrics{
			Phase:     p.Phase,
			StartTime: p.StartTime,
			EndTime:   p.EndTime,
		}
		if p.Phase == types.PhaseWalking {
			m.BytesScannedDelta = s.walkStats.BytesScanned.Load()
			m.FilesProcessed = s.walkStats.FilesScanned.Load()
			m.FoldersProcessed = s.walkStats.FoldersScanned.Load()
		}
		if p.Phase == types.PhaseAggregating {
			m.FoldersProcessed = int64(foldersProcessed)
		}
		metrics = append(metrics, m)
	}
	return metrics
}
