package main

import (
	"context"
	"fmt"
	"os"
	"runtime"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/ivoronin/folderdedup/internal/aggregator"
	"github.com/ivoronin/folderdedup/internal/fpcache"
	"github.com/ivoronin/folderdedup/internal/grouper"
	"github.com/ivoronin/folderdedup/internal/progress"
	"github.com/ivoronin/folderdedup/internal/scheduler"
	"github.com/ivoronin/folderdedup/internal/types"
	"github.com/ivoronin/folderdedup/internal/walker"
)

type scanOptions struct {
	mode                  string
	structure             string
	minSimilarityStr      string
	minSizeStr            string
	includes              []string
	excludes              []string
	workers               int
	caseInsensitive       bool
	trustDeviceBoundaries bool
	cacheFile             string
	storeFile             string
	noProgress            bool
}

func newScanCmd() *cobra.Command {
	opts := &scanOptions{
		mode:             "sha256",
		structure:        "relative",
		minSimilarityStr: "0.80",
		minSizeStr:       "1",
		workers:          runtime.NumCPU(),
	}

	cmd := &cobra.Command{
		Use:   "scan <root>",
		Short: "Scan a folder tree and report similar-folder groups",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return runScan(args[0], opts)
		},
	}

	cmd.Flags().StringVar(&opts.mode, "mode", opts.mode, "File equality mode: name_size or sha256")
	cmd.Flags().StringVar(&opts.structure, "structure", opts.structure, "Structure policy: relative or bag_of_files")
	cmd.Flags().StringVar(&opts.minSimilarityStr, "min-similarity", opts.minSimilarityStr, "Minimum Jaccard similarity to group folders (0-1)")
	cmd.Flags().StringVarP(&opts.minSizeStr, "min-size", "m", opts.minSizeStr, "Minimum file size to consider (e.g., 100, 1K, 10M, 1G)")
	cmd.Flags().StringSliceVar(&opts.includes, "include", nil, "Glob patterns to include (default: all)")
	cmd.Flags().StringSliceVar(&opts.excludes, "exclude", nil, "Glob patterns to exclude (default: walker.DefaultExcludes)")
	cmd.Flags().IntVarP(&opts.workers, "workers", "w", opts.workers, "Maximum concurrent directory operations")
	cmd.Flags().BoolVar(&opts.caseInsensitive, "case-insensitive", false, "Fold name case when comparing file identities")
	cmd.Flags().BoolVar(&opts.trustDeviceBoundaries, "trust-device-boundaries", false,
		"Assume devices have independent inode spaces. WARNING: unsafe if the same filesystem is mounted at multiple paths (e.g., NFS)")
	cmd.Flags().StringVar(&opts.cacheFile, "cache-file", "", "Path to fingerprint hash cache (enables caching)")
	cmd.Flags().StringVar(&opts.storeFile, "store-file", "", "Path to persist the folder index (default: ephemeral)")
	cmd.Flags().BoolVar(&opts.noProgress, "no-progress", false, "Disable progress output")

	return cmd
}

func runScan(root string, opts *scanOptions) error {
	mode, err := parseEqualityMode(opts.mode)
	if err != nil {
		return err
	}
	structure, err := parseStructurePolicy(opts.structure)
	if err != nil {
		return err
	}
	threshold, err := parseFloat01(opts.minSimilarityStr)
	if err != nil {
		return fmt.Errorf("invalid --min-similarity: %w", err)
	}
	minSize, err := parseSize(opts.minSizeStr)
	if err != nil {
		return fmt.Errorf("invalid --min-size: %w", err)
	}

	if err := validateGlobPatterns(opts.includes); err != nil {
		return fmt.Errorf("invalid --include: %w", err)
	}
	if err := validateGlobPatterns(opts.excludes); err != nil {
		return fmt.Errorf("invalid --exclude: %w", err)
	}

	cache, err := fpcache.Open(opts.cacheFile)
	if err != nil {
		return fmt.Errorf("open cache: %w", err)
	}
	defer func() { _ = cache.Close() }()

	showProgress := !opts.noProgress
	bar := progress.New(showProgress, -1)
	var pastWalking bool

	sc := scheduler.New(scheduler.Options{
		ScanID:    "cli",
		RootPath:  root,
		StorePath: opts.storeFile,
		Walker: walker.Options{
			Include:               opts.includes,
			Exclude:               opts.excludes,
			Mode:                  mode,
			MinSize:               minSize,
			Concurrency:           opts.workers,
			ForceCaseInsensitive:  opts.caseInsensitive,
			TrustDeviceBoundaries: opts.trustDeviceBoundaries,
			Cache:                 cache,
		},
		Aggregate: aggregator.Options{
			Mode:            mode,
			Structure:       structure,
			CaseInsensitive: opts.caseInsensitive,
		},
		Group: grouper.Options{
			MinSimilarity: threshold,
		},
		Progress: func(s scheduler.Snapshot) {
			if !pastWalking && s.Phase != types.PhaseWalking {
				bar.SetTotal(s.FoldersScanned)
				pastWalking = true
			}
			bar.Describe(scanStats{s})
		},
		WarnSink: printWarning,
	})

	report, err := sc.Run(context.Background())
	if err != nil {
		return fmt.Errorf("scan failed: %w", err)
	}
	bar.Finish(scanDone{report})

	if report == nil {
		fmt.Println("scan cancelled")
		return nil
	}

	printReport(report)
	return nil
}

type scanStats struct {
	s scheduler.Snapshot
}

func (s scanStats) String() string {
	return fmt.Sprintf("phase=%s files=%d bytes=%s", s.s.Phase, s.s.FilesScanned, humanize.IBytes(uint64(s.s.BytesScanned)))
}

type scanDone struct {
	report *types.ScanReport
}

func (d scanDone) String() string {
	if d.report == nil {
		return "scan cancelled"
	}
	return fmt.Sprintf("found %d groups", len(d.report.Groups))
}

// printWarning is the scan command's WarnSink: it runs on the
// scheduler's warning-drain goroutine, so each warning reaches stderr
// as soon as it's observed rather than waiting for the scan to finish.
// It clears the progress bar's line first so the two never collide.
func printWarning(w types.Warning) {
	fmt.Fprintf(os.Stderr, "\r\033[Kwarning[%s]: %s: %s\n", w.Kind, w.Path, w.Message)
}

func printReport(report *types.ScanReport) {
	for _, g := range report.Groups {
		fmt.Printf("group %s [%s] canonical=%s\n", g.GroupID, g.Label, g.Canonical().RelativePath)
		for _, m := range g.Members {
			fmt.Printf("  %s (%s, %d files)\n", m.RelativePath, humanize.IBytes(uint64(m.TotalBytes)), m.FileCount)
		}
	}
	if len(report.Warnings) > 0 {
		fmt.Printf("%d warning(s) encountered during scan\n", len(report.Warnings))
	}
}

func parseEqualityMode(s string) (types.FileEqualityMode, error) {
	switch s {
	case "name_size":
		return types.EqualityNameSize, nil
	case "sha256":
		return types.EqualitySHA256, nil
	default:
		return "", fmt.Errorf("unknown mode %q (want name_size or sha256)", s)
	}
}

func parseStructurePolicy(s string) (types.StructurePolicy, error) {
	switch s {
	case "relative":
		return types.StructureRelative, nil
	case "bag_of_files":
		return types.StructureBagOfFiles, nil
	default:
		return "", fmt.Errorf("unknown structure %q (want relative or bag_of_files)", s)
	}
}

func parseFloat01(s string) (float64, error) {
	var f float64
	if _, err := fmt.Sscanf(s, "%g", &f); err != nil {
		return 0, err
	}
	if f < 0 || f > 1 {
		return 0, fmt.Errorf("must be between 0 and 1, got %v", f)
	}
	return f, nil
}
