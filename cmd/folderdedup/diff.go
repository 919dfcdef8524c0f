package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/ivoronin/folderdedup/internal/diffproj"
	"github.com/ivoronin/folderdedup/internal/store"
)

func newDiffCmd() *cobra.Command {
	var storeFile string

	cmd := &cobra.Command{
		Use:   "diff <left-relative-path> <right-relative-path>",
		Short: "Show the file-identity difference between two scanned folders",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			return runDiff(storeFile, args[0], args[1])
		},
	}
	cmd.Flags().StringVar(&storeFile, "store-file", "", "Path to the folder index produced by `scan --store-file`")

	return cmd
}

func runDiff(storeFile, leftRel, rightRel string) error {
	st, err := openPlannerStore(storeFile)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	d, err := diffproj.Compute(st, leftRel, rightRel)
	if err != nil {
		return fmt.Errorf("diff: %w", err)
	}

	printDiffSection("only in left", d.OnlyLeft, func(e diffproj.Entry) int64 { return e.LeftWeight })
	printDiffSection("only in right", d.OnlyRight, func(e diffproj.Entry) int64 { return e.RightWeight })
	fmt.Printf("%s (%d):\n", "mismatched", len(d.Mismatched))
	for _, e := range d.Mismatched {
		fmt.Printf("  %s left=%s right=%s\n", e.Identity,
			humanize.IBytes(uint64(e.LeftWeight)), humanize.IBytes(uint64(e.RightWeight)))
	}
	return nil
}

func printDiffSection(label string, entries []diffproj.Entry, weightOf func(diffproj.Entry) int64) {
	fmt.Printf("%s (%d):\n", label, len(entries))
	for _, e := range entries {
		fmt.Printf("  %s (%s)\n", e.Identity, humanize.IBytes(uint64(weightOf(e))))
	}
}
