package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/ivoronin/folderdedup/internal/planner"
	"github.com/ivoronin/folderdedup/internal/store"
)

// openPlannerStore reopens a folder index written by a prior `scan
// --store-file` run. The CLI's plan/confirm/diff commands run as
// separate process invocations from `scan`, so they reload scan state
// from the persisted store rather than sharing in-memory state.
func openPlannerStore(storeFile string) (*store.Store, error) {
	if storeFile == "" {
		return nil, fmt.Errorf("--store-file is required: run `scan --store-file <path>` first")
	}
	return store.Open(storeFile)
}

func newPlanCmd() *cobra.Command {
	var storeFile string
	var root string

	cmd := &cobra.Command{
		Use:   "plan <relative-path>...",
		Short: "Stage a deletion plan for one or more scanned folders",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return runPlan(root, storeFile, args)
		},
	}
	cmd.Flags().StringVar(&storeFile, "store-file", "", "Path to the folder index produced by `scan --store-file`")
	cmd.Flags().StringVar(&root, "root", "", "Scan root (must match the original scan)")
	_ = cmd.MarkFlagRequired("root")

	return cmd
}

func runPlan(root, storeFile string, relPaths []string) error {
	st, err := openPlannerStore(storeFile)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	groups, err := st.GetGroups()
	if err != nil {
		return fmt.Errorf("load groups: %w", err)
	}

	pl := planner.New(root, "cli", st, groups)
	plan, err := pl.Create(relPaths)
	if err != nil {
		return fmt.Errorf("create plan: %w", err)
	}

	fmt.Printf("plan_id=%s\ntoken=%s\nreclaimable_bytes=%s\nexpires_at=%s\n",
		plan.PlanID, plan.Token, humanize.IBytes(uint64(plan.ReclaimableBytes)), plan.ExpiresAt.Format("2006-01-02T15:04:05Z07:00"))
	for _, rel := range plan.Queue {
		fmt.Printf("  %s\n", rel)
	}
	return nil
}

func newConfirmCmd() *cobra.Command {
	var storeFile, root, token string

	cmd := &cobra.Command{
		Use:   "confirm <plan-id>",
		Short: "Confirm a staged deletion plan and move its folders to quarantine",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return runConfirm(root, storeFile, args[0], token)
		},
	}
	cmd.Flags().StringVar(&storeFile, "store-file", "", "Path to the folder index produced by `scan --store-file`")
	cmd.Flags().StringVar(&root, "root", "", "Scan root (must match the original scan)")
	cmd.Flags().StringVar(&token, "token", "", "Confirmation token returned by `plan`")
	_ = cmd.MarkFlagRequired("root")
	_ = cmd.MarkFlagRequired("token")

	return cmd
}

func runConfirm(root, storeFile, planID, token string) error {
	st, err := openPlannerStore(storeFile)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	groups, err := st.GetGroups()
	if err != nil {
		return fmt.Errorf("load groups: %w", err)
	}

	pl := planner.New(root, "cli", st, groups)
	result, err := pl.Confirm(planID, token)
	if err != nil {
		return fmt.Errorf("confirm plan: %w", err)
	}

	fmt.Printf("moved %d folder(s)\n", len(result.Moved))
	for _, p := range result.Moved {
		fmt.Printf("  %s\n", p)
	}
	for rel, ferr := range result.Failed {
		fmt.Printf("  FAILED %s: %v\n", rel, ferr)
	}
	return nil
}
