package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/lazypower/recall/internal/memory"
)

// --- dedup command ---

func newDedupCmd(opts *globalOpts) *cobra.Command {
	var verbose bool
	cmd := &cobra.Command{
		Use:   "dedup",
		Short: "Remove exact duplicates and report near-duplicates",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, opts, func(ctx context.Context, svc *memory.Service, _ string) error {
				res, err := svc.RunDedup(ctx)
				if err != nil {
					return fmt.Errorf("dedup: %w", err)
				}
				w := cmd.OutOrStdout()
				fmt.Fprintf(w, "Scanned %d shards in %s\n", res.ShardsScanned, res.Duration.Round(time.Millisecond))
				fmt.Fprintf(w, "Exact duplicates deleted: %d\n", res.ExactDuplicatesDeleted)
				fmt.Fprintf(w, "Near-duplicate groups: %d\n", len(res.NearDuplicateGroups))
				if res.Failed > 0 {
					fmt.Fprintf(w, "Failed deletes: %d\n", res.Failed)
				}
				if verbose {
					for _, g := range res.NearDuplicateGroups {
						fmt.Fprintf(w, "\n%s  %s\n", g.Representative.ID, preview(g.Representative.Content, 80))
						for _, d := range g.Duplicates {
							fmt.Fprintf(w, "  [%.3f] %s  %s\n", d.Similarity, d.ID, preview(d.Content, 80))
						}
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Print every near-duplicate group")
	return cmd
}

// --- cleanup command ---

func newCleanupCmd(opts *globalOpts) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete memories not updated within the retention window",
		Long:  "Delete unpinned memories older than cleanup.retention_days. Does nothing when cleanup is disabled unless --force is given.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, opts, func(ctx context.Context, svc *memory.Service, _ string) error {
				w := cmd.OutOrStdout()
				if !force && !svc.ShouldRunCleanup() {
					fmt.Fprintln(w, "Cleanup is disabled; use --force to run it anyway.")
					return nil
				}
				res, err := svc.RunCleanup(ctx)
				if err != nil {
					return fmt.Errorf("cleanup: %w", err)
				}
				fmt.Fprintf(w, "Deleted %d memories older than %s (user %d, project %d)\n",
					res.Deleted, res.Cutoff.Format("2006-01-02"), res.UserDeleted, res.ProjectDeleted)
				fmt.Fprintf(w, "Skipped: %d pinned, %d protected\n", res.PinnedSkipped, res.ProtectedSkipped)
				if res.Failed > 0 {
					fmt.Fprintf(w, "Failed deletes: %d\n", res.Failed)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Run even when cleanup is disabled")
	return cmd
}
