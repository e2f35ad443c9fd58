package cli

import (
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/editnori/metamaprunner/internal/retry"
	"github.com/editnori/metamaprunner/internal/state"
)

var (
	statusFailedOnly bool
	statusConcepts   bool
	statusRetry      bool
)

var statusCmd = &cobra.Command{
	Use:   "status <output-dir>",
	Short: "Print a summary of a batch's persisted state",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&statusFailedOnly, "failed-only", false, "list only failed files with their error detail")
	statusCmd.Flags().BoolVar(&statusConcepts, "concepts", false, "print the top concept/semantic-type frequency report")
	statusCmd.Flags().BoolVar(&statusRetry, "retry", false, "print retry-queue statistics")
}

func runStatus(cmd *cobra.Command, args []string) error {
	outputDir := args[0]

	sm, err := state.OpenReadOnly(outputDir)
	if err != nil {
		return configError(err)
	}

	snap := sm.Snapshot()

	if statusFailedOnly {
		printFailedOnly(snap)
		return nil
	}
	if statusConcepts {
		printConceptStats(sm)
		return nil
	}
	if statusRetry {
		printRetryStats(snap)
		return nil
	}

	printStatusSummary(snap)
	return nil
}

func printStatusSummary(snap state.Snapshot) {
	var pending, inProgress, completed, failed int
	for _, rec := range snap.Files {
		switch rec.Status {
		case "pending":
			pending++
		case "in_progress":
			inProgress++
		case "completed":
			completed++
		case "failed":
			failed++
		}
	}

	fmt.Printf("run %s\n", snap.RunID)
	fmt.Printf("  created:   %s\n", snap.Manifest.CreatedAt.Format(time.RFC3339))
	fmt.Printf("  updated:   %s\n", snap.Manifest.UpdatedAt.Format(time.RFC3339))
	fmt.Printf("  pool size: %d\n", snap.Manifest.PoolSize)
	fmt.Printf("  files:     %d total (%d pending, %d in_progress, %d completed, %d failed)\n",
		len(snap.Files), pending, inProgress, completed, failed)
	fmt.Printf("  totals:    %d completed, %d failed, %d retried\n",
		snap.Manifest.Totals.Completed, snap.Manifest.Totals.Failed, snap.Manifest.Totals.Retried)
}

func printFailedOnly(snap state.Snapshot) {
	type entry struct {
		path string
		kind string
		text string
	}
	var failures []entry
	for path, rec := range snap.Files {
		if rec.Status == "failed" {
			failures = append(failures, entry{path: path, kind: string(rec.LastErrorKind), text: rec.LastError})
		}
	}
	sort.Slice(failures, func(i, j int) bool { return failures[i].path < failures[j].path })

	if len(failures) == 0 {
		fmt.Println("no failed files")
		return
	}
	for _, f := range failures {
		fmt.Printf("%s\t%s\t%s\n", f.path, f.kind, f.text)
	}
}

func printConceptStats(sm *state.Manager) {
	topCUIs, topSemTypes := sm.ConceptStatistics(10)

	fmt.Println("top concepts:")
	for _, s := range topCUIs {
		fmt.Printf("  %-12s %d\n", s.Key, s.Count)
	}
	fmt.Println("top semantic types:")
	for _, s := range topSemTypes {
		fmt.Printf("  %-12s %d\n", s.Key, s.Count)
	}
}

func printRetryStats(snap state.Snapshot) {
	rc := retry.New(retry.DefaultPolicy())
	summary := rc.Summarize(snap.Files, time.Now())

	fmt.Printf("ready_for_retry: %d\n", summary.ReadyForRetry)
	fmt.Printf("in_backoff:      %d\n", summary.InBackoff)
	fmt.Printf("exhausted:       %d\n", summary.Exhausted)
}
