package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/editnori/metamaprunner/internal/config"
	"github.com/editnori/metamaprunner/internal/state"
)

var retryTimeoutOverrideSec int

var retryCmd = &cobra.Command{
	Use:   "retry <output-dir>",
	Short: "Re-enqueue failed FileRecords with a reset attempt count",
	Args:  cobra.ExactArgs(1),
	RunE:  runRetry,
}

func init() {
	retryCmd.Flags().IntVar(&retryTimeoutOverrideSec, "per-file-timeout-sec", 0, "per-invocation timeout override for this retry pass")
}

// runRetry resets every failed FileRecord to pending with its attempt
// counter cleared, regardless of how many attempts it previously
// exhausted, then runs an ordinary batch pass that picks the reset
// records back up (ShouldSkipDispatch no longer treats them as
// terminal once reset).
func runRetry(cmd *cobra.Command, args []string) error {
	outputDir := args[0]

	inputDir, failedCount, err := resetFailedForRetry(outputDir)
	if err != nil {
		return configError(err)
	}
	if failedCount == 0 {
		fmt.Println("no failed files to retry")
		return nil
	}
	fmt.Printf("re-engaging %d failed file(s)\n", failedCount)

	cfg, err := config.Load(configPath)
	if err != nil {
		return configError(err)
	}
	if retryTimeoutOverrideSec != 0 {
		cfg.PerFileTimeout = secToDuration(retryTimeoutOverrideSec)
	}

	_, err = runBatch(outputDir, inputDir, cfg)
	return err
}

func resetFailedForRetry(outputDir string) (inputDir string, failedCount int, err error) {
	sm, err := state.Open(outputDir, "retry-reset", 0, staleLockAge)
	if err != nil {
		return "", 0, fmt.Errorf("open state at %s: %w", outputDir, err)
	}
	defer sm.Close()

	inputDir, err = inferInputDir(sm.Snapshot())
	if err != nil {
		return "", 0, err
	}

	failed := sm.FailedPaths()
	for _, path := range failed {
		if err := sm.ResetForRetry(path); err != nil {
			return "", 0, fmt.Errorf("reset %s for retry: %w", path, err)
		}
	}
	return inputDir, len(failed), nil
}
