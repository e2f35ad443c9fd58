package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/editnori/metamaprunner/internal/config"
	"github.com/editnori/metamaprunner/internal/state"
)

var resumeFlagSet processFlags

var resumeCmd = &cobra.Command{
	Use:   "resume <output-dir>",
	Short: "Resume the batch whose state is at output-dir",
	Args:  cobra.ExactArgs(1),
	RunE:  runResume,
}

func init() {
	resumeFlagSet.register(resumeCmd)
}

func runResume(cmd *cobra.Command, args []string) error {
	outputDir := args[0]

	inputDir, err := peekInputDir(outputDir)
	if err != nil {
		return configError(err)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return configError(err)
	}
	resumeFlagSet.apply(&cfg)

	_, err = runBatch(outputDir, inputDir, cfg)
	return err
}

// peekInputDir reads the state document without taking the run lock,
// just to recover the input directory a prior run targeted; runBatch's
// own Open call acquires the lock afterwards.
func peekInputDir(outputDir string) (string, error) {
	sm, err := state.OpenReadOnly(outputDir)
	if err != nil {
		return "", fmt.Errorf("open state at %s: %w", outputDir, err)
	}
	return inferInputDir(sm.Snapshot())
}
