package cli

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/editnori/metamaprunner/internal/config"
)

// processFlags holds the subset of config.Config overridable from the
// `process` command line, matching the recognized options table.
type processFlags struct {
	poolSize         int
	perFileTimeout   int
	maxAttempts      int
	retryBaseSec     int
	retryCapSec      int
	annotatorOptions string
	inputExt         string
	noProgressUI     bool
	background       bool
}

func (f *processFlags) register(cmd *cobra.Command) {
	cmd.Flags().IntVar(&f.poolSize, "pool-size", 0, "number of annotator instances (0 = auto-detect)")
	cmd.Flags().IntVar(&f.perFileTimeout, "per-file-timeout-sec", 0, "per-file timeout in seconds (0 = use default)")
	cmd.Flags().IntVar(&f.maxAttempts, "max-attempts", 0, "retry attempt cap (0 = use default)")
	cmd.Flags().IntVar(&f.retryBaseSec, "retry-base-sec", 0, "backoff base seconds (0 = use default)")
	cmd.Flags().IntVar(&f.retryCapSec, "retry-cap-sec", 0, "backoff cap seconds (0 = use default)")
	cmd.Flags().StringVar(&f.annotatorOptions, "annotator-options", "", "override the annotator argv option string")
	cmd.Flags().StringVar(&f.inputExt, "input-ext", "", "input file extension to enumerate (default .txt)")
	cmd.Flags().BoolVar(&f.noProgressUI, "no-progress-ui", false, "force the plain log-line progress renderer")
	cmd.Flags().BoolVarP(&f.background, "background", "b", false, "background mode: plain output suitable for nohup")
}

func (f *processFlags) apply(cfg *config.Config) {
	if f.poolSize != 0 {
		cfg.PoolSize = f.poolSize
	}
	if f.perFileTimeout != 0 {
		cfg.PerFileTimeout = secToDuration(f.perFileTimeout)
	}
	if f.maxAttempts != 0 {
		cfg.MaxAttempts = f.maxAttempts
	}
	if f.retryBaseSec != 0 {
		cfg.RetryBaseSec = f.retryBaseSec
	}
	if f.retryCapSec != 0 {
		cfg.RetryCapSec = f.retryCapSec
	}
	if f.annotatorOptions != "" {
		cfg.AnnotatorOptions = f.annotatorOptions
	}
	if f.inputExt != "" {
		cfg.InputExt = f.inputExt
	}
	if f.noProgressUI || f.background {
		cfg.NoProgressUI = true
	}
}

var processFlagSet processFlags

var processCmd = &cobra.Command{
	Use:   "process <input-dir> <output-dir>",
	Short: "Run a fresh or resumed batch over an input directory",
	Args:  cobra.ExactArgs(2),
	RunE:  runProcess,
}

func init() {
	processFlagSet.register(processCmd)
}

func runProcess(cmd *cobra.Command, args []string) error {
	inputDir, outputDir := args[0], args[1]

	cfg, err := config.Load(configPath)
	if err != nil {
		return configError(err)
	}
	processFlagSet.apply(&cfg)

	if err := validateProcessInputs(inputDir, outputDir); err != nil {
		return configError(err)
	}

	res, err := runBatch(outputDir, inputDir, cfg)
	if err != nil {
		return err
	}

	slog.Default().Debug("process finished", "completed", res.Completed, "failed", res.Failed)
	return nil
}

func validateProcessInputs(inputDir, outputDir string) error {
	if inputDir == "" || outputDir == "" {
		return fmt.Errorf("input and output directories are required")
	}
	abs, err := filepath.Abs(inputDir)
	if err != nil {
		return fmt.Errorf("resolve input directory: %w", err)
	}
	if ok, err := statDir(abs); err != nil || !ok {
		return fmt.Errorf("input directory does not exist or is not a directory: %s", inputDir)
	}
	return nil
}
