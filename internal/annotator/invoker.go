// Package annotator invokes the third-party annotator binary against
// one input file and reports its exit status and output locations,
// with SIGTERM-then-SIGKILL escalation on timeout.
package annotator

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
)

// TimeoutError indicates the child process did not finish within the
// configured per-file timeout and was killed.
type TimeoutError struct {
	Elapsed time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("annotator timed out after %s", e.Elapsed)
}

// Result is the outcome of one invocation.
type Result struct {
	ExitCode   int
	StdoutPath string // path to the captured XML output
	Stderr     string
	Wall       time.Duration
}

// Options configures one invocation.
type Options struct {
	BinaryPath     string
	OptionsStr     string // space-separated override of defaultOptions
	WorkDir        string // scratch dir for temp input/output files
	Timeout        time.Duration
	KillGrace      time.Duration
	DiagnosticsDir string // retained only on failure, keyed by job id
}

// defaultOptions is the annotator's standard argv: citation mode, 4
// slots of matching concurrency, keep id, strict disambiguation of
// input, ignore word order, XML output, negation detection, and
// word-sense disambiguation.
var defaultOptions = []string{
	"-c", "-Q", "4", "-K", "--sldi", "-I",
	"--XMLf1", "--negex", "--word_sense_disambiguation",
}

// Invoke writes text to a unique temp input file, spawns the
// annotator binary against it, and captures stdout to a temp XML
// file. On timeout it sends SIGTERM, waits grace, then SIGKILL; the
// same escalation fires when ctx is cancelled, so callers that want
// an attempt to survive run-level cancellation must pass a context
// that only a forced termination cancels. On success the temp input
// file is removed here and the XML output is left at Result.StdoutPath
// for the caller to remove once consumed; on failure copies of the
// input, the output and stderr are kept under opts.DiagnosticsDir/<jobID>.
func Invoke(ctx context.Context, jobID int64, text string, opts Options) (Result, error) {
	inputPath := filepath.Join(opts.WorkDir, fmt.Sprintf("mmrunner-in-%d-%s.txt", jobID, uuid.NewString()[:8]))
	outputPath := filepath.Join(opts.WorkDir, fmt.Sprintf("mmrunner-out-%d-%s.xml", jobID, uuid.NewString()[:8]))

	if err := os.WriteFile(inputPath, []byte(text), 0o644); err != nil {
		return Result{}, fmt.Errorf("write input temp file: %w", err)
	}

	argv := buildArgv(opts.OptionsStr, inputPath, outputPath)

	runCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, opts.BinaryPath, argv...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	// On cancellation (timeout or parent ctx done), send SIGTERM first;
	// WaitDelay bounds how long we wait after that before exec escalates
	// to SIGKILL, matching the terminate-then-kill-after-grace contract.
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = opts.KillGrace

	start := time.Now()
	err := cmd.Run()
	wall := time.Since(start)

	res := Result{
		StdoutPath: outputPath,
		Stderr:     stderr.String(),
		Wall:       wall,
	}

	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}

	if runCtx.Err() == context.DeadlineExceeded {
		preserveDiagnostics(opts, jobID, inputPath, outputPath, stderr.String())
		return res, &TimeoutError{Elapsed: wall}
	}

	if err != nil {
		preserveDiagnostics(opts, jobID, inputPath, outputPath, stderr.String())
		return res, fmt.Errorf("annotator exited with error: %w", err)
	}

	os.Remove(inputPath)
	return res, nil
}

func preserveDiagnostics(opts Options, jobID int64, inputPath, outputPath, stderr string) {
	if opts.DiagnosticsDir == "" {
		return
	}
	dir := filepath.Join(opts.DiagnosticsDir, fmt.Sprintf("%d", jobID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return
	}
	if data, err := os.ReadFile(inputPath); err == nil {
		os.WriteFile(filepath.Join(dir, "input.txt"), data, 0o644)
	}
	if data, err := os.ReadFile(outputPath); err == nil {
		os.WriteFile(filepath.Join(dir, "stdout.xml"), data, 0o644)
	}
	os.WriteFile(filepath.Join(dir, "stderr.txt"), []byte(stderr), 0o644)
}

// buildArgv constructs the annotator's command-line arguments. A
// non-empty optionsStr replaces the default option list entirely, but
// an --XML* flag is always guaranteed: without it the output is not
// parseable downstream.
func buildArgv(optionsStr, inputPath, outputPath string) []string {
	var opts []string
	if strings.TrimSpace(optionsStr) != "" {
		opts = strings.Fields(optionsStr)
	} else {
		opts = append(opts, defaultOptions...)
	}

	if !hasXMLFlag(opts) {
		opts = append(opts, "--XMLf1")
	}

	argv := make([]string, 0, len(opts)+2)
	argv = append(argv, opts...)
	argv = append(argv, inputPath, outputPath)
	return argv
}

func hasXMLFlag(opts []string) bool {
	for _, o := range opts {
		if strings.HasPrefix(o, "--XML") {
			return true
		}
	}
	return false
}
