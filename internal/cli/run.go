package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"

	"github.com/editnori/metamaprunner/internal/batch"
	"github.com/editnori/metamaprunner/internal/config"
	"github.com/editnori/metamaprunner/internal/daemon"
	"github.com/editnori/metamaprunner/internal/metrics"
	"github.com/editnori/metamaprunner/internal/state"
)

type runOutcome struct {
	result batch.Result
	err    error
}

// runBatch wires a fresh appRuntime, installs cooperative-then-forceful
// SIGINT/SIGTERM handling, drives one batch.Coordinator.Run to
// completion while a live progress view renders alongside it, and
// prints the terminal summary. It is shared by process, resume, and
// retry.
func runBatch(outputDir, inputDir string, cfg config.Config) (batch.Result, error) {
	rt, err := newRuntime(outputDir, cfg)
	if err != nil {
		return batch.Result{}, configError(err)
	}
	defer rt.close()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		signals := 0
		for range sigCh {
			signals++
			if signals == 1 {
				rt.logger.Warn("cancellation requested, finishing in-flight attempts")
				cancel()
			} else {
				rt.logger.Warn("second cancellation received, force-terminating annotator processes")
				rt.pool.ForceTerminateAll()
			}
		}
	}()

	sub := rt.bus.Subscribe()
	resultCh := make(chan runOutcome, 1)
	go func() {
		res, err := rt.coord.Run(ctx, inputDir, rt.daemonSpecs())
		resultCh <- runOutcome{result: res, err: err}
	}()

	runProgressView(sub, cfg.NoProgressUI, rt.logger)

	outcome := <-resultCh
	if outcome.err != nil {
		if errors.Is(outcome.err, daemon.ErrDaemonStartFailed) || errors.Is(outcome.err, daemon.ErrDaemonUnreachable) {
			return outcome.result, daemonError(outcome.err)
		}
		return outcome.result, configError(outcome.err)
	}

	printSummary(outcome.result, rt.state)
	printMetrics(rt.metrics)

	if outcome.result.Interrupted {
		return outcome.result, errInterrupted
	}
	return outcome.result, nil
}

// printSummary reports aggregate counters and, on any failures, the
// last ten failed-file summaries (most recent failure first), per the
// CLI's user-visible failure behavior.
func printSummary(res batch.Result, sm *state.Manager) {
	fmt.Printf("\nProcessed %d files: %d completed, %d failed, %d retried\n",
		res.Total, res.Completed, res.Failed, res.Retried)

	if res.Failed == 0 {
		return
	}

	snap := sm.Snapshot()
	type failedEntry struct {
		path string
		kind string
		text string
	}
	var failures []failedEntry
	for path, rec := range snap.Files {
		if rec.Status == "failed" {
			failures = append(failures, failedEntry{path: path, kind: string(rec.LastErrorKind), text: rec.LastError})
		}
	}
	lastAt := func(path string) int64 {
		if at := snap.Files[path].LastAttemptAt; at != nil {
			return at.UnixNano()
		}
		return 0
	}
	sort.Slice(failures, func(i, j int) bool {
		ai, aj := lastAt(failures[i].path), lastAt(failures[j].path)
		if ai != aj {
			return ai > aj
		}
		return failures[i].path < failures[j].path
	})

	fmt.Println("\nFailed files (see logs/ and `status --failed-only` for detail):")
	limit := len(failures)
	if limit > 10 {
		limit = 10
	}
	for _, f := range failures[:limit] {
		fmt.Printf("  %s [%s] %s\n", f.path, f.kind, f.text)
	}
	if len(failures) > 10 {
		fmt.Printf("  ... and %d more\n", len(failures)-10)
	}
}

// printMetrics reports throughput and per-stage timing from the
// run-level in-memory collector, which never persists across process
// restarts (unlike state.Manager): it exists only to characterize the
// run that just finished.
func printMetrics(mc *metrics.Collector) {
	snap := mc.Snapshot()
	fmt.Printf("\nthroughput: %.2f files/sec over %.1fs\n", snap.FilesPerSecond, snap.UptimeSeconds)
	printStage("annotator", snap.Annotator)
	printStage("xml_parse", snap.XMLParse)
	printStage("csv_write", snap.CSVWrite)
	printStage("state_persist", snap.StatePersist)
}

func printStage(name string, s *metrics.OperationSnapshot) {
	if s == nil {
		return
	}
	fmt.Printf("  %-14s count=%d avg=%.0fms min=%dms max=%dms failures=%d\n",
		name, s.Count, s.AvgTimeMs, s.MinTimeMs, s.MaxTimeMs, s.Failures)
}

// inferInputDir recovers the input directory a prior run targeted by
// reading the parent directory of any tracked file path. Non-recursive
// enumeration guarantees every tracked file shares the same parent.
func inferInputDir(snap state.Snapshot) (string, error) {
	for path := range snap.Files {
		return filepath.Dir(path), nil
	}
	return "", fmt.Errorf("no tracked files in state at this output root; run `process <in> <out>` first")
}
