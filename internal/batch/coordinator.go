// Package batch enumerates input files, dispatches work across the
// instance pool, and aggregates results. A bounded job queue feeds a
// fixed number of dispatcher goroutines equal to the pool size, so
// enumeration blocks instead of growing memory on large directories.
package batch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/editnori/metamaprunner/internal/annotator"
	"github.com/editnori/metamaprunner/internal/config"
	"github.com/editnori/metamaprunner/internal/csvout"
	"github.com/editnori/metamaprunner/internal/daemon"
	"github.com/editnori/metamaprunner/internal/metrics"
	"github.com/editnori/metamaprunner/internal/model"
	"github.com/editnori/metamaprunner/internal/pool"
	"github.com/editnori/metamaprunner/internal/progressbus"
	"github.com/editnori/metamaprunner/internal/retry"
	"github.com/editnori/metamaprunner/internal/state"
	"github.com/editnori/metamaprunner/internal/xmlresult"
)

// Coordinator owns the Job queue exclusively; every other component
// is reached only through its public interface.
type Coordinator struct {
	cfg      config.Config
	pool     *pool.Pool
	state    *state.Manager
	daemons  *daemon.Supervisor
	retryCtl *retry.Controller
	bus      *progressbus.Bus
	metrics  *metrics.Collector
	logger   *slog.Logger

	outputRoot     string
	diagnosticsDir string
	workDir        string

	jobIDCounter atomic.Int64

	daemonSpecs       []daemon.Spec
	daemonRestartOnce sync.Once
}

// New builds a Coordinator wired to its collaborators.
func New(cfg config.Config, p *pool.Pool, sm *state.Manager, sup *daemon.Supervisor,
	rc *retry.Controller, bus *progressbus.Bus, mc *metrics.Collector, logger *slog.Logger, outputRoot string) *Coordinator {

	return &Coordinator{
		cfg:            cfg,
		pool:           p,
		state:          sm,
		daemons:        sup,
		retryCtl:       rc,
		bus:            bus,
		metrics:        mc,
		logger:         logger,
		outputRoot:     outputRoot,
		diagnosticsDir: filepath.Join(outputRoot, "diagnostics"),
		workDir:        filepath.Join(outputRoot, ".work"),
	}
}

// Result aggregates run-level counters returned once the queue drains.
type Result struct {
	Completed   int
	Failed      int
	Retried     int
	Total       int
	Interrupted bool
}

// workItem is one queued attempt at processing a file.
type workItem struct {
	file    model.InputFile
	attempt int
}

// CollectFiles enumerates dir for files matching ext, non-recursively,
// in deterministic lexicographic order by full path.
func CollectFiles(dir, ext string) ([]model.InputFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read input directory: %w", err)
	}

	var files []model.InputFile
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ext) {
			continue
		}
		abs, err := filepath.Abs(filepath.Join(dir, e.Name()))
		if err != nil {
			continue
		}
		resolved, err := filepath.EvalSymlinks(abs)
		if err != nil {
			resolved = abs
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, model.InputFile{
			Path:    resolved,
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

// Run executes one batch: bring up daemons, recover stale in-progress
// records, enumerate input, dispatch to the pool, and aggregate
// results. Cancelling ctx stops new dispatch; in-flight jobs finish
// their current attempt (bounded by the per-file timeout) before the
// coordinator returns with Result.Interrupted set.
func (c *Coordinator) Run(ctx context.Context, inputDir string, daemonSpecs []daemon.Spec) (Result, error) {
	// Closing the bus on every return path unblocks any subscriber
	// still waiting in Next, including the CLI's progress view.
	defer c.bus.Close()

	poolSize := c.pool.Stats().Capacity
	if err := checkFileDescriptorLimit(poolSize); err != nil {
		return Result{}, fmt.Errorf("config error: %w", err)
	}

	if err := os.MkdirAll(c.workDir, 0o755); err != nil {
		return Result{}, fmt.Errorf("create work dir: %w", err)
	}
	c.daemonSpecs = daemonSpecs
	if err := c.daemons.EnsureUp(daemonSpecs); err != nil {
		return Result{}, fmt.Errorf("daemon failure: %w", err)
	}
	if err := c.state.ResetInProgressToPending(); err != nil {
		c.daemons.Shutdown()
		return Result{}, fmt.Errorf("recover state: %w", err)
	}

	files, err := CollectFiles(inputDir, c.cfg.InputExt)
	if err != nil {
		c.daemons.Shutdown()
		return Result{}, err
	}

	queueCap := c.cfg.QueueMultiplier * poolSize
	if queueCap < 1 {
		queueCap = poolSize
	}
	jobs := make(chan workItem, queueCap)

	var counters struct {
		completed atomic.Int64
		failed    atomic.Int64
		retried   atomic.Int64
	}

	c.bus.Publish(progressbus.Event{Kind: progressbus.BatchStarted, Total: len(files)})

	go func() {
		defer close(jobs)
		for _, f := range files {
			csvPath := csvout.OutputPath(c.outputRoot, f.Path)
			if c.state.ShouldSkipDispatch(f.Path, csvPath) {
				continue
			}
			select {
			case jobs <- workItem{file: f, attempt: 1}:
			case <-ctx.Done():
				return
			}
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < poolSize; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.worker(ctx, jobs, &counters.completed, &counters.failed, &counters.retried)
		}()
	}
	wg.Wait()

	interrupted := ctx.Err() != nil

	res := Result{
		Completed:   int(counters.completed.Load()),
		Failed:      int(counters.failed.Load()),
		Retried:     int(counters.retried.Load()),
		Total:       len(files),
		Interrupted: interrupted,
	}

	if interrupted {
		c.bus.Publish(progressbus.Event{Kind: progressbus.BatchCancelled, Completed: res.Completed, Failed: res.Failed, Total: res.Total})
	} else {
		c.bus.Publish(progressbus.Event{Kind: progressbus.BatchCompleted, Completed: res.Completed, Failed: res.Failed, Total: res.Total})
	}

	if err := c.daemons.Shutdown(); err != nil {
		c.logger.Warn("daemon shutdown reported an error", "error", err)
	}
	os.RemoveAll(c.workDir)

	return res, nil
}

// worker repeatedly dequeues jobs, leasing an instance, invoking the
// annotator, parsing, and writing the CSV. On a retriable failure it
// waits out the backoff delay itself and retries the same file before
// moving on to the next queued job, keeping the re-enqueue decision
// and its wait local to the dispatcher that owns the attempt.
func (c *Coordinator) worker(ctx context.Context, jobs <-chan workItem, completed, failed, retried *atomic.Int64) {
	for item := range jobs {
		file := item.file
		attempt := item.attempt

		for {
			c.bus.Publish(progressbus.Event{Kind: progressbus.JobStarted, FilePath: file.Path, Attempt: attempt})
			c.state.MarkInProgress(file.Path, attempt)

			err := c.processAttempt(ctx, file, attempt)
			if err == nil {
				completed.Add(1)
				c.bus.Publish(progressbus.Event{Kind: progressbus.JobCompleted, FilePath: file.Path, Attempt: attempt})
				break
			}

			// A cancelled run leaves the record in_progress; startup
			// recovery resets it to pending on resume.
			if ctx.Err() != nil {
				return
			}

			kind := retry.Classify(err)
			if kind == model.ErrorKindDaemonUnreach {
				// One restart attempt per run before giving up on the
				// daemons entirely.
				c.daemonRestartOnce.Do(func() {
					c.logger.Warn("daemons unreachable, attempting one restart")
					if restartErr := c.daemons.EnsureUp(c.daemonSpecs); restartErr != nil {
						c.logger.Error("daemon restart failed", "error", restartErr)
					}
				})
			}
			decision := c.retryCtl.Decide(kind, attempt)
			if !decision.Retry {
				c.state.MarkFailed(file.Path, kind, err.Error())
				failed.Add(1)
				c.bus.Publish(progressbus.Event{Kind: progressbus.JobFailed, FilePath: file.Path, Attempt: attempt, ErrorKind: string(kind)})
				break
			}

			retried.Add(1)
			c.state.RecordRetried()
			c.bus.Publish(progressbus.Event{Kind: progressbus.JobRetried, FilePath: file.Path, Attempt: attempt, ErrorKind: string(kind)})

			select {
			case <-time.After(decision.Delay):
			case <-ctx.Done():
				return
			}
			attempt++
		}
	}
}

// processAttempt runs one attempt end to end: lease, invoke, parse,
// write, release.
func (c *Coordinator) processAttempt(ctx context.Context, file model.InputFile, attempt int) error {
	inst, err := c.pool.Lease(ctx, c.cfg.PerFileTimeout)
	if err != nil {
		return err
	}

	text, err := os.ReadFile(file.Path)
	if err != nil {
		c.pool.Release(inst, pool.OutcomeHealthy)
		return err
	}

	jobID := c.jobIDCounter.Add(1)

	// The invocation runs on the instance's kill context, not the run
	// context: a cooperative cancel lets the in-flight attempt finish
	// (bounded by the per-file timeout), while a forced pool
	// termination cancels the instance context and kills the child.
	annotateStart := time.Now()
	result, invokeErr := annotator.Invoke(inst.Context(), jobID, string(text), annotator.Options{
		BinaryPath:     c.cfg.AnnotatorPath,
		OptionsStr:     c.cfg.AnnotatorOptions,
		WorkDir:        c.workDir,
		Timeout:        c.cfg.PerFileTimeout,
		KillGrace:      c.cfg.KillGrace,
		DiagnosticsDir: c.diagnosticsDir,
	})
	c.metrics.RecordTiming(metrics.StageAnnotator, time.Since(annotateStart))

	outcome := pool.OutcomeHealthy
	if invokeErr != nil {
		c.metrics.RecordFailure(metrics.StageAnnotator)
		outcome = pool.OutcomeUnhealthy
	}
	c.pool.Release(inst, outcome)
	if invokeErr != nil {
		return invokeErr
	}

	parseStart := time.Now()
	concepts, parseErr := parseResultFile(result.StdoutPath)
	c.metrics.RecordTiming(metrics.StageXMLParse, time.Since(parseStart))
	if parseErr != nil {
		c.metrics.RecordFailure(metrics.StageXMLParse)
		c.preserveParseDiagnostics(jobID, file.Path, result.StdoutPath)
		return parseErr
	}

	csvPath := csvout.OutputPath(c.outputRoot, file.Path)
	writeStart := time.Now()
	if err := csvout.Write(csvPath, concepts); err != nil {
		c.metrics.RecordFailure(metrics.StageCSVWrite)
		return err
	}
	c.metrics.RecordTiming(metrics.StageCSVWrite, time.Since(writeStart))

	c.state.TrackConcepts(concepts)
	os.Remove(result.StdoutPath)

	persistStart := time.Now()
	if err := c.state.MarkCompleted(file.Path, len(concepts), time.Since(annotateStart).Seconds()); err != nil {
		return err
	}
	c.metrics.RecordTiming(metrics.StateStagePersist, time.Since(persistStart))
	c.metrics.RecordFileCompleted()

	return nil
}

// preserveParseDiagnostics keeps the input text and the annotator's
// XML output under diagnostics/<jobID>/ when parsing fails, since the
// invoker only preserves them on invocation failure.
func (c *Coordinator) preserveParseDiagnostics(jobID int64, inputPath, xmlPath string) {
	dir := filepath.Join(c.diagnosticsDir, fmt.Sprintf("%d", jobID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return
	}
	if data, err := os.ReadFile(inputPath); err == nil {
		os.WriteFile(filepath.Join(dir, "input.txt"), data, 0o644)
	}
	if data, err := os.ReadFile(xmlPath); err == nil {
		os.WriteFile(filepath.Join(dir, "stdout.xml"), data, 0o644)
	}
}

func parseResultFile(path string) ([]model.Concept, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if info.Size() == 0 {
		return nil, &xmlresult.ParseError{Path: path, Err: fmt.Errorf("zero-byte annotator output")}
	}

	concepts, err := xmlresult.Parse(f)
	if err != nil {
		if pe, ok := err.(*xmlresult.ParseError); ok {
			pe.Path = path
		}
		return nil, err
	}
	return concepts, nil
}

// checkFileDescriptorLimit refuses to start when the process's open
// file descriptor limit is clearly insufficient for the requested
// pool size, per the resource limits requirement.
func checkFileDescriptorLimit(poolSize int) error {
	var rlim syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rlim); err != nil {
		return nil
	}
	needed := uint64(poolSize)*4 + 32
	if rlim.Cur < needed {
		return fmt.Errorf("open file descriptor limit %d is insufficient for pool size %d (need at least %d)", rlim.Cur, poolSize, needed)
	}
	return nil
}
