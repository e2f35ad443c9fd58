package cli

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/google/uuid"

	"github.com/editnori/metamaprunner/internal/batch"
	"github.com/editnori/metamaprunner/internal/config"
	"github.com/editnori/metamaprunner/internal/daemon"
	"github.com/editnori/metamaprunner/internal/metrics"
	"github.com/editnori/metamaprunner/internal/pool"
	"github.com/editnori/metamaprunner/internal/progressbus"
	"github.com/editnori/metamaprunner/internal/retry"
	"github.com/editnori/metamaprunner/internal/state"
)

const staleLockAge = 10 * time.Minute

// appRuntime wires every collaborator for one process/resume/retry
// invocation and knows how to tear itself down in the right order.
type appRuntime struct {
	cfg        config.Config
	coord      *batch.Coordinator
	state      *state.Manager
	bus        *progressbus.Bus
	metrics    *metrics.Collector
	pool       *pool.Pool
	logger     *slog.Logger
	logCleanup func() error
	runID      string
	outputDir  string
}

func newRuntime(outputDir string, cfg config.Config) (*appRuntime, error) {
	runID := uuid.NewString()

	logDir := filepath.Join(outputDir, "logs")
	logPath := filepath.Join(logDir, fmt.Sprintf("run-%s.log", runID))
	if err := ensureDir(logDir); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	logger, cleanup := config.NewLogger(logPath, runID, cfg.LogLevel)

	poolSize := cfg.PoolSize
	if poolSize == 0 {
		poolSize = pool.DefaultSize(estimateMemGB())
	}
	p := pool.New(poolSize, cfg.MaxFilesPerInstance)

	sm, err := state.Open(outputDir, runID, poolSize, staleLockAge)
	if err != nil {
		cleanup()
		return nil, err
	}

	sup := daemon.New(outputDir, cfg.DaemonProbeAttempts, cfg.DaemonProbeInterval)
	rc := retry.New(retry.Policy{BaseSeconds: cfg.RetryBaseSec, CapSeconds: cfg.RetryCapSec, MaxAttempts: cfg.MaxAttempts})
	bus := progressbus.New(256)
	mc := metrics.NewCollector()

	coord := batch.New(cfg, p, sm, sup, rc, bus, mc, logger, outputDir)

	return &appRuntime{
		cfg:        cfg,
		coord:      coord,
		state:      sm,
		bus:        bus,
		metrics:    mc,
		pool:       p,
		logger:     logger,
		logCleanup: cleanup,
		runID:      runID,
		outputDir:  outputDir,
	}, nil
}

func (r *appRuntime) daemonSpecs() []daemon.Spec {
	var specs []daemon.Spec
	if r.cfg.TaggerCommand != "" {
		specs = append(specs, daemon.Spec{Name: "tagger", Command: r.cfg.TaggerCommand, Args: splitArgs(r.cfg.TaggerArgs), Port: r.cfg.TaggerPort})
	}
	if r.cfg.WSDCommand != "" {
		specs = append(specs, daemon.Spec{Name: "wsd", Command: r.cfg.WSDCommand, Args: splitArgs(r.cfg.WSDArgs), Port: r.cfg.WSDPort})
	}
	return specs
}

func (r *appRuntime) close() {
	r.state.Close()
	r.logCleanup()
}

func splitArgs(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ' ' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}

// estimateMemGB is a conservative stand-in for reading host memory.
// A real figure would need /proc parsing or a platform syscall; the
// pool falls back to a GOMAXPROCS-scaled guess unless the operator
// sets pool_size explicitly.
func estimateMemGB() int {
	return runtime.GOMAXPROCS(0) * 2
}

func ensureDir(dir string) error {
	return os.MkdirAll(dir, 0o755)
}
