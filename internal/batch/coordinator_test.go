package batch

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/editnori/metamaprunner/internal/annotator"
	"github.com/editnori/metamaprunner/internal/config"
	"github.com/editnori/metamaprunner/internal/daemon"
	"github.com/editnori/metamaprunner/internal/metrics"
	"github.com/editnori/metamaprunner/internal/pool"
	"github.com/editnori/metamaprunner/internal/progressbus"
	"github.com/editnori/metamaprunner/internal/retry"
	"github.com/editnori/metamaprunner/internal/state"
)

const fakeAnnotatorXML = `<MMOs><MMO><utterance><phrase><PhraseText>diabetes mellitus</PhraseText>
<candidates><candidate CandidateCUI="C0011849" CandidateScore="1000"
CandidateMatched="diabetes mellitus" CandidatePreferred="Diabetes Mellitus"
SemTypes="dsyn" Sources="MSH|NCI"><StartPos>0</StartPos><Length>17</Length>
</candidate></candidates></phrase></utterance></MMO></MMOs>`

func writeFakeAnnotator(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fake-annotator.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatalf("write fake annotator: %v", err)
	}
	return path
}

func newTestCoordinator(t *testing.T, outputRoot, binaryPath string) *Coordinator {
	t.Helper()
	cfg := config.Default()
	cfg.AnnotatorPath = binaryPath
	cfg.PerFileTimeout = 5 * time.Second
	cfg.KillGrace = 500 * time.Millisecond
	cfg.MaxAttempts = 2
	cfg.RetryBaseSec = 0

	p := pool.New(2, 100)
	sm, err := state.Open(outputRoot, "test-run", 2, time.Minute)
	if err != nil {
		t.Fatalf("state.Open: %v", err)
	}
	t.Cleanup(func() { sm.Close() })

	sup := daemon.New(outputRoot, 1, time.Millisecond)
	rc := retry.New(retry.Policy{BaseSeconds: 0, CapSeconds: 1, MaxAttempts: 2})
	bus := progressbus.New(32)
	mc := metrics.NewCollector()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	return New(cfg, p, sm, sup, rc, bus, mc, logger, outputRoot)
}

func TestRun_SingleFileEndToEnd(t *testing.T) {
	inputDir := t.TempDir()
	outputRoot := t.TempDir()

	if err := os.WriteFile(filepath.Join(inputDir, "a.txt"), []byte("diabetes mellitus"), 0o644); err != nil {
		t.Fatalf("write input file: %v", err)
	}

	bin := writeFakeAnnotator(t, `for out; do :; done; cat <<'XML' > "$out"
`+fakeAnnotatorXML+`
XML
exit 0`)

	c := newTestCoordinator(t, outputRoot, bin)
	res, err := c.Run(context.Background(), inputDir, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if res.Completed != 1 || res.Failed != 0 {
		t.Fatalf("Result = %+v, want Completed=1 Failed=0", res)
	}

	csvPath := filepath.Join(outputRoot, "a.csv")
	data, err := os.ReadFile(csvPath)
	if err != nil {
		t.Fatalf("read output csv: %v", err)
	}
	if !strings.Contains(string(data), "C0011849") {
		t.Errorf("csv missing expected concept: %s", data)
	}
	if !strings.HasSuffix(strings.TrimRight(string(data), "\n"), "# END_OF_FILE") {
		t.Errorf("csv missing completion marker: %s", data)
	}
}

func TestRun_TimeoutExhaustsToFailedAfterMaxAttempts(t *testing.T) {
	inputDir := t.TempDir()
	outputRoot := t.TempDir()

	if err := os.WriteFile(filepath.Join(inputDir, "hang.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write input file: %v", err)
	}

	bin := writeFakeAnnotator(t, `trap '' TERM; sleep 30`)

	c := newTestCoordinator(t, outputRoot, bin)
	c.cfg.PerFileTimeout = 100 * time.Millisecond
	c.cfg.KillGrace = 100 * time.Millisecond

	res, err := c.Run(context.Background(), inputDir, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Failed != 1 {
		t.Fatalf("Result = %+v, want Failed=1 after exhausting retries on a perpetual timeout", res)
	}
}

func TestForceTerminateAll_KillsInFlightChild(t *testing.T) {
	bin := writeFakeAnnotator(t, `sleep 30`)
	workDir := t.TempDir()

	p := pool.New(1, 100)
	inst, err := p.Lease(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("Lease: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, invokeErr := annotator.Invoke(inst.Context(), 1, "text", annotator.Options{
			BinaryPath: bin,
			WorkDir:    workDir,
			Timeout:    30 * time.Second,
			KillGrace:  200 * time.Millisecond,
		})
		done <- invokeErr
	}()

	time.Sleep(200 * time.Millisecond) // let the child start
	p.ForceTerminateAll()

	select {
	case invokeErr := <-done:
		if invokeErr == nil {
			t.Error("expected an error from the force-terminated invocation")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("invocation did not return after ForceTerminateAll")
	}
}

func TestRun_EmptyDirectoryCompletesImmediately(t *testing.T) {
	inputDir := t.TempDir()
	outputRoot := t.TempDir()
	bin := writeFakeAnnotator(t, `exit 0`)

	c := newTestCoordinator(t, outputRoot, bin)
	res, err := c.Run(context.Background(), inputDir, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Total != 0 || res.Completed != 0 || res.Failed != 0 {
		t.Errorf("Result = %+v, want all zero counters for an empty input directory", res)
	}
}

func TestCollectFiles_DeterministicOrder(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"c.txt", "a.txt", "b.txt"} {
		os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644)
	}
	os.WriteFile(filepath.Join(dir, "ignore.md"), []byte("x"), 0o644)

	files, err := CollectFiles(dir, ".txt")
	if err != nil {
		t.Fatalf("CollectFiles: %v", err)
	}
	if len(files) != 3 {
		t.Fatalf("expected 3 .txt files, got %d", len(files))
	}
	for i := 1; i < len(files); i++ {
		if files[i-1].Path >= files[i].Path {
			t.Errorf("files not in lexicographic order: %v", files)
		}
	}
}
